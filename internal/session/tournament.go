package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/storage"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// Tournament 單淘汰錦標賽
//
// 所有場次依序在同一個引擎上進行（每場前 Reset）。
// 比賽中離開的玩家視為退賽：正在打的那場判負，之後的場次直接判對手勝。
type Tournament struct {
	roomID  string
	group   string
	opts    Options
	logger  *slog.Logger
	onClose func(roomID string)
	size    int

	mu        sync.Mutex
	engine    engine.Engine
	status    Status
	players   []engine.PlayerID
	bots      map[engine.PlayerID]bool
	connected map[engine.PlayerID]bool
	ready     map[engine.PlayerID]struct{}
	withdrawn map[engine.PlayerID]bool
	bracket   *Bracket
	current   *Pair
	results   []engine.Result
	startedAt time.Time
	endedAt   time.Time
	cancel    context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
}

var _ Session = (*Tournament)(nil)

// NewTournament 創建錦標賽
func NewTournament(roomID string, eng engine.Engine, opts Options, onClose func(roomID string)) *Tournament {
	opts = opts.withDefaults()
	return &Tournament{
		roomID:    roomID,
		group:     fmt.Sprintf("%s_tournament_%s", eng.Name(), roomID),
		opts:      opts,
		logger:    opts.Logger.With("room_id", roomID, "game", eng.Name(), "kind", KindTournament),
		onClose:   onClose,
		size:      opts.TournamentSize,
		engine:    eng,
		status:    StatusToSetup,
		bots:      make(map[engine.PlayerID]bool),
		connected: make(map[engine.PlayerID]bool),
		ready:     make(map[engine.PlayerID]struct{}),
		withdrawn: make(map[engine.PlayerID]bool),
		done:      make(chan struct{}),
	}
}

// RoomID 房間 ID
func (t *Tournament) RoomID() string { return t.roomID }

// Game 遊戲名稱
func (t *Tournament) Game() string { return t.engine.Name() }

// Kind 實現 Session
func (t *Tournament) Kind() Kind { return KindTournament }

// Group 廣播群組名稱
func (t *Tournament) Group() string { return t.group }

// Done 實現 Session
func (t *Tournament) Done() <-chan struct{} { return t.done }

// Wait 等待結束
func (t *Tournament) Wait() { <-t.done }

// Status 當前狀態
func (t *Tournament) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// PlayerCount 已報名人數
func (t *Tournament) PlayerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.players)
}

// AddPlayer 報名；人滿時依加入順序建立賽程
func (t *Tournament) AddPlayer(init InitPlayer, isBot bool) error {
	if init.PlayerID == nil {
		return apperrors.ErrMissingField.WithDetails("player_id")
	}
	id := *init.PlayerID

	t.mu.Lock()
	if t.status == StatusEnded {
		t.mu.Unlock()
		return apperrors.ErrInvalidState.WithDetails("tournament %s already ended", t.roomID)
	}

	if connected, known := t.connected[id]; known {
		if connected {
			t.mu.Unlock()
			return apperrors.ErrDuplicateID.WithDetails("player %d already in tournament", id)
		}
		if t.withdrawn[id] {
			t.mu.Unlock()
			return apperrors.ErrInvalidState.WithDetails("player %d withdrew from tournament", id)
		}
		t.connected[id] = true
		if t.status == StatusPlayerDisconnected && t.allConnectedLocked() {
			t.status = StatusToSetup
		}
		snap := t.stateLocked()
		t.mu.Unlock()

		t.logger.Info("玩家重新加入錦標賽", "player_id", id)
		t.broadcast(event(EventPlayerJoin).withPlayer(id), snap)
		return nil
	}

	if t.status != StatusToSetup && t.status != StatusPlayerDisconnected {
		t.mu.Unlock()
		return apperrors.ErrInvalidState.WithDetails("tournament %s already started", t.roomID)
	}
	if len(t.players) >= t.size {
		t.mu.Unlock()
		return apperrors.ErrCapacity.WithDetails("tournament %s is full", t.roomID)
	}

	t.players = append(t.players, id)
	t.connected[id] = true
	t.bots[id] = isBot
	if isBot || t.opts.ReadyOnJoin {
		t.ready[id] = struct{}{}
	}
	if len(t.players) == t.size {
		bracket, err := NewBracket(t.players)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.bracket = bracket
	}
	count := len(t.players)
	snap := t.stateLocked()
	t.mu.Unlock()

	t.logger.Info("玩家報名", "player_id", id, "players", count)
	if count > 1 {
		t.broadcast(event(EventRecoverPlayerData).withPlayer(id), snap)
	}
	t.broadcast(event(EventPlayerJoin).withPlayer(id), snap)
	return nil
}

func (t *Tournament) allConnectedLocked() bool {
	for _, id := range t.players {
		if !t.connected[id] {
			return false
		}
	}
	return true
}

// MarkReady 全員 ready 且賽程已建立時自動開始
func (t *Tournament) MarkReady(id engine.PlayerID) error {
	t.mu.Lock()
	if !slices.Contains(t.players, id) {
		t.mu.Unlock()
		return apperrors.ErrUnknownPlayer.WithDetails("player %d not in tournament %s", id, t.roomID)
	}
	t.ready[id] = struct{}{}
	all := t.bracket != nil && len(t.ready) == t.size
	t.mu.Unlock()

	if all {
		return t.Start(id)
	}
	return nil
}

// Start host_start_tournament：賽程未建立時拒絕，已開始時為 no-op
func (t *Tournament) Start(by engine.PlayerID) error {
	t.mu.Lock()
	if t.bracket == nil {
		t.mu.Unlock()
		return apperrors.ErrInvalidState.WithDetails("tournament %s needs %d players before start", t.roomID, t.size)
	}
	if t.cancel != nil || t.status == StatusEnded {
		t.mu.Unlock()
		return nil
	}

	// 開始時仍斷線的玩家視為退賽
	for _, id := range t.players {
		if !t.connected[id] {
			t.withdrawn[id] = true
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.status = StatusPlaying
	t.startedAt = t.opts.Clock()
	snap := t.stateLocked()
	t.mu.Unlock()

	t.logger.Info("錦標賽開始", "host", by)
	t.broadcast(event(EventHostStartedGame).withPlayer(by), snap)
	go t.run(ctx)
	return nil
}

// matchOutcome 一場的結果
type matchOutcome struct {
	pair     Pair
	winner   engine.PlayerID
	loser    engine.PlayerID
	walkover bool
}

func (t *Tournament) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("錦標賽異常終止", "panic", r)
			t.finish()
		}
	}()

	for {
		pair, ok, walkovers := t.setupMatch()
		for _, w := range walkovers {
			t.broadcastOutcome(w)
		}
		if !ok {
			break
		}

		t.broadcast(EventInfo{Event: EventPlayerToSetup, Match: &pair, Round: t.round()}, t.Snapshot())

		if t.opts.MatchDelay > 0 {
			select {
			case <-ctx.Done():
				t.finish()
				return
			case <-time.After(t.opts.MatchDelay):
			}
		}

		snap, err := t.startMatch()
		if err != nil {
			t.logger.Error("無法開始場次", "a", pair.A, "b", pair.B, "error", err)
			break
		}
		t.broadcast(EventInfo{Event: EventGameStarted, Match: &pair}, snap)

		err = runTicks(ctx, &t.mu, t.engine, t.opts.TickInterval, func(snap any) {
			t.broadcast(event(EventGameLoop), snap)
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.logger.Error("tick 迴圈異常終止", "error", err)
				break
			}
			// Close 時退賽的那場已分勝負，取消後仍要記錄並保存
			if t.matchDecided() {
				if outcome, res, err := t.recordMatch(); err == nil {
					t.broadcastOutcome(outcome)
					persistMatch(t.opts, t.logger, t.roomID, res)
				}
			}
			break
		}

		outcome, res, err := t.recordMatch()
		if err != nil {
			t.logger.Error("無法記錄場次結果", "error", err)
			break
		}
		t.broadcastOutcome(outcome)
		persistMatch(t.opts, t.logger, t.roomID, res)
	}
	t.finish()
}

// setupMatch 取出下一場；退賽者的場次直接判對手勝。賽程結束時 ok 為 false
func (t *Tournament) setupMatch() (pair Pair, ok bool, walkovers []matchOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		p, has := t.bracket.NextMatch()
		if !has {
			done, champion := t.bracket.SetupNextRound()
			if done {
				t.logger.Info("賽程結束", "champion", champion)
				return Pair{}, false, walkovers
			}
			continue
		}

		if t.withdrawn[p.A] || t.withdrawn[p.B] {
			winner, loser := p.A, p.B
			if t.withdrawn[p.A] && !t.withdrawn[p.B] {
				winner, loser = p.B, p.A
			}
			if err := t.bracket.RecordResult(winner, loser); err != nil {
				t.logger.Error("記錄輪空結果失敗", "error", err)
				return Pair{}, false, walkovers
			}
			walkovers = append(walkovers, matchOutcome{pair: p, winner: winner, loser: loser, walkover: true})
			continue
		}

		t.engine.Reset()
		for _, id := range []engine.PlayerID{p.A, p.B} {
			if err := t.engine.AddPlayer(id, t.bots[id]); err != nil {
				t.logger.Error("場次加入玩家失敗", "player_id", id, "error", err)
				return Pair{}, false, walkovers
			}
		}
		t.current = &p
		return p, true, walkovers
	}
}

func (t *Tournament) startMatch() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.engine.Start(); err != nil {
		return nil, err
	}
	return t.engine.Snapshot(), nil
}

// matchDecided 進行中的場次是否已分勝負
func (t *Tournament) matchDecided() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.engine.Winner()
	return ok && t.current != nil
}

// recordMatch 場次結束後寫入賽程
func (t *Tournament) recordMatch() (matchOutcome, engine.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pair := *t.current
	winner, ok := t.engine.Winner()
	if !ok {
		return matchOutcome{}, engine.Result{}, fmt.Errorf("match %d vs %d ended without winner", pair.A, pair.B)
	}
	loser := pair.A
	if winner == pair.A {
		loser = pair.B
	}
	if err := t.bracket.RecordResult(winner, loser); err != nil {
		return matchOutcome{}, engine.Result{}, err
	}

	res := t.engine.Result()
	t.results = append(t.results, res)
	t.current = nil
	return matchOutcome{pair: pair, winner: winner, loser: loser}, res, nil
}

func (t *Tournament) broadcastOutcome(o matchOutcome) {
	t.logger.Info("場次結束", "winner", o.winner, "loser", o.loser, "walkover", o.walkover)
	t.broadcast(EventInfo{
		Event:    EventMatchFinished,
		Match:    &o.pair,
		Winner:   idPtr(o.winner),
		Loser:    idPtr(o.loser),
		Round:    t.round(),
		Walkover: o.walkover,
	}, t.Snapshot())
}

func (t *Tournament) round() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bracket.Round()
}

// finish 廣播 tournament_finished；有冠軍時保存錦標賽
func (t *Tournament) finish() {
	t.mu.Lock()
	t.status = StatusEnded
	t.endedAt = t.opts.Clock()
	t.current = nil
	var (
		champion    engine.PlayerID
		hasChampion bool
	)
	if t.bracket != nil {
		champion, hasChampion = t.bracket.Champion()
	}
	rec := storage.TournamentRecord{
		Game:      t.engine.Name(),
		RoomID:    t.roomID,
		Players:   slices.Clone(t.players),
		Winner:    champion,
		StartedAt: t.startedAt,
		EndedAt:   t.endedAt,
	}
	snap := t.stateLocked()
	t.mu.Unlock()

	info := event(EventTournamentFinished)
	if hasChampion {
		info.Winner = idPtr(champion)
	}
	t.broadcast(info, snap)

	if hasChampion {
		persistTournament(t.opts, t.logger, rec)
	} else {
		t.logger.Info("錦標賽未完成，不保存結果")
	}
	t.teardown()
}

func (t *Tournament) teardown() {
	t.closeOnce.Do(func() {
		if t.onClose != nil {
			t.onClose(t.roomID)
		}
		close(t.done)
		t.logger.Info("錦標賽關閉")
	})
}

// UpdatePlayer 只有正在比賽的兩位玩家的輸入會送進引擎
func (t *Tournament) UpdatePlayer(id engine.PlayerID, in engine.Input) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !slices.Contains(t.players, id) {
		return apperrors.ErrUnknownPlayer.WithDetails("player %d not in tournament %s", id, t.roomID)
	}
	if t.current == nil || !t.current.Has(id) {
		return nil
	}
	return t.engine.UpdatePlayer(id, in)
}

// PlayerQuit 開始前離開只標記斷線；開始後離開視為退賽
func (t *Tournament) PlayerQuit(id engine.PlayerID) error {
	t.mu.Lock()
	if t.status == StatusEnded {
		t.mu.Unlock()
		return nil
	}
	if !slices.Contains(t.players, id) {
		t.mu.Unlock()
		return apperrors.ErrUnknownPlayer.WithDetails("player %d not in tournament %s", id, t.roomID)
	}
	t.connected[id] = false
	delete(t.ready, id)

	if t.status == StatusPlaying {
		t.withdrawLocked(id)
		t.mu.Unlock()
		return nil
	}

	t.status = StatusPlayerDisconnected
	anyConnected := false
	for _, p := range t.players {
		if t.connected[p] {
			anyConnected = true
			break
		}
	}
	if !anyConnected {
		t.status = StatusEnded
	}
	snap := t.stateLocked()
	t.mu.Unlock()

	t.broadcast(event(EventPlayerDisconnected).withPlayer(id), snap)
	if !anyConnected {
		t.teardown()
	}
	return nil
}

// withdrawLocked 退賽；正在比賽時判負，tick 迴圈會在下一幀結束這場
func (t *Tournament) withdrawLocked(id engine.PlayerID) {
	t.withdrawn[id] = true
	if t.current != nil && t.current.Has(id) && t.engine.Running() {
		t.engine.Forfeit(id)
	}
	t.logger.Info("玩家退賽", "player_id", id)
}

// Close 中止錦標賽；id 非 0 時該玩家先退賽
func (t *Tournament) Close(id engine.PlayerID) error {
	t.mu.Lock()
	switch t.status {
	case StatusEnded:
		t.mu.Unlock()
		return nil
	case StatusPlaying:
		if id != 0 && slices.Contains(t.players, id) {
			t.withdrawLocked(id)
		}
		cancel := t.cancel
		t.mu.Unlock()
		cancel()
		return nil
	}

	t.status = StatusEnded
	t.mu.Unlock()
	t.teardown()
	return nil
}

// TournamentState 錦標賽狀態
type TournamentState struct {
	RoomID     string            `json:"room_id"`
	Game       string            `json:"game"`
	Kind       Kind              `json:"kind"`
	Status     Status            `json:"status"`
	Size       int               `json:"size"`
	Players    []engine.PlayerID `json:"players"`
	Withdrawn  []engine.PlayerID `json:"withdrawn,omitempty"`
	Round      int               `json:"round"`
	Rounds     [][]Pair          `json:"rounds,omitempty"`
	Pending    []Pair            `json:"pending,omitempty"`
	Winners    []engine.PlayerID `json:"current_round_winners,omitempty"`
	Eliminated []engine.PlayerID `json:"eliminated,omitempty"`
	Current    *Pair             `json:"current_match,omitempty"`
	Champion   *engine.PlayerID  `json:"champion,omitempty"`
	Matches    int               `json:"matches_played"`
	State      any               `json:"state,omitempty"`
}

// Snapshot 實現 Session
func (t *Tournament) Snapshot() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Tournament) stateLocked() TournamentState {
	st := TournamentState{
		RoomID:  t.roomID,
		Game:    t.engine.Name(),
		Kind:    KindTournament,
		Status:  t.status,
		Size:    t.size,
		Players: slices.Clone(t.players),
		Matches: len(t.results),
	}
	for _, id := range t.players {
		if t.withdrawn[id] {
			st.Withdrawn = append(st.Withdrawn, id)
		}
	}
	if t.bracket != nil {
		st.Round = t.bracket.Round()
		st.Rounds = t.bracket.Rounds()
		st.Pending = t.bracket.Pending()
		st.Winners = t.bracket.Winners()
		st.Eliminated = t.bracket.Eliminated()
		if champion, ok := t.bracket.Champion(); ok {
			st.Champion = idPtr(champion)
		}
	}
	if t.current != nil {
		cur := *t.current
		st.Current = &cur
		st.State = t.engine.Snapshot()
	}
	return st
}

// Results 已完成場次的結果
func (t *Tournament) Results() []engine.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.results)
}

func (t *Tournament) broadcast(info EventInfo, state any) {
	broadcast(t.opts.Broadcaster, t.logger, t.group, info, state)
}
