package session

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// Lobby 一場比賽的生命週期
//
// 狀態機：
//
//	TO_SETUP ──(全員 ready)──→ PLAYING ──(引擎停止 / Close)──→ ENDED
//	    │
//	    └──(開始前離開)──→ PLAYER_DISCONNECTED ──(同 id 重新加入)──→ TO_SETUP
type Lobby struct {
	roomID  string
	group   string
	kind    Kind
	opts    Options
	logger  *slog.Logger
	onClose func(roomID string)

	// fillBots 單人模式：真人加入後補滿機器人
	fillBots bool

	mu      sync.Mutex
	engine  engine.Engine
	status  Status
	ready   map[engine.PlayerID]struct{}
	humans  map[engine.PlayerID]bool // 真人玩家 → 是否連線
	cancel  context.CancelFunc
	nextBot engine.PlayerID

	done      chan struct{}
	closeOnce sync.Once
}

var _ Session = (*Lobby)(nil)

// NewLobby 創建 Lobby；onClose 在結束並持久化後呼叫一次（通常是 registry.RemoveMatch）
func NewLobby(roomID string, kind Kind, eng engine.Engine, opts Options, onClose func(roomID string)) *Lobby {
	opts = opts.withDefaults()
	if kind == KindSinglePlayer {
		opts.ReadyOnJoin = true
	}
	return &Lobby{
		roomID:   roomID,
		group:    eng.Name() + "_" + roomID,
		kind:     kind,
		opts:     opts,
		logger:   opts.Logger.With("room_id", roomID, "game", eng.Name()),
		onClose:  onClose,
		fillBots: kind == KindSinglePlayer,
		engine:   eng,
		status:   StatusToSetup,
		ready:    make(map[engine.PlayerID]struct{}),
		humans:   make(map[engine.PlayerID]bool),
		nextBot:  -1,
		done:     make(chan struct{}),
	}
}

// RoomID 房間 ID
func (l *Lobby) RoomID() string { return l.roomID }

// Game 遊戲名稱
func (l *Lobby) Game() string { return l.engine.Name() }

// Kind 房間類型
func (l *Lobby) Kind() Kind { return l.kind }

// Group 廣播群組名稱
func (l *Lobby) Group() string { return l.group }

// Done 實現 Session
func (l *Lobby) Done() <-chan struct{} { return l.done }

// Wait 等待結束
func (l *Lobby) Wait() { <-l.done }

// Status 當前狀態
func (l *Lobby) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// PlayerCount 已加入的玩家數（含機器人）
func (l *Lobby) PlayerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.engine.Players())
}

// AddPlayer 加入玩家
//
// 超過一人時先廣播 recover_player_data 再廣播 player_join。
// 開始前斷線的玩家用同一個 id 重新加入會回到原座位。
func (l *Lobby) AddPlayer(init InitPlayer, isBot bool) error {
	if init.PlayerID == nil {
		return apperrors.ErrMissingField.WithDetails("player_id")
	}
	id := *init.PlayerID

	l.mu.Lock()
	if l.status == StatusEnded {
		l.mu.Unlock()
		return apperrors.ErrInvalidState.WithDetails("lobby %s already ended", l.roomID)
	}
	if err := l.engine.AddPlayer(id, isBot); err != nil {
		l.mu.Unlock()
		return err
	}
	if !isBot {
		l.humans[id] = true
	}
	if isBot || l.opts.ReadyOnJoin {
		l.ready[id] = struct{}{}
	}
	if l.status == StatusPlayerDisconnected && l.allConnectedLocked() {
		l.status = StatusToSetup
	}
	if l.fillBots && !isBot {
		l.addBotsLocked()
	}

	count := len(l.engine.Players())
	snap := l.snapshotLocked()
	ctx, startSnap, started, err := l.maybeStartLocked()
	l.mu.Unlock()

	l.logger.Info("玩家加入", "player_id", id, "is_bot", isBot, "players", count)
	if count > 1 {
		l.broadcast(event(EventRecoverPlayerData).withPlayer(id), snap)
		l.broadcast(event(EventPlayerJoin).withPlayer(id), snap)
	}
	if err != nil {
		l.logger.Warn("自動開始失敗", "error", err)
		return nil
	}
	if started {
		l.launch(ctx, startSnap)
	}
	return nil
}

// addBotsLocked 補滿機器人；機器人 id 為負數
func (l *Lobby) addBotsLocked() {
	for len(l.engine.Players()) < l.engine.MaxPlayers() {
		id := l.nextBot
		l.nextBot--
		if err := l.engine.AddPlayer(id, true); err != nil {
			l.logger.Warn("加入機器人失敗", "bot_id", id, "error", err)
			return
		}
		l.ready[id] = struct{}{}
	}
}

func (l *Lobby) anyConnectedLocked() bool {
	return slices.Contains(slices.Collect(maps.Values(l.humans)), true)
}

func (l *Lobby) allConnectedLocked() bool {
	for _, connected := range l.humans {
		if !connected {
			return false
		}
	}
	return true
}

// MarkReady 累計 ready，達到人數上限且全員連線時開始
func (l *Lobby) MarkReady(id engine.PlayerID) error {
	l.mu.Lock()
	if !slices.Contains(l.engine.Players(), id) {
		l.mu.Unlock()
		return apperrors.ErrUnknownPlayer.WithDetails("player %d not in lobby %s", id, l.roomID)
	}
	switch l.status {
	case StatusToSetup, StatusPlayerDisconnected:
	default:
		l.mu.Unlock()
		return nil
	}
	// 等待其他人重連時也記錄 ready；是否開始仍由 maybeStartLocked 判斷
	if connected, human := l.humans[id]; !human || connected {
		l.ready[id] = struct{}{}
	}
	ctx, snap, started, err := l.maybeStartLocked()
	l.mu.Unlock()

	if err != nil {
		return err
	}
	if started {
		l.launch(ctx, snap)
	}
	return nil
}

// Start 房主要求開始（不等 ready）
func (l *Lobby) Start(by engine.PlayerID) error {
	l.mu.Lock()
	if !slices.Contains(l.engine.Players(), by) {
		l.mu.Unlock()
		return apperrors.ErrUnknownPlayer.WithDetails("player %d not in lobby %s", by, l.roomID)
	}
	l.mu.Unlock()

	l.broadcast(event(EventHostStartedGame).withPlayer(by), nil)
	return l.StartGame()
}

// StartGame 開始比賽；已開始時為 no-op
func (l *Lobby) StartGame() error {
	l.mu.Lock()
	if l.cancel != nil || l.status != StatusToSetup {
		l.mu.Unlock()
		return nil
	}
	ctx, snap, err := l.startLocked()
	l.mu.Unlock()

	if err != nil {
		return err
	}
	l.launch(ctx, snap)
	return nil
}

// maybeStartLocked ready 人數達到上限且尚未開始時開始
func (l *Lobby) maybeStartLocked() (context.Context, any, bool, error) {
	need := l.engine.MaxPlayers()
	if l.status != StatusToSetup || l.cancel != nil || len(l.ready) < need || len(l.engine.Players()) < need {
		return nil, nil, false, nil
	}
	ctx, snap, err := l.startLocked()
	if err != nil {
		return nil, nil, false, err
	}
	return ctx, snap, true, nil
}

func (l *Lobby) startLocked() (context.Context, any, error) {
	if err := l.engine.Start(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.status = StatusPlaying
	return ctx, l.engine.Snapshot(), nil
}

// launch 廣播 game_started 後啟動 tick goroutine
func (l *Lobby) launch(ctx context.Context, snap any) {
	l.logger.Info("比賽開始")
	l.broadcast(event(EventGameStarted), snap)
	go l.run(ctx)
}

func (l *Lobby) run(ctx context.Context) {
	err := runTicks(ctx, &l.mu, l.engine, l.opts.TickInterval, func(snap any) {
		l.broadcast(event(EventGameLoop), snap)
	})

	failed := err != nil && !errors.Is(err, context.Canceled)
	if failed {
		l.logger.Error("tick 迴圈異常終止", "error", err)
	}
	l.finish(failed)
}

// finish 結束：廣播 game_finished、持久化一次、從 registry 移除
func (l *Lobby) finish(failed bool) {
	res, hasWinner, snap := l.finalState()
	l.broadcast(event(EventGameFinished), snap)

	switch {
	case failed:
		l.logger.Warn("比賽異常結束，不保存結果")
	case !hasWinner:
		l.logger.Info("比賽未分勝負，不保存結果")
	default:
		persistMatch(l.opts, l.logger, l.roomID, res)
	}
	l.teardown()
}

// finalState 標記 ENDED 並取出結果；引擎已損壞時只返回空快照
func (l *Lobby) finalState() (res engine.Result, hasWinner bool, snap any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("讀取最終狀態失敗", "panic", r)
			res, hasWinner, snap = engine.Result{}, false, nil
		}
	}()

	l.status = StatusEnded
	_, hasWinner = l.engine.Winner()
	return l.engine.Result(), hasWinner, l.engine.Snapshot()
}

func (l *Lobby) teardown() {
	l.closeOnce.Do(func() {
		if l.onClose != nil {
			l.onClose(l.roomID)
		}
		close(l.done)
		l.logger.Info("房間關閉")
	})
}

// UpdatePlayer 持鎖套用輸入，保證不會在 tick 中途生效
func (l *Lobby) UpdatePlayer(id engine.PlayerID, in engine.Input) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine.UpdatePlayer(id, in)
}

// PlayerQuit 開始前離開只標記斷線；比賽中離開視為棄權
func (l *Lobby) PlayerQuit(id engine.PlayerID) error {
	l.mu.Lock()
	switch l.status {
	case StatusEnded:
		l.mu.Unlock()
		return nil
	case StatusPlaying:
		l.mu.Unlock()
		return l.Close(id)
	}

	if err := l.engine.PlayerDisconnected(id); err != nil {
		l.mu.Unlock()
		return err
	}
	delete(l.ready, id)
	if _, ok := l.humans[id]; ok {
		l.humans[id] = false
	}
	l.status = StatusPlayerDisconnected

	anyConnected := l.anyConnectedLocked()
	if !anyConnected {
		l.status = StatusEnded
	}
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.logger.Info("玩家在開始前離開", "player_id", id)
	l.broadcast(event(EventPlayerDisconnected).withPlayer(id), snap)
	if !anyConnected {
		l.teardown()
	}
	return nil
}

// Close 提前結束
//
// 比賽中：id 非 0 時記錄棄權。引擎因此分出勝負（或已無真人在場）時取消 tick，
// 由 finish 立即持久化；多人局其餘座位仍存活時比賽繼續。
// 尚未開始：直接關閉房間。
func (l *Lobby) Close(id engine.PlayerID) error {
	l.mu.Lock()
	switch l.status {
	case StatusEnded:
		l.mu.Unlock()
		return nil
	case StatusPlaying:
		if id != 0 {
			if connected, human := l.humans[id]; human && !connected {
				l.mu.Unlock()
				return nil // 已經棄權
			}
			l.engine.Forfeit(id)
			if _, ok := l.humans[id]; ok {
				l.humans[id] = false
			}
			delete(l.ready, id)
			l.logger.Info("玩家棄權", "player_id", id)

			if l.engine.Running() && l.anyConnectedLocked() {
				snap := l.snapshotLocked()
				l.mu.Unlock()
				l.broadcast(event(EventPlayerDisconnected).withPlayer(id), snap)
				return nil
			}
		}
		cancel := l.cancel
		l.mu.Unlock()
		cancel()
		return nil
	}

	l.status = StatusEnded
	l.mu.Unlock()
	l.teardown()
	return nil
}

// LobbyState HTTP 查詢用的房間狀態
type LobbyState struct {
	RoomID     string            `json:"room_id"`
	Game       string            `json:"game"`
	Kind       Kind              `json:"kind"`
	Status     Status            `json:"status"`
	MaxPlayers int               `json:"max_players"`
	Players    []engine.PlayerID `json:"players"`
	Ready      []engine.PlayerID `json:"ready"`
	State      any               `json:"state"`
}

// Snapshot 實現 Session
func (l *Lobby) Snapshot() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

func (l *Lobby) stateLocked() LobbyState {
	ready := make([]engine.PlayerID, 0, len(l.ready))
	for id := range l.ready {
		ready = append(ready, id)
	}
	slices.Sort(ready)

	return LobbyState{
		RoomID:     l.roomID,
		Game:       l.engine.Name(),
		Kind:       l.kind,
		Status:     l.status,
		MaxPlayers: l.engine.MaxPlayers(),
		Players:    l.engine.Players(),
		Ready:      ready,
		State:      l.engine.Snapshot(),
	}
}

// snapshotLocked 廣播用：引擎快照
func (l *Lobby) snapshotLocked() any {
	return l.engine.Snapshot()
}

func (l *Lobby) broadcast(info EventInfo, state any) {
	broadcast(l.opts.Broadcaster, l.logger, l.group, info, state)
}
