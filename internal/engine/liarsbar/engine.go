package liarsbar

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// GameName 遊戲名稱
const GameName = "liarsbar"

// MaxPlayers 固定四個座位，回合以 4 取模
const MaxPlayers = 4

// ShotChambers 開槍淘汰機率為 1/ShotChambers
const ShotChambers = 6

// Config 引擎參數
type Config struct {
	TurnDuration time.Duration
	Scoring      engine.ScoringStrategy
	Clock        engine.Clock
	Rand         *rand.Rand
	Logger       *slog.Logger
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		TurnDuration: 30 * time.Second,
		Scoring:      engine.DefaultDurationScoring(),
		Clock:        time.Now,
		Rand:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x2545f4914f6cdd1d)),
		Logger:       slog.Default(),
	}
}

// Play 一次出牌（蓋牌宣稱）
type Play struct {
	By    engine.PlayerID `json:"player_id"`
	Cards []Card          `json:"-"`
	Count int             `json:"count"`
}

// Challenge 一次質疑的結果
type Challenge struct {
	Challenger engine.PlayerID `json:"challenger"`
	Submitter  engine.PlayerID `json:"submitter"`
	Revealed   []Card          `json:"revealed"`
	Truthful   bool            `json:"truthful"`
	Shooter    engine.PlayerID `json:"shooter"`
	Died       bool            `json:"died"`
}

// Engine Liars Bar 規則引擎
type Engine struct {
	cfg    Config
	roster *engine.Roster[*Player]

	deck     []Card
	pile     []Card // 本輪已出的牌
	required Card
	lastPlay *Play
	last     *Challenge

	turn        int
	forced      bool
	round       int
	turnStarted time.Time

	running   bool
	ended     bool
	forfeit   bool
	winner    engine.PlayerID
	startedAt time.Time
	endedAt   time.Time
}

var _ engine.Engine = (*Engine)(nil)

// New 創建引擎
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.TurnDuration <= 0 {
		cfg.TurnDuration = def.TurnDuration
	}
	if cfg.Scoring == nil {
		cfg.Scoring = def.Scoring
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.Rand == nil {
		cfg.Rand = def.Rand
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return &Engine{
		cfg:    cfg,
		roster: engine.NewRoster[*Player](MaxPlayers),
	}
}

// Name 實現 engine.Engine
func (e *Engine) Name() string { return GameName }

// MaxPlayers 實現 engine.Engine
func (e *Engine) MaxPlayers() int { return MaxPlayers }

// AddPlayer 實現 engine.Engine
func (e *Engine) AddPlayer(id engine.PlayerID, isBot bool) error {
	_, _, err := e.roster.Add(id, isBot, func(base engine.PlayerBase) *Player {
		return &Player{PlayerBase: base, Status: Live}
	})
	return err
}

// PlayerDisconnected 標記斷線；輪到他時由計時器代為行動
func (e *Engine) PlayerDisconnected(id engine.PlayerID) error {
	return e.roster.Disconnect(id)
}

// Start 開始第一輪
func (e *Engine) Start() error {
	if e.running {
		return apperrors.ErrInvalidState.WithDetails("liarsbar already running")
	}
	if !e.roster.Full() {
		return apperrors.ErrInvalidState.WithDetails("liarsbar needs %d players, has %d", MaxPlayers, e.roster.Len())
	}

	e.running = true
	e.ended = false
	e.forfeit = false
	e.winner = 0
	e.round = 0
	e.last = nil
	e.startedAt = e.cfg.Clock()
	e.endedAt = time.Time{}
	e.turn = 0
	e.initRound()
	return nil
}

// initRound 重新洗牌、發牌、抽指定花色
//
// 只發給存活玩家，每人最多 HandSize 張，牌發完為止。
func (e *Engine) initRound() {
	e.round++
	e.deck = NewDeck(e.cfg.Rand)
	e.pile = nil
	e.lastPlay = nil
	e.forced = false
	e.required = RequiredSuits[e.cfg.Rand.IntN(len(RequiredSuits))]

	e.roster.Each(func(p *Player) {
		p.Hand = nil
		p.resetTurnFlags()
	})

	for dealt := 0; dealt < HandSize && len(e.deck) > 0; dealt++ {
		for step := 0; step < MaxPlayers && len(e.deck) > 0; step++ {
			p, ok := e.roster.At((e.turn + step) % MaxPlayers)
			if !ok || !p.Alive() {
				continue
			}
			p.Hand = append(p.Hand, e.deck[0])
			e.deck = e.deck[1:]
		}
	}

	if p, ok := e.roster.At(e.turn); !ok || !p.Alive() {
		e.turn = e.nextAlive(e.turn)
	}
	e.turnStarted = e.cfg.Clock()
	e.cfg.Logger.Debug("liarsbar 新一輪",
		"round", e.round,
		"required", e.required,
		"turn", e.turn)
}

// UpdatePlayer 處理按鍵
//
// 只接受輪到的玩家的 key_down；非法操作（沒有上一手就質疑）返回 InvalidState。
func (e *Engine) UpdatePlayer(id engine.PlayerID, in engine.Input) error {
	p, err := e.roster.MustGet(id)
	if err != nil {
		return err
	}
	if !in.Valid() {
		e.cfg.Logger.Debug("忽略無效輸入", "player_id", id, "action_type", in.ActionType, "key", in.Key)
		return nil
	}
	if !e.running || in.ActionType != engine.KeyDown || !p.Alive() || p.Seat != e.turn {
		return nil
	}

	switch in.Key {
	case KeyPrev:
		p.moveCursor(-1)
	case KeyNext:
		p.moveCursor(1)
	case KeySelect:
		if !e.forced {
			p.toggleSelected()
		}
	case KeySubmit:
		if e.forced {
			return apperrors.ErrInvalidState.WithDetails("must doubt the previous play")
		}
		if len(p.Selected) == 0 {
			return apperrors.ErrInvalidState.WithDetails("no card selected")
		}
		e.submit(p)
	case KeyDoubt:
		return e.doubt(p)
	default:
		e.cfg.Logger.Debug("忽略未知按鍵", "player_id", id, "key", in.Key)
	}
	return nil
}

// submit 出選中的牌並交給下一位
func (e *Engine) submit(p *Player) {
	cards := p.takeSelected()
	e.pile = append(e.pile, cards...)
	e.lastPlay = &Play{By: p.ID, Cards: cards, Count: len(cards)}
	p.CardSent = true
	e.advanceAfterPlay(p.Seat)
}

// doubt 質疑上一手
func (e *Engine) doubt(challenger *Player) error {
	if e.lastPlay == nil || e.lastPlay.By == challenger.ID {
		return apperrors.ErrInvalidState.WithDetails("no previous play to doubt")
	}
	challenger.Doubting = true

	truthful := AllMatch(e.lastPlay.Cards, e.required)
	shooterID := e.lastPlay.By
	if truthful {
		shooterID = challenger.ID
	}
	shooter, ok := e.roster.Get(shooterID)
	if !ok {
		return fmt.Errorf("submitter %d missing from roster", shooterID)
	}

	died := e.cfg.Rand.IntN(ShotChambers) == 0
	if died {
		shooter.Status = Died
	}
	e.last = &Challenge{
		Challenger: challenger.ID,
		Submitter:  e.lastPlay.By,
		Revealed:   append([]Card(nil), e.lastPlay.Cards...),
		Truthful:   truthful,
		Shooter:    shooterID,
		Died:       died,
	}
	e.cfg.Logger.Debug("liarsbar 質疑",
		"challenger", challenger.ID,
		"submitter", e.lastPlay.By,
		"truthful", truthful,
		"shooter", shooterID,
		"died", died)

	if e.checkWinner() {
		return nil
	}
	e.turn = e.nextAlive(challenger.Seat)
	e.initRound()
	return nil
}

// advanceAfterPlay 出牌後決定下一位
//
// 依序找下一位有手牌的存活玩家；若除了出牌者以外都沒牌了，
// 下一位存活玩家被迫質疑。
func (e *Engine) advanceAfterPlay(from int) {
	for step := 1; step < MaxPlayers; step++ {
		seat := (from + step) % MaxPlayers
		p, ok := e.roster.At(seat)
		if !ok || !p.Alive() || len(p.Hand) == 0 {
			continue
		}
		e.setTurn(seat, e.lastPlay != nil && e.othersEmpty(seat))
		return
	}
	if e.lastPlay == nil {
		// 沒人有牌也沒有可質疑的一手，重新發牌
		e.turn = e.nextAlive(from)
		e.initRound()
		return
	}
	e.setTurn(e.nextAlive(from), true)
}

func (e *Engine) setTurn(seat int, forced bool) {
	e.turn = seat
	e.forced = forced
	e.turnStarted = e.cfg.Clock()
	if p, ok := e.roster.At(seat); ok {
		p.Selected = nil
		p.moveCursor(0)
	}
}

// othersEmpty 除了 seat 以外的存活玩家是否都已出完牌
func (e *Engine) othersEmpty(seat int) bool {
	empty := true
	e.roster.Each(func(p *Player) {
		if p.Seat != seat && p.Alive() && len(p.Hand) > 0 {
			empty = false
		}
	})
	return empty
}

// nextAlive 從 seat 之後找下一個存活座位（不含 seat 本身）
func (e *Engine) nextAlive(seat int) int {
	for step := 1; step <= MaxPlayers; step++ {
		s := (seat + step) % MaxPlayers
		if p, ok := e.roster.At(s); ok && p.Alive() && s != seat {
			return s
		}
	}
	return seat
}

func (e *Engine) aliveCount() int {
	n := 0
	e.roster.Each(func(p *Player) {
		if p.Alive() {
			n++
		}
	})
	return n
}

// checkWinner 只剩一人存活時結束
func (e *Engine) checkWinner() bool {
	if e.aliveCount() > 1 {
		return false
	}
	e.roster.Each(func(p *Player) {
		if p.Alive() {
			e.winner = p.ID
		}
	})
	e.running = false
	e.ended = true
	e.endedAt = e.cfg.Clock()
	return true
}

// Tick 檢查回合計時
//
// 超時時：被迫質疑者自動質疑，否則自動出選中的牌（沒選就出第一張）。
func (e *Engine) Tick() error {
	if !e.running {
		return nil
	}
	if e.turn < 0 || e.turn >= MaxPlayers {
		return fmt.Errorf("turn index %d outside [0,%d)", e.turn, MaxPlayers)
	}
	if total := len(e.deck) + len(e.pile) + e.cardsInHands(); total != DeckSize {
		return fmt.Errorf("card count %d, want %d", total, DeckSize)
	}

	if e.cfg.Clock().Sub(e.turnStarted) < e.cfg.TurnDuration {
		return nil
	}

	p, ok := e.roster.At(e.turn)
	if !ok {
		return fmt.Errorf("no player at seat %d", e.turn)
	}
	e.cfg.Logger.Debug("liarsbar 回合超時", "player_id", p.ID, "forced", e.forced)

	if e.forced {
		if e.lastPlay == nil {
			e.initRound()
			return nil
		}
		return e.doubt(p)
	}
	if len(p.Hand) == 0 {
		e.advanceAfterPlay(p.Seat)
		return nil
	}
	if len(p.Selected) == 0 {
		p.Selected = []int{p.SelectionIndex}
	}
	e.submit(p)
	return nil
}

func (e *Engine) cardsInHands() int {
	n := 0
	e.roster.Each(func(p *Player) {
		n += len(p.Hand)
	})
	return n
}

// Running 實現 engine.Engine
func (e *Engine) Running() bool { return e.running }

// Players 實現 engine.Engine
func (e *Engine) Players() []engine.PlayerID { return e.roster.IDs() }

// Required 本輪指定花色
func (e *Engine) Required() Card { return e.required }

// Turn 當前座位
func (e *Engine) Turn() int { return e.turn }

// Forced 當前玩家是否被迫質疑
func (e *Engine) Forced() bool { return e.forced }

// Winner 實現 engine.Engine
func (e *Engine) Winner() (engine.PlayerID, bool) {
	if !e.ended {
		return 0, false
	}
	return e.winner, true
}

// Loser 最後一位被淘汰的玩家
func (e *Engine) Loser() (engine.PlayerID, bool) {
	if !e.ended {
		return 0, false
	}
	if e.last != nil && e.last.Died {
		return e.last.Shooter, true
	}
	for _, id := range e.roster.IDs() {
		if id != e.winner {
			return id, true
		}
	}
	return 0, false
}

// Forfeit 離開的玩家直接淘汰，剩一人時結束
func (e *Engine) Forfeit(id engine.PlayerID) {
	p, ok := e.roster.Get(id)
	if !ok || e.ended || !p.Alive() {
		return
	}
	p.Status = Died
	e.forfeit = true
	e.last = &Challenge{Shooter: id, Died: true}
	if e.startedAt.IsZero() {
		e.startedAt = e.cfg.Clock()
	}

	if e.checkWinner() || !e.running {
		return
	}

	// 離開者的上一手不能再被質疑，牌留在桌上
	if e.lastPlay != nil && e.lastPlay.By == id {
		e.lastPlay = nil
	}
	if p.Seat == e.turn {
		e.advanceAfterPlay(p.Seat)
		return
	}
	e.forced = e.lastPlay != nil && e.othersEmpty(e.turn)
}

func (e *Engine) turnID() engine.PlayerID {
	if p, ok := e.roster.At(e.turn); ok {
		return p.ID
	}
	return 0
}

// Result 結算：勝者 100 經驗，其餘 10
func (e *Engine) Result() engine.Result {
	res := engine.Result{
		Game:      GameName,
		Winner:    e.winner,
		StartedAt: e.startedAt,
		EndedAt:   e.endedAt,
		Forfeit:   e.forfeit,
	}
	ranked := !e.roster.HasBot()
	duration := res.Duration()

	e.roster.Each(func(p *Player) {
		won := e.ended && p.ID == e.winner
		part := engine.Participant{
			ID:      p.ID,
			Seat:    p.Seat,
			Outcome: engine.OutcomeLose,
		}
		if won {
			part.Outcome = engine.OutcomeWin
			part.Score = 1
		}
		if p.ID.Persistent() {
			xp, rating := e.cfg.Scoring.Score(duration, won)
			part.XP = xp
			if ranked {
				part.RatingDelta = rating
			}
		}
		res.Participants = append(res.Participants, part)
	})
	return res
}

// Reset 清空整局
func (e *Engine) Reset() {
	e.roster.Clear()
	e.deck = nil
	e.pile = nil
	e.lastPlay = nil
	e.last = nil
	e.turn = 0
	e.forced = false
	e.round = 0
	e.running = false
	e.ended = false
	e.forfeit = false
	e.winner = 0
	e.startedAt = time.Time{}
	e.endedAt = time.Time{}
}

// State 廣播用快照
type State struct {
	Game          string          `json:"game"`
	Players       []Player        `json:"players"`
	CardRequired  Card            `json:"card_required"`
	CurrentTurn   engine.PlayerID `json:"current_turn"`
	TurnIndex     int             `json:"turn_index"`
	ForcedDoubt   bool            `json:"forced_doubt"`
	Round         int             `json:"round"`
	Time          int             `json:"time"`
	TurnDuration  int             `json:"turn_duration"`
	DeckCount     int             `json:"deck_count"`
	PileCount     int             `json:"pile_count"`
	LastPlay      *Play           `json:"last_play,omitempty"`
	LastChallenge *Challenge      `json:"last_challenge,omitempty"`
	AliveCount    int             `json:"alive_count"`
	Running       bool            `json:"running"`
	Ended         bool            `json:"ended"`
	Winner        engine.PlayerID `json:"winner,omitempty"`
}

// Snapshot 實現 engine.Engine
func (e *Engine) Snapshot() any {
	players := make([]Player, 0, e.roster.Len())
	e.roster.Each(func(p *Player) {
		players = append(players, p.clone())
	})

	remaining := 0
	if e.running {
		left := e.cfg.TurnDuration - e.cfg.Clock().Sub(e.turnStarted)
		if left > 0 {
			remaining = int(math.Ceil(left.Seconds()))
		}
	}

	state := State{
		Game:         GameName,
		Players:      players,
		CardRequired: e.required,
		TurnIndex:    e.turn,
		ForcedDoubt:  e.forced,
		Round:        e.round,
		Time:         remaining,
		TurnDuration: int(e.cfg.TurnDuration.Seconds()),
		DeckCount:    len(e.deck),
		PileCount:    len(e.pile),
		AliveCount:   e.aliveCount(),
		Running:      e.running,
		Ended:        e.ended,
		Winner:       e.winner,
	}
	if e.running {
		state.CurrentTurn = e.turnID()
	}
	if e.lastPlay != nil {
		lp := *e.lastPlay
		lp.Cards = nil
		state.LastPlay = &lp
	}
	if e.last != nil {
		lc := *e.last
		lc.Revealed = append([]Card(nil), e.last.Revealed...)
		state.LastChallenge = &lc
	}
	return state
}
