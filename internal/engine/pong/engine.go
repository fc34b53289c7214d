package pong

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
const GameName = "pong"

// MaxPlayers 固定兩人
const MaxPlayers = 2

// Config 引擎參數
type Config struct {
	MaxScore  int
	Countdown time.Duration
	Bounds    Bounds
	Scoring   engine.ScoringStrategy
	Clock     engine.Clock
	Rand      *rand.Rand
	Logger    *slog.Logger
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		MaxScore:  5,
		Countdown: 3 * time.Second,
		Bounds:    DefaultBounds(),
		Scoring:   engine.DefaultDurationScoring(),
		Clock:     time.Now,
		Rand:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		Logger:    slog.Default(),
	}
}

// Engine Pong 規則引擎
//
// 非並發安全，由 Session 持鎖呼叫。
type Engine struct {
	cfg    Config
	roster *engine.Roster[*Player]

	ball    Ball
	scores  [MaxPlayers]int
	running bool
	ended   bool
	forfeit bool

	startedAt time.Time
	endedAt   time.Time
}

var (
	_ engine.Engine        = (*Engine)(nil)
	_ engine.BotController = (*Engine)(nil)
)

// New 創建引擎；零值欄位使用預設參數（Countdown 為 0 表示不倒數）
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxScore <= 0 {
		cfg.MaxScore = def.MaxScore
	}
	if cfg.Countdown < 0 {
		cfg.Countdown = 0
	}
	if cfg.Bounds == (Bounds{}) {
		cfg.Bounds = def.Bounds
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
		ball:   NewBall(),
	}
}

// Name 實現 engine.Engine
func (e *Engine) Name() string { return GameName }

// MaxPlayers 實現 engine.Engine
func (e *Engine) MaxPlayers() int { return MaxPlayers }

// ControlsBots 機器人球拍由 AI 驅動
func (e *Engine) ControlsBots() bool { return true }

// AddPlayer 加入玩家；第一位在左側，第二位在右側
func (e *Engine) AddPlayer(id engine.PlayerID, isBot bool) error {
	_, rejoined, err := e.roster.Add(id, isBot, func(base engine.PlayerBase) *Player {
		x := e.cfg.Bounds.XMin + 1
		if base.Seat == 1 {
			x = e.cfg.Bounds.XMax - 1
		}
		p := &Player{PlayerBase: base, Paddle: NewPaddle(x)}
		if isBot {
			p.ai = NewAI(AIDecisionInterval)
		}
		return p
	})
	if err != nil {
		return err
	}

	e.cfg.Logger.Debug("pong 玩家加入", "player_id", id, "is_bot", isBot, "rejoined", rejoined)
	return nil
}

// UpdatePlayer 套用按鍵輸入
func (e *Engine) UpdatePlayer(id engine.PlayerID, in engine.Input) error {
	p, err := e.roster.MustGet(id)
	if err != nil {
		return err
	}

	if p.IsBot {
		return nil
	}
	if !in.Valid() || !p.applyKey(in.ActionType, in.Key) {
		e.cfg.Logger.Debug("忽略無效輸入",
			"player_id", id,
			"action_type", in.ActionType,
			"key", in.Key)
	}
	return nil
}

// PlayerDisconnected 標記斷線並停止球拍
func (e *Engine) PlayerDisconnected(id engine.PlayerID) error {
	if err := e.roster.Disconnect(id); err != nil {
		return err
	}
	if p, ok := e.roster.Get(id); ok {
		p.MovingUp, p.MovingDown = false, false
	}
	return nil
}

// Start 開始比賽並發球
func (e *Engine) Start() error {
	if e.running {
		return apperrors.ErrInvalidState.WithDetails("pong already running")
	}
	if !e.roster.Full() {
		return apperrors.ErrInvalidState.WithDetails("pong needs %d players, has %d", MaxPlayers, e.roster.Len())
	}

	e.running = true
	e.ended = false
	e.forfeit = false
	e.scores = [MaxPlayers]int{}
	e.startedAt = e.cfg.Clock()
	e.endedAt = time.Time{}

	towards := SideRight
	if e.cfg.Rand.IntN(2) == 0 {
		towards = SideLeft
	}
	e.ball = NewBall()
	e.ball.Reset(e.cfg.Rand, towards)
	return nil
}

// Tick 推進一幀
//
// 倒數期間球與球拍都不動；倒數用真實經過時間計算。
func (e *Engine) Tick() error {
	if !e.running {
		return nil
	}
	if n := e.roster.Len(); n > MaxPlayers {
		return fmt.Errorf("pong roster overflow: %d players", n)
	}

	now := e.cfg.Clock()
	if now.Sub(e.startedAt) < e.cfg.Countdown {
		return nil
	}

	bounds := e.cfg.Bounds
	e.roster.Each(func(p *Player) {
		if p.ai != nil {
			p.ai.Update(now, e.ball, &p.Paddle, bounds, e.cfg.Rand)
			return
		}
		p.move(bounds)
	})

	e.ball.Move(bounds)
	e.roster.Each(func(p *Player) {
		e.ball.Collide(&p.Paddle)
	})
	e.ball.ClampY(bounds)

	switch e.ball.OutOfBounds(bounds) {
	case SideRight:
		e.score(0, SideRight)
	case SideLeft:
		e.score(1, SideLeft)
	}

	for _, s := range e.scores {
		if s >= e.cfg.MaxScore {
			e.finish(now)
			break
		}
	}
	return nil
}

// score 記分並朝失分方重新發球
func (e *Engine) score(seat int, conceded Side) {
	e.scores[seat]++
	e.ball.Reset(e.cfg.Rand, conceded)
	e.cfg.Logger.Debug("pong 得分", "seat", seat, "scores", e.scores)
}

func (e *Engine) finish(now time.Time) {
	e.running = false
	e.ended = true
	e.endedAt = now
}

// Running 實現 engine.Engine
func (e *Engine) Running() bool { return e.running }

// Players 實現 engine.Engine
func (e *Engine) Players() []engine.PlayerID { return e.roster.IDs() }

// Scores 返回兩側比分
func (e *Engine) Scores() (int, int) { return e.scores[0], e.scores[1] }

// Ball 返回球的副本
func (e *Engine) Ball() Ball { return e.ball }

func (e *Engine) winnerSeat() (int, bool) {
	if !e.ended || e.scores[0] == e.scores[1] {
		return 0, false
	}
	if e.scores[0] > e.scores[1] {
		return 0, true
	}
	return 1, true
}

// Winner 實現 engine.Engine
func (e *Engine) Winner() (engine.PlayerID, bool) {
	seat, ok := e.winnerSeat()
	if !ok {
		return 0, false
	}
	p, ok := e.roster.At(seat)
	if !ok {
		return 0, false
	}
	return p.ID, true
}

// Loser 實現 engine.Engine
func (e *Engine) Loser() (engine.PlayerID, bool) {
	seat, ok := e.winnerSeat()
	if !ok {
		return 0, false
	}
	p, ok := e.roster.At(1 - seat)
	if !ok {
		return 0, false
	}
	return p.ID, true
}

// Forfeit 棄權：離開方 0 分，對手直接達到勝利分數
func (e *Engine) Forfeit(id engine.PlayerID) {
	p, ok := e.roster.Get(id)
	if !ok || e.ended {
		return
	}
	e.scores[p.Seat] = 0
	e.scores[1-p.Seat] = e.cfg.MaxScore
	e.forfeit = true
	if e.startedAt.IsZero() {
		e.startedAt = e.cfg.Clock()
	}
	e.finish(e.cfg.Clock())
}

// Result 結算
//
// 有機器人參與的比賽不影響積分，人類玩家仍獲得經驗值。
func (e *Engine) Result() engine.Result {
	res := engine.Result{
		Game:      GameName,
		StartedAt: e.startedAt,
		EndedAt:   e.endedAt,
		Forfeit:   e.forfeit,
	}
	winner, hasWinner := e.Winner()
	if hasWinner {
		res.Winner = winner
	}
	ranked := !e.roster.HasBot()
	duration := res.Duration()

	e.roster.Each(func(p *Player) {
		won := hasWinner && p.ID == winner
		part := engine.Participant{
			ID:      p.ID,
			Seat:    p.Seat,
			Score:   e.scores[p.Seat],
			Outcome: engine.OutcomeLose,
		}
		if won {
			part.Outcome = engine.OutcomeWin
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

// Reset 清空玩家與比分，供錦標賽重複使用
func (e *Engine) Reset() {
	e.roster.Clear()
	e.ball = NewBall()
	e.scores = [MaxPlayers]int{}
	e.running = false
	e.ended = false
	e.forfeit = false
	e.startedAt = time.Time{}
	e.endedAt = time.Time{}
}

// State 廣播用快照
type State struct {
	Game      string         `json:"game"`
	Players   []Player       `json:"players"`
	Ball      Ball           `json:"ball"`
	Scores    map[string]int `json:"scores"`
	Bounds    Bounds         `json:"bounds"`
	CountDown int            `json:"count_down"`
	Running   bool           `json:"running"`
	Ended     bool           `json:"ended"`
}

// Snapshot 實現 engine.Engine
func (e *Engine) Snapshot() any {
	players := make([]Player, 0, e.roster.Len())
	e.roster.Each(func(p *Player) {
		cp := *p
		cp.ai = nil
		players = append(players, cp)
	})

	countdown := 0
	if e.running {
		remaining := e.cfg.Countdown - e.cfg.Clock().Sub(e.startedAt)
		if remaining > 0 {
			countdown = int(math.Ceil(remaining.Seconds()))
		}
	}

	return State{
		Game:    GameName,
		Players: players,
		Ball:    e.ball,
		Scores: map[string]int{
			"player1": e.scores[0],
			"player2": e.scores[1],
		},
		Bounds:    e.cfg.Bounds,
		CountDown: countdown,
		Running:   e.running,
		Ended:     e.ended,
	}
}
