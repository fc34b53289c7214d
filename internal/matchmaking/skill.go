package matchmaking

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/storage"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// RatingSource 查詢玩家積分（storage.Store 實現此介面）
type RatingSource interface {
	GetSkillRating(ctx context.Context, id engine.PlayerID) (int, error)
}

// SkillConfig 容忍度參數
//
//	tolerance(wait) = min(Base + Step × ⌊wait / StepInterval⌋, Max)
//	wait ≥ HardCeiling 時不看差距直接配對
type SkillConfig struct {
	Base          int
	Step          int
	StepInterval  time.Duration
	Max           int
	HardCeiling   time.Duration
	SweepInterval time.Duration
}

// DefaultSkillConfig 預設參數
func DefaultSkillConfig() SkillConfig {
	return SkillConfig{
		Base:          100,
		Step:          100,
		StepInterval:  10 * time.Second,
		Max:           500,
		HardCeiling:   60 * time.Second,
		SweepInterval: time.Second,
	}
}

// Tolerance 等待 wait 之後允許的積分差
func (c SkillConfig) Tolerance(wait time.Duration) int {
	tol := c.Base
	if c.StepInterval > 0 && wait > 0 {
		tol += c.Step * int(wait/c.StepInterval)
	}
	return min(tol, max(c.Max, c.Base))
}

// SkillQueue 依積分配對的兩人佇列
//
// 每次有人加入（以及 Run 的每次掃描）比較等待最久的兩位：
// 差距在容忍度內就成局，否則兩人都留在隊首等下一次檢查。
type SkillQueue struct {
	game    string
	cfg     SkillConfig
	ratings RatingSource
	handler Handler
	clock   engine.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	tickets []Ticket // 依 EnqueuedAt 排序
	formed  int64
	forced  int64
}

var _ Queue = (*SkillQueue)(nil)

// NewSkillQueue 創建佇列；ratings 為 nil 時使用 Ticket.Rating
func NewSkillQueue(game string, cfg SkillConfig, ratings RatingSource, handler Handler, logger *slog.Logger) *SkillQueue {
	def := DefaultSkillConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.HardCeiling <= 0 {
		cfg.HardCeiling = def.HardCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SkillQueue{
		game:    game,
		cfg:     cfg,
		ratings: ratings,
		handler: handler,
		clock:   time.Now,
		logger:  logger.With("queue", "skill", "game", game),
	}
}

// WithClock 測試用
func (q *SkillQueue) WithClock(c engine.Clock) *SkillQueue {
	q.clock = c
	return q
}

// Game 實現 Queue
func (q *SkillQueue) Game() string { return q.game }

// Config 目前的參數
func (q *SkillQueue) Config() SkillConfig { return q.cfg }

// Join 查詢積分後加入佇列並檢查一次
//
// 查詢失敗時使用預設積分，不讓資料庫問題擋住排隊。
func (q *SkillQueue) Join(ctx context.Context, t Ticket) error {
	if q.ratings != nil {
		rating, err := q.ratings.GetSkillRating(ctx, t.PlayerID)
		if err != nil {
			q.logger.Warn("查詢積分失敗，使用預設值", "player_id", t.PlayerID, "error", err)
			rating = storage.DefaultRating
		}
		t.Rating = rating
	}

	q.mu.Lock()
	if slices.ContainsFunc(q.tickets, func(x Ticket) bool { return x.PlayerID == t.PlayerID }) {
		q.mu.Unlock()
		return apperrors.ErrAlreadyQueued.WithDetails("player %d already in %s queue", t.PlayerID, q.game)
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.clock()
	}
	q.tickets = append(q.tickets, t)
	slices.SortStableFunc(q.tickets, func(a, b Ticket) int { return a.EnqueuedAt.Compare(b.EnqueuedAt) })
	matches := q.checkLocked()
	q.mu.Unlock()

	q.logger.Debug("玩家排隊", "player_id", t.PlayerID, "rating", t.Rating)
	q.notify(matches)
	return nil
}

// Leave 離開佇列
func (q *SkillQueue) Leave(_ context.Context, id engine.PlayerID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tickets = slices.DeleteFunc(q.tickets, func(t Ticket) bool { return t.PlayerID == id })
	return nil
}

// Len 排隊人數
func (q *SkillQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tickets), nil
}

// Check 立即檢查一次（Run 每次掃描呼叫）
func (q *SkillQueue) Check() {
	q.mu.Lock()
	matches := q.checkLocked()
	q.mu.Unlock()
	q.notify(matches)
}

// checkLocked 反覆比較隊首兩位，直到不能成局
func (q *SkillQueue) checkLocked() []Match {
	var matches []Match
	now := q.clock()
	for len(q.tickets) >= 2 {
		a, b := q.tickets[0], q.tickets[1]
		wait := now.Sub(a.EnqueuedAt)
		within := abs(a.Rating-b.Rating) <= q.cfg.Tolerance(wait)
		if !within && wait < q.cfg.HardCeiling {
			break
		}

		q.tickets = slices.Delete(q.tickets, 0, 2)
		q.formed++
		if !within {
			q.forced++
		}
		matches = append(matches, Match{
			RoomID:   NewRoomID(),
			Game:     q.game,
			Players:  []engine.PlayerID{a.PlayerID, b.PlayerID},
			Ratings:  []int{a.Rating, b.Rating},
			Forced:   !within,
			FormedAt: now,
		})
	}
	return matches
}

func (q *SkillQueue) notify(matches []Match) {
	for _, m := range matches {
		q.logger.Info("成局", "room_id", m.RoomID, "players", m.Players, "ratings", m.Ratings, "forced", m.Forced)
		if q.handler != nil {
			q.handler(m)
		}
	}
}

// Run 定期檢查，讓容忍度在沒有新玩家加入時也會放寬
func (q *SkillQueue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.Check()
		}
	}
}

// SkillStats 統計
type SkillStats struct {
	Waiting int   `json:"waiting"`
	Formed  int64 `json:"formed_total"`
	Forced  int64 `json:"forced_total"`
}

// Stats 實時統計
func (q *SkillQueue) Stats() SkillStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return SkillStats{Waiting: len(q.tickets), Formed: q.formed, Forced: q.forced}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
