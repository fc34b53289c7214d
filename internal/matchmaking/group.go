package matchmaking

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// GroupQueue 固定人數佇列（先進先出）
type GroupQueue struct {
	game    string
	size    int
	handler Handler
	clock   engine.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	tickets []Ticket
	formed  int64
}

var _ Queue = (*GroupQueue)(nil)

// NewGroupQueue 創建佇列；size 小於 2 時使用 4
func NewGroupQueue(game string, size int, handler Handler, logger *slog.Logger) *GroupQueue {
	if size < 2 {
		size = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupQueue{
		game:    game,
		size:    size,
		handler: handler,
		clock:   time.Now,
		logger:  logger.With("queue", "group", "game", game),
	}
}

// WithClock 測試用
func (q *GroupQueue) WithClock(c engine.Clock) *GroupQueue {
	q.clock = c
	return q
}

// Game 實現 Queue
func (q *GroupQueue) Game() string { return q.game }

// Size 一組的人數
func (q *GroupQueue) Size() int { return q.size }

// Join 加入佇列；湊滿一組時立即成局
func (q *GroupQueue) Join(_ context.Context, t Ticket) error {
	q.mu.Lock()
	if q.indexLocked(t.PlayerID) >= 0 {
		q.mu.Unlock()
		return apperrors.ErrAlreadyQueued.WithDetails("player %d already in %s queue", t.PlayerID, q.game)
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.clock()
	}
	q.tickets = append(q.tickets, t)

	var matches []Match
	for len(q.tickets) >= q.size {
		group := q.tickets[:q.size]
		m := Match{
			RoomID:   NewRoomID(),
			Game:     q.game,
			FormedAt: q.clock(),
		}
		for _, g := range group {
			m.Players = append(m.Players, g.PlayerID)
		}
		q.tickets = slices.Clone(q.tickets[q.size:])
		q.formed++
		matches = append(matches, m)
	}
	waiting := len(q.tickets)
	q.mu.Unlock()

	q.logger.Debug("玩家排隊", "player_id", t.PlayerID, "waiting", waiting)
	for _, m := range matches {
		q.logger.Info("成局", "room_id", m.RoomID, "players", m.Players)
		if q.handler != nil {
			q.handler(m)
		}
	}
	return nil
}

// Leave 離開佇列
func (q *GroupQueue) Leave(_ context.Context, id engine.PlayerID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(id); i >= 0 {
		q.tickets = slices.Delete(q.tickets, i, i+1)
	}
	return nil
}

// Len 排隊人數
func (q *GroupQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tickets), nil
}

// Formed 累計成局數
func (q *GroupQueue) Formed() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.formed
}

func (q *GroupQueue) indexLocked(id engine.PlayerID) int {
	return slices.IndexFunc(q.tickets, func(t Ticket) bool { return t.PlayerID == id })
}
