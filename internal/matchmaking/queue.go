// Package matchmaking 配對佇列
//
// 系統設計問題：
//
//	多條連線同時排隊時，如何保證一位玩家只會被配進一場比賽？
//
// 設計方案：
//
//	GroupQueue      - 固定人數（Liars Bar 4 人），滿了就整組取出
//	SkillQueue      - 依積分差距配對（Pong），等待越久容忍度越大
//	RedisGroupQueue - 多進程共用的固定人數佇列，Lua 腳本原子取出
//
// 取出與成局在同一個臨界區完成，Handler 在釋放鎖之後呼叫。
package matchmaking

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
)

// Ticket 排隊中的玩家
type Ticket struct {
	PlayerID   engine.PlayerID `json:"player_id"`
	Rating     int             `json:"rating"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Match 成局結果，每位玩家都會收到同一個 room id
type Match struct {
	RoomID   string            `json:"room_id"`
	Game     string            `json:"game"`
	Players  []engine.PlayerID `json:"players"`
	Ratings  []int             `json:"ratings,omitempty"`
	Forced   bool              `json:"forced,omitempty"` // 超過等待上限強制配對
	FormedAt time.Time         `json:"formed_at"`
}

// Has 是否包含該玩家
func (m Match) Has(id engine.PlayerID) bool {
	return slices.Contains(m.Players, id)
}

// Handler 成局通知
type Handler func(Match)

// Queue 三種佇列的共同介面，gateway 只依賴它
type Queue interface {
	Game() string
	// Join 重複加入返回 DuplicateID
	Join(ctx context.Context, t Ticket) error
	// Leave 不在佇列中時為 no-op
	Leave(ctx context.Context, id engine.PlayerID) error
	Len(ctx context.Context) (int, error)
}

// NewRoomID 新房間 ID
func NewRoomID() string {
	return uuid.NewString()
}
