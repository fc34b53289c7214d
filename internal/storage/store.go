// Package storage 持久化比賽結果與玩家戰績
//
// 引擎只在終局（勝負、棄權、錦標賽結束）呼叫，從不在 tick 中呼叫。
// 三種實作：
//
//	MemoryStore   - 單機開發與測試
//	PostgresStore - pgxpool，正式環境
//	SQLiteStore   - modernc.org/sqlite，單機部署不需要外部資料庫
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
)

// DefaultRating 新玩家的初始積分
const DefaultRating = 1000

// MatchRecord 一場已保存的比賽
type MatchRecord struct {
	ID           int64                `json:"id"`
	Game         string               `json:"game"`
	Participants []engine.Participant `json:"participants"`
	Winner       engine.PlayerID      `json:"winner"`
	Forfeit      bool                 `json:"forfeit"`
	StartedAt    time.Time            `json:"started_at"`
	EndedAt      time.Time            `json:"ended_at"`
}

// TournamentRecord 一場已結束的錦標賽
type TournamentRecord struct {
	ID        int64             `json:"id"`
	Game      string            `json:"game"`
	RoomID    string            `json:"room_id"`
	Players   []engine.PlayerID `json:"players"`
	Winner    engine.PlayerID   `json:"winner"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
}

// PlayerStats 玩家累計戰績
type PlayerStats struct {
	PlayerID  engine.PlayerID `json:"player_id"`
	XP        int             `json:"xp"`
	Rating    int             `json:"rating"`
	Wins      int             `json:"wins"`
	Losses    int             `json:"losses"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Matches 總場數
func (s PlayerStats) Matches() int {
	return s.Wins + s.Losses
}

// Store 持久化協作者
type Store interface {
	// SaveMatch 保存比賽與所有參賽者
	SaveMatch(ctx context.Context, res engine.Result) (MatchRecord, error)

	// UpdateStats 累加經驗值與積分，積分不低於 0
	UpdateStats(ctx context.Context, id engine.PlayerID, xpDelta, ratingDelta int, outcome engine.Outcome) error

	// GetSkillRating 沒有紀錄的玩家返回 DefaultRating
	GetSkillRating(ctx context.Context, id engine.PlayerID) (int, error)

	SaveTournament(ctx context.Context, t TournamentRecord) (TournamentRecord, error)

	// PlayerStats 沒有紀錄時返回 NotFound
	PlayerStats(ctx context.Context, id engine.PlayerID) (PlayerStats, error)

	// Leaderboard 依積分由高到低
	Leaderboard(ctx context.Context, limit int) ([]PlayerStats, error)

	Close() error
}

// validateResult 保存前的基本檢查
func validateResult(res engine.Result) error {
	if res.Game == "" {
		return fmt.Errorf("result without game name")
	}
	if len(res.Participants) == 0 {
		return fmt.Errorf("result without participants")
	}
	return nil
}

// winsLosses 把結果換成 wins / losses 增量
func winsLosses(outcome engine.Outcome) (int, int) {
	if outcome == engine.OutcomeWin {
		return 1, 0
	}
	return 0, 1
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 10
	case limit > 100:
		return 100
	}
	return limit
}
