package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// MemoryStore 記憶體實作，重啟後資料消失
type MemoryStore struct {
	mu          sync.RWMutex
	matches     []MatchRecord
	tournaments []TournamentRecord
	stats       map[engine.PlayerID]PlayerStats
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 創建記憶體 store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stats: make(map[engine.PlayerID]PlayerStats),
		now:   time.Now,
	}
}

// SaveMatch 實現 Store
func (s *MemoryStore) SaveMatch(_ context.Context, res engine.Result) (MatchRecord, error) {
	if err := validateResult(res); err != nil {
		return MatchRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := MatchRecord{
		ID:           int64(len(s.matches) + 1),
		Game:         res.Game,
		Participants: slices.Clone(res.Participants),
		Winner:       res.Winner,
		Forfeit:      res.Forfeit,
		StartedAt:    res.StartedAt,
		EndedAt:      res.EndedAt,
	}
	s.matches = append(s.matches, rec)
	return rec, nil
}

// UpdateStats 實現 Store
func (s *MemoryStore) UpdateStats(_ context.Context, id engine.PlayerID, xpDelta, ratingDelta int, outcome engine.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[id]
	if !ok {
		st = PlayerStats{PlayerID: id, Rating: DefaultRating}
	}
	wins, losses := winsLosses(outcome)
	st.XP += xpDelta
	st.Rating = max(0, st.Rating+ratingDelta)
	st.Wins += wins
	st.Losses += losses
	st.UpdatedAt = s.now()
	s.stats[id] = st
	return nil
}

// GetSkillRating 實現 Store
func (s *MemoryStore) GetSkillRating(_ context.Context, id engine.PlayerID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.stats[id]; ok {
		return st.Rating, nil
	}
	return DefaultRating, nil
}

// SaveTournament 實現 Store
func (s *MemoryStore) SaveTournament(_ context.Context, t TournamentRecord) (TournamentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.ID = int64(len(s.tournaments) + 1)
	t.Players = slices.Clone(t.Players)
	s.tournaments = append(s.tournaments, t)
	return t, nil
}

// PlayerStats 實現 Store
func (s *MemoryStore) PlayerStats(_ context.Context, id engine.PlayerID) (PlayerStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[id]
	if !ok {
		return PlayerStats{}, apperrors.ErrNotFound.WithDetails("player %d has no stats", id)
	}
	return st, nil
}

// Leaderboard 實現 Store
func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]PlayerStats, error) {
	s.mu.RLock()
	all := make([]PlayerStats, 0, len(s.stats))
	for _, st := range s.stats {
		all = append(all, st)
	}
	s.mu.RUnlock()

	slices.SortFunc(all, func(a, b PlayerStats) int {
		if c := cmp.Compare(b.Rating, a.Rating); c != 0 {
			return c
		}
		if c := cmp.Compare(b.XP, a.XP); c != 0 {
			return c
		}
		return cmp.Compare(a.PlayerID, b.PlayerID)
	})

	if n := clampLimit(limit); len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// Matches 已保存的比賽（測試與除錯用）
func (s *MemoryStore) Matches() []MatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.matches)
}

// Tournaments 已保存的錦標賽
func (s *MemoryStore) Tournaments() []TournamentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tournaments)
}

// Close 實現 Store
func (s *MemoryStore) Close() error { return nil }
