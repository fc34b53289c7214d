package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/storage"
	"github.com/koopa0/system-design/14-match-engine/internal/storage/migrations"
	"github.com/koopa0/system-design/14-match-engine/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
	"github.com/koopa0/system-design/14-match-engine/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pongResult() engine.Result {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return engine.Result{
		Game:      "pong",
		Winner:    1,
		StartedAt: start,
		EndedAt:   start.Add(90 * time.Second),
		Participants: []engine.Participant{
			{ID: 1, Seat: 0, Score: 5, Outcome: engine.OutcomeWin, XP: 100, RatingDelta: 20},
			{ID: 2, Seat: 1, Score: 3, Outcome: engine.OutcomeLose, XP: 10, RatingDelta: -15},
		},
	}
}

// runStoreSuite 所有 Store 實作共用的行為測試
func runStoreSuite(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("SaveMatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, err := s.SaveMatch(ctx, pongResult())
		require.NoError(t, err)
		assert.Positive(t, rec.ID)
		assert.Equal(t, "pong", rec.Game)
		assert.Equal(t, engine.PlayerID(1), rec.Winner)
		assert.Len(t, rec.Participants, 2)

		second, err := s.SaveMatch(ctx, pongResult())
		require.NoError(t, err)
		assert.Greater(t, second.ID, rec.ID)

		_, err = s.SaveMatch(ctx, engine.Result{Game: "pong"})
		assert.Error(t, err, "沒有參賽者")
	})

	t.Run("UpdateStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rating, err := s.GetSkillRating(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, storage.DefaultRating, rating)

		_, err = s.PlayerStats(ctx, 7)
		assert.True(t, apperrors.IsNotFound(err))

		require.NoError(t, s.UpdateStats(ctx, 7, 100, 20, engine.OutcomeWin))
		require.NoError(t, s.UpdateStats(ctx, 7, 10, -15, engine.OutcomeLose))

		st, err := s.PlayerStats(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, engine.PlayerID(7), st.PlayerID)
		assert.Equal(t, 110, st.XP)
		assert.Equal(t, storage.DefaultRating+5, st.Rating)
		assert.Equal(t, 1, st.Wins)
		assert.Equal(t, 1, st.Losses)
		assert.Equal(t, 2, st.Matches())

		rating, err = s.GetSkillRating(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, storage.DefaultRating+5, rating)
	})

	t.Run("RatingFloor", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpdateStats(ctx, 3, 10, -5000, engine.OutcomeLose))
		rating, err := s.GetSkillRating(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 0, rating)
	})

	t.Run("Leaderboard", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpdateStats(ctx, 1, 100, 40, engine.OutcomeWin))
		require.NoError(t, s.UpdateStats(ctx, 2, 10, -15, engine.OutcomeLose))
		require.NoError(t, s.UpdateStats(ctx, 3, 100, 25, engine.OutcomeWin))

		board, err := s.Leaderboard(ctx, 2)
		require.NoError(t, err)
		require.Len(t, board, 2)
		assert.Equal(t, engine.PlayerID(1), board[0].PlayerID)
		assert.Equal(t, engine.PlayerID(3), board[1].PlayerID)

		board, err = s.Leaderboard(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, board, 3)
	})

	t.Run("SaveTournament", func(t *testing.T) {
		s := newStore(t)
		start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

		rec, err := s.SaveTournament(context.Background(), storage.TournamentRecord{
			Game:      "pong",
			RoomID:    "room-1",
			Players:   []engine.PlayerID{1, 2, 3, 4},
			Winner:    3,
			StartedAt: start,
			EndedAt:   start.Add(10 * time.Minute),
		})
		require.NoError(t, err)
		assert.Positive(t, rec.ID)
		assert.Equal(t, []engine.PlayerID{1, 2, 3, 4}, rec.Players)
	})
}

// TestMemoryStore 測試記憶體實作
func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

// TestMemoryStore_Records 測試保存內容可讀回
func TestMemoryStore_Records(t *testing.T) {
	s := storage.NewMemoryStore()
	_, err := s.SaveMatch(context.Background(), pongResult())
	require.NoError(t, err)

	matches := s.Matches()
	require.Len(t, matches, 1)
	assert.True(t, matches[0].EndedAt.After(matches[0].StartedAt))
	assert.Empty(t, s.Tournaments())
}

// TestSQLiteStore 每個子測試一個獨立的資料庫檔案
func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storage.Store {
		path := filepath.Join(t.TempDir(), "match.db")
		require.NoError(t, migrations.Run(migrations.SQLite, storage.SQLiteMigrationURL(path), logger.Discard()))

		s, err := storage.OpenSQLite(context.Background(), path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// TestPostgresStore 需要 Docker
func TestPostgresStore(t *testing.T) {
	env := testutils.StartPostgres(t)

	runStoreSuite(t, func(t *testing.T) storage.Store {
		env.Truncate(t)
		return storage.NewPostgresStore(env.Pool)
	})
}
