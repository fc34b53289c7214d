package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// SQLiteStore modernc.org/sqlite 實作（純 Go，不需要 cgo）
//
// 時間以 unix 毫秒存成 INTEGER。
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteDSN 開啟 WAL 與 foreign key 的連線字串
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

// SQLiteMigrationURL golang-migrate 使用的 URL
func SQLiteMigrationURL(path string) string {
	return "sqlite://" + path
}

// OpenSQLite 開啟資料庫；單一寫入連線避免 SQLITE_BUSY
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveMatch 實現 Store
func (s *SQLiteStore) SaveMatch(ctx context.Context, res engine.Result) (MatchRecord, error) {
	if err := validateResult(res); err != nil {
		return MatchRecord{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MatchRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO matches (game, winner_id, forfeit, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?)`,
		res.Game, int64(res.Winner), res.Forfeit, res.StartedAt.UnixMilli(), res.EndedAt.UnixMilli())
	if err != nil {
		return MatchRecord{}, fmt.Errorf("insert match: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return MatchRecord{}, fmt.Errorf("match id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO match_participants (match_id, player_id, seat, score, outcome, xp, rating_delta)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return MatchRecord{}, fmt.Errorf("prepare participants: %w", err)
	}
	defer stmt.Close()

	for _, p := range res.Participants {
		if _, err := stmt.ExecContext(ctx, id, int64(p.ID), p.Seat, p.Score, string(p.Outcome), p.XP, p.RatingDelta); err != nil {
			return MatchRecord{}, fmt.Errorf("insert participant %d: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return MatchRecord{}, fmt.Errorf("commit match: %w", err)
	}

	return MatchRecord{
		ID:           id,
		Game:         res.Game,
		Participants: res.Participants,
		Winner:       res.Winner,
		Forfeit:      res.Forfeit,
		StartedAt:    res.StartedAt,
		EndedAt:      res.EndedAt,
	}, nil
}

// UpdateStats 實現 Store
func (s *SQLiteStore) UpdateStats(ctx context.Context, id engine.PlayerID, xpDelta, ratingDelta int, outcome engine.Outcome) error {
	wins, losses := winsLosses(outcome)
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO player_stats (player_id, xp, rating, wins, losses, updated_at)
		VALUES (?, ?, MAX(0, ? + ?), ?, ?, ?)
		ON CONFLICT (player_id) DO UPDATE
		SET xp         = player_stats.xp + excluded.xp,
		    rating     = MAX(0, player_stats.rating + ?),
		    wins       = player_stats.wins + excluded.wins,
		    losses     = player_stats.losses + excluded.losses,
		    updated_at = excluded.updated_at`,
		int64(id), xpDelta, DefaultRating, ratingDelta, wins, losses, now, ratingDelta)
	if err != nil {
		return fmt.Errorf("update stats for %d: %w", id, err)
	}
	return nil
}

// GetSkillRating 實現 Store
func (s *SQLiteStore) GetSkillRating(ctx context.Context, id engine.PlayerID) (int, error) {
	var rating int
	err := s.db.QueryRowContext(ctx, `SELECT rating FROM player_stats WHERE player_id = ?`, int64(id)).Scan(&rating)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultRating, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get rating for %d: %w", id, err)
	}
	return rating, nil
}

// SaveTournament 實現 Store
func (s *SQLiteStore) SaveTournament(ctx context.Context, t TournamentRecord) (TournamentRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TournamentRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO tournaments (game, room_id, winner_id, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.Game, t.RoomID, int64(t.Winner), t.StartedAt.UnixMilli(), t.EndedAt.UnixMilli())
	if err != nil {
		return TournamentRecord{}, fmt.Errorf("insert tournament: %w", err)
	}
	if t.ID, err = result.LastInsertId(); err != nil {
		return TournamentRecord{}, fmt.Errorf("tournament id: %w", err)
	}

	for seat, id := range t.Players {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tournament_players (tournament_id, player_id, seat) VALUES (?, ?, ?)`,
			t.ID, int64(id), seat); err != nil {
			return TournamentRecord{}, fmt.Errorf("insert tournament player %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return TournamentRecord{}, fmt.Errorf("commit tournament: %w", err)
	}
	return t, nil
}

// PlayerStats 實現 Store
func (s *SQLiteStore) PlayerStats(ctx context.Context, id engine.PlayerID) (PlayerStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT player_id, xp, rating, wins, losses, updated_at
		FROM player_stats WHERE player_id = ?`, int64(id))

	st, err := scanSQLiteStats(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PlayerStats{}, apperrors.ErrNotFound.WithDetails("player %d has no stats", id)
	}
	if err != nil {
		return PlayerStats{}, fmt.Errorf("get stats for %d: %w", id, err)
	}
	return st, nil
}

// Leaderboard 實現 Store
func (s *SQLiteStore) Leaderboard(ctx context.Context, limit int) ([]PlayerStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT player_id, xp, rating, wins, losses, updated_at
		FROM player_stats
		ORDER BY rating DESC, xp DESC, player_id
		LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []PlayerStats
	for rows.Next() {
		st, err := scanSQLiteStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Close 實現 Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteStats(row rowScanner) (PlayerStats, error) {
	var (
		st        PlayerStats
		id        int64
		updatedMs int64
	)
	if err := row.Scan(&id, &st.XP, &st.Rating, &st.Wins, &st.Losses, &updatedMs); err != nil {
		return PlayerStats{}, err
	}
	st.PlayerID = engine.PlayerID(id)
	st.UpdatedAt = time.UnixMilli(updatedMs)
	return st, nil
}
