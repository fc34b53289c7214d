package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// PostgresStore pgxpool 實作
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore 使用已建立的連線池；schema 由 migrations 負責
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres 依 DSN 建立連線池並 Ping
func OpenPostgres(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// SaveMatch 比賽與參賽者在同一個交易中寫入
func (s *PostgresStore) SaveMatch(ctx context.Context, res engine.Result) (MatchRecord, error) {
	if err := validateResult(res); err != nil {
		return MatchRecord{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return MatchRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec := MatchRecord{
		Game:         res.Game,
		Participants: res.Participants,
		Winner:       res.Winner,
		Forfeit:      res.Forfeit,
		StartedAt:    res.StartedAt,
		EndedAt:      res.EndedAt,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO matches (game, winner_id, forfeit, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		res.Game, int64(res.Winner), res.Forfeit, res.StartedAt, res.EndedAt,
	).Scan(&rec.ID)
	if err != nil {
		return MatchRecord{}, fmt.Errorf("insert match: %w", err)
	}

	batch := &pgx.Batch{}
	for _, p := range res.Participants {
		batch.Queue(`
			INSERT INTO match_participants (match_id, player_id, seat, score, outcome, xp, rating_delta)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, int64(p.ID), p.Seat, p.Score, string(p.Outcome), p.XP, p.RatingDelta)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return MatchRecord{}, fmt.Errorf("insert participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return MatchRecord{}, fmt.Errorf("commit match: %w", err)
	}
	return rec, nil
}

// UpdateStats upsert 累加
func (s *PostgresStore) UpdateStats(ctx context.Context, id engine.PlayerID, xpDelta, ratingDelta int, outcome engine.Outcome) error {
	wins, losses := winsLosses(outcome)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO player_stats (player_id, xp, rating, wins, losses, updated_at)
		VALUES ($1, $2, GREATEST(0, $3::int + $4::int), $5, $6, NOW())
		ON CONFLICT (player_id) DO UPDATE
		SET xp         = player_stats.xp + EXCLUDED.xp,
		    rating     = GREATEST(0, player_stats.rating + $4::int),
		    wins       = player_stats.wins + EXCLUDED.wins,
		    losses     = player_stats.losses + EXCLUDED.losses,
		    updated_at = NOW()`,
		int64(id), xpDelta, DefaultRating, ratingDelta, wins, losses)
	if err != nil {
		return fmt.Errorf("update stats for %d: %w", id, err)
	}
	return nil
}

// GetSkillRating 實現 Store
func (s *PostgresStore) GetSkillRating(ctx context.Context, id engine.PlayerID) (int, error) {
	var rating int
	err := s.pool.QueryRow(ctx, `SELECT rating FROM player_stats WHERE player_id = $1`, int64(id)).Scan(&rating)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultRating, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get rating for %d: %w", id, err)
	}
	return rating, nil
}

// SaveTournament 實現 Store
func (s *PostgresStore) SaveTournament(ctx context.Context, t TournamentRecord) (TournamentRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TournamentRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO tournaments (game, room_id, winner_id, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		t.Game, t.RoomID, int64(t.Winner), t.StartedAt, t.EndedAt,
	).Scan(&t.ID)
	if err != nil {
		return TournamentRecord{}, fmt.Errorf("insert tournament: %w", err)
	}

	rows := make([][]any, 0, len(t.Players))
	for seat, id := range t.Players {
		rows = append(rows, []any{t.ID, int64(id), seat})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"tournament_players"},
		[]string{"tournament_id", "player_id", "seat"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return TournamentRecord{}, fmt.Errorf("insert tournament players: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return TournamentRecord{}, fmt.Errorf("commit tournament: %w", err)
	}
	return t, nil
}

// PlayerStats 實現 Store
func (s *PostgresStore) PlayerStats(ctx context.Context, id engine.PlayerID) (PlayerStats, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT player_id, xp, rating, wins, losses, updated_at
		FROM player_stats WHERE player_id = $1`, int64(id))

	st, err := scanStats(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PlayerStats{}, apperrors.ErrNotFound.WithDetails("player %d has no stats", id)
	}
	if err != nil {
		return PlayerStats{}, fmt.Errorf("get stats for %d: %w", id, err)
	}
	return st, nil
}

// Leaderboard 實現 Store
func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]PlayerStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT player_id, xp, rating, wins, losses, updated_at
		FROM player_stats
		ORDER BY rating DESC, xp DESC, player_id
		LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []PlayerStats
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Close 關閉連線池
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanStats(row pgx.Row) (PlayerStats, error) {
	var (
		st PlayerStats
		id int64
	)
	if err := row.Scan(&id, &st.XP, &st.Rating, &st.Wins, &st.Losses, &st.UpdatedAt); err != nil {
		return PlayerStats{}, err
	}
	st.PlayerID = engine.PlayerID(id)
	return st, nil
}
