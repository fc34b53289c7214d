package session

import (
	"context"
	"log/slog"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/storage"
)

// retryOnce 失敗時重試一次，仍失敗則記錄並返回錯誤
func retryOnce(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	logger.Warn("持久化失敗，重試一次", "op", op, "error", err)

	if err = fn(ctx); err != nil {
		logger.Error("持久化重試失敗，放棄", "op", op, "error", err)
	}
	return err
}

// persistMatch 保存比賽、更新每位持久玩家的戰績、發佈事件
func persistMatch(opts Options, logger *slog.Logger, roomID string, res engine.Result) {
	if opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.PersistTimeout)
	defer cancel()

	var rec storage.MatchRecord
	err := retryOnce(ctx, logger, "save_match", func(ctx context.Context) error {
		var err error
		rec, err = opts.Store.SaveMatch(ctx, res)
		return err
	})
	if err != nil {
		return
	}

	for _, p := range res.Participants {
		if !p.ID.Persistent() {
			continue
		}
		_ = retryOnce(ctx, logger.With("player_id", p.ID), "update_stats", func(ctx context.Context) error {
			return opts.Store.UpdateStats(ctx, p.ID, p.XP, p.RatingDelta, p.Outcome)
		})
	}

	logger.Info("比賽已保存",
		"match_id", rec.ID,
		"game", rec.Game,
		"winner", rec.Winner,
		"forfeit", rec.Forfeit,
		"duration", res.Duration())

	if opts.Publisher != nil {
		if err := opts.Publisher.PublishMatch(ctx, roomID, rec); err != nil {
			logger.Warn("發佈比賽事件失敗", "match_id", rec.ID, "error", err)
		}
	}
}

// persistTournament 保存錦標賽並發佈事件
func persistTournament(opts Options, logger *slog.Logger, rec storage.TournamentRecord) {
	if opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.PersistTimeout)
	defer cancel()

	err := retryOnce(ctx, logger, "save_tournament", func(ctx context.Context) error {
		saved, err := opts.Store.SaveTournament(ctx, rec)
		if err == nil {
			rec = saved
		}
		return err
	})
	if err != nil {
		return
	}
	logger.Info("錦標賽已保存", "tournament_id", rec.ID, "winner", rec.Winner)

	if opts.Publisher != nil {
		if err := opts.Publisher.PublishTournament(ctx, rec); err != nil {
			logger.Warn("發佈錦標賽事件失敗", "tournament_id", rec.ID, "error", err)
		}
	}
}
