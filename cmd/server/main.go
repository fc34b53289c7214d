package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-match-engine/internal/config"
	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/engine/liarsbar"
	"github.com/koopa0/system-design/14-match-engine/internal/engine/pong"
	"github.com/koopa0/system-design/14-match-engine/internal/events"
	"github.com/koopa0/system-design/14-match-engine/internal/gateway"
	"github.com/koopa0/system-design/14-match-engine/internal/handler"
	"github.com/koopa0/system-design/14-match-engine/internal/matchmaking"
	"github.com/koopa0/system-design/14-match-engine/internal/registry"
	"github.com/koopa0/system-design/14-match-engine/internal/session"
	"github.com/koopa0/system-design/14-match-engine/internal/storage"
	"github.com/koopa0/system-design/14-match-engine/internal/storage/migrations"
	"github.com/koopa0/system-design/14-match-engine/internal/transport"
	"github.com/koopa0/system-design/14-match-engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔案路徑")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.AddSource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("服務異常結束", "error", err)
		os.Exit(1)
	}
	log.Info("服務已關閉")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("關閉儲存失敗", "error", err)
		}
	}()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		log.Info("Redis 已連接", "addr", cfg.Redis.Addr)
	}

	hub := transport.NewHub(log.With("component", "transport"))

	opts := session.Options{
		TickInterval:   cfg.TickInterval(),
		ReadyOnJoin:    cfg.Engine.ReadyOnJoin,
		PersistTimeout: cfg.Engine.PersistTimeout,
		TournamentSize: cfg.Engine.TournamentPlayers,
		Store:          store,
		Broadcaster:    hub,
		Logger:         log.With("component", "session"),
	}
	if cfg.NATS.Enabled {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log.With("component", "events"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer pub.Close()
		opts.Publisher = pub
	}

	factory, err := newFactory(cfg, opts, log)
	if err != nil {
		return err
	}

	regOpts := []registry.Option{registry.WithLogger(log.With("component", "registry"))}
	if rdb != nil {
		regOpts = append(regOpts, registry.WithOwnership(
			registry.NewRedisOwnership(rdb, cfg.Redis.KeyPrefix, cfg.Redis.OwnershipTTL)))
	}
	reg := registry.New(factory, regOpts...)

	gw := gateway.New(reg, hub, log.With("component", "gateway"))
	runners := setupQueues(cfg, gw, store, rdb, log)

	var wg sync.WaitGroup
	background := append(runners, reg.Run)
	for _, fn := range background {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Error("背景任務結束", "error", err)
			}
		}()
	}

	h := handler.New(reg, store, hub, gw, log.With("component", "http"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("對局服務啟動",
			"port", cfg.Server.Port,
			"games", factory.Games(),
			"storage", cfg.Storage.Driver,
			"redis", cfg.Redis.Enabled,
			"nats", cfg.NATS.Enabled)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		log.Info("收到關閉信號，開始優雅關閉")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 先停止接受新連線，再結束所有房間（會持久化），最後關閉 WebSocket
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP 服務關閉失敗", "error", err)
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Error("房間關閉逾時", "error", err)
	}
	hub.Shutdown()

	stop()
	wg.Wait()
	return nil
}

// openStore 依配置選擇儲存並執行遷移
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		dsn := cfg.PostgresDSN()
		if err := migrations.Run(migrations.Postgres, dsn, log); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		pool, err := storage.OpenPostgres(ctx, dsn, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			return nil, err
		}
		log.Info("使用 PostgreSQL 儲存", "host", cfg.Postgres.Host, "dbname", cfg.Postgres.DBName)
		return storage.NewPostgresStore(pool), nil

	case "sqlite":
		path := cfg.Storage.Sqlite.Path
		if err := migrations.Run(migrations.SQLite, storage.SQLiteMigrationURL(path), log); err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		store, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		log.Info("使用 SQLite 儲存", "path", path)
		return store, nil
	}

	log.Warn("使用記憶體儲存，重啟後資料會遺失")
	return storage.NewMemoryStore(), nil
}

// newFactory 註冊 Pong 與 Liars Bar
func newFactory(cfg *config.Config, opts session.Options, log *slog.Logger) (*session.Factory, error) {
	scoring, err := engine.NewScoring(cfg.Engine.Scoring)
	if err != nil {
		return nil, err
	}

	f := session.NewFactory(opts)
	f.Register(pong.GameName, func() engine.Engine {
		return pong.New(pong.Config{
			MaxScore:  cfg.Engine.PongMaxScore,
			Countdown: cfg.Engine.PongCountdown,
			Scoring:   scoring,
			Logger:    log.With("game", pong.GameName),
		})
	})
	f.Register(liarsbar.GameName, func() engine.Engine {
		return liarsbar.New(liarsbar.Config{
			TurnDuration: cfg.Engine.LiarsBarTurn,
			Scoring:      scoring,
			Logger:       log.With("game", liarsbar.GameName),
		})
	})
	return f, nil
}

// setupQueues Pong 依積分配對、Liars Bar 湊滿一桌；返回需要在背景執行的 Run
func setupQueues(cfg *config.Config, gw *gateway.Gateway, store storage.Store, rdb *redis.Client, log *slog.Logger) []func(context.Context) error {
	mm := cfg.Matchmaking
	queueLog := log.With("component", "matchmaking")
	var runners []func(context.Context) error

	skill := matchmaking.NewSkillQueue(pong.GameName, matchmaking.SkillConfig{
		Base:          mm.BaseTolerance,
		Step:          mm.ToleranceStep,
		StepInterval:  mm.StepInterval,
		Max:           mm.MaxTolerance,
		HardCeiling:   mm.HardCeiling,
		SweepInterval: mm.SweepInterval,
	}, store, gw.HandleMatch, queueLog)
	gw.AddQueue(skill)
	runners = append(runners, skill.Run)

	if mm.Distributed && rdb != nil {
		q := matchmaking.NewRedisGroupQueue(rdb, cfg.Redis.KeyPrefix, liarsbar.GameName, mm.GroupSize, gw.HandleMatch, queueLog)
		gw.AddQueue(q)
		runners = append(runners, q.Run)
	} else {
		gw.AddQueue(matchmaking.NewGroupQueue(liarsbar.GameName, mm.GroupSize, gw.HandleMatch, queueLog))
	}
	return runners
}
