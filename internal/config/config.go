// Package config 載入對局服務配置
//
// 順序：Default() → config.yaml 覆蓋 → 環境變數覆蓋（MATCH_* / DATABASE_URL）。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port" env:"PORT"`
		ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
		WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	} `yaml:"server" envPrefix:"SERVER_"`

	Log struct {
		Level     string `yaml:"level" env:"LEVEL"`
		Format    string `yaml:"format" env:"FORMAT"`
		Output    string `yaml:"output" env:"OUTPUT"`
		AddSource bool   `yaml:"add_source" env:"ADD_SOURCE"`
	} `yaml:"log" envPrefix:"LOG_"`

	Engine struct {
		TickRate          int           `yaml:"tick_rate" env:"TICK_RATE"` // 每秒幀數
		Scoring           string        `yaml:"scoring" env:"SCORING"`     // flat / duration
		PongMaxScore      int           `yaml:"pong_max_score" env:"PONG_MAX_SCORE"`
		PongCountdown     time.Duration `yaml:"pong_countdown" env:"PONG_COUNTDOWN"`
		LiarsBarTurn      time.Duration `yaml:"liarsbar_turn" env:"LIARSBAR_TURN"`
		ReadyOnJoin       bool          `yaml:"ready_on_join" env:"READY_ON_JOIN"`
		PersistTimeout    time.Duration `yaml:"persist_timeout" env:"PERSIST_TIMEOUT"`
		TournamentPlayers int           `yaml:"tournament_players" env:"TOURNAMENT_PLAYERS"`
	} `yaml:"engine" envPrefix:"ENGINE_"`

	Matchmaking struct {
		GroupSize     int           `yaml:"group_size" env:"GROUP_SIZE"`
		BaseTolerance int           `yaml:"base_tolerance" env:"BASE_TOLERANCE"`
		ToleranceStep int           `yaml:"tolerance_step" env:"TOLERANCE_STEP"`
		StepInterval  time.Duration `yaml:"step_interval" env:"STEP_INTERVAL"`
		MaxTolerance  int           `yaml:"max_tolerance" env:"MAX_TOLERANCE"`
		HardCeiling   time.Duration `yaml:"hard_ceiling" env:"HARD_CEILING"`
		SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
		Distributed   bool          `yaml:"distributed" env:"DISTRIBUTED"` // 使用 Redis 佇列
	} `yaml:"matchmaking" envPrefix:"MATCHMAKING_"`

	Storage struct {
		Driver string `yaml:"driver" env:"DRIVER"` // memory / postgres / sqlite
		Sqlite struct {
			Path string `yaml:"path" env:"PATH"`
		} `yaml:"sqlite" envPrefix:"SQLITE_"`
	} `yaml:"storage" envPrefix:"STORAGE_"`

	Postgres struct {
		Host     string `yaml:"host" env:"HOST"`
		Port     int    `yaml:"port" env:"PORT"`
		User     string `yaml:"user" env:"USER"`
		Password string `yaml:"password" env:"PASSWORD"`
		DBName   string `yaml:"dbname" env:"DBNAME"`
		MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS"`
		MinConns int32  `yaml:"min_conns" env:"MIN_CONNS"`
	} `yaml:"postgres" envPrefix:"POSTGRES_"`

	Redis struct {
		Enabled      bool          `yaml:"enabled" env:"ENABLED"`
		Addr         string        `yaml:"addr" env:"ADDR"`
		Password     string        `yaml:"password" env:"PASSWORD"`
		DB           int           `yaml:"db" env:"DB"`
		PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
		KeyPrefix    string        `yaml:"key_prefix" env:"KEY_PREFIX"`
		OwnershipTTL time.Duration `yaml:"ownership_ttl" env:"OWNERSHIP_TTL"`
	} `yaml:"redis" envPrefix:"REDIS_"`

	NATS struct {
		Enabled       bool   `yaml:"enabled" env:"ENABLED"`
		URL           string `yaml:"url" env:"URL"`
		SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	} `yaml:"nats" envPrefix:"NATS_"`
}

// Default 返回預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	cfg.Engine.TickRate = 60
	cfg.Engine.Scoring = "duration"
	cfg.Engine.PongMaxScore = 5
	cfg.Engine.PongCountdown = 3 * time.Second
	cfg.Engine.LiarsBarTurn = 30 * time.Second
	cfg.Engine.PersistTimeout = 10 * time.Second
	cfg.Engine.TournamentPlayers = 4

	cfg.Matchmaking.GroupSize = 4
	cfg.Matchmaking.BaseTolerance = 100
	cfg.Matchmaking.ToleranceStep = 100
	cfg.Matchmaking.StepInterval = 10 * time.Second
	cfg.Matchmaking.MaxTolerance = 500
	cfg.Matchmaking.HardCeiling = 60 * time.Second
	cfg.Matchmaking.SweepInterval = time.Second

	cfg.Storage.Driver = "memory"
	cfg.Storage.Sqlite.Path = "match-engine.db"

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.DBName = "match_engine"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "match"
	cfg.Redis.OwnershipTTL = 2 * time.Hour

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.SubjectPrefix = "match"

	return cfg
}

// Load 從檔案與環境變數載入配置
//
// 檔案不存在時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "MATCH_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置是否合理
func (c *Config) Validate() error {
	if c.Engine.TickRate <= 0 {
		return fmt.Errorf("engine.tick_rate must be positive, got %d", c.Engine.TickRate)
	}
	if c.Engine.PongMaxScore <= 0 {
		return fmt.Errorf("engine.pong_max_score must be positive, got %d", c.Engine.PongMaxScore)
	}
	if c.Engine.TournamentPlayers < 2 {
		return fmt.Errorf("engine.tournament_players must be at least 2, got %d", c.Engine.TournamentPlayers)
	}
	switch c.Engine.Scoring {
	case "flat", "duration":
	default:
		return fmt.Errorf("engine.scoring must be flat or duration, got %q", c.Engine.Scoring)
	}
	if c.Matchmaking.GroupSize < 2 {
		return fmt.Errorf("matchmaking.group_size must be at least 2, got %d", c.Matchmaking.GroupSize)
	}
	if c.Matchmaking.MaxTolerance < c.Matchmaking.BaseTolerance {
		return fmt.Errorf("matchmaking.max_tolerance (%d) below base_tolerance (%d)",
			c.Matchmaking.MaxTolerance, c.Matchmaking.BaseTolerance)
	}
	if c.Matchmaking.Distributed && !c.Redis.Enabled {
		return fmt.Errorf("matchmaking.distributed requires redis.enabled")
	}
	switch c.Storage.Driver {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("storage.driver must be memory, postgres or sqlite, got %q", c.Storage.Driver)
	}
	return nil
}

// TickInterval 單幀間隔
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.Engine.TickRate)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
