// Package migrations 以 golang-migrate 管理 postgres 與 sqlite 的 schema
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql sqlite/*.sql
var migrationsFS embed.FS

// Dialect 資料庫方言，對應嵌入的子目錄
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Migrator 管理資料庫遷移
type Migrator struct {
	migrate *migrate.Migrate
	dialect Dialect
	logger  *slog.Logger
}

// New 建立遷移管理器
//
// databaseURL 的 scheme 要與方言一致：postgres://... 或 sqlite://path
func New(dialect Dialect, databaseURL string, logger *slog.Logger) (*Migrator, error) {
	switch dialect {
	case Postgres, SQLite:
	default:
		return nil, fmt.Errorf("不支援的資料庫方言: %q", dialect)
	}

	source, err := iofs.New(migrationsFS, string(dialect))
	if err != nil {
		return nil, fmt.Errorf("建立遷移源失敗: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("建立遷移實例失敗: %w", err)
	}

	return &Migrator{
		migrate: m,
		dialect: dialect,
		logger:  logger.With("dialect", dialect),
	}, nil
}

// Up 套用到最新版本
//
// 上次中斷留下的髒版本先 Force 回該版本再重跑；已是最新時不算錯誤。
func (m *Migrator) Up() error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	if dirty {
		m.logger.Warn("遷移版本為髒狀態，強制重設", "version", version)
		if err := m.migrate.Force(int(version)); err != nil { // #nosec G115 - 版本號來自檔名
			return fmt.Errorf("force version %d: %w", version, err)
		}
	}

	switch err := m.migrate.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		m.logger.Debug("schema 已是最新", "version", version)
		return nil
	case err != nil:
		return fmt.Errorf("migrate up: %w", err)
	}

	current, _, _ := m.Version()
	m.logger.Info("schema 遷移完成", "from", version, "to", current)
	return nil
}

// Version 目前版本；尚未遷移時返回 0
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read version: %w", err)
	}
	return version, dirty, nil
}

// Close 關閉遷移管理器
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}

// Run 建立、執行、關閉，啟動時使用
func Run(dialect Dialect, databaseURL string, logger *slog.Logger) error {
	m, err := New(dialect, databaseURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("關閉遷移管理器失敗", "error", err)
		}
	}()
	return m.Up()
}
