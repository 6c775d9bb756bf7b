// Package persistence opens the configured database for the repositories.
package persistence

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/winfunc/opcode-sub004/internal/common/config"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/db"
	"github.com/winfunc/opcode-sub004/internal/db/dialect"
)

// Provide creates the database pool used by repositories.
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Database.Driver {
	case "", "sqlite":
		return provideSQLite(cfg.Database.Path, log)
	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		log.Info("Database initialized", zap.String("db_driver", "postgres"))
		pool := db.NewPool(sqlxDB, sqlxDB)
		return pool, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

func provideSQLite(path string, log *logger.Logger) (*db.Pool, func() error, error) {
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
	}

	pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
	log.Info("Database initialized", zap.String("db_path", path), zap.String("db_driver", "sqlite"))

	cleanup := func() error {
		// Refresh planner statistics before closing.
		_, _ = writer.Exec("PRAGMA optimize")
		return pool.Close()
	}
	return pool, cleanup, nil
}
