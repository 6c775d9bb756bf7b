package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPostgresMaxConns = 25
	defaultPostgresMinConns = 5
	postgresConnectTimeout  = 10 * time.Second
)

// OpenPostgres parses dsn with pgx, opens a database/sql handle over it and
// verifies the server answers. Zero limits fall back to the defaults above.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	if _, ok := cfg.RuntimeParams["application_name"]; !ok {
		cfg.RuntimeParams["application_name"] = "opcode"
	}

	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}
	conn := stdlib.OpenDB(*cfg)
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(min(minConns, maxConns))
	conn.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach postgres at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return conn, nil
}
