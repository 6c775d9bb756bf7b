package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/winfunc/opcode-sub004/internal/db/dialect"
)

// Step is one versioned schema change of a component.
type Step struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, tx *sqlx.Tx) error
}

// Migrate applies the component's steps that are not yet recorded in
// schema_migrations. Each step and its bookkeeping row commit in one
// transaction, so a failed step leaves no trace and is retried next start.
func Migrate(ctx context.Context, conn *sqlx.DB, component string, steps []Step) error {
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			component TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			applied_at %s NOT NULL,
			PRIMARY KEY (component, version)
		)`, dialect.TimestampType(conn.DriverName()))); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []int
	if err := conn.SelectContext(ctx, &applied,
		conn.Rebind(`SELECT version FROM schema_migrations WHERE component = ?`), component); err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	ordered := append([]Step(nil), steps...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	for _, step := range ordered {
		if done[step.Version] {
			continue
		}
		if err := applyStep(ctx, conn, component, step); err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", component, step.Version, step.Name, err)
		}
	}
	return nil
}

func applyStep(ctx context.Context, conn *sqlx.DB, component string, step Step) error {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := step.Apply(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO schema_migrations (component, version, name, applied_at) VALUES (?, ?, ?, ?)`),
		component, step.Version, step.Name, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// ColumnExists reports whether table has column under either driver.
func ColumnExists(ctx context.Context, tx *sqlx.Tx, table, column string) (bool, error) {
	var n int
	var err error
	if dialect.IsPostgres(tx.DriverName()) {
		err = tx.GetContext(ctx, &n, tx.Rebind(`
			SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?`), table, column)
	} else {
		err = tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column)
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EnsureColumn adds a column to a table if it doesn't exist.
func EnsureColumn(ctx context.Context, tx *sqlx.Tx, table, column, definition string) error {
	exists, err := ColumnExists(ctx, tx, table, column)
	if err != nil || exists {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}
