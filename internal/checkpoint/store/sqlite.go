package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/winfunc/opcode-sub004/internal/checkpoint/models"
	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/db"
	"github.com/winfunc/opcode-sub004/internal/db/dialect"
)

// SQLRepository implements Repository on SQLite or PostgreSQL through sqlx.
type SQLRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Repository = (*SQLRepository)(nil)

// NewWithDB creates a repository over shared connections and applies the
// checkpoint schema migrations. The caller owns the connections.
func NewWithDB(ctx context.Context, writer, reader *sqlx.DB) (*SQLRepository, error) {
	if err := db.Migrate(ctx, writer, "checkpoint", migrations(writer.DriverName())); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return &SQLRepository{db: writer, ro: reader}, nil
}

func migrations(driver string) []db.Step {
	ts := dialect.TimestampType(driver)
	return []db.Step{
		{Version: 1, Name: "create checkpoints", Apply: func(ctx context.Context, tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS checkpoints (
					id TEXT PRIMARY KEY,
					session_id TEXT NOT NULL,
					project_id TEXT NOT NULL,
					project_path TEXT NOT NULL DEFAULT '',
					parent_id TEXT NOT NULL DEFAULT '',
					message_index INTEGER NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					trigger_type TEXT NOT NULL,
					transcript_digest TEXT NOT NULL,
					manifest_path TEXT NOT NULL,
					created_at %s NOT NULL
				)`, ts)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_checkpoints_session_id ON checkpoints(session_id)`)
			return err
		}},
		{Version: 2, Name: "create checkpoint heads", Apply: func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS checkpoint_heads (
					session_id TEXT PRIMARY KEY,
					checkpoint_id TEXT NOT NULL,
					updated_at %s NOT NULL
				)`, ts))
			return err
		}},
		{Version: 3, Name: "add file counts", Apply: func(ctx context.Context, tx *sqlx.Tx) error {
			if err := db.EnsureColumn(ctx, tx, "checkpoints", "files_changed", "INTEGER NOT NULL DEFAULT 0"); err != nil {
				return err
			}
			return db.EnsureColumn(ctx, tx, "checkpoints", "files_total", "INTEGER NOT NULL DEFAULT 0")
		}},
	}
}

const checkpointColumns = `id, session_id, project_id, project_path, parent_id, message_index,
	description, trigger_type, transcript_digest, manifest_path, files_changed, files_total, created_at`

// Close is a no-op; the connections belong to the pool.
func (r *SQLRepository) Close() error {
	return nil
}

// CreateCheckpoint inserts a checkpoint row.
func (r *SQLRepository) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO checkpoints (
			id, session_id, project_id, project_path, parent_id, message_index,
			description, trigger_type, transcript_digest, manifest_path, files_changed, files_total, created_at
		) VALUES (
			:id, :session_id, :project_id, :project_path, :parent_id, :message_index,
			:description, :trigger_type, :transcript_digest, :manifest_path, :files_changed, :files_total, :created_at
		)`, cp)
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// GetCheckpoint returns one checkpoint or ErrNotFound.
func (r *SQLRepository) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	err := r.ro.GetContext(ctx, cp, r.ro.Rebind(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("checkpoint", id)
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns a session's checkpoints oldest first.
func (r *SQLRepository) ListCheckpoints(ctx context.Context, sessionID string) ([]*models.Checkpoint, error) {
	var out []*models.Checkpoint
	err := r.ro.SelectContext(ctx, &out, r.ro.Rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE session_id = ?
		ORDER BY created_at ASC, message_index ASC`), sessionID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*models.Checkpoint{}
	}
	return out, nil
}

// DeleteCheckpoint removes one checkpoint row. Missing rows are not an error.
func (r *SQLRepository) DeleteCheckpoint(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM checkpoints WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// GetHead returns the session's current checkpoint id.
func (r *SQLRepository) GetHead(ctx context.Context, sessionID string) (string, error) {
	var id string
	err := r.ro.GetContext(ctx, &id, r.ro.Rebind(`SELECT checkpoint_id FROM checkpoint_heads WHERE session_id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// SetHead moves the session's current checkpoint.
func (r *SQLRepository) SetHead(ctx context.Context, sessionID, checkpointID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO checkpoint_heads (session_id, checkpoint_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET checkpoint_id = excluded.checkpoint_id, updated_at = excluded.updated_at`),
		sessionID, checkpointID, time.Now().UTC())
	return err
}
