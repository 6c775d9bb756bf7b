// Package store persists agents and agent runs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/winfunc/opcode-sub004/internal/agent/models"
	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/db"
	"github.com/winfunc/opcode-sub004/internal/db/dialect"
)

// Repository stores agents and their runs.
type Repository interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error

	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	GetRunBySession(ctx context.Context, sessionID string) (*models.Run, error)
	ListRuns(ctx context.Context, agentID string) ([]*models.Run, error)
	// UpdateRun writes the mutable fields of a run. Finished runs are
	// immutable and yield ErrConflict.
	UpdateRun(ctx context.Context, run *models.Run) error
}

// SQLRepository implements Repository with sqlx.
type SQLRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Repository = (*SQLRepository)(nil)

// NewWithDB creates a repository over shared connections and applies the
// agent schema migrations.
func NewWithDB(ctx context.Context, writer, reader *sqlx.DB) (*SQLRepository, error) {
	if err := db.Migrate(ctx, writer, "agent", migrations(writer.DriverName())); err != nil {
		return nil, fmt.Errorf("failed to initialize agent schema: %w", err)
	}
	return &SQLRepository{db: writer, ro: reader}, nil
}

func migrations(driver string) []db.Step {
	ts := dialect.TimestampType(driver)
	return []db.Step{
		{Version: 1, Name: "create agents", Apply: func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS agents (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					icon TEXT NOT NULL DEFAULT '',
					engine TEXT NOT NULL,
					system_prompt TEXT NOT NULL,
					default_task TEXT NOT NULL DEFAULT '',
					model TEXT NOT NULL DEFAULT '',
					created_at %[1]s NOT NULL,
					updated_at %[1]s NOT NULL
				)`, ts))
			return err
		}},
		{Version: 2, Name: "create agent runs", Apply: func(ctx context.Context, tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS agent_runs (
					id TEXT PRIMARY KEY,
					agent_id TEXT NOT NULL,
					agent_name TEXT NOT NULL,
					agent_icon TEXT NOT NULL DEFAULT '',
					session_id TEXT NOT NULL UNIQUE,
					task TEXT NOT NULL,
					model TEXT NOT NULL DEFAULT '',
					project_path TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'pending',
					pid INTEGER NOT NULL DEFAULT 0,
					created_at %[1]s NOT NULL,
					started_at %[1]s,
					completed_at %[1]s,
					FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
				)`, ts)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agent_runs_agent_id ON agent_runs(agent_id)`)
			return err
		}},
		{Version: 3, Name: "add hooks and run outcome", Apply: func(ctx context.Context, tx *sqlx.Tx) error {
			for _, col := range []struct{ table, name, def string }{
				{"agents", "hooks", "TEXT NOT NULL DEFAULT ''"},
				{"agent_runs", "engine_session_id", "TEXT NOT NULL DEFAULT ''"},
				{"agent_runs", "exit_code", "INTEGER"},
				{"agent_runs", "error", "TEXT NOT NULL DEFAULT ''"},
			} {
				if err := db.EnsureColumn(ctx, tx, col.table, col.name, col.def); err != nil {
					return err
				}
			}
			return nil
		}},
	}
}

const agentColumns = `id, name, icon, engine, system_prompt, default_task, model, hooks, created_at, updated_at`

const runColumns = `id, agent_id, agent_name, agent_icon, session_id, task, model, project_path,
	engine_session_id, status, pid, exit_code, error, created_at, started_at, completed_at`

// CreateAgent inserts an agent, assigning id and timestamps when unset.
func (r *SQLRepository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (:id, :name, :icon, :engine, :system_prompt, :default_task, :model, :hooks, :created_at, :updated_at)`, agent)
	return err
}

// GetAgent returns an agent or ErrNotFound.
func (r *SQLRepository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent := &models.Agent{}
	err := r.ro.GetContext(ctx, agent, r.ro.Rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ListAgents returns all agents, newest first.
func (r *SQLRepository) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	out := []*models.Agent{}
	if err := r.ro.SelectContext(ctx, &out, `SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC`); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateAgent rewrites an agent's editable fields.
func (r *SQLRepository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE agents SET name = :name, icon = :icon, engine = :engine, system_prompt = :system_prompt,
			default_task = :default_task, model = :model, hooks = :hooks, updated_at = :updated_at
		WHERE id = :id`, agent)
	if err != nil {
		return err
	}
	return requireRow(res, "agent", agent.ID)
}

// DeleteAgent removes an agent and, through the foreign key, its runs.
func (r *SQLRepository) DeleteAgent(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res, "agent", id)
}

// CreateRun inserts a run record.
func (r *SQLRepository) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO agent_runs (`+runColumns+`)
		VALUES (:id, :agent_id, :agent_name, :agent_icon, :session_id, :task, :model, :project_path,
			:engine_session_id, :status, :pid, :exit_code, :error, :created_at, :started_at, :completed_at)`, run)
	return err
}

// GetRun returns a run or ErrNotFound.
func (r *SQLRepository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return r.getRun(ctx, "id", id)
}

// GetRunBySession returns the run carried by a session or ErrNotFound.
func (r *SQLRepository) GetRunBySession(ctx context.Context, sessionID string) (*models.Run, error) {
	return r.getRun(ctx, "session_id", sessionID)
}

func (r *SQLRepository) getRun(ctx context.Context, column, value string) (*models.Run, error) {
	run := &models.Run{}
	err := r.ro.GetContext(ctx, run, r.ro.Rebind(`SELECT `+runColumns+` FROM agent_runs WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent run", value)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns an agent's runs, newest first.
func (r *SQLRepository) ListRuns(ctx context.Context, agentID string) ([]*models.Run, error) {
	out := []*models.Run{}
	err := r.ro.SelectContext(ctx, &out, r.ro.Rebind(`
		SELECT `+runColumns+` FROM agent_runs WHERE agent_id = ? ORDER BY created_at DESC`), agentID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateRun writes status, pid, engine session id and terminal fields.
func (r *SQLRepository) UpdateRun(ctx context.Context, run *models.Run) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE agent_runs SET status = :status, pid = :pid, engine_session_id = :engine_session_id,
			exit_code = :exit_code, error = :error, started_at = :started_at, completed_at = :completed_at
		WHERE id = :id AND status NOT IN ('completed', 'failed', 'cancelled')`, run)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := r.GetRun(ctx, run.ID); getErr != nil {
			return getErr
		}
		return apperrors.Conflict(fmt.Sprintf("agent run '%s' is already finished", run.ID))
	}
	return nil
}

func requireRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}
