package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winfunc/opcode-sub004/internal/agent/models"
	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/db"
	"github.com/winfunc/opcode-sub004/internal/db/dialect"
	"github.com/winfunc/opcode-sub004/internal/engine"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "agents.db"))
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(conn, dialect.SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })
	repo, err := NewWithDB(context.Background(), sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	return repo
}

func newAgent(t *testing.T, repo *SQLRepository) *models.Agent {
	t.Helper()
	agent := &models.Agent{
		Name:         "Reviewer",
		Icon:         "bot",
		Engine:       engine.Claude,
		SystemPrompt: "Review the diff.",
		Model:        "sonnet",
		Hooks:        `{"PreToolUse":[]}`,
	}
	require.NoError(t, repo.CreateAgent(context.Background(), agent))
	return agent
}

func TestAgentCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := newAgent(t, repo)
	require.NotEmpty(t, agent.ID)

	got, err := repo.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reviewer", got.Name)
	assert.Equal(t, engine.Claude, got.Engine)
	assert.Equal(t, `{"PreToolUse":[]}`, got.Hooks)

	got.Model = "opus"
	require.NoError(t, repo.UpdateAgent(ctx, got))
	again, err := repo.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "opus", again.Model)

	list, err := repo.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.DeleteAgent(ctx, agent.ID))
	_, err = repo.GetAgent(ctx, agent.ID)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.True(t, errors.Is(repo.DeleteAgent(ctx, agent.ID), apperrors.ErrNotFound))
}

func TestRunLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := newAgent(t, repo)

	run := &models.Run{
		AgentID:     agent.ID,
		AgentName:   agent.Name,
		SessionID:   "session-1",
		Task:        "review",
		ProjectPath: "/tmp/p",
	}
	require.NoError(t, repo.CreateRun(ctx, run))
	assert.Equal(t, models.RunStatusPending, run.Status)

	started := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.PID = 4242
	run.StartedAt = &started
	require.NoError(t, repo.UpdateRun(ctx, run))

	code := 0
	done := started.Add(time.Second)
	run.Status = models.RunStatusCompleted
	run.ExitCode = &code
	run.CompletedAt = &done
	run.EngineSessionID = "engine-abc"
	require.NoError(t, repo.UpdateRun(ctx, run))

	got, err := repo.GetRunBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, 4242, got.PID)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, "engine-abc", got.EngineSessionID)

	// Finished runs are immutable.
	run.Status = models.RunStatusFailed
	err = repo.UpdateRun(ctx, run)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	missing := &models.Run{ID: "nope", Status: models.RunStatusRunning}
	assert.True(t, errors.Is(repo.UpdateRun(ctx, missing), apperrors.ErrNotFound))

	runs, err := repo.ListRuns(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDeletingAgentCascadesToRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	agent := newAgent(t, repo)
	require.NoError(t, repo.CreateRun(ctx, &models.Run{
		AgentID: agent.ID, AgentName: agent.Name, SessionID: "s", Task: "t", ProjectPath: "/p",
	}))

	require.NoError(t, repo.DeleteAgent(ctx, agent.ID))
	_, err := repo.GetRunBySession(ctx, "s")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestRunRequiresExistingAgent(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.CreateRun(context.Background(), &models.Run{
		AgentID: "ghost", SessionID: "s", Task: "t", ProjectPath: "/p",
	})
	assert.Error(t, err)
}
