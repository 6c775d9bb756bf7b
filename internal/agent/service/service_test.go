package service

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
	"github.com/winfunc/opcode-sub004/internal/agent/store"
	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/db"
	"github.com/winfunc/opcode-sub004/internal/db/dialect"
	"github.com/winfunc/opcode-sub004/internal/engine"
	"github.com/winfunc/opcode-sub004/internal/execution"
	"github.com/winfunc/opcode-sub004/internal/session"
)

type fakeExecutor struct {
	requests []execution.Request
	err      error
}

func (f *fakeExecutor) Execute(_ context.Context, req execution.Request) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return req.SessionID, nil
}

func newTestService(t *testing.T) (*Service, *fakeExecutor, *store.SQLRepository) {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "agents.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(conn, dialect.SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })
	repo, err := store.NewWithDB(context.Background(), sqlxDB, sqlxDB)
	require.NoError(t, err)
	exec := &fakeExecutor{}
	return NewService(repo, exec, logger.NewNop()), exec, repo
}

func reviewer() *models.Agent {
	return &models.Agent{
		Name:         "Reviewer",
		Icon:         "bot",
		Engine:       engine.Claude,
		SystemPrompt: "Review the diff.",
		DefaultTask:  "review the last commit",
		Model:        "sonnet",
		Hooks:        `{"PreToolUse":[]}`,
	}
}

func TestCreateAgentValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := map[string]func(a *models.Agent){
		"missing name":   func(a *models.Agent) { a.Name = "  " },
		"unknown engine": func(a *models.Agent) { a.Engine = "cursor" },
		"empty prompt":   func(a *models.Agent) { a.SystemPrompt = "" },
		"bad hooks":      func(a *models.Agent) { a.Hooks = "[1,2" },
		"control chars":  func(a *models.Agent) { a.SystemPrompt = "a\x07b" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			a := reviewer()
			mutate(a)
			_, err := svc.CreateAgent(ctx, a)
			require.Error(t, err)
		})
	}

	a := reviewer()
	a.Engine = "Claude"
	created, err := svc.CreateAgent(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, engine.Claude, created.Engine)
	assert.NotEmpty(t, created.ID)
}

func TestExecuteAgentUsesDefaults(t *testing.T) {
	svc, exec, _ := newTestService(t)
	ctx := context.Background()
	agent, err := svc.CreateAgent(ctx, reviewer())
	require.NoError(t, err)

	run, err := svc.ExecuteAgent(ctx, agent.ID, ExecuteRequest{ProjectPath: "/work", SessionID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, "run-1", run.SessionID)
	assert.Equal(t, "review the last commit", run.Task)

	require.Len(t, exec.requests, 1)
	req := exec.requests[0]
	assert.Equal(t, "claude", req.EngineID)
	assert.Equal(t, "Review the diff.", req.SystemPrompt)
	assert.Equal(t, "sonnet", req.Model)
	assert.Equal(t, agent.ID, req.AgentID)

	_, err = svc.ExecuteAgent(ctx, agent.ID, ExecuteRequest{ProjectPath: "/work", SessionID: "run-1"})
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.Len(t, exec.requests, 1)
}

func TestExecuteAgentFailureMarksRunFailed(t *testing.T) {
	svc, exec, repo := newTestService(t)
	ctx := context.Background()
	agent, err := svc.CreateAgent(ctx, reviewer())
	require.NoError(t, err)
	exec.err = apperrors.SpawnFailed("binary not found", nil)

	_, err = svc.ExecuteAgent(ctx, agent.ID, ExecuteRequest{ProjectPath: "/work", Task: "x", SessionID: "run-2"})
	require.True(t, errors.Is(err, apperrors.ErrSpawnFailed))

	run, err := repo.GetRunBySession(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "binary not found")
	assert.NotNil(t, run.CompletedAt)
}

func TestSessionLifecycleUpdatesRun(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()
	agent, err := svc.CreateAgent(ctx, reviewer())
	require.NoError(t, err)
	_, err = svc.ExecuteAgent(ctx, agent.ID, ExecuteRequest{ProjectPath: "/work", SessionID: "run-3"})
	require.NoError(t, err)

	started := time.Now().UTC()
	svc.OnSessionStarted(ctx, &session.Session{ID: "run-3", AgentID: agent.ID, Status: session.StatusRunning, PID: 4242, StartedAt: &started})
	run, err := repo.GetRunBySession(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, 4242, run.PID)

	code := 1
	done := started.Add(time.Second)
	svc.OnSessionFinished(ctx, &session.Session{
		ID: "run-3", AgentID: agent.ID, Status: session.StatusFailed, PID: 4242,
		EngineSessionID: "eng-1", StartedAt: &started, CompletedAt: &done,
		Outcome: &session.Outcome{ExitCode: &code, Reason: "process crashed: exit status 1"},
	})
	run, err = repo.GetRunBySession(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 1, *run.ExitCode)
	assert.Equal(t, "eng-1", run.EngineSessionID)
	assert.Equal(t, "process crashed: exit status 1", run.Error)

	// A second terminal notification leaves the finished run untouched.
	svc.OnSessionFinished(ctx, &session.Session{ID: "run-3", AgentID: agent.ID, Status: session.StatusCompleted})
	run, err = repo.GetRunBySession(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestSessionsWithoutAgentAreIgnored(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.OnSessionStarted(context.Background(), &session.Session{ID: "plain"})
	svc.OnSessionFinished(context.Background(), &session.Session{ID: "plain", Status: session.StatusCompleted})
}

func TestExportImportRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	agent, err := svc.CreateAgent(ctx, reviewer())
	require.NoError(t, err)

	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			data, err := svc.Export(ctx, agent.ID, format)
			require.NoError(t, err)

			imported, err := svc.Import(ctx, data)
			require.NoError(t, err)
			assert.NotEqual(t, agent.ID, imported.ID)
			assert.Equal(t, agent.Name, imported.Name)
			assert.Equal(t, agent.SystemPrompt, imported.SystemPrompt)
			assert.Equal(t, agent.Hooks, imported.Hooks)
			assert.Equal(t, engine.Claude, imported.Engine)
		})
	}

	_, err = svc.Export(ctx, agent.ID, "toml")
	assert.True(t, errors.Is(err, apperrors.ErrBadRequest))

	_, err = svc.Import(ctx, []byte("version: 9\nagent:\n  name: x\n"))
	assert.True(t, errors.Is(err, apperrors.ErrBadRequest))
}

func TestListRunsUnknownAgent(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.ListRuns(context.Background(), "nope")
	assert.True(t, apperrors.IsNotFound(err))
}
