package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winfunc/opcode-sub004/internal/agent/models"
	"github.com/winfunc/opcode-sub004/internal/agent/service"
	"github.com/winfunc/opcode-sub004/internal/agent/store"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/db"
	"github.com/winfunc/opcode-sub004/internal/db/dialect"
	"github.com/winfunc/opcode-sub004/internal/execution"
)

type nopExecutor struct{}

func (nopExecutor) Execute(_ context.Context, req execution.Request) (string, error) {
	return req.SessionID, nil
}

func setup(t *testing.T) *gin.Engine {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "agents.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(conn, dialect.SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })
	repo, err := store.NewWithDB(context.Background(), sqlxDB, sqlxDB)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, service.NewService(repo, nopExecutor{}, logger.NewNop()), logger.NewNop())
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const agentBody = `{"name":"Reviewer","engine":"claude","system_prompt":"Review.","default_task":"review","model":"sonnet"}`

func createAgent(t *testing.T, r *gin.Engine) models.Agent {
	t.Helper()
	w := do(r, http.MethodPost, "/api/v1/agents", agentBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var agent models.Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
	return agent
}

func TestAgentCRUDRoutes(t *testing.T) {
	r := setup(t)
	agent := createAgent(t, r)

	w := do(r, http.MethodGet, "/api/v1/agents/"+agent.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPut, "/api/v1/agents/"+agent.ID,
		`{"name":"Renamed","engine":"aider","system_prompt":"Review."}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"name":"Renamed"`)

	w = do(r, http.MethodGet, "/api/v1/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = do(r, http.MethodDelete, "/api/v1/agents/"+agent.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodGet, "/api/v1/agents/"+agent.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateAgentRejectsUnknownEngine(t *testing.T) {
	r := setup(t)
	w := do(r, http.MethodPost, "/api/v1/agents", `{"name":"x","engine":"cursor","system_prompt":"p"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteAndListRuns(t *testing.T) {
	r := setup(t)
	agent := createAgent(t, r)

	w := do(r, http.MethodPost, "/api/v1/agents/"+agent.ID+"/execute", `{"project_path":"/work","session_id":"s-1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, "s-1", run.SessionID)
	assert.Equal(t, "review", run.Task)

	w = do(r, http.MethodGet, "/api/v1/agents/"+agent.ID+"/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"session_id":"s-1"`)
}

func TestExportThenImport(t *testing.T) {
	r := setup(t)
	agent := createAgent(t, r)

	w := do(r, http.MethodGet, "/api/v1/agents/"+agent.ID+"/export?format=yaml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "system_prompt: Review.")

	w = do(r, http.MethodPost, "/api/v1/agents/import", w.Body.String())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var imported models.Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &imported))
	assert.Equal(t, "Reviewer", imported.Name)
	assert.NotEqual(t, agent.ID, imported.ID)

	w = do(r, http.MethodPost, "/api/v1/agents/import", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
