package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/engine"
	"github.com/winfunc/opcode-sub004/internal/execution"
	"github.com/winfunc/opcode-sub004/internal/process"
	"github.com/winfunc/opcode-sub004/internal/session"
)

type fakeDispatcher struct {
	lastReq   execution.Request
	cancelErr error
	sessions  map[string]*session.Session
	output    map[string][]process.Chunk
}

func (f *fakeDispatcher) Execute(_ context.Context, req execution.Request) (string, error) {
	f.lastReq = req
	if req.EngineID != "claude" {
		return "", apperrors.UnsupportedEngine(req.EngineID)
	}
	if req.SessionID != "" {
		return req.SessionID, nil
	}
	return "generated", nil
}

func (f *fakeDispatcher) Cancel(_ context.Context, id string) error {
	if _, ok := f.sessions[id]; !ok {
		return apperrors.NotFound("session", id)
	}
	return f.cancelErr
}

func (f *fakeDispatcher) Get(id string) (*session.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return s, nil
}

func (f *fakeDispatcher) List() []*session.Session {
	out := []*session.Session{}
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeDispatcher) ListRunning() []*session.Session {
	out := []*session.Session{}
	for _, s := range f.sessions {
		if !s.Status.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeDispatcher) LiveOutput(id string) ([]process.Chunk, error) {
	if _, ok := f.sessions[id]; !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return append([]process.Chunk{}, f.output[id]...), nil
}

type fakeTranscripts map[string][]string

func (f fakeTranscripts) Read(id string, n int) ([]string, error) {
	lines := f[id]
	if n < 0 {
		n = len(lines)
	}
	return lines[:n], nil
}

type fakeLocator struct{}

func (fakeLocator) Locate(_ context.Context, id engine.ID) (*engine.Binary, error) {
	if id == engine.Claude {
		return &engine.Binary{Engine: id, Path: "/usr/local/bin/claude", Version: "1.0.17", Source: "path"}, nil
	}
	return nil, engine.ErrBinaryNotFound
}

func setup(d *fakeDispatcher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, d, fakeTranscripts{"s1": {"a", "b", "c"}}, fakeLocator{}, logger.NewNop())
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

func newDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sessions: map[string]*session.Session{
		"s1": {ID: "s1", Status: session.StatusRunning},
		"s2": {ID: "s2", Status: session.StatusCompleted},
	}}
}

func TestExecuteReturnsSessionID(t *testing.T) {
	d := newDispatcher()
	r := setup(d)

	w := do(r, http.MethodPost, "/api/v1/sessions",
		`{"engine_id":"claude","project_path":"/tmp/p","task":"echo hi","session_id":"mine"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "mine", body["session_id"])
	assert.Equal(t, "/tmp/p", d.lastReq.ProjectPath)
	assert.Equal(t, "echo hi", d.lastReq.Task)
}

func TestExecuteUnsupportedEngine(t *testing.T) {
	r := setup(newDispatcher())

	w := do(r, http.MethodPost, "/api/v1/sessions", `{"engine_id":"cursor","project_path":"/tmp","task":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apperrors.ErrCodeUnsupportedEngine, body["code"])

	w = do(r, http.MethodPost, "/api/v1/sessions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelReportsForcedKill(t *testing.T) {
	d := newDispatcher()
	d.cancelErr = apperrors.CancelTimedOut("killed")
	r := setup(d)

	w := do(r, http.MethodPost, "/api/v1/sessions/s1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["forced"])

	w = do(r, http.MethodPost, "/api/v1/sessions/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRunningAndGet(t *testing.T) {
	r := setup(newDispatcher())

	w := do(r, http.MethodGet, "/api/v1/sessions/running", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Sessions []*session.Session `json:"sessions"`
		Total    int                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "s1", body.Sessions[0].ID)

	w = do(r, http.MethodGet, "/api/v1/sessions/s2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
}

func TestTranscriptLimit(t *testing.T) {
	r := setup(newDispatcher())

	w := do(r, http.MethodGet, "/api/v1/sessions/s1/transcript?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Messages []string `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"a", "b"}, body.Messages)

	w = do(r, http.MethodGet, "/api/v1/sessions/s1/transcript?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLiveOutput(t *testing.T) {
	d := newDispatcher()
	d.output = map[string][]process.Chunk{"s1": {
		{Stream: process.StreamStdout, Data: `{"type":"assistant"}`},
		{Stream: process.StreamStderr, Data: "warming up"},
	}}
	r := setup(d)

	w := do(r, http.MethodGet, "/api/v1/sessions/s1/output", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Output []process.Chunk `json:"output"`
		Total  int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)
	assert.Equal(t, process.StreamStderr, body.Output[1].Stream)
	assert.Equal(t, "warming up", body.Output[1].Data)

	w = do(r, http.MethodGet, "/api/v1/sessions/s2/output", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":0`)

	w = do(r, http.MethodGet, "/api/v1/sessions/nope/output", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEngines(t *testing.T) {
	r := setup(newDispatcher())

	w := do(r, http.MethodGet, "/api/v1/engines", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Engines []engineInfo `json:"engines"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Engines, len(engine.All()))
	for _, e := range body.Engines {
		assert.Equal(t, e.ID == engine.Claude, e.Available, string(e.ID))
	}
}
