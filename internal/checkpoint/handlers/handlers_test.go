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

	"github.com/winfunc/opcode-sub004/internal/checkpoint"
	"github.com/winfunc/opcode-sub004/internal/checkpoint/models"
	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

type fakeService struct {
	createdIndex int
	restoreOpts  checkpoint.RestoreOptions
	forkOpts     checkpoint.ForkOptions
	diffFrom     string
	restoreErr   error
}

func (f *fakeService) Create(_ context.Context, sessionID string, idx int, _ checkpoint.CreateOptions) (*models.Checkpoint, error) {
	f.createdIndex = idx
	return &models.Checkpoint{ID: "cp-1", SessionID: sessionID, MessageIndex: idx}, nil
}

func (f *fakeService) Get(_ context.Context, id string) (*models.Checkpoint, error) {
	if id != "cp-1" {
		return nil, apperrors.NotFound("checkpoint", id)
	}
	return &models.Checkpoint{ID: id}, nil
}

func (f *fakeService) List(_ context.Context, sessionID string) ([]*models.Checkpoint, error) {
	return []*models.Checkpoint{{ID: "cp-1", SessionID: sessionID}}, nil
}

func (f *fakeService) Restore(_ context.Context, id string, opts checkpoint.RestoreOptions) (*models.RestoreResult, error) {
	f.restoreOpts = opts
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return &models.RestoreResult{Checkpoint: &models.Checkpoint{ID: id}, Messages: []string{"a"}}, nil
}

func (f *fakeService) Fork(_ context.Context, id string, opts checkpoint.ForkOptions) (*checkpoint.ForkResult, error) {
	f.forkOpts = opts
	return &checkpoint.ForkResult{SessionID: "fork-1", Checkpoint: &models.Checkpoint{ID: "cp-2", ParentID: id}}, nil
}

func (f *fakeService) Diff(_ context.Context, from, to string) (*models.Diff, error) {
	f.diffFrom = from
	return &models.Diff{FromID: from, ToID: to}, nil
}

func (f *fakeService) Timeline(_ context.Context, sessionID string) (*models.Timeline, error) {
	return &models.Timeline{SessionID: sessionID}, nil
}

func setup(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, svc, logger.NewNop())
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateDefaultsToTranscriptEnd(t *testing.T) {
	svc := &fakeService{}
	r := setup(svc)

	w := do(r, http.MethodPost, "/api/v1/sessions/s1/checkpoints", "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, checkpoint.AtEnd, svc.createdIndex)

	w = do(r, http.MethodPost, "/api/v1/sessions/s1/checkpoints", `{"message_index":5}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 5, svc.createdIndex)

	w = do(r, http.MethodPost, "/api/v1/sessions/s1/checkpoints", `{"message_index":-3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRestoreConflictMapsTo409(t *testing.T) {
	svc := &fakeService{restoreErr: apperrors.CheckpointRestoreConflict("s1")}
	r := setup(svc)

	w := do(r, http.MethodPost, "/api/v1/checkpoints/cp-1/restore", `{"restore_files":true}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.True(t, svc.restoreOpts.RestoreFiles)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apperrors.ErrCodeCheckpointRestoreConflict, body["code"])
}

func TestForkAndDiff(t *testing.T) {
	svc := &fakeService{}
	r := setup(svc)

	w := do(r, http.MethodPost, "/api/v1/checkpoints/cp-1/fork", `{"session_id":"mine"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "mine", svc.forkOpts.SessionID)
	assert.Contains(t, w.Body.String(), `"session_id":"fork-1"`)

	w = do(r, http.MethodGet, "/api/v1/checkpoints/cp-1/diff", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodGet, "/api/v1/checkpoints/cp-1/diff?against=cp-0", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cp-0", svc.diffFrom)
}

func TestGetUnknownCheckpointIs404(t *testing.T) {
	r := setup(&fakeService{})
	w := do(r, http.MethodGet, "/api/v1/checkpoints/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/api/v1/sessions/s1/checkpoints", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)
}
