// Package handlers exposes checkpoints over HTTP.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/winfunc/opcode-sub004/internal/checkpoint"
	"github.com/winfunc/opcode-sub004/internal/checkpoint/models"
	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/httpmw"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

// Service is the checkpoint surface the handlers need.
type Service interface {
	Create(ctx context.Context, sessionID string, messageIndex int, opts checkpoint.CreateOptions) (*models.Checkpoint, error)
	Get(ctx context.Context, checkpointID string) (*models.Checkpoint, error)
	List(ctx context.Context, sessionID string) ([]*models.Checkpoint, error)
	Restore(ctx context.Context, checkpointID string, opts checkpoint.RestoreOptions) (*models.RestoreResult, error)
	Fork(ctx context.Context, checkpointID string, opts checkpoint.ForkOptions) (*checkpoint.ForkResult, error)
	Diff(ctx context.Context, fromID, toID string) (*models.Diff, error)
	Timeline(ctx context.Context, sessionID string) (*models.Timeline, error)
}

type Handlers struct {
	service Service
	logger  *logger.Logger
}

func NewHandlers(svc Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "checkpoint-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, svc Service, log *logger.Logger) {
	h := NewHandlers(svc, log)
	api := router.Group("/api/v1")
	api.GET("/sessions/:sessionId/checkpoints", h.httpList)
	api.POST("/sessions/:sessionId/checkpoints", h.httpCreate)
	api.GET("/sessions/:sessionId/timeline", h.httpTimeline)
	api.GET("/checkpoints/:id", h.httpGet)
	api.POST("/checkpoints/:id/restore", h.httpRestore)
	api.POST("/checkpoints/:id/fork", h.httpFork)
	api.GET("/checkpoints/:id/diff", h.httpDiff)
}

func (h *Handlers) httpList(c *gin.Context) {
	list, err := h.service.List(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to list checkpoints", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": list, "total": len(list)})
}

type httpCreateRequest struct {
	MessageIndex *int   `json:"message_index,omitempty"`
	Description  string `json:"description,omitempty"`
}

func (h *Handlers) httpCreate(c *gin.Context) {
	var body httpCreateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	index := checkpoint.AtEnd
	if body.MessageIndex != nil {
		index = *body.MessageIndex
		if index < 0 {
			httpmw.RespondError(c, h.logger, "invalid message index",
				apperrors.ValidationError("message_index", "must not be negative"))
			return
		}
	}
	cp, err := h.service.Create(c.Request.Context(), c.Param("sessionId"), index, checkpoint.CreateOptions{
		Description: body.Description,
		Trigger:     models.TriggerManual,
	})
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to create checkpoint", err)
		return
	}
	c.JSON(http.StatusCreated, cp)
}

func (h *Handlers) httpTimeline(c *gin.Context) {
	timeline, err := h.service.Timeline(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to load timeline", err)
		return
	}
	c.JSON(http.StatusOK, timeline)
}

func (h *Handlers) httpGet(c *gin.Context) {
	cp, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to get checkpoint", err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

type httpRestoreRequest struct {
	RestoreFiles bool `json:"restore_files"`
}

func (h *Handlers) httpRestore(c *gin.Context) {
	var body httpRestoreRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	res, err := h.service.Restore(c.Request.Context(), c.Param("id"), checkpoint.RestoreOptions{RestoreFiles: body.RestoreFiles})
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to restore checkpoint", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type httpForkRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	Description string `json:"description,omitempty"`
}

func (h *Handlers) httpFork(c *gin.Context) {
	var body httpForkRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	res, err := h.service.Fork(c.Request.Context(), c.Param("id"), checkpoint.ForkOptions{
		SessionID:   body.SessionID,
		Description: body.Description,
	})
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to fork checkpoint", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handlers) httpDiff(c *gin.Context) {
	against := c.Query("against")
	if against == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "against is required"})
		return
	}
	diff, err := h.service.Diff(c.Request.Context(), against, c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to diff checkpoints", err)
		return
	}
	c.JSON(http.StatusOK, diff)
}
