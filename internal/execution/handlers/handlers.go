// Package handlers exposes session execution over HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/httpmw"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/engine"
	"github.com/winfunc/opcode-sub004/internal/execution"
	"github.com/winfunc/opcode-sub004/internal/process"
	"github.com/winfunc/opcode-sub004/internal/session"
)

// Dispatcher is the execution surface the handlers need.
type Dispatcher interface {
	Execute(ctx context.Context, req execution.Request) (string, error)
	Cancel(ctx context.Context, sessionID string) error
	Get(sessionID string) (*session.Session, error)
	List() []*session.Session
	ListRunning() []*session.Session
	LiveOutput(sessionID string) ([]process.Chunk, error)
}

// TranscriptReader reads session transcripts.
type TranscriptReader interface {
	Read(sessionID string, n int) ([]string, error)
}

type Handlers struct {
	dispatcher  Dispatcher
	transcripts TranscriptReader
	locator     engine.Locator
	logger      *logger.Logger
}

func NewHandlers(d Dispatcher, transcripts TranscriptReader, locator engine.Locator, log *logger.Logger) *Handlers {
	return &Handlers{
		dispatcher:  d,
		transcripts: transcripts,
		locator:     locator,
		logger:      log.WithFields(zap.String("component", "session-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, d Dispatcher, transcripts TranscriptReader, locator engine.Locator, log *logger.Logger) {
	h := NewHandlers(d, transcripts, locator, log)
	api := router.Group("/api/v1")
	api.GET("/engines", h.httpListEngines)
	api.POST("/sessions", h.httpExecute)
	api.GET("/sessions", h.httpList)
	api.GET("/sessions/running", h.httpListRunning)
	api.GET("/sessions/:sessionId", h.httpGet)
	api.POST("/sessions/:sessionId/cancel", h.httpCancel)
	api.GET("/sessions/:sessionId/transcript", h.httpTranscript)
	api.GET("/sessions/:sessionId/output", h.httpLiveOutput)
}

type engineInfo struct {
	ID          engine.ID      `json:"id"`
	DisplayName string         `json:"display_name"`
	Available   bool           `json:"available"`
	Binary      *engine.Binary `json:"binary,omitempty"`
	Error       string         `json:"error,omitempty"`
	RequiredEnv []string       `json:"required_env,omitempty"`
	MissingEnv  []string       `json:"missing_env,omitempty"`
}

func (h *Handlers) httpListEngines(c *gin.Context) {
	out := make([]engineInfo, 0, len(engine.All()))
	for _, id := range engine.All() {
		info := engineInfo{
			ID:          id,
			DisplayName: id.DisplayName(),
			RequiredEnv: id.RequiredEnv(),
			MissingEnv:  engine.CheckRequiredEnv(id, nil),
		}
		bin, err := h.locator.Locate(c.Request.Context(), id)
		if err != nil {
			info.Error = err.Error()
		} else {
			info.Available = true
			info.Binary = bin
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"engines": out})
}

func (h *Handlers) httpExecute(c *gin.Context) {
	var req execution.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	sessionID, err := h.dispatcher.Execute(c.Request.Context(), req)
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to execute", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": sessionID})
}

func (h *Handlers) httpList(c *gin.Context) {
	list := h.dispatcher.List()
	c.JSON(http.StatusOK, gin.H{"sessions": list, "total": len(list)})
}

func (h *Handlers) httpListRunning(c *gin.Context) {
	list := h.dispatcher.ListRunning()
	c.JSON(http.StatusOK, gin.H{"sessions": list, "total": len(list)})
}

func (h *Handlers) httpGet(c *gin.Context) {
	s, err := h.dispatcher.Get(c.Param("sessionId"))
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to get session", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handlers) httpCancel(c *gin.Context) {
	sessionID := c.Param("sessionId")
	err := h.dispatcher.Cancel(c.Request.Context(), sessionID)
	forced := errors.Is(err, apperrors.ErrCancelTimedOut)
	if err != nil && !forced {
		httpmw.RespondError(c, h.logger, "failed to cancel session", err)
		return
	}
	resp := gin.H{"success": true, "session_id": sessionID, "forced": forced}
	if s, getErr := h.dispatcher.Get(sessionID); getErr == nil {
		resp["status"] = s.Status
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) httpTranscript(c *gin.Context) {
	limit := -1
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	sessionID := c.Param("sessionId")
	messages, err := h.transcripts.Read(sessionID, -1)
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to read transcript", err)
		return
	}
	if limit >= 0 && limit < len(messages) {
		messages = messages[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages, "total": len(messages)})
}

func (h *Handlers) httpLiveOutput(c *gin.Context) {
	sessionID := c.Param("sessionId")
	chunks, err := h.dispatcher.LiveOutput(sessionID)
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to read live output", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "output": chunks, "total": len(chunks)})
}
