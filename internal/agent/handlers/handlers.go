// Package handlers exposes agent management over HTTP.
package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/winfunc/opcode-sub004/internal/agent/models"
	"github.com/winfunc/opcode-sub004/internal/agent/service"
	"github.com/winfunc/opcode-sub004/internal/common/httpmw"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

const maxImportBytes = 1 << 20

// Service is the agent surface the handlers need.
type Service interface {
	CreateAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	UpdateAgent(ctx context.Context, id string, agent *models.Agent) (*models.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	ListRuns(ctx context.Context, agentID string) ([]*models.Run, error)
	ExecuteAgent(ctx context.Context, agentID string, req service.ExecuteRequest) (*models.Run, error)
	Export(ctx context.Context, id string, format service.Format) ([]byte, error)
	Import(ctx context.Context, data []byte) (*models.Agent, error)
}

type Handlers struct {
	service Service
	logger  *logger.Logger
}

func NewHandlers(svc Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "agent-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, svc Service, log *logger.Logger) {
	h := NewHandlers(svc, log)
	api := router.Group("/api/v1")
	api.GET("/agents", h.httpList)
	api.POST("/agents", h.httpCreate)
	api.POST("/agents/import", h.httpImport)
	api.GET("/agents/:id", h.httpGet)
	api.PUT("/agents/:id", h.httpUpdate)
	api.DELETE("/agents/:id", h.httpDelete)
	api.POST("/agents/:id/execute", h.httpExecute)
	api.GET("/agents/:id/runs", h.httpListRuns)
	api.GET("/agents/:id/export", h.httpExport)
}

func (h *Handlers) httpList(c *gin.Context) {
	agents, err := h.service.ListAgents(c.Request.Context())
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to list agents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

func (h *Handlers) httpCreate(c *gin.Context) {
	var body models.Agent
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	agent, err := h.service.CreateAgent(c.Request.Context(), &body)
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to create agent", err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *Handlers) httpGet(c *gin.Context) {
	agent, err := h.service.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to get agent", err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) httpUpdate(c *gin.Context) {
	var body models.Agent
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	agent, err := h.service.UpdateAgent(c.Request.Context(), c.Param("id"), &body)
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to update agent", err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) httpDelete(c *gin.Context) {
	if err := h.service.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, h.logger, "failed to delete agent", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) httpExecute(c *gin.Context) {
	var body service.ExecuteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	run, err := h.service.ExecuteAgent(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to execute agent", err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (h *Handlers) httpListRuns(c *gin.Context) {
	runs, err := h.service.ListRuns(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to list agent runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

func (h *Handlers) httpExport(c *gin.Context) {
	format := service.Format(c.DefaultQuery("format", string(service.FormatJSON)))
	data, err := h.service.Export(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to export agent", err)
		return
	}
	contentType := "application/json"
	if format == service.FormatYAML {
		contentType = "application/yaml"
	}
	c.Data(http.StatusOK, contentType, data)
}

func (h *Handlers) httpImport(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes))
	if err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	agent, err := h.service.Import(c.Request.Context(), data)
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to import agent", err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}
