// Package service manages agent definitions, runs them through the execution
// dispatcher and keeps their run records in step with the session lifecycle.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/winfunc/opcode-sub004/internal/agent/models"
	"github.com/winfunc/opcode-sub004/internal/agent/store"
	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/engine"
	"github.com/winfunc/opcode-sub004/internal/execution"
	"github.com/winfunc/opcode-sub004/internal/session"
)

// Executor starts engine sessions.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (string, error)
}

// ExecuteRequest overrides an agent's defaults for one run.
type ExecuteRequest struct {
	ProjectPath string `json:"project_path"`
	Task        string `json:"task,omitempty"`
	Model       string `json:"model,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Service implements agent management.
type Service struct {
	repo     store.Repository
	executor Executor
	logger   *logger.Logger
	now      func() time.Time
}

var _ execution.Listener = (*Service)(nil)

// NewService creates an agent service.
func NewService(repo store.Repository, executor Executor, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		executor: executor,
		logger:   log.WithFields(zap.String("component", "agent-service")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateAgent validates and stores a new agent.
func (s *Service) CreateAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	if err := validateAgent(agent); err != nil {
		return nil, err
	}
	agent.ID = ""
	if err := s.repo.CreateAgent(ctx, agent); err != nil {
		return nil, apperrors.InternalError("create agent", err)
	}
	s.logger.Info("agent created", zap.String("agent_id", agent.ID), zap.String("name", agent.Name))
	return agent, nil
}

// GetAgent returns one agent.
func (s *Service) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return s.repo.GetAgent(ctx, id)
}

// ListAgents returns all agents.
func (s *Service) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.repo.ListAgents(ctx)
}

// UpdateAgent replaces an agent's editable fields. Runs already recorded keep
// the values they were started with.
func (s *Service) UpdateAgent(ctx context.Context, id string, agent *models.Agent) (*models.Agent, error) {
	existing, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateAgent(agent); err != nil {
		return nil, err
	}
	agent.ID = existing.ID
	agent.CreatedAt = existing.CreatedAt
	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// DeleteAgent removes an agent and its run history.
func (s *Service) DeleteAgent(ctx context.Context, id string) error {
	return s.repo.DeleteAgent(ctx, id)
}

// ListRuns returns an agent's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, agentID string) ([]*models.Run, error) {
	if _, err := s.repo.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return s.repo.ListRuns(ctx, agentID)
}

// GetRun returns one run.
func (s *Service) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return s.repo.GetRun(ctx, id)
}

// ExecuteAgent records a pending run and starts the agent's engine. The run
// row exists before the session starts so lifecycle callbacks always find it.
func (s *Service) ExecuteAgent(ctx context.Context, agentID string, req ExecuteRequest) (*models.Run, error) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	task := strings.TrimSpace(req.Task)
	if task == "" {
		task = agent.DefaultTask
	}
	if strings.TrimSpace(task) == "" {
		return nil, apperrors.ValidationError("task", "is required when the agent has no default task")
	}
	model := req.Model
	if model == "" {
		model = agent.Model
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	} else if err := engine.SanitizeSessionID(sessionID); err != nil {
		return nil, err
	} else if _, err := s.repo.GetRunBySession(ctx, sessionID); err == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("session '%s' already exists", sessionID))
	}

	run := &models.Run{
		AgentID:     agent.ID,
		AgentName:   agent.Name,
		AgentIcon:   agent.Icon,
		SessionID:   sessionID,
		Task:        task,
		Model:       model,
		ProjectPath: req.ProjectPath,
		Status:      models.RunStatusPending,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, apperrors.InternalError("create agent run", err)
	}

	_, execErr := s.executor.Execute(ctx, execution.Request{
		EngineID:     string(agent.Engine),
		ProjectPath:  req.ProjectPath,
		Task:         task,
		Model:        model,
		SessionID:    sessionID,
		SystemPrompt: agent.SystemPrompt,
		AgentID:      agent.ID,
	})
	if execErr != nil {
		s.failRun(ctx, run.ID, execErr)
		return nil, execErr
	}

	current, err := s.repo.GetRun(ctx, run.ID)
	if err != nil {
		return run, nil
	}
	return current, nil
}

// failRun marks a run that never got a live session as failed. A run the
// session lifecycle already finished is left as is.
func (s *Service) failRun(ctx context.Context, runID string, cause error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil || run.Status.IsTerminal() {
		return
	}
	now := s.now()
	run.Status = models.RunStatusFailed
	run.Error = cause.Error()
	run.CompletedAt = &now
	if err := s.repo.UpdateRun(ctx, run); err != nil && !errors.Is(err, apperrors.ErrConflict) {
		s.logger.Warn("failed to mark agent run failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// OnSessionStarted moves the session's run to running.
func (s *Service) OnSessionStarted(ctx context.Context, sess *session.Session) {
	if sess.AgentID == "" {
		return
	}
	run, err := s.repo.GetRunBySession(ctx, sess.ID)
	if err != nil {
		s.logger.Warn("no agent run for session", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	run.Status = models.RunStatusRunning
	run.PID = sess.PID
	run.StartedAt = sess.StartedAt
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		s.logger.Warn("failed to mark agent run running", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// OnSessionFinished writes the terminal fields of the session's run.
func (s *Service) OnSessionFinished(ctx context.Context, sess *session.Session) {
	if sess.AgentID == "" {
		return
	}
	run, err := s.repo.GetRunBySession(ctx, sess.ID)
	if err != nil {
		s.logger.Warn("no agent run for session", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	run.Status = runStatus(sess.Status)
	run.EngineSessionID = sess.EngineSessionID
	if sess.PID != 0 {
		run.PID = sess.PID
	}
	if run.StartedAt == nil {
		run.StartedAt = sess.StartedAt
	}
	run.CompletedAt = sess.CompletedAt
	if run.CompletedAt == nil {
		now := s.now()
		run.CompletedAt = &now
	}
	if sess.Outcome != nil {
		run.ExitCode = sess.Outcome.ExitCode
		if sess.Status == session.StatusFailed {
			run.Error = sess.Outcome.Reason
		}
	}
	if err := s.repo.UpdateRun(ctx, run); err != nil && !errors.Is(err, apperrors.ErrConflict) {
		s.logger.Warn("failed to finish agent run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func runStatus(st session.Status) models.RunStatus {
	switch st {
	case session.StatusCompleted:
		return models.RunStatusCompleted
	case session.StatusCancelled:
		return models.RunStatusCancelled
	case session.StatusRunning:
		return models.RunStatusRunning
	case session.StatusCreated:
		return models.RunStatusPending
	default:
		return models.RunStatusFailed
	}
}

// Export encodes an agent definition for sharing.
func (s *Service) Export(ctx context.Context, id string, format Format) ([]byte, error) {
	agent, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	doc := models.Export{
		Version:    models.ExportVersion,
		ExportedAt: s.now(),
		Agent: models.ExportedAgent{
			Name:         agent.Name,
			Icon:         agent.Icon,
			Engine:       string(agent.Engine),
			SystemPrompt: agent.SystemPrompt,
			DefaultTask:  agent.DefaultTask,
			Model:        agent.Model,
			Hooks:        agent.Hooks,
		},
	}
	switch format {
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatJSON, "":
		return json.MarshalIndent(doc, "", "  ")
	default:
		return nil, apperrors.ValidationError("format", fmt.Sprintf("unsupported export format %q", format))
	}
}

// Import creates an agent from an exported document. YAML is a superset of
// JSON, so both encodings go through the YAML decoder.
func (s *Service) Import(ctx context.Context, data []byte) (*models.Agent, error) {
	var doc models.Export
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.BadRequest(fmt.Sprintf("invalid agent document: %v", err))
	}
	if doc.Version != models.ExportVersion {
		return nil, apperrors.BadRequest(fmt.Sprintf("unsupported export version %d", doc.Version))
	}
	return s.CreateAgent(ctx, &models.Agent{
		Name:         doc.Agent.Name,
		Icon:         doc.Agent.Icon,
		Engine:       engine.ID(doc.Agent.Engine),
		SystemPrompt: doc.Agent.SystemPrompt,
		DefaultTask:  doc.Agent.DefaultTask,
		Model:        doc.Agent.Model,
		Hooks:        doc.Agent.Hooks,
	})
}

func validateAgent(agent *models.Agent) error {
	if agent == nil {
		return apperrors.BadRequest("agent is required")
	}
	agent.Name = strings.TrimSpace(agent.Name)
	if agent.Name == "" {
		return apperrors.ValidationError("name", "is required")
	}
	id, err := engine.ParseID(string(agent.Engine))
	if err != nil {
		return err
	}
	agent.Engine = id
	if strings.TrimSpace(agent.SystemPrompt) == "" {
		return apperrors.ValidationError("system_prompt", "is required")
	}
	if err := engine.SanitizeText("system_prompt", agent.SystemPrompt); err != nil {
		return err
	}
	if err := engine.SanitizeText("default_task", agent.DefaultTask); err != nil {
		return err
	}
	if agent.Hooks != "" {
		var hooks map[string]any
		if err := json.Unmarshal([]byte(agent.Hooks), &hooks); err != nil {
			return apperrors.ValidationError("hooks", "must be a JSON object")
		}
	}
	return nil
}
