// Package models defines agent definitions and their execution runs.
package models

import (
	"time"

	"github.com/winfunc/opcode-sub004/internal/engine"
)

// Agent is a reusable engine configuration: a system prompt, a default task
// and a model for one engine. Hooks holds the engine lifecycle hooks as a
// JSON object.
type Agent struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Icon         string    `json:"icon" db:"icon"`
	Engine       engine.ID `json:"engine" db:"engine"`
	SystemPrompt string    `json:"system_prompt" db:"system_prompt"`
	DefaultTask  string    `json:"default_task,omitempty" db:"default_task"`
	Model        string    `json:"model" db:"model"`
	Hooks        string    `json:"hooks,omitempty" db:"hooks"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// RunStatus is the state of an agent run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run is one execution of an agent, bound to the session that carried it.
type Run struct {
	ID              string     `json:"id" db:"id"`
	AgentID         string     `json:"agent_id" db:"agent_id"`
	AgentName       string     `json:"agent_name" db:"agent_name"`
	AgentIcon       string     `json:"agent_icon" db:"agent_icon"`
	SessionID       string     `json:"session_id" db:"session_id"`
	Task            string     `json:"task" db:"task"`
	Model           string     `json:"model" db:"model"`
	ProjectPath     string     `json:"project_path" db:"project_path"`
	EngineSessionID string     `json:"engine_session_id,omitempty" db:"engine_session_id"`
	Status          RunStatus  `json:"status" db:"status"`
	PID             int        `json:"pid,omitempty" db:"pid"`
	ExitCode        *int       `json:"exit_code,omitempty" db:"exit_code"`
	Error           string     `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ExportVersion is the current agent export format.
const ExportVersion = 1

// Export is the portable form of an agent definition.
type Export struct {
	Version    int           `json:"version" yaml:"version"`
	ExportedAt time.Time     `json:"exported_at" yaml:"exported_at"`
	Agent      ExportedAgent `json:"agent" yaml:"agent"`
}

// ExportedAgent carries the fields that travel between installations.
type ExportedAgent struct {
	Name         string `json:"name" yaml:"name"`
	Icon         string `json:"icon" yaml:"icon"`
	Engine       string `json:"engine" yaml:"engine"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	DefaultTask  string `json:"default_task,omitempty" yaml:"default_task,omitempty"`
	Model        string `json:"model" yaml:"model"`
	Hooks        string `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}
