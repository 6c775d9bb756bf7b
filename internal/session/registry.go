// Package session tracks live and finished engine sessions.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/engine"
	"github.com/winfunc/opcode-sub004/internal/process"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) canTransition(to Status) bool {
	switch s {
	case StatusCreated:
		return to == StatusRunning || to.IsTerminal()
	case StatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// Outcome records how a session's process ended.
type Outcome struct {
	ExitCode   *int     `json:"exit_code,omitempty"`
	Signal     string   `json:"signal,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	StderrTail []string `json:"stderr_tail,omitempty"`
}

// Session is a snapshot of one engine run.
type Session struct {
	ID              string     `json:"id"`
	Engine          engine.ID  `json:"engine"`
	ProjectPath     string     `json:"project_path"`
	Model           string     `json:"model,omitempty"`
	Task            string     `json:"task"`
	AgentID         string     `json:"agent_id,omitempty"`
	EngineSessionID string     `json:"engine_session_id,omitempty"`
	Status          Status     `json:"status"`
	PID             int        `json:"pid,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Outcome         *Outcome   `json:"outcome,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CheckpointError string     `json:"checkpoint_error,omitempty"`
}

func (s *Session) clone() *Session {
	out := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Outcome != nil {
		o := *s.Outcome
		o.StderrTail = append([]string(nil), s.Outcome.StderrTail...)
		if s.Outcome.ExitCode != nil {
			code := *s.Outcome.ExitCode
			o.ExitCode = &code
		}
		out.Outcome = &o
	}
	return &out
}

// ProcessHandle is the control surface of a running process.
type ProcessHandle interface {
	PID() int
	Cancel(ctx context.Context) error
}

// OutputSource is implemented by handles that keep recent output in memory.
type OutputSource interface {
	Output() []process.Chunk
}

type entry struct {
	session *Session
	handle  ProcessHandle
}

// Registry is the authoritative, concurrency-safe map of sessions. It is the
// only holder of process handles. Removed ids stay reserved so they are never
// handed out twice.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*entry
	tombstones map[string]struct{}
	now        func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*entry),
		tombstones: make(map[string]struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Insert registers a new session in the Created state. Known or previously
// removed ids are rejected with ErrConflict.
func (r *Registry) Insert(s Session) error {
	if s.ID == "" {
		return apperrors.ValidationError("session_id", "must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return apperrors.Conflict(fmt.Sprintf("session '%s' already exists", s.ID))
	}
	if _, ok := r.tombstones[s.ID]; ok {
		return apperrors.Conflict(fmt.Sprintf("session id '%s' was used before", s.ID))
	}

	stored := s.clone()
	stored.Status = StatusCreated
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.sessions[s.ID] = &entry{session: stored}
	return nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return e.session.clone(), nil
}

// LiveOutput returns the recent output held by the session's process. It is
// empty once the process has exited; the transcript keeps the full record.
func (r *Registry) LiveOutput(id string) ([]process.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	src, ok := e.handle.(OutputSource)
	if !ok {
		return []process.Chunk{}, nil
	}
	return src.Output(), nil
}

// Lookup reports whether id was ever registered and whether it is finished.
// Removed ids are reported as existing and finished.
func (r *Registry) Lookup(id string) (exists, finished bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.sessions[id]; ok {
		return true, e.session.Status.IsTerminal()
	}
	if _, ok := r.tombstones[id]; ok {
		return true, true
	}
	return false, false
}

// UpdateStatus moves the session along the lifecycle. Invalid transitions
// return ErrConflict.
func (r *Registry) UpdateStatus(id string, status Status) error {
	return r.withEntry(id, func(e *entry) error {
		return r.transition(e, status)
	})
}

// MarkRunning records the spawned process and moves Created to Running.
func (r *Registry) MarkRunning(id string, handle ProcessHandle) error {
	return r.withEntry(id, func(e *entry) error {
		if err := r.transition(e, StatusRunning); err != nil {
			return err
		}
		e.handle = handle
		if handle != nil {
			e.session.PID = handle.PID()
		}
		return nil
	})
}

// Finish records a terminal status and outcome. It reports false without
// changing anything if the session had already finished, so exactly one
// caller wins.
func (r *Registry) Finish(id string, status Status, outcome *Outcome) (bool, error) {
	if !status.IsTerminal() {
		return false, apperrors.BadRequest(fmt.Sprintf("status %q is not terminal", status))
	}
	changed := false
	err := r.withEntry(id, func(e *entry) error {
		if e.session.Status.IsTerminal() {
			return nil
		}
		if err := r.transition(e, status); err != nil {
			return err
		}
		if outcome != nil {
			e.session.Outcome = (&Session{Outcome: outcome}).clone().Outcome
		}
		e.handle = nil
		changed = true
		return nil
	})
	return changed, err
}

// RequestCancel flags the session so its exit is classified as cancelled. It
// returns the snapshot taken under the same lock.
func (r *Registry) RequestCancel(id string) (*Session, error) {
	var snap *Session
	err := r.withEntry(id, func(e *entry) error {
		if !e.session.Status.IsTerminal() {
			e.session.CancelRequested = true
		}
		snap = e.session.clone()
		return nil
	})
	return snap, err
}

// SetEngineSessionID records the id the engine reported for itself. The first
// reported value is kept.
func (r *Registry) SetEngineSessionID(id, engineSessionID string) error {
	return r.withEntry(id, func(e *entry) error {
		if e.session.EngineSessionID == "" {
			e.session.EngineSessionID = engineSessionID
		}
		return nil
	})
}

// RecordCheckpointError stores the latest checkpoint failure for the session.
func (r *Registry) RecordCheckpointError(id, message string) error {
	return r.withEntry(id, func(e *entry) error {
		e.session.CheckpointError = message
		return nil
	})
}

// Terminate cancels the session's process if one is attached. The handle is
// called outside the registry lock.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.sessions[id]
	var handle ProcessHandle
	if ok {
		handle = e.handle
	}
	r.mu.RUnlock()

	if !ok {
		return apperrors.NotFound("session", id)
	}
	if handle == nil {
		return nil
	}
	return handle.Cancel(ctx)
}

// Remove deletes a finished session. Live sessions cannot be removed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	if !e.session.Status.IsTerminal() {
		return apperrors.Conflict(fmt.Sprintf("session '%s' is %s", id, e.session.Status))
	}
	delete(r.sessions, id)
	r.tombstones[id] = struct{}{}
	return nil
}

// ListRunning returns a snapshot of sessions that have not finished.
func (r *Registry) ListRunning() []*Session {
	return r.list(func(s *Session) bool { return !s.Status.IsTerminal() })
}

// List returns a snapshot of every session, oldest first.
func (r *Registry) List() []*Session {
	return r.list(func(*Session) bool { return true })
}

// Prune removes sessions that finished before the cutoff and returns how
// many were removed.
func (r *Registry) Prune(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.sessions {
		s := e.session
		if s.Status.IsTerminal() && s.CompletedAt != nil && s.CompletedAt.Before(before) {
			delete(r.sessions, id)
			r.tombstones[id] = struct{}{}
			removed++
		}
	}
	return removed
}

func (r *Registry) list(keep func(*Session) bool) []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		if keep(e.session) {
			out = append(out, e.session.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) withEntry(id string, fn func(e *entry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	return fn(e)
}

// transition must be called with r.mu held.
func (r *Registry) transition(e *entry, to Status) error {
	from := e.session.Status
	if !from.canTransition(to) {
		return apperrors.Conflict(fmt.Sprintf("session '%s' cannot move from %s to %s", e.session.ID, from, to))
	}
	e.session.Status = to
	now := r.now()
	switch {
	case to == StatusRunning:
		e.session.StartedAt = &now
	case to.IsTerminal():
		e.session.CompletedAt = &now
	}
	return nil
}
