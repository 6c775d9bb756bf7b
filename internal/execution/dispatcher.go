// Package execution dispatches engine runs: it builds the engine command,
// asks the permission policy, spawns the process through the supervisor and
// turns process callbacks into session state, transcript records and bus
// events.
//
// The session id is threaded unchanged through the registry, the event bus,
// the transcript and the checkpoint store. A caller supplied id is used
// verbatim.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/winfunc/opcode-sub004/internal/checkpoint"
	"github.com/winfunc/opcode-sub004/internal/checkpoint/models"
	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/engine"
	"github.com/winfunc/opcode-sub004/internal/events/bus"
	"github.com/winfunc/opcode-sub004/internal/process"
	"github.com/winfunc/opcode-sub004/internal/session"
	"github.com/winfunc/opcode-sub004/internal/tracing"
)

// Request is the shape accepted by Execute.
type Request struct {
	EngineID     string `json:"engine_id"`
	ProjectPath  string `json:"project_path"`
	Task         string `json:"task"`
	Model        string `json:"model,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
}

// Transcripts receives every stdout line of a session.
type Transcripts interface {
	Append(sessionID, line string) (int, error)
}

// Checkpointer takes automatic checkpoints while a session runs.
type Checkpointer interface {
	Create(ctx context.Context, sessionID string, messageIndex int, opts checkpoint.CreateOptions) (*models.Checkpoint, error)
	Policy() checkpoint.Policy
}

// Listener is told when a session's process starts and when the session
// reaches a terminal state. Callbacks run on the supervising goroutine.
type Listener interface {
	OnSessionStarted(ctx context.Context, s *session.Session)
	OnSessionFinished(ctx context.Context, s *session.Session)
}

// Supervisor spawns processes.
type Supervisor interface {
	Start(ctx context.Context, req process.StartRequest) (*process.Handle, error)
}

// Options tunes the dispatcher.
type Options struct {
	MaxRuntime         time.Duration
	FirstOutputTimeout time.Duration
	ExtraArgs          map[engine.ID][]string
}

// Dispatcher runs execution requests.
type Dispatcher struct {
	locator     engine.Locator
	policy      PermissionPolicy
	supervisor  Supervisor
	registry    *session.Registry
	bus         bus.EventBus
	transcripts Transcripts
	checkpoints Checkpointer
	opts        Options
	logger      *logger.Logger

	mu        sync.Mutex
	listeners []Listener
}

// NewDispatcher creates a dispatcher. transcripts and checkpoints may be nil.
func NewDispatcher(
	locator engine.Locator,
	policy PermissionPolicy,
	supervisor Supervisor,
	registry *session.Registry,
	eventBus bus.EventBus,
	transcripts Transcripts,
	checkpoints Checkpointer,
	opts Options,
	log *logger.Logger,
) *Dispatcher {
	if policy == nil {
		policy = AllowAll{}
	}
	return &Dispatcher{
		locator:     locator,
		policy:      policy,
		supervisor:  supervisor,
		registry:    registry,
		bus:         eventBus,
		transcripts: transcripts,
		checkpoints: checkpoints,
		opts:        opts,
		logger:      log.WithFields(zap.String("component", "execution-dispatcher")),
	}
}

// AddListener registers a session lifecycle listener.
func (d *Dispatcher) AddListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *Dispatcher) snapshotListeners() []Listener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Listener(nil), d.listeners...)
}

// Execute validates the request, spawns the engine and returns the session
// id once the process is running. The session is in the registry before
// Execute returns. Unknown engines fail with ErrUnsupportedEngine before
// anything else happens.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (sessionID string, err error) {
	engineID, err := engine.ParseID(req.EngineID)
	if err != nil {
		return "", err
	}

	sessionID = req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	} else if err := engine.SanitizeSessionID(sessionID); err != nil {
		return "", err
	}

	ctx, span := tracing.Start(ctx, "execution", "execution.execute", sessionID)
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(req.ProjectPath) == "" {
		return "", apperrors.ValidationError("project_path", "is required")
	}

	inv, err := engine.Build(engineID, engine.Config{
		ProjectPath:  req.ProjectPath,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		ExtraArgs:    d.opts.ExtraArgs[engineID],
	}, req.Task)
	if err != nil {
		return "", err
	}

	bin, err := d.locator.Locate(ctx, engineID)
	if err != nil {
		return "", apperrors.SpawnFailed(fmt.Sprintf("%s binary not available", engineID), err)
	}
	inv.Binary = bin.Path

	if missing := engine.CheckRequiredEnv(engineID, inv.Env); len(missing) > 0 {
		return "", apperrors.SpawnFailed(
			fmt.Sprintf("%s requires environment variables: %s", engineID, strings.Join(missing, ", ")), nil)
	}

	decision := d.policy.Check(ctx, Spawn{SessionID: sessionID, Engine: engineID, Argv: inv.Argv(), WorkingDir: inv.Dir})
	if !decision.Allow {
		d.logger.Warn("spawn denied by policy",
			zap.String("session_id", sessionID),
			zap.String("engine", string(engineID)),
			zap.String("reason", decision.Reason))
		return "", apperrors.SpawnFailed("denied by permission policy: "+decision.Reason, nil)
	}

	if err := d.registry.Insert(session.Session{
		ID:          sessionID,
		Engine:      engineID,
		ProjectPath: req.ProjectPath,
		Model:       req.Model,
		Task:        req.Task,
		AgentID:     req.AgentID,
	}); err != nil {
		return "", err
	}

	r := &run{d: d, sessionID: sessionID, startedAt: time.Now().UTC()}
	handle, err := d.supervisor.Start(ctx, process.StartRequest{
		SessionID:          sessionID,
		Binary:             inv.Binary,
		Args:               inv.Args,
		Env:                inv.Env,
		WorkingDir:         inv.Dir,
		Observer:           r,
		MaxRuntime:         d.opts.MaxRuntime,
		FirstOutputTimeout: d.opts.FirstOutputTimeout,
	})
	if err != nil {
		d.finish(sessionID, session.StatusFailed, &session.Outcome{Reason: err.Error()}, bus.KindFailed, nil)
		return "", err
	}

	// A cancel that raced the spawn found no handle to signal.
	if snap, getErr := d.registry.Get(sessionID); getErr == nil && snap.CancelRequested {
		go func() { _ = handle.Cancel(context.Background()) }()
	}

	d.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("engine", string(engineID)),
		zap.String("binary", inv.Binary),
		zap.Int("pid", handle.PID()))
	return sessionID, nil
}

// Cancel stops a session. Unknown ids are ErrNotFound; sessions that already
// finished are a no-op. ErrCancelTimedOut means the process ignored SIGTERM
// and had to be killed; the session is cancelled either way.
func (d *Dispatcher) Cancel(ctx context.Context, sessionID string) (err error) {
	ctx, span := tracing.Start(ctx, "execution", "execution.cancel", sessionID)
	defer func() { tracing.End(span, err) }()

	snap, err := d.registry.RequestCancel(sessionID)
	if err != nil {
		return err
	}
	if snap.Status.IsTerminal() {
		return nil
	}

	err = d.registry.Terminate(ctx, sessionID)
	if errors.Is(err, apperrors.ErrCancelTimedOut) {
		d.logger.Warn("session killed after grace period", zap.String("session_id", sessionID))
	}
	return err
}

// Get returns the session record.
func (d *Dispatcher) Get(sessionID string) (*session.Session, error) {
	return d.registry.Get(sessionID)
}

// LiveOutput returns the output a running session's process still holds in
// memory.
func (d *Dispatcher) LiveOutput(sessionID string) ([]process.Chunk, error) {
	return d.registry.LiveOutput(sessionID)
}

// ListRunning returns the sessions that have not finished.
func (d *Dispatcher) ListRunning() []*session.Session {
	return d.registry.ListRunning()
}

// List returns every session still held by the registry.
func (d *Dispatcher) List() []*session.Session {
	return d.registry.List()
}

// Shutdown cancels every live session concurrently.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	running := d.registry.ListRunning()
	if len(running) == 0 {
		return nil
	}
	d.logger.Info("cancelling running sessions", zap.Int("count", len(running)))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range running {
		g.Go(func() error {
			if err := d.Cancel(gctx, s.ID); err != nil &&
				!errors.Is(err, apperrors.ErrCancelTimedOut) && !apperrors.IsNotFound(err) {
				return fmt.Errorf("cancel %s: %w", s.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunJanitor drops finished sessions older than retain from the registry
// until ctx ends.
func (d *Dispatcher) RunJanitor(ctx context.Context, every, retain time.Duration) {
	if every <= 0 || retain <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.registry.Prune(time.Now().UTC().Add(-retain)); n > 0 {
				d.logger.Debug("pruned finished sessions", zap.Int("count", n))
			}
		}
	}
}

// finish records the terminal state and publishes the terminal event when
// this call made the transition.
func (d *Dispatcher) finish(sessionID string, status session.Status, outcome *session.Outcome, kind bus.Kind, exitCode *int) {
	changed, err := d.registry.Finish(sessionID, status, outcome)
	if err != nil {
		d.logger.Error("failed to record session end", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if !changed {
		return
	}

	reason := ""
	if outcome != nil {
		reason = outcome.Reason
	}
	d.publish(bus.NewTerminalEvent(sessionID, kind, exitCode, reason))

	snap, err := d.registry.Get(sessionID)
	if err != nil {
		return
	}
	for _, l := range d.snapshotListeners() {
		l.OnSessionFinished(context.Background(), snap)
	}
	d.logger.Info("session finished",
		zap.String("session_id", sessionID),
		zap.String("status", string(status)),
		zap.String("reason", reason))
}

func (d *Dispatcher) publish(event *bus.Event) {
	if err := d.bus.Publish(context.Background(), event.SessionID, event); err != nil {
		d.logger.Warn("failed to publish session event",
			zap.String("session_id", event.SessionID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

// run observes one session's process.
type run struct {
	d         *Dispatcher
	sessionID string
	startedAt time.Time

	mu               sync.Mutex
	lastIndex        int
	lastCheckpointAt time.Time
	checkpointing    bool
	engineIDSeen     bool
}

func (r *run) OnStarted(h *process.Handle) {
	if err := r.d.registry.MarkRunning(r.sessionID, h); err != nil {
		r.d.logger.Error("failed to mark session running", zap.String("session_id", r.sessionID), zap.Error(err))
		return
	}
	snap, err := r.d.registry.Get(r.sessionID)
	if err != nil {
		return
	}
	for _, l := range r.d.snapshotListeners() {
		l.OnSessionStarted(context.Background(), snap)
	}
}

func (r *run) OnOutput(chunk process.Chunk) {
	kind := bus.KindOutput
	if chunk.Stream == process.StreamStderr {
		kind = bus.KindError
	}
	event := bus.NewEvent(r.sessionID, kind, chunk.Data)
	event.Timestamp = chunk.Timestamp
	r.d.publish(event)

	if chunk.Stream != process.StreamStdout || strings.TrimSpace(chunk.Data) == "" {
		return
	}
	r.recordEngineSessionID(chunk.Data)
	if r.d.transcripts == nil {
		return
	}
	n, err := r.d.transcripts.Append(r.sessionID, chunk.Data)
	if err != nil {
		r.d.logger.Warn("failed to append transcript", zap.String("session_id", r.sessionID), zap.Error(err))
		return
	}
	r.maybeCheckpoint(n)
}

func (r *run) OnExit(exit process.Exit) {
	snap, _ := r.d.registry.Get(r.sessionID)
	cancelRequested := snap != nil && snap.CancelRequested

	code := exit.Code
	outcome := &session.Outcome{
		ExitCode:   &code,
		Signal:     exit.Signal,
		StderrTail: exit.StderrTail,
	}
	switch {
	case cancelRequested || exit.Cancelled():
		outcome.Reason = "cancelled"
		if exit.Termination == process.TerminationMaxRuntime {
			outcome.Reason = "max runtime exceeded"
		}
		if exit.Forced {
			outcome.Reason += " (killed after grace period)"
		}
		r.d.finish(r.sessionID, session.StatusCancelled, outcome, bus.KindCancelled, &code)
	case exit.Success():
		r.d.finish(r.sessionID, session.StatusCompleted, outcome, bus.KindCompleted, &code)
	default:
		outcome.Reason = apperrors.ProcessCrashed(exit.Describe()).Error()
		r.d.finish(r.sessionID, session.StatusFailed, outcome, bus.KindFailed, &code)
	}
}

// recordEngineSessionID stores the id the engine reports in its stream-json
// output, e.g. {"type":"system","session_id":"..."}.
func (r *run) recordEngineSessionID(line string) {
	r.mu.Lock()
	seen := r.engineIDSeen
	r.mu.Unlock()
	if seen || !strings.HasPrefix(strings.TrimSpace(line), "{") {
		return
	}
	var msg struct {
		SessionID      string `json:"session_id"`
		SessionIDCamel string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}
	id := msg.SessionID
	if id == "" {
		id = msg.SessionIDCamel
	}
	if id == "" {
		return
	}
	r.mu.Lock()
	r.engineIDSeen = true
	r.mu.Unlock()
	if err := r.d.registry.SetEngineSessionID(r.sessionID, id); err != nil {
		r.d.logger.Debug("failed to record engine session id", zap.String("session_id", r.sessionID), zap.Error(err))
	}
}

// maybeCheckpoint asks the snapshot policy whether the transcript, now n
// messages long, should be checkpointed. At most one automatic checkpoint
// per session is in flight; failures are logged and never stop the session.
func (r *run) maybeCheckpoint(n int) {
	if r.d.checkpoints == nil {
		return
	}
	policy := r.d.checkpoints.Policy()
	if policy == nil {
		return
	}

	r.mu.Lock()
	last := r.lastCheckpointAt
	if last.IsZero() {
		last = r.startedAt
	}
	due := !r.checkpointing && policy.ShouldCheckpoint(checkpoint.Progress{
		Messages:         n,
		LastIndex:        r.lastIndex,
		LastCheckpointAt: last,
		Now:              time.Now().UTC(),
	})
	if due {
		r.checkpointing = true
	}
	r.mu.Unlock()
	if !due {
		return
	}

	go func() {
		cp, err := r.d.checkpoints.Create(context.Background(), r.sessionID, n, checkpoint.CreateOptions{
			Trigger: policy.Trigger(),
		})
		r.mu.Lock()
		defer r.mu.Unlock()
		r.checkpointing = false
		if err != nil {
			r.d.logger.Warn("automatic checkpoint failed", zap.String("session_id", r.sessionID), zap.Error(err))
			return
		}
		r.lastIndex = cp.MessageIndex
		r.lastCheckpointAt = cp.CreatedAt
	}()
}
