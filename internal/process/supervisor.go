// Package process supervises engine child processes.
//
// A supervised process runs in its own process group with stdin closed. Its
// stdout and stderr are split into lines and delivered to an Observer in the
// order they were read. The Observer always sees OnStarted first and OnExit
// last, after every output line of both streams has been delivered.
//
// Cancellation sends SIGTERM to the process group, waits for the grace
// period and then escalates to SIGKILL.
package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

// Stream names an output stream of the child process.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Chunk is one line of process output without its trailing newline.
type Chunk struct {
	Stream    Stream    `json:"stream"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Termination records why the supervisor stopped a process, if it did.
type Termination string

const (
	TerminationNone       Termination = ""
	TerminationCancel     Termination = "cancel"
	TerminationMaxRuntime Termination = "max_runtime"
	TerminationNoOutput   Termination = "no_output"
)

// Exit describes how a process ended.
type Exit struct {
	Code        int         `json:"code"`
	Signal      string      `json:"signal,omitempty"`
	Termination Termination `json:"termination,omitempty"`
	Forced      bool        `json:"forced,omitempty"`
	StderrTail  []string    `json:"stderr_tail,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	ExitedAt    time.Time   `json:"exited_at"`
	Err         error       `json:"-"`
}

// Success reports a zero exit the supervisor did not cause.
func (e Exit) Success() bool {
	return e.Code == 0 && e.Err == nil && e.Termination == TerminationNone
}

// Cancelled reports whether the process was stopped on request or because it
// ran past its maximum runtime.
func (e Exit) Cancelled() bool {
	return e.Termination == TerminationCancel || e.Termination == TerminationMaxRuntime
}

// Describe renders the exit for error messages, including the stderr tail.
func (e Exit) Describe() string {
	var b strings.Builder
	switch {
	case e.Err != nil:
		fmt.Fprintf(&b, "wait failed: %v", e.Err)
	case e.Signal != "":
		fmt.Fprintf(&b, "killed by %s (exit code %d)", e.Signal, e.Code)
	default:
		fmt.Fprintf(&b, "exit code %d", e.Code)
	}
	switch e.Termination {
	case TerminationMaxRuntime:
		b.WriteString("; max runtime exceeded")
	case TerminationNoOutput:
		b.WriteString("; no output before first-output timeout")
	}
	if tail := strings.TrimSpace(strings.Join(e.StderrTail, "\n")); tail != "" {
		b.WriteString(": ")
		b.WriteString(tail)
	}
	return b.String()
}

// Observer receives the lifecycle of one supervised process. OnStarted runs
// before Start returns and before any output is delivered.
type Observer interface {
	OnStarted(h *Handle)
	OnOutput(chunk Chunk)
	OnExit(exit Exit)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Started func(h *Handle)
	Output  func(chunk Chunk)
	Exited  func(exit Exit)
}

func (o ObserverFuncs) OnStarted(h *Handle) {
	if o.Started != nil {
		o.Started(h)
	}
}

func (o ObserverFuncs) OnOutput(chunk Chunk) {
	if o.Output != nil {
		o.Output(chunk)
	}
}

func (o ObserverFuncs) OnExit(exit Exit) {
	if o.Exited != nil {
		o.Exited(exit)
	}
}

// StartRequest describes a process to spawn.
type StartRequest struct {
	SessionID  string
	Binary     string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Observer   Observer

	// MaxRuntime stops the process like a cancel once exceeded. Zero disables.
	MaxRuntime time.Duration
	// FirstOutputTimeout stops the process if stdout stays silent this long
	// after spawn. Zero disables.
	FirstOutputTimeout time.Duration
}

// Options tunes the supervisor.
type Options struct {
	GracePeriod       time.Duration
	KillWait          time.Duration
	OutputBufferBytes int64
	StderrTailLines   int
}

// Supervisor starts engine processes and tracks the live ones.
type Supervisor struct {
	logger *logger.Logger
	opts   Options

	mu      sync.RWMutex
	handles map[*Handle]struct{}
}

// NewSupervisor creates a Supervisor. Zero options take the defaults: a 2s
// grace period and 5s to reap after SIGKILL.
func NewSupervisor(log *logger.Logger, opts Options) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 2 * time.Second
	}
	if opts.KillWait <= 0 {
		opts.KillWait = 5 * time.Second
	}
	return &Supervisor{
		logger:  log.WithFields(zap.String("component", "process-supervisor")),
		opts:    opts,
		handles: make(map[*Handle]struct{}),
	}
}

// Start spawns the process. OnStarted has been called when Start returns
// successfully. A process that cannot be spawned yields ErrSpawnFailed and no
// observer callbacks.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if strings.TrimSpace(req.Binary) == "" {
		return nil, apperrors.SpawnFailed("no binary to execute", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.SpawnFailed("start aborted", err)
	}

	observer := req.Observer
	if observer == nil {
		observer = ObserverFuncs{}
	}

	// exec.Command, not CommandContext: the process outlives the request
	// that started it and is stopped only through Cancel.
	cmd := exec.Command(req.Binary, req.Args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = mergeEnv(req.Env)
	cmd.WaitDelay = s.opts.KillWait
	isolate(cmd)

	h := &Handle{
		sessionID:   req.SessionID,
		cmd:         cmd,
		observer:    observer,
		logger:      s.logger.WithSessionID(req.SessionID),
		grace:       s.opts.GracePeriod,
		killWait:    s.opts.KillWait,
		buffer:      newRingBuffer(s.opts.OutputBufferBytes),
		stderrTail:  newLineTail(s.opts.StderrTailLines),
		started:     make(chan struct{}),
		firstOutput: make(chan struct{}),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	h.stdout = newLineWriter(StreamStdout, h.onChunk)
	h.stderr = newLineWriter(StreamStderr, h.onChunk)
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr

	if err := cmd.Start(); err != nil {
		s.logger.Warn("failed to spawn engine process",
			zap.String("session_id", req.SessionID),
			zap.String("binary", req.Binary),
			zap.Error(err))
		return nil, apperrors.SpawnFailed(fmt.Sprintf("start %s", req.Binary), err)
	}
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now().UTC()

	s.track(h)
	h.logger.Info("engine process started",
		zap.Int("pid", h.pid),
		zap.String("binary", req.Binary))

	observer.OnStarted(h)
	close(h.started)

	go s.wait(h)
	if req.MaxRuntime > 0 || req.FirstOutputTimeout > 0 {
		go h.watch(req.MaxRuntime, req.FirstOutputTimeout)
	}
	return h, nil
}

// Running returns the number of live processes.
func (s *Supervisor) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// StopAll cancels every live process concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.RLock()
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			if err := h.Cancel(gctx); err != nil && !errors.Is(err, apperrors.ErrCancelTimedOut) {
				return fmt.Errorf("stop pid %d: %w", h.pid, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) track(h *Handle) {
	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()
}

func (s *Supervisor) untrack(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}

func (s *Supervisor) wait(h *Handle) {
	err := h.cmd.Wait()
	h.stdout.flush()
	h.stderr.flush()

	code, signal := exitDetails(h.cmd.ProcessState)
	exit := Exit{
		Code:       code,
		Signal:     signal,
		StderrTail: h.stderrTail.snapshot(),
		StartedAt:  h.startedAt,
		ExitedAt:   time.Now().UTC(),
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		exit.Err = err
	}

	h.mu.Lock()
	exit.Termination = h.termination
	exit.Forced = h.forced
	h.exit = exit
	h.exited = true
	h.mu.Unlock()

	s.untrack(h)
	h.logger.Info("engine process exited",
		zap.Int("pid", h.pid),
		zap.Int("exit_code", exit.Code),
		zap.String("signal", exit.Signal),
		zap.String("termination", string(exit.Termination)),
		zap.Bool("forced", exit.Forced))

	h.observer.OnExit(exit)
	close(h.done)
}

// Handle controls one running process.
type Handle struct {
	sessionID string
	pid       int
	startedAt time.Time
	cmd       *exec.Cmd
	observer  Observer
	logger    *logger.Logger
	grace     time.Duration
	killWait  time.Duration

	stdout     *lineWriter
	stderr     *lineWriter
	buffer     *ringBuffer
	stderrTail *lineTail

	started         chan struct{}
	firstOutput     chan struct{}
	firstOutputOnce sync.Once

	cancelOnce sync.Once
	stopped    chan struct{}
	stopErr    error

	mu          sync.Mutex
	termination Termination
	forced      bool
	exit        Exit
	exited      bool
	done        chan struct{}
}

// PID returns the process id.
func (h *Handle) PID() int { return h.pid }

// SessionID returns the session the process belongs to.
func (h *Handle) SessionID() string { return h.sessionID }

// StartedAt returns the spawn time.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed after OnExit has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit returns the exit description once the process has ended.
func (h *Handle) Exit() (Exit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit, h.exited
}

// Output returns the most recent output lines kept in memory.
func (h *Handle) Output() []Chunk {
	return h.buffer.snapshot()
}

// Cancel stops the process and returns once it has exited. It is safe to call
// repeatedly and concurrently; a process that already exited returns nil. If
// the grace period ran out and SIGKILL was needed the result is
// ErrCancelTimedOut, which still means the process is gone. When ctx ends
// first, Cancel returns ctx.Err() while termination proceeds in the
// background.
func (h *Handle) Cancel(ctx context.Context) error {
	return h.terminate(ctx, TerminationCancel)
}

func (h *Handle) terminate(ctx context.Context, reason Termination) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	h.cancelOnce.Do(func() {
		h.mu.Lock()
		h.termination = reason
		h.mu.Unlock()
		go h.stop()
	})

	select {
	case <-h.stopped:
		return h.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) stop() {
	defer close(h.stopped)

	if err := signalGroup(h.pid, stopTerm); err != nil {
		h.logger.Debug("signal failed", zap.Stringer("signal", stopTerm), zap.Int("pid", h.pid), zap.Error(err))
	}

	timer := time.NewTimer(h.grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return
	case <-timer.C:
	}

	h.mu.Lock()
	h.forced = true
	h.mu.Unlock()
	h.logger.Warn("grace period expired, sending SIGKILL",
		zap.Int("pid", h.pid),
		zap.Duration("grace", h.grace))
	if err := signalGroup(h.pid, stopKill); err != nil {
		h.logger.Debug("signal failed", zap.Stringer("signal", stopKill), zap.Int("pid", h.pid), zap.Error(err))
	}

	reap := time.NewTimer(h.killWait)
	defer reap.Stop()
	select {
	case <-h.done:
		h.stopErr = apperrors.CancelTimedOut(fmt.Sprintf("pid %d ignored SIGTERM for %s and was killed", h.pid, h.grace))
	case <-reap.C:
		h.stopErr = fmt.Errorf("pid %d did not exit after SIGKILL", h.pid)
	}
}

func (h *Handle) watch(maxRuntime, firstOutputTimeout time.Duration) {
	var runtimeC, outputC <-chan time.Time
	if maxRuntime > 0 {
		t := time.NewTimer(maxRuntime)
		defer t.Stop()
		runtimeC = t.C
	}
	firstOutput := h.firstOutput
	if firstOutputTimeout > 0 {
		t := time.NewTimer(firstOutputTimeout)
		defer t.Stop()
		outputC = t.C
	} else {
		firstOutput = nil
	}

	for {
		select {
		case <-h.done:
			return
		case <-firstOutput:
			firstOutput, outputC = nil, nil
		case <-runtimeC:
			h.logger.Warn("max runtime exceeded, stopping process", zap.Duration("max_runtime", maxRuntime))
			_ = h.terminate(context.Background(), TerminationMaxRuntime)
			return
		case <-outputC:
			h.logger.Warn("no output before timeout, stopping process", zap.Duration("timeout", firstOutputTimeout))
			_ = h.terminate(context.Background(), TerminationNoOutput)
			return
		}
	}
}

func (h *Handle) onChunk(chunk Chunk) {
	<-h.started
	switch chunk.Stream {
	case StreamStdout:
		h.firstOutputOnce.Do(func() { close(h.firstOutput) })
	case StreamStderr:
		h.stderrTail.add(chunk.Data)
	}
	h.buffer.append(chunk)
	h.observer.OnOutput(chunk)
}
