package process

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh and POSIX signals")
	}
}

// recorder captures observer callbacks in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []string
	chunks []Chunk
	exit   Exit
	ready  chan struct{}
	once   sync.Once
	exited chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ready: make(chan struct{}), exited: make(chan struct{})}
}

func (r *recorder) OnStarted(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "started")
}

func (r *recorder) OnOutput(chunk Chunk) {
	r.mu.Lock()
	r.events = append(r.events, "output")
	r.chunks = append(r.chunks, chunk)
	r.mu.Unlock()
	if chunk.Data == "ready" {
		r.once.Do(func() { close(r.ready) })
	}
}

func (r *recorder) OnExit(exit Exit) {
	r.mu.Lock()
	r.events = append(r.events, "exit")
	r.exit = exit
	r.mu.Unlock()
	close(r.exited)
}

func (r *recorder) lines(stream Stream) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.chunks {
		if c.Stream == stream {
			out = append(out, c.Data)
		}
	}
	return out
}

func (r *recorder) waitExit(t *testing.T) Exit {
	t.Helper()
	select {
	case <-r.exited:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit in time")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exit
}

func (r *recorder) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-r.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("process never printed ready")
	}
}

func startShell(t *testing.T, sup *Supervisor, script string, rec *recorder, mutate ...func(*StartRequest)) *Handle {
	t.Helper()
	req := StartRequest{
		SessionID: "session-1",
		Binary:    "/bin/sh",
		Args:      []string{"-c", script},
		Observer:  rec,
	}
	for _, m := range mutate {
		m(&req)
	}
	h, err := sup.Start(context.Background(), req)
	require.NoError(t, err)
	return h
}

func TestRingBufferTrimsOldest(t *testing.T) {
	buffer := newRingBuffer(10)
	buffer.append(Chunk{Stream: StreamStdout, Data: "hello", Timestamp: time.Now()})
	buffer.append(Chunk{Stream: StreamStdout, Data: "world", Timestamp: time.Now()})
	buffer.append(Chunk{Stream: StreamStderr, Data: "!!!", Timestamp: time.Now()})

	combined := ""
	for _, chunk := range buffer.snapshot() {
		combined += chunk.Data
	}
	if strings.Contains(combined, "hello") {
		t.Fatalf("expected oldest chunk to be trimmed, got %q", combined)
	}
	if !strings.Contains(combined, "world!!!") {
		t.Fatalf("expected newer chunks to remain, got %q", combined)
	}
}

func TestLineTailKeepsLastLines(t *testing.T) {
	tail := newLineTail(2)
	tail.add("a")
	tail.add("b")
	tail.add("c")
	assert.Equal(t, []string{"b", "c"}, tail.snapshot())
}

func TestLineWriterSplitsAcrossWrites(t *testing.T) {
	var got []string
	w := newLineWriter(StreamStdout, func(c Chunk) { got = append(got, c.Data) })

	_, _ = w.Write([]byte("ab"))
	_, _ = w.Write([]byte("c\nde\r\n"))
	_, _ = w.Write([]byte("f"))
	assert.Equal(t, []string{"abc", "de"}, got)

	w.flush()
	assert.Equal(t, []string{"abc", "de", "f"}, got)
}

func TestMergeEnvFiltersNpmVariables(t *testing.T) {
	t.Setenv("npm_config_prefix", "/tmp/npm")
	t.Setenv("OPCODE_TEST_KEEP", "1")

	env := mergeEnv(map[string]string{"OPCODE_TEST_EXTRA": "2"})
	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "npm_config_prefix=")
	assert.Contains(t, env, "OPCODE_TEST_KEEP=1")
	assert.Contains(t, env, "OPCODE_TEST_EXTRA=2")
}

func TestSupervisorDeliversOutputBeforeExit(t *testing.T) {
	skipOnWindows(t)
	sup := NewSupervisor(newTestLogger(t), Options{})
	rec := newRecorder()
	h := startShell(t, sup, "echo one; echo two >&2; echo three; exit 3", rec)

	exit := rec.waitExit(t)
	<-h.Done()

	assert.Equal(t, []string{"one", "three"}, rec.lines(StreamStdout))
	assert.Equal(t, []string{"two"}, rec.lines(StreamStderr))
	assert.Equal(t, 3, exit.Code)
	assert.False(t, exit.Success())
	assert.False(t, exit.Cancelled())
	assert.Equal(t, []string{"two"}, exit.StderrTail)
	assert.Contains(t, exit.Describe(), "exit code 3")

	rec.mu.Lock()
	events := append([]string(nil), rec.events...)
	rec.mu.Unlock()
	assert.Equal(t, "started", events[0])
	assert.Equal(t, "exit", events[len(events)-1])
	assert.Equal(t, 0, sup.Running())

	got, ok := h.Exit()
	require.True(t, ok)
	assert.Equal(t, 3, got.Code)
}

func TestSupervisorSuccessfulExit(t *testing.T) {
	skipOnWindows(t)
	sup := NewSupervisor(newTestLogger(t), Options{})
	rec := newRecorder()
	dir := t.TempDir()
	startShell(t, sup, "pwd; printf 'partial'", rec, func(r *StartRequest) { r.WorkingDir = dir })

	exit := rec.waitExit(t)
	assert.True(t, exit.Success())
	lines := rec.lines(StreamStdout)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], dir[strings.LastIndex(dir, string(os.PathSeparator))+1:])
	assert.Equal(t, "partial", lines[1])
}

func TestSupervisorSpawnFailure(t *testing.T) {
	sup := NewSupervisor(newTestLogger(t), Options{})
	rec := newRecorder()
	_, err := sup.Start(context.Background(), StartRequest{
		SessionID: "s",
		Binary:    "/nonexistent/engine-binary",
		Observer:  rec,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSpawnFailed))
	assert.Empty(t, rec.events)
}

func TestCancelStopsProcessGracefully(t *testing.T) {
	skipOnWindows(t)
	sup := NewSupervisor(newTestLogger(t), Options{GracePeriod: 2 * time.Second})
	rec := newRecorder()
	h := startShell(t, sup, "echo ready; sleep 30", rec)
	rec.waitReady(t)

	require.NoError(t, h.Cancel(context.Background()))
	exit := rec.waitExit(t)
	assert.Equal(t, TerminationCancel, exit.Termination)
	assert.True(t, exit.Cancelled())
	assert.False(t, exit.Forced)

	// Cancelling an exited process is a no-op.
	assert.NoError(t, h.Cancel(context.Background()))
}

func TestCancelEscalatesToSIGKILL(t *testing.T) {
	skipOnWindows(t)
	sup := NewSupervisor(newTestLogger(t), Options{GracePeriod: 200 * time.Millisecond})
	rec := newRecorder()
	h := startShell(t, sup, "trap '' TERM; echo ready; sleep 30", rec)
	rec.waitReady(t)

	err := h.Cancel(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCancelTimedOut))

	exit := rec.waitExit(t)
	assert.True(t, exit.Forced)
	assert.Equal(t, "killed", exit.Signal)
	assert.Equal(t, 137, exit.Code)
}

func TestConcurrentCancelIsSafe(t *testing.T) {
	skipOnWindows(t)
	sup := NewSupervisor(newTestLogger(t), Options{})
	rec := newRecorder()
	h := startShell(t, sup, "echo ready; sleep 30", rec)
	rec.waitReady(t)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.Cancel(context.Background())
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	rec.waitExit(t)
}

func TestMaxRuntimeStopsProcess(t *testing.T) {
	skipOnWindows(t)
	sup := NewSupervisor(newTestLogger(t), Options{})
	rec := newRecorder()
	startShell(t, sup, "echo started; sleep 30", rec, func(r *StartRequest) {
		r.MaxRuntime = 200 * time.Millisecond
	})

	exit := rec.waitExit(t)
	assert.Equal(t, TerminationMaxRuntime, exit.Termination)
	assert.True(t, exit.Cancelled())
	assert.Contains(t, exit.Describe(), "max runtime exceeded")
}

func TestFirstOutputTimeoutFailsSilentProcess(t *testing.T) {
	skipOnWindows(t)
	sup := NewSupervisor(newTestLogger(t), Options{})
	rec := newRecorder()
	startShell(t, sup, "sleep 30", rec, func(r *StartRequest) {
		r.FirstOutputTimeout = 200 * time.Millisecond
	})

	exit := rec.waitExit(t)
	assert.Equal(t, TerminationNoOutput, exit.Termination)
	assert.False(t, exit.Cancelled())
	assert.False(t, exit.Success())
}

func TestStopAllCancelsEveryProcess(t *testing.T) {
	skipOnWindows(t)
	sup := NewSupervisor(newTestLogger(t), Options{})
	recs := []*recorder{newRecorder(), newRecorder()}
	for _, rec := range recs {
		startShell(t, sup, "echo ready; sleep 30", rec)
		rec.waitReady(t)
	}
	assert.Equal(t, 2, sup.Running())

	require.NoError(t, sup.StopAll(context.Background()))
	for _, rec := range recs {
		assert.Equal(t, TerminationCancel, rec.waitExit(t).Termination)
	}
	assert.Equal(t, 0, sup.Running())
}
