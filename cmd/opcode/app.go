package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	agentservice "github.com/winfunc/opcode-sub004/internal/agent/service"
	agentstore "github.com/winfunc/opcode-sub004/internal/agent/store"
	"github.com/winfunc/opcode-sub004/internal/checkpoint"
	checkpointstore "github.com/winfunc/opcode-sub004/internal/checkpoint/store"
	"github.com/winfunc/opcode-sub004/internal/common/config"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/db"
	"github.com/winfunc/opcode-sub004/internal/engine"
	"github.com/winfunc/opcode-sub004/internal/events"
	"github.com/winfunc/opcode-sub004/internal/execution"
	"github.com/winfunc/opcode-sub004/internal/persistence"
	"github.com/winfunc/opcode-sub004/internal/process"
	"github.com/winfunc/opcode-sub004/internal/session"
	"github.com/winfunc/opcode-sub004/internal/transcript"
)

// app holds the wired services shared by the subcommands.
type app struct {
	cfg         *config.Config
	log         *logger.Logger
	pool        *db.Pool
	locator     *engine.Discovery
	registry    *session.Registry
	events      *events.ProvidedBus
	transcripts *transcript.Store
	supervisor  *process.Supervisor
	checkpoints *checkpoint.Service
	dispatcher  *execution.Dispatcher
	agents      *agentservice.Service

	cleanups []func() error
}

// loadConfigAndLogger loads configuration and installs the default logger.
// With keepStdout set, logs that would go to stdout go to stderr instead so
// engine output stays clean.
func loadConfigAndLogger(configPath string, keepStdout bool) (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if keepStdout && (cfg.Logging.OutputPath == "" || cfg.Logging.OutputPath == "stdout") {
		cfg.Logging.OutputPath = "stderr"
	}
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return cfg, log, nil
}

// newApp opens storage and builds the execution stack. Close releases
// everything in reverse order.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	for _, dir := range []string{cfg.Checkpoint.DataDir, filepath.Dir(cfg.Transcript.Path)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	pool, cleanup, err := persistence.Provide(cfg, log)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.cleanups = append(a.cleanups, cleanup)

	a.transcripts, err = transcript.Open(cfg.Transcript.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript store: %w", err)
	}
	a.cleanups = append(a.cleanups, a.transcripts.Close)

	a.registry = session.NewRegistry()
	a.events, cleanup, err = events.Provide(cfg, log, a.registry.Lookup)
	if err != nil {
		return nil, err
	}
	a.cleanups = append(a.cleanups, cleanup)

	cpRepo, err := checkpointstore.NewWithDB(ctx, pool.Writer(), pool.Reader())
	if err != nil {
		return nil, err
	}
	agentRepo, err := agentstore.NewWithDB(ctx, pool.Writer(), pool.Reader())
	if err != nil {
		return nil, err
	}

	policy, err := checkpoint.NewPolicy(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	a.locator = engine.NewDiscovery(
		engine.WithOverride(map[engine.ID]string{
			engine.Claude:    cfg.Engines.Claude.Binary,
			engine.Aider:     cfg.Engines.Aider.Binary,
			engine.OpenCodex: cfg.Engines.OpenCodex.Binary,
		}),
		engine.WithCommand(),
		engine.WithStandardPaths(),
	)
	a.supervisor = process.NewSupervisor(log, process.Options{
		GracePeriod:       cfg.Execution.GracePeriod,
		OutputBufferBytes: cfg.Execution.OutputBufferBytes,
		StderrTailLines:   cfg.Execution.StderrTailLines,
	})
	a.cleanups = append(a.cleanups, stopProcesses(a.supervisor, log, cfg.Execution.GracePeriod))
	a.checkpoints = checkpoint.NewService(cpRepo, a.transcripts, a.registry, checkpoint.Options{
		DataDir:      cfg.Checkpoint.DataDir,
		Ignore:       cfg.Checkpoint.Ignore,
		MaxFileBytes: cfg.Checkpoint.MaxFileBytes,
		Policy:       policy,
	}, log)

	var permission execution.PermissionPolicy = execution.AllowAll{}
	if len(cfg.Policy.AllowedRoots) > 0 {
		permission = execution.NewRootsPolicy(cfg.Policy.AllowedRoots)
	}
	a.dispatcher = execution.NewDispatcher(
		a.locator,
		permission,
		a.supervisor,
		a.registry,
		a.events.Bus,
		a.transcripts,
		a.checkpoints,
		execution.Options{
			MaxRuntime:         cfg.Execution.MaxRuntime,
			FirstOutputTimeout: cfg.Execution.FirstOutputTimeout,
			ExtraArgs: map[engine.ID][]string{
				engine.Claude:    cfg.Engines.Claude.ExtraArgs,
				engine.Aider:     cfg.Engines.Aider.ExtraArgs,
				engine.OpenCodex: cfg.Engines.OpenCodex.ExtraArgs,
			},
		},
		log,
	)

	a.agents = agentservice.NewService(agentRepo, a.dispatcher, log)
	a.dispatcher.AddListener(a.agents)

	log.Info("Execution stack initialized",
		zap.String("checkpoint_policy", cfg.Checkpoint.Policy),
		zap.Bool("nats", a.events.NATS != nil),
		zap.Int("allowed_roots", len(cfg.Policy.AllowedRoots)))
	return a, nil
}

// Close runs the cleanups in reverse order of acquisition.
// stopProcesses returns a cleanup that kills any child the dispatcher did not
// already stop, so no engine outlives the process that spawned it.
func stopProcesses(sup *process.Supervisor, log *logger.Logger, grace time.Duration) func() error {
	return func() error {
		n := sup.Running()
		if n == 0 {
			return nil
		}
		log.Warn("Stopping leftover engine processes", zap.Int("count", n))
		ctx, cancel := context.WithTimeout(context.Background(), 2*grace+5*time.Second)
		defer cancel()
		return sup.StopAll(ctx)
	}
}

func (a *app) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			a.log.Warn("Cleanup failed", zap.Error(err))
		}
	}
	a.cleanups = nil
}
