package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/events/bus"
	"github.com/winfunc/opcode-sub004/internal/execution"
	"github.com/winfunc/opcode-sub004/internal/session"
)

type runOptions struct {
	engine       string
	project      string
	task         string
	model        string
	sessionID    string
	systemPrompt string
}

func newRunCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one engine session and stream its output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), configPath(cmd), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.engine, "engine", "e", "claude", "Engine to run (claude, aider, opencodex)")
	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Absolute project directory")
	cmd.Flags().StringVarP(&opts.task, "task", "t", "", "Task prompt")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model override")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "Session id to use instead of a generated one")
	cmd.Flags().StringVar(&opts.systemPrompt, "system-prompt", "", "System prompt for engines that accept one")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// runSession executes one session in process, printing stdout events to out
// and stderr events to errOut. An interrupt cancels the session; the command
// returns once the terminal event arrives.
func runSession(parent context.Context, configDir string, opts runOptions, out, errOut io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, log, err := loadConfigAndLogger(configDir, true)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(parent, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID, err := a.dispatcher.Execute(parent, execution.Request{
		EngineID:     opts.engine,
		ProjectPath:  opts.project,
		Task:         opts.task,
		Model:        opts.model,
		SessionID:    opts.sessionID,
		SystemPrompt: opts.systemPrompt,
	})
	if err != nil {
		return err
	}
	log.Info("Session started", zap.String("session_id", sessionID))

	// History replay covers events published before the subscription.
	sub, err := a.events.Bus.Subscribe(sessionID, "cli-"+uuid.New().String())
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			fmt.Fprintln(errOut, "cancelling session...")
			cancelCtx, cancel := context.WithTimeout(context.Background(), cfg.Execution.GracePeriod+10*time.Second)
			err := a.dispatcher.Cancel(cancelCtx, sessionID)
			cancel()
			if err != nil && !errors.Is(err, apperrors.ErrCancelTimedOut) {
				return err
			}
			ctx = context.Background()
		case e, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return sessionResult(a, sessionID)
			}
			switch e.Kind {
			case bus.KindOutput:
				fmt.Fprintln(out, e.Payload)
			case bus.KindError:
				fmt.Fprintln(errOut, e.Payload)
			default:
				if e.Reason != "" {
					fmt.Fprintf(errOut, "session %s %s: %s\n", sessionID, e.Kind, e.Reason)
				}
			}
		}
	}
}

func sessionResult(a *app, sessionID string) error {
	s, err := a.dispatcher.Get(sessionID)
	if err != nil {
		return err
	}
	if s.Outcome != nil && s.Outcome.ExitCode != nil && *s.Outcome.ExitCode != 0 {
		return exitStatus(*s.Outcome.ExitCode)
	}
	if s.Status != session.StatusCompleted {
		return fmt.Errorf("session %s %s", sessionID, s.Status)
	}
	return nil
}
