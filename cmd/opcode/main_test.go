package main

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/engine"
	"github.com/winfunc/opcode-sub004/internal/process"
)

func TestRootCommandWiresSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "run", "engines"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestRunRequiresProjectAndTask(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"run", "--engine", "claude"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, exitCode(exitStatus(3)))
	assert.Equal(t, 1, exitCode(exitStatus(0)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestPrintEngines(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printEngines(&buf, []engineStatus{
		{ID: engine.Claude, Path: "/usr/bin/claude", Version: "1.0.17"},
		{ID: engine.Aider, Error: "not found"},
		{ID: engine.OpenCodex, Path: "/usr/bin/codex", MissingEnv: []string{"OPENAI_API_KEY"}},
	}))
	out := buf.String()
	assert.Contains(t, out, "ENGINE")
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "not installed")
	assert.Contains(t, out, "missing OPENAI_API_KEY")
}

func TestStopProcessesKillsLeftoverChildren(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	sup := process.NewSupervisor(logger.NewNop(), process.Options{GracePeriod: 200 * time.Millisecond})
	cleanup := stopProcesses(sup, logger.NewNop(), 200*time.Millisecond)
	require.NoError(t, cleanup(), "nothing to stop")

	h, err := sup.Start(context.Background(), process.StartRequest{
		SessionID: "orphan",
		Binary:    "/bin/sh",
		Args:      []string{"-c", "sleep 30"},
		Observer:  process.ObserverFuncs{},
	})
	require.NoError(t, err)
	require.Equal(t, 1, sup.Running())

	require.NoError(t, cleanup())
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process still alive after cleanup")
	}
	assert.Equal(t, 0, sup.Running())
}
