// Package engine builds argv and environment for the supported coding-agent binaries.
//
// The set of engines is closed: every engine is a variant of ID with its own
// definition in the builders table. Unknown identifiers fail with
// UnsupportedEngine and never fall back to the primary engine.
package engine

import (
	"sort"
	"strings"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
)

// ID identifies an engine.
type ID string

const (
	Claude    ID = "claude"
	Aider     ID = "aider"
	OpenCodex ID = "opencodex"
)

// Config carries the per-request values an engine builder needs.
type Config struct {
	ProjectPath  string
	Model        string
	SystemPrompt string
	ExtraArgs    []string
	Env          map[string]string
}

// Invocation is the result of building a command. Args excludes the binary.
type Invocation struct {
	Engine ID
	Binary string
	Args   []string
	Env    map[string]string
	Dir    string
}

// Argv returns the binary followed by its arguments.
func (i *Invocation) Argv() []string {
	return append([]string{i.Binary}, i.Args...)
}

// definition is the data that distinguishes one engine from another.
type definition struct {
	id          ID
	displayName string
	binary      string
	requiredEnv []string
	defaultEnv  map[string]string
	build       func(cfg Config, task string) *argv
}

var builders = map[ID]definition{
	Claude: {
		id:          Claude,
		displayName: "Claude Code",
		binary:      "claude",
		build:       buildClaude,
	},
	Aider: {
		id:          Aider,
		displayName: "Aider",
		binary:      "aider",
		requiredEnv: []string{"OPENROUTER_API_KEY"},
		build:       buildAider,
	},
	OpenCodex: {
		id:          OpenCodex,
		displayName: "OpenCodex",
		binary:      "opencodx",
		requiredEnv: []string{"OPENROUTER_API_KEY"},
		defaultEnv:  map[string]string{"OPENAI_BASE_URL": "https://openrouter.ai/api/v1"},
		build:       buildOpenCodex,
	},
}

// ParseID converts wire input into an engine ID. Lookup is case-insensitive.
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := builders[id]; !ok {
		return "", apperrors.UnsupportedEngine(s)
	}
	return id, nil
}

// All returns every supported engine in a stable order.
func All() []ID {
	ids := make([]ID, 0, len(builders))
	for id := range builders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DisplayName returns the human readable engine name.
func (id ID) DisplayName() string {
	if def, ok := builders[id]; ok {
		return def.displayName
	}
	return string(id)
}

// DefaultBinary returns the executable name looked up on PATH.
func (id ID) DefaultBinary() string {
	return builders[id].binary
}

// RequiredEnv lists the environment variables the engine needs at runtime.
func (id ID) RequiredEnv() []string {
	return append([]string(nil), builders[id].requiredEnv...)
}

// Build returns the invocation for running task on the given engine.
// The returned Binary is the engine's default executable name; callers
// substitute a discovered absolute path before spawning.
func Build(id ID, cfg Config, task string) (*Invocation, error) {
	def, ok := builders[id]
	if !ok {
		return nil, apperrors.UnsupportedEngine(string(id))
	}
	if err := sanitizeRequest(cfg, task); err != nil {
		return nil, err
	}

	env := make(map[string]string, len(def.defaultEnv)+len(cfg.Env))
	for k, v := range def.defaultEnv {
		env[k] = v
	}
	for k, v := range cfg.Env {
		env[k] = v
	}

	return &Invocation{
		Engine: id,
		Binary: def.binary,
		Args:   def.build(cfg, task).then(cfg.ExtraArgs),
		Env:    env,
		Dir:    cfg.ProjectPath,
	}, nil
}

func buildClaude(cfg Config, task string) *argv {
	return newArgv().
		option("-p", task).
		option("--system-prompt", cfg.SystemPrompt).
		option("--model", cfg.Model).
		switches("--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions")
}

// Aider routes every model through OpenRouter.
func buildAider(cfg Config, task string) *argv {
	model := cfg.Model
	if model != "" && !strings.HasPrefix(model, "openrouter/") {
		model = "openrouter/" + model
	}
	return newArgv().
		option("--message", task).
		option("--model", model).
		switches("--yes-always", "--no-pretty", "--no-stream")
}

func buildOpenCodex(cfg Config, task string) *argv {
	return newArgv("exec").
		option("--model", cfg.Model).
		switches("--json").
		positional(task)
}
