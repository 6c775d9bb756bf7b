package execution

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/winfunc/opcode-sub004/internal/engine"
)

// Spawn is a process the dispatcher is about to start.
type Spawn struct {
	SessionID  string
	Engine     engine.ID
	Argv       []string
	WorkingDir string
}

// Decision is a permission policy verdict.
type Decision struct {
	Allow  bool
	Reason string
}

// Allow permits a spawn.
func Allow() Decision { return Decision{Allow: true} }

// Deny refuses a spawn with a reason shown to the caller.
func Deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// PermissionPolicy is consulted before every spawn. A Deny stops the
// execution with ErrSpawnFailed.
type PermissionPolicy interface {
	Check(ctx context.Context, spawn Spawn) Decision
}

// PolicyFunc adapts a function to PermissionPolicy.
type PolicyFunc func(ctx context.Context, spawn Spawn) Decision

func (f PolicyFunc) Check(ctx context.Context, spawn Spawn) Decision { return f(ctx, spawn) }

// AllowAll permits every spawn.
type AllowAll struct{}

func (AllowAll) Check(context.Context, Spawn) Decision { return Allow() }

// RootsPolicy only allows working directories inside one of Roots. An empty
// Roots list allows everything.
type RootsPolicy struct {
	Roots []string
}

// NewRootsPolicy cleans the configured roots. Relative roots are dropped.
func NewRootsPolicy(roots []string) RootsPolicy {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		r = strings.TrimSpace(r)
		if r == "" || !filepath.IsAbs(r) {
			continue
		}
		out = append(out, filepath.Clean(r))
	}
	return RootsPolicy{Roots: out}
}

func (p RootsPolicy) Check(_ context.Context, spawn Spawn) Decision {
	if len(p.Roots) == 0 {
		return Allow()
	}
	dir := filepath.Clean(spawn.WorkingDir)
	for _, root := range p.Roots {
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return Allow()
		}
	}
	return Deny("working directory %s is outside the allowed roots", dir)
}
