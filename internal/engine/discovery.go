package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ErrBinaryNotFound is returned when no installation of an engine exists.
var ErrBinaryNotFound = errors.New("engine binary not found")

// Binary describes a discovered engine installation.
type Binary struct {
	Engine  ID     `json:"engine"`
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
	Source  string `json:"source"`
}

// Locator resolves an engine to an executable.
type Locator interface {
	Locate(ctx context.Context, id ID) (*Binary, error)
}

// Candidate is one place an engine binary may be installed.
type Candidate struct {
	Path   string
	Source string
}

// DetectOption yields candidate installations for an engine.
type DetectOption func(ctx context.Context, id ID) []Candidate

// WithOverride uses a configured path when set.
func WithOverride(paths map[ID]string) DetectOption {
	return func(ctx context.Context, id ID) []Candidate {
		if p := paths[id]; p != "" {
			return []Candidate{{Path: expandHomePath(p), Source: "config"}}
		}
		return nil
	}
}

// WithCommand checks the engine's binary name on PATH (exec.LookPath).
func WithCommand() DetectOption {
	return func(ctx context.Context, id ID) []Candidate {
		path, err := exec.LookPath(id.DefaultBinary())
		if err != nil {
			return nil
		}
		return []Candidate{{Path: path, Source: "path"}}
	}
}

// WithStandardPaths checks common install locations for the current OS.
func WithStandardPaths() DetectOption {
	return func(ctx context.Context, id ID) []Candidate {
		name := id.DefaultBinary()
		var dirs []string
		switch runtime.GOOS {
		case "windows":
			dirs = []string{"~/AppData/Roaming/npm", "~/.local/bin", "~/scoop/shims"}
			name += ".exe"
		case "darwin":
			dirs = []string{"~/.claude/local", "~/.local/bin", "/opt/homebrew/bin", "/usr/local/bin", "~/.npm-global/bin"}
		default:
			dirs = []string{"~/.claude/local", "~/.local/bin", "/usr/local/bin", "/usr/bin", "~/.npm-global/bin"}
		}
		out := make([]Candidate, 0, len(dirs))
		for _, dir := range dirs {
			if expanded := expandHomePath(dir); expanded != "" {
				out = append(out, Candidate{Path: filepath.Join(expanded, name), Source: "standard"})
			}
		}
		return out
	}
}

// Discovery finds engine binaries and caches the best installation per engine.
type Discovery struct {
	opts           []DetectOption
	versionTimeout time.Duration
	version        func(ctx context.Context, path string) string

	mu    sync.Mutex
	cache map[ID]*Binary
}

// NewDiscovery creates a Discovery. Without options it checks PATH and the
// standard install locations.
func NewDiscovery(opts ...DetectOption) *Discovery {
	if len(opts) == 0 {
		opts = []DetectOption{WithCommand(), WithStandardPaths()}
	}
	d := &Discovery{
		opts:           opts,
		versionTimeout: 5 * time.Second,
		cache:          make(map[ID]*Binary),
	}
	d.version = d.queryVersion
	return d
}

// Locate returns the best installation of the engine or ErrBinaryNotFound.
func (d *Discovery) Locate(ctx context.Context, id ID) (*Binary, error) {
	if _, ok := builders[id]; !ok {
		return nil, fmt.Errorf("%w: unknown engine %q", ErrBinaryNotFound, id)
	}

	d.mu.Lock()
	if b, ok := d.cache[id]; ok {
		d.mu.Unlock()
		return b, nil
	}
	d.mu.Unlock()

	var found []*Binary
	seen := make(map[string]bool)
	for _, opt := range d.opts {
		for _, c := range opt(ctx, id) {
			if c.Path == "" || seen[c.Path] || !isExecutable(c.Path) {
				continue
			}
			seen[c.Path] = true
			found = append(found, &Binary{
				Engine:  id,
				Path:    c.Path,
				Version: d.version(ctx, c.Path),
				Source:  c.Source,
			})
		}
	}

	best := selectBest(found)
	if best == nil {
		return nil, fmt.Errorf("%w: %s (install %s or set engines.%s.binary)", ErrBinaryNotFound, id, id.DefaultBinary(), id)
	}

	d.mu.Lock()
	d.cache[id] = best
	d.mu.Unlock()
	return best, nil
}

// Invalidate drops cached results so the next Locate searches again.
func (d *Discovery) Invalidate() {
	d.mu.Lock()
	d.cache = make(map[ID]*Binary)
	d.mu.Unlock()
}

func (d *Discovery) queryVersion(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, d.versionTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ""
	}
	return extractVersion(string(out))
}

// extractVersion returns the first whitespace separated token that contains
// both a dot and a digit, e.g. "1.0.17" from "1.0.17 (Claude Code)".
func extractVersion(output string) string {
	for _, tok := range strings.Fields(output) {
		if strings.Contains(tok, ".") && strings.IndexFunc(tok, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0 {
			return strings.TrimPrefix(tok, "v")
		}
	}
	return ""
}

// selectBest prefers installations with a version, then the highest version.
// Equal candidates keep discovery order.
func selectBest(found []*Binary) *Binary {
	var best *Binary
	for _, b := range found {
		if best == nil {
			best = b
			continue
		}
		switch {
		case b.Version != "" && best.Version == "":
			best = b
		case b.Version != "" && best.Version != "" && compareVersions(b.Version, best.Version) > 0:
			best = b
		}
	}
	return best
}

// compareVersions compares with semver, falling back to numeric dot parts.
func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	pa, pb := numericParts(a), numericParts(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func numericParts(v string) []int {
	var out []int
	for _, part := range strings.Split(v, ".") {
		end := strings.IndexFunc(part, func(r rune) bool { return r < '0' || r > '9' })
		if end == 0 {
			continue
		}
		if end > 0 {
			part = part[:end]
		}
		n, err := strconv.Atoi(part)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

// expandHomePath expands ~ to the user's home directory.
func expandHomePath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(filepath.FromSlash(path))
}

// CheckRequiredEnv returns the names of required variables missing from
// both the process environment and extra.
func CheckRequiredEnv(id ID, extra map[string]string) []string {
	var missing []string
	for _, key := range id.RequiredEnv() {
		if strings.TrimSpace(extra[key]) != "" {
			continue
		}
		if strings.TrimSpace(os.Getenv(key)) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
