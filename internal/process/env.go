package process

import (
	"os"
	"slices"
	"strings"
)

// inheritedNoise lists parent variables an engine child never receives.
// npx-installed engines warn about npm lifecycle state on every start.
var inheritedNoise = []string{"npm_config_", "npm_package_", "npm_lifecycle_", "npm_execpath", "npm_node_execpath"}

// mergeEnv returns the child environment: the parent's, minus inheritedNoise,
// with overrides applied on top. The result is sorted by key.
func mergeEnv(overrides map[string]string) []string {
	vars := make(map[string]string, len(overrides)+64)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" || isNoise(key) {
			continue
		}
		vars[key] = value
	}
	for key, value := range overrides {
		vars[key] = value
	}

	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = key + "=" + vars[key]
	}
	return out
}

func isNoise(key string) bool {
	return slices.ContainsFunc(inheritedNoise, func(prefix string) bool {
		return strings.HasPrefix(key, prefix)
	})
}
