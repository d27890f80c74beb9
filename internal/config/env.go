package config

import (
	"strings"

	"go.yaml.in/yaml/v3"
)

// EnvPrefix marks environment variables that override config keys, e.g.
// AI_GATEWAY__SERVER__PORT=9000. Double underscores separate nesting
// levels; single underscores inside a segment convert to kebab-case
// (SHUTDOWN_TIMEOUT -> shutdown-timeout).
const EnvPrefix = "AI_GATEWAY__"

func applyEnvOverrides(raw map[string]any, environ []string) {
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		segs := strings.Split(strings.TrimPrefix(key, EnvPrefix), "__")
		path := make([]string, 0, len(segs))
		for _, seg := range segs {
			if seg == "" {
				continue
			}
			path = append(path, strings.ReplaceAll(strings.ToLower(seg), "_", "-"))
		}
		if len(path) == 0 {
			continue
		}
		setPath(raw, path, parseScalar(val))
	}
}

func setPath(m map[string]any, path []string, v any) {
	for _, seg := range path[:len(path)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

// parseScalar interprets the value as a YAML scalar so "9000" becomes an
// int and "true" a bool; anything unparseable stays a string.
func parseScalar(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	return v
}
