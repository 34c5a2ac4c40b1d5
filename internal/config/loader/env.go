package loader

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultEnvPrefix is the prefix of environment overrides.
const DefaultEnvPrefix = "REMOTEDBG_"

// EnvLoader loads configuration from environment variables.
//
// Variables named in the mapping go to their mapped path. Any other
// variable carrying the prefix maps its first word to the section and the
// remaining words, joined by underscores, to the key:
// REMOTEDBG_RESTART_MAX_FAILURES becomes restart.max_failures.
type EnvLoader struct {
	prefix  string
	mapping map[string]string
	environ func() []string
}

// NewEnvLoader creates an environment loader. The prefix includes its
// trailing underscore.
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: defaultEnvMapping(prefix),
		environ: os.Environ,
	}
}

// defaultEnvMapping covers settings whose path is deeper than section.key.
func defaultEnvMapping(prefix string) map[string]string {
	return map[string]string{
		prefix + "ADAPTER":      "session.adapter.type",
		prefix + "PROGRAM":      "session.adapter.program",
		prefix + "ARGS":         "session.adapter.args",
		prefix + "ADAPTER_HOST": "session.adapter.host",
		prefix + "ADAPTER_PORT": "session.adapter.port",
		prefix + "ADAPTER_PATH": "session.adapter.path",
		prefix + "LOG_LEVEL":    "logging.level",
	}
}

// AddMapping maps envVar to a dot-separated config path.
func (l *EnvLoader) AddMapping(envVar, path string) {
	l.mapping[envVar] = path
}

// Load collects every prefixed variable. Empty values count as set.
func (l *EnvLoader) Load() (map[string]any, error) {
	out := make(map[string]any)
	for _, kv := range l.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) {
			continue
		}
		path, mapped := l.mapping[name]
		if !mapped {
			path = l.envToPath(name)
		}
		if path == "" {
			continue
		}
		setByPath(out, path, parseValue(value))
	}
	return out, nil
}

func (l *EnvLoader) envToPath(name string) string {
	section, key, ok := strings.Cut(strings.TrimPrefix(name, l.prefix), "_")
	if !ok || section == "" || key == "" {
		return ""
	}
	return strings.ToLower(section) + "." + strings.ToLower(key)
}

// parseValue turns an environment string into the most specific scalar it
// spells. JSON arrays and objects are decoded.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "":
		return s
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return s
}

func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
