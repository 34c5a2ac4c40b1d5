// Package adapters turns a debug target description into the command that
// starts a Debug Adapter Protocol server and the arguments of the request
// that makes it launch or attach to the target.
package adapters

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
)

// Kind identifies a debug adapter.
type Kind string

const (
	// KindDelve is the Go debugger (dlv dap).
	KindDelve Kind = "delve"
	// KindPython is debugpy.
	KindPython Kind = "python"
	// KindNodeJS is the js-debug DAP server.
	KindNodeJS Kind = "nodejs"
)

// Connection is how the engine talks to a started adapter.
type Connection string

const (
	// ConnStdio speaks DAP over the adapter's stdin and stdout.
	ConnStdio Connection = "stdio"
	// ConnSocket dials the adapter once it listens on Address.
	ConnSocket Connection = "socket"
)

// Request kinds.
const (
	RequestLaunch = "launch"
	RequestAttach = "attach"
)

const defaultHost = "127.0.0.1"

// Sentinel errors.
var (
	ErrUnknownKind   = errors.New("unknown adapter kind")
	ErrInvalidTarget = errors.New("invalid debug target")
)

// Target describes what to debug and how to reach the adapter.
type Target struct {
	Kind        Kind              `json:"type" yaml:"type" mapstructure:"type"`
	Request     string            `json:"request" yaml:"request" mapstructure:"request"`
	Program     string            `json:"program,omitempty" yaml:"program" mapstructure:"program"`
	Args        []string          `json:"args,omitempty" yaml:"args" mapstructure:"args"`
	Cwd         string            `json:"cwd,omitempty" yaml:"cwd" mapstructure:"cwd"`
	Env         map[string]string `json:"env,omitempty" yaml:"env" mapstructure:"env"`
	StopOnEntry bool              `json:"stopOnEntry,omitempty" yaml:"stop_on_entry" mapstructure:"stop_on_entry"`

	// Host and Port select a socket connection when Port is set.
	Host string `json:"host,omitempty" yaml:"host" mapstructure:"host"`
	Port int    `json:"port,omitempty" yaml:"port" mapstructure:"port"`

	// ProcessID is the process an attach request targets.
	ProcessID int `json:"processId,omitempty" yaml:"process_id" mapstructure:"process_id"`

	// Path overrides the adapter executable (or script for js-debug).
	Path string `json:"path,omitempty" yaml:"path" mapstructure:"path"`
}

// Adapter builds the pieces the session factory needs to open a session.
type Adapter interface {
	Kind() Kind

	// Validate reports a target that cannot be launched or attached.
	Validate() error

	// Command returns the adapter process to start in workingDir.
	Command(workingDir string) (*exec.Cmd, error)

	// Connection reports how to reach the started adapter.
	Connection() Connection

	// Address is the dial address for ConnSocket adapters.
	Address() string

	// Request returns the request command and its arguments. The target
	// runs in workingDir unless it names its own cwd.
	Request(workingDir string) (string, map[string]any, error)
}

// Builder creates an Adapter for a target.
type Builder func(Target) (Adapter, error)

// Registry maps adapter kinds to builders.
type Registry struct {
	builders map[Kind]Builder
}

// NewRegistry returns a registry holding the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[Kind]Builder)}
	r.Register(KindDelve, NewDelve)
	r.Register(KindPython, NewPython)
	r.Register(KindNodeJS, NewNodeJS)
	return r
}

// Register adds or replaces the builder for kind.
func (r *Registry) Register(kind Kind, b Builder) {
	r.builders[kind] = b
}

// Create builds and validates an adapter for t.
func (r *Registry) Create(t Target) (Adapter, error) {
	b, ok := r.builders[t.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}
	a, err := b(t)
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Detect guesses the adapter kind from a program path.
func Detect(program string) (Kind, bool) {
	switch filepath.Ext(program) {
	case ".go":
		return KindDelve, true
	case ".py":
		return KindPython, true
	case ".js", ".mjs", ".cjs", ".ts":
		return KindNodeJS, true
	}
	return "", false
}

// validateRequest checks the fields every adapter needs.
func validateRequest(t Target) error {
	switch t.Request {
	case "", RequestLaunch:
		if t.Program == "" {
			return fmt.Errorf("%w: program is required for launch", ErrInvalidTarget)
		}
	case RequestAttach:
		if t.ProcessID == 0 && t.Port == 0 {
			return fmt.Errorf("%w: process id or port is required for attach", ErrInvalidTarget)
		}
	default:
		return fmt.Errorf("%w: request %q", ErrInvalidTarget, t.Request)
	}
	return nil
}

func requestOf(t Target) string {
	if t.Request == "" {
		return RequestLaunch
	}
	return t.Request
}

func hostOf(t Target) string {
	if t.Host == "" {
		return defaultHost
	}
	return t.Host
}

func addressOf(t Target) string {
	return net.JoinHostPort(hostOf(t), strconv.Itoa(t.Port))
}

// lookup resolves an executable, preferring an explicit override.
func lookup(override, name, hint string) (string, error) {
	if override != "" {
		return override, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH (%s): %w", name, hint, err)
	}
	return path, nil
}

// command builds an adapter process inheriting the environment plus env.
func command(path string, args []string, dir string, env map[string]string) *exec.Cmd {
	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	return cmd
}

// commonArgs fills the request arguments shared by all adapters.
func commonArgs(t Target, workingDir string) map[string]any {
	args := map[string]any{
		"stopOnEntry": t.StopOnEntry,
	}
	cwd := t.Cwd
	if cwd == "" {
		cwd = workingDir
	}
	if cwd != "" {
		args["cwd"] = cwd
	}
	if requestOf(t) == RequestLaunch {
		args["program"] = t.Program
		if len(t.Args) > 0 {
			args["args"] = t.Args
		}
		if len(t.Env) > 0 {
			args["env"] = t.Env
		}
	} else if t.ProcessID > 0 {
		args["processId"] = t.ProcessID
	}
	return args
}
