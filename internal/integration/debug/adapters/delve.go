package adapters

import (
	"fmt"
	"os/exec"
	"sort"
)

// DelveOptions are the dlv-specific launch settings.
type DelveOptions struct {
	// Mode is one of debug, test, exec, core or replay.
	Mode       string
	BuildFlags string
	Backend    string
	// Substitutions maps local path prefixes to remote ones.
	Substitutions map[string]string
}

// Delve drives "dlv dap".
type Delve struct {
	target Target
	opts   DelveOptions
}

// NewDelve builds a Delve adapter with default options.
func NewDelve(t Target) (Adapter, error) {
	return NewDelveWithOptions(t, DelveOptions{})
}

// NewDelveWithOptions builds a Delve adapter.
func NewDelveWithOptions(t Target, opts DelveOptions) (*Delve, error) {
	if opts.Mode == "" {
		opts.Mode = "debug"
	}
	return &Delve{target: t, opts: opts}, nil
}

func (d *Delve) Kind() Kind { return KindDelve }

func (d *Delve) Validate() error {
	if err := validateRequest(d.target); err != nil {
		return err
	}
	switch d.opts.Mode {
	case "debug", "test", "exec", "core", "replay":
		return nil
	}
	return fmt.Errorf("%w: delve mode %q", ErrInvalidTarget, d.opts.Mode)
}

func (d *Delve) Command(workingDir string) (*exec.Cmd, error) {
	path, err := lookup(d.target.Path, "dlv", "go install github.com/go-delve/delve/cmd/dlv@latest")
	if err != nil {
		return nil, err
	}
	args := []string{"dap"}
	if d.target.Port > 0 {
		args = append(args, "--listen", addressOf(d.target))
	}
	return command(path, args, workingDir, d.target.Env), nil
}

func (d *Delve) Connection() Connection {
	if d.target.Port > 0 {
		return ConnSocket
	}
	return ConnStdio
}

func (d *Delve) Address() string {
	if d.target.Port == 0 {
		return ""
	}
	return addressOf(d.target)
}

func (d *Delve) Request(workingDir string) (string, map[string]any, error) {
	req := requestOf(d.target)
	args := commonArgs(d.target, workingDir)
	if req == RequestAttach {
		args["mode"] = "local"
		if d.target.ProcessID == 0 {
			args["mode"] = "remote"
		}
	} else {
		args["mode"] = d.opts.Mode
		if d.opts.BuildFlags != "" {
			args["buildFlags"] = d.opts.BuildFlags
		}
		if d.opts.Backend != "" {
			args["backend"] = d.opts.Backend
		}
	}
	if subs := substitutions(d.opts.Substitutions); len(subs) > 0 {
		args["substitutePath"] = subs
	}
	return req, args, nil
}

func substitutions(m map[string]string) []map[string]string {
	from := make([]string, 0, len(m))
	for k := range m {
		from = append(from, k)
	}
	sort.Strings(from)
	subs := make([]map[string]string, 0, len(from))
	for _, k := range from {
		subs = append(subs, map[string]string{"from": k, "to": m[k]})
	}
	return subs
}
