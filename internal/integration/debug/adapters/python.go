package adapters

import (
	"fmt"
	"os/exec"
	"strconv"
)

// PythonOptions are the debugpy-specific settings.
type PythonOptions struct {
	// Interpreter runs debugpy; python3 from PATH when empty.
	Interpreter string
	// Module is run with -m instead of Program.
	Module     string
	JustMyCode bool
	// PathMappings maps local roots to remote roots for attach.
	PathMappings map[string]string
}

// Python drives "python -m debugpy.adapter".
type Python struct {
	target Target
	opts   PythonOptions
}

// NewPython builds a debugpy adapter with default options.
func NewPython(t Target) (Adapter, error) {
	return NewPythonWithOptions(t, PythonOptions{JustMyCode: true})
}

// NewPythonWithOptions builds a debugpy adapter.
func NewPythonWithOptions(t Target, opts PythonOptions) (*Python, error) {
	if opts.Interpreter == "" {
		opts.Interpreter = t.Path
	}
	return &Python{target: t, opts: opts}, nil
}

func (p *Python) Kind() Kind { return KindPython }

func (p *Python) Validate() error {
	t := p.target
	if p.opts.Module != "" && requestOf(t) == RequestLaunch {
		// A module stands in for the program.
		t.Program = p.opts.Module
	}
	return validateRequest(t)
}

func (p *Python) Command(workingDir string) (*exec.Cmd, error) {
	path, err := lookup(p.opts.Interpreter, "python3", "install python3 and pip install debugpy")
	if err != nil {
		return nil, err
	}
	args := []string{"-m", "debugpy.adapter"}
	if p.target.Port > 0 {
		args = append(args, "--host", hostOf(p.target), "--port", strconv.Itoa(p.target.Port))
	}
	return command(path, args, workingDir, p.target.Env), nil
}

func (p *Python) Connection() Connection {
	if p.target.Port > 0 {
		return ConnSocket
	}
	return ConnStdio
}

func (p *Python) Address() string {
	if p.target.Port == 0 {
		return ""
	}
	return addressOf(p.target)
}

func (p *Python) Request(workingDir string) (string, map[string]any, error) {
	req := requestOf(p.target)
	args := commonArgs(p.target, workingDir)
	args["type"] = "python"
	args["justMyCode"] = p.opts.JustMyCode
	if req == RequestLaunch {
		if p.opts.Module != "" {
			delete(args, "program")
			args["module"] = p.opts.Module
		}
		args["console"] = "internalConsole"
		args["redirectOutput"] = true
		return req, args, nil
	}

	if p.target.ProcessID == 0 {
		args["connect"] = map[string]any{
			"host": hostOf(p.target),
			"port": p.target.Port,
		}
	}
	if len(p.opts.PathMappings) > 0 {
		mappings := make([]map[string]string, 0, len(p.opts.PathMappings))
		for _, m := range substitutions(p.opts.PathMappings) {
			mappings = append(mappings, map[string]string{"localRoot": m["from"], "remoteRoot": m["to"]})
		}
		args["pathMappings"] = mappings
	}
	return req, args, nil
}

func (p *Python) String() string {
	return fmt.Sprintf("debugpy(%s)", p.target.Program)
}
