package adapters

import (
	"os/exec"
	"strconv"
)

const defaultNodePort = 8123

// NodeOptions are the js-debug specific settings.
type NodeOptions struct {
	SourceMaps bool
	OutFiles   []string
	SkipFiles  []string
}

// NodeJS drives the js-debug DAP server, which always listens on a socket.
type NodeJS struct {
	target Target
	opts   NodeOptions
}

// NewNodeJS builds a js-debug adapter with default options.
func NewNodeJS(t Target) (Adapter, error) {
	return NewNodeJSWithOptions(t, NodeOptions{SourceMaps: true, SkipFiles: []string{"<node_internals>/**"}})
}

// NewNodeJSWithOptions builds a js-debug adapter.
func NewNodeJSWithOptions(t Target, opts NodeOptions) (*NodeJS, error) {
	if t.Port == 0 {
		t.Port = defaultNodePort
	}
	return &NodeJS{target: t, opts: opts}, nil
}

func (n *NodeJS) Kind() Kind { return KindNodeJS }

func (n *NodeJS) Validate() error { return validateRequest(n.target) }

func (n *NodeJS) Command(workingDir string) (*exec.Cmd, error) {
	path, err := lookup(n.target.Path, "js-debug-adapter", "npm install -g @vscode/js-debug")
	if err != nil {
		return nil, err
	}
	args := []string{strconv.Itoa(n.target.Port), hostOf(n.target)}
	return command(path, args, workingDir, n.target.Env), nil
}

func (n *NodeJS) Connection() Connection { return ConnSocket }

func (n *NodeJS) Address() string { return addressOf(n.target) }

func (n *NodeJS) Request(workingDir string) (string, map[string]any, error) {
	req := requestOf(n.target)
	args := commonArgs(n.target, workingDir)
	args["type"] = "pwa-node"
	args["sourceMaps"] = n.opts.SourceMaps
	if len(n.opts.OutFiles) > 0 {
		args["outFiles"] = n.opts.OutFiles
	}
	if len(n.opts.SkipFiles) > 0 {
		args["skipFiles"] = n.opts.SkipFiles
	}
	return req, args, nil
}
