package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPython_Command(t *testing.T) {
	a, err := NewPythonWithOptions(Target{Program: "app.py", Port: 5678}, PythonOptions{Interpreter: "/usr/bin/python3"})
	require.NoError(t, err)

	cmd, err := a.Command("/work")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/python3", "-m", "debugpy.adapter", "--host", "127.0.0.1", "--port", "5678"}, cmd.Args)
	assert.Equal(t, ConnSocket, a.Connection())
}

func TestPython_ModuleLaunch(t *testing.T) {
	a, err := NewPythonWithOptions(Target{}, PythonOptions{Module: "pytest"})
	require.NoError(t, err)
	require.NoError(t, a.Validate())

	req, args, err := a.Request("/work")
	require.NoError(t, err)
	assert.Equal(t, RequestLaunch, req)
	assert.Equal(t, "pytest", args["module"])
	assert.NotContains(t, args, "program")
	assert.Equal(t, "python", args["type"])
	assert.Equal(t, true, args["redirectOutput"])
}

func TestPython_AttachConnect(t *testing.T) {
	a, err := NewPythonWithOptions(Target{Request: RequestAttach, Host: "10.0.0.2", Port: 5678}, PythonOptions{
		PathMappings: map[string]string{"/home/me/app": "/srv/app"},
	})
	require.NoError(t, err)

	req, args, err := a.Request("")
	require.NoError(t, err)
	assert.Equal(t, RequestAttach, req)
	assert.Equal(t, map[string]any{"host": "10.0.0.2", "port": 5678}, args["connect"])
	assert.Equal(t, []map[string]string{{"localRoot": "/home/me/app", "remoteRoot": "/srv/app"}}, args["pathMappings"])
}

func TestPython_DefaultsToJustMyCode(t *testing.T) {
	a, err := NewPython(Target{Program: "app.py"})
	require.NoError(t, err)
	_, args, err := a.Request("")
	require.NoError(t, err)
	assert.Equal(t, true, args["justMyCode"])
	assert.Equal(t, ConnStdio, a.Connection())
}
