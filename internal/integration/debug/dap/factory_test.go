package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/remotedbg/internal/integration/debug"
	"github.com/dshills/remotedbg/internal/integration/debug/adapters"
	"github.com/dshills/remotedbg/internal/integration/process"
)

const helperEnv = "REMOTEDBG_HELPER_ADAPTER"

// helperAdapter re-executes the test binary as a stdio DAP adapter.
type helperAdapter struct {
	exitCode string
}

func (h helperAdapter) Kind() adapters.Kind             { return "helper" }
func (h helperAdapter) Validate() error                 { return nil }
func (h helperAdapter) Connection() adapters.Connection { return adapters.ConnStdio }
func (h helperAdapter) Address() string                 { return "" }

func (h helperAdapter) Command(workingDir string) (*exec.Cmd, error) {
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperAdapter")
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), helperEnv+"=1", "HELPER_EXIT="+h.exitCode)
	return cmd, nil
}

func (h helperAdapter) Request(string) (string, map[string]any, error) {
	return adapters.RequestLaunch, map[string]any{"program": "demo"}, nil
}

// TestHelperAdapter is not a real test: it is the adapter process.
func TestHelperAdapter(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}

	r := bufio.NewReader(os.Stdin)
	seq := 0
	launched, configured, running := false, false, false
	send := func(v any) {
		b, _ := json.Marshal(v)
		_ = godap.WriteBaseMessage(os.Stdout, b)
	}
	for {
		content, err := godap.ReadBaseMessage(r)
		if err != nil {
			os.Exit(0)
		}
		var req godap.Request
		_ = json.Unmarshal(content, &req)
		seq++
		resp := reply{Response: godap.Response{
			ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "response"},
			RequestSeq:      req.Seq,
			Success:         true,
			Command:         req.Command,
		}}
		if req.Command == "initialize" {
			resp.Body = godap.Capabilities{SupportsConfigurationDoneRequest: true}
		}
		send(resp)

		switch req.Command {
		case "initialize":
			seq++
			send(godap.Event{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "event"}, Event: "initialized"})
		case "launch":
			launched = true
		case "configurationDone":
			configured = true
		case "disconnect":
			os.Exit(0)
		}
		if !launched || !configured || running {
			continue
		}
		running = true

		seq++
		send(struct {
			godap.Event
			Body godap.OutputEventBody `json:"body"`
		}{
			Event: godap.Event{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "event"}, Event: "output"},
			Body:  godap.OutputEventBody{Category: "stdout", Output: "target up\n"},
		})
		if code, err := strconv.Atoi(os.Getenv("HELPER_EXIT")); err == nil {
			seq++
			send(struct {
				godap.Event
				Body godap.ExitedEventBody `json:"body"`
			}{
				Event: godap.Event{ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "event"}, Event: "exited"},
				Body:  godap.ExitedEventBody{ExitCode: code},
			})
			os.Exit(0)
		}
	}
}

func openHelper(t *testing.T, h helperAdapter, sink *syncBuffer) (*Factory, debug.Session) {
	t.Helper()
	sup := process.NewSupervisor()
	t.Cleanup(func() { sup.Shutdown(time.Second) })

	f := NewFactory(h, sup, nil)
	f.CallTimeout = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := f.Open(ctx, t.TempDir(), sink)
	require.NoError(t, err)
	return f, s
}

func drain(t *testing.T, s debug.Session) []*debug.EventSet {
	t.Helper()
	var sets []*debug.EventSet
	timeout := time.After(10 * time.Second)
	for {
		select {
		case set, ok := <-s.EventSets():
			if !ok {
				return sets
			}
			sets = append(sets, set)
		case <-timeout:
			t.Fatal("event stream never closed")
		}
	}
}

func TestFactory_OpenAndClose(t *testing.T) {
	var sink syncBuffer
	_, s := openHelper(t, helperAdapter{}, &sink)

	first := <-s.EventSets()
	require.NotNil(t, first)
	assert.True(t, first.Has(debug.EventClassPrepare))
	assert.Equal(t, debug.DefaultSupportClass, first.Events[1].ClassName)

	require.NoError(t, s.Close())
	sets := drain(t, s)
	require.NotEmpty(t, sets)
	assert.True(t, sets[len(sets)-1].Has(debug.EventVMDisconnect))
	assert.Equal(t, debug.ExitForced, s.ExitStatus())
	assert.Contains(t, sink.String(), "target up")
}

func TestFactory_AdapterExits(t *testing.T) {
	var sink syncBuffer
	_, s := openHelper(t, helperAdapter{exitCode: "2"}, &sink)

	sets := drain(t, s)
	require.NotEmpty(t, sets)
	assert.True(t, sets[len(sets)-1].Has(debug.EventVMDisconnect))
	assert.Equal(t, debug.ExitError, s.ExitStatus())
}

func TestExitFromProcess(t *testing.T) {
	assert.Equal(t, debug.ExitNormal, exitFromProcess(process.ExitClean, false))
	assert.Equal(t, debug.ExitForced, exitFromProcess(process.ExitStopped, true))
	assert.Equal(t, debug.ExitError, exitFromProcess(process.ExitFailed, false))
	assert.Equal(t, debug.ExitException, exitFromProcess(process.ExitFailed, true))
	assert.Equal(t, debug.ExitUnknown, exitFromProcess(process.ExitSignaled, false))
}
