package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/dshills/remotedbg/internal/integration/debug"
)

// noReply makes a handler leave a request unanswered.
var noReply = &struct{}{}

// reqHandler answers a request. Returning a non-nil error sends a failed
// response carrying its text.
type reqHandler func(args json.RawMessage) (any, error)

// fakeAdapter is the adapter end of a net.Pipe speaking DAP.
type fakeAdapter struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	seq int

	mu        sync.Mutex
	handlers  map[string]reqHandler
	requests  []incoming
	responses []incoming
	caps      godap.Capabilities
}

func newFakeAdapter(t *testing.T) (*fakeAdapter, Transport) {
	t.Helper()
	server, client := net.Pipe()
	f := &fakeAdapter{
		t:        t,
		conn:     server,
		r:        bufio.NewReader(server),
		handlers: make(map[string]reqHandler),
		caps:     godap.Capabilities{SupportsConfigurationDoneRequest: true},
	}
	go f.run()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return f, NewSocketTransport(client)
}

func (f *fakeAdapter) handle(command string, h reqHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[command] = h
}

func (f *fakeAdapter) run() {
	for {
		content, err := godap.ReadBaseMessage(f.r)
		if err != nil {
			return
		}
		var msg incoming
		if err := json.Unmarshal(content, &msg); err != nil {
			continue
		}
		if msg.Type == "response" {
			f.mu.Lock()
			f.responses = append(f.responses, msg)
			f.mu.Unlock()
			continue
		}

		f.mu.Lock()
		f.requests = append(f.requests, msg)
		h := f.handlers[msg.Command]
		caps := f.caps
		f.mu.Unlock()

		switch {
		case h != nil:
			body, err := h(msg.Arguments)
			if body == noReply {
				continue
			}
			f.reply(msg, body, err)
		case msg.Command == "initialize":
			f.reply(msg, caps, nil)
			f.event("initialized", nil)
		case msg.Command == "pause":
			var args godap.PauseArguments
			_ = json.Unmarshal(msg.Arguments, &args)
			f.reply(msg, nil, nil)
			f.event("stopped", godap.StoppedEventBody{Reason: "pause", ThreadId: args.ThreadId, AllThreadsStopped: true})
		default:
			f.reply(msg, nil, nil)
		}
	}
}

func (f *fakeAdapter) write(v any) {
	content, err := json.Marshal(v)
	require.NoError(f.t, err)
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_ = godap.WriteBaseMessage(f.conn, content)
}

func (f *fakeAdapter) nextSeq() int {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.seq++
	return f.seq
}

func (f *fakeAdapter) reply(req incoming, body any, err error) {
	r := reply{Response: godap.Response{
		ProtocolMessage: godap.ProtocolMessage{Seq: f.nextSeq(), Type: "response"},
		RequestSeq:      req.Seq,
		Success:         err == nil,
		Command:         req.Command,
	}}
	if err != nil {
		r.Message = "failed"
		r.Body = godap.ErrorResponseBody{Error: &godap.ErrorMessage{Id: 1, Format: err.Error()}}
	} else {
		r.Body = body
	}
	f.write(r)
}

func (f *fakeAdapter) event(name string, body any) {
	f.write(struct {
		godap.Event
		Body any `json:"body,omitempty"`
	}{
		Event: godap.Event{
			ProtocolMessage: godap.ProtocolMessage{Seq: f.nextSeq(), Type: "event"},
			Event:           name,
		},
		Body: body,
	})
}

func (f *fakeAdapter) reverseRequest(command string) {
	f.write(godap.Request{
		ProtocolMessage: godap.ProtocolMessage{Seq: f.nextSeq(), Type: "request"},
		Command:         command,
	})
}

func (f *fakeAdapter) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Command
	}
	return out
}

func (f *fakeAdapter) lastArgs(command string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Command == command {
			return f.requests[i].Arguments
		}
	}
	return nil
}

func (f *fakeAdapter) count(command string) int {
	n := 0
	for _, c := range f.commands() {
		if c == command {
			n++
		}
	}
	return n
}

// startSession opens a session against f and consumes the ready set.
func startSession(t *testing.T, f *fakeAdapter, tr Transport) *Session {
	t.Helper()
	s := NewSession(tr, Options{CallTimeout: time.Second})
	t.Cleanup(func() { _ = s.client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx, "fake", "launch", map[string]any{"program": "app"}))

	set := nextSet(t, s)
	require.True(t, set.Has(debug.EventVMStart))
	require.True(t, set.Has(debug.EventClassPrepare))
	return s
}

func nextSet(t *testing.T, s *Session) *debug.EventSet {
	t.Helper()
	select {
	case set, ok := <-s.EventSets():
		require.True(t, ok, "event stream closed")
		return set
	case <-time.After(2 * time.Second):
		t.Fatal("no event set delivered")
		return nil
	}
}
