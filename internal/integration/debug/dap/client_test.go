package dap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Call(t *testing.T) {
	f, tr := newFakeAdapter(t)
	f.handle("threads", func(json.RawMessage) (any, error) {
		return godap.ThreadsResponseBody{Threads: []godap.Thread{{Id: 1, Name: "main"}}}, nil
	})

	c := NewClient(tr, nil, nil)
	defer c.Close()

	threads, err := c.Threads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []godap.Thread{{Id: 1, Name: "main"}}, threads)
}

func TestClient_ResponseError(t *testing.T) {
	f, tr := newFakeAdapter(t)
	f.handle("pause", func(json.RawMessage) (any, error) {
		return nil, errors.New("thread 7 not found")
	})

	c := NewClient(tr, nil, nil)
	defer c.Close()

	err := c.Pause(context.Background(), 7)
	var rerr *ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "pause", rerr.Command)
	assert.Equal(t, "thread 7 not found", rerr.Detail)
	assert.Contains(t, err.Error(), "pause failed")
}

func TestClient_CustomArguments(t *testing.T) {
	f, tr := newFakeAdapter(t)
	f.handle("addObject", func(args json.RawMessage) (any, error) {
		return map[string]int{"handle": 3}, nil
	})

	c := NewClient(tr, nil, nil)
	defer c.Close()

	var body struct {
		Handle int `json:"handle"`
	}
	require.NoError(t, c.Call(context.Background(), "addObject", []any{"list1", 42}, &body))
	assert.Equal(t, 3, body.Handle)
	assert.JSONEq(t, `["list1",42]`, string(f.lastArgs("addObject")))
}

func TestClient_ContextCancel(t *testing.T) {
	f, tr := newFakeAdapter(t)
	f.handle("threads", func(json.RawMessage) (any, error) { return noReply, nil })

	c := NewClient(tr, nil, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Threads(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_CloseFailsPending(t *testing.T) {
	f, tr := newFakeAdapter(t)
	f.handle("threads", func(json.RawMessage) (any, error) { return noReply, nil })

	c := NewClient(tr, nil, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Threads(context.Background())
		errc <- err
	}()

	require.Eventually(t, func() bool { return f.count("threads") == 1 }, time.Second, 5*time.Millisecond)
	_ = c.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not released")
	}
	assert.ErrorIs(t, c.Err(), ErrClientClosed)

	_, err := c.Threads(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_Events(t *testing.T) {
	f, tr := newFakeAdapter(t)

	got := make(chan string, 1)
	c := NewClient(tr, func(event string, body json.RawMessage) {
		var b godap.OutputEventBody
		_ = json.Unmarshal(body, &b)
		got <- event + ":" + b.Output
	}, nil)
	defer c.Close()

	f.event("output", godap.OutputEventBody{Category: "stdout", Output: "hi"})
	select {
	case s := <-got:
		assert.Equal(t, "output:hi", s)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestClient_DeclinesReverseRequests(t *testing.T) {
	f, tr := newFakeAdapter(t)
	c := NewClient(tr, nil, nil)
	defer c.Close()

	f.reverseRequest("runInTerminal")

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.responses) == 1
	}, time.Second, 5*time.Millisecond)

	f.mu.Lock()
	resp := f.responses[0]
	f.mu.Unlock()
	assert.Equal(t, "runInTerminal", resp.Command)
	assert.False(t, resp.Success)
}

func TestClient_AdapterHangUp(t *testing.T) {
	f, tr := newFakeAdapter(t)
	c := NewClient(tr, nil, nil)

	_ = f.conn.Close()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not notice hang up")
	}
	assert.ErrorIs(t, c.Err(), io.EOF)
}
