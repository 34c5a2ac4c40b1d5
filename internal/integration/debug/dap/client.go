package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	godap "github.com/google/go-dap"
	"go.uber.org/zap"
)

// ErrClientClosed is returned for calls on a client whose transport is gone.
var ErrClientClosed = errors.New("dap client closed")

// ResponseError is a response with success=false.
type ResponseError struct {
	Command string
	Message string
	// Detail is the adapter's formatted error, when it sent one.
	Detail string
}

func (e *ResponseError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s failed: %s: %s", e.Command, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// EventHandler receives events on the client's receive goroutine. It must
// not block on client calls.
type EventHandler func(event string, body json.RawMessage)

// outgoing is a request with arbitrary arguments. go-dap's typed requests
// cannot carry custom commands.
type outgoing struct {
	godap.Request
	Arguments any `json:"arguments,omitempty"`
}

type reply struct {
	godap.Response
	Body any `json:"body,omitempty"`
}

// incoming decodes any message the adapter sends.
type incoming struct {
	godap.Response
	Event     string          `json:"event,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Client pairs requests with responses over a Transport and hands events to
// a handler.
type Client struct {
	transport Transport
	handler   EventHandler
	logger    *zap.Logger

	seq atomic.Int64

	mu      sync.Mutex
	pending map[int]chan *incoming
	stopped bool
	closing atomic.Bool

	done chan struct{}
	err  error
}

// NewClient starts reading from t. handler may be nil.
func NewClient(t Transport, handler EventHandler, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		transport: t,
		handler:   handler,
		logger:    logger,
		pending:   make(map[int]chan *incoming),
		done:      make(chan struct{}),
	}
	go c.receive()
	return c
}

// Done is closed when the transport has failed or been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client stopped. It is nil until Done is closed, and
// io.EOF when the adapter hung up.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the transport and waits for the receive loop to finish.
func (c *Client) Close() error {
	c.closing.Store(true)
	err := c.transport.Close()
	<-c.done
	return err
}

func (c *Client) receive() {
	var err error
	for {
		var content []byte
		content, err = c.transport.Receive()
		if err != nil {
			break
		}
		c.handle(content)
	}

	if c.closing.Load() {
		err = ErrClientClosed
	}
	c.mu.Lock()
	c.stopped = true
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if !errors.Is(err, io.EOF) && !errors.Is(err, ErrClientClosed) {
		c.logger.Warn("dap receive failed", zap.Error(err))
	}
	c.err = err
	close(c.done)
}

func (c *Client) handle(content []byte) {
	var msg incoming
	if err := json.Unmarshal(content, &msg); err != nil {
		c.logger.Warn("undecodable dap message", zap.Error(err), zap.ByteString("content", content))
		return
	}

	switch msg.Type {
	case "response":
		c.mu.Lock()
		ch, ok := c.pending[msg.RequestSeq]
		delete(c.pending, msg.RequestSeq)
		c.mu.Unlock()
		if ok {
			ch <- &msg
		}
	case "event":
		if c.handler != nil {
			c.handler(msg.Event, msg.Body)
		}
	case "request":
		// Reverse requests (runInTerminal, startDebugging) are not supported.
		c.logger.Debug("declining reverse request", zap.String("command", msg.Command))
		c.respond(msg.Seq, msg.Command, false, "not supported")
	}
}

func (c *Client) respond(requestSeq int, command string, success bool, message string) {
	r := reply{Response: godap.Response{
		ProtocolMessage: godap.ProtocolMessage{Seq: int(c.seq.Add(1)), Type: "response"},
		RequestSeq:      requestSeq,
		Success:         success,
		Command:         command,
		Message:         message,
	}}
	content, err := json.Marshal(r)
	if err == nil {
		err = c.transport.Send(content)
	}
	if err != nil {
		c.logger.Warn("respond to reverse request", zap.String("command", command), zap.Error(err))
	}
}

// Call sends command with args and decodes the response body into body
// when body is non-nil.
func (c *Client) Call(ctx context.Context, command string, args any, body any) error {
	seq := int(c.seq.Add(1))
	content, err := json.Marshal(outgoing{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         command,
		},
		Arguments: args,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", command, err)
	}

	ch := make(chan *incoming, 1)
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[seq] = ch
	c.mu.Unlock()

	if err := c.transport.Send(content); err != nil {
		c.forget(seq)
		return fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case <-ctx.Done():
		c.forget(seq)
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return ErrClientClosed
		}
		return decodeResponse(command, resp, body)
	}
}

func (c *Client) forget(seq int) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func decodeResponse(command string, resp *incoming, body any) error {
	if !resp.Success {
		rerr := &ResponseError{Command: command, Message: resp.Message}
		var eb godap.ErrorResponseBody
		if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &eb) == nil && eb.Error != nil {
			rerr.Detail = eb.Error.Format
		}
		return rerr
	}
	if body == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, body); err != nil {
		return fmt.Errorf("decode %s response: %w", command, err)
	}
	return nil
}

// Initialize negotiates capabilities.
func (c *Client) Initialize(ctx context.Context, args godap.InitializeRequestArguments) (*godap.Capabilities, error) {
	var caps godap.Capabilities
	if err := c.Call(ctx, "initialize", args, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// ConfigurationDone ends the configuration phase.
func (c *Client) ConfigurationDone(ctx context.Context) error {
	return c.Call(ctx, "configurationDone", godap.ConfigurationDoneArguments{}, nil)
}

// SetBreakpoints replaces every breakpoint of one source.
func (c *Client) SetBreakpoints(ctx context.Context, args godap.SetBreakpointsArguments) ([]godap.Breakpoint, error) {
	var body godap.SetBreakpointsResponseBody
	if err := c.Call(ctx, "setBreakpoints", args, &body); err != nil {
		return nil, err
	}
	return body.Breakpoints, nil
}

// Threads lists the debuggee's threads.
func (c *Client) Threads(ctx context.Context) ([]godap.Thread, error) {
	var body godap.ThreadsResponseBody
	if err := c.Call(ctx, "threads", nil, &body); err != nil {
		return nil, err
	}
	return body.Threads, nil
}

// TopFrame returns the innermost frame of a stopped thread.
func (c *Client) TopFrame(ctx context.Context, threadID int) (*godap.StackFrame, error) {
	var body godap.StackTraceResponseBody
	args := godap.StackTraceArguments{ThreadId: threadID, Levels: 1}
	if err := c.Call(ctx, "stackTrace", args, &body); err != nil {
		return nil, err
	}
	if len(body.StackFrames) == 0 {
		return nil, nil
	}
	return &body.StackFrames[0], nil
}

// ExceptionInfo describes the exception a thread stopped on.
func (c *Client) ExceptionInfo(ctx context.Context, threadID int) (*godap.ExceptionInfoResponseBody, error) {
	var body godap.ExceptionInfoResponseBody
	if err := c.Call(ctx, "exceptionInfo", godap.ExceptionInfoArguments{ThreadId: threadID}, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Continue resumes one thread, or all of them unless singleThread.
func (c *Client) Continue(ctx context.Context, threadID int, singleThread bool) error {
	args := godap.ContinueArguments{ThreadId: threadID, SingleThread: singleThread}
	return c.Call(ctx, "continue", args, nil)
}

// Pause suspends a thread.
func (c *Client) Pause(ctx context.Context, threadID int) error {
	return c.Call(ctx, "pause", godap.PauseArguments{ThreadId: threadID}, nil)
}

// Next steps over.
func (c *Client) Next(ctx context.Context, threadID int) error {
	return c.Call(ctx, "next", godap.NextArguments{ThreadId: threadID, SingleThread: true}, nil)
}

// StepIn steps into.
func (c *Client) StepIn(ctx context.Context, threadID int) error {
	return c.Call(ctx, "stepIn", godap.StepInArguments{ThreadId: threadID, SingleThread: true}, nil)
}

// StepOut steps out.
func (c *Client) StepOut(ctx context.Context, threadID int) error {
	return c.Call(ctx, "stepOut", godap.StepOutArguments{ThreadId: threadID, SingleThread: true}, nil)
}

// Disconnect ends the session, terminating the debuggee when terminate is set.
func (c *Client) Disconnect(ctx context.Context, terminate bool) error {
	return c.Call(ctx, "disconnect", godap.DisconnectArguments{TerminateDebuggee: terminate}, nil)
}
