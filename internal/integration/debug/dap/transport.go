// Package dap implements the debug engine's Session over the Debug Adapter
// Protocol. Framing and the protocol types come from github.com/google/go-dap.
package dap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	godap "github.com/google/go-dap"
)

// Transport moves framed DAP message bodies.
type Transport interface {
	// Send writes one message body.
	Send(content []byte) error

	// Receive blocks for the next message body. It returns io.EOF once the
	// peer is gone.
	Receive() ([]byte, error)

	Close() error
}

// StreamTransport frames messages over a reader and writer pair, such as
// an adapter's stdout and stdin or both halves of a connection.
type StreamTransport struct {
	r      *bufio.Reader
	w      io.Writer
	closer func() error

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport frames messages over r and w. closer runs once on Close.
func NewStreamTransport(r io.Reader, w io.Writer, closer func() error) *StreamTransport {
	return &StreamTransport{
		r:      bufio.NewReader(r),
		w:      w,
		closer: closer,
	}
}

// NewRawTransport frames messages over any ReadWriteCloser.
func NewRawTransport(rwc io.ReadWriteCloser) *StreamTransport {
	return NewStreamTransport(rwc, rwc, rwc.Close)
}

// NewSocketTransport frames messages over a connection.
func NewSocketTransport(conn net.Conn) *StreamTransport {
	return NewRawTransport(conn)
}

// Send writes content with a Content-Length header.
func (t *StreamTransport) Send(content []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := godap.WriteBaseMessage(t.w, content); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Receive reads the next message body.
func (t *StreamTransport) Receive() ([]byte, error) {
	content, err := godap.ReadBaseMessage(t.r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	return content, nil
}

// Close runs the closer once.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.closer != nil {
			t.closeErr = t.closer()
		}
	})
	return t.closeErr
}
