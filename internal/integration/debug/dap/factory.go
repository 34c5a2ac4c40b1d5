package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/remotedbg/internal/integration"
	"github.com/dshills/remotedbg/internal/integration/debug"
	"github.com/dshills/remotedbg/internal/integration/debug/adapters"
	"github.com/dshills/remotedbg/internal/integration/process"
)

// Factory opens DAP sessions by starting an adapter process under a
// supervisor and connecting to it.
type Factory struct {
	Adapter    adapters.Adapter
	Supervisor *process.Supervisor

	SupportClass   string
	SystemPrefixes []string
	CallTimeout    time.Duration

	// StopGrace is how long a closed adapter gets before it is killed.
	StopGrace time.Duration

	// Dial retries the connection to socket adapters while they start.
	Dial integration.RetryConfig

	Logger *zap.Logger
}

var _ debug.SessionFactory = (*Factory)(nil)

// NewFactory returns a factory for a with default settings.
func NewFactory(a adapters.Adapter, sup *process.Supervisor, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	dial := integration.DefaultRetryConfig()
	dial.RetryableErrors = func(err error) bool { return !errors.Is(err, process.ErrNotRunning) }
	return &Factory{
		Adapter:    a,
		Supervisor: sup,
		StopGrace:  2 * time.Second,
		Dial:       dial,
		Logger:     logger,
	}
}

// Open implements debug.SessionFactory.
func (f *Factory) Open(ctx context.Context, workingDir string, sink io.Writer) (debug.Session, error) {
	request, args, err := f.Adapter.Request(workingDir)
	if err != nil {
		return nil, err
	}
	cmd, err := f.Adapter.Command(workingDir)
	if err != nil {
		return nil, err
	}

	logger := f.Logger.With(zap.String("adapter", string(f.Adapter.Kind())))
	socket := f.Adapter.Connection() == adapters.ConnSocket
	if socket {
		// The adapter reports on its own streams; DAP runs over the socket.
		cmd.Stdout = sink
		cmd.Stderr = sink
	}

	proc, err := f.Supervisor.Start(string(f.Adapter.Kind()), cmd)
	if err != nil {
		return nil, fmt.Errorf("start adapter: %w", err)
	}
	stop := func() error { return proc.Stop(f.StopGrace) }

	var t Transport
	if socket {
		conn, err := f.dial(ctx, f.Adapter.Address(), proc)
		if err != nil {
			_ = stop()
			return nil, err
		}
		t = NewSocketTransport(conn)
	} else {
		t = NewStreamTransport(proc.Stdout, proc.Stdin, proc.Stdin.Close)
		go logStderr(proc.Stderr, logger)
	}

	s := NewSession(t, Options{
		AdapterID:      string(f.Adapter.Kind()),
		SupportClass:   f.SupportClass,
		SystemPrefixes: f.SystemPrefixes,
		CallTimeout:    f.CallTimeout,
		Sink:           sink,
		Logger:         logger,
	})
	s.proc = proc
	s.cleanup = stop

	if err := s.Start(ctx, string(f.Adapter.Kind()), request, args); err != nil {
		s.Abandon()
		return nil, err
	}
	logger.Info("debug session opened",
		zap.String("request", request),
		zap.Int("pid", proc.PID()))
	return s, nil
}

func (f *Factory) dial(ctx context.Context, address string, proc *process.Process) (net.Conn, error) {
	var d net.Dialer
	conn, err := integration.Retry(ctx, f.Dial, func() (net.Conn, error) {
		select {
		case <-proc.Done():
			return nil, fmt.Errorf("adapter exited with code %d: %w", proc.ExitCode(), process.ErrNotRunning)
		default:
		}
		return d.DialContext(ctx, "tcp", address)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to adapter at %s: %w", address, err)
	}
	return conn, nil
}

func logStderr(r io.Reader, logger *zap.Logger) {
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logger.Debug("adapter stderr", zap.String("line", sc.Text()))
	}
}
