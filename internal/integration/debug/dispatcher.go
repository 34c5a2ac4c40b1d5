package debug

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// dispatchTarget receives the effects of processed events.
// Every call names the dispatcher so stale generations can be ignored.
type dispatchTarget interface {
	threadStarted(d *Dispatcher, ref ThreadRef)
	threadDied(d *Dispatcher, ref ThreadRef)
	threadStopped(d *Dispatcher, e Event)
	exceptionRaised(d *Dispatcher, info *ExceptionInfo)
	vmStarted(d *Dispatcher)
	vmDisconnected(d *Dispatcher)
	setProcessed(d *Dispatcher)
}

// dispatchTable maps each event kind to its handling.
var dispatchTable = map[EventKind]func(d *Dispatcher, e Event){
	EventThreadStart: func(d *Dispatcher, e Event) {
		if e.Thread != nil {
			d.target.threadStarted(d, e.Thread)
		}
	},
	EventThreadDeath: func(d *Dispatcher, e Event) {
		if e.Thread != nil {
			d.target.threadDied(d, e.Thread)
		}
	},
	EventBreakpoint: func(d *Dispatcher, e Event) {
		d.target.threadStopped(d, e)
	},
	EventStep: func(d *Dispatcher, e Event) {
		d.target.threadStopped(d, e)
	},
	EventException: func(d *Dispatcher, e Event) {
		d.target.exceptionRaised(d, e.Exception)
	},
	EventClassPrepare: func(d *Dispatcher, e Event) {
		if e.ClassName == d.supportClass {
			d.readyOnce.Do(func() { close(d.ready) })
		}
	},
	EventVMStart: func(d *Dispatcher, e Event) {
		d.target.vmStarted(d)
	},
}

// Dispatcher is the sole reader of a session's event stream. It processes
// one event set at a time and hands the target over to exclusive users
// between sets.
type Dispatcher struct {
	session      Session
	generation   uint64
	target       dispatchTarget
	supportClass string
	logger       *zap.Logger

	requests chan chan struct{}
	ready    chan struct{}
	done     chan struct{}

	readyOnce    sync.Once
	disconnected atomic.Bool
}

func newDispatcher(s Session, generation uint64, target dispatchTarget, supportClass string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		session:      s,
		generation:   generation,
		target:       target,
		supportClass: supportClass,
		logger:       logger,
		requests:     make(chan chan struct{}),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Session returns the session whose events the dispatcher reads.
func (d *Dispatcher) Session() Session { return d.session }

// Ready is closed when the support class has been prepared.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Done is closed when the dispatcher loop has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Disconnected reports whether the session has disconnected.
func (d *Dispatcher) Disconnected() bool { return d.disconnected.Load() }

// Exclusive runs fn while the dispatcher is parked between event sets.
// No event is processed until fn returns. Exclusive must not be called
// from the dispatcher goroutine.
func (d *Dispatcher) Exclusive(ctx context.Context, fn func() error) error {
	release := make(chan struct{})

	select {
	case d.requests <- release:
	case <-d.done:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	defer close(release)

	return fn()
}

func (d *Dispatcher) run() {
	defer close(d.done)

	events := d.session.EventSets()
	for {
		// A waiting requester is served before the next set is read.
		select {
		case release := <-d.requests:
			<-release
			continue
		default:
		}

		select {
		case release := <-d.requests:
			<-release
		case set, ok := <-events:
			if !ok {
				d.disconnect()
				return
			}
			if set == nil {
				continue
			}
			if !d.process(set) {
				return
			}
		}
	}
}

// process handles every event of set and resumes it. It returns false once
// the session has disconnected.
func (d *Dispatcher) process(set *EventSet) bool {
	var keep []ThreadRef
	seen := make(map[int64]bool)

	for _, e := range set.Events {
		if e.Kind == EventVMDisconnect {
			d.disconnect()
			return false
		}

		if handle, ok := dispatchTable[e.Kind]; ok {
			handle(d, e)
		}

		if e.KeepSuspended && e.Thread != nil && !seen[e.Thread.ID()] {
			seen[e.Thread.ID()] = true
			keep = append(keep, e.Thread)
		}
	}

	for _, t := range keep {
		if err := t.Suspend(); err != nil {
			d.logger.Warn("keep thread suspended", zap.Int64("thread", t.ID()), zap.Error(err))
		}
	}

	if err := d.session.Resume(set); err != nil {
		d.logger.Warn("resume event set", zap.Error(err))
	}

	d.target.setProcessed(d)
	return true
}

func (d *Dispatcher) disconnect() {
	d.disconnected.Store(true)
	d.target.vmDisconnected(d)
}
