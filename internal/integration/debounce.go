package integration

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Debouncer collapses bursts of calls into one callback that runs once no
// call has arrived for the delay. The callback never runs concurrently
// with itself.
type Debouncer struct {
	mu       sync.Mutex
	clock    clock.Clock
	delay    time.Duration
	timer    *clock.Timer
	pending  bool
	seq      uint64
	callback func()
	running  sync.Mutex
}

// NewDebouncer creates a debouncer on the wall clock.
func NewDebouncer(delay time.Duration, callback func()) *Debouncer {
	return NewDebouncerWithClock(clock.New(), delay, callback)
}

// NewDebouncerWithClock creates a debouncer driven by clk.
func NewDebouncerWithClock(clk clock.Clock, delay time.Duration, callback func()) *Debouncer {
	return &Debouncer{clock: clk, delay: delay, callback: callback}
}

// Call schedules the callback, pushing back any call already scheduled.
func (d *Debouncer) Call() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = true
	d.seq++
	seq := d.seq

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(seq) })
}

func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	// A later Call or Cancel makes this timer stale.
	if !d.pending || d.seq != seq {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.running.Lock()
	defer d.running.Unlock()
	d.callback()
}

// Flush runs a pending callback now instead of waiting.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	run := d.pending
	d.pending = false
	d.mu.Unlock()

	if run {
		d.running.Lock()
		defer d.running.Unlock()
		d.callback()
	}
}

// Cancel drops a pending callback.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.pending = false
}

// Pending reports whether a callback is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}
