package dap

import (
	"sync"

	"github.com/dshills/remotedbg/internal/integration/debug"
)

// setQueue decouples the receive goroutine from the dispatcher. Sets are
// buffered without bound, enriched and delivered in order on out, which is
// closed after the final set.
type setQueue struct {
	out    chan *debug.EventSet
	enrich func(*debug.EventSet)

	mu       sync.Mutex
	items    []*debug.EventSet
	finished bool
	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

func newSetQueue(enrich func(*debug.EventSet)) *setQueue {
	q := &setQueue{
		out:    make(chan *debug.EventSet),
		enrich: enrich,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	go q.run()
	return q
}

// push appends set unless the queue is finished.
func (q *setQueue) push(set *debug.EventSet) {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, set)
	q.mu.Unlock()
	q.signal()
}

// finish lets the queue drain and close out.
func (q *setQueue) finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.signal()
}

// abandon stops delivery without closing out.
func (q *setQueue) abandon() {
	q.quitOnce.Do(func() { close(q.quit) })
}

func (q *setQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *setQueue) run() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			finished := q.finished
			q.mu.Unlock()
			if finished {
				close(q.out)
				return
			}
			select {
			case <-q.wake:
				continue
			case <-q.quit:
				return
			}
		}
		set := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		if q.enrich != nil {
			q.enrich(set)
		}
		select {
		case q.out <- set:
		case <-q.quit:
			return
		}
	}
}
