// Package notify fans configuration changes out to subscribers.
package notify

import (
	"sort"
	"strings"
	"sync"
)

// Change describes one setting that changed during a reload.
type Change struct {
	// Path is the dot-separated setting path, e.g. "threads.hide_system".
	Path     string
	OldValue any
	NewValue any
}

// Observer receives changes.
type Observer func(Change)

// Notifier delivers changes synchronously to observers whose path equals
// the change path or is one of its parents. The empty path observes all.
type Notifier struct {
	mu        sync.RWMutex
	nextID    uint64
	observers map[uint64]subscription
}

type subscription struct {
	path     string
	observer Observer
}

// New creates a Notifier.
func New() *Notifier {
	return &Notifier{observers: make(map[uint64]subscription)}
}

// Subscribe registers observer for path and returns its cancel function.
func (n *Notifier) Subscribe(path string, observer Observer) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.observers[id] = subscription{path: path, observer: observer}

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.observers, id)
	}
}

// Notify delivers change to matching observers in subscription order.
// Observers run outside the lock and may unsubscribe.
func (n *Notifier) Notify(change Change) {
	n.mu.RLock()
	ids := make([]uint64, 0, len(n.observers))
	for id, sub := range n.observers {
		if matches(sub.path, change.Path) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]Observer, len(ids))
	for i, id := range ids {
		observers[i] = n.observers[id].observer
	}
	n.mu.RUnlock()

	for _, obs := range observers {
		obs(change)
	}
}

// Len returns the number of active subscriptions.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.observers)
}

// matches reports whether a subscription on sub sees a change on path.
// "threads" sees "threads.hide_system"; "thread" does not.
func matches(sub, path string) bool {
	if sub == "" || sub == path {
		return true
	}
	return strings.HasPrefix(path, sub) && path[len(sub)] == '.'
}
