package debug

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
)

// Thread is a target thread tracked by the registry.
type Thread struct {
	ref      ThreadRef
	name     string
	system   bool
	finished atomic.Bool
}

func newThread(ref ThreadRef) *Thread {
	return &Thread{
		ref:    ref,
		name:   ref.Name(),
		system: ref.IsSystem(),
	}
}

// ID returns the thread identity.
func (t *Thread) ID() int64 { return t.ref.ID() }

// Name returns the display name.
func (t *Thread) Name() string { return t.name }

// Ref returns the underlying thread handle.
func (t *Thread) Ref() ThreadRef { return t.ref }

// IsSystem reports whether the thread is a known runtime thread.
func (t *Thread) IsSystem() bool { return t.system }

// IsFinished reports whether the thread has died.
func (t *Thread) IsFinished() bool { return t.finished.Load() }

// IsSuspended reports whether the thread is currently halted.
func (t *Thread) IsSuspended() bool {
	if t.IsFinished() {
		return false
	}
	return t.ref.IsSuspended()
}

// String returns the thread name and id.
func (t *Thread) String() string {
	return fmt.Sprintf("%s#%d", t.name, t.ID())
}

// DisplayNode is a child of the display tree root mirroring one visible thread.
type DisplayNode struct {
	thread *Thread
}

// Thread returns the thread the node mirrors.
func (n *DisplayNode) Thread() *Thread { return n.thread }

// ThreadRegistry is the authoritative set of known threads plus the
// filtered display tree. Every mutation holds the root lock.
type ThreadRegistry struct {
	root       sync.Mutex
	byID       map[int64]*Thread
	order      []*Thread
	nodes      []*DisplayNode
	hideSystem bool
}

// NewThreadRegistry creates an empty registry.
func NewThreadRegistry(hideSystem bool) *ThreadRegistry {
	return &ThreadRegistry{
		byID:       make(map[int64]*Thread),
		hideSystem: hideSystem,
	}
}

// hidden reports whether t is excluded from the display tree (must hold lock).
func (r *ThreadRegistry) hidden(t *Thread) bool {
	return (t.IsFinished() || t.system) && r.hideSystem
}

// insertFront makes t the first child of the root (must hold lock).
func (r *ThreadRegistry) insertFront(t *Thread) *DisplayNode {
	n := &DisplayNode{thread: t}
	r.nodes = append([]*DisplayNode{n}, r.nodes...)
	return n
}

// nodeLocked returns the node for t, or nil (must hold lock).
func (r *ThreadRegistry) nodeLocked(t *Thread) *DisplayNode {
	n, _ := lo.Find(r.nodes, func(n *DisplayNode) bool { return n.thread == t })
	return n
}

// Add registers ref and returns its Thread. Adding a known thread returns
// the existing entry.
func (r *ThreadRegistry) Add(ref ThreadRef) *Thread {
	r.root.Lock()
	defer r.root.Unlock()

	return r.addLocked(ref)
}

func (r *ThreadRegistry) addLocked(ref ThreadRef) *Thread {
	if t, ok := r.byID[ref.ID()]; ok {
		return t
	}

	t := newThread(ref)
	r.byID[ref.ID()] = t
	r.order = append(r.order, t)
	if !r.hidden(t) {
		r.insertFront(t)
	}
	return t
}

// Remove marks the thread finished, drops it from the registry and removes
// its display node. It returns the removed thread, or nil if unknown.
func (r *ThreadRegistry) Remove(id int64) *Thread {
	r.root.Lock()
	defer r.root.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return nil
	}

	t.finished.Store(true)
	delete(r.byID, id)
	r.order = lo.Without(r.order, t)
	r.nodes = lo.Filter(r.nodes, func(n *DisplayNode, _ int) bool { return n.thread != t })
	return t
}

// Find returns the thread with the given id, or nil.
func (r *ThreadRegistry) Find(id int64) *Thread {
	r.root.Lock()
	defer r.root.Unlock()

	return r.byID[id]
}

// Threads returns the registered threads in registration order.
func (r *ThreadRegistry) Threads() []*Thread {
	r.root.Lock()
	defer r.root.Unlock()

	out := make([]*Thread, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered threads.
func (r *ThreadRegistry) Len() int {
	r.root.Lock()
	defer r.root.Unlock()

	return len(r.order)
}

// Locate returns the display node for ref, registering the thread first if
// it is unknown. The node is nil when the thread is hidden by the filter.
func (r *ThreadRegistry) Locate(ref ThreadRef) (*Thread, *DisplayNode) {
	r.root.Lock()
	defer r.root.Unlock()

	t := r.addLocked(ref)
	if r.hidden(t) {
		return t, nil
	}
	n := r.nodeLocked(t)
	if n == nil {
		n = r.insertFront(t)
	}
	return t, n
}

// Clear drops every thread and leaves an empty display tree.
func (r *ThreadRegistry) Clear() {
	r.root.Lock()
	defer r.root.Unlock()

	for _, t := range r.order {
		t.finished.Store(true)
	}
	r.byID = make(map[int64]*Thread)
	r.order = nil
	r.nodes = nil
}

// HideSystem reports whether system and finished threads are hidden.
func (r *ThreadRegistry) HideSystem() bool {
	r.root.Lock()
	defer r.root.Unlock()

	return r.hideSystem
}

// SetHideSystem updates the filter and rebuilds the display tree if the
// value changed. It reports whether a rebuild happened.
func (r *ThreadRegistry) SetHideSystem(hide bool) bool {
	r.root.Lock()
	defer r.root.Unlock()

	if r.hideSystem == hide {
		return false
	}
	r.hideSystem = hide
	r.rebuildLocked()
	return true
}

func (r *ThreadRegistry) rebuildLocked() {
	r.nodes = nil
	for _, t := range r.order {
		if !r.hidden(t) {
			r.insertFront(t)
		}
	}
}

// Visible returns the threads of the display tree in display order.
func (r *ThreadRegistry) Visible() []*Thread {
	r.root.Lock()
	defer r.root.Unlock()

	return lo.Map(r.nodes, func(n *DisplayNode, _ int) *Thread { return n.thread })
}

// Nodes returns the children of the display tree root in display order.
func (r *ThreadRegistry) Nodes() []*DisplayNode {
	r.root.Lock()
	defer r.root.Unlock()

	out := make([]*DisplayNode, len(r.nodes))
	copy(out, r.nodes)
	return out
}
