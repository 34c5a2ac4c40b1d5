package debug_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/remotedbg/internal/integration/debug"
	"github.com/dshills/remotedbg/internal/integration/debug/debugtest"
)

func TestThreadRegistry_AddInsertsAtFront(t *testing.T) {
	r := debug.NewThreadRegistry(false)

	r.Add(debugtest.NewThread(1, "main", false))
	r.Add(debugtest.NewThread(2, "worker", false))
	r.Add(debugtest.NewThread(3, "pool-1", false))

	assert.Equal(t, []int64{1, 2, 3}, threadIDs(r.Threads()))
	assert.Equal(t, []int64{3, 2, 1}, threadIDs(r.Visible()))
}

func TestThreadRegistry_AddKnownThread(t *testing.T) {
	r := debug.NewThreadRegistry(false)
	ref := debugtest.NewThread(1, "main", false)

	first := r.Add(ref)
	second := r.Add(ref)

	assert.Same(t, first, second)
	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.Nodes(), 1)
}

func TestThreadRegistry_Remove(t *testing.T) {
	r := debug.NewThreadRegistry(false)
	r.Add(debugtest.NewThread(1, "main", false))
	r.Add(debugtest.NewThread(2, "worker", false))

	removed := r.Remove(1)
	require.NotNil(t, removed)
	assert.True(t, removed.IsFinished())
	assert.False(t, removed.IsSuspended())
	assert.Nil(t, r.Find(1))
	assert.Equal(t, []int64{2}, threadIDs(r.Visible()))

	assert.Nil(t, r.Remove(42))
}

func TestThreadRegistry_HideSystem(t *testing.T) {
	r := debug.NewThreadRegistry(true)
	r.Add(debugtest.NewThread(1, "main", false))
	r.Add(debugtest.NewThread(2, "Finalizer", true))
	r.Add(debugtest.NewThread(3, "worker", false))

	assert.Equal(t, []int64{3, 1}, threadIDs(r.Visible()))

	assert.True(t, r.SetHideSystem(false))
	assert.Equal(t, []int64{3, 2, 1}, threadIDs(r.Visible()))

	assert.False(t, r.SetHideSystem(false))
	assert.False(t, r.HideSystem())
}

func TestThreadRegistry_Locate(t *testing.T) {
	r := debug.NewThreadRegistry(true)
	r.Add(debugtest.NewThread(1, "main", false))

	thread, node := r.Locate(debugtest.NewThread(5, "late", false))
	require.NotNil(t, node)
	assert.Same(t, thread, node.Thread())
	assert.Equal(t, []int64{5, 1}, threadIDs(r.Visible()))

	again, same := r.Locate(debugtest.NewThread(5, "late", false))
	assert.Same(t, thread, again)
	assert.Same(t, node, same)

	sys, hidden := r.Locate(debugtest.NewThread(9, "Signal Dispatcher", true))
	assert.NotNil(t, sys)
	assert.Nil(t, hidden)
	assert.Equal(t, 3, r.Len())
}

func TestThreadRegistry_Clear(t *testing.T) {
	r := debug.NewThreadRegistry(false)
	kept := r.Add(debugtest.NewThread(1, "main", false))

	r.Clear()

	assert.Zero(t, r.Len())
	assert.Empty(t, r.Nodes())
	assert.True(t, kept.IsFinished())
}

// Every thread the filter admits has exactly one node; no other thread has one.
func TestThreadRegistry_DisplayConsistency(t *testing.T) {
	r := debug.NewThreadRegistry(false)
	refs := []*debugtest.Thread{
		debugtest.NewThread(1, "main", false),
		debugtest.NewThread(2, "Reference Handler", true),
		debugtest.NewThread(3, "worker-1", false),
		debugtest.NewThread(4, "Finalizer", true),
		debugtest.NewThread(5, "worker-2", false),
	}
	for _, ref := range refs {
		r.Add(ref)
	}
	r.Remove(3)

	for _, hide := range []bool{false, true, false, true} {
		r.SetHideSystem(hide)

		counts := make(map[int64]int)
		for _, n := range r.Nodes() {
			counts[n.Thread().ID()]++
		}
		for _, th := range r.Threads() {
			excluded := (th.IsFinished() || th.IsSystem()) && hide
			if excluded {
				assert.Zero(t, counts[th.ID()], "hide=%v thread %s", hide, th)
			} else {
				assert.Equal(t, 1, counts[th.ID()], "hide=%v thread %s", hide, th)
			}
		}
		assert.Zero(t, counts[3], "removed thread must have no node")
	}
}
