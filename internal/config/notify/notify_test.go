package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifier_PathMatching(t *testing.T) {
	n := New()

	var all, threads, exact, other []string
	n.Subscribe("", func(c Change) { all = append(all, c.Path) })
	n.Subscribe("threads", func(c Change) { threads = append(threads, c.Path) })
	n.Subscribe("threads.hide_system", func(c Change) { exact = append(exact, c.Path) })
	n.Subscribe("thread", func(c Change) { other = append(other, c.Path) })

	n.Notify(Change{Path: "threads.hide_system", OldValue: false, NewValue: true})
	n.Notify(Change{Path: "logging.level", OldValue: "info", NewValue: "debug"})

	assert.Equal(t, []string{"threads.hide_system", "logging.level"}, all)
	assert.Equal(t, []string{"threads.hide_system"}, threads)
	assert.Equal(t, []string{"threads.hide_system"}, exact)
	assert.Empty(t, other)
}

func TestNotifier_OrderAndUnsubscribe(t *testing.T) {
	n := New()

	var got []int
	first := n.Subscribe("a", func(Change) { got = append(got, 1) })
	n.Subscribe("a", func(Change) { got = append(got, 2) })
	var self func()
	self = n.Subscribe("a", func(Change) {
		got = append(got, 3)
		self()
	})

	n.Notify(Change{Path: "a"})
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 2, n.Len())

	first()
	got = nil
	n.Notify(Change{Path: "a"})
	assert.Equal(t, []int{2}, got)
}
