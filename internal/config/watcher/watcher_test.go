package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestWatcher_ReportsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remotedbg.toml")
	require.NoError(t, os.WriteFile(path, []byte("a = 1\n"), 0o644))

	rec := &recorder{}
	w, err := New(rec.handle, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(path))

	require.NoError(t, os.WriteFile(path, []byte("a = 2\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("a = 3\n"), 0o644))

	require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	events := rec.snapshot()
	require.Len(t, events, 1, "burst collapses into one event")
	abs, _ := filepath.Abs(path)
	assert.Equal(t, abs, events[0].Path)
	assert.True(t, events[0].Op.Has(OpWrite))
}

func TestWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remotedbg.yaml")

	rec := &recorder{}
	w, err := New(rec.handle, WithDebounce(0))
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(path))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	require.NoError(t, os.WriteFile(path, []byte("x: 1\n"), 0o644))
	require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.snapshot()[0].Op.Has(OpCreate))
}

func TestWatcher_RenameOver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remotedbg.toml")
	require.NoError(t, os.WriteFile(path, []byte("a = 1\n"), 0o644))

	rec := &recorder{}
	w, err := New(rec.handle, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(path))

	tmp := filepath.Join(dir, ".remotedbg.toml.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("a = 2\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.snapshot()[0].Op.Has(OpCreate))
}

func TestWatcher_AddAfterClose(t *testing.T) {
	w, err := New(func(Event) {})
	require.NoError(t, err)
	require.NoError(t, w.Add(filepath.Join(t.TempDir(), "a.toml")))
	assert.Len(t, w.Files(), 1)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Add("b.toml"), ErrClosed)
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "none", Op(0).String())
	assert.Equal(t, "create|write", (OpCreate | OpWrite).String())
	assert.Equal(t, "rename", OpRename.String())
}
