package debug

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Breakpoint is a line breakpoint keyed by source unit and line.
type Breakpoint struct {
	Unit string `json:"unit"`
	Line int    `json:"line"`

	// handle is the session's request handle; nil while no session holds it.
	handle any
}

// Installed reports whether a live session holds the breakpoint.
func (b Breakpoint) Installed() bool { return b.handle != nil }

// String returns unit:line.
func (b Breakpoint) String() string {
	return fmt.Sprintf("%s:%d", b.Unit, b.Line)
}

type breakpointKey struct {
	unit string
	line int
}

// BreakpointTable records the active breakpoints. Entries outlive the
// session that installed them: on detach their handles are dropped and on
// the next attach they are reinstalled.
//
// The table lock is never held across a session call. Each call is bounded
// by the table's call timeout.
type BreakpointTable struct {
	mu          sync.Mutex
	session     Session
	entries     map[breakpointKey]*Breakpoint
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewBreakpointTable creates an empty, detached table. A callTimeout of
// zero leaves session calls bounded only by the caller's context.
func NewBreakpointTable(logger *zap.Logger, callTimeout time.Duration) *BreakpointTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakpointTable{
		entries:     make(map[breakpointKey]*Breakpoint),
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// Set adds a breakpoint at unit:line. Setting an existing key is a no-op.
// With no session attached, or with one whose target is gone, the entry is
// recorded and installed on the next Attach. An entry the session rejects
// is removed again.
func (t *BreakpointTable) Set(ctx context.Context, unit string, line int) error {
	key := breakpointKey{unit: unit, line: line}

	t.mu.Lock()
	if _, ok := t.entries[key]; ok {
		t.mu.Unlock()
		return nil
	}
	bp := &Breakpoint{Unit: unit, Line: line}
	t.entries[key] = bp
	s := t.session
	t.mu.Unlock()

	if s == nil {
		return nil
	}
	return t.install(ctx, s, bp)
}

// install sets bp in s and commits the handle if bp is still recorded and
// s is still attached.
func (t *BreakpointTable) install(ctx context.Context, s Session, bp *Breakpoint) error {
	callCtx, cancel := t.bounded(ctx)
	handle, err := s.SetBreakpoint(callCtx, bp.Unit, bp.Line)
	cancel()

	key := breakpointKey{unit: bp.Unit, line: bp.Line}
	t.mu.Lock()
	current, recorded := t.entries[key]
	attached := t.session == s

	switch {
	case err == nil:
		if current == bp && attached {
			bp.handle = handle
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		if !recorded && attached {
			// Cleared while the set was in flight.
			t.uninstall(ctx, s, bp)
		}
		return nil

	case targetGone(err):
		t.mu.Unlock()
		return nil

	default:
		if current == bp {
			delete(t.entries, key)
		}
		t.mu.Unlock()
		return fmt.Errorf("set breakpoint %s: %w", bp, err)
	}
}

func (t *BreakpointTable) uninstall(ctx context.Context, s Session, bp *Breakpoint) {
	callCtx, cancel := t.bounded(ctx)
	defer cancel()
	if err := s.ClearBreakpoint(callCtx, bp.Unit, bp.Line); err != nil && !targetGone(err) {
		t.logger.Warn("clear breakpoint", zap.Stringer("breakpoint", bp), zap.Error(err))
	}
}

// Clear removes the breakpoint at unit:line. Clearing a key that was never
// set succeeds. The entry is removed even if the session rejects the call.
func (t *BreakpointTable) Clear(ctx context.Context, unit string, line int) error {
	key := breakpointKey{unit: unit, line: line}

	t.mu.Lock()
	bp, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.entries, key)
	s := t.session
	installed := bp.handle != nil
	t.mu.Unlock()

	if s == nil || !installed {
		return nil
	}

	callCtx, cancel := t.bounded(ctx)
	defer cancel()
	if err := s.ClearBreakpoint(callCtx, unit, line); err != nil {
		if targetGone(err) {
			return nil
		}
		return fmt.Errorf("clear breakpoint %s: %w", bp, err)
	}
	return nil
}

// Has reports whether a breakpoint exists at unit:line.
func (t *BreakpointTable) Has(unit string, line int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[breakpointKey{unit: unit, line: line}]
	return ok
}

// Len returns the number of breakpoints.
func (t *BreakpointTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// Snapshot returns the breakpoints ordered by unit and line.
func (t *BreakpointTable) Snapshot() []Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Breakpoint, 0, len(t.entries))
	for _, bp := range t.entries {
		out = append(out, *bp)
	}
	slices.SortFunc(out, compareBreakpoints)
	return out
}

func compareBreakpoints(a, b Breakpoint) int {
	if c := cmp.Compare(a.Unit, b.Unit); c != 0 {
		return c
	}
	return cmp.Compare(a.Line, b.Line)
}

// Restore sets every breakpoint in bps. A failing entry does not stop the
// rest; failures are dropped from the table and returned together.
func (t *BreakpointTable) Restore(ctx context.Context, bps []Breakpoint) error {
	t.mu.Lock()
	added := make([]*Breakpoint, 0, len(bps))
	for _, b := range bps {
		key := breakpointKey{unit: b.Unit, line: b.Line}
		if _, ok := t.entries[key]; ok {
			continue
		}
		bp := &Breakpoint{Unit: b.Unit, Line: b.Line}
		t.entries[key] = bp
		added = append(added, bp)
	}
	s := t.session
	t.mu.Unlock()

	if s == nil {
		return nil
	}
	return t.installAll(ctx, s, added)
}

// Attach binds the table to s and reinstalls every recorded breakpoint.
func (t *BreakpointTable) Attach(ctx context.Context, s Session) error {
	t.mu.Lock()
	t.session = s
	pending := make([]*Breakpoint, 0, len(t.entries))
	for _, bp := range t.entries {
		bp.handle = nil
		pending = append(pending, bp)
	}
	t.mu.Unlock()

	slices.SortFunc(pending, func(a, b *Breakpoint) int { return compareBreakpoints(*a, *b) })
	return t.installAll(ctx, s, pending)
}

func (t *BreakpointTable) installAll(ctx context.Context, s Session, bps []*Breakpoint) error {
	var result *multierror.Error
	for _, bp := range bps {
		if err := t.install(ctx, s, bp); err != nil {
			t.logger.Warn("dropping breakpoint",
				zap.String("unit", bp.Unit),
				zap.Int("line", bp.Line),
				zap.Error(err))
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (t *BreakpointTable) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.callTimeout)
}

// Detach unbinds the table from its session. Entries are kept without
// their handles.
func (t *BreakpointTable) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.session = nil
	for _, bp := range t.entries {
		bp.handle = nil
	}
}

// Discard drops every breakpoint without contacting the session.
func (t *BreakpointTable) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[breakpointKey]*Breakpoint)
}

type persistedBreakpoints struct {
	Version     int          `json:"version"`
	Breakpoints []Breakpoint `json:"breakpoints"`
}

// SaveBreakpoints writes bps to path as JSON.
func SaveBreakpoints(path string, bps []Breakpoint) error {
	content, err := json.MarshalIndent(persistedBreakpoints{
		Version:     1,
		Breakpoints: bps,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breakpoints: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// LoadBreakpoints reads breakpoints saved by SaveBreakpoints. A missing
// file yields no breakpoints.
func LoadBreakpoints(path string) ([]Breakpoint, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	var data persistedBreakpoints
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("unmarshal breakpoints: %w", err)
	}
	return data.Breakpoints, nil
}
