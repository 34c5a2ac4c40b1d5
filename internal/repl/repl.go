// Package repl is the interactive console for a debug controller.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"github.com/dshills/remotedbg/internal/integration/debug"
)

const prompt = "(remotedbg) "

// Term reads commands from the terminal and prints controller events as
// they arrive.
type Term struct {
	cmds    *Commands
	line    *liner.State
	out     io.Writer
	history string

	mu sync.Mutex
}

// New creates a console for ctrl. history names the file used to persist
// command history; empty disables it.
func New(ctrl Controller, out io.Writer, history string) *Term {
	t := &Term{out: out, history: history}
	t.cmds = NewCommands(ctrl, &lockedWriter{t: t})
	return t
}

// OnEvent prints a debugger event. It implements debug.Listener.
func (t *Term) OnEvent(e debug.DebuggerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "\n[event] %s\n", describe(e))
}

func describe(e debug.DebuggerEvent) string {
	switch e.Kind {
	case debug.ThreadBreakpoint:
		if e.Thread != nil {
			return fmt.Sprintf("thread %d (%s) stopped", e.Thread.ID(), e.Thread.Name())
		}
	case debug.ThreadHalt:
		if e.Thread != nil {
			return fmt.Sprintf("thread %d (%s) halted", e.Thread.ID(), e.Thread.Name())
		}
	}
	return e.String()
}

// Run reads and executes commands until quit, end of input or ctx is done.
func (t *Term) Run(ctx context.Context) error {
	t.line = liner.NewLiner()
	defer t.line.Close()

	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.complete)
	t.readHistory()
	defer t.writeHistory()

	fmt.Fprintln(t.out, "Type 'help' for list of commands.")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		input, err := t.line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				_ = t.cmds.Execute(ctx, "quit")
				return nil
			}
			return fmt.Errorf("prompt: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		t.line.AppendHistory(input)

		if err := t.cmds.Execute(ctx, input); err != nil {
			if errors.Is(err, ErrQuit) {
				return nil
			}
			t.mu.Lock()
			fmt.Fprintf(t.out, "Command failed: %v\n", err)
			t.mu.Unlock()
		}
	}
}

func (t *Term) complete(line string) []string {
	var out []string
	for _, name := range t.cmds.Names() {
		if strings.HasPrefix(name, line) {
			out = append(out, name)
		}
	}
	return out
}

func (t *Term) readHistory() {
	if t.history == "" {
		return
	}
	f, err := os.Open(t.history)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = t.line.ReadHistory(f)
}

func (t *Term) writeHistory() {
	if t.history == "" {
		return
	}
	f, err := os.Create(t.history)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := t.line.WriteHistory(f); err != nil {
		fmt.Fprintln(t.out, "history:", err)
	}
}

// lockedWriter serializes command output with event output.
type lockedWriter struct {
	t *Term
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	return w.t.out.Write(p)
}
