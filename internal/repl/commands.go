package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/dshills/remotedbg/internal/integration/debug"
)

// ErrQuit is returned by the quit command.
var ErrQuit = errors.New("quit")

// ErrUsage wraps argument errors; the message carries the usage line.
var ErrUsage = errors.New("usage")

// Controller is the part of *debug.Controller the console drives.
type Controller interface {
	Launch() error
	Close(restart bool) error
	Status() debug.MachineStatus
	ExitStatus() debug.ExitStatus
	ExceptionInfo() *debug.ExceptionInfo
	Generation() uint64

	ToggleBreakpoint(ctx context.Context, unit string, line int, set bool) error
	Breakpoints() *debug.BreakpointTable

	Threads() []*debug.Thread
	VisibleThreads() []*debug.Thread
	HideSystemThreads(hide bool)
	ContinueThread(id int64) error
	HaltThread(id int64) error
	StepThread(id int64, kind debug.StepKind) error

	GuessNewName(typeName string) string
	AddObjectToScope(ctx context.Context, scope, name string, obj debug.ObjectRef) error
	RemoveObjectFromScope(ctx context.Context, scope, name string) error
	Bindings(scope string) []string
	Scopes() []string
}

type cmdfunc func(ctx context.Context, c *Commands, args []string) error

type command struct {
	aliases []string
	usage   string
	help    string
	fn      cmdfunc
}

func (cmd command) match(name string) bool {
	return lo.Contains(cmd.aliases, name)
}

// Commands maps console input to controller calls.
type Commands struct {
	ctrl  Controller
	out   io.Writer
	scope string
	cmds  []command
}

// DefaultScope is the scope bind and unbind use unless told otherwise.
const DefaultScope = "main"

// NewCommands returns the command table writing its output to out.
func NewCommands(ctrl Controller, out io.Writer) *Commands {
	c := &Commands{ctrl: ctrl, out: out, scope: DefaultScope}
	c.cmds = []command{
		{aliases: []string{"help", "h", "?"}, usage: "help", help: "Show this list.", fn: help},
		{aliases: []string{"break", "b"}, usage: "break UNIT:LINE", help: "Set a line breakpoint.", fn: breakpoint(true)},
		{aliases: []string{"clear"}, usage: "clear UNIT:LINE", help: "Remove a line breakpoint.", fn: breakpoint(false)},
		{aliases: []string{"breakpoints", "bp"}, usage: "breakpoints", help: "List breakpoints.", fn: breakpoints},
		{aliases: []string{"threads", "t"}, usage: "threads [all]", help: "List threads.", fn: threads},
		{aliases: []string{"hide"}, usage: "hide on|off", help: "Hide or show system threads.", fn: hide},
		{aliases: []string{"status", "st"}, usage: "status", help: "Show the debuggee state.", fn: status},
		{aliases: []string{"continue", "c"}, usage: "continue ID", help: "Resume a halted thread.", fn: continueThread},
		{aliases: []string{"halt"}, usage: "halt ID", help: "Halt a running thread.", fn: halt},
		{aliases: []string{"step", "s"}, usage: "step ID [over|into|out]", help: "Step a halted thread.", fn: step},
		{aliases: []string{"bind"}, usage: "bind TYPE ID", help: "Bind a target object under a fresh name.", fn: bind},
		{aliases: []string{"unbind"}, usage: "unbind NAME", help: "Drop a binding.", fn: unbind},
		{aliases: []string{"bindings"}, usage: "bindings [all]", help: "List bindings of the current scope, or of every scope.", fn: bindings},
		{aliases: []string{"launch"}, usage: "launch", help: "Start the debuggee.", fn: launch},
		{aliases: []string{"restart", "r"}, usage: "restart", help: "Close the debuggee and start it again.", fn: closer(true)},
		{aliases: []string{"close"}, usage: "close", help: "Close the debuggee.", fn: closer(false)},
		{aliases: []string{"quit", "exit", "q"}, usage: "quit", help: "Close the debuggee and leave.", fn: quit},
	}
	return c
}

// Execute runs one input line. Blank lines do nothing.
func (c *Commands) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, ok := c.find(fields[0])
	if !ok {
		return fmt.Errorf("unknown command %q, type 'help'", fields[0])
	}
	err := cmd.fn(ctx, c, fields[1:])
	if errors.Is(err, ErrUsage) {
		return fmt.Errorf("%w: %s", ErrUsage, cmd.usage)
	}
	return err
}

// Names returns every command name and alias, for completion.
func (c *Commands) Names() []string {
	var names []string
	for _, cmd := range c.cmds {
		names = append(names, cmd.aliases...)
	}
	sort.Strings(names)
	return names
}

func (c *Commands) find(name string) (command, bool) {
	return lo.Find(c.cmds, func(cmd command) bool { return cmd.match(name) })
}

func (c *Commands) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func help(_ context.Context, c *Commands, _ []string) error {
	for _, cmd := range c.cmds {
		c.printf("  %-26s %s\n", cmd.usage, cmd.help)
	}
	return nil
}

// parseLocation splits UNIT:LINE at the last colon so units may contain
// colons themselves.
func parseLocation(s string) (string, int, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return "", 0, ErrUsage
	}
	line, err := strconv.Atoi(s[i+1:])
	if err != nil || line < 1 {
		return "", 0, ErrUsage
	}
	return s[:i], line, nil
}

func breakpoint(set bool) cmdfunc {
	return func(ctx context.Context, c *Commands, args []string) error {
		if len(args) != 1 {
			return ErrUsage
		}
		unit, line, err := parseLocation(args[0])
		if err != nil {
			return err
		}
		if err := c.ctrl.ToggleBreakpoint(ctx, unit, line, set); err != nil {
			return err
		}
		if set {
			c.printf("breakpoint set at %s:%d\n", unit, line)
		} else {
			c.printf("breakpoint cleared at %s:%d\n", unit, line)
		}
		return nil
	}
}

func breakpoints(_ context.Context, c *Commands, _ []string) error {
	bps := c.ctrl.Breakpoints().Snapshot()
	if len(bps) == 0 {
		c.printf("no breakpoints\n")
		return nil
	}
	for _, bp := range bps {
		state := "pending"
		if bp.Installed() {
			state = "installed"
		}
		c.printf("  %s:%d (%s)\n", bp.Unit, bp.Line, state)
	}
	return nil
}

func threads(_ context.Context, c *Commands, args []string) error {
	list := c.ctrl.VisibleThreads()
	if len(args) == 1 && args[0] == "all" {
		list = c.ctrl.Threads()
	} else if len(args) > 0 {
		return ErrUsage
	}
	if len(list) == 0 {
		c.printf("no threads\n")
		return nil
	}
	for _, t := range list {
		state := "running"
		switch {
		case t.IsFinished():
			state = "finished"
		case t.IsSuspended():
			state = "halted"
		}
		marker := ""
		if t.IsSystem() {
			marker = " [system]"
		}
		c.printf("  %5d  %-30s %s%s\n", t.ID(), t.Name(), state, marker)
	}
	return nil
}

func hide(_ context.Context, c *Commands, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	switch args[0] {
	case "on":
		c.ctrl.HideSystemThreads(true)
	case "off":
		c.ctrl.HideSystemThreads(false)
	default:
		return ErrUsage
	}
	return nil
}

func status(_ context.Context, c *Commands, _ []string) error {
	c.printf("status: %s (generation %d)\n", c.ctrl.Status(), c.ctrl.Generation())
	if exit := c.ctrl.ExitStatus(); exit != debug.ExitUnknown {
		c.printf("last exit: %s\n", exit)
	}
	if info := c.ctrl.ExceptionInfo(); info != nil {
		c.printf("exception: %s: %s", info.TypeName, info.Message)
		if info.Unit != "" {
			c.printf(" at %s:%d", info.Unit, info.Line)
		}
		c.printf("\n")
	}
	return nil
}

func threadID(args []string, max int) (int64, error) {
	if len(args) < 1 || len(args) > max {
		return 0, ErrUsage
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, ErrUsage
	}
	return id, nil
}

func continueThread(_ context.Context, c *Commands, args []string) error {
	id, err := threadID(args, 1)
	if err != nil {
		return err
	}
	return c.ctrl.ContinueThread(id)
}

func halt(_ context.Context, c *Commands, args []string) error {
	id, err := threadID(args, 1)
	if err != nil {
		return err
	}
	return c.ctrl.HaltThread(id)
}

var stepKinds = map[string]debug.StepKind{
	"over": debug.StepOver,
	"into": debug.StepInto,
	"in":   debug.StepInto,
	"out":  debug.StepOut,
}

func step(_ context.Context, c *Commands, args []string) error {
	id, err := threadID(args, 2)
	if err != nil {
		return err
	}
	kind := debug.StepOver
	if len(args) == 2 {
		k, ok := stepKinds[args[1]]
		if !ok {
			return ErrUsage
		}
		kind = k
	}
	return c.ctrl.StepThread(id, kind)
}

func bind(ctx context.Context, c *Commands, args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return ErrUsage
	}
	name := c.ctrl.GuessNewName(args[0])
	if err := c.ctrl.AddObjectToScope(ctx, c.scope, name, debug.ObjectRef{ID: id, TypeName: args[0]}); err != nil {
		return err
	}
	c.printf("bound %s\n", name)
	return nil
}

func unbind(ctx context.Context, c *Commands, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	return c.ctrl.RemoveObjectFromScope(ctx, c.scope, args[0])
}

func bindings(_ context.Context, c *Commands, args []string) error {
	switch {
	case len(args) == 0:
	case len(args) == 1 && args[0] == "all":
		scopes := c.ctrl.Scopes()
		if len(scopes) == 0 {
			c.printf("no bindings\n")
		}
		for _, scope := range scopes {
			c.printf("%s: %s\n", scope, strings.Join(c.ctrl.Bindings(scope), ", "))
		}
		return nil
	default:
		return ErrUsage
	}

	names := c.ctrl.Bindings(c.scope)
	if len(names) == 0 {
		c.printf("no bindings in %s\n", c.scope)
		return nil
	}
	c.printf("%s: %s\n", c.scope, strings.Join(names, ", "))
	return nil
}

func launch(_ context.Context, c *Commands, _ []string) error {
	return c.ctrl.Launch()
}

func closer(restart bool) cmdfunc {
	return func(_ context.Context, c *Commands, _ []string) error {
		return c.ctrl.Close(restart)
	}
}

func quit(_ context.Context, c *Commands, _ []string) error {
	if err := c.ctrl.Close(false); err != nil {
		c.printf("close: %v\n", err)
	}
	return ErrQuit
}
