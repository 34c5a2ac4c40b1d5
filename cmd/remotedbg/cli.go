package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dshills/remotedbg/internal/config"
	"github.com/dshills/remotedbg/internal/config/loader"
	"github.com/dshills/remotedbg/internal/config/notify"
	"github.com/dshills/remotedbg/internal/integration/debug"
	"github.com/dshills/remotedbg/internal/integration/debug/adapters"
	"github.com/dshills/remotedbg/internal/integration/debug/dap"
	"github.com/dshills/remotedbg/internal/integration/debug/debugtest"
	"github.com/dshills/remotedbg/internal/integration/process"
	"github.com/dshills/remotedbg/internal/logging"
	"github.com/dshills/remotedbg/internal/repl"
)

// CLI is the command line model.
type CLI struct {
	Globals

	Run     RunCmd     `cmd:"" help:"Launch the debuggee and open the console."`
	Config  ConfigCmd  `cmd:"" help:"Inspect the configuration."`
	Version VersionCmd `cmd:"" help:"Print version information."`
}

// Globals are flags shared by every command.
type Globals struct {
	ConfigFile string `name:"config" short:"c" type:"path" help:"Config file (.toml, .yaml)."`
	LogLevel   string `name:"log-level" help:"Override logging.level."`
}

func (g *Globals) load() (*config.Config, config.Options, error) {
	opts := config.Options{Path: g.ConfigFile, EnvPrefix: loader.DefaultEnvPrefix}
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, opts, err
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	return cfg, opts, nil
}

// RunCmd starts the console.
type RunCmd struct {
	Adapter     string   `help:"Debug adapter (delve, python, nodejs)."`
	Program     string   `help:"Program, script or package to debug."`
	Cwd         string   `type:"path" help:"Working directory of the debuggee."`
	Port        int      `help:"Connect to the adapter over this TCP port."`
	Fake        bool     `help:"Use a simulated debuggee instead of a real adapter."`
	Breakpoints string   `type:"path" help:"Load breakpoints from this file and save them back on exit."`
	Args        []string `arg:"" optional:"" passthrough:"" help:"Arguments for the program."`
}

// apply layers the flags over the loaded configuration.
func (r *RunCmd) apply(cfg *config.Config) {
	target := &cfg.Session.Adapter
	if r.Program != "" {
		target.Program = r.Program
		if r.Adapter == "" {
			if kind, ok := adapters.Detect(r.Program); ok {
				target.Kind = kind
			}
		}
	}
	if r.Adapter != "" {
		target.Kind = adapters.Kind(r.Adapter)
	}
	if r.Port != 0 {
		target.Port = r.Port
	}
	if len(r.Args) > 0 {
		target.Args = r.Args
	}
	if r.Cwd != "" {
		cfg.Session.WorkingDir = r.Cwd
	}
}

func (r *RunCmd) Run(g *Globals) error {
	cfg, opts, err := g.load()
	if err != nil {
		return err
	}
	r.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, level, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	for _, key := range cfg.Unknown() {
		logger.Warn("unknown config key", zap.String("key", key))
	}

	factory, cleanup, err := r.factory(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctrl := debug.New(factory,
		debug.WithLogger(logger.Named("debug")),
		debug.WithWorkingDir(cfg.Session.WorkingDir),
		debug.WithIOSink(os.Stdout),
		debug.WithLibraryPath(cfg.Session.LibraryPath...),
		debug.WithSupportClass(cfg.Session.SupportClass),
		debug.WithReadyTimeout(cfg.Session.ReadyTimeout),
		debug.WithCallTimeout(cfg.Session.CallTimeout),
		debug.WithRestartPolicy(cfg.Restart.MaxFailures, cfg.Restart.Window),
		debug.WithHideSystemThreads(cfg.Threads.HideSystem),
	)

	term := repl.New(ctrl, os.Stdout, historyFile())
	ctrl.AddListener(term)
	defer ctrl.RemoveListener(term)

	if opts.Path != "" {
		w, err := config.Watch(opts, cfg, logger.Named("config"))
		if err != nil {
			logger.Warn("config reload disabled", zap.Error(err))
		} else {
			defer w.Close()
			w.Subscribe(config.PathHideSystem, func(c notify.Change) {
				if hide, ok := c.NewValue.(bool); ok {
					ctrl.HideSystemThreads(hide)
				}
			})
			w.Subscribe(config.PathLoggingLevel, func(c notify.Change) {
				if name, ok := c.NewValue.(string); ok {
					if err := logging.SetLevel(level, name); err != nil {
						logger.Warn("apply log level", zap.Error(err))
					}
				}
			})
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if r.Breakpoints != "" {
		if err := restoreBreakpoints(ctx, ctrl, r.Breakpoints); err != nil {
			logger.Warn("restore breakpoints", zap.String("file", r.Breakpoints), zap.Error(err))
		}
	}

	if err := ctrl.Launch(); err != nil {
		return err
	}
	runErr := term.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}

	if r.Breakpoints != "" {
		if err := debug.SaveBreakpoints(r.Breakpoints, ctrl.Breakpoints().Snapshot()); err != nil {
			logger.Warn("save breakpoints", zap.String("file", r.Breakpoints), zap.Error(err))
		}
	}
	return runErr
}

// restoreBreakpoints records the breakpoints saved in path. They are
// installed when the first session attaches.
func restoreBreakpoints(ctx context.Context, ctrl *debug.Controller, path string) error {
	bps, err := debug.LoadBreakpoints(path)
	if err != nil {
		return err
	}
	return ctrl.Breakpoints().Restore(ctx, bps)
}

func (r *RunCmd) factory(cfg *config.Config, logger *zap.Logger) (debug.SessionFactory, func(), error) {
	if r.Fake {
		f := debugtest.NewFactory(cfg.Session.SupportClass)
		f.Script = func(s *debugtest.Session) {
			s.StartThread(debugtest.NewThread(1, "main", false))
			s.StartThread(debugtest.NewThread(2, "Finalizer", true))
			s.Output("simulated debuggee started\n")
			s.Run()
		}
		return f, func() {}, nil
	}

	adapter, err := adapters.NewRegistry().Create(cfg.Session.Adapter)
	if err != nil {
		return nil, nil, err
	}
	sup := process.NewSupervisor(process.WithLogger(logger.Named("process")))
	f := dap.NewFactory(adapter, sup, logger.Named("dap"))
	f.SupportClass = cfg.Session.SupportClass
	f.SystemPrefixes = cfg.Threads.SystemPrefixes
	f.CallTimeout = cfg.Session.CallTimeout
	return f, func() { sup.Shutdown(f.StopGrace) }, nil
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "remotedbg")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, "history")
}

// ConfigCmd groups configuration commands.
type ConfigCmd struct {
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration as YAML."`
}

// ConfigShowCmd prints the merged configuration.
type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(g *Globals) error {
	cfg, _, err := g.load()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

// VersionCmd prints build information.
type VersionCmd struct{}

func (v *VersionCmd) Run(*Globals) error {
	fmt.Printf("remotedbg %s (commit %s, built %s)\n", version, commit, date)
	return nil
}
