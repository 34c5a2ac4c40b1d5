package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/samber/lo"

	"github.com/dshills/remotedbg/internal/config/loader"
	"github.com/dshills/remotedbg/internal/integration/debug"
	"github.com/dshills/remotedbg/internal/integration/debug/adapters"
)

// Config is the complete remotedbg configuration.
type Config struct {
	Session SessionConfig `yaml:"session" mapstructure:"session"`
	Threads ThreadsConfig `yaml:"threads" mapstructure:"threads"`
	Restart RestartConfig `yaml:"restart" mapstructure:"restart"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	unknown []string
}

// SessionConfig controls how the debuggee is started and prepared.
type SessionConfig struct {
	WorkingDir   string          `yaml:"working_dir" mapstructure:"working_dir"`
	LibraryPath  []string        `yaml:"library_path" mapstructure:"library_path"`
	ReadyTimeout time.Duration   `yaml:"ready_timeout" mapstructure:"ready_timeout"`
	CallTimeout  time.Duration   `yaml:"call_timeout" mapstructure:"call_timeout"`
	SupportClass string          `yaml:"support_class" mapstructure:"support_class"`
	Adapter      adapters.Target `yaml:"adapter" mapstructure:"adapter"`
}

// ThreadsConfig controls the thread display.
type ThreadsConfig struct {
	HideSystem bool `yaml:"hide_system" mapstructure:"hide_system"`
	// SystemPrefixes replaces the built-in system thread name prefixes
	// when non-empty.
	SystemPrefixes []string `yaml:"system_prefixes" mapstructure:"system_prefixes"`
}

// RestartConfig bounds automatic relaunch after abnormal exits.
type RestartConfig struct {
	MaxFailures int           `yaml:"max_failures" mapstructure:"max_failures"`
	Window      time.Duration `yaml:"window" mapstructure:"window"`
}

// LoggingConfig selects the log level, encoding and destination.
type LoggingConfig struct {
	Level    string `yaml:"level" mapstructure:"level"`
	Encoding string `yaml:"encoding" mapstructure:"encoding"`
	Output   string `yaml:"output" mapstructure:"output"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			WorkingDir:   ".",
			ReadyTimeout: 30 * time.Second,
			CallTimeout:  5 * time.Second,
			SupportClass: debug.DefaultSupportClass,
			Adapter: adapters.Target{
				Kind:    adapters.KindDelve,
				Request: adapters.RequestLaunch,
			},
		},
		Restart: RestartConfig{
			MaxFailures: 5,
			Window:      30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
			Output:   "stderr",
		},
	}
}

// Unknown returns the keys present in the sources that no setting uses.
func (c *Config) Unknown() []string { return c.unknown }

// Options selects the sources Load reads.
type Options struct {
	// Path is the config file. Empty means no file.
	Path string
	// EnvPrefix enables environment overrides. Empty disables them.
	EnvPrefix string
	// FS reads the config file; nil uses the OS.
	FS loader.FileSystem
}

// Load builds a Config from the defaults, the file and the environment,
// then validates it.
func Load(opts Options) (*Config, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = loader.DefaultFS()
	}

	var sources []loader.Loader
	if opts.Path != "" {
		l, err := loader.ForPath(fsys, opts.Path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, l)
	}
	if opts.EnvPrefix != "" {
		sources = append(sources, loader.NewEnvLoader(opts.EnvPrefix))
	}

	data, err := loader.LoadAll(sources...)
	if err != nil {
		return nil, err
	}

	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode applies data over the defaults.
func Decode(data map[string]any) (*Config, error) {
	cfg := Default()
	var meta mapstructure.Metadata

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		Metadata:         &meta,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(string(os.PathListSeparator)),
		),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(data); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	sort.Strings(meta.Unused)
	cfg.unknown = meta.Unused
	return cfg, nil
}

var (
	levels    = []string{"debug", "info", "warn", "warning", "error"}
	encodings = []string{"console", "json"}
)

// Validate checks value ranges and the adapter target.
func (c *Config) Validate() error {
	verr := &ValidationError{}

	if c.Session.ReadyTimeout <= 0 {
		verr.add("session.ready_timeout", "must be positive, got %s", c.Session.ReadyTimeout)
	}
	if c.Session.CallTimeout <= 0 {
		verr.add("session.call_timeout", "must be positive, got %s", c.Session.CallTimeout)
	}
	if c.Session.SupportClass == "" {
		verr.add("session.support_class", "must not be empty")
	}
	if !lo.Contains(kindNames(), string(c.Session.Adapter.Kind)) {
		verr.add("session.adapter.type", "unknown adapter %q", c.Session.Adapter.Kind)
	}
	switch c.Session.Adapter.Request {
	case "", adapters.RequestLaunch, adapters.RequestAttach:
	default:
		verr.add("session.adapter.request", "must be launch or attach, got %q", c.Session.Adapter.Request)
	}
	if c.Restart.MaxFailures < 1 {
		verr.add("restart.max_failures", "must be at least 1, got %d", c.Restart.MaxFailures)
	}
	if c.Restart.Window < 0 {
		verr.add("restart.window", "must not be negative, got %s", c.Restart.Window)
	}
	if !lo.Contains(levels, strings.ToLower(c.Logging.Level)) {
		verr.add("logging.level", "unknown level %q", c.Logging.Level)
	}
	if !lo.Contains(encodings, c.Logging.Encoding) {
		verr.add("logging.encoding", "unknown encoding %q", c.Logging.Encoding)
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

func kindNames() []string {
	return lo.Map(adapters.NewRegistry().Kinds(), func(k adapters.Kind, _ int) string { return string(k) })
}
