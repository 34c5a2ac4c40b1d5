package config

import (
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/remotedbg/internal/config/notify"
	"github.com/dshills/remotedbg/internal/config/watcher"
)

// Setting paths that take effect without a restart.
const (
	PathHideSystem   = "threads.hide_system"
	PathLoggingLevel = "logging.level"
)

// Watcher reloads the configuration file when it changes.
//
// Only the reloadable settings are applied to Current and announced to
// subscribers. Changes to anything else are logged and ignored until the
// next start.
type Watcher struct {
	opts     Options
	logger   *zap.Logger
	notifier *notify.Notifier
	files    *watcher.Watcher

	mu      sync.Mutex
	current *Config
}

// Watch starts watching opts.Path. current is the configuration already
// in use; it is copied, not retained.
func Watch(opts Options, current *Config, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := *current
	w := &Watcher{
		opts:     opts,
		logger:   logger,
		notifier: notify.New(),
		current:  &cfg,
	}

	files, err := watcher.New(func(watcher.Event) { w.Reload() },
		watcher.WithDebounce(200*time.Millisecond),
		watcher.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := files.Add(opts.Path); err != nil {
		_ = files.Close()
		return nil, err
	}
	w.files = files
	return w, nil
}

// Subscribe registers fn for changes under path.
func (w *Watcher) Subscribe(path string, fn func(notify.Change)) (unsubscribe func()) {
	return w.notifier.Subscribe(path, fn)
}

// Current returns a copy of the configuration in effect.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.current
}

// Reload reads the sources again and applies reloadable changes. A file
// that fails to load or validate leaves the configuration untouched.
func (w *Watcher) Reload() {
	next, err := Load(w.opts)
	if err != nil {
		w.logger.Warn("config reload failed", zap.String("path", w.opts.Path), zap.Error(err))
		return
	}

	w.mu.Lock()
	prev := *w.current
	var changes []notify.Change
	if prev.Threads.HideSystem != next.Threads.HideSystem {
		changes = append(changes, notify.Change{Path: PathHideSystem, OldValue: prev.Threads.HideSystem, NewValue: next.Threads.HideSystem})
		w.current.Threads.HideSystem = next.Threads.HideSystem
	}
	if prev.Logging.Level != next.Logging.Level {
		changes = append(changes, notify.Change{Path: PathLoggingLevel, OldValue: prev.Logging.Level, NewValue: next.Logging.Level})
		w.current.Logging.Level = next.Logging.Level
	}
	w.mu.Unlock()

	if !sameFixed(prev, *next) {
		w.logger.Info("config changed; restart to apply settings other than " + PathHideSystem + " and " + PathLoggingLevel)
	}
	for _, c := range changes {
		w.logger.Info("config reloaded", zap.String("setting", c.Path), zap.Any("value", c.NewValue))
		w.notifier.Notify(c)
	}
}

// Close stops watching.
func (w *Watcher) Close() error { return w.files.Close() }

// sameFixed compares everything except the reloadable settings.
func sameFixed(a, b Config) bool {
	a.Threads.HideSystem, b.Threads.HideSystem = false, false
	a.Logging.Level, b.Logging.Level = "", ""
	a.unknown, b.unknown = nil, nil
	return reflect.DeepEqual(a, b)
}
