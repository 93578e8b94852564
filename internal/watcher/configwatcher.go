package watcher

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/portel-dev/photonctl/internal/config"
	"github.com/portel-dev/photonctl/internal/federation"
	"github.com/portel-dev/photonctl/internal/photon"
	"github.com/portel-dev/photonctl/internal/telemetry"
)

// ConfigDebounce is the config-file debounce window (spec.md §4.5); wider
// than the filesystem debounce since a human editing the envelope by hand
// writes several fields in sequence.
const ConfigDebounce = 500 * time.Millisecond

// ConfigWatcher observes the parent directory of the configuration
// envelope (watching the parent handles atomic-rename writes correctly,
// per spec.md §4.5), diffing mcpServers into added/removed/modified edits
// applied through the federation catalog on every change.
type ConfigWatcher struct {
	path    string
	catalog *federation.Catalog
	emitter photon.Emitter
	log     telemetry.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current map[string]config.ServerConfig
	timer   *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// ConfigOption configures a ConfigWatcher.
type ConfigOption func(*ConfigWatcher)

// WithConfigLogger attaches structured logging.
func WithConfigLogger(log telemetry.Logger) ConfigOption {
	return func(w *ConfigWatcher) { w.log = log }
}

// WithConfigEmitter attaches the notification emitter.
func WithConfigEmitter(e photon.Emitter) ConfigOption {
	return func(w *ConfigWatcher) { w.emitter = e }
}

// NewConfigWatcher begins watching path's parent directory and applies the
// envelope's current mcpServers block as the initial connect set.
func NewConfigWatcher(path string, catalog *federation.Catalog, initial *config.Envelope, opts ...ConfigOption) (*ConfigWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &ConfigWatcher{
		path:    path,
		catalog: catalog,
		log:     telemetry.NoopLogger{},
		watcher: fsw,
		current: map[string]config.ServerConfig{},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.emitter == nil {
		w.emitter = photon.NoopEmitter()
	}
	if initial != nil {
		w.apply(context.Background(), initial.MCPServers)
	}
	return w, nil
}

// Run processes filesystem events on the config directory until ctx is
// canceled or Stop is called.
func (w *ConfigWatcher) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			w.scheduleApply(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error(ctx, "config watcher error", "error", err)
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

// Stop closes the underlying fsnotify watcher.
func (w *ConfigWatcher) Stop() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
}

func (w *ConfigWatcher) scheduleApply(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(ConfigDebounce, func() {
		env, err := config.Load(w.path)
		if err != nil {
			w.log.Warn(ctx, "config reload failed", "error", err)
			return
		}
		w.apply(ctx, env.MCPServers)
	})
}

// apply diffs next against the last-applied mcpServers set and connects
// new servers, disconnects removed ones, and reconnects modified ones
// (spec.md §4.5 Config watcher).
func (w *ConfigWatcher) apply(ctx context.Context, next map[string]config.ServerConfig) {
	w.mu.Lock()
	prev := w.current
	w.current = cloneServerConfigs(next)
	w.mu.Unlock()

	changed := false
	for name, cfg := range next {
		if priorCfg, ok := prev[name]; !ok {
			w.catalog.Add(ctx, toFederationConfig(name, cfg))
			changed = true
		} else if !reflect.DeepEqual(priorCfg, cfg) {
			w.catalog.Remove(name)
			w.catalog.Add(ctx, toFederationConfig(name, cfg))
			changed = true
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			w.catalog.Remove(name)
			changed = true
		}
	}
	if changed {
		w.emitter.PublishListChanged()
	}
}

func toFederationConfig(name string, cfg config.ServerConfig) federation.ServerConfig {
	var env []string
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return federation.ServerConfig{
		Name:    name,
		URL:     cfg.URL,
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     env,
		Dir:     cfg.Cwd,
	}
}

func cloneServerConfigs(in map[string]config.ServerConfig) map[string]config.ServerConfig {
	out := make(map[string]config.ServerConfig, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
