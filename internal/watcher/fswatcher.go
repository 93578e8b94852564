// Package watcher drives hot-reload: a filesystem watcher that debounces
// photon file changes into registry Load/Reload calls, a config watcher
// that diffs the mcpServers block into federation Connect/Disconnect/
// Reconnect edits, and a cron job sweeping idle sessions and compacting
// channel rings. Grounded on rcourtman-Pulse's fsnotify-based config
// watcher (per-path debounce timers, mutex-guarded apply) since the
// teacher has no file-watching domain of its own to draw from.
package watcher

import (
	"context"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/portel-dev/photonctl/internal/photon"
	"github.com/portel-dev/photonctl/internal/telemetry"
)

// FSDebounce is the per-photon filesystem debounce window (spec.md §4.5).
const FSDebounce = 100 * time.Millisecond

var dataFileExclude = regexp.MustCompile(`(^|/)(boards/|data\.json$|.*\.json$)`)

// FSWatcher watches a working directory (recursively) plus any per-photon
// asset directories resolved via symbolic link, mapping every relevant
// event to a photon name and debouncing it into a single reload.
type FSWatcher struct {
	root     string
	registry *photon.Registry
	emitter  photon.Emitter
	log      telemetry.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	photons map[string]string // photon name -> absolute path, refreshed on each scheduled fire

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures an FSWatcher.
type Option func(*FSWatcher)

// WithLogger attaches structured logging.
func WithLogger(log telemetry.Logger) Option {
	return func(w *FSWatcher) { w.log = log }
}

// WithEmitter attaches the notification emitter so every watcher-driven
// state change can broadcast tools/list_changed (spec.md §4.5).
func WithEmitter(e photon.Emitter) Option {
	return func(w *FSWatcher) { w.emitter = e }
}

// NewFSWatcher starts watching root recursively, matching known photon
// names found under it plus any additional symlinked asset directories.
func NewFSWatcher(root string, registry *photon.Registry, opts ...Option) (*FSWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &FSWatcher{
		root:     root,
		registry: registry,
		log:      telemetry.NoopLogger{},
		watcher:  fsw,
		timers:   make(map[string]*time.Timer),
		photons:  make(map[string]string),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.emitter == nil {
		w.emitter = photon.NoopEmitter()
	}

	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// WatchAssetDir adds an additional watch root for a photon resolved via
// symbolic link whose real target lies outside the working directory.
func (w *FSWatcher) WatchAssetDir(photonName, dir string) error {
	w.mu.Lock()
	w.photons[photonName] = dir
	w.mu.Unlock()
	return w.addRecursive(dir)
}

func (w *FSWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// Run processes filesystem events until ctx is canceled or Stop is called.
func (w *FSWatcher) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error(ctx, "filesystem watcher error", "error", err)
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

// Stop closes the underlying fsnotify watcher and releases debounce timers.
func (w *FSWatcher) Stop() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.mu.Unlock()
	})
}

func (w *FSWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		rel = event.Name
	}
	rel = filepath.ToSlash(rel)
	if dataFileExclude.MatchString(rel) {
		return
	}

	name, ok := photonNameFor(rel, w.knownPhotonNames())
	if !ok {
		return
	}
	w.scheduleReload(ctx, name, event.Name)
}

// photonNameFor implements spec.md §4.5's mapping rules: a direct
// "<name>.photon.ts" file maps to <name>; a path of the form "<name>/..."
// maps to <name> only if a photon by that name is already known.
func photonNameFor(rel string, known map[string]struct{}) (string, bool) {
	base := filepath.Base(rel)
	if strings.HasSuffix(base, ".photon.ts") {
		return strings.TrimSuffix(base, ".photon.ts"), true
	}
	parts := strings.SplitN(rel, "/", 2)
	if len(parts) > 0 {
		if _, ok := known[parts[0]]; ok {
			return parts[0], true
		}
	}
	return "", false
}

func (w *FSWatcher) knownPhotonNames() map[string]struct{} {
	names := make(map[string]struct{})
	for _, d := range w.registry.List() {
		names[d.Name] = struct{}{}
	}
	return names
}

func (w *FSWatcher) scheduleReload(ctx context.Context, name, absPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[name]; ok {
		t.Stop()
	}
	w.timers[name] = time.AfterFunc(FSDebounce, func() { w.reload(ctx, name, absPath) })
}

func (w *FSWatcher) reload(ctx context.Context, name, absPath string) {
	var err error
	if id, ok := w.registry.IDForName(name); ok {
		_, err = w.registry.Reload(ctx, id)
	} else {
		_, err = w.registry.Load(ctx, name, absPath)
	}
	if err != nil {
		w.log.Warn(ctx, "hot-reload failed", "photon", name, "error", err)
	}
	w.emitter.PublishListChanged()
}
