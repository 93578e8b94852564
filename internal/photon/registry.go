package photon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/portel-dev/photonctl/internal/config"
	"github.com/portel-dev/photonctl/internal/photon/sourceparser"
	"github.com/portel-dev/photonctl/internal/telemetry"
)

// ErrNotFound is returned when a photon name/id is unknown to the registry.
var ErrNotFound = fmt.Errorf("photon not found")

// Emitter is the registry's one outbound dependency, breaking the cyclic
// reference between live handles and the registry (spec.md §9 "Cyclic
// references"): the registry is constructed with an opaque publish callback
// rather than holding a reference to whatever broadcasts tools/list_changed.
type Emitter interface {
	PublishListChanged()
	PublishLoadError(photonID, message string)
}

// noopEmitter discards every notification; used when no Emitter option is
// supplied (e.g. in unit tests of Registry alone).
type noopEmitter struct{}

func (noopEmitter) PublishListChanged()                {}
func (noopEmitter) PublishLoadError(string, string) {}

// NoopEmitter returns an Emitter that discards every notification, for
// callers (such as the watcher pipeline) that need a default Emitter
// without wiring a real broadcaster.
func NoopEmitter() Emitter { return noopEmitter{} }

// liveEntry pairs a descriptor with its runtime handle (nil unless ready).
type liveEntry struct {
	descriptor Descriptor
	handle     *Handle
}

// Config controls registry-wide behavior.
type Config struct {
	// AllowPlaceholderDefaults overrides spec.md §9's "Open question":
	// when true, a parameter whose default looks like a placeholder is
	// accepted instead of forcing needs-config. Off by default, preserving
	// source behavior.
	AllowPlaceholderDefaults bool
}

// Registry is the single source of truth for photons: discover, pre-check,
// load, reload, configure, remove, invoke. All mutating operations are
// intended to run on the control plane's single task-queue goroutine (see
// internal/taskqueue); Registry itself does not serialize access.
type Registry struct {
	mu      sync.RWMutex // guards entries only for read-mostly external callers (e.g. HTTP handlers reading tools/list concurrently with the main task)
	entries map[string]*liveEntry
	byName  map[string]string // name -> id, for Configure/Remove lookups

	parser sourceparser.Parser
	loader *Loader
	config Config

	emitter Emitter
	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	envelopePath string
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithParser overrides the default heuristic source parser.
func WithParser(p sourceparser.Parser) Option { return func(r *Registry) { r.parser = p } }

// WithEmitter supplies the callback used to publish tools/list_changed and
// load-error notifications.
func WithEmitter(e Emitter) Option { return func(r *Registry) { r.emitter = e } }

// WithTelemetry supplies logger/metrics/tracer; defaults to no-ops.
func WithTelemetry(t telemetry.Set) Option {
	return func(r *Registry) {
		r.log, r.metrics, r.tracer = t.Logger, t.Metrics, t.Tracer
	}
}

// WithConfig sets registry-wide behavior flags.
func WithConfig(c Config) Option { return func(r *Registry) { r.config = c } }

// WithEnvelopePath sets the configuration envelope path Configure/Remove
// persist to.
func WithEnvelopePath(path string) Option { return func(r *Registry) { r.envelopePath = path } }

// New constructs a Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: map[string]*liveEntry{},
		byName:  map[string]string{},
		parser:  sourceparser.NewHeuristic(),
		loader:  NewLoader(),
		emitter: noopEmitter{},
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListRoots enumerates candidate photon files under workDir plus the given
// bundled paths. A user-directory photon wins over a bundled one on name
// collision (spec.md §4.1 "List roots").
func ListRoots(workDir string, bundled []string) (map[string]string, error) {
	roots := map[string]string{}
	for _, path := range bundled {
		roots[nameFromPath(path)] = path
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return roots, nil
		}
		return nil, fmt.Errorf("list roots: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".photon.ts") {
			continue
		}
		abs := filepath.Join(workDir, e.Name())
		roots[nameFromPath(abs)] = abs // user directory wins
	}
	return roots, nil
}

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, ".photon.ts")
}

// PreCheck reads source at absPath, extracts declared constructor
// parameters, and computes the env-var key for each. If any required
// parameter is unsatisfied, it returns a needs-config Descriptor without
// loading. Otherwise it proceeds to Load.
func (r *Registry) PreCheck(ctx context.Context, name, absPath string) (Descriptor, error) {
	id := IDFor(absPath)
	src, err := os.ReadFile(absPath)
	if err != nil {
		return r.fail(id, name, absPath, fmt.Sprintf("read source: %v", err)), nil
	}

	parsed, err := r.parser.Parse(src)
	if err != nil {
		return r.fail(id, name, absPath, fmt.Sprintf("parse source: %v", err)), nil
	}

	params := make([]Param, 0, len(parsed.Params))
	var unsatisfied []Param
	for _, rp := range parsed.Params {
		envVar := EnvVarName(name, rp.Name)
		p := Param{
			Name:       rp.Name,
			EnvVar:     envVar,
			Type:       rp.Type,
			Optional:   rp.Optional,
			HasDefault: rp.HasDefault,
			Default:    rp.Default,
		}
		params = append(params, p)

		_, envSet := os.LookupEnv(envVar)
		required := !p.Optional && !p.HasDefault
		placeholder := p.HasDefault && !r.config.AllowPlaceholderDefaults && isPlaceholder(p.Default)
		if (required && !envSet) || (placeholder && !envSet) {
			unsatisfied = append(unsatisfied, p)
		}
	}

	if len(unsatisfied) > 0 {
		d := Descriptor{ID: id, Name: name, AbsPath: absPath, State: StateNeedsConfig, Params: params}
		r.store(d, nil)
		return d, nil
	}

	return r.Load(ctx, name, absPath)
}

// Load executes the module in-process within LoadTimeout and instantiates
// its default export. On success, the descriptor transitions to ready and
// any env var satisfied only by a default is backfilled into the process
// environment so subsequent pre-checks see it as configured.
func (r *Registry) Load(ctx context.Context, name, absPath string) (Descriptor, error) {
	id := IDFor(absPath)
	src, err := os.ReadFile(absPath)
	if err != nil {
		return r.loadFailed(id, name, absPath, fmt.Sprintf("read source: %v", err)), nil
	}

	parsed, err := r.parser.Parse(src)
	if err != nil {
		return r.loadFailed(id, name, absPath, fmt.Sprintf("parse source: %v", err)), nil
	}

	config := map[string]any{}
	backfill := map[string]string{}
	params := make([]Param, 0, len(parsed.Params))
	for _, rp := range parsed.Params {
		envVar := EnvVarName(name, rp.Name)
		val, envSet := os.LookupEnv(envVar)
		p := Param{Name: rp.Name, EnvVar: envVar, Type: rp.Type, Optional: rp.Optional, HasDefault: rp.HasDefault, Default: rp.Default}
		params = append(params, p)

		switch {
		case envSet:
			config[rp.Name] = val
		case rp.HasDefault:
			config[rp.Name] = rp.Default
			// Backfill: the default satisfied this param but no env var
			// was set; written after a successful load so future
			// pre-checks see it configured.
			if s, ok := toEnvString(rp.Default); ok {
				backfill[envVar] = s
			}
		}
	}

	if err := r.validateSchemas(parsed); err != nil {
		return r.loadFailed(id, name, absPath, err.Error()), nil
	}

	handle, err := r.loader.Load(string(src), config)
	if err != nil {
		return r.loadFailed(id, name, absPath, truncate(err.Error(), 200)), nil
	}
	for k, v := range backfill {
		_ = os.Setenv(k, v)
	}

	methods := make([]Method, 0, len(parsed.Methods))
	var appEntry *Method
	for _, rm := range parsed.Methods {
		m := Method{Name: rm.Name, IsTest: rm.IsTest, IsTemplate: rm.IsTemplate, Visibility: []string{"model", "app"}}
		methods = append(methods, m)
		if rm.Name == "main" {
			mm := m
			appEntry = &mm
		}
	}

	d := Descriptor{
		ID: id, Name: name, AbsPath: absPath, State: StateReady,
		Params: params, Methods: methods, AppEntry: appEntry,
		Description: parsed.Meta.Description, Icon: parsed.Meta.Icon,
		Label: parsed.Meta.Label, Version: parsed.Meta.Version, Author: parsed.Meta.Author,
	}
	r.store(d, handle)
	r.log.Info(ctx, "photon loaded", "id", id, "name", name)
	r.metrics.IncCounter("photonctl_registry_loads_total", 1, "outcome", "ready")
	r.emitter.PublishListChanged()
	return d, nil
}

// validateSchemas compiles a type schema for every declared constructor
// parameter so a structurally invalid schema fails at load time. Method
// input schemas are not compiled here.
func (r *Registry) validateSchemas(parsed *sourceparser.Descriptor) error {
	compiler := jsonschema.NewCompiler()
	for i, p := range parsed.Params {
		schema := map[string]any{"type": jsonSchemaType(p.Type)}
		if err := compileInline(compiler, fmt.Sprintf("param-%d", i), schema); err != nil {
			return fmt.Errorf("invalid schema for param %q: %w", p.Name, err)
		}
	}
	return nil
}

func compileInline(compiler *jsonschema.Compiler, key string, schema map[string]any) error {
	url := "mem://" + key
	if err := compiler.AddResource(url, schema); err != nil {
		return err
	}
	_, err := compiler.Compile(url)
	return err
}

func jsonSchemaType(t string) string {
	switch t {
	case "number":
		return "number"
	case "boolean":
		return "boolean"
	default:
		return "string"
	}
}

// Reload atomically replaces a photon's handle: invoke the old instance's
// shutdown hook, clear nothing beyond that (the compiled-module cache is
// implicitly the prior goja.Runtime, dropped on reassignment), and reload.
// On failure the previous handle is retained untouched — no torn state.
func (r *Registry) Reload(ctx context.Context, id string) (Descriptor, error) {
	r.mu.RLock()
	prior, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	name, absPath := prior.descriptor.Name, prior.descriptor.AbsPath

	if prior.handle != nil {
		prior.handle.Shutdown()
	}

	d, err := r.Load(ctx, name, absPath)
	if err != nil {
		return Descriptor{}, err
	}
	if d.State != StateReady {
		// Retain the previous handle; surface the failed descriptor without
		// tearing down what was working.
		r.mu.Lock()
		r.entries[id] = prior
		r.mu.Unlock()
		r.emitter.PublishLoadError(id, d.ErrorMessage)
		return d, nil
	}
	return d, nil
}

// Configure merges env into the process environment and persists it in the
// configuration envelope, then reloads (if ready) or loads (if needs-config).
func (r *Registry) Configure(ctx context.Context, name, absPath string, env map[string]string) (Descriptor, error) {
	for k, v := range env {
		_ = os.Setenv(k, v)
	}
	if r.envelopePath != "" {
		if err := r.persistEnv(name, env); err != nil {
			r.log.Warn(ctx, "configure: persist envelope failed", "photon", name, "error", err.Error())
		}
	}
	id := IDFor(absPath)
	r.mu.RLock()
	_, exists := r.entries[id]
	r.mu.RUnlock()
	if exists {
		return r.Reload(ctx, id)
	}
	return r.Load(ctx, name, absPath)
}

// persistEnv loads the envelope at r.envelopePath, merges env into
// photons[name] keyed by the full environment variable name (matching
// Param.EnvVar, not the bare parameter name), and saves it back so a
// restart rehydrates the same variables.
func (r *Registry) persistEnv(name string, env map[string]string) error {
	envelope, err := config.Load(r.envelopePath)
	if err != nil {
		return fmt.Errorf("load envelope: %w", err)
	}
	if envelope.Photons[name] == nil {
		envelope.Photons[name] = map[string]string{}
	}
	for k, v := range env {
		envelope.Photons[name][k] = v
	}
	return config.Save(r.envelopePath, envelope)
}

// Remove drops a photon's handle and descriptor and, when an envelope path
// is set, deletes the photon's envelope entry and saves the envelope.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		if e, ok := r.entries[id]; ok && e.handle != nil {
			e.handle.Shutdown()
		}
		delete(r.entries, id)
		delete(r.byName, name)
	}
	if r.envelopePath == "" {
		return
	}
	envelope, err := config.Load(r.envelopePath)
	if err == nil {
		delete(envelope.Photons, name)
		err = config.Save(r.envelopePath, envelope)
	}
	if err != nil {
		r.log.Warn(context.Background(), "remove: persist envelope failed", "photon", name, "error", err.Error())
	}
}

// IDForName returns the id currently registered under name, if any. Used
// by the watcher pipeline to decide whether a filesystem event should
// trigger Load (previously unknown photon) or Reload (known photon).
func (r *Registry) IDForName(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// Get returns the current descriptor for id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.descriptor, true
}

// List returns every known descriptor, ready or not.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor)
	}
	return out
}

// Invoke resolves the live instance for id and dispatches method with args,
// binding yield (progress/status/log events) and ask (elicitation) for the
// duration of the call.
func (r *Registry) Invoke(ctx context.Context, id, method string, args map[string]any, yield YieldFunc, ask AskFunc) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if e.descriptor.State != StateReady || e.handle == nil {
		return nil, fmt.Errorf("photon %q is not ready: %w", id, ErrUnconfigured{Missing: missingParamNames(e.descriptor)})
	}

	found := false
	for _, m := range e.descriptor.Methods {
		if m.Name == method {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("method %q not found on photon %q", method, id)
	}

	return e.handle.Invoke(ctx, method, args, yield, ask)
}

// ErrUnconfigured reports a photon invoked while still needs-config, listing
// the missing parameters per spec.md §7's Unconfigured error kind.
type ErrUnconfigured struct {
	Missing []string
}

func (e ErrUnconfigured) Error() string {
	return fmt.Sprintf("unconfigured: missing %v", e.Missing)
}

func missingParamNames(d Descriptor) []string {
	var names []string
	for _, p := range d.Params {
		if _, set := os.LookupEnv(p.EnvVar); !set && !p.HasDefault && !p.Optional {
			names = append(names, p.Name)
		}
	}
	return names
}

func (r *Registry) store(d Descriptor, handle *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.ID] = &liveEntry{descriptor: d, handle: handle}
	r.byName[d.Name] = d.ID
}

func (r *Registry) fail(id, name, absPath, message string) Descriptor {
	d := Descriptor{ID: id, Name: name, AbsPath: absPath, State: StateErrored, ErrorMessage: truncate(message, 200)}
	r.store(d, nil)
	return d
}

func (r *Registry) loadFailed(id, name, absPath, message string) Descriptor {
	d := r.fail(id, name, absPath, message)
	r.metrics.IncCounter("photonctl_registry_loads_total", 1, "outcome", "error")
	r.emitter.PublishLoadError(id, d.ErrorMessage)
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func toEnvString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}
