package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin/sandbox"
)

// Validator decides whether an entry may be loaded. A rejection returns
// false with a VALIDATION_FAILED error; any other error is a system failure.
type Validator interface {
	Validate(ctx context.Context, entry RegistryEntry, source []byte) (bool, error)
}

// QuarantineChecker reports quarantined plugin ids.
type QuarantineChecker interface {
	IsQuarantined(id string) bool
}

// ViolationRecorder receives violations observed at runtime.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, v Violation) Violation
}

// Option modifies the behaviour of a Loader.
type Option func(*Loader)

// WithResolver sets the module resolver.
func WithResolver(r Resolver) Option {
	return func(l *Loader) {
		if r != nil {
			l.resolver = r
		}
	}
}

// WithValidator installs the pre-load validator.
func WithValidator(v Validator) Option {
	return func(l *Loader) { l.validator = v }
}

// WithQuarantineChecker installs the quarantine lookup consulted before every load.
func WithQuarantineChecker(q QuarantineChecker) Option {
	return func(l *Loader) { l.quarantine = q }
}

// WithViolationRecorder installs the sink for runtime sandbox violations.
func WithViolationRecorder(r ViolationRecorder) Option {
	return func(l *Loader) { l.recorder = r }
}

// WithWatcher sets the change watcher used for hot reload.
func WithWatcher(w ChangeWatcher) Option {
	return func(l *Loader) { l.watcher = w }
}

// WithBus sets the event bus.
func WithBus(b *Bus) Option {
	return func(l *Loader) {
		if b != nil {
			l.bus = b
		}
	}
}

// WithDefaultSandbox sets the policy applied to sandboxed plugins without an override.
func WithDefaultSandbox(p sandbox.Policy) Option {
	return func(l *Loader) { l.sandboxPolicy = p }
}

// WithSandboxOptions passes options to every sandbox executor the loader creates.
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(l *Loader) { l.sandboxOpts = append(l.sandboxOpts, opts...) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) {
		if now != nil {
			l.now = now
		}
	}
}

// Loader owns the lifecycle of plugin instances.
type Loader struct {
	resolver      Resolver
	validator     Validator
	quarantine    QuarantineChecker
	recorder      ViolationRecorder
	watcher       ChangeWatcher
	ownsWatcher   bool
	bus           *Bus
	sandboxPolicy sandbox.Policy
	sandboxOpts   []sandbox.Option
	now           func() time.Time
	log           *slog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
	states    map[string]State
	watches   map[string]func()
	hotReload bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewLoader constructs a loader. Without WithResolver only builtin handles
// registered on the returned loader's Resolvers can be loaded.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		resolver:      NewResolvers(),
		bus:           NewBus(),
		sandboxPolicy: sandbox.DefaultPolicy(),
		now:           time.Now,
		log:           logger.Named("loader"),
		instances:     make(map[string]*Instance),
		states:        make(map[string]State),
		watches:       make(map[string]func()),
		locks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Bus returns the loader's event bus.
func (l *Loader) Bus() *Bus { return l.bus }

func (l *Loader) lockFor(id string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

func (l *Loader) setState(id string, s State) {
	l.mu.Lock()
	if s == StateUnloaded {
		delete(l.states, id)
	} else {
		l.states[id] = s
	}
	l.mu.Unlock()
}

// State returns the lifecycle state of id.
func (l *Loader) State(id string) State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.states[id]; ok {
		return s
	}
	return StateUnloaded
}

// LoadPlugin loads entry, or returns the live instance when already loaded.
func (l *Loader) LoadPlugin(ctx context.Context, entry RegistryEntry) (*Instance, error) {
	if entry.ID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "plugin id cannot be empty")
	}
	lock := l.lockFor(entry.ID)
	lock.Lock()
	defer lock.Unlock()

	if inst, ok := l.GetPlugin(entry.ID); ok {
		inst.touch(l.now())
		return inst, nil
	}
	return l.load(ctx, entry, StateLoading)
}

// load runs the load pipeline. The caller holds the id lock.
func (l *Loader) load(ctx context.Context, entry RegistryEntry, transitional State) (*Instance, error) {
	id := entry.ID
	log := l.log.With("plugin_id", id)

	if entry.Status == StatusQuarantined || (l.quarantine != nil && l.quarantine.IsQuarantined(id)) {
		err := apperrors.New(CodeQuarantined, fmt.Sprintf("plugin %s is quarantined", id), apperrors.WithMetadata("plugin", id))
		l.setState(id, StateUnloaded)
		l.bus.Emit(EventError, id, err)
		return nil, err
	}

	l.setState(id, transitional)
	if transitional == StateLoading {
		l.bus.Emit(EventLoading, id, entry)
	}
	fail := func(err error) (*Instance, error) {
		l.setState(id, StateUnloaded)
		log.Warn("load failed", "error", err)
		l.bus.Emit(EventError, id, err)
		return nil, err
	}

	if l.validator != nil {
		var source []byte
		if sp, ok := l.resolver.(SourceProvider); ok {
			src, err := sp.Source(ctx, entry)
			if err != nil {
				return fail(apperrors.Wrap(CodeLoadFailure, err, "read plugin source", apperrors.WithMetadata("plugin", id)))
			}
			source = src
		}
		ok, err := l.validator.Validate(ctx, entry, source)
		switch {
		case err != nil && IsValidationFailed(err):
			return fail(err)
		case err != nil:
			return fail(apperrors.Wrap(CodeLoadFailure, err, "security validation error", apperrors.WithMetadata("plugin", id)))
		case !ok:
			return fail(apperrors.New(CodeValidationFailed, fmt.Sprintf("plugin %s rejected", id), apperrors.WithMetadata("plugin", id)))
		}
	}

	h, err := l.resolver.Resolve(ctx, entry)
	if err != nil {
		if apperrors.CodeOf(err) == CodeLoadFailure {
			return fail(err)
		}
		return fail(apperrors.Wrap(CodeLoadFailure, err, "resolve plugin module", apperrors.WithMetadata("plugin", id)))
	}
	if initer, ok := h.(Initializer); ok {
		if err := initer.Init(ctx); err != nil {
			return fail(apperrors.Wrap(CodeLoadFailure, err, "initialise plugin", apperrors.WithMetadata("plugin", id)))
		}
	}

	inst := newInstance(entry, h, l.now())
	if entry.Metadata.Sandboxed {
		policy := l.sandboxPolicy
		if entry.Sandbox != nil {
			policy = entry.Sandbox.Merge(l.sandboxPolicy)
		}
		inst.Sandbox = sandbox.New(id, h, policy, l.sandboxOpts...)
	}

	l.mu.Lock()
	l.instances[id] = inst
	l.states[id] = StateLoaded
	hot := l.hotReload
	l.mu.Unlock()
	if hot {
		l.watch(inst)
	}

	log.Info("plugin loaded", "version", entry.Metadata.Version, "source", entry.Source, "sandboxed", inst.Sandbox != nil)
	l.bus.Emit(EventLoaded, id, inst)
	return inst, nil
}

// UnloadPlugin removes the live instance of id.
func (l *Loader) UnloadPlugin(ctx context.Context, id string) error {
	lock := l.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := l.GetPlugin(id)
	if !ok {
		return notLoaded(id)
	}
	l.setState(id, StateUnloading)
	l.unload(ctx, inst)
	l.setState(id, StateUnloaded)
	l.bus.Emit(EventUnloaded, id, nil)
	return nil
}

// unload detaches and cleans up inst. The caller holds the id lock.
func (l *Loader) unload(ctx context.Context, inst *Instance) {
	l.unwatch(inst.ID)
	if c, ok := inst.Handle.(Cleaner); ok {
		timeout := sandbox.DefaultTimeout
		if inst.Sandbox != nil {
			if t := inst.Sandbox.Policy().Timeout; t > 0 {
				timeout = t
			}
		}
		if err := runBounded(ctx, timeout, c.Cleanup); err != nil {
			l.log.Warn("plugin cleanup failed", "plugin_id", inst.ID, "error", err)
		}
	}
	l.mu.Lock()
	delete(l.instances, inst.ID)
	l.mu.Unlock()
	l.log.Info("plugin unloaded", "plugin_id", inst.ID)
}

func runBounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReloadPlugin unloads and loads id again using its retained registry entry.
func (l *Loader) ReloadPlugin(ctx context.Context, id string) (*Instance, error) {
	lock := l.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := l.GetPlugin(id)
	if !ok {
		return nil, notLoaded(id)
	}
	l.setState(id, StateReloading)
	entry := inst.Entry
	l.unload(ctx, inst)
	fresh, err := l.load(ctx, entry, StateReloading)
	if err != nil {
		return nil, err
	}
	l.bus.Emit(EventReloaded, id, fresh)
	return fresh, nil
}

// ExecutePluginMethod invokes method on a loaded plugin, through its
// sandbox when it has one.
func (l *Loader) ExecutePluginMethod(ctx context.Context, id, method string, args []any) (any, error) {
	inst, ok := l.GetPlugin(id)
	if !ok {
		return nil, notLoaded(id)
	}
	start := l.now()
	inst.beginCall(start)

	var (
		result any
		err    error
	)
	if inst.Sandbox != nil {
		result, err = inst.Sandbox.Execute(ctx, method, args)
	} else {
		result, err = inst.Handle.Call(ctx, method, args)
	}
	inst.endCall(l.now().Sub(start), err != nil)
	if err != nil {
		l.reportViolation(ctx, inst, method, err)
		return nil, err
	}
	return result, nil
}

func (l *Loader) reportViolation(ctx context.Context, inst *Instance, method string, err error) {
	if l.recorder == nil {
		return
	}
	v := Violation{
		PluginID:    inst.ID,
		Description: err.Error(),
		Context:     map[string]string{"method": method},
		Blocked:     true,
	}
	switch apperrors.CodeOf(err) {
	case sandbox.CodePermissionDenied:
		v.Type, v.Severity = ViolationUnauthorizedAPI, SeverityHigh
	case sandbox.CodeResourceLimit:
		v.Severity = SeverityHigh
		v.Type = ViolationExcessiveMemory
		if apperrors.MetadataOf(err)["resource"] == "cpu" {
			v.Type = ViolationExcessiveCPU
		}
	case apperrors.CodeTimeout:
		v.Type, v.Severity = ViolationTimeout, SeverityMedium
	default:
		return
	}
	l.recorder.RecordViolation(ctx, v)
}

// GetPlugin returns the live instance of id.
func (l *Loader) GetPlugin(id string) (*Instance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inst, ok := l.instances[id]
	return inst, ok
}

// GetLoadedPlugins returns every live instance ordered by id.
func (l *Loader) GetLoadedPlugins() []*Instance {
	l.mu.RLock()
	out := make([]*Instance, 0, len(l.instances))
	for _, inst := range l.instances {
		out = append(out, inst)
	}
	l.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Instance) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// RecordPerformance stores the latest metrics on a live instance.
func (l *Loader) RecordPerformance(id string, m PerformanceMetrics) {
	if inst, ok := l.GetPlugin(id); ok {
		inst.setPerformance(m)
	}
}

// EnableHotReload watches every loaded plugin and every future load.
func (l *Loader) EnableHotReload() error {
	l.mu.Lock()
	if l.watcher == nil {
		w, err := NewFSWatcher(DefaultDebounce)
		if err != nil {
			l.mu.Unlock()
			return apperrors.Wrap(apperrors.CodeInitializationFailure, err, "start file watcher")
		}
		l.watcher, l.ownsWatcher = w, true
	}
	already := l.hotReload
	l.hotReload = true
	l.mu.Unlock()
	if already {
		return nil
	}
	for _, inst := range l.GetLoadedPlugins() {
		l.watch(inst)
	}
	l.log.Info("hot reload enabled")
	l.bus.Emit(EventHotReloadEnabled, "", nil)
	return nil
}

// DisableHotReload cancels every change watch.
func (l *Loader) DisableHotReload() {
	l.mu.Lock()
	was := l.hotReload
	l.hotReload = false
	cancels := l.watches
	l.watches = make(map[string]func())
	l.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if was {
		l.log.Info("hot reload disabled")
		l.bus.Emit(EventHotReloadDisabled, "", nil)
	}
}

// HotReloadEnabled reports whether change watching is armed.
func (l *Loader) HotReloadEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hotReload
}

func (l *Loader) watch(inst *Instance) {
	l.mu.RLock()
	watcher := l.watcher
	l.mu.RUnlock()
	uri := inst.Entry.URI
	if uri == "" || isRemote(uri) || watcher == nil {
		return
	}
	id := inst.ID
	cancel, err := watcher.Watch(uri, func() { l.onChange(id) })
	if err != nil {
		l.log.Warn("watch plugin module failed", "plugin_id", id, "uri", uri, "error", err)
		return
	}
	l.mu.Lock()
	if prev := l.watches[id]; prev != nil {
		prev()
	}
	l.watches[id] = cancel
	l.mu.Unlock()
}

func (l *Loader) unwatch(id string) {
	l.mu.Lock()
	cancel := l.watches[id]
	delete(l.watches, id)
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Loader) onChange(id string) {
	if !l.HotReloadEnabled() {
		return
	}
	l.bus.Emit(EventHotReloadDetected, id, nil)
	ctx, cancel := context.WithTimeout(context.Background(), sandbox.DefaultTimeout)
	defer cancel()
	if _, err := l.ReloadPlugin(ctx, id); err != nil && !IsNotLoaded(err) {
		l.log.Error("hot reload failed", "plugin_id", id, "error", err)
	}
}

// Close unloads every plugin and stops change watching.
func (l *Loader) Close(ctx context.Context) error {
	l.DisableHotReload()
	for _, inst := range l.GetLoadedPlugins() {
		if err := l.UnloadPlugin(ctx, inst.ID); err != nil && !IsNotLoaded(err) {
			return err
		}
	}
	l.mu.Lock()
	w, owned := l.watcher, l.ownsWatcher
	if owned {
		l.watcher, l.ownsWatcher = nil, false
	}
	l.mu.Unlock()
	if owned {
		return w.Close()
	}
	return nil
}

func notLoaded(id string) error {
	return apperrors.New(CodeNotLoaded, fmt.Sprintf("plugin %s not loaded", id), apperrors.WithMetadata("plugin", id))
}
