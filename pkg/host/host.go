// Package host composes the plugin loader, security engine, violation
// ledger and performance monitor behind a single caller-facing API.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/lua"
	"PluginRuntime/pkg/plugin/monitor"
	"PluginRuntime/pkg/plugin/sandbox"
	"PluginRuntime/pkg/plugin/security"
	"PluginRuntime/pkg/plugin/wasm"
)

// Config selects the policies the host enforces.
type Config struct {
	Security  security.Policy `json:"security" yaml:"security"`
	Sandbox   sandbox.Policy  `json:"sandbox" yaml:"sandbox"`
	Monitor   monitor.Config  `json:"monitor" yaml:"monitor"`
	HotReload bool            `json:"hot_reload" yaml:"hotReload"`
}

// DefaultConfig enforces the strict security policy and default sandbox.
func DefaultConfig() Config {
	return Config{
		Security: security.DefaultPolicy(),
		Sandbox:  sandbox.DefaultPolicy(),
		Monitor:  monitor.DefaultConfig(),
	}
}

// Option customises collaborators of a Host.
type Option func(*options)

type options struct {
	resolvers      *plugin.Resolvers
	registry       plugin.Registry
	watcher        plugin.ChangeWatcher
	scheduler      monitor.Scheduler
	sampler        monitor.Sampler
	series         monitor.SeriesStore
	sink           security.Sink
	analyzer       security.Analyzer
	sandboxOptions []sandbox.Option
	bus            *plugin.Bus
}

// WithResolvers replaces the default resolver set.
func WithResolvers(r *plugin.Resolvers) Option { return func(o *options) { o.resolvers = r } }

// WithRegistry lets LoadByID resolve entries from a registry.
func WithRegistry(r plugin.Registry) Option { return func(o *options) { o.registry = r } }

// WithWatcher sets the hot-reload change watcher.
func WithWatcher(w plugin.ChangeWatcher) Option { return func(o *options) { o.watcher = w } }

// WithScheduler sets the monitor scheduler.
func WithScheduler(s monitor.Scheduler) Option { return func(o *options) { o.scheduler = s } }

// WithSampler sets the monitor sampler.
func WithSampler(s monitor.Sampler) Option { return func(o *options) { o.sampler = s } }

// WithSeriesStore persists monitor points.
func WithSeriesStore(s monitor.SeriesStore) Option { return func(o *options) { o.series = s } }

// WithAuditSink persists ledger records.
func WithAuditSink(s security.Sink) Option { return func(o *options) { o.sink = s } }

// WithAnalyzer replaces the code scanner.
func WithAnalyzer(a security.Analyzer) Option { return func(o *options) { o.analyzer = a } }

// WithSandboxOptions passes options to every sandbox executor.
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(o *options) { o.sandboxOptions = append(o.sandboxOptions, opts...) }
}

// WithBus shares an existing event bus.
func WithBus(b *plugin.Bus) Option { return func(o *options) { o.bus = b } }

// DefaultResolvers handles Go plugins, Lua scripts and wasm modules.
func DefaultResolvers() *plugin.Resolvers {
	r := plugin.NewResolvers()
	r.Register(plugin.SourceGoPlugin, plugin.GoPluginResolver{})
	r.Register(plugin.SourceLocal, plugin.GoPluginResolver{})
	r.Register(plugin.SourceLua, lua.NewResolver())
	r.Register(plugin.SourceWasm, wasm.NewResolver())
	return r
}

// Host is the plugin runtime.
type Host struct {
	bus       *plugin.Bus
	resolvers *plugin.Resolvers
	registry  plugin.Registry
	loader    *plugin.Loader
	engine    *security.Engine
	ledger    *security.Ledger
	monitor   *monitor.Monitor
	log       *slog.Logger

	unsubscribe []func()
	evictions   sync.WaitGroup
	closeOnce   sync.Once
}

// New wires a Host. Persisted quarantines are restored from the audit
// sink before New returns.
func New(ctx context.Context, cfg Config, opts ...Option) (*Host, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = plugin.NewBus()
	}
	if o.resolvers == nil {
		o.resolvers = DefaultResolvers()
	}

	ledgerOpts := []security.LedgerOption{security.WithLedgerBus(o.bus), security.WithAutoRelease(cfg.Security.QuarantineAutoRelease)}
	if o.sink != nil {
		ledgerOpts = append(ledgerOpts, security.WithSink(o.sink))
	}
	ledger := security.NewLedger(ledgerOpts...)
	if err := ledger.Restore(ctx); err != nil {
		return nil, err
	}
	engine, err := security.NewEngine(cfg.Security, ledger, security.WithEngineBus(o.bus), security.WithAnalyzer(o.analyzer))
	if err != nil {
		return nil, err
	}

	loaderOpts := []plugin.Option{
		plugin.WithBus(o.bus),
		plugin.WithResolver(o.resolvers),
		plugin.WithValidator(engine),
		plugin.WithQuarantineChecker(ledger),
		plugin.WithViolationRecorder(ledger),
		plugin.WithDefaultSandbox(cfg.Sandbox.Merge(sandbox.DefaultPolicy())),
	}
	if o.watcher != nil {
		loaderOpts = append(loaderOpts, plugin.WithWatcher(o.watcher))
	}
	if len(o.sandboxOptions) > 0 {
		loaderOpts = append(loaderOpts, plugin.WithSandboxOptions(o.sandboxOptions...))
	}
	loader := plugin.NewLoader(loaderOpts...)

	monOpts := []monitor.Option{monitor.WithBus(o.bus), monitor.WithScheduler(o.scheduler), monitor.WithSampler(o.sampler)}
	if o.series != nil {
		monOpts = append(monOpts, monitor.WithSeriesStore(o.series))
	}

	h := &Host{
		bus:       o.bus,
		resolvers: o.resolvers,
		registry:  o.registry,
		loader:    loader,
		engine:    engine,
		ledger:    ledger,
		monitor:   monitor.New(loader, cfg.Monitor, monOpts...),
		log:       logger.Named("host"),
	}
	h.unsubscribe = append(h.unsubscribe,
		o.bus.Subscribe(func(evt plugin.Event) { h.monitor.StopMonitoring(evt.PluginID) }, plugin.EventUnloaded),
		o.bus.Subscribe(h.onQuarantined, plugin.EventQuarantined),
	)
	if cfg.HotReload {
		if err := loader.EnableHotReload(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// onQuarantined evicts a live instance whose id was quarantined. Eviction
// runs asynchronously because the event may fire while the id is locked.
func (h *Host) onQuarantined(evt plugin.Event) {
	if _, ok := h.loader.GetPlugin(evt.PluginID); !ok {
		return
	}
	h.evictions.Add(1)
	go func() {
		defer h.evictions.Done()
		if err := h.loader.UnloadPlugin(context.Background(), evt.PluginID); err != nil && !plugin.IsNotLoaded(err) {
			h.log.Error("evict quarantined plugin failed", "plugin_id", evt.PluginID, "error", err)
			return
		}
		h.log.Warn("quarantined plugin evicted", "plugin_id", evt.PluginID)
	}()
}

// Bus returns the event bus.
func (h *Host) Bus() *plugin.Bus { return h.bus }

// Resolvers returns the resolver set, for registering builtin handles.
func (h *Host) Resolvers() *plugin.Resolvers { return h.resolvers }

// Ledger returns the violation ledger.
func (h *Host) Ledger() *security.Ledger { return h.ledger }

// Monitor returns the performance monitor.
func (h *Host) Monitor() *monitor.Monitor { return h.monitor }

// Subscribe registers fn for the given event types.
func (h *Host) Subscribe(fn plugin.Listener, types ...plugin.EventType) func() {
	return h.bus.Subscribe(fn, types...)
}

// LoadPlugin validates and loads entry.
func (h *Host) LoadPlugin(ctx context.Context, entry plugin.RegistryEntry) (*plugin.Instance, error) {
	return h.loader.LoadPlugin(ctx, entry)
}

// LoadByID loads the registry entry with the given id.
func (h *Host) LoadByID(ctx context.Context, id string) (*plugin.Instance, error) {
	if h.registry == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "no plugin registry configured")
	}
	entry, ok := h.registry.Get(id)
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("plugin %s not in registry", id))
	}
	return h.loader.LoadPlugin(ctx, entry)
}

// LoadRegistry loads every active registry entry and returns the errors
// of the entries that failed.
func (h *Host) LoadRegistry(ctx context.Context) error {
	if h.registry == nil {
		return nil
	}
	type activeLister interface{ Active() []plugin.RegistryEntry }
	entries := h.registry.List()
	if a, ok := h.registry.(activeLister); ok {
		entries = a.Active()
	}
	var errs []error
	for _, entry := range entries {
		if _, err := h.loader.LoadPlugin(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.ID, err))
		}
	}
	return errors.Join(errs...)
}

// UnloadPlugin removes the live instance of id.
func (h *Host) UnloadPlugin(ctx context.Context, id string) error {
	return h.loader.UnloadPlugin(ctx, id)
}

// ReloadPlugin unloads and re-validates id with its retained metadata.
func (h *Host) ReloadPlugin(ctx context.Context, id string) (*plugin.Instance, error) {
	return h.loader.ReloadPlugin(ctx, id)
}

// ExecutePluginMethod invokes method on a loaded plugin.
func (h *Host) ExecutePluginMethod(ctx context.Context, id, method string, args []any) (any, error) {
	out, err := h.loader.ExecutePluginMethod(ctx, id, method, args)
	if err == nil {
		h.bus.Emit(plugin.EventMethodExecuted, id, method)
	}
	return out, err
}

// GetPlugin returns the live instance of id.
func (h *Host) GetPlugin(id string) (*plugin.Instance, bool) { return h.loader.GetPlugin(id) }

// GetLoadedPlugins returns every live instance.
func (h *Host) GetLoadedPlugins() []*plugin.Instance { return h.loader.GetLoadedPlugins() }

// EnableHotReload starts watching plugin sources.
func (h *Host) EnableHotReload() error { return h.loader.EnableHotReload() }

// DisableHotReload stops watching plugin sources.
func (h *Host) DisableHotReload() { h.loader.DisableHotReload() }

// HotReloadEnabled reports whether sources are watched.
func (h *Host) HotReloadEnabled() bool { return h.loader.HotReloadEnabled() }

// GetPluginPerformance returns the last metrics recorded for id.
func (h *Host) GetPluginPerformance(id string) (plugin.PerformanceMetrics, error) {
	if m, ok := h.monitor.Metrics(id); ok {
		return m, nil
	}
	return plugin.PerformanceMetrics{}, apperrors.New(monitor.CodeMetricsUnavailable, fmt.Sprintf("no metrics for plugin %s", id))
}

// ValidatePlugin runs security validation without loading. source may be nil.
func (h *Host) ValidatePlugin(ctx context.Context, entry plugin.RegistryEntry, source []byte) (bool, error) {
	if source == nil {
		src, err := h.resolvers.Source(ctx, entry)
		if err == nil {
			source = src
		}
	}
	return h.engine.Validate(ctx, entry, source)
}

// GetViolations returns the violations of id, or all when id is empty.
func (h *Host) GetViolations(id string) []plugin.Violation { return h.ledger.Violations(id) }

// GetAuditTrail returns the audit records of id.
func (h *Host) GetAuditTrail(id string) []security.AuditRecord { return h.ledger.AuditTrail(id) }

// GetQuarantineStatus returns the quarantine state of id.
func (h *Host) GetQuarantineStatus(id string) plugin.QuarantineStatus {
	return h.ledger.QuarantineStatus(id)
}

// QuarantinePlugin quarantines id by operator decision and evicts it.
func (h *Host) QuarantinePlugin(ctx context.Context, id, reason string) plugin.QuarantineStatus {
	return h.ledger.Quarantine(ctx, id, reason)
}

// ReleaseQuarantine lifts the quarantine of id after review.
func (h *Host) ReleaseQuarantine(ctx context.Context, id string) error {
	return h.ledger.Release(ctx, id)
}

// GetSecurityAssessment returns the assessment of the last successful validation.
func (h *Host) GetSecurityAssessment(id string) (security.SecurityAssessment, error) {
	if a, ok := h.engine.Assessment(id); ok {
		return a, nil
	}
	return security.SecurityAssessment{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("no assessment for plugin %s", id))
}

// SecurityPolicy returns the active security policy.
func (h *Host) SecurityPolicy() security.Policy { return h.engine.Policy() }

// UpdatePolicy replaces the security policy.
func (h *Host) UpdatePolicy(p security.Policy) error { return h.engine.UpdatePolicy(p) }

// StartMonitoring samples id periodically.
func (h *Host) StartMonitoring(id string) error { return h.monitor.StartMonitoring(id) }

// StopMonitoring stops sampling id.
func (h *Host) StopMonitoring(id string) bool { return h.monitor.StopMonitoring(id) }

// CollectMetrics samples id immediately.
func (h *Host) CollectMetrics(ctx context.Context, id string) (plugin.PerformanceMetrics, error) {
	return h.monitor.Collect(ctx, id)
}

// GetAlerts returns the alerts raised for id.
func (h *Host) GetAlerts(id string) []monitor.Alert { return h.monitor.Alerts(id) }

// RunBenchmark runs a benchmark suite against id.
func (h *Host) RunBenchmark(ctx context.Context, id, suite string) (monitor.Benchmark, error) {
	return h.monitor.RunBenchmark(ctx, id, suite)
}

// GenerateRecommendations produces recommendations for id.
func (h *Host) GenerateRecommendations(id string) ([]monitor.Recommendation, error) {
	return h.monitor.GenerateRecommendations(id)
}

// ComparePerformance compares comparison against baseline.
func (h *Host) ComparePerformance(baselineID, comparisonID string) (monitor.Comparison, error) {
	return h.monitor.ComparePerformance(baselineID, comparisonID)
}

// PerformanceTrend classifies the series of metric for id.
func (h *Host) PerformanceTrend(id, metric string) (monitor.TrendReport, error) {
	return h.monitor.Trend(id, metric)
}

// Close stops monitoring, unloads every plugin and stops watchers.
func (h *Host) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		h.monitor.StopAll()
		for _, unsub := range h.unsubscribe {
			unsub()
		}
		h.evictions.Wait()
		err = h.loader.Close(ctx)
	})
	return err
}
