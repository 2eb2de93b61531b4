package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

// Runtime is the part of the loader the monitor drives.
type Runtime interface {
	GetPlugin(id string) (*plugin.Instance, bool)
	ExecutePluginMethod(ctx context.Context, id, method string, args []any) (any, error)
	RecordPerformance(id string, m plugin.PerformanceMetrics)
}

// SeriesStore persists metric points outside the process.
type SeriesStore interface {
	Append(ctx context.Context, pluginID, metric string, p TrendPoint) error
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithScheduler replaces the ticker scheduler.
func WithScheduler(s Scheduler) Option {
	return func(m *Monitor) {
		if s != nil {
			m.scheduler = s
		}
	}
}

// WithSampler replaces the InstanceSampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) {
		if s != nil {
			m.sampler = s
		}
	}
}

// WithBus sets the event bus.
func WithBus(b *plugin.Bus) Option {
	return func(m *Monitor) { m.bus = b }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSeriesStore persists every collected point.
func WithSeriesStore(s SeriesStore) Option {
	return func(m *Monitor) { m.store = s }
}

// WithEnvironment overrides environment detection for benchmarks.
func WithEnvironment(fn func() Environment) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.environment = fn
		}
	}
}

// Monitor samples loaded plugins and derives alerts and reports.
type Monitor struct {
	rt          Runtime
	cfg         Config
	scheduler   Scheduler
	sampler     Sampler
	bus         *plugin.Bus
	store       SeriesStore
	now         func() time.Time
	environment func() Environment
	log         *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	metrics map[string]plugin.PerformanceMetrics
	alerts  map[string][]Alert
	recs    map[string][]Recommendation
	benches map[string][]Benchmark
	trends  map[string]map[string][]TrendPoint
}

type task struct {
	cancel func()
	run    sync.Mutex
	ticks  int
}

// New returns a monitor over rt.
func New(rt Runtime, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		rt:          rt,
		cfg:         cfg.withDefaults(),
		scheduler:   TickerScheduler{},
		now:         time.Now,
		environment: DetectEnvironment,
		log:         logger.Named("monitor"),
		tasks:       make(map[string]*task),
		metrics:     make(map[string]plugin.PerformanceMetrics),
		alerts:      make(map[string][]Alert),
		recs:        make(map[string][]Recommendation),
		benches:     make(map[string][]Benchmark),
		trends:      make(map[string]map[string][]TrendPoint),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler == nil {
		m.sampler = NewInstanceSampler(m.cfg.HistorySize, nil, m.now)
	}
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// StartMonitoring schedules periodic sampling of id. Restarting replaces
// the previous task.
func (m *Monitor) StartMonitoring(id string) error {
	if _, ok := m.rt.GetPlugin(id); !ok {
		return apperrors.New(plugin.CodeNotLoaded, fmt.Sprintf("plugin %s is not loaded", id), apperrors.WithMetadata("plugin", id))
	}
	m.stop(id, false)

	t := &task{}
	t.cancel = m.scheduler.Every(m.cfg.Interval, func(ctx context.Context) { m.tick(ctx, id, t) })
	m.mu.Lock()
	prev := m.tasks[id]
	m.tasks[id] = t
	m.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	m.log.Info("monitoring started", "plugin_id", id, "interval", m.cfg.Interval)
	m.bus.Emit(plugin.EventMonitoringStarted, id, m.cfg.Interval)
	return nil
}

// StopMonitoring cancels the task of id. It reports whether one existed.
func (m *Monitor) StopMonitoring(id string) bool {
	return m.stop(id, true)
}

func (m *Monitor) stop(id string, emit bool) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	if emit {
		m.log.Info("monitoring stopped", "plugin_id", id)
		m.bus.Emit(plugin.EventMonitoringStopped, id, nil)
	}
	return true
}

// StopAll cancels every task.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	ids := slices.Collect(maps.Keys(m.tasks))
	m.mu.Unlock()
	for _, id := range ids {
		m.StopMonitoring(id)
	}
}

// Monitoring reports whether id has an active task.
func (m *Monitor) Monitoring(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

func (m *Monitor) tick(ctx context.Context, id string, t *task) {
	if !t.run.TryLock() {
		m.log.Debug("previous tick still running", "plugin_id", id)
		return
	}
	defer t.run.Unlock()
	if _, ok := m.rt.GetPlugin(id); !ok {
		m.log.Debug("skip tick for unloaded plugin", "plugin_id", id)
		return
	}
	if _, err := m.Collect(ctx, id); err != nil {
		return
	}
	t.ticks++
	if every := m.cfg.RecommendationEvery; every > 0 && t.ticks%every == 0 {
		if _, err := m.GenerateRecommendations(id); err != nil {
			m.log.Warn("generate recommendations failed", "plugin_id", id, "error", err)
		}
	}
}

// Collect samples id once, stores the metrics and evaluates alerts. A
// sampling error keeps the previous metrics.
func (m *Monitor) Collect(ctx context.Context, id string) (plugin.PerformanceMetrics, error) {
	inst, ok := m.rt.GetPlugin(id)
	if !ok {
		return plugin.PerformanceMetrics{}, apperrors.New(plugin.CodeNotLoaded, fmt.Sprintf("plugin %s is not loaded", id), apperrors.WithMetadata("plugin", id))
	}
	metrics, err := m.sampler.Sample(inst)
	if err != nil {
		m.log.Warn("sample plugin failed", "plugin_id", id, "error", err)
		return plugin.PerformanceMetrics{}, apperrors.Wrap(CodeMetricsUnavailable, err, "sample plugin", apperrors.WithMetadata("plugin", id))
	}
	metrics.PluginID = id
	if metrics.LastMeasurement.IsZero() {
		metrics.LastMeasurement = m.now()
	}

	m.mu.Lock()
	m.metrics[id] = metrics
	series := m.trends[id]
	if series == nil {
		series = make(map[string][]TrendPoint)
		m.trends[id] = series
	}
	values := metricValues(metrics)
	for name, v := range values {
		series[name] = appendBounded(series[name], TrendPoint{Timestamp: metrics.LastMeasurement, Value: v}, m.cfg.TrendSize)
	}
	m.mu.Unlock()

	m.rt.RecordPerformance(id, metrics)
	if m.store != nil {
		for name, v := range values {
			if err := m.store.Append(ctx, id, name, TrendPoint{Timestamp: metrics.LastMeasurement, Value: v}); err != nil {
				m.log.Warn("persist metric point failed", "plugin_id", id, "metric", name, "error", err)
			}
		}
	}
	m.bus.Emit(plugin.EventMetricsCollected, id, metrics)
	m.checkAlerts(metrics)
	return metrics, nil
}

// Metrics returns the last collected metrics of id.
func (m *Monitor) Metrics(id string) (plugin.PerformanceMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics, ok := m.metrics[id]
	return metrics, ok
}

func (m *Monitor) checkAlerts(metrics plugin.PerformanceMetrics) []Alert {
	var raised []Alert
	memThreshold := float64(m.cfg.MemoryThreshold)
	if mem := float64(metrics.Memory.Current); mem > memThreshold {
		sev := AlertWarning
		if mem > memThreshold*1.5 {
			sev = AlertCritical
		}
		raised = append(raised, m.newAlert(metrics.PluginID, MetricMemory, sev, mem, memThreshold,
			fmt.Sprintf("memory %d bytes exceeds %d", metrics.Memory.Current, m.cfg.MemoryThreshold)))
	}
	if cpu := metrics.CPU.Current; cpu > m.cfg.CPUThreshold {
		sev := AlertWarning
		if cpu > m.cfg.CPUThreshold*1.2 {
			sev = AlertCritical
		}
		raised = append(raised, m.newAlert(metrics.PluginID, MetricCPU, sev, cpu, m.cfg.CPUThreshold,
			fmt.Sprintf("cpu %.1f%% exceeds %.1f%%", cpu, m.cfg.CPUThreshold)))
	}
	if rate := metrics.ErrorRate; rate > m.cfg.ErrorRateThreshold {
		raised = append(raised, m.newAlert(metrics.PluginID, MetricErrorRate, AlertWarning, rate, m.cfg.ErrorRateThreshold,
			fmt.Sprintf("error rate %.2f exceeds %.2f", rate, m.cfg.ErrorRateThreshold)))
	}
	if len(raised) == 0 {
		return nil
	}

	m.mu.Lock()
	m.alerts[metrics.PluginID] = append(m.alerts[metrics.PluginID], raised...)
	m.mu.Unlock()
	for _, a := range raised {
		m.log.Warn("performance alert", "plugin_id", a.PluginID, "metric", a.Metric, "severity", a.Severity, "value", a.Value)
		m.bus.Emit(plugin.EventAlertTriggered, a.PluginID, a)
	}
	return raised
}

func (m *Monitor) newAlert(id, metric, severity string, value, threshold float64, msg string) Alert {
	return Alert{
		ID:        uuid.NewString(),
		PluginID:  id,
		Metric:    metric,
		Severity:  severity,
		Value:     value,
		Threshold: threshold,
		Message:   msg,
		Timestamp: m.now(),
	}
}

// Alerts returns the alerts raised for id, oldest first.
func (m *Monitor) Alerts(id string) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.alerts[id])
}

// Recommendations returns the recommendations generated for id.
func (m *Monitor) Recommendations(id string) []Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.recs[id])
}

// GenerateRecommendations inspects average memory and CPU of id. Each
// breached dimension yields one recommendation.
func (m *Monitor) GenerateRecommendations(id string) ([]Recommendation, error) {
	metrics, ok := m.Metrics(id)
	if !ok {
		return nil, unavailable(id)
	}
	var out []Recommendation
	now := m.now()
	if avg, limit := metrics.Memory.Average, m.cfg.MemoryThreshold; avg > limit {
		out = append(out, Recommendation{
			ID:              uuid.NewString(),
			PluginID:        id,
			Metric:          MetricMemory,
			Priority:        priority(float64(avg), float64(limit)),
			Title:           "Reduce memory footprint",
			Description:     fmt.Sprintf("average memory %d bytes is above the %d byte threshold", avg, limit),
			EstimatedImpact: fmt.Sprintf("%.0f%% memory reduction", (1-float64(limit)/float64(avg))*100),
			Steps: []string{
				"profile heap allocations of the hottest methods",
				"release cached data between calls",
				"stream large payloads instead of buffering them",
			},
			Timestamp: now,
		})
	}
	if avg, limit := metrics.CPU.Average, m.cfg.CPUThreshold; avg > limit {
		out = append(out, Recommendation{
			ID:              uuid.NewString(),
			PluginID:        id,
			Metric:          MetricCPU,
			Priority:        priority(avg, limit),
			Title:           "Reduce CPU usage",
			Description:     fmt.Sprintf("average cpu %.1f%% is above the %.1f%% threshold", avg, limit),
			EstimatedImpact: fmt.Sprintf("%.0f%% cpu reduction", (1-limit/avg)*100),
			Steps: []string{
				"profile the plugin under a representative workload",
				"memoise repeated computations",
				"move batch work off the request path",
			},
			Timestamp: now,
		})
	}
	if len(out) == 0 {
		return nil, nil
	}
	m.mu.Lock()
	m.recs[id] = append(m.recs[id], out...)
	m.mu.Unlock()
	for _, r := range out {
		m.bus.Emit(plugin.EventRecommendation, id, r)
	}
	return out, nil
}

func priority(value, limit float64) string {
	if value > limit*1.5 {
		return "high"
	}
	return "medium"
}

func unavailable(id string) error {
	return apperrors.New(CodeMetricsUnavailable, fmt.Sprintf("no metrics for plugin %s", id), apperrors.WithMetadata("plugin", id))
}
