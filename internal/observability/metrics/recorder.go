// Package metrics 基于 Prometheus client_golang 暴露插件运行时指标，
// 数据来自事件总线与 HTTP 中间件。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/monitor"
)

const namespace = "pluginhost"

// Recorder 持有全部指标，并可挂接到事件总线。
type Recorder struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	loaded        prometheus.Gauge
	quarantined   prometheus.Gauge
	violations    *prometheus.CounterVec
	methodCalls   *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	execAverage   *prometheus.GaugeVec
	memoryCurrent *prometheus.GaugeVec
	cpuCurrent    *prometheus.GaugeVec
	errorRate     *prometheus.GaugeVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewRecorder 创建使用独立 Registry 的 Recorder，并附带 Go 运行时与进程指标。
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total", Help: "Runtime events published on the bus.",
		}, []string{"type"}),
		loaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "plugins_loaded", Help: "Number of plugins currently loaded.",
		}),
		quarantined: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "plugins_quarantined", Help: "Number of plugins currently quarantined.",
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "violations_total", Help: "Security violations recorded.",
		}, []string{"type", "severity", "blocked"}),
		methodCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "method_calls_total", Help: "Successful plugin method executions.",
		}, []string{"plugin_id", "method"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "performance_alerts_total", Help: "Performance alerts raised by the monitor.",
		}, []string{"plugin_id", "metric", "severity"}),
		execAverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "execution_time_average_seconds", Help: "Average method execution time.",
		}, []string{"plugin_id"}),
		memoryCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "memory_current_bytes", Help: "Latest sampled plugin memory.",
		}, []string{"plugin_id"}),
		cpuCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cpu_current_percent", Help: "Latest sampled plugin CPU utilisation.",
		}, []string{"plugin_id"}),
		errorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "error_rate_ratio", Help: "Fraction of failed method calls.",
		}, []string{"plugin_id"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.events, r.loaded, r.quarantined, r.violations, r.methodCalls, r.alerts,
		r.execAverage, r.memoryCurrent, r.cpuCurrent, r.errorRate,
		r.httpRequests, r.httpDuration,
	)
	return r
}

// Registry 返回底层 Registry。
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Attach 订阅总线上的全部事件，返回取消订阅函数。
func (r *Recorder) Attach(bus *plugin.Bus) func() {
	return bus.Subscribe(r.Observe)
}

// Observe 根据事件更新指标。
func (r *Recorder) Observe(evt plugin.Event) {
	r.events.WithLabelValues(string(evt.Type)).Inc()
	switch evt.Type {
	case plugin.EventLoaded:
		r.loaded.Inc()
	case plugin.EventUnloaded:
		r.loaded.Dec()
		r.dropPlugin(evt.PluginID)
	case plugin.EventQuarantined:
		r.quarantined.Inc()
	case plugin.EventAuthorized:
		r.quarantined.Dec()
	case plugin.EventViolationDetected:
		if v, ok := evt.Payload.(plugin.Violation); ok {
			r.violations.WithLabelValues(string(v.Type), string(v.Severity), strconv.FormatBool(v.Blocked)).Inc()
		}
	case plugin.EventMethodExecuted:
		method, _ := evt.Payload.(string)
		r.methodCalls.WithLabelValues(evt.PluginID, method).Inc()
	case plugin.EventAlertTriggered:
		if a, ok := evt.Payload.(monitor.Alert); ok {
			r.alerts.WithLabelValues(a.PluginID, a.Metric, a.Severity).Inc()
		}
	case plugin.EventMetricsCollected:
		if m, ok := evt.Payload.(plugin.PerformanceMetrics); ok {
			r.execAverage.WithLabelValues(evt.PluginID).Set(m.ExecutionTime.Average.Seconds())
			r.memoryCurrent.WithLabelValues(evt.PluginID).Set(float64(m.Memory.Current))
			r.cpuCurrent.WithLabelValues(evt.PluginID).Set(m.CPU.Current)
			r.errorRate.WithLabelValues(evt.PluginID).Set(m.ErrorRate)
		}
	}
}

func (r *Recorder) dropPlugin(id string) {
	r.execAverage.DeleteLabelValues(id)
	r.memoryCurrent.DeleteLabelValues(id)
	r.cpuCurrent.DeleteLabelValues(id)
	r.errorRate.DeleteLabelValues(id)
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式暴露指标。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
