// Package monitor samples loaded plugins on an interval and derives alerts,
// recommendations, benchmarks, comparisons and trends from the samples.
package monitor

import (
	"time"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

// CodeMetricsUnavailable is returned when no metrics exist for a plugin.
const CodeMetricsUnavailable apperrors.Code = "METRICS_UNAVAILABLE"

func init() {
	apperrors.Register(CodeMetricsUnavailable, apperrors.Attributes{Message: "performance metrics unavailable", Severity: apperrors.SeverityInfo, Status: 404})
}

// Config holds thresholds and cadence of the monitor.
type Config struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
	// MemoryThreshold is in bytes.
	MemoryThreshold uint64 `yaml:"memoryThreshold" json:"memory_threshold"`
	// CPUThreshold is in percent of one core.
	CPUThreshold        float64 `yaml:"cpuThreshold" json:"cpu_threshold"`
	ErrorRateThreshold  float64 `yaml:"errorRateThreshold" json:"error_rate_threshold"`
	HistorySize         int     `yaml:"historySize" json:"history_size"`
	TrendSize           int     `yaml:"trendSize" json:"trend_size"`
	RecommendationEvery int     `yaml:"recommendationEvery" json:"recommendation_every"`
	BenchmarkIterations int     `yaml:"benchmarkIterations" json:"benchmark_iterations"`
}

// DefaultConfig samples every 5s with a 256MiB / 80% / 5% alert budget.
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Second,
		MemoryThreshold:     256 << 20,
		CPUThreshold:        80,
		ErrorRateThreshold:  0.05,
		HistorySize:         60,
		TrendSize:           288,
		RecommendationEvery: 10,
		BenchmarkIterations: 100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = d.MemoryThreshold
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = d.CPUThreshold
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = d.ErrorRateThreshold
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.TrendSize <= 0 {
		c.TrendSize = d.TrendSize
	}
	if c.RecommendationEvery < 0 {
		c.RecommendationEvery = 0
	}
	if c.BenchmarkIterations <= 0 {
		c.BenchmarkIterations = d.BenchmarkIterations
	}
	return c
}

// Metric names used by alerts, trends and the series store.
const (
	MetricExecutionTime = "execution_time"
	MetricMemory        = "memory"
	MetricCPU           = "cpu"
	MetricErrorRate     = "error_rate"
)

// Alert severities.
const (
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// Alert is raised when a current metric crosses its threshold.
type Alert struct {
	ID        string    `json:"id"`
	PluginID  string    `json:"plugin_id"`
	Metric    string    `json:"metric"`
	Severity  string    `json:"severity"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Recommendation is a remediation suggestion for a sustained breach.
type Recommendation struct {
	ID              string    `json:"id"`
	PluginID        string    `json:"plugin_id"`
	Metric          string    `json:"metric"`
	Priority        string    `json:"priority"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	EstimatedImpact string    `json:"estimated_impact"`
	Steps           []string  `json:"steps"`
	Timestamp       time.Time `json:"timestamp"`
}

// Environment describes the host a benchmark ran on.
type Environment struct {
	Platform    string `json:"platform"`
	MemoryLimit uint64 `json:"memory_limit"`
	CPUCores    int    `json:"cpu_cores"`
	GoVersion   string `json:"go_version"`
}

// Benchmark is the result of one RunBenchmark call.
type Benchmark struct {
	ID            string        `json:"id"`
	PluginID      string        `json:"plugin_id"`
	Suite         string        `json:"suite"`
	Iterations    int           `json:"iterations"`
	ExecutionTime time.Duration `json:"execution_time"`
	MemoryUsage   uint64        `json:"memory_usage"`
	CPUUsage      float64       `json:"cpu_usage"`
	Throughput    float64       `json:"throughput"`
	ErrorRate     float64       `json:"error_rate"`
	Environment   Environment   `json:"environment"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Comparison holds percentage deltas of comparison against baseline.
type Comparison struct {
	BaselineID     string    `json:"baseline_id"`
	ComparisonID   string    `json:"comparison_id"`
	ExecutionTime  float64   `json:"execution_time_delta"`
	Memory         float64   `json:"memory_delta"`
	CPU            float64   `json:"cpu_delta"`
	ErrorRate      float64   `json:"error_rate_delta"`
	Recommendation string    `json:"recommendation"`
	Timestamp      time.Time `json:"timestamp"`
}

// TrendPoint is one value of a metric series.
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Trend directions.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDegrading = "degrading"
)

// TrendReport classifies a metric series.
type TrendReport struct {
	PluginID   string       `json:"plugin_id"`
	Metric     string       `json:"metric"`
	Direction  string       `json:"direction"`
	ChangeRate float64      `json:"change_rate"`
	Points     []TrendPoint `json:"points"`
}

// metricValues flattens the trended metrics of m.
func metricValues(m plugin.PerformanceMetrics) map[string]float64 {
	return map[string]float64{
		MetricExecutionTime: float64(m.ExecutionTime.Average),
		MetricMemory:        float64(m.Memory.Current),
		MetricCPU:           m.CPU.Current,
		MetricErrorRate:     m.ErrorRate,
	}
}
