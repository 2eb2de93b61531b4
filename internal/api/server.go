package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"PluginRuntime/internal/auth"
	"PluginRuntime/internal/observability/metrics"
	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/monitor"
	"PluginRuntime/pkg/plugin/security"
)

// Runtime 是 API 层依赖的插件宿主能力，*host.Host 实现了该接口。
type Runtime interface {
	LoadPlugin(ctx context.Context, entry plugin.RegistryEntry) (*plugin.Instance, error)
	LoadByID(ctx context.Context, id string) (*plugin.Instance, error)
	UnloadPlugin(ctx context.Context, id string) error
	ReloadPlugin(ctx context.Context, id string) (*plugin.Instance, error)
	ExecutePluginMethod(ctx context.Context, id, method string, args []any) (any, error)
	GetPlugin(id string) (*plugin.Instance, bool)
	GetLoadedPlugins() []*plugin.Instance
	EnableHotReload() error
	DisableHotReload()
	HotReloadEnabled() bool

	ValidatePlugin(ctx context.Context, entry plugin.RegistryEntry, source []byte) (bool, error)
	GetViolations(id string) []plugin.Violation
	GetAuditTrail(id string) []security.AuditRecord
	GetQuarantineStatus(id string) plugin.QuarantineStatus
	QuarantinePlugin(ctx context.Context, id, reason string) plugin.QuarantineStatus
	ReleaseQuarantine(ctx context.Context, id string) error
	GetSecurityAssessment(id string) (security.SecurityAssessment, error)
	SecurityPolicy() security.Policy
	UpdatePolicy(p security.Policy) error

	GetPluginPerformance(id string) (plugin.PerformanceMetrics, error)
	StartMonitoring(id string) error
	StopMonitoring(id string) bool
	CollectMetrics(ctx context.Context, id string) (plugin.PerformanceMetrics, error)
	GetAlerts(id string) []monitor.Alert
	RunBenchmark(ctx context.Context, id, suite string) (monitor.Benchmark, error)
	GenerateRecommendations(id string) ([]monitor.Recommendation, error)
	ComparePerformance(baselineID, comparisonID string) (monitor.Comparison, error)
	PerformanceTrend(id, metric string) (monitor.TrendReport, error)
}

// Option 定义可选配置。
type Option func(*Server)

// WithAuth 启用认证与授权。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 记录每个请求的 Prometheus 指标。
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = r }
}

// WithTimeouts 设置读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr         string
	runtime      Runtime
	auth         *auth.Service
	metrics      *metrics.Recorder
	readTimeout  time.Duration
	writeTimeout time.Duration
	handler      http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, rt Runtime, opts ...Option) *Server {
	s := &Server{addr: addr, runtime: rt, readTimeout: 15 * time.Second, writeTimeout: 30 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler { return s.handler }

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type access int

const (
	public access = iota
	read
	write
	admin
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, level access, h http.HandlerFunc) {
		var handler http.Handler = h
		if level != public && s.auth != nil {
			handler = s.auth.Middleware(auth.MiddlewareConfig{
				RequiredPermissions: map[string][]string{"*": permissionsFor(level)},
				AuditEvent:          pattern,
			})(handler)
		}
		mux.Handle(pattern, s.observe(handler))
	}

	handle("GET /healthz", public, s.handleHealth)
	handle("POST /api/v1/auth/token", public, s.handleToken)

	handle("GET /api/v1/plugins", read, s.handleListPlugins)
	handle("POST /api/v1/plugins", write, s.handleLoadPlugin)
	handle("GET /api/v1/plugins/{id}", read, s.handleGetPlugin)
	handle("DELETE /api/v1/plugins/{id}", write, s.handleUnloadPlugin)
	handle("POST /api/v1/plugins/{id}/reload", write, s.handleReloadPlugin)
	handle("POST /api/v1/plugins/{id}/methods/{method}", write, s.handleExecute)
	handle("GET /api/v1/hotreload", read, s.handleHotReloadStatus)
	handle("PUT /api/v1/hotreload", admin, s.handleHotReloadToggle)

	handle("POST /api/v1/validate", read, s.handleValidate)
	handle("GET /api/v1/plugins/{id}/violations", read, s.handleViolations)
	handle("GET /api/v1/plugins/{id}/audit", read, s.handleAuditTrail)
	handle("GET /api/v1/plugins/{id}/assessment", read, s.handleAssessment)
	handle("GET /api/v1/plugins/{id}/quarantine", read, s.handleQuarantineStatus)
	handle("POST /api/v1/plugins/{id}/quarantine", admin, s.handleQuarantine)
	handle("DELETE /api/v1/plugins/{id}/quarantine", admin, s.handleRelease)
	handle("GET /api/v1/security/policy", read, s.handleGetPolicy)
	handle("PUT /api/v1/security/policy", admin, s.handleUpdatePolicy)

	handle("GET /api/v1/plugins/{id}/performance", read, s.handlePerformance)
	handle("POST /api/v1/plugins/{id}/performance/collect", write, s.handleCollect)
	handle("POST /api/v1/plugins/{id}/monitoring", write, s.handleStartMonitoring)
	handle("DELETE /api/v1/plugins/{id}/monitoring", write, s.handleStopMonitoring)
	handle("GET /api/v1/plugins/{id}/alerts", read, s.handleAlerts)
	handle("POST /api/v1/plugins/{id}/benchmarks", write, s.handleBenchmark)
	handle("POST /api/v1/plugins/{id}/recommendations", write, s.handleRecommendations)
	handle("GET /api/v1/plugins/{id}/trend", read, s.handleTrend)
	handle("GET /api/v1/performance/compare", read, s.handleCompare)

	return mux
}

func permissionsFor(level access) []string {
	switch level {
	case read:
		return []string{auth.PermPluginsRead}
	case write:
		return []string{auth.PermPluginsWrite}
	case admin:
		return []string{auth.PermSecurityAdmin}
	default:
		return nil
	}
}

// observe 记录请求耗时与状态码，handler 标签使用路由模式以控制基数。
func (s *Server) observe(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.metrics.ObserveHTTPRequest(r.Pattern, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
