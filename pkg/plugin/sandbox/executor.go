package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
)

const (
	CodeDisabled         apperrors.Code = "SANDBOX_DISABLED"
	CodePermissionDenied apperrors.Code = "PERMISSION_DENIED"
	CodeRateLimited      apperrors.Code = "RATE_LIMITED"
	CodeResourceLimit    apperrors.Code = "RESOURCE_LIMIT_EXCEEDED"
	CodePanic            apperrors.Code = "PLUGIN_PANIC"
)

func init() {
	apperrors.Register(CodeDisabled, apperrors.Attributes{Message: "sandbox is disabled", Severity: apperrors.SeverityWarning, Status: 403})
	apperrors.Register(CodePermissionDenied, apperrors.Attributes{Message: "method not permitted", Severity: apperrors.SeverityWarning, Status: 403})
	apperrors.Register(CodeRateLimited, apperrors.Attributes{Message: "rate limit exceeded", Severity: apperrors.SeverityInfo, Retryable: true, Status: 429})
	apperrors.Register(CodeResourceLimit, apperrors.Attributes{Message: "resource limit exceeded", Severity: apperrors.SeverityWarning, Alert: true, Status: 422})
	apperrors.Register(CodePanic, apperrors.Attributes{Message: "plugin panicked", Severity: apperrors.SeverityCritical, Alert: true, Status: 500})
}

// Target is the callable surface a sandbox guards.
type Target interface {
	Call(ctx context.Context, method string, args []any) (any, error)
}

// Usage is the running resource account of one executor.
type Usage struct {
	Memory     uint64        `json:"memory"`
	PeakMemory uint64        `json:"peak_memory"`
	CPU        time.Duration `json:"cpu"`
	Uptime     time.Duration `json:"uptime"`
	Calls      uint64        `json:"calls"`
}

// Option configures an Executor.
type Option func(*Executor)

// WithSampler replaces the process sampler.
func WithSampler(s ResourceSampler) Option {
	return func(e *Executor) {
		if s != nil {
			e.sampler = s
		}
	}
}

// WithClock overrides the time source used for rate limiting and uptime.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTracer overrides the tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

var sharedSampler = NewProcessSampler()

// Executor admits and bounds calls into a single plugin instance.
type Executor struct {
	pluginID string
	target   Target
	sampler  ResourceSampler
	tracer   trace.Tracer
	now      func() time.Time
	log      *slog.Logger

	mu       sync.Mutex
	policy   Policy
	limiters map[string]*windowLimiter
	usage    Usage
	started  time.Time
}

// New creates an executor guarding target with policy.
func New(pluginID string, target Target, policy Policy, opts ...Option) *Executor {
	e := &Executor{
		pluginID: pluginID,
		target:   target,
		sampler:  sharedSampler,
		tracer:   otel.Tracer("PluginRuntime/sandbox"),
		now:      time.Now,
		policy:   policy,
		limiters: make(map[string]*windowLimiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logger.ForPlugin("sandbox", pluginID)
	e.started = e.now()
	return e
}

// Policy returns the active policy.
func (e *Executor) Policy() Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// UpdatePolicy swaps the policy and resets rate limit state.
func (e *Executor) UpdatePolicy(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
	e.limiters = make(map[string]*windowLimiter)
}

// Execute runs method on the target under the active policy.
func (e *Executor) Execute(ctx context.Context, method string, args []any) (any, error) {
	ctx, span := e.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.String("plugin.id", e.pluginID),
		attribute.String("plugin.method", method),
	))
	defer span.End()

	result, err := e.execute(ctx, method, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (e *Executor) execute(ctx context.Context, method string, args []any) (any, error) {
	policy := e.Policy()
	meta := []apperrors.Option{apperrors.WithMetadata("plugin", e.pluginID), apperrors.WithMetadata("method", method)}

	if !policy.IsEnabled() {
		return nil, apperrors.New(CodeDisabled, "sandbox disabled for plugin "+e.pluginID, meta...)
	}
	if !policy.Allows(method) {
		return nil, apperrors.New(CodePermissionDenied, fmt.Sprintf("method %s not in allow-list", method), meta...)
	}
	if !e.admit(method, policy) {
		e.log.Warn("rate limit exceeded", "method", method, "limit", policy.RateLimit(method), "window", policy.window())
		return nil, apperrors.New(CodeRateLimited, fmt.Sprintf("method %s exceeded %d calls per %s", method, policy.RateLimit(method), policy.window()), meta...)
	}

	before, sampleErr := e.sampler.Sample()
	if sampleErr != nil {
		e.log.Debug("resource sample failed", "error", sampleErr)
	}

	value, err := e.run(ctx, method, args, policy.timeout())

	var after Sample
	sampled := sampleErr == nil
	if sampled {
		var afterErr error
		if after, afterErr = e.sampler.Sample(); afterErr != nil {
			e.log.Debug("resource sample failed", "error", afterErr)
			sampled = false
		}
	}
	e.account(before, after, sampled)

	if err != nil {
		if apperrors.Is(err, apperrors.CodeTimeout) {
			return nil, apperrors.Wrap(apperrors.CodeTimeout, err, fmt.Sprintf("method %s exceeded %s", method, policy.timeout()), meta...)
		}
		return nil, err
	}
	if !sampled {
		return value, nil
	}

	if policy.MaxMemoryBytes > 0 && after.Memory > before.Memory && after.Memory-before.Memory > policy.MaxMemoryBytes {
		return nil, apperrors.New(CodeResourceLimit,
			fmt.Sprintf("method %s grew memory by %d bytes (limit %d)", method, after.Memory-before.Memory, policy.MaxMemoryBytes),
			append(meta, apperrors.WithMetadata("resource", "memory"))...)
	}
	if policy.MaxCPUTime > 0 && after.CPU-before.CPU > policy.MaxCPUTime {
		return nil, apperrors.New(CodeResourceLimit,
			fmt.Sprintf("method %s used %s cpu (limit %s)", method, after.CPU-before.CPU, policy.MaxCPUTime),
			append(meta, apperrors.WithMetadata("resource", "cpu"))...)
	}
	return value, nil
}

type outcome struct {
	value any
	err   error
}

func (e *Executor) run(ctx context.Context, method string, args []any, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so a late result after timeout never blocks the goroutine.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: apperrors.New(CodePanic, fmt.Sprintf("method %s panicked: %v", method, r))}
			}
		}()
		v, err := e.target.Call(callCtx, method, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, apperrors.New(apperrors.CodeTimeout, "")
	}
}

// windowLimiter grants a fixed budget of calls per window. The bucket
// refills one token per window and is replaced when the window rolls over,
// so no more than burst calls land inside any one window.
type windowLimiter struct {
	start time.Time
	lim   *rate.Limiter
}

func (e *Executor) admit(method string, policy Policy) bool {
	n := policy.RateLimit(method)
	if n <= 0 {
		return true
	}
	now := e.now()
	window := policy.window()
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.limiters[method]
	if !ok || now.Sub(w.start) >= window {
		w = &windowLimiter{start: now, lim: rate.NewLimiter(rate.Every(window), n)}
		e.limiters[method] = w
	}
	return w.lim.AllowN(now, 1)
}

func (e *Executor) account(before, after Sample, sampled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.usage.Calls++
	if !sampled {
		return
	}
	e.usage.Memory = after.Memory
	if after.Memory > e.usage.PeakMemory {
		e.usage.PeakMemory = after.Memory
	}
	if after.CPU > before.CPU {
		e.usage.CPU += after.CPU - before.CPU
	}
}

// ResourceUsage returns the running account for this executor.
func (e *Executor) ResourceUsage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	u := e.usage
	u.Uptime = e.now().Sub(e.started)
	return u
}

// PluginID returns the id of the guarded plugin.
func (e *Executor) PluginID() string { return e.pluginID }
