package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin/sandbox"
)

type stubValidator struct {
	mu     sync.Mutex
	ok     bool
	err    error
	calls  int
	source []byte
}

func (v *stubValidator) Validate(_ context.Context, _ RegistryEntry, source []byte) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.source = source
	return v.ok, v.err
}

type stubQuarantine map[string]bool

func (q stubQuarantine) IsQuarantined(id string) bool { return q[id] }

type stubRecorder struct {
	mu         sync.Mutex
	violations []Violation
}

func (r *stubRecorder) RecordViolation(_ context.Context, v Violation) Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, v)
	return v
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) record(evt Event) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func (e *eventLog) types() []EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventType, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Type)
	}
	return out
}

func (e *eventLog) count(t EventType) int {
	n := 0
	for _, got := range e.types() {
		if got == t {
			n++
		}
	}
	return n
}

type countingResolver struct {
	resolves atomic.Int32
	build    func() Handle
	src      []byte
}

func (r *countingResolver) Resolve(context.Context, RegistryEntry) (Handle, error) {
	r.resolves.Add(1)
	return r.build(), nil
}

func (r *countingResolver) Source(context.Context, RegistryEntry) ([]byte, error) {
	return r.src, nil
}

func greeter(cleanups *atomic.Int32) func() Handle {
	return func() Handle {
		return &MethodTable{
			Funcs: map[string]Method{
				"greet": func(_ context.Context, args []any) (any, error) {
					if len(args) == 0 {
						return "hello", nil
					}
					return "hello " + args[0].(string), nil
				},
				"fail": func(context.Context, []any) (any, error) { return nil, errors.New("boom") },
				"slow": func(ctx context.Context, _ []any) (any, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				},
			},
			OnCleanup: func(context.Context) error {
				if cleanups != nil {
					cleanups.Add(1)
				}
				return nil
			},
		}
	}
}

func testEntry(id string) RegistryEntry {
	return RegistryEntry{
		ID:       id,
		Source:   SourceLocal,
		URI:      "/plugins/" + id + ".so",
		Status:   StatusActive,
		Metadata: Metadata{ID: id, Name: id, Version: "1.0.0", Author: "acme"},
	}
}

func TestLoadPluginIsIdempotent(t *testing.T) {
	res := &countingResolver{build: greeter(nil)}
	loader := NewLoader(WithResolver(res))
	ctx := context.Background()

	first, err := loader.LoadPlugin(ctx, testEntry("p1"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := loader.LoadPlugin(ctx, testEntry("p1"))
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same instance on repeated load")
	}
	if res.resolves.Load() != 1 {
		t.Fatalf("expected one resolve, got %d", res.resolves.Load())
	}
	if snap := second.Snapshot(); snap.AccessCount != 2 {
		t.Fatalf("expected access count 2, got %d", snap.AccessCount)
	}
	if loader.State("p1") != StateLoaded {
		t.Fatalf("expected loaded state, got %s", loader.State("p1"))
	}
}

func TestConcurrentLoadsResolveOnce(t *testing.T) {
	res := &countingResolver{build: greeter(nil)}
	loader := NewLoader(WithResolver(res))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := loader.LoadPlugin(context.Background(), testEntry("p1")); err != nil {
				t.Errorf("load: %v", err)
			}
		}()
	}
	wg.Wait()
	if res.resolves.Load() != 1 {
		t.Fatalf("expected a single resolve, got %d", res.resolves.Load())
	}
}

func TestQuarantinedPluginRejectedBeforeValidation(t *testing.T) {
	validator := &stubValidator{ok: true}
	res := &countingResolver{build: greeter(nil)}
	loader := NewLoader(WithResolver(res), WithValidator(validator), WithQuarantineChecker(stubQuarantine{"bad": true}))

	_, err := loader.LoadPlugin(context.Background(), testEntry("bad"))
	if !IsQuarantined(err) {
		t.Fatalf("expected QUARANTINED, got %v", err)
	}
	if validator.calls != 0 || res.resolves.Load() != 0 {
		t.Fatalf("quarantine must short-circuit validation and resolution")
	}
	if _, ok := loader.GetPlugin("bad"); ok {
		t.Fatalf("no instance may exist for a quarantined id")
	}
	if loader.State("bad") != StateUnloaded {
		t.Fatalf("expected unloaded state")
	}
}

func TestValidationFailureAndSystemErrorAreDistinct(t *testing.T) {
	res := &countingResolver{build: greeter(nil), src: []byte("return {}")}
	rejecting := &stubValidator{ok: false, err: apperrors.New(CodeValidationFailed, "unsigned")}
	loader := NewLoader(WithResolver(res), WithValidator(rejecting))

	_, err := loader.LoadPlugin(context.Background(), testEntry("p1"))
	if !IsValidationFailed(err) {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
	if string(rejecting.source) != "return {}" {
		t.Fatalf("expected source bytes to reach the validator")
	}

	broken := &stubValidator{err: errors.New("db down")}
	loader = NewLoader(WithResolver(res), WithValidator(broken))
	_, err = loader.LoadPlugin(context.Background(), testEntry("p1"))
	if IsValidationFailed(err) || apperrors.CodeOf(err) != CodeLoadFailure {
		t.Fatalf("expected LOAD_FAILURE for a system error, got %v", err)
	}
	if res.resolves.Load() != 0 {
		t.Fatalf("failed validation must not resolve the module")
	}
}

func TestUnloadRunsCleanupAndReportsNotLoaded(t *testing.T) {
	var cleanups atomic.Int32
	events := &eventLog{}
	bus := NewBus()
	bus.Subscribe(events.record)
	loader := NewLoader(WithResolver(&countingResolver{build: greeter(&cleanups)}), WithBus(bus))
	ctx := context.Background()

	if err := loader.UnloadPlugin(ctx, "missing"); !IsNotLoaded(err) {
		t.Fatalf("expected NOT_LOADED, got %v", err)
	}
	if _, err := loader.LoadPlugin(ctx, testEntry("p1")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := loader.UnloadPlugin(ctx, "p1"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if cleanups.Load() != 1 {
		t.Fatalf("expected cleanup to run once, got %d", cleanups.Load())
	}
	if len(loader.GetLoadedPlugins()) != 0 {
		t.Fatalf("expected no loaded plugins")
	}
	want := []EventType{EventLoading, EventLoaded, EventUnloaded}
	got := events.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestCleanupIsBoundedByTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	res := &countingResolver{build: func() Handle {
		return &MethodTable{
			Funcs:     map[string]Method{},
			OnCleanup: func(context.Context) error { <-block; return nil },
		}
	}}
	policy := sandbox.DefaultPolicy()
	policy.Timeout = 20 * time.Millisecond
	loader := NewLoader(WithResolver(res), WithDefaultSandbox(policy))

	entry := testEntry("p1")
	entry.Metadata.Sandboxed = true
	if _, err := loader.LoadPlugin(context.Background(), entry); err != nil {
		t.Fatalf("load: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- loader.UnloadPlugin(context.Background(), "p1") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unload: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("unload blocked on cleanup")
	}
}

func TestReloadUsesRetainedEntry(t *testing.T) {
	var cleanups atomic.Int32
	res := &countingResolver{build: greeter(&cleanups)}
	events := &eventLog{}
	loader := NewLoader(WithResolver(res))
	loader.Bus().Subscribe(events.record, EventReloaded)
	ctx := context.Background()

	if _, err := loader.ReloadPlugin(ctx, "p1"); !IsNotLoaded(err) {
		t.Fatalf("expected NOT_LOADED, got %v", err)
	}
	first, err := loader.LoadPlugin(ctx, testEntry("p1"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := loader.ReloadPlugin(ctx, "p1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first == second {
		t.Fatalf("expected a fresh instance after reload")
	}
	if second.Entry.URI != first.Entry.URI {
		t.Fatalf("reload must reuse the retained entry")
	}
	if res.resolves.Load() != 2 || cleanups.Load() != 1 {
		t.Fatalf("resolves=%d cleanups=%d", res.resolves.Load(), cleanups.Load())
	}
	if events.count(EventReloaded) != 1 {
		t.Fatalf("expected one reloaded event")
	}
}

func TestExecutePluginMethodCounters(t *testing.T) {
	loader := NewLoader(WithResolver(&countingResolver{build: greeter(nil)}))
	ctx := context.Background()

	if _, err := loader.ExecutePluginMethod(ctx, "p1", "greet", nil); !IsNotLoaded(err) {
		t.Fatalf("expected NOT_LOADED, got %v", err)
	}
	if _, err := loader.LoadPlugin(ctx, testEntry("p1")); err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := loader.ExecutePluginMethod(ctx, "p1", "greet", []any{"bob"})
	if err != nil || out != "hello bob" {
		t.Fatalf("greet = %v, %v", out, err)
	}
	if _, err := loader.ExecutePluginMethod(ctx, "p1", "fail", nil); err == nil {
		t.Fatalf("expected plugin error")
	}
	if _, err := loader.ExecutePluginMethod(ctx, "p1", "nope", nil); apperrors.CodeOf(err) != CodeMethodNotFound {
		t.Fatalf("expected METHOD_NOT_FOUND, got %v", err)
	}
	inst, _ := loader.GetPlugin("p1")
	calls, errs := inst.Counters()
	if calls != 3 || errs != 2 {
		t.Fatalf("calls=%d errors=%d", calls, errs)
	}
	if len(inst.CallDurations()) != 3 {
		t.Fatalf("expected three recorded durations")
	}
}

func TestSandboxViolationsAreRecorded(t *testing.T) {
	recorder := &stubRecorder{}
	policy := sandbox.DefaultPolicy()
	policy.AllowedMethods = []string{"greet", "slow"}
	policy.Timeout = 10 * time.Millisecond
	loader := NewLoader(
		WithResolver(&countingResolver{build: greeter(nil)}),
		WithViolationRecorder(recorder),
		WithDefaultSandbox(policy),
		WithSandboxOptions(sandbox.WithSampler(sandbox.SamplerFunc(func() (sandbox.Sample, error) { return sandbox.Sample{}, nil }))),
	)
	entry := testEntry("p1")
	entry.Metadata.Sandboxed = true
	ctx := context.Background()
	if _, err := loader.LoadPlugin(ctx, entry); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := loader.ExecutePluginMethod(ctx, "p1", "fail", nil); apperrors.CodeOf(err) != sandbox.CodePermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}
	if _, err := loader.ExecutePluginMethod(ctx, "p1", "slow", nil); apperrors.CodeOf(err) != apperrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.violations) != 2 {
		t.Fatalf("expected two violations, got %d", len(recorder.violations))
	}
	if recorder.violations[0].Type != ViolationUnauthorizedAPI || recorder.violations[1].Type != ViolationTimeout {
		t.Fatalf("unexpected violation types %+v", recorder.violations)
	}
}

func TestHotReloadReactsToChanges(t *testing.T) {
	watcher := NewManualWatcher()
	res := &countingResolver{build: greeter(nil)}
	events := &eventLog{}
	loader := NewLoader(WithResolver(res), WithWatcher(watcher))
	loader.Bus().Subscribe(events.record)
	ctx := context.Background()

	entry := testEntry("p1")
	if _, err := loader.LoadPlugin(ctx, entry); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := loader.EnableHotReload(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if watcher.Watching(entry.URI) != 1 {
		t.Fatalf("expected loaded plugin to be watched")
	}

	watcher.Trigger(entry.URI)
	if res.resolves.Load() != 2 {
		t.Fatalf("expected reload on change, resolves=%d", res.resolves.Load())
	}
	if events.count(EventHotReloadDetected) != 1 || events.count(EventReloaded) != 1 {
		t.Fatalf("unexpected events %v", events.types())
	}
	if watcher.Watching(entry.URI) != 1 {
		t.Fatalf("reloaded instance must be watched exactly once, got %d", watcher.Watching(entry.URI))
	}

	loader.DisableHotReload()
	if watcher.Watching(entry.URI) != 0 {
		t.Fatalf("expected watches cancelled")
	}
	watcher.Trigger(entry.URI)
	if res.resolves.Load() != 2 {
		t.Fatalf("changes after disable must not reload")
	}
	if events.count(EventHotReloadEnabled) != 1 || events.count(EventHotReloadDisabled) != 1 {
		t.Fatalf("unexpected events %v", events.types())
	}
}

func TestRecordPerformanceAndClose(t *testing.T) {
	var cleanups atomic.Int32
	loader := NewLoader(WithResolver(&countingResolver{build: greeter(&cleanups)}))
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		if _, err := loader.LoadPlugin(ctx, testEntry(id)); err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
	}
	loaded := loader.GetLoadedPlugins()
	if len(loaded) != 2 || loaded[0].ID != "a" {
		t.Fatalf("expected plugins ordered by id")
	}
	loader.RecordPerformance("a", PerformanceMetrics{PluginID: "a", ErrorRate: 0.5})
	if m, ok := loaded[0].Performance(); !ok || m.ErrorRate != 0.5 {
		t.Fatalf("performance not stored: %+v %v", m, ok)
	}
	if err := loader.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if cleanups.Load() != 2 || len(loader.GetLoadedPlugins()) != 0 {
		t.Fatalf("close must unload every plugin")
	}
}

func TestResolversDispatchBySource(t *testing.T) {
	rs := NewResolvers()
	rs.RegisterBuiltin("echo", greeter(nil)())
	loader := NewLoader(WithResolver(rs))

	entry := testEntry("echo")
	entry.Source = SourceBuiltin
	if _, err := loader.LoadPlugin(context.Background(), entry); err != nil {
		t.Fatalf("load builtin: %v", err)
	}
	other := testEntry("lua-one")
	other.Source = SourceLua
	_, err := loader.LoadPlugin(context.Background(), other)
	if apperrors.CodeOf(err) != CodeLoadFailure {
		t.Fatalf("expected LOAD_FAILURE without a lua resolver, got %v", err)
	}
}
