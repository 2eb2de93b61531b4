package wasm

import (
	"context"
	"testing"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

// addModule exports add(i32, i32) -> i32.
var addModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func newResolver(bin []byte) *Resolver {
	return NewResolver(WithReader(func(context.Context, plugin.RegistryEntry) ([]byte, error) {
		return bin, nil
	}))
}

func TestResolveAndCall(t *testing.T) {
	ctx := context.Background()
	h, err := newResolver(addModule).Resolve(ctx, plugin.RegistryEntry{ID: "adder", Source: plugin.SourceWasm})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	wh := h.(*Handle)
	defer wh.Cleanup(ctx)

	if err := wh.Init(ctx); err != nil {
		t.Fatalf("init without hook: %v", err)
	}
	if got := wh.Methods(); len(got) != 1 || got[0] != "add" {
		t.Fatalf("methods = %v", got)
	}
	out, err := wh.Call(ctx, "add", []any{2, int64(40)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if out != int64(42) {
		t.Fatalf("add = %#v, want 42", out)
	}
	out, err = wh.Call(ctx, "add", []any{float64(-5), 3})
	if err != nil || out != int64(-2) {
		t.Fatalf("add negative = %#v, %v", out, err)
	}
}

func TestCallArgumentErrors(t *testing.T) {
	ctx := context.Background()
	h, err := newResolver(addModule).Resolve(ctx, plugin.RegistryEntry{ID: "adder"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer h.(*Handle).Cleanup(ctx)

	if _, err := h.Call(ctx, "add", []any{1}); !apperrors.Is(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for arity, got %v", err)
	}
	if _, err := h.Call(ctx, "add", []any{"one", 2}); !apperrors.Is(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for type, got %v", err)
	}
	if _, err := h.Call(ctx, "sub", []any{1, 2}); !apperrors.Is(err, plugin.CodeMethodNotFound) {
		t.Fatalf("expected method not found, got %v", err)
	}
}

func TestResolveRejectsGarbage(t *testing.T) {
	if _, err := newResolver([]byte("not wasm")).Resolve(context.Background(), plugin.RegistryEntry{ID: "bad"}); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestCleanupClosesModule(t *testing.T) {
	ctx := context.Background()
	h, err := newResolver(addModule).Resolve(ctx, plugin.RegistryEntry{ID: "adder"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	wh := h.(*Handle)
	if err := wh.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := wh.Call(ctx, "add", []any{1, 2}); err == nil {
		t.Fatal("expected error after cleanup")
	}
	if err := wh.Cleanup(ctx); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if wh.MemoryBytes() != 0 {
		t.Fatal("closed module reports memory")
	}
}

func TestLoaderSandboxedWasm(t *testing.T) {
	resolvers := plugin.NewResolvers()
	resolvers.Register(plugin.SourceWasm, newResolver(addModule))
	loader := plugin.NewLoader(plugin.WithResolver(resolvers))
	ctx := context.Background()

	entry := plugin.RegistryEntry{
		ID:       "adder",
		Source:   plugin.SourceWasm,
		Metadata: plugin.Metadata{ID: "adder", Name: "adder", Version: "1.0.0", Author: "test", Sandboxed: true},
	}
	inst, err := loader.LoadPlugin(ctx, entry)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if inst.Sandbox == nil {
		t.Fatal("expected sandbox for sandboxed plugin")
	}
	out, err := loader.ExecutePluginMethod(ctx, "adder", "add", []any{20, 22})
	if err != nil || out != int64(42) {
		t.Fatalf("add = %#v, %v", out, err)
	}
	if err := loader.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}
