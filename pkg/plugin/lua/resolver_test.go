package lua

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

const greeter = `
local M = {}
local calls = 0

function M.init()
  calls = 0
  host.log("greeter ready", "id", host.id)
end

function M.greet(name)
  calls = calls + 1
  return host.config("prefix") .. " " .. name
end

function M.count() return calls end

function M.sum(list)
  local total = 0
  for _, v in ipairs(list) do total = total + v end
  return total
end

function M.describe()
  return { name = "greeter", tags = { "a", "b" }, ratio = 0.5 }
end

function M.spin()
  while true do end
end

function M.boom() error("exploded") end

return M
`

func entryWith(src string, cfg map[string]any) (plugin.RegistryEntry, *Resolver) {
	entry := plugin.RegistryEntry{ID: "greeter", Source: plugin.SourceLua, Config: cfg}
	r := NewResolver(WithReader(func(context.Context, plugin.RegistryEntry) ([]byte, error) {
		return []byte(src), nil
	}))
	return entry, r
}

func resolve(t *testing.T, src string) *Handle {
	t.Helper()
	entry, r := entryWith(src, map[string]any{"prefix": "hello"})
	h, err := r.Resolve(context.Background(), entry)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	lh := h.(*Handle)
	t.Cleanup(func() { _ = lh.Cleanup(context.Background()) })
	if err := lh.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return lh
}

func TestResolveExportsMethods(t *testing.T) {
	h := resolve(t, greeter)
	want := []string{"boom", "count", "describe", "greet", "spin", "sum"}
	got := h.Methods()
	if len(got) != len(want) {
		t.Fatalf("methods = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("methods = %v, want %v", got, want)
		}
	}
}

func TestCallConvertsValues(t *testing.T) {
	h := resolve(t, greeter)
	ctx := context.Background()

	out, err := h.Call(ctx, "greet", []any{"lua"})
	if err != nil || out != "hello lua" {
		t.Fatalf("greet = %v, %v", out, err)
	}
	out, err = h.Call(ctx, "count", nil)
	if err != nil || out != int64(1) {
		t.Fatalf("count = %#v, %v", out, err)
	}
	out, err = h.Call(ctx, "sum", []any{[]any{1, 2, 3.5}})
	if err != nil || out != 6.5 {
		t.Fatalf("sum = %#v, %v", out, err)
	}
	out, err = h.Call(ctx, "describe", nil)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	desc, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("describe returned %T", out)
	}
	if desc["name"] != "greeter" || desc["ratio"] != 0.5 {
		t.Fatalf("unexpected describe result %#v", desc)
	}
	if tags, ok := desc["tags"].([]any); !ok || len(tags) != 2 || tags[0] != "a" {
		t.Fatalf("unexpected tags %#v", desc["tags"])
	}
}

func TestCallErrors(t *testing.T) {
	h := resolve(t, greeter)
	ctx := context.Background()

	if _, err := h.Call(ctx, "missing", nil); !isMethodNotFound(err) {
		t.Fatalf("expected method not found, got %v", err)
	}
	if _, err := h.Call(ctx, "init", nil); !isMethodNotFound(err) {
		t.Fatalf("hooks must not be callable, got %v", err)
	}
	if _, err := h.Call(ctx, "boom", nil); err == nil {
		t.Fatal("expected script error")
	}
	// the state stays usable after a script error
	if _, err := h.Call(ctx, "count", nil); err != nil {
		t.Fatalf("count after error: %v", err)
	}
}

func TestCallHonoursContext(t *testing.T) {
	h := resolve(t, greeter)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := h.Call(ctx, "spin", nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("spin was not interrupted")
	}
}

func TestSandboxRemovesLoaders(t *testing.T) {
	src := `
local M = {}
function M.probe()
  return { load = type(load), dofile = type(dofile), os = type(os), io = type(io), req = type(require) }
end
return M
`
	h := resolve(t, src)
	out, err := h.Call(context.Background(), "probe", nil)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	for k, v := range out.(map[string]any) {
		if v != "nil" {
			t.Fatalf("%s should be nil in the sandbox, got %v", k, v)
		}
	}
}

func TestResolveRejectsNonTable(t *testing.T) {
	entry, r := entryWith(`return 42`, nil)
	if _, err := r.Resolve(context.Background(), entry); err == nil {
		t.Fatal("expected error for non-table module")
	}
	entry, r = entryWith(`this is not lua`, nil)
	if _, err := r.Resolve(context.Background(), entry); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestCleanupClosesState(t *testing.T) {
	entry, r := entryWith(`return { cleanup = function() end, ping = function() return "pong" end }`, nil)
	h, err := r.Resolve(context.Background(), entry)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	lh := h.(*Handle)
	if err := lh.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := lh.Call(context.Background(), "ping", nil); err == nil {
		t.Fatal("expected error after cleanup")
	}
	if err := lh.Cleanup(context.Background()); err == nil {
		t.Fatal("second cleanup should report the closed state")
	}
}

func TestLoaderIntegration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeter.lua")
	if err := os.WriteFile(path, []byte(greeter), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	resolvers := plugin.NewResolvers()
	resolvers.Register(plugin.SourceLua, NewResolver())
	loader := plugin.NewLoader(plugin.WithResolver(resolvers))
	ctx := context.Background()

	entry := plugin.RegistryEntry{ID: "greeter", Source: plugin.SourceLua, URI: path, Config: map[string]any{"prefix": "hi"}}
	if _, err := loader.LoadPlugin(ctx, entry); err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := loader.ExecutePluginMethod(ctx, "greeter", "greet", []any{"there"})
	if err != nil || out != "hi there" {
		t.Fatalf("greet = %v, %v", out, err)
	}
	if err := loader.UnloadPlugin(ctx, "greeter"); err != nil {
		t.Fatalf("unload: %v", err)
	}
}

func isMethodNotFound(err error) bool {
	return apperrors.Is(err, plugin.CodeMethodNotFound)
}
