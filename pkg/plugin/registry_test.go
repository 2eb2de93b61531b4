package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin/sandbox"
)

const registryYAML = `
pluginDir: plugins
sandbox:
  enabled: true
  allowedMethods: ["*"]
  defaultRateLimit: 50
  rateWindow: 1m
  timeout: 5s
plugins:
  - id: greeter
    source: lua
    uri: greeter.lua
    tags: [demo]
    metadata:
      name: Greeter
      version: 1.2.0
      author: acme
      permissions: [storage.read]
      verified: true
      sandboxed: true
  - id: adder
    uri: adder.wasm
    status: inactive
    metadata:
      name: Adder
      version: 0.1.0
      author: acme
    sandbox:
      enabled: true
      timeout: 100ms
`

func TestLoadRegistryNormalisesEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(path, []byte(registryYAML), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	entries := reg.List()
	if len(entries) != 2 || entries[0].ID != "greeter" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	greeter, ok := reg.Get("greeter")
	if !ok {
		t.Fatalf("greeter missing")
	}
	if greeter.Metadata.ID != "greeter" || greeter.Status != StatusActive {
		t.Fatalf("expected id and status defaults, got %+v", greeter)
	}
	if greeter.URI != filepath.Join(dir, "plugins", "greeter.lua") {
		t.Fatalf("unexpected uri %s", greeter.URI)
	}
	if greeter.Sandbox == nil || greeter.Sandbox.Timeout != 5*time.Second || greeter.Sandbox.DefaultRateLimit != 50 {
		t.Fatalf("sandboxed entry should inherit registry sandbox, got %+v", greeter.Sandbox)
	}

	adder, _ := reg.Get("adder")
	if adder.Source != SourceWasm {
		t.Fatalf("expected inferred wasm source, got %s", adder.Source)
	}
	if adder.Sandbox.Timeout != 100*time.Millisecond || adder.Sandbox.DefaultRateLimit != 50 {
		t.Fatalf("override should merge with defaults, got %+v", adder.Sandbox)
	}
	if active := reg.Active(); len(active) != 1 || active[0].ID != "greeter" {
		t.Fatalf("expected only greeter active, got %+v", active)
	}
}

func TestSandboxedEntryWithoutSandboxSectionStaysEnabled(t *testing.T) {
	doc := `
plugins:
  - id: calc
    source: local
    metadata: {name: Calc, version: 1.0.0, author: acme, sandboxed: true}
  - id: tuned
    source: local
    metadata: {name: Tuned, version: 1.0.0, author: acme, sandboxed: true}
    sandbox:
      timeout: 2s
`
	parsed, err := ParseRegistry([]byte(doc), "")
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	loader := NewLoader(
		WithResolver(&countingResolver{build: greeter(nil)}),
		WithSandboxOptions(sandbox.WithSampler(sandbox.SamplerFunc(func() (sandbox.Sample, error) { return sandbox.Sample{}, nil }))),
	)
	ctx := context.Background()
	for _, entry := range parsed.Plugins {
		if _, err := loader.LoadPlugin(ctx, entry); err != nil {
			t.Fatalf("load %s: %v", entry.ID, err)
		}
		out, err := loader.ExecutePluginMethod(ctx, entry.ID, "greet", nil)
		if err != nil {
			t.Fatalf("%s: expected sandbox to admit call, got %v", entry.ID, err)
		}
		if out != "hello" {
			t.Fatalf("%s: unexpected result %v", entry.ID, out)
		}
	}
	inst, _ := loader.GetPlugin("tuned")
	if got := inst.Sandbox.Policy().Timeout; got != 2*time.Second {
		t.Fatalf("override timeout lost: %s", got)
	}
}

func TestRegistryLevelDisableIsInherited(t *testing.T) {
	doc := `
sandbox:
  enabled: false
plugins:
  - id: calc
    source: local
    metadata: {name: Calc, version: 1.0.0, author: acme, sandboxed: true}
    sandbox:
      timeout: 2s
`
	parsed, err := ParseRegistry([]byte(doc), "")
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	loader := NewLoader(WithResolver(&countingResolver{build: greeter(nil)}))
	ctx := context.Background()
	if _, err := loader.LoadPlugin(ctx, parsed.Plugins[0]); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := loader.ExecutePluginMethod(ctx, "calc", "greet", nil); apperrors.CodeOf(err) != sandbox.CodeDisabled {
		t.Fatalf("expected SANDBOX_DISABLED, got %v", err)
	}
}

func TestParseRegistryRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"missing id": "plugins:\n  - uri: a.lua\n",
		"duplicate":  "plugins:\n  - id: a\n  - id: a\n",
		"mismatch":   "plugins:\n  - id: a\n    metadata: {id: b}\n",
		"bad yaml":   "plugins: [",
	}
	for name, doc := range cases {
		if _, err := ParseRegistry([]byte(doc), ""); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestInferSource(t *testing.T) {
	cases := map[string]Source{
		"":                       SourceBuiltin,
		"https://cdn/x.lua":      SourceRemote,
		"x.lua":                  SourceLua,
		"x.wasm":                 SourceWasm,
		"x.so":                   SourceGoPlugin,
		"/opt/plugins/something": SourceLocal,
	}
	for uri, want := range cases {
		if got := inferSource(uri); got != want {
			t.Fatalf("inferSource(%q) = %s, want %s", uri, got, want)
		}
	}
}
