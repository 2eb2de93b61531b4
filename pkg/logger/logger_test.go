package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesAuditToSeparateFile(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Named("loader").Debug("plugin loaded", "plugin_id", "p1")
	Audit().Info("validate", "plugin_id", "p1", "result", "allowed")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), `"component":"loader"`) {
		t.Fatalf("expected component attribute in %s", app)
	}
	audit, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(audit), &entry); err != nil {
		t.Fatalf("audit entry is not json: %v", err)
	}
	if entry["stream"] != "audit" || entry["result"] != "allowed" {
		t.Fatalf("unexpected audit entry %v", entry)
	}
}

func TestInitRejectsAuditWithoutPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestForPluginAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "info")
	ForPlugin("sandbox", "p9").Info("rate limited")
	out := buf.String()
	if !strings.Contains(out, `"plugin_id":"p9"`) || !strings.Contains(out, `"component":"sandbox"`) {
		t.Fatalf("missing attributes: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
