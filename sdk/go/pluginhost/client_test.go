package pluginhost

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"PluginRuntime/internal/api"
	"PluginRuntime/pkg/host"
	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/monitor"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	resolvers := host.DefaultResolvers()
	resolvers.RegisterBuiltin("echo", &plugin.MethodTable{Funcs: map[string]plugin.Method{
		"echo": func(_ context.Context, args []any) (any, error) { return args, nil },
	}})
	cfg := host.DefaultConfig()
	cfg.Security.AllowUnsignedPlugins = true
	cfg.Security.AllowUnverifiedPlugins = true
	h, err := host.New(context.Background(), cfg, host.WithResolvers(resolvers), host.WithScheduler(monitor.NewManualScheduler()))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	srv := httptest.NewServer(api.NewServer(":0", h).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func echoEntry() plugin.RegistryEntry {
	return plugin.RegistryEntry{
		ID:       "echo",
		Source:   plugin.SourceBuiltin,
		Metadata: plugin.Metadata{ID: "echo", Name: "echo", Version: "1.0.0", Author: "tests"},
	}
}

func TestClientAgainstHost(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	snap, err := client.LoadEntry(ctx, echoEntry())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.ID != "echo" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	out, err := client.Execute(ctx, "echo", "echo", "hi")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if args, ok := out.([]any); !ok || len(args) != 1 || args[0] != "hi" {
		t.Fatalf("unexpected result: %#v", out)
	}

	list, err := client.ListPlugins(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %+v", err, list)
	}

	status, err := client.Quarantine(ctx, "echo", "suspicious")
	if err != nil || !status.Quarantined {
		t.Fatalf("quarantine: %v %+v", err, status)
	}
	if err := client.ReleaseQuarantine(ctx, "echo"); err != nil {
		t.Fatalf("release: %v", err)
	}
	status, err = client.QuarantineStatus(ctx, "echo")
	if err != nil || status.Quarantined {
		t.Fatalf("status after release: %v %+v", err, status)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	err = client.ReleaseQuarantine(context.Background(), "ghost")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}

	_, err = client.GetPlugin(context.Background(), "ghost")
	if !errors.As(err, &apiErr) || apiErr.Code != "NOT_LOADED" {
		t.Fatalf("expected NOT_LOADED, got %v", err)
	}
}

func TestAuthenticateAndRefresh(t *testing.T) {
	var grants []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/token":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			grants = append(grants, body["grant_type"])
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "access-" + body["grant_type"], RefreshToken: "refresh", TokenType: "Bearer"})
		case "/api/v1/plugins":
			if r.Header.Get("Authorization") != "Bearer access-refresh_token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode([]plugin.InstanceSnapshot{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	if _, err := client.Refresh(ctx); err == nil {
		t.Fatal("refresh without a token should fail")
	}
	if _, err := client.Authenticate(ctx, Credentials{Username: "root", Password: "secret"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := client.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := client.ListPlugins(ctx); err != nil {
		t.Fatalf("list with refreshed token: %v", err)
	}
	if len(grants) != 2 || grants[0] != "password" || grants[1] != "refresh_token" {
		t.Fatalf("unexpected grants: %v", grants)
	}
}
