// Package pluginhost is a Go client for the pluginhostd REST API.
package pluginhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/monitor"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with a plugin host.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// Credentials are exchanged for a token pair.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token is an issued token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// ValidationResult is the outcome of a dry-run validation.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Violation *plugin.Violation `json:"violation,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// APIError represents a coded error returned by the host.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("pluginhost api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pluginhost api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the host at rawURL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges credentials for a token pair and stores it for
// subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	body := map[string]string{"grant_type": "password", "username": creds.Username, "password": creds.Password}
	return c.exchange(ctx, body)
}

// Refresh trades the stored refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context) (Token, error) {
	c.mu.RLock()
	refresh := c.refreshToken
	c.mu.RUnlock()
	if refresh == "" {
		return Token{}, fmt.Errorf("pluginhost: refresh token is not set")
	}
	return c.exchange(ctx, map[string]string{"grant_type": "refresh_token", "refresh_token": refresh})
}

func (c *Client) exchange(ctx context.Context, body map[string]string) (Token, error) {
	var token Token
	if err := c.send(ctx, http.MethodPost, "/api/v1/auth/token", body, &token); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.refreshToken = token.RefreshToken
	}
	c.mu.Unlock()
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// ListPlugins returns snapshots of the loaded plugins.
func (c *Client) ListPlugins(ctx context.Context) ([]plugin.InstanceSnapshot, error) {
	var out []plugin.InstanceSnapshot
	return out, c.send(ctx, http.MethodGet, "/api/v1/plugins", nil, &out)
}

// GetPlugin returns the snapshot of a loaded plugin.
func (c *Client) GetPlugin(ctx context.Context, id string) (plugin.InstanceSnapshot, error) {
	var out plugin.InstanceSnapshot
	return out, c.send(ctx, http.MethodGet, pluginPath(id), nil, &out)
}

// LoadPlugin loads id from the host registry.
func (c *Client) LoadPlugin(ctx context.Context, id string) (plugin.InstanceSnapshot, error) {
	var out plugin.InstanceSnapshot
	return out, c.send(ctx, http.MethodPost, "/api/v1/plugins", map[string]string{"id": id}, &out)
}

// LoadEntry loads an explicit registry entry.
func (c *Client) LoadEntry(ctx context.Context, entry plugin.RegistryEntry) (plugin.InstanceSnapshot, error) {
	var out plugin.InstanceSnapshot
	return out, c.send(ctx, http.MethodPost, "/api/v1/plugins", map[string]any{"entry": entry}, &out)
}

// UnloadPlugin unloads id.
func (c *Client) UnloadPlugin(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, pluginPath(id), nil, nil)
}

// ReloadPlugin unloads and reloads id.
func (c *Client) ReloadPlugin(ctx context.Context, id string) (plugin.InstanceSnapshot, error) {
	var out plugin.InstanceSnapshot
	return out, c.send(ctx, http.MethodPost, pluginPath(id, "reload"), nil, &out)
}

// Execute invokes method on id and returns the decoded result.
func (c *Client) Execute(ctx context.Context, id, method string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	var out struct {
		Result any `json:"result"`
	}
	err := c.send(ctx, http.MethodPost, pluginPath(id, "methods", method), map[string]any{"args": args}, &out)
	return out.Result, err
}

// SetHotReload toggles hot reload and returns the resulting state.
func (c *Client) SetHotReload(ctx context.Context, enabled bool) (bool, error) {
	var out struct {
		Enabled bool `json:"enabled"`
	}
	err := c.send(ctx, http.MethodPut, "/api/v1/hotreload", map[string]bool{"enabled": enabled}, &out)
	return out.Enabled, err
}

// Validate runs the security checks against entry without loading it.
// A nil source lets the host read the plugin source itself.
func (c *Client) Validate(ctx context.Context, entry plugin.RegistryEntry, source *string) (ValidationResult, error) {
	var out ValidationResult
	err := c.send(ctx, http.MethodPost, "/api/v1/validate", map[string]any{"entry": entry, "source": source}, &out)
	return out, err
}

// Violations lists recorded violations of id.
func (c *Client) Violations(ctx context.Context, id string) ([]plugin.Violation, error) {
	var out []plugin.Violation
	return out, c.send(ctx, http.MethodGet, pluginPath(id, "violations"), nil, &out)
}

// QuarantineStatus reports whether id is quarantined.
func (c *Client) QuarantineStatus(ctx context.Context, id string) (plugin.QuarantineStatus, error) {
	var out plugin.QuarantineStatus
	return out, c.send(ctx, http.MethodGet, pluginPath(id, "quarantine"), nil, &out)
}

// Quarantine isolates id and evicts it when loaded.
func (c *Client) Quarantine(ctx context.Context, id, reason string) (plugin.QuarantineStatus, error) {
	var out plugin.QuarantineStatus
	return out, c.send(ctx, http.MethodPost, pluginPath(id, "quarantine"), map[string]string{"reason": reason}, &out)
}

// ReleaseQuarantine lifts the quarantine of id.
func (c *Client) ReleaseQuarantine(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, pluginPath(id, "quarantine"), nil, nil)
}

// Performance returns the latest metrics of id.
func (c *Client) Performance(ctx context.Context, id string) (plugin.PerformanceMetrics, error) {
	var out plugin.PerformanceMetrics
	return out, c.send(ctx, http.MethodGet, pluginPath(id, "performance"), nil, &out)
}

// Alerts lists the performance alerts raised for id.
func (c *Client) Alerts(ctx context.Context, id string) ([]monitor.Alert, error) {
	var out []monitor.Alert
	return out, c.send(ctx, http.MethodGet, pluginPath(id, "alerts"), nil, &out)
}

func pluginPath(id string, parts ...string) string {
	elems := append([]string{"/api/v1/plugins", id}, parts...)
	return path.Join(elems...)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
