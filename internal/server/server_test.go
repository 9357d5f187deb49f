package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mcpgate/internal/aggregator"
	"mcpgate/internal/config"
	"mcpgate/internal/oauth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	count int
}

func (f *fakeSessions) HandleSSE(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

func (f *fakeSessions) HandleMessage(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (f *fakeSessions) HandleRPC(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
}

func (f *fakeSessions) Count() int { return f.count }

type fakeBackends struct {
	status     []aggregator.BackendStatus
	snap       *aggregator.Snapshot
	restarted  []string
	restartErr error
}

func (f *fakeBackends) Status() []aggregator.BackendStatus { return f.status }
func (f *fakeBackends) Snapshot() *aggregator.Snapshot     { return f.snap }
func (f *fakeBackends) RestartBackend(id string) error {
	if f.restartErr != nil {
		return f.restartErr
	}
	f.restarted = append(f.restarted, id)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Host:     "127.0.0.1",
		Port:     0,
		LogLevel: "info",
		Auth: config.AuthConfig{
			StaticTokens:    []string{"admin-token"},
			AccessTokenTTL:  config.Duration(time.Hour),
			RefreshTokenTTL: config.Duration(24 * time.Hour),
			Clients: []config.ClientConfig{
				{ID: "cli", Secret: "shh", GrantTypes: []string{"client_credentials"}},
			},
		},
		RateLimit:  config.RateLimitConfig{RequestsPerMinute: 6000, Burst: 100},
		Aggregator: config.AggregatorConfig{Name: "mcpgate"},
	}
}

func newTestEdge(t *testing.T, cfg config.Config, backends *fakeBackends) (*httptest.Server, *fakeSessions) {
	t.Helper()

	if backends == nil {
		backends = &fakeBackends{snap: &aggregator.Snapshot{}}
	}
	sessions := &fakeSessions{count: 2}
	s := New(cfg, "1.2.3", oauth.NewServer(cfg.Auth), sessions, backends)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, sessions
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	srv, _ := newTestEdge(t, testConfig(), nil)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/rpc"},
		{http.MethodPost, "/message"},
		{http.MethodGet, "/sse"},
		{http.MethodGet, "/admin/health"},
		{http.MethodGet, "/admin/status"},
		{http.MethodPost, "/oauth/validate"},
		{http.MethodPost, "/admin/backends/a/restart"},
	} {
		resp := do(t, route.method, srv.URL+route.path, "", "")
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", route.method, route.path)
	}
}

func TestPublicRoutes(t *testing.T) {
	srv, _ := newTestEdge(t, testConfig(), nil)

	// The token endpoint is reachable unauthenticated; it does its own
	// client authentication.
	resp := do(t, http.MethodPost, srv.URL+"/oauth/token", "", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var te map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&te))
	assert.Equal(t, "invalid_client", te["error"])

	resp = do(t, http.MethodGet, srv.URL+"/.well-known/openid-configuration", "", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, path := range []string{"/icon.svg", "/icon"} {
		resp = do(t, http.MethodGet, srv.URL+path, "", "")
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	}

	resp = do(t, http.MethodGet, srv.URL+"/oauth/authorize", "", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestIssuedTokenWorksOnProtectedRoutes(t *testing.T) {
	srv, _ := newTestEdge(t, testConfig(), nil)

	form := "grant_type=client_credentials&client_id=cli&client_secret=shh"
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/oauth/token", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var token struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))

	rpcResp := do(t, http.MethodPost, srv.URL+"/rpc", token.AccessToken, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	rpcResp.Body.Close()
	assert.Equal(t, http.StatusOK, rpcResp.StatusCode)
}

func TestHealthReflectsBackendStates(t *testing.T) {
	backends := &fakeBackends{
		snap: &aggregator.Snapshot{},
		status: []aggregator.BackendStatus{
			{ID: "a", State: "ready"},
			{ID: "b", State: "ready"},
		},
	}
	srv, _ := newTestEdge(t, testConfig(), backends)

	resp := do(t, http.MethodGet, srv.URL+"/admin/health", "admin-token", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)

	backends.status[1].State = "degraded"
	resp = do(t, http.MethodGet, srv.URL+"/admin/health", "admin-token", "")
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)

	// A backend that was never enabled is not a health problem.
	backends.status[1].State = "disabled"
	resp = do(t, http.MethodGet, srv.URL+"/admin/health", "admin-token", "")
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
}

func TestStatusEndpoint(t *testing.T) {
	backends := &fakeBackends{
		snap: &aggregator.Snapshot{
			Tools: []aggregator.AggregatedEntry{
				{Key: "fs.read", BackendID: "a"},
			},
			Shadowed: []aggregator.ShadowedEntry{
				{Kind: "tool", Key: "fs.read", BackendID: "b", WinnerID: "a"},
			},
		},
		status: []aggregator.BackendStatus{{ID: "a", State: "ready", Tools: 1}},
	}
	srv, _ := newTestEdge(t, testConfig(), backends)

	resp := do(t, http.MethodGet, srv.URL+"/admin/status", "admin-token", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "mcpgate", status.Name)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, 2, status.Sessions)
	assert.Equal(t, 1, status.Tools)
	require.Len(t, status.Shadowed, 1)
	assert.Equal(t, "b", status.Shadowed[0].BackendID)
}

func TestRestartBackendEndpoint(t *testing.T) {
	backends := &fakeBackends{snap: &aggregator.Snapshot{}}
	srv, _ := newTestEdge(t, testConfig(), backends)

	resp := do(t, http.MethodPost, srv.URL+"/admin/backends/fs/restart", "admin-token", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"fs"}, backends.restarted)

	backends.restartErr = assert.AnError
	resp = do(t, http.MethodPost, srv.URL+"/admin/backends/ghost/restart", "admin-token", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClientAdminEndpoints(t *testing.T) {
	srv, _ := newTestEdge(t, testConfig(), nil)

	body := `{"id":"new","secret":"pw","grantTypes":["client_credentials"]}`
	resp := do(t, http.MethodPost, srv.URL+"/admin/clients", "admin-token", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created oauth.Client
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "new", created.ID)
	assert.Empty(t, created.Secret)

	// Duplicate registration conflicts.
	resp = do(t, http.MethodPost, srv.URL+"/admin/clients", "admin-token", body)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/admin/clients", "admin-token", `{nope`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/admin/clients/new", "admin-token", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/admin/clients/new", "admin-token", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitAnswers429(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerMinute: 60, Burst: 1}
	srv, _ := newTestEdge(t, cfg, nil)

	resp := do(t, http.MethodGet, srv.URL+"/admin/health", "admin-token", "")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/admin/health", "admin-token", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
