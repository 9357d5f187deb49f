package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"mcpgate/internal/config"
	"mcpgate/pkg/logging"
)

// sweepInterval is how often expired tokens are collected from both stores.
const sweepInterval = 60 * time.Second

// tokenBytes is the entropy of every issued token (hex-encoded on the wire).
const tokenBytes = 32

// Server is the authentication core: client registry, token stores, and the
// OAuth2 HTTP handlers.
type Server struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration

	staticTokens map[string]struct{}

	mu      sync.RWMutex
	clients map[string]*Client
	access  map[string]*accessToken
	refresh map[string]*refreshToken

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds the auth core from configuration.
func NewServer(cfg config.AuthConfig) *Server {
	s := &Server{
		issuer:       cfg.Issuer,
		accessTTL:    cfg.AccessTokenTTL.Std(),
		refreshTTL:   cfg.RefreshTokenTTL.Std(),
		staticTokens: make(map[string]struct{}, len(cfg.StaticTokens)),
		clients:      make(map[string]*Client, len(cfg.Clients)),
		access:       make(map[string]*accessToken),
		refresh:      make(map[string]*refreshToken),
	}
	for _, t := range cfg.StaticTokens {
		s.staticTokens[t] = struct{}{}
	}
	for _, c := range cfg.Clients {
		s.clients[c.ID] = &Client{
			ID:         c.ID,
			Secret:     c.Secret,
			Name:       c.Name,
			Scopes:     c.Scopes,
			GrantTypes: c.GrantTypes,
		}
	}
	return s
}

// Start launches the expiry sweeper.
func (s *Server) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.sweepLoop(ctx)
	return nil
}

// Stop halts the sweeper.
func (s *Server) Stop(context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(time.Now())
		}
	}
}

func (s *Server) sweepExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for v, t := range s.access {
		if now.After(t.expiresAt) {
			delete(s.access, v)
			removed++
		}
	}
	for v, t := range s.refresh {
		if now.After(t.expiresAt) {
			delete(s.refresh, v)
			removed++
		}
	}
	if removed > 0 {
		logging.Debug("OAuth", "Swept %d expired tokens", removed)
	}
}

// Validate resolves a presented bearer token to an identity. Static tokens
// authenticate as a synthetic static identity.
func (s *Server) Validate(token string) (Identity, bool) {
	if token == "" {
		return Identity{}, false
	}
	if _, ok := s.staticTokens[token]; ok {
		return Identity{ClientID: "static", Static: true, Token: token}, true
	}

	s.mu.RLock()
	t, ok := s.access[token]
	s.mu.RUnlock()
	if !ok || time.Now().After(t.expiresAt) {
		return Identity{}, false
	}
	return Identity{ClientID: t.clientID, Subject: t.subject, Scope: t.scope, Token: token}, true
}

// Introspect reports the RFC 7662 state of a token.
func (s *Server) Introspect(token string) IntrospectionResult {
	id, ok := s.Validate(token)
	if !ok {
		return IntrospectionResult{Active: false}
	}
	res := IntrospectionResult{
		Active:   true,
		ClientID: id.ClientID,
		Scope:    id.Scope,
		Subject:  id.Subject,
	}
	if !id.Static {
		s.mu.RLock()
		if t, found := s.access[token]; found {
			res.ExpiresAt = t.expiresAt.Unix()
		}
		s.mu.RUnlock()
	}
	return res
}

// Revoke invalidates a token. Revoking an access token also removes its
// paired refresh token; unknown tokens are a no-op (idempotent).
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.access[token]; ok {
		delete(s.access, token)
		if t.refreshValue != "" {
			delete(s.refresh, t.refreshValue)
		}
		logging.Debug("OAuth", "Revoked access token for client %s", t.clientID)
		return
	}
	if t, ok := s.refresh[token]; ok {
		delete(s.refresh, token)
		logging.Debug("OAuth", "Revoked refresh token for client %s", t.clientID)
	}
}

// AddClient registers a client at runtime.
func (s *Server) AddClient(c Client) error {
	if c.ID == "" || c.Secret == "" {
		return fmt.Errorf("client requires id and secret")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[c.ID]; exists {
		return fmt.Errorf("client %q already registered", c.ID)
	}
	s.clients[c.ID] = &c
	logging.Info("OAuth", "Registered client %s", c.ID)
	return nil
}

// RemoveClient deregisters a client and revokes every token it holds.
func (s *Server) RemoveClient(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[id]; !exists {
		return fmt.Errorf("unknown client %q", id)
	}
	delete(s.clients, id)

	revoked := 0
	for v, t := range s.access {
		if t.clientID == id {
			delete(s.access, v)
			revoked++
		}
	}
	for v, t := range s.refresh {
		if t.clientID == id {
			delete(s.refresh, v)
			revoked++
		}
	}
	logging.Info("OAuth", "Removed client %s (%d tokens revoked)", id, revoked)
	return nil
}

// Clients lists registered clients with secrets blanked.
func (s *Server) Clients() []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		cc := *c
		cc.Secret = ""
		out = append(out, cc)
	}
	return out
}

// HandleToken is POST /oauth/token.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, ErrorInvalidRequest, "malformed form body")
		return
	}

	client, ok := s.authenticateClient(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="mcpgate"`)
		writeTokenError(w, http.StatusUnauthorized, ErrorInvalidClient, "client authentication failed")
		return
	}

	grant := r.PostFormValue("grant_type")
	switch grant {
	case "":
		writeTokenError(w, http.StatusBadRequest, ErrorInvalidRequest, "grant_type is required")
		return
	case GrantClientCredentials, GrantPassword, GrantRefreshToken:
		if !client.allowsGrant(grant) {
			writeTokenError(w, http.StatusBadRequest, ErrorUnauthorizedClient,
				fmt.Sprintf("client is not allowed the %s grant", grant))
			return
		}
	default:
		writeTokenError(w, http.StatusBadRequest, ErrorUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", grant))
		return
	}

	switch grant {
	case GrantClientCredentials:
		// Client credentials identify the client itself; there is no
		// refresh token, the client just asks again.
		s.issueForClient(w, client, client.ID, r.PostFormValue("scope"), false)
	case GrantPassword:
		username := r.PostFormValue("username")
		if username == "" {
			writeTokenError(w, http.StatusBadRequest, ErrorInvalidRequest, "username is required")
			return
		}
		// Password verification is delegated: any password is accepted.
		s.issueForClient(w, client, username, r.PostFormValue("scope"), true)
	case GrantRefreshToken:
		s.refreshGrant(w, client, r.PostFormValue("refresh_token"), r.PostFormValue("scope"))
	}
}

// HandleRevoke is POST /oauth/revoke (RFC 7009: always 200).
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, ErrorInvalidRequest, "malformed form body")
		return
	}
	s.Revoke(r.PostFormValue("token"))
	w.WriteHeader(http.StatusOK)
}

// HandleValidate is POST /oauth/validate: token introspection.
func (s *Server) HandleValidate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, ErrorInvalidRequest, "malformed form body")
		return
	}
	writeJSON(w, http.StatusOK, s.Introspect(r.PostFormValue("token")))
}

// HandleAuthorize is GET /oauth/authorize. The interactive flow is not
// implemented; the endpoint exists so discovery stays well-formed.
func (s *Server) HandleAuthorize(w http.ResponseWriter, _ *http.Request) {
	writeTokenError(w, http.StatusNotImplemented, ErrorUnsupportedGrantType,
		"the authorization code flow is not supported; use the token endpoint")
}

// HandleDiscovery is GET /.well-known/openid-configuration.
func (s *Server) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := s.issuer
	if issuer == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		issuer = fmt.Sprintf("%s://%s", scheme, r.Host)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                 issuer,
		"token_endpoint":         issuer + "/oauth/token",
		"authorization_endpoint": issuer + "/oauth/authorize",
		"revocation_endpoint":    issuer + "/oauth/revoke",
		"introspection_endpoint": issuer + "/oauth/validate",
		"grant_types_supported": []string{
			GrantClientCredentials, GrantPassword, GrantRefreshToken,
		},
		"token_endpoint_auth_methods_supported": []string{
			"client_secret_basic", "client_secret_post",
		},
		"response_types_supported": []string{"token"},
		"scopes_supported":         s.supportedScopes(),
	})
}

// supportedScopes is the union of every registered client's scopes.
func (s *Server) supportedScopes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var scopes []string
	for _, c := range s.clients {
		for _, sc := range c.Scopes {
			if _, ok := seen[sc]; ok {
				continue
			}
			seen[sc] = struct{}{}
			scopes = append(scopes, sc)
		}
	}
	sort.Strings(scopes)
	return scopes
}

// authenticateClient resolves the caller from HTTP Basic credentials or the
// client_id/client_secret form fields. Secret comparison is constant time.
func (s *Server) authenticateClient(r *http.Request) (*Client, bool) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		id = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	if id == "" {
		return nil, false
	}

	s.mu.RLock()
	client, found := s.clients[id]
	s.mu.RUnlock()
	if !found {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(client.Secret), []byte(secret)) != 1 {
		return nil, false
	}
	return client, true
}

// issueForClient mints tokens for a direct grant and writes the token
// response. withRefresh adds a paired refresh token to the grant.
func (s *Server) issueForClient(w http.ResponseWriter, client *Client, subject, requestedScope string, withRefresh bool) {
	scope := intersectScopes(client.Scopes, requestedScope)

	access, err := newTokenValue()
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, ErrorInvalidRequest, "token generation failed")
		return
	}
	var refresh string
	if withRefresh {
		refresh, err = newTokenValue()
		if err != nil {
			writeTokenError(w, http.StatusInternalServerError, ErrorInvalidRequest, "token generation failed")
			return
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.access[access] = &accessToken{
		value:        access,
		clientID:     client.ID,
		subject:      subject,
		scope:        scope,
		expiresAt:    now.Add(s.accessTTL),
		refreshValue: refresh,
	}
	if withRefresh {
		s.refresh[refresh] = &refreshToken{
			value:     refresh,
			clientID:  client.ID,
			subject:   subject,
			scope:     scope,
			expiresAt: now.Add(s.refreshTTL),
		}
	}
	s.mu.Unlock()

	logging.Debug("OAuth", "Issued token for client %s (subject %s)", client.ID, subject)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	})
}

// refreshGrant rotates a refresh token: the presented token is invalidated
// and a fresh pair is issued in the same critical section.
func (s *Server) refreshGrant(w http.ResponseWriter, client *Client, presented, requestedScope string) {
	if presented == "" {
		writeTokenError(w, http.StatusBadRequest, ErrorInvalidRequest, "refresh_token is required")
		return
	}

	access, err := newTokenValue()
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, ErrorInvalidRequest, "token generation failed")
		return
	}
	refresh, err := newTokenValue()
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, ErrorInvalidRequest, "token generation failed")
		return
	}

	now := time.Now()
	s.mu.Lock()
	old, ok := s.refresh[presented]
	if !ok || old.clientID != client.ID || now.After(old.expiresAt) {
		s.mu.Unlock()
		writeTokenError(w, http.StatusBadRequest, ErrorInvalidGrant, "refresh token is invalid or expired")
		return
	}
	delete(s.refresh, presented)

	scope := old.scope
	if requestedScope != "" {
		scope = intersectScopes(strings.Fields(old.scope), requestedScope)
	}
	s.access[access] = &accessToken{
		value:        access,
		clientID:     client.ID,
		subject:      old.subject,
		scope:        scope,
		expiresAt:    now.Add(s.accessTTL),
		refreshValue: refresh,
	}
	s.refresh[refresh] = &refreshToken{
		value:     refresh,
		clientID:  client.ID,
		subject:   old.subject,
		scope:     scope,
		expiresAt: now.Add(s.refreshTTL),
	}
	s.mu.Unlock()

	logging.Debug("OAuth", "Rotated refresh token for client %s", client.ID)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	})
}

// intersectScopes narrows the client's scopes to the requested subset. An
// empty request grants everything the client has.
func intersectScopes(allowed []string, requested string) string {
	if requested == "" {
		return strings.Join(allowed, " ")
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, sc := range allowed {
		allowedSet[sc] = struct{}{}
	}
	var granted []string
	for _, sc := range strings.Fields(requested) {
		if _, ok := allowedSet[sc]; ok {
			granted = append(granted, sc)
		}
	}
	return strings.Join(granted, " ")
}

func newTokenValue() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, tokenError{Error: code, Description: description})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
