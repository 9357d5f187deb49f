// Package oauth implements the gateway's authentication core: an OAuth2
// token endpoint for static clients (client_credentials, password,
// refresh_token), bearer validation over static tokens and issued tokens,
// introspection, revocation, and discovery.
package oauth

import (
	"time"
)

// Grant type identifiers accepted by the token endpoint.
const (
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
	GrantRefreshToken      = "refresh_token"
)

// RFC 6749 error codes.
const (
	ErrorInvalidRequest       = "invalid_request"
	ErrorInvalidClient        = "invalid_client"
	ErrorInvalidGrant         = "invalid_grant"
	ErrorUnauthorizedClient   = "unauthorized_client"
	ErrorUnsupportedGrantType = "unsupported_grant_type"
)

// Client is one registered OAuth client. Secrets are static, set through
// configuration or the admin API.
type Client struct {
	ID         string   `json:"id"`
	Secret     string   `json:"secret"`
	Name       string   `json:"name,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	GrantTypes []string `json:"grantTypes,omitempty"`
}

func (c *Client) allowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// accessToken is one issued bearer token. refreshValue links it to the
// refresh token minted in the same grant, so revocation can take both.
type accessToken struct {
	value        string
	clientID     string
	subject      string
	scope        string
	expiresAt    time.Time
	refreshValue string
}

type refreshToken struct {
	value     string
	clientID  string
	subject   string
	scope     string
	expiresAt time.Time
}

// Identity is the authenticated principal attached to a request.
type Identity struct {
	ClientID string
	Subject  string
	Scope    string
	Static   bool
	Token    string
}

// tokenError is the RFC 6749 error body.
type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// tokenResponse is the RFC 6749 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResult is the RFC 7662 shape returned by /oauth/validate.
type IntrospectionResult struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Subject   string `json:"sub,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}
