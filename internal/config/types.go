package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that unmarshals from JSON strings like "30s".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level gateway configuration, loaded from a single JSON
// document and validated against the embedded schema at startup.
type Config struct {
	Host       string           `json:"host,omitempty"`
	Port       int              `json:"port,omitempty"`
	LogLevel   string           `json:"logLevel,omitempty"`
	Auth       AuthConfig       `json:"auth"`
	RateLimit  RateLimitConfig  `json:"rateLimit,omitempty"`
	Aggregator AggregatorConfig `json:"aggregator,omitempty"`
	Backends   []BackendConfig  `json:"backends"`
}

// AuthConfig declares the static bearer tokens and OAuth clients accepted
// by the gateway.
type AuthConfig struct {
	StaticTokens    []string       `json:"staticTokens,omitempty"`
	Issuer          string         `json:"issuer,omitempty"` // default: request base URL
	AccessTokenTTL  Duration       `json:"accessTokenTTL,omitempty"`
	RefreshTokenTTL Duration       `json:"refreshTokenTTL,omitempty"`
	Clients         []ClientConfig `json:"clients,omitempty"`
}

// ClientConfig is a statically registered OAuth client.
type ClientConfig struct {
	ID         string   `json:"id"`
	Secret     string   `json:"secret"`
	Name       string   `json:"name,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	GrantTypes []string `json:"grantTypes,omitempty"`
}

// RateLimitConfig bounds authenticated request throughput per identity.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requestsPerMinute,omitempty"`
	Burst             int `json:"burst,omitempty"`
}

// AggregatorConfig tunes the gateway core and session manager.
type AggregatorConfig struct {
	Name                string   `json:"name,omitempty"`
	CallTimeout         Duration `json:"callTimeout,omitempty"`
	SessionIdleTimeout  Duration `json:"sessionIdleTimeout,omitempty"`
	KeepAliveInterval   Duration `json:"keepAliveInterval,omitempty"`
	HealthCheckInterval Duration `json:"healthCheckInterval,omitempty"` // 0 disables health pings
}

// BackendConfig describes one stdio MCP backend. Immutable after load.
type BackendConfig struct {
	ID             string            `json:"id"`
	Transport      string            `json:"transport,omitempty"` // "stdio" is the only supported kind
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Enabled        *bool             `json:"enabled,omitempty"` // default true
	ConnectTimeout Duration          `json:"connectTimeout,omitempty"`
	RequestTimeout Duration          `json:"requestTimeout,omitempty"`
	MaxRestarts    int               `json:"maxRestarts,omitempty"`
}

// IsEnabled resolves the enabled flag with its default.
func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}
