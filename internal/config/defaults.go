package config

import "time"

// Defaults applied after unmarshalling and before validation.
const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 8085
	DefaultLogLevel = "info"

	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 24 * time.Hour

	DefaultCallTimeout        = 60 * time.Second
	DefaultSessionIdleTimeout = 5 * time.Minute
	DefaultKeepAliveInterval  = 30 * time.Second

	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRestarts    = 5

	DefaultRequestsPerMinute = 300
	DefaultRateBurst         = 50

	DefaultServerName = "mcpgate"
)

// applyDefaults fills zero values in place.
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Auth.AccessTokenTTL == 0 {
		cfg.Auth.AccessTokenTTL = Duration(DefaultAccessTokenTTL)
	}
	if cfg.Auth.RefreshTokenTTL == 0 {
		cfg.Auth.RefreshTokenTTL = Duration(DefaultRefreshTokenTTL)
	}

	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = DefaultRateBurst
	}

	if cfg.Aggregator.Name == "" {
		cfg.Aggregator.Name = DefaultServerName
	}
	if cfg.Aggregator.CallTimeout == 0 {
		cfg.Aggregator.CallTimeout = Duration(DefaultCallTimeout)
	}
	if cfg.Aggregator.SessionIdleTimeout == 0 {
		cfg.Aggregator.SessionIdleTimeout = Duration(DefaultSessionIdleTimeout)
	}
	if cfg.Aggregator.KeepAliveInterval == 0 {
		cfg.Aggregator.KeepAliveInterval = Duration(DefaultKeepAliveInterval)
	}

	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.Transport == "" {
			b.Transport = "stdio"
		}
		if b.ConnectTimeout == 0 {
			b.ConnectTimeout = Duration(DefaultConnectTimeout)
		}
		if b.RequestTimeout == 0 {
			b.RequestTimeout = Duration(DefaultRequestTimeout)
		}
		if b.MaxRestarts == 0 {
			b.MaxRestarts = DefaultMaxRestarts
		}
	}
}
