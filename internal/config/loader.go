package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"mcpgate/pkg/logging"

	"github.com/xeipuuv/gojsonschema"
)

// Environment variable overrides applied after the file is loaded.
const (
	EnvPort     = "MCPGATE_PORT"
	EnvHost     = "MCPGATE_HOST"
	EnvLogLevel = "MCPGATE_LOG_LEVEL"
)

// Load reads the configuration document at path, validates it against the
// embedded schema, applies defaults and environment overrides, and runs the
// cross-field checks. Any violation returns an *InvalidError.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse validates and decodes a raw configuration document. The path is
// used only for error reporting.
func Parse(data []byte, path string) (Config, error) {
	if err := validateSchema(data, path); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, &InvalidError{Path: path, Issues: []string{err.Error()}}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg, path); err != nil {
		return Config{}, err
	}

	logging.Info("Config", "Loaded configuration from %s (%d backends, %d oauth clients)",
		path, len(cfg.Backends), len(cfg.Auth.Clients))
	return cfg, nil
}

func validateSchema(data []byte, path string) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	docLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		// A document that is not valid JSON at all also lands here.
		return &InvalidError{Path: path, Issues: []string{err.Error()}}
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			issues = append(issues, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return &InvalidError{Path: path, Issues: issues}
	}
	return nil
}

// validate enforces rules the schema cannot express.
func validate(cfg *Config, path string) error {
	var issues []string

	seen := make(map[string]bool, len(cfg.Backends))
	for _, b := range cfg.Backends {
		if seen[b.ID] {
			issues = append(issues, fmt.Sprintf("duplicate backend id %q", b.ID))
		}
		seen[b.ID] = true
	}

	clients := make(map[string]bool, len(cfg.Auth.Clients))
	for _, c := range cfg.Auth.Clients {
		if clients[c.ID] {
			issues = append(issues, fmt.Sprintf("duplicate oauth client id %q", c.ID))
		}
		clients[c.ID] = true
	}

	if len(cfg.Auth.StaticTokens) == 0 && len(cfg.Auth.Clients) == 0 {
		issues = append(issues, "auth requires at least one static token or oauth client")
	}

	if len(issues) > 0 {
		return &InvalidError{Path: path, Issues: issues}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvHost); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			logging.Warn("Config", "Ignoring invalid %s=%q", EnvPort, v)
		} else {
			cfg.Port = port
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
}
