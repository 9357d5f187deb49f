// Package app wires the gateway together: configuration in, one running
// process out.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"mcpgate/internal/aggregator"
	"mcpgate/internal/backend"
	"mcpgate/internal/config"
	"mcpgate/internal/oauth"
	"mcpgate/internal/server"
	"mcpgate/internal/session"
	"mcpgate/pkg/logging"
)

// stopTimeout bounds the shutdown sequence once Run's context is cancelled.
const stopTimeout = 30 * time.Second

// Application owns every long-lived component of the gateway.
type Application struct {
	cfg config.Config

	auth     *oauth.Server
	sessions *session.Manager
	registry *aggregator.Registry
	gateway  *aggregator.Gateway
	edge     *server.Server

	stopOnce sync.Once
	stopErr  error
}

// New builds the component graph. Nothing runs until Start.
func New(cfg config.Config, version string) *Application {
	a := &Application{cfg: cfg}

	a.auth = oauth.NewServer(cfg.Auth)

	// Disabled backends are registered too: they show up in the admin
	// status as disabled, the registry just never spawns them.
	descs := make([]backend.Descriptor, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		descs = append(descs, backend.Descriptor{
			ID:             b.ID,
			Command:        b.Command,
			Args:           b.Args,
			Env:            b.Env,
			Disabled:       !b.IsEnabled(),
			ConnectTimeout: b.ConnectTimeout.Std(),
			RequestTimeout: b.RequestTimeout.Std(),
			MaxRestarts:    b.MaxRestarts,
		})
	}

	// Backend notifications fan out to every open SSE session.
	notify := func(backendID, method string, params json.RawMessage) {
		if a.sessions != nil {
			a.sessions.Broadcast(backendID, method, params)
		}
	}

	a.registry = aggregator.NewRegistry(descs, notify, cfg.Aggregator.HealthCheckInterval.Std())
	a.gateway = aggregator.NewGateway(a.registry, cfg.Aggregator.Name, version, cfg.Aggregator.CallTimeout.Std())
	a.sessions = session.NewManager(a.gateway,
		cfg.Aggregator.KeepAliveInterval.Std(),
		cfg.Aggregator.SessionIdleTimeout.Std())
	a.edge = server.New(cfg, version, a.auth, a.sessions, a.registry)

	return a
}

// Start brings the components up in dependency order. On failure, anything
// already running is torn down.
func (a *Application) Start(ctx context.Context) error {
	type component struct {
		name  string
		start func(context.Context) error
		stop  func(context.Context) error
	}
	components := []component{
		{"auth", a.auth.Start, a.auth.Stop},
		{"sessions", a.sessions.Start, a.sessions.Stop},
		{"registry", a.registry.Start, a.registry.Stop},
		{"http", a.edge.Start, a.edge.Stop},
	}

	for i, c := range components {
		if err := c.start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = components[j].stop(ctx)
			}
			return fmt.Errorf("failed to start %s: %w", c.name, err)
		}
	}

	logging.Info("App", "Gateway up on %s:%d with %d backends",
		a.cfg.Host, a.cfg.Port, len(a.registry.Status()))
	return nil
}

// Stop tears the gateway down in reverse order. Idempotent.
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		logging.Info("App", "Shutting down")
		if err := a.edge.Stop(ctx); err != nil {
			a.stopErr = fmt.Errorf("http shutdown: %w", err)
		}
		if err := a.registry.Stop(ctx); err != nil && a.stopErr == nil {
			a.stopErr = fmt.Errorf("registry shutdown: %w", err)
		}
		_ = a.sessions.Stop(ctx)
		_ = a.auth.Stop(ctx)
	})
	return a.stopErr
}

// Run starts the gateway and blocks until the context is cancelled, then
// shuts down within stopTimeout.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return a.Stop(stopCtx)
}
