package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mcpgate/internal/backend"
	"mcpgate/pkg/logging"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

const (
	// maxMissedPings is how many consecutive failed health checks demote a
	// backend and trigger a restart.
	maxMissedPings = 3

	healthPingTimeout = 5 * time.Second

	restartInitialInterval = 1 * time.Second
	restartMaxInterval     = 30 * time.Second
)

// Backend is the slice of the adapter the registry manages. Satisfied by
// *backend.Adapter; tests substitute scripted implementations.
type Backend interface {
	ID() string
	State() backend.State
	Catalogs() backend.Catalogs
	LastStart() time.Time
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	Ping(ctx context.Context) error
	Abort(cause error)
}

// BackendFactory builds the backend for a descriptor.
type BackendFactory func(desc backend.Descriptor, notify backend.NotificationHandler, onExit func(error)) Backend

// BackendStatus is the admin-facing view of one managed backend.
type BackendStatus struct {
	ID                  string    `json:"id"`
	State               string    `json:"state"`
	Restarts            int       `json:"restarts"`
	PermanentlyDegraded bool      `json:"permanentlyDegraded"`
	Tools               int       `json:"tools"`
	Resources           int       `json:"resources"`
	Prompts             int       `json:"prompts"`
	LastStart           time.Time `json:"lastStart,omitempty"`
}

type managedBackend struct {
	desc backend.Descriptor
	b    Backend

	// exited carries at most one pending death signal from the adapter;
	// kick carries at most one pending manual-restart request.
	exited chan struct{}
	kick   chan struct{}

	firstAttempt chan struct{}

	mu          sync.Mutex
	restarts    int
	permanent   bool
	manual      bool
	missedPings int
	policy      *backoff.ExponentialBackOff
}

// Registry owns the set of configured backends: it starts them, restarts
// crashed children with capped jittered back-off, runs periodic health
// checks, and publishes merged catalog snapshots.
type Registry struct {
	order    []string
	backends map[string]*managedBackend
	notify   backend.NotificationHandler

	healthInterval time.Duration

	factory   BackendFactory
	newPolicy func() *backoff.ExponentialBackOff

	snapMu   sync.Mutex
	snapshot atomic.Pointer[Snapshot]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu sync.Mutex
	started bool
	stopped bool
}

// NewRegistry builds a registry for the given descriptors in configuration
// order. The notification handler receives backend-initiated messages; a
// zero healthInterval disables health checks.
func NewRegistry(descs []backend.Descriptor, notify backend.NotificationHandler, healthInterval time.Duration) *Registry {
	r := &Registry{
		backends:       make(map[string]*managedBackend, len(descs)),
		notify:         notify,
		healthInterval: healthInterval,
		newPolicy: func() *backoff.ExponentialBackOff {
			p := backoff.NewExponentialBackOff()
			p.InitialInterval = restartInitialInterval
			p.MaxInterval = restartMaxInterval
			return p
		},
	}
	r.factory = func(desc backend.Descriptor, notify backend.NotificationHandler, onExit func(error)) Backend {
		return backend.NewAdapter(desc, notify, onExit)
	}
	for _, d := range descs {
		r.order = append(r.order, d.ID)
		r.backends[d.ID] = &managedBackend{
			desc:         d,
			exited:       make(chan struct{}, 1),
			kick:         make(chan struct{}, 1),
			firstAttempt: make(chan struct{}),
		}
	}
	r.snapshot.Store(emptySnapshot())
	return r
}

// Start spawns every backend and blocks until each has completed its first
// start attempt. A backend that fails to come up is left to its supervisor's
// restart policy; it does not fail registry startup.
func (r *Registry) Start(ctx context.Context) error {
	r.stateMu.Lock()
	if r.started {
		r.stateMu.Unlock()
		return errors.New("registry already started")
	}
	r.started = true
	r.stateMu.Unlock()

	// Supervisors outlive the caller's context; Stop cancels them.
	r.ctx, r.cancel = context.WithCancel(context.Background())

	for _, id := range r.order {
		mb := r.backends[id]
		if mb.desc.Disabled {
			// Registered for visibility only: no child, no supervisor.
			logging.Info("Registry", "Backend %s is disabled, not starting", id)
			close(mb.firstAttempt)
			continue
		}
		mb.policy = r.newPolicy()
		mb.b = r.factory(mb.desc, r.notify, func(error) {
			select {
			case mb.exited <- struct{}{}:
			default:
			}
		})
		r.wg.Add(1)
		go r.supervise(mb)
	}

	for _, id := range r.order {
		select {
		case <-r.backends[id].firstAttempt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if r.healthInterval > 0 {
		r.wg.Add(1)
		go r.healthLoop()
	}

	logging.Info("Registry", "Registry started with %d backends", len(r.order))
	return nil
}

// Stop terminates every backend and waits for the supervisors to exit.
func (r *Registry) Stop(ctx context.Context) error {
	r.stateMu.Lock()
	if !r.started || r.stopped {
		r.stateMu.Unlock()
		return nil
	}
	r.stopped = true
	r.stateMu.Unlock()

	r.cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range r.order {
		mb := r.backends[id]
		if mb.b == nil {
			continue
		}
		g.Go(func() error { return mb.b.Stop(gctx) })
	}
	err := g.Wait()

	r.wg.Wait()
	r.snapshot.Store(emptySnapshot())
	logging.Info("Registry", "Registry stopped")
	return err
}

// Snapshot returns the current published catalog snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Call forwards one request to the named backend.
func (r *Registry) Call(ctx context.Context, backendID, method string, params json.RawMessage) (json.RawMessage, error) {
	mb, ok := r.backends[backendID]
	if !ok || mb.b == nil {
		return nil, fmt.Errorf("backend %s not registered: %w", backendID, backend.ErrUnavailable)
	}
	return mb.b.Call(ctx, method, params)
}

// RestartBackend restarts a backend on demand, resetting its restart budget.
// It also revives a permanently degraded backend.
func (r *Registry) RestartBackend(id string) error {
	mb, ok := r.backends[id]
	if !ok {
		return fmt.Errorf("unknown backend %q", id)
	}
	if mb.desc.Disabled {
		return fmt.Errorf("backend %q is disabled", id)
	}
	if mb.b == nil {
		return fmt.Errorf("backend %q is not running", id)
	}

	mb.mu.Lock()
	mb.manual = true
	mb.restarts = 0
	mb.policy.Reset()
	mb.mu.Unlock()

	logging.Info("Registry", "Manual restart requested for backend %s", id)

	if mb.b.State() == backend.StateReady {
		mb.b.Abort(errors.New("restart requested"))
		return nil
	}
	select {
	case mb.kick <- struct{}{}:
	default:
	}
	return nil
}

// Status reports the admin view of every backend in configuration order.
func (r *Registry) Status() []BackendStatus {
	out := make([]BackendStatus, 0, len(r.order))
	for _, id := range r.order {
		mb := r.backends[id]
		mb.mu.Lock()
		st := BackendStatus{
			ID:                  id,
			Restarts:            mb.restarts,
			PermanentlyDegraded: mb.permanent,
		}
		mb.mu.Unlock()
		switch {
		case mb.desc.Disabled:
			st.State = "disabled"
		case mb.b != nil:
			st.State = mb.b.State().String()
			cats := mb.b.Catalogs()
			st.Tools = len(cats.Tools)
			st.Resources = len(cats.Resources)
			st.Prompts = len(cats.Prompts)
			st.LastStart = mb.b.LastStart()
		default:
			st.State = backend.StateIdle.String()
		}
		out = append(out, st)
	}
	return out
}

// supervise owns one backend's lifecycle: start it, wait for death, and
// restart within the back-off budget. Exactly one supervisor runs per
// backend.
func (r *Registry) supervise(mb *managedBackend) {
	defer r.wg.Done()

	first := true
	for {
		// Drop any death signal left over from the previous child.
		select {
		case <-mb.exited:
		default:
		}

		err := mb.b.Start(r.ctx)
		if err != nil {
			logging.Warn("Registry", "Backend %s failed to start: %v", mb.desc.ID, err)
		} else {
			mb.mu.Lock()
			mb.missedPings = 0
			mb.mu.Unlock()
		}
		r.rebuildSnapshot()

		if first {
			close(mb.firstAttempt)
			first = false
		}

		if err == nil {
			if !r.waitForExit(mb) {
				return
			}
			r.rebuildSnapshot()
		}

		if !r.scheduleNextAttempt(mb) {
			return
		}
	}
}

// waitForExit blocks until the current child dies. Reports false when the
// registry is shutting down. Stale death signals from an earlier child are
// ignored by re-checking the live state.
func (r *Registry) waitForExit(mb *managedBackend) bool {
	for {
		select {
		case <-r.ctx.Done():
			return false
		case <-mb.exited:
			if mb.b.State() != backend.StateReady {
				return true
			}
		}
	}
}

// scheduleNextAttempt applies the restart policy: immediate for manual
// restarts, back-off within the budget, permanent Degraded once the budget
// is exhausted (until a manual kick revives it). Reports false on shutdown.
func (r *Registry) scheduleNextAttempt(mb *managedBackend) bool {
	mb.mu.Lock()
	manual := mb.manual
	mb.manual = false
	var delay time.Duration
	exhausted := false
	if !manual {
		mb.restarts++
		if mb.desc.MaxRestarts >= 0 && mb.restarts > mb.desc.MaxRestarts {
			mb.permanent = true
			exhausted = true
		} else {
			delay = mb.policy.NextBackOff()
		}
	}
	restarts := mb.restarts
	mb.mu.Unlock()

	if exhausted {
		logging.Error("Registry", nil, "Backend %s exceeded %d restarts, leaving it degraded",
			mb.desc.ID, mb.desc.MaxRestarts)
		select {
		case <-r.ctx.Done():
			return false
		case <-mb.kick:
			mb.mu.Lock()
			mb.permanent = false
			mb.manual = false
			mb.restarts = 0
			mb.policy.Reset()
			mb.mu.Unlock()
			return true
		}
	}

	if delay > 0 {
		logging.Info("Registry", "Restarting backend %s in %v (attempt %d/%d)",
			mb.desc.ID, delay.Round(time.Millisecond), restarts, mb.desc.MaxRestarts)
	}
	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	case <-mb.kick:
		mb.mu.Lock()
		mb.restarts = 0
		mb.policy.Reset()
		mb.mu.Unlock()
		return true
	}
}

// healthLoop pings every ready backend on a timer. Three consecutive misses
// abort the child and hand it to the restart policy.
func (r *Registry) healthLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range r.order {
				r.checkBackend(r.backends[id])
			}
		}
	}
}

func (r *Registry) checkBackend(mb *managedBackend) {
	if mb.b == nil || mb.b.State() != backend.StateReady {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, healthPingTimeout)
	err := mb.b.Ping(ctx)
	cancel()

	mb.mu.Lock()
	if err == nil {
		mb.missedPings = 0
		mb.mu.Unlock()
		return
	}
	mb.missedPings++
	missed := mb.missedPings
	if missed >= maxMissedPings {
		mb.missedPings = 0
	}
	mb.mu.Unlock()

	logging.Warn("Registry", "Backend %s missed health check %d/%d: %v", mb.desc.ID, missed, maxMissedPings, err)
	if missed >= maxMissedPings {
		mb.b.Abort(fmt.Errorf("failed %d consecutive health checks", missed))
	}
}

// rebuildSnapshot merges the catalogs of every ready backend in
// configuration order and publishes the result atomically.
func (r *Registry) rebuildSnapshot() {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	ordered := make([]backendCatalog, 0, len(r.order))
	for _, id := range r.order {
		mb := r.backends[id]
		if mb.b == nil || mb.b.State() != backend.StateReady {
			continue
		}
		ordered = append(ordered, backendCatalog{id: id, catalogs: mb.b.Catalogs()})
	}

	snap := newSnapshot(ordered)
	r.snapshot.Store(snap)
	logging.Debug("Registry", "Published snapshot: %d tools, %d resources, %d prompts, %d shadowed",
		len(snap.Tools), len(snap.Resources), len(snap.Prompts), len(snap.Shadowed))
}
