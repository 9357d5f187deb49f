// Package backend owns the child processes the gateway aggregates. Each
// Adapter supervises exactly one child speaking newline-delimited JSON-RPC
// on its stdio, correlates requests to responses by integer id, and captures
// the catalogs the child advertises during the MCP handshake.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"mcpgate/internal/jsonrpc"
	"mcpgate/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// maxLineBytes caps a single stdout frame. Longer lines are a framing error
// and restart the backend.
const maxLineBytes = 8 << 20 // 8 MiB

// terminateGrace is how long Stop waits after SIGTERM before SIGKILL.
const terminateGrace = 5 * time.Second

type callOutcome struct {
	msg *jsonrpc.Message
	err error
}

// Adapter owns one backend child process. At most one child exists per
// adapter at any instant; the generation counter invalidates goroutines that
// belonged to an earlier child.
type Adapter struct {
	desc Descriptor

	notify NotificationHandler
	onExit func(err error)

	newTransport transportFactory

	mu        sync.Mutex
	state     State
	tr        transport
	gen       uint64
	catalogs  Catalogs
	lastStart time.Time

	// writeMu serializes stdin writes so concurrent calls cannot
	// interleave frames.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan callOutcome
	nextID    uint64
}

// NewAdapter creates an adapter for the descriptor. The notification handler
// receives backend-initiated messages; onExit is invoked (on its own
// goroutine) whenever a child dies uncleanly, surrendering control to the
// registry's restart policy.
func NewAdapter(desc Descriptor, notify NotificationHandler, onExit func(err error)) *Adapter {
	return &Adapter{
		desc:         desc,
		notify:       notify,
		onExit:       onExit,
		newTransport: newExecTransport,
		state:        StateIdle,
		pending:      make(map[uint64]chan callOutcome),
	}
}

// ID returns the backend's stable identifier.
func (a *Adapter) ID() string { return a.desc.ID }

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastStart returns when the current (or last) child was spawned.
func (a *Adapter) LastStart() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastStart
}

// Catalogs returns the catalogs captured from the child's handshake.
func (a *Adapter) Catalogs() Catalogs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.catalogs
}

// Start spawns a child, performs the MCP handshake, lists the child's
// catalogs, and transitions to Ready. It may be called again after the
// adapter degraded; the outbound id counter resets with each child.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateStarting, StateReady:
		a.mu.Unlock()
		return fmt.Errorf("backend %s already started", a.desc.ID)
	case StateStopping, StateTerminated:
		a.mu.Unlock()
		return fmt.Errorf("backend %s is stopped", a.desc.ID)
	}
	a.state = StateStarting
	a.gen++
	gen := a.gen

	tr := a.newTransport(a.desc)
	if err := tr.Start(); err != nil {
		a.state = StateDegraded
		a.mu.Unlock()
		return fmt.Errorf("failed to spawn backend %s: %w", a.desc.ID, err)
	}
	a.tr = tr
	a.lastStart = time.Now()
	a.mu.Unlock()

	// Fresh child: the previous child's pending table is drained and the
	// id counter starts over.
	a.resetPending()

	go a.readLoop(gen, tr.Stdout())
	go a.drainStderr(tr.Stderr())

	if err := a.connect(ctx, gen); err != nil {
		a.fail(gen, fmt.Errorf("initialize failed: %w", err))
		return fmt.Errorf("backend %s: %w", a.desc.ID, err)
	}

	a.mu.Lock()
	if a.gen == gen && a.state == StateStarting {
		a.state = StateReady
	}
	a.mu.Unlock()

	logging.Info("Backend", "Backend %s ready (%d tools, %d resources, %d prompts)",
		a.desc.ID, len(a.catalogs.Tools), len(a.catalogs.Resources), len(a.catalogs.Prompts))
	return nil
}

// Stop terminates the child and drains pending calls with ErrShuttingDown.
// It is idempotent; a stopped adapter cannot be restarted.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateTerminated {
		a.mu.Unlock()
		return nil
	}
	a.state = StateStopping
	tr := a.tr
	a.tr = nil
	a.gen++ // invalidate the child's reader
	a.mu.Unlock()

	a.drainPending(ErrShuttingDown)

	if tr != nil {
		_ = tr.Terminate()
		done := make(chan error, 1)
		go func() { done <- tr.Wait() }()

		select {
		case <-done:
		case <-time.After(terminateGrace):
			logging.Warn("Backend", "Backend %s did not exit after SIGTERM, killing", a.desc.ID)
			_ = tr.Kill()
			<-done
		case <-ctx.Done():
			_ = tr.Kill()
			<-done
		}
	}

	a.mu.Lock()
	a.state = StateTerminated
	a.mu.Unlock()
	return nil
}

// Call forwards one JSON-RPC request to the child and waits for the
// correlated response. The effective deadline is the earlier of the caller's
// context and the descriptor's per-call request timeout. The result or error
// is the backend's own, verbatim.
func (a *Adapter) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	a.mu.Lock()
	st := a.state
	a.mu.Unlock()
	if st != StateReady {
		return nil, fmt.Errorf("backend %s is %s: %w", a.desc.ID, st, ErrUnavailable)
	}
	return a.call(ctx, method, params, a.desc.RequestTimeout)
}

// Ping checks child liveness with the MCP ping method.
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.Call(ctx, "ping", nil)
	return err
}

// Abort kills the current child as if it had died on its own: pending calls
// drain with ErrUnavailable, the adapter degrades, and the exit handler runs.
// Used when health checks decide the child is stuck.
func (a *Adapter) Abort(cause error) {
	a.mu.Lock()
	gen := a.gen
	a.mu.Unlock()
	a.fail(gen, cause)
}

// call runs the request/response correlation: assign an id, park a waiter,
// write the frame, and wait for completion or deadline.
func (a *Adapter) call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	a.pendingMu.Lock()
	a.nextID++
	id := a.nextID
	ch := make(chan callOutcome, 1)
	a.pending[id] = ch
	a.pendingMu.Unlock()

	req := jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      json.RawMessage(strconv.FormatUint(id, 10)),
		Method:  method,
		Params:  params,
	}
	data, err := json.Marshal(&req)
	if err != nil {
		a.removePending(id)
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := a.writeLine(data); err != nil {
		a.removePending(id)
		return nil, fmt.Errorf("write to backend %s: %w", a.desc.ID, err)
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.msg.Error != nil {
			return nil, out.msg.Error
		}
		return out.msg.Result, nil
	case <-ctx.Done():
		// Abandon the id: a late response is discarded by the reader.
		a.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s on backend %s: %w", method, a.desc.ID, ErrRequestTimeout)
		}
		return nil, ctx.Err()
	}
}

// connect performs initialize + notifications/initialized and lists the
// child's catalogs in parallel, all within the connect timeout.
func (a *Adapter) connect(ctx context.Context, gen uint64) error {
	ctx, cancel := context.WithTimeout(ctx, a.desc.ConnectTimeout)
	defer cancel()

	initParams, err := jsonrpc.MarshalResult(map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    "mcpgate",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return err
	}

	initResult, err := a.call(ctx, "initialize", initParams, 0)
	if err != nil {
		return err
	}

	var init struct {
		ProtocolVersion string          `json:"protocolVersion"`
		Capabilities    json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(initResult, &init); err != nil {
		return fmt.Errorf("malformed initialize result: %w", err)
	}
	logging.Debug("Backend", "Backend %s initialized with protocol %s", a.desc.ID, init.ProtocolVersion)

	if err := a.writeNotification("notifications/initialized", nil); err != nil {
		return err
	}

	var cats Catalogs
	cats.Capabilities = init.Capabilities

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, err := a.listEntries(gctx, "tools/list", "tools", "name")
		cats.Tools = entries
		return err
	})
	g.Go(func() error {
		entries, err := a.listEntries(gctx, "resources/list", "resources", "uri")
		cats.Resources = entries
		return err
	})
	g.Go(func() error {
		entries, err := a.listEntries(gctx, "prompts/list", "prompts", "name")
		cats.Prompts = entries
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.gen == gen {
		a.catalogs = cats
	}
	a.mu.Unlock()
	return nil
}

// listEntries issues one */list call. Backends without the capability answer
// with a JSON-RPC error; that is treated as an empty catalog, not a failure.
func (a *Adapter) listEntries(ctx context.Context, method, listKey, entryKey string) ([]Entry, error) {
	result, err := a.call(ctx, method, nil, 0)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			logging.Debug("Backend", "Backend %s does not support %s: %v", a.desc.ID, method, rpcErr)
			return nil, nil
		}
		return nil, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("malformed %s result: %w", method, err)
	}
	var items []json.RawMessage
	if raw, ok := payload[listKey]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("malformed %s list: %w", method, err)
		}
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		var meta map[string]json.RawMessage
		if err := json.Unmarshal(item, &meta); err != nil {
			logging.Warn("Backend", "Skipping malformed %s entry from %s", listKey, a.desc.ID)
			continue
		}
		var key string
		if err := json.Unmarshal(meta[entryKey], &key); err != nil || key == "" {
			logging.Warn("Backend", "Skipping %s entry without %q from %s", listKey, entryKey, a.desc.ID)
			continue
		}
		entries = append(entries, Entry{Key: key, Raw: item})
	}
	return entries, nil
}

// readLoop reads newline-delimited frames from the child's stdout until EOF
// or a framing error. It is the single failure detector for the child.
func (a *Adapter) readLoop(gen uint64, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg jsonrpc.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			a.fail(gen, fmt.Errorf("malformed frame from backend: %w", err))
			return
		}

		switch {
		case msg.IsResponse():
			a.complete(&msg)
		case msg.IsServerInitiated():
			// Backend-initiated message. The handler enqueues and returns;
			// it must never block this reader.
			if a.notify != nil {
				a.notify(a.desc.ID, msg.Method, msg.Params)
			}
		default:
			logging.Warn("Backend", "Discarding unclassifiable frame from %s", a.desc.ID)
		}
	}

	err := scanner.Err()
	if err != nil {
		err = fmt.Errorf("framing error: %w", err)
	} else {
		err = errors.New("stdout closed")
	}
	a.fail(gen, err)
}

// complete matches a response to its waiter. Unmatched responses (abandoned
// ids, restarts) are discarded with a warning.
func (a *Adapter) complete(msg *jsonrpc.Message) {
	var id uint64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		logging.Warn("Backend", "Discarding response with non-integer id from %s", a.desc.ID)
		return
	}

	a.pendingMu.Lock()
	ch, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.pendingMu.Unlock()

	if !ok {
		logging.Warn("Backend", "Discarding unmatched response id=%d from %s", id, a.desc.ID)
		return
	}
	ch <- callOutcome{msg: msg}
}

// drainStderr forwards the child's stderr to the log sink. It never blocks
// the child.
func (a *Adapter) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		logging.Debug("Backend", "[%s stderr] %s", a.desc.ID, scanner.Text())
	}
}

// fail handles an unclean child death: drain waiters, degrade, and hand
// control to the registry. Stale generations (an earlier child) are ignored.
func (a *Adapter) fail(gen uint64, cause error) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	if a.state == StateStopping || a.state == StateTerminated {
		a.mu.Unlock()
		a.drainPending(ErrShuttingDown)
		return
	}
	a.state = StateDegraded
	tr := a.tr
	a.tr = nil
	a.gen++
	a.mu.Unlock()

	a.drainPending(fmt.Errorf("%v: %w", cause, ErrUnavailable))

	if tr != nil {
		_ = tr.Kill()
		go func() { _ = tr.Wait() }() // reap
	}

	logging.Warn("Backend", "Backend %s degraded: %v", a.desc.ID, cause)
	if a.onExit != nil {
		go a.onExit(cause)
	}
}

func (a *Adapter) resetPending() {
	a.pendingMu.Lock()
	for id, ch := range a.pending {
		ch <- callOutcome{err: ErrRestarted}
		delete(a.pending, id)
	}
	a.nextID = 0
	a.pendingMu.Unlock()
}

func (a *Adapter) drainPending(err error) {
	a.pendingMu.Lock()
	for id, ch := range a.pending {
		ch <- callOutcome{err: err}
		delete(a.pending, id)
	}
	a.pendingMu.Unlock()
}

func (a *Adapter) removePending(id uint64) {
	a.pendingMu.Lock()
	delete(a.pending, id)
	a.pendingMu.Unlock()
}

func (a *Adapter) writeLine(data []byte) error {
	a.mu.Lock()
	tr := a.tr
	a.mu.Unlock()
	if tr == nil {
		return ErrUnavailable
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := tr.Stdin().Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (a *Adapter) writeNotification(method string, params json.RawMessage) error {
	note := jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: method, Params: params}
	data, err := json.Marshal(&note)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return a.writeLine(data)
}
