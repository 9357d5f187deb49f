package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"mcpgate/internal/jsonrpc"
	"mcpgate/pkg/logging"

	"github.com/google/uuid"
)

// maxBodyBytes caps a single POSTed JSON-RPC request.
const maxBodyBytes = 8 << 20

// sweepInterval is how often idle sessions are collected.
const sweepInterval = 30 * time.Second

// HeaderSessionID carries the session correlation id on POST /message.
const HeaderSessionID = "X-Session-Id"

// Dispatcher handles one parsed JSON-RPC request. Satisfied by
// *aggregator.Gateway.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
}

// Manager owns all live SSE sessions and the stateless RPC path.
type Manager struct {
	dispatcher Dispatcher

	keepAlive   time.Duration
	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a session manager around the dispatcher.
func NewManager(dispatcher Dispatcher, keepAlive, idleTimeout time.Duration) *Manager {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	m := &Manager{
		dispatcher:  dispatcher,
		keepAlive:   keepAlive,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*Session),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Start launches the idle sweeper.
func (m *Manager) Start(context.Context) error {
	m.wg.Add(1)
	go m.sweepLoop()
	return nil
}

// Stop closes every open session and stops the sweeper.
func (m *Manager) Stop(context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	for _, s := range m.sessions {
		s.close()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// HandleSSE serves one SSE stream. GET opens a session; POST is treated as a
// stateless request for clients that speak JSON-RPC to the same path.
func (m *Manager) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		m.HandleRPC(w, r)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s := newSession(uuid.New().String())
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	logging.Info("Session", "Session %s opened (%d active)", logging.TruncateSessionID(s.ID), m.Count())

	defer m.remove(s)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// First event tells the client where to POST its requests.
	fmt.Fprintf(w, "event: endpoint\ndata: /message?sessionId=%s\n\n", s.ID)
	flusher.Flush()

	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closed:
			return
		case <-m.ctx.Done():
			return
		case ev := <-s.events:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
			flusher.Flush()
		case <-ticker.C:
			// Comment line: keeps intermediaries from reaping the stream.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// HandleMessage serves POST /message: the session-correlated request path.
// The JSON-RPC response is returned in the body and mirrored onto the
// session's stream as a message event.
func (m *Manager) HandleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		id = r.URL.Query().Get("sessionId")
	}
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		return
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	s.touch()

	resp := m.dispatchBody(w, r)
	if resp == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}

	if !s.send("message", data) {
		logging.Warn("Session", "Session %s stalled, dropping mirror event", logging.TruncateSessionID(s.ID))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// HandleRPC serves POST /rpc: stateless request/response with no session.
func (m *Manager) HandleRPC(w http.ResponseWriter, r *http.Request) {
	resp := m.dispatchBody(w, r)
	if resp == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// dispatchBody parses and dispatches one request. A nil return means the
// response (or 202 for notifications) was already written.
func (m *Manager) dispatchBody(w http.ResponseWriter, r *http.Request) *jsonrpc.Response {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return nil
	}

	req, parseErr := jsonrpc.ParseRequest(body)
	if parseErr != nil {
		return parseErr
	}

	resp := m.dispatcher.Dispatch(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return nil
	}
	return resp
}

// Broadcast fans a backend-initiated message out to every open session.
// It never blocks: stalled sessions drop the event.
func (m *Manager) Broadcast(backendID, method string, params json.RawMessage) {
	note := jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: method, Params: params}
	data, err := json.Marshal(&note)
	if err != nil {
		logging.Error("Session", err, "Failed to encode notification %s from %s", method, backendID)
		return
	}

	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	dropped := 0
	for _, s := range targets {
		if !s.send("message", data) {
			dropped++
		}
	}
	logging.Debug("Session", "Broadcast %s from %s to %d sessions (%d dropped)",
		method, backendID, len(targets), dropped)
}

func (m *Manager) remove(s *Session) {
	s.close()
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	logging.Info("Session", "Session %s closed (%d active)", logging.TruncateSessionID(s.ID), m.Count())
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	if m.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		logging.Info("Session", "Sweeping idle session %s", logging.TruncateSessionID(s.ID))
		s.close()
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
