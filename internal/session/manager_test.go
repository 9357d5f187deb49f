package session

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mcpgate/internal/jsonrpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoDispatcher answers every request with its method name.
type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() {
		return nil
	}
	result, _ := jsonrpc.MarshalResult(map[string]string{"method": req.Method})
	return jsonrpc.NewResponse(req.ID, result)
}

func newTestManager(t *testing.T, keepAlive time.Duration) (*Manager, *httptest.Server) {
	t.Helper()

	m := NewManager(echoDispatcher{}, keepAlive, time.Minute)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", m.HandleSSE)
	mux.HandleFunc("/message", m.HandleMessage)
	mux.HandleFunc("/rpc", m.HandleRPC)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return m, srv
}

// readEvent reads one SSE event (or comment) off the stream.
func readEvent(t *testing.T, br *bufio.Reader) (name, data string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return name, data
		case strings.HasPrefix(line, ": "):
			return ":comment", strings.TrimPrefix(line, ": ")
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server) (*bufio.Reader, string, func()) {
	t.Helper()

	resp, err := http.Get(srv.URL + "/sse")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	br := bufio.NewReader(resp.Body)
	name, data := readEvent(t, br)
	require.Equal(t, "endpoint", name)
	require.True(t, strings.HasPrefix(data, "/message?sessionId="), "endpoint event: %s", data)
	sessionID := strings.TrimPrefix(data, "/message?sessionId=")

	return br, sessionID, func() { resp.Body.Close() }
}

func TestSessionLifecycle(t *testing.T) {
	m, srv := newTestManager(t, time.Minute)

	br, sessionID, closeStream := openStream(t, srv)
	assert.Equal(t, 1, m.Count())

	// POST /message answers in the body and mirrors onto the stream.
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/message", strings.NewReader(body))
	req.Header.Set(HeaderSessionID, sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpcResp jsonrpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	assert.Equal(t, json.RawMessage("1"), rpcResp.ID)
	assert.JSONEq(t, `{"method":"tools/list"}`, string(rpcResp.Result))

	name, data := readEvent(t, br)
	assert.Equal(t, "message", name)
	assert.Contains(t, data, `"tools/list"`)

	closeStream()
	assert.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMessageSessionIDFromQuery(t *testing.T) {
	_, srv := newTestManager(t, time.Minute)
	_, sessionID, closeStream := openStream(t, srv)
	defer closeStream()

	resp, err := http.Post(srv.URL+"/message?sessionId="+sessionID, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMessageRejectsBadSessions(t *testing.T) {
	_, srv := newTestManager(t, time.Minute)

	resp, err := http.Post(srv.URL+"/message", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/message?sessionId=nope", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatelessRPC(t *testing.T) {
	_, srv := newTestManager(t, time.Minute)

	resp, err := http.Post(srv.URL+"/rpc", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":5,"method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpcResp jsonrpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	assert.Equal(t, json.RawMessage("5"), rpcResp.ID)

	// Notifications are accepted with no body.
	resp, err = http.Post(srv.URL+"/rpc", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestStatelessPostToSSEPath(t *testing.T) {
	_, srv := newTestManager(t, time.Minute)

	resp, err := http.Post(srv.URL+"/sse", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestParseErrorsAnswerOnTheWire(t *testing.T) {
	_, srv := newTestManager(t, time.Minute)

	resp, err := http.Post(srv.URL+"/rpc", "application/json", strings.NewReader(`{broken`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpcResp jsonrpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, jsonrpc.CodeParseError, rpcResp.Error.Code)
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	m, srv := newTestManager(t, time.Minute)

	br1, _, close1 := openStream(t, srv)
	defer close1()
	br2, _, close2 := openStream(t, srv)
	defer close2()

	m.Broadcast("fs", "notifications/resources/updated", json.RawMessage(`{"uri":"file:///x"}`))

	for _, br := range []*bufio.Reader{br1, br2} {
		name, data := readEvent(t, br)
		assert.Equal(t, "message", name)
		assert.Contains(t, data, "notifications/resources/updated")
		assert.Contains(t, data, "file:///x")
	}
}

func TestKeepAliveComments(t *testing.T) {
	_, srv := newTestManager(t, 20*time.Millisecond)

	br, _, closeStream := openStream(t, srv)
	defer closeStream()

	name, data := readEvent(t, br)
	assert.Equal(t, ":comment", name)
	assert.Equal(t, "ping", data)
}

func TestIdleSweep(t *testing.T) {
	m, srv := newTestManager(t, time.Minute)
	m.idleTimeout = 50 * time.Millisecond

	_, sessionID, closeStream := openStream(t, srv)
	defer closeStream()
	require.Equal(t, 1, m.Count())

	m.mu.RLock()
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	require.NotNil(t, s)

	s.mu.Lock()
	s.lastActive = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	m.sweepIdle()
	assert.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDeliveredEventsKeepSessionAlive(t *testing.T) {
	m, srv := newTestManager(t, time.Minute)
	m.idleTimeout = 50 * time.Millisecond

	br, sessionID, closeStream := openStream(t, srv)
	defer closeStream()

	m.mu.RLock()
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	require.NotNil(t, s)

	// The session has issued no POSTs for longer than the idle timeout, but
	// a broadcast just reached its stream.
	s.mu.Lock()
	s.lastActive = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	m.Broadcast("fs", "notifications/resources/updated", json.RawMessage(`{"uri":"file:///x"}`))
	name, _ := readEvent(t, br)
	require.Equal(t, "message", name)

	m.sweepIdle()
	assert.Equal(t, 1, m.Count(), "a receiving stream is not idle")
}
