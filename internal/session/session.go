// Package session owns the SSE transport: each GET /sse stream is one
// session, correlated to its POST /message requests by session id. Backend
// notifications fan out to every open session.
package session

import (
	"sync"
	"time"
)

// eventBuffer is the per-session queue depth. A session that cannot drain
// this many events is considered stalled and its events are dropped.
const eventBuffer = 64

type event struct {
	name string
	data []byte
}

// Session is one open SSE stream. All writes to the stream go through the
// events channel so the serving goroutine is the only writer.
type Session struct {
	ID string

	events chan event
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	lastActive time.Time
}

func newSession(id string) *Session {
	return &Session{
		ID:         id,
		events:     make(chan event, eventBuffer),
		closed:     make(chan struct{}),
		lastActive: time.Now(),
	}
}

// touch marks the session as recently used.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// close releases the serving goroutine. Idempotent.
func (s *Session) close() {
	s.once.Do(func() { close(s.closed) })
}

// send queues an event without blocking. Reports false when the session is
// closed or its buffer is full. A delivered event counts as activity, so a
// stream that only ever receives broadcasts is not swept as idle.
func (s *Session) send(name string, data []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.events <- event{name: name, data: data}:
		s.touch()
		return true
	default:
		return false
	}
}
