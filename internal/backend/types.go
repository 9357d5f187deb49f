package backend

import (
	"encoding/json"
	"errors"
	"time"
)

// ProtocolVersion is the MCP revision the gateway declares to backends and
// to its own clients.
const ProtocolVersion = "2024-11-05"

// State is the lifecycle state of a backend adapter. Transitions are
// single-threaded per backend.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateDegraded
	StateStopping
	StateTerminated
)

// String makes State satisfy the fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced by adapter calls. The gateway maps these onto
// JSON-RPC error shapes at the dispatch boundary.
var (
	// ErrUnavailable is returned when the backend is not Ready or its
	// child died with the call outstanding.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrRequestTimeout is returned when the per-call deadline elapsed.
	ErrRequestTimeout = errors.New("backend request timed out")
	// ErrRestarted drains pending calls when a new child replaces the one
	// that accepted them.
	ErrRestarted = errors.New("backend restarted")
	// ErrShuttingDown drains pending calls during gateway shutdown.
	ErrShuttingDown = errors.New("shutting down")
)

// Descriptor describes one stdio backend. Immutable after load. A disabled
// descriptor is registered for visibility but never spawned.
type Descriptor struct {
	ID             string
	Command        string
	Args           []string
	Env            map[string]string
	Disabled       bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxRestarts    int
}

// Entry is one catalog item (tool, resource, or prompt) exactly as the
// backend advertised it. The gateway treats the payload as opaque and only
// extracts the key it routes by.
type Entry struct {
	Key string          // tool name, resource URI, or prompt name
	Raw json.RawMessage // the backend's original record, re-exported verbatim
}

// Catalogs captures what a backend advertised during connect.
type Catalogs struct {
	Capabilities json.RawMessage
	Tools        []Entry
	Resources    []Entry
	Prompts      []Entry
}

// NotificationHandler receives backend-initiated requests and notifications
// (anything with a method). It must not block the backend reader.
type NotificationHandler func(backendID, method string, params json.RawMessage)
