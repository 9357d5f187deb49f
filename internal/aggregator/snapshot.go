// Package aggregator merges the catalogs of every ready backend into one
// routable view and dispatches client JSON-RPC requests to the backend that
// owns the named entry.
package aggregator

import (
	"encoding/json"

	"mcpgate/internal/backend"
)

// AggregatedEntry is one catalog entry together with the backend that owns it.
type AggregatedEntry struct {
	Key       string
	BackendID string
	Raw       json.RawMessage
}

// ShadowedEntry records a catalog entry that lost a key collision. It never
// receives traffic but stays visible through the admin status endpoint.
type ShadowedEntry struct {
	Kind      string `json:"kind"` // "tool", "resource", or "prompt"
	Key       string `json:"key"`
	BackendID string `json:"backendId"`
	WinnerID  string `json:"winnerId"`
}

// Snapshot is an immutable merged view of all ready backends. Collisions
// resolve to the backend declared first in configuration order; published
// snapshots are never mutated, only replaced.
type Snapshot struct {
	Tools     []AggregatedEntry
	Resources []AggregatedEntry
	Prompts   []AggregatedEntry
	Shadowed  []ShadowedEntry

	// Capabilities is the union of what the merged backends advertised
	// during their initialize handshake: sections by presence, boolean
	// feature flags by OR.
	Capabilities map[string]map[string]bool

	toolOwner     map[string]string
	resourceOwner map[string]string
	promptOwner   map[string]string
}

type backendCatalog struct {
	id       string
	catalogs backend.Catalogs
}

func emptySnapshot() *Snapshot {
	return newSnapshot(nil)
}

// newSnapshot merges catalogs in the given order: the first backend to
// declare a key owns it, later declarations are shadowed.
func newSnapshot(ordered []backendCatalog) *Snapshot {
	s := &Snapshot{
		Tools:         []AggregatedEntry{},
		Resources:     []AggregatedEntry{},
		Prompts:       []AggregatedEntry{},
		Shadowed:      []ShadowedEntry{},
		Capabilities:  make(map[string]map[string]bool),
		toolOwner:     make(map[string]string),
		resourceOwner: make(map[string]string),
		promptOwner:   make(map[string]string),
	}

	for _, bc := range ordered {
		s.merge("tool", bc.id, bc.catalogs.Tools, s.toolOwner, &s.Tools)
		s.merge("resource", bc.id, bc.catalogs.Resources, s.resourceOwner, &s.Resources)
		s.merge("prompt", bc.id, bc.catalogs.Prompts, s.promptOwner, &s.Prompts)
		s.mergeCapabilities(bc.catalogs.Capabilities)
	}
	return s
}

// mergeCapabilities folds one backend's advertised capability block into the
// union. Sections with non-boolean flags still register by presence.
func (s *Snapshot) mergeCapabilities(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return
	}
	for name, rawFlags := range sections {
		merged, ok := s.Capabilities[name]
		if !ok {
			merged = make(map[string]bool)
			s.Capabilities[name] = merged
		}
		var flags map[string]bool
		if err := json.Unmarshal(rawFlags, &flags); err != nil {
			continue
		}
		for flag, set := range flags {
			if set {
				merged[flag] = true
			}
		}
	}
}

func (s *Snapshot) merge(kind, backendID string, entries []backend.Entry, owners map[string]string, out *[]AggregatedEntry) {
	for _, e := range entries {
		if winner, taken := owners[e.Key]; taken {
			s.Shadowed = append(s.Shadowed, ShadowedEntry{
				Kind:      kind,
				Key:       e.Key,
				BackendID: backendID,
				WinnerID:  winner,
			})
			continue
		}
		owners[e.Key] = backendID
		*out = append(*out, AggregatedEntry{Key: e.Key, BackendID: backendID, Raw: e.Raw})
	}
}

// ToolOwner resolves a tool name to the backend that serves it.
func (s *Snapshot) ToolOwner(name string) (string, bool) {
	id, ok := s.toolOwner[name]
	return id, ok
}

// ResourceOwner resolves a resource URI to the backend that serves it.
func (s *Snapshot) ResourceOwner(uri string) (string, bool) {
	id, ok := s.resourceOwner[uri]
	return id, ok
}

// PromptOwner resolves a prompt name to the backend that serves it.
func (s *Snapshot) PromptOwner(name string) (string, bool) {
	id, ok := s.promptOwner[name]
	return id, ok
}

func rawEntries(entries []AggregatedEntry) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Raw)
	}
	return out
}
