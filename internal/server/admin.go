package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"mcpgate/internal/aggregator"
	"mcpgate/internal/oauth"

	"github.com/go-chi/chi/v5"
)

// healthResponse is the GET /admin/health body.
type healthResponse struct {
	Status string `json:"status"` // "healthy" or "degraded"
}

// statusResponse is the GET /admin/status body.
type statusResponse struct {
	Name     string                     `json:"name"`
	Version  string                     `json:"version"`
	Sessions int                        `json:"sessions"`
	Tools    int                        `json:"tools"`
	Backends []aggregator.BackendStatus `json:"backends"`
	Shadowed []aggregator.ShadowedEntry `json:"shadowed"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	for _, b := range s.backends.Status() {
		// Deliberately disabled backends do not count against health.
		if b.State != "ready" && b.State != "disabled" {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: status})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.backends.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Name:     s.name,
		Version:  s.version,
		Sessions: s.sessions.Count(),
		Tools:    len(snap.Tools),
		Backends: s.backends.Status(),
		Shadowed: snap.Shadowed,
	})
}

func (s *Server) handleRestartBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.backends.RestartBackend(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting", "id": id})
}

func (s *Server) handleAddClient(w http.ResponseWriter, r *http.Request) {
	var client oauth.Client
	if err := json.NewDecoder(r.Body).Decode(&client); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed client document"})
		return
	}
	if err := s.auth.AddClient(client); err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "already registered") {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	client.Secret = ""
	writeJSON(w, http.StatusCreated, client)
}

func (s *Server) handleRemoveClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.auth.RemoveClient(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
