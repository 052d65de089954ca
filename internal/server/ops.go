package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"conclave/internal/logging"
	"conclave/internal/supervisor"
)

// requireToken guards the operational surfaces the same way the websocket
// endpoint is guarded: open when no token is configured.
func (s *Server) requireToken(w http.ResponseWriter, r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if s.validateToken(r) {
		return true
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	return false
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r) {
		return
	}
	entries := []logging.LogEntry{}
	if s.logger != nil {
		if buffer := s.logger.Buffer(); buffer != nil {
			entries = buffer.List()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleLogStream streams log entries as server-sent events until the
// client goes away.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r) {
		return
	}
	if s.logger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "log stream unavailable"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	entries, cancel := s.logger.Subscribe()
	if entries == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "log stream unavailable"})
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type resumeRequest struct {
	Approved bool `json:"approved"`
}

type resumeResponse struct {
	RunID    string `json:"run_id"`
	State    string `json:"state"`
	Complete bool   `json:"complete"`
}

// handleRunResume applies an approval decision to an interrupted run.
func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r) {
		return
	}
	if s.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "runs unavailable"})
		return
	}
	runID := r.PathValue("run_id")
	if runID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "run id required"})
		return
	}
	var request resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	state, err := s.runs.Resume(r.Context(), runID, request.Approved)
	if err != nil {
		if errors.Is(err, supervisor.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown run"})
			return
		}
		s.logWarn("run resume failed", map[string]string{
			"run_id": runID,
			"error":  err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "resume failed"})
		return
	}
	writeJSON(w, http.StatusOK, resumeResponse{
		RunID:    state.RunID,
		State:    string(state.State),
		Complete: state.Complete,
	})
}
