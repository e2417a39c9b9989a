package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/session"
)

// streamStatus pushes session snapshots as server-sent events. The client
// gets one snapshot immediately, then one event per registry update in
// applied order; the stream ends when the session reaches a terminal status
// or the client goes away. Disconnecting never cancels the running job.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, cancel, err := s.registry.Watch(sessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status": "not_found",
			"error":  "Session expired or unknown. Please submit the audit again.",
		})
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Immediate snapshot on connect; for already-terminal sessions the
	// watch channel carries it instead.
	if snap, ok := s.registry.Snapshot(sessionID); ok && !snap.Status.IsTerminal() {
		if err := writeEvent(w, snap); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-updates:
			if !open {
				return
			}
			if err := writeEvent(w, snap); err != nil {
				s.logger.Debug("sse write failed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
			flusher.Flush()
			if snap.Status.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
