package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// handleStreamIncidents streams new-incident notifications over Server-Sent
// Events. Only messages arriving after the subscription starts are delivered;
// the initial backlog never triggers an event.
func (h *Handlers) handleStreamIncidents(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	view := h.deps.Engine.View(h.ctx, streamID)
	incidents, unsubscribe := view.Incidents()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	enc := json.NewEncoder(w)
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case m := <-incidents:
			if _, err := w.Write([]byte("event: incident\ndata: ")); err != nil {
				slog.Warn("failed to write SSE data prefix", slog.Any("err", err))
				return
			}
			_ = enc.Encode(m)
			if _, err := w.Write([]byte("\n")); err != nil {
				slog.Warn("failed to write SSE newline", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}
