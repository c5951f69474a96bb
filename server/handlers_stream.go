package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/streamwatch/backend/docstore"
)

// handleStreamDetail returns the reconciled view for one stream: visible
// technical messages, technical rate, category breakdown, chart series.
func (h *Handlers) handleStreamDetail(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok, err := h.deps.Store.GetStream(r.Context(), streamID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if !ok {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}
	view := h.deps.Engine.View(h.ctx, streamID)
	writeJSON(w, http.StatusOK, view.Snapshot())
}

// handleStreamMessages returns the recent message feed (all messages, not just
// technical), newest first.
func (h *Handlers) handleStreamMessages(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", h.deps.RecentLimit)
	if limit <= 0 || limit > 5000 {
		limit = h.deps.RecentLimit
	}
	ctx := r.Context()
	ch := h.deps.Store.WatchRecent(ctx, streamID, limit)
	select {
	case ev, ok := <-ch:
		if !ok {
			http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": ev.Snapshot})
	case <-ctx.Done():
	}
}

// handleStreamDismiss marks one technical message as not-a-problem for this
// viewer. Repeats are no-ops.
func (h *Handlers) handleStreamDismiss(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
		http.Error(w, "message_id required", http.StatusBadRequest)
		return
	}
	view := h.deps.Engine.View(h.ctx, streamID)
	if err := view.Dismiss(r.Context(), req.MessageID); err != nil {
		slog.Warn("dismiss failed", slog.String("stream_id", streamID), slog.String("message_id", req.MessageID), slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, view.Snapshot())
}

// handleStreamIngest accepts one annotated chat message.
func (h *Handlers) handleStreamIngest(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg docstore.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid message body", http.StatusBadRequest)
		return
	}
	if msg.TS == "" {
		http.Error(w, "ts required", http.StatusBadRequest)
		return
	}
	stored, err := h.deps.Ingestor.Ingest(r.Context(), streamID, msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": stored.ID})
}

// handleStreamHeartbeat upserts the stream doc and refreshes liveness.
func (h *Handlers) handleStreamHeartbeat(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var s docstore.Stream
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, "invalid stream body", http.StatusBadRequest)
			return
		}
	}
	s.ID = streamID
	if err := h.deps.Ingestor.Heartbeat(r.Context(), s); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// The registry gets the post-upsert document; the request body carries no
	// status, counters, or last_seen.
	if stored, ok, err := h.deps.Store.GetStream(r.Context(), streamID); err == nil && ok {
		h.deps.Registry.Observe(stored)
	} else if err != nil {
		slog.Warn("heartbeat readback failed", slog.String("stream_id", streamID), slog.Any("err", err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStreamEnd flushes counters and marks the stream ended.
func (h *Handlers) handleStreamEnd(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.deps.Ingestor.End(r.Context(), streamID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}
