package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/streamwatch/backend/docstore"
	"github.com/onnwee/streamwatch/backend/ingest"
	"github.com/onnwee/streamwatch/backend/overrides"
	"github.com/onnwee/streamwatch/backend/reconcile"
	"github.com/onnwee/streamwatch/backend/registry"
)

// Deps carries the long-lived components the handlers dispatch to.
type Deps struct {
	DB          *sql.DB // nil when running against the in-memory store
	Store       docstore.Store
	Engine      *reconcile.Engine
	Registry    *registry.Registry
	Ingestor    *ingest.Ingestor
	Overrides   *overrides.Store
	RecentLimit int
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	ctx       context.Context
	deps      Deps
	startedAt time.Time
}

// NewHandlers creates a handler set. ctx is the process lifetime context;
// per-stream views opened lazily by handlers are bound to it, not to any
// single request.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	if deps.RecentLimit <= 0 {
		deps.RecentLimit = 500
	}
	return &Handlers{ctx: ctx, deps: deps, startedAt: time.Now()}
}

// HandleStatus reports process-level state for the dashboard header.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := map[string]any{
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"degraded":       h.deps.Registry.Degraded(),
		"active_streams": len(h.deps.Registry.Active()),
		"pending_sync":   h.deps.Overrides.PendingSync(),
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleStreamsList returns known streams split into active and ended, each in
// stable first-observed order, plus the degraded flag so the client can show
// an offline indicator instead of an empty page.
func (h *Handlers) HandleStreamsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   h.deps.Registry.Active(),
		"ended":    h.deps.Registry.Ended(),
		"degraded": h.deps.Registry.Degraded(),
	})
}

// HandleStreamsDispatcher routes /streams/{id}[/...] subpaths.
func (h *Handlers) HandleStreamsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/streams/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	streamID := rest
	action := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		streamID, action = rest[:i], rest[i+1:]
	}
	if streamID == "" {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "":
		h.handleStreamDetail(w, r, streamID)
	case "messages":
		h.handleStreamMessages(w, r, streamID)
	case "dismiss":
		h.handleStreamDismiss(w, r, streamID)
	case "incidents":
		h.handleStreamIncidents(w, r, streamID)
	case "ingest":
		h.handleStreamIngest(w, r, streamID)
	case "heartbeat":
		h.handleStreamHeartbeat(w, r, streamID)
	case "end":
		h.handleStreamEnd(w, r, streamID)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
