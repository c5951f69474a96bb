// Package registry tracks the set of known streams, their stable display
// order, and live-vs-stale status. Streams keep the position they were first
// observed at; later updates never reorder, which keeps multi-card layouts
// from jittering.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/backend/docstore"
	"github.com/onnwee/streamwatch/backend/telemetry"
)

// DefaultStalenessWindow is how long a stream may go without a heartbeat
// before it is treated as inactive regardless of stored status.
const DefaultStalenessWindow = 5 * time.Minute

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	window   time.Duration
	now      func() time.Time
	order    []string
	streams  map[string]docstore.Stream
	degraded bool
}

// New creates a registry with the given staleness window (zero means the 5m
// default).
func New(window time.Duration) *Registry {
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	return &Registry{
		window:  window,
		now:     time.Now,
		streams: make(map[string]docstore.Stream),
	}
}

// SetClock overrides the wall clock (tests).
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Observe records a stream. First observation appends it to the display
// order; subsequent observations update in place.
func (r *Registry) Observe(s docstore.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[s.ID]; !ok {
		r.order = append(r.order, s.ID)
	}
	r.streams[s.ID] = s
}

// ObserveAll records a batch (e.g. a ListStreams result).
func (r *Registry) ObserveAll(streams []docstore.Stream) {
	for _, s := range streams {
		r.Observe(s)
	}
}

// IsLive reports whether s counts as active for display: stored status must
// be active AND the last heartbeat must be absent or within the staleness
// window. A stale stream is inactive even if the canonical writer has not
// flushed "ended" yet.
func (r *Registry) IsLive(s docstore.Stream) bool {
	if s.Status != docstore.StatusActive {
		return false
	}
	if s.LastSeenAt.IsZero() {
		return true
	}
	r.mu.RLock()
	now := r.now()
	window := r.window
	r.mu.RUnlock()
	return now.Sub(s.LastSeenAt) < window
}

// Active returns live streams in stable first-observed order.
func (r *Registry) Active() []docstore.Stream {
	return r.list(true)
}

// Ended returns non-live streams (ended or stale) in stable order.
func (r *Registry) Ended() []docstore.Stream {
	return r.list(false)
}

func (r *Registry) list(live bool) []docstore.Stream {
	r.mu.RLock()
	ordered := make([]docstore.Stream, 0, len(r.order))
	for _, id := range r.order {
		ordered = append(ordered, r.streams[id])
	}
	r.mu.RUnlock()
	out := make([]docstore.Stream, 0, len(ordered))
	for _, s := range ordered {
		if r.IsLive(s) == live {
			out = append(out, s)
		}
	}
	return out
}

// Degraded reports whether the last canonical sync failed (offline indicator).
func (r *Registry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

func (r *Registry) setDegraded(d bool) {
	r.mu.Lock()
	r.degraded = d
	r.mu.Unlock()
	telemetry.SetDegraded(d)
}

// Run polls the canonical stream list until ctx is cancelled. Listing
// failures flip the degraded flag and are retried on the next tick; they are
// never fatal.
func (r *Registry) Run(ctx context.Context, store docstore.Store, pollEvery time.Duration) {
	if pollEvery <= 0 {
		pollEvery = 15 * time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	slog.Info("registry sync started", slog.Duration("interval", pollEvery))
	for {
		streams, err := store.ListStreams(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.setDegraded(true)
			telemetry.CountWatchError()
			slog.Warn("registry sync failed", slog.Any("err", err))
		} else {
			r.setDegraded(false)
			r.ObserveAll(streams)
			telemetry.SetActiveStreams(len(r.Active()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
