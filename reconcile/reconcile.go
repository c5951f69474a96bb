// Package reconcile merges the canonical technical-message feed, the minute
// aggregates, and the local override set into one consistent derived view per
// stream, and coordinates the dismiss operation across all of them.
//
// The three subscriptions feeding a view have no cross-subscription ordering
// guarantee, so every derived value is computed to tolerate transient skew
// and converge once pending notifications drain.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/onnwee/streamwatch/backend/aggregate"
	"github.com/onnwee/streamwatch/backend/category"
	"github.com/onnwee/streamwatch/backend/docstore"
	"github.com/onnwee/streamwatch/backend/overrides"
	"github.com/onnwee/streamwatch/backend/telemetry"
)

// Engine opens and caches per-stream views.
type Engine struct {
	store     docstore.Store
	overrides *overrides.Store

	mu    sync.Mutex
	views map[string]*View
}

// NewEngine wires the engine to its persistence ports. Both are injected so
// tests can substitute the in-memory store.
func NewEngine(store docstore.Store, ov *overrides.Store) *Engine {
	return &Engine{store: store, overrides: ov, views: make(map[string]*View)}
}

// View returns the live view for streamID, opening it on first use. The view
// is torn down (all three subscriptions cancelled) when ctx is cancelled or
// CloseAll is called.
func (e *Engine) View(ctx context.Context, streamID string) *View {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views[streamID]; ok {
		return v
	}
	v := newView(ctx, e.store, e.overrides, streamID)
	e.views[streamID] = v
	return v
}

// CloseAll tears down every open view.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	views := e.views
	e.views = make(map[string]*View)
	e.mu.Unlock()
	for _, v := range views {
		v.Close()
	}
}

// View is the reconciled state for one stream. All updates happen on a single
// event-loop goroutine; reads take a snapshot under the lock.
type View struct {
	streamID  string
	store     docstore.Store
	overrides *overrides.Store
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.RWMutex
	stream    docstore.Stream
	technical []docstore.Message
	techByID  map[string]docstore.Message
	minutes   []docstore.MinuteBucket

	subMu sync.Mutex
	subs  map[chan docstore.Message]struct{}
}

func newView(ctx context.Context, store docstore.Store, ov *overrides.Store, streamID string) *View {
	vctx, cancel := context.WithCancel(ctx)
	v := &View{
		streamID:  streamID,
		store:     store,
		overrides: ov,
		cancel:    cancel,
		done:      make(chan struct{}),
		techByID:  make(map[string]docstore.Message),
		subs:      make(map[chan docstore.Message]struct{}),
	}
	streamCh := store.WatchStream(vctx, streamID)
	techCh := store.WatchTechnical(vctx, streamID)
	minuteCh := store.WatchMinutes(vctx, streamID)
	go v.run(streamCh, techCh, minuteCh)
	return v
}

func (v *View) run(streamCh <-chan docstore.StreamEvent, techCh <-chan docstore.MessageEvent, minuteCh <-chan docstore.MinuteEvent) {
	defer close(v.done)
	for streamCh != nil || techCh != nil || minuteCh != nil {
		select {
		case ev, ok := <-streamCh:
			if !ok {
				streamCh = nil
				continue
			}
			v.mu.Lock()
			v.stream = ev.Stream
			v.mu.Unlock()
		case ev, ok := <-techCh:
			if !ok {
				techCh = nil
				continue
			}
			v.applyTechnical(ev)
		case ev, ok := <-minuteCh:
			if !ok {
				minuteCh = nil
				continue
			}
			v.mu.Lock()
			v.minutes = ev.Buckets
			v.mu.Unlock()
		}
	}
}

func (v *View) applyTechnical(ev docstore.MessageEvent) {
	v.mu.Lock()
	v.technical = ev.Snapshot
	byID := make(map[string]docstore.Message, len(ev.Snapshot))
	for _, m := range ev.Snapshot {
		byID[m.ID] = m
	}
	v.techByID = byID
	v.mu.Unlock()

	// The initial snapshot never signals; only genuinely new arrivals do.
	// Each added entry is its own edge-triggered notification: duplicate
	// problems arriving in the same instant are distinct incidents.
	if ev.Initial {
		return
	}
	for _, m := range ev.Added {
		v.fanout(m)
	}
}

func (v *View) fanout(m docstore.Message) {
	telemetry.CountIncident()
	v.subMu.Lock()
	defer v.subMu.Unlock()
	for ch := range v.subs {
		select {
		case ch <- m:
		default: // slow consumer, drop rather than stall the loop
		}
	}
}

// Incidents subscribes to the new-incident signal. The returned cancel func
// must be called when the consumer goes away.
func (v *View) Incidents() (<-chan docstore.Message, func()) {
	ch := make(chan docstore.Message, 16)
	v.subMu.Lock()
	v.subs[ch] = struct{}{}
	v.subMu.Unlock()
	return ch, func() {
		v.subMu.Lock()
		delete(v.subs, ch)
		v.subMu.Unlock()
	}
}

// CategoryCount is one row of the category breakdown.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
	Percent  int    `json:"percent"`
}

// ChartPoint is one minute of the volume chart.
type ChartPoint struct {
	Minute    string `json:"minute"`
	Total     int64  `json:"total"`
	Technical int64  `json:"technical"`
}

// Derived is the reconciled per-stream view handed to presentation.
type Derived struct {
	Stream           docstore.Stream    `json:"stream"`
	VisibleTechnical []docstore.Message `json:"visible_technical"`
	TechnicalRate    int                `json:"technical_rate"`
	Breakdown        []CategoryCount    `json:"breakdown"`
	Chart            []ChartPoint       `json:"chart"`
	PendingSync      int                `json:"pending_sync"`
}

// Snapshot derives the current view: visible technical set (canonical minus
// overrides, newest first), technical rate, category breakdown, and the chart
// series. The chart's total column comes from the persisted aggregate; the
// technical column is recomputed from the visible set so override writes that
// have not reached the store yet cannot cause drift (recomputed wins).
func (v *View) Snapshot() Derived {
	v.mu.RLock()
	stream := v.stream
	technical := make([]docstore.Message, len(v.technical))
	copy(technical, v.technical)
	minutes := make([]docstore.MinuteBucket, len(v.minutes))
	copy(minutes, v.minutes)
	v.mu.RUnlock()

	visible := technical[:0:0]
	for _, m := range technical {
		if !v.overrides.IsOverridden(v.streamID, m.ID) {
			visible = append(visible, m)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].TS != visible[j].TS {
			return visible[i].TS > visible[j].TS
		}
		return visible[i].ID > visible[j].ID
	})

	return Derived{
		Stream:           stream,
		VisibleTechnical: visible,
		TechnicalRate:    Rate(len(visible), stream.TotalComments),
		Breakdown:        Breakdown(visible),
		Chart:            chartSeries(minutes, visible),
		PendingSync:      v.overrides.PendingSync(),
	}
}

// Rate computes round(100 * visible / max(total, 1)).
func Rate(visible int, total int64) int {
	if total < 1 {
		total = 1
	}
	return int(math.Round(100 * float64(visible) / float64(total)))
}

// Breakdown groups the visible technical set by normalized category, drops
// unclassifiable and zero-count groups, and sorts descending by count.
// Percentages are against the breakdown's own total, not total_comments.
func Breakdown(visible []docstore.Message) []CategoryCount {
	counts := make(map[string]int)
	sum := 0
	for _, m := range visible {
		label, ok := category.Normalize(m.Category)
		if !ok {
			continue
		}
		counts[label]++
		sum++
	}
	out := make([]CategoryCount, 0, len(counts))
	for label, n := range counts {
		out = append(out, CategoryCount{Category: label, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	if sum > 0 {
		for i := range out {
			out[i].Percent = int(math.Round(100 * float64(out[i].Count) / float64(sum)))
		}
	}
	return out
}

func chartSeries(minutes []docstore.MinuteBucket, visible []docstore.Message) []ChartPoint {
	techPerMin := aggregate.TechnicalPerMinute(visible)
	if len(minutes) == 0 {
		// No persisted aggregate yet; bucket the visible set directly.
		fallback := aggregate.FromMessages(visible, nil)
		out := make([]ChartPoint, 0, len(fallback))
		for _, b := range fallback {
			out = append(out, ChartPoint{Minute: b.Minute, Total: b.Total, Technical: b.Technical})
		}
		return out
	}
	sorted := aggregate.Sorted(minutes)
	out := make([]ChartPoint, 0, len(sorted))
	for _, b := range sorted {
		out = append(out, ChartPoint{Minute: b.Minute, Total: b.Total, Technical: techPerMin[b.Minute]})
	}
	return out
}

// Dismiss reclassifies one technical message as non-technical. The override
// store gates idempotence and issues the canonical writes; the next Snapshot
// already reflects the dismissal regardless of canonical write latency.
func (v *View) Dismiss(ctx context.Context, msgID string) error {
	v.mu.RLock()
	msg, ok := v.techByID[msgID]
	v.mu.RUnlock()
	if !ok {
		m, found, err := v.store.GetMessage(ctx, v.streamID, msgID)
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}
		if !found {
			return fmt.Errorf("message %s not found on stream %s", msgID, v.streamID)
		}
		msg = m
	}
	return v.overrides.Dismiss(ctx, v.streamID, msg)
}

// Close tears down the view's subscriptions and blocks until the event loop
// exits.
func (v *View) Close() {
	v.cancel()
	<-v.done
}
