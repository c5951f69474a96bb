// Package ingest accepts annotated chat messages and turns them into
// canonical writes: the message document itself plus batched counter
// increments on the stream doc and minute buckets. Counters accumulate in
// memory and flush on an interval so a burst of chat does not become a burst
// of store round-trips.
package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/backend/aggregate"
	"github.com/onnwee/streamwatch/backend/docstore"
	"github.com/onnwee/streamwatch/backend/telemetry"
)

// DefaultFlushInterval matches the upstream counter batch window.
const DefaultFlushInterval = 3 * time.Second

// streamCounters is the unflushed delta for one stream.
type streamCounters struct {
	total       int64
	technical   int64
	issueCounts map[string]int64
	minutes     map[string]*minuteDelta
}

type minuteDelta struct {
	total     int64
	technical int64
}

// Ingestor writes annotated messages into the canonical store.
type Ingestor struct {
	store docstore.Store

	mu       sync.Mutex
	counters map[string]*streamCounters
}

func New(store docstore.Store) *Ingestor {
	return &Ingestor{store: store, counters: make(map[string]*streamCounters)}
}

// MessageID derives a stable id from author, timestamp, and text, so the same
// chat line observed twice maps to the same document.
func MessageID(author, ts, text string) string {
	sum := sha1.Sum([]byte(author + ts + text))
	return hex.EncodeToString(sum[:])[:16]
}

// Ingest persists one annotated message and accumulates its counter deltas.
// An empty msg.ID gets the derived id. Non-technical messages have their
// classification fields cleared so a stale annotation cannot leak through.
// A redelivered line (same id, document already stored) counts nothing.
func (in *Ingestor) Ingest(ctx context.Context, streamID string, msg docstore.Message) (docstore.Message, error) {
	if msg.ID == "" {
		msg.ID = MessageID(msg.Author, msg.TS, msg.Text)
	}
	if !msg.IsTechnical {
		msg.Category = ""
		msg.Issue = ""
		msg.Severity = docstore.SeverityNone
	}
	created, err := in.store.PutMessage(ctx, streamID, msg)
	if err != nil {
		telemetry.CountWriteFailure()
		return msg, fmt.Errorf("put message: %w", err)
	}
	if !created {
		return msg, nil
	}
	telemetry.CountIngested(msg.IsTechnical)
	in.accumulate(streamID, msg)
	return msg, nil
}

func (in *Ingestor) accumulate(streamID string, msg docstore.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	c := in.counters[streamID]
	if c == nil {
		c = &streamCounters{
			issueCounts: make(map[string]int64),
			minutes:     make(map[string]*minuteDelta),
		}
		in.counters[streamID] = c
	}
	c.total++
	if msg.IsTechnical {
		c.technical++
		if msg.Category != "" && msg.Issue != "" {
			c.issueCounts[docstore.IssueKey(msg.Category, msg.Issue)]++
		}
	}
	if key, ok := aggregate.MinuteKey(msg.TS); ok {
		d := c.minutes[key]
		if d == nil {
			d = &minuteDelta{}
			c.minutes[key] = d
		}
		d.total++
		if msg.IsTechnical {
			d.technical++
		}
	}
}

// Heartbeat upserts the stream doc, marking it active and refreshing the
// liveness timestamp.
func (in *Ingestor) Heartbeat(ctx context.Context, s docstore.Stream) error {
	if err := in.store.UpsertStream(ctx, s); err != nil {
		telemetry.CountWriteFailure()
		return fmt.Errorf("upsert stream: %w", err)
	}
	return nil
}

// End flushes outstanding counters for the stream and marks it ended.
func (in *Ingestor) End(ctx context.Context, streamID string) error {
	if err := in.FlushNow(ctx); err != nil {
		slog.Warn("counter flush before end failed", slog.String("stream_id", streamID), slog.Any("err", err))
	}
	if err := in.store.MarkStreamEnded(ctx, streamID); err != nil {
		telemetry.CountWriteFailure()
		return fmt.Errorf("mark stream ended: %w", err)
	}
	return nil
}

// Run flushes accumulated counters on an interval until ctx is cancelled,
// then drains once more with a short grace window.
func (in *Ingestor) Run(ctx context.Context, flushEvery time.Duration) {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushInterval
	}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	slog.Info("counter flush loop started", slog.Duration("interval", flushEvery))
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := in.FlushNow(drainCtx); err != nil {
				slog.Warn("final counter flush failed", slog.Any("err", err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := in.FlushNow(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("counter flush failed", slog.Any("err", err))
			}
		}
	}
}

// FlushNow pushes every accumulated counter delta to the store. Deltas are
// taken out of the accumulator first and re-merged on failure, so a failed
// flush loses nothing and a concurrent Ingest never blocks on store latency.
func (in *Ingestor) FlushNow(ctx context.Context) error {
	in.mu.Lock()
	batch := in.counters
	in.counters = make(map[string]*streamCounters)
	in.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var firstErr error
	telemetry.TimeFunc(telemetry.CounterFlushDuration, func() {
		for streamID, c := range batch {
			if err := in.flushStream(ctx, streamID, c); err != nil {
				in.remerge(streamID, c)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}

func (in *Ingestor) flushStream(ctx context.Context, streamID string, c *streamCounters) error {
	delta := docstore.StreamDelta{
		Total:       c.total,
		Technical:   c.technical,
		IssueCounts: c.issueCounts,
		Touch:       true,
	}
	if err := in.store.ApplyStreamDelta(ctx, streamID, delta); err != nil {
		telemetry.CountWriteFailure()
		return fmt.Errorf("apply stream delta: %w", err)
	}
	c.total, c.technical = 0, 0
	c.issueCounts = make(map[string]int64)
	for minute, d := range c.minutes {
		if err := in.store.IncrementMinute(ctx, streamID, minute, d.total, d.technical); err != nil {
			telemetry.CountWriteFailure()
			return fmt.Errorf("increment minute %s: %w", minute, err)
		}
		delete(c.minutes, minute)
	}
	return nil
}

// remerge puts unflushed deltas back so the next flush retries them.
func (in *Ingestor) remerge(streamID string, c *streamCounters) {
	in.mu.Lock()
	defer in.mu.Unlock()
	cur := in.counters[streamID]
	if cur == nil {
		in.counters[streamID] = c
		return
	}
	cur.total += c.total
	cur.technical += c.technical
	for k, n := range c.issueCounts {
		cur.issueCounts[k] += n
	}
	for minute, d := range c.minutes {
		if cd := cur.minutes[minute]; cd != nil {
			cd.total += d.total
			cd.technical += d.technical
		} else {
			cur.minutes[minute] = d
		}
	}
}
