// Package docstore abstracts the canonical document store holding streams,
// their chat messages, and per-minute aggregates. It exposes change-feed
// subscriptions (snapshot + changeset per delivery) and partial updates with
// field-level atomic increments. Two implementations exist: Postgres for
// production and Memory for tests and local runs.
package docstore

import (
	"context"
	"time"
)

// Stream statuses. A stream is never deleted; it transitions active -> ended.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Severity levels assigned by the upstream annotator.
const (
	SeverityNone   = "none"
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Stream is one monitored live broadcast session.
type Stream struct {
	ID                string           `json:"id"`
	Channel           string           `json:"channel"`
	Title             string           `json:"title"`
	URL               string           `json:"url"`
	Status            string           `json:"status"`
	StartedAt         time.Time        `json:"started_at"`
	EndedAt           time.Time        `json:"ended_at,omitempty"`
	LastSeenAt        time.Time        `json:"last_seen_at,omitempty"`
	TotalComments     int64            `json:"total_comments"`
	TechnicalComments int64            `json:"technical_comments"`
	IssueCounts       map[string]int64 `json:"issue_counts,omitempty"`
	// Seq is the first-observation order, assigned once on insert.
	Seq int64 `json:"-"`
}

// Message is one chat entry. TS is kept as an ISO-8601 string so that
// lexicographic comparison matches chronological order.
type Message struct {
	ID          string `json:"id"`
	Author      string `json:"author"`
	Text        string `json:"text"`
	TS          string `json:"ts"`
	IsTechnical bool   `json:"is_technical"`
	Category    string `json:"category,omitempty"`
	Issue       string `json:"issue,omitempty"`
	Severity    string `json:"severity"`
}

// MinuteBucket holds counters for one "HH:MM" minute of a stream.
type MinuteBucket struct {
	Minute    string `json:"minute"`
	Total     int64  `json:"total"`
	Technical int64  `json:"technical"`
}

// StreamEvent is delivered by WatchStream whenever the stream document changes.
type StreamEvent struct {
	Stream  Stream
	Initial bool
}

// MessageEvent is delivered by the message watchers. Snapshot is the full
// current set for the subscription; Added/Modified/Removed describe the delta
// relative to the previous delivery on the same subscription. The first
// delivery carries Initial=true and an empty changeset.
type MessageEvent struct {
	Snapshot []Message
	Added    []Message
	Modified []Message
	Removed  []Message
	Initial  bool
}

// MinuteEvent carries the full minute-aggregate collection, sorted by key.
type MinuteEvent struct {
	Buckets []MinuteBucket
	Initial bool
}

// StreamDelta is a partial update with commuting increments. Touch refreshes
// last_seen_at. Negative values decrement; counters never go below zero
// through the canonical path.
type StreamDelta struct {
	Total       int64
	Technical   int64
	IssueCounts map[string]int64
	Touch       bool
}

// Writer is the mutation subset of Store needed by the override flusher.
type Writer interface {
	ClearTechnical(ctx context.Context, streamID, msgID string) error
	ApplyStreamDelta(ctx context.Context, streamID string, d StreamDelta) error
	IncrementMinute(ctx context.Context, streamID, minute string, total, technical int64) error
}

// Store is the subscribe/query/update capability contract. Watch channels are
// closed when ctx is cancelled; that is the unsubscribe mechanism. Deliveries
// on one subscription are ordered; nothing is guaranteed across subscriptions.
type Store interface {
	Writer

	WatchStream(ctx context.Context, streamID string) <-chan StreamEvent
	WatchTechnical(ctx context.Context, streamID string) <-chan MessageEvent
	WatchRecent(ctx context.Context, streamID string, limit int) <-chan MessageEvent
	WatchMinutes(ctx context.Context, streamID string) <-chan MinuteEvent

	UpsertStream(ctx context.Context, s Stream) error
	MarkStreamEnded(ctx context.Context, streamID string) error
	ListStreams(ctx context.Context) ([]Stream, error)
	GetStream(ctx context.Context, streamID string) (Stream, bool, error)
	PutMessage(ctx context.Context, streamID string, m Message) (bool, error)
	GetMessage(ctx context.Context, streamID, msgID string) (Message, bool, error)
}

// IssueKey builds the "category:issue" composite key used in issue_counts.
func IssueKey(category, issue string) string { return category + ":" + issue }
