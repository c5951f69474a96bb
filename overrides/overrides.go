// Package overrides keeps the per-viewer set of dismissed message ids. The
// set is backed by an append-only JSONL write-ahead log on local disk; the
// log, not the remote store, is the durability mechanism. Canonical decrement
// writes are flushed in the background and retried on failure, with the local
// set masking any staleness in the meantime.
package overrides

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/backend/aggregate"
	"github.com/onnwee/streamwatch/backend/docstore"
	"github.com/onnwee/streamwatch/backend/telemetry"
)

// Log record ops.
const (
	opDismiss = "dismiss"
	opSynced  = "synced"
)

type record struct {
	Op        string `json:"op"`
	Viewer    string `json:"viewer"`
	StreamID  string `json:"stream_id"`
	MessageID string `json:"message_id"`
	Category  string `json:"category,omitempty"`
	Issue     string `json:"issue,omitempty"`
	Minute    string `json:"minute,omitempty"`
	At        string `json:"at"`
}

// pending is one dismissed message whose canonical writes have not all been
// acknowledged. Step tracks which of the four writes already committed so a
// retry never re-applies a decrement that succeeded.
type pending struct {
	StreamID  string
	MessageID string
	Category  string
	Issue     string
	Minute    string
	Step      int
}

// Store is the per-viewer override set.
type Store struct {
	viewer string
	path   string
	writer docstore.Writer

	mu      sync.Mutex
	file    *os.File
	sets    map[string]map[string]struct{}
	pending []pending
	wake    chan struct{}

	flushMu sync.Mutex
}

// Open loads the log at path (replaying dismiss/synced records) and returns a
// store appending to it. A missing file starts an empty set.
func Open(path, viewer string, w docstore.Writer) (*Store, error) {
	s := &Store{
		viewer: viewer,
		path:   path,
		writer: w,
		sets:   make(map[string]map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open override log: %w", err)
	}
	s.file = f
	telemetry.SetPendingSync(len(s.pending))
	return s, nil
}

func (s *Store) replay() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read override log: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close override log", slog.Any("err", err))
		}
	}()
	synced := make(map[string]struct{})
	var dismissed []record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			// A torn tail write is possible after a crash; skip the line.
			slog.Warn("skipping malformed override log line", slog.Any("err", err))
			continue
		}
		if r.Viewer != "" && r.Viewer != s.viewer {
			continue
		}
		switch r.Op {
		case opDismiss:
			s.add(r.StreamID, r.MessageID)
			dismissed = append(dismissed, r)
		case opSynced:
			synced[r.StreamID+"/"+r.MessageID] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan override log: %w", err)
	}
	for _, r := range dismissed {
		if _, ok := synced[r.StreamID+"/"+r.MessageID]; ok {
			continue
		}
		s.pending = append(s.pending, pending{
			StreamID: r.StreamID, MessageID: r.MessageID,
			Category: r.Category, Issue: r.Issue, Minute: r.Minute,
		})
	}
	return nil
}

func (s *Store) add(streamID, msgID string) bool {
	set, ok := s.sets[streamID]
	if !ok {
		set = make(map[string]struct{})
		s.sets[streamID] = set
	}
	if _, ok := set[msgID]; ok {
		return false
	}
	set[msgID] = struct{}{}
	return true
}

// Dismiss records msg as dismissed for this viewer and schedules the four
// canonical writes (message flag, stream counter, issue counter, minute
// bucket). Idempotent: membership gates the decrements, so repeated calls for
// the same id never double-decrement.
func (s *Store) Dismiss(ctx context.Context, streamID string, msg docstore.Message) error {
	s.mu.Lock()
	if !s.add(streamID, msg.ID) {
		s.mu.Unlock()
		return nil
	}
	minute, _ := aggregate.MinuteKey(msg.TS)
	r := record{
		Op: opDismiss, Viewer: s.viewer, StreamID: streamID, MessageID: msg.ID,
		Category: msg.Category, Issue: msg.Issue, Minute: minute,
		At: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.appendLocked(r); err != nil {
		// Local durability failed; keep the in-memory override so the current
		// session stays consistent, but surface the error.
		s.pendingAppendLocked(r)
		s.mu.Unlock()
		return err
	}
	s.pendingAppendLocked(r)
	s.mu.Unlock()
	telemetry.CountDismissal()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Store) pendingAppendLocked(r record) {
	s.pending = append(s.pending, pending{
		StreamID: r.StreamID, MessageID: r.MessageID,
		Category: r.Category, Issue: r.Issue, Minute: r.Minute,
	})
	telemetry.SetPendingSync(len(s.pending))
}

func (s *Store) appendLocked(r record) error {
	if s.file == nil {
		return fmt.Errorf("override log closed")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append override log: %w", err)
	}
	return s.file.Sync()
}

// IsOverridden reports whether msgID was dismissed on streamID. Pure
// membership test; once true it stays true for the life of the log.
func (s *Store) IsOverridden(streamID, msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[streamID][msgID]
	return ok
}

// Overridden returns a copy of the dismissed id set for streamID.
func (s *Store) Overridden(streamID string) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.sets[streamID]))
	for id := range s.sets[streamID] {
		out[id] = struct{}{}
	}
	return out
}

// PendingSync returns how many dismissals still await canonical flush.
func (s *Store) PendingSync() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run flushes pending canonical writes until ctx is cancelled, retrying with
// exponential backoff + jitter on failure.
func (s *Store) Run(ctx context.Context) {
	base := 500 * time.Millisecond
	attempt := 0
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		if err := s.FlushNow(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			backoff := base * time.Duration(1<<attempt)
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			backoff += time.Duration(rand.Int63n(int64(base)))
			if attempt < 6 {
				attempt++
			}
			slog.Warn("override flush failed; retrying", slog.Any("err", err), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		attempt = 0
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// FlushNow synchronously pushes pending canonical writes, stopping at the
// first failure. Safe to call concurrently with Run.
func (s *Store) FlushNow(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return nil
		}
		p := s.pending[0]
		s.mu.Unlock()

		step, err := s.flushEntry(ctx, p)
		s.mu.Lock()
		if len(s.pending) > 0 && s.pending[0].MessageID == p.MessageID && s.pending[0].StreamID == p.StreamID {
			s.pending[0].Step = step
		}
		if err != nil {
			s.mu.Unlock()
			telemetry.CountWriteFailure()
			return err
		}
		rec := record{
			Op: opSynced, Viewer: s.viewer, StreamID: p.StreamID, MessageID: p.MessageID,
			At: time.Now().UTC().Format(time.RFC3339),
		}
		if err := s.appendLocked(rec); err != nil {
			slog.Warn("failed to append synced record", slog.Any("err", err))
		}
		s.pending = s.pending[1:]
		telemetry.SetPendingSync(len(s.pending))
		s.mu.Unlock()
	}
}

// flushEntry applies the canonical writes for one dismissal in order:
// message flag, stream technical counter, issue counter, minute bucket.
// Returns the index of the next unapplied step alongside any error so a retry
// resumes instead of re-decrementing.
func (s *Store) flushEntry(ctx context.Context, p pending) (int, error) {
	step := p.Step
	if step == 0 {
		if err := s.writer.ClearTechnical(ctx, p.StreamID, p.MessageID); err != nil {
			return step, fmt.Errorf("clear technical: %w", err)
		}
		step = 1
	}
	if step == 1 {
		if err := s.writer.ApplyStreamDelta(ctx, p.StreamID, docstore.StreamDelta{Technical: -1}); err != nil {
			return step, fmt.Errorf("decrement stream technical: %w", err)
		}
		step = 2
	}
	if step == 2 {
		if p.Category != "" && p.Issue != "" {
			d := docstore.StreamDelta{IssueCounts: map[string]int64{docstore.IssueKey(p.Category, p.Issue): -1}}
			if err := s.writer.ApplyStreamDelta(ctx, p.StreamID, d); err != nil {
				return step, fmt.Errorf("decrement issue count: %w", err)
			}
		}
		step = 3
	}
	if step == 3 {
		if p.Minute != "" {
			if err := s.writer.IncrementMinute(ctx, p.StreamID, p.Minute, 0, -1); err != nil {
				return step, fmt.Errorf("decrement minute bucket: %w", err)
			}
		}
		step = 4
	}
	return step, nil
}

// Close releases the log file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
