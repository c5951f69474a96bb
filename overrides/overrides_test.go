package overrides

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/onnwee/streamwatch/backend/docstore"
)

func testMessage() docstore.Message {
	return docstore.Message{
		ID: "msg1", Author: "viewer", Text: "sem áudio",
		TS: "2026-09-01T20:31:07Z", IsTechnical: true,
		Category: "AUDIO", Issue: "sem áudio", Severity: docstore.SeverityHigh,
	}
}

func TestDismissIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	if err := mem.UpsertStream(ctx, docstore.Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mem.ApplyStreamDelta(ctx, "s", docstore.StreamDelta{Total: 10, Technical: 1, IssueCounts: map[string]int64{"AUDIO:sem áudio": 1}}); err != nil {
		t.Fatalf("seed counters: %v", err)
	}
	if err := mem.IncrementMinute(ctx, "s", "20:31", 1, 1); err != nil {
		t.Fatalf("seed minute: %v", err)
	}
	if _, err := mem.PutMessage(ctx, "s", testMessage()); err != nil {
		t.Fatalf("put: %v", err)
	}

	s, err := Open(filepath.Join(t.TempDir(), "overrides.jsonl"), "viewer-a", mem)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if err := s.Dismiss(ctx, "s", testMessage()); err != nil {
			t.Fatalf("dismiss %d: %v", i, err)
		}
	}
	if !s.IsOverridden("s", "msg1") {
		t.Fatalf("expected msg1 overridden")
	}
	if err := s.FlushNow(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if s.PendingSync() != 0 {
		t.Errorf("pending = %d, want 0", s.PendingSync())
	}

	stream, _, err := mem.GetStream(ctx, "s")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	// Three dismiss calls, one decrement.
	if stream.TechnicalComments != 0 {
		t.Errorf("technical = %d, want 0", stream.TechnicalComments)
	}
	if stream.TotalComments != 10 {
		t.Errorf("total = %d, want 10 (dismiss never touches total)", stream.TotalComments)
	}
	if stream.IssueCounts["AUDIO:sem áudio"] != 0 {
		t.Errorf("issue count = %d, want 0", stream.IssueCounts["AUDIO:sem áudio"])
	}
	msg, _, err := mem.GetMessage(ctx, "s", "msg1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.IsTechnical {
		t.Errorf("message still technical after flush")
	}
}

func TestOverridesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	if err := mem.UpsertStream(ctx, docstore.Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := mem.PutMessage(ctx, "s", testMessage()); err != nil {
		t.Fatalf("put: %v", err)
	}
	path := filepath.Join(t.TempDir(), "overrides.jsonl")

	s, err := Open(path, "viewer-a", mem)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Dismiss(ctx, "s", testMessage()); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulates process restart before any canonical flush completed.
	s2, err := Open(path, "viewer-a", mem)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if !s2.IsOverridden("s", "msg1") {
		t.Fatalf("override lost across reopen")
	}
	if s2.PendingSync() != 1 {
		t.Errorf("pending after reopen = %d, want 1", s2.PendingSync())
	}
}

func TestSyncedRecordsNotReplayedAsPending(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	if err := mem.UpsertStream(ctx, docstore.Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := mem.PutMessage(ctx, "s", testMessage()); err != nil {
		t.Fatalf("put: %v", err)
	}
	path := filepath.Join(t.TempDir(), "overrides.jsonl")

	s, err := Open(path, "viewer-a", mem)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Dismiss(ctx, "s", testMessage()); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if err := s.FlushNow(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path, "viewer-a", mem)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if !s2.IsOverridden("s", "msg1") {
		t.Errorf("membership must persist")
	}
	if s2.PendingSync() != 0 {
		t.Errorf("pending = %d, want 0 after acknowledged sync", s2.PendingSync())
	}
}

func TestViewerScoping(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	if err := mem.UpsertStream(ctx, docstore.Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	path := filepath.Join(t.TempDir(), "overrides.jsonl")

	s, err := Open(path, "viewer-a", mem)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Dismiss(ctx, "s", testMessage()); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	other, err := Open(path, "viewer-b", mem)
	if err != nil {
		t.Fatalf("open as other viewer: %v", err)
	}
	defer other.Close()
	if other.IsOverridden("s", "msg1") {
		t.Errorf("viewer-b must not see viewer-a overrides")
	}
}

// failingWriter fails a configurable number of ClearTechnical calls, then
// delegates to the wrapped writer. Tracks delta calls to detect double
// decrements on retry.
type failingWriter struct {
	mu       sync.Mutex
	failures int
	inner    docstore.Writer
	techDecs int
}

func (f *failingWriter) ClearTechnical(ctx context.Context, streamID, msgID string) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("store offline")
	}
	f.mu.Unlock()
	return f.inner.ClearTechnical(ctx, streamID, msgID)
}

func (f *failingWriter) ApplyStreamDelta(ctx context.Context, streamID string, d docstore.StreamDelta) error {
	f.mu.Lock()
	if d.Technical < 0 {
		f.techDecs++
	}
	f.mu.Unlock()
	return f.inner.ApplyStreamDelta(ctx, streamID, d)
}

func (f *failingWriter) IncrementMinute(ctx context.Context, streamID, minute string, total, technical int64) error {
	return f.inner.IncrementMinute(ctx, streamID, minute, total, technical)
}

func TestFlushRetriesWithoutDoubleDecrement(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	if err := mem.UpsertStream(ctx, docstore.Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mem.ApplyStreamDelta(ctx, "s", docstore.StreamDelta{Total: 5, Technical: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := mem.PutMessage(ctx, "s", testMessage()); err != nil {
		t.Fatalf("put: %v", err)
	}
	fw := &failingWriter{failures: 2, inner: mem}

	s, err := Open(filepath.Join(t.TempDir(), "overrides.jsonl"), "viewer-a", fw)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Dismiss(ctx, "s", testMessage()); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	if err := s.FlushNow(ctx); err == nil {
		t.Fatalf("expected first flush to fail")
	}
	if err := s.FlushNow(ctx); err == nil {
		t.Fatalf("expected second flush to fail")
	}
	if err := s.FlushNow(ctx); err != nil {
		t.Fatalf("third flush: %v", err)
	}
	if s.PendingSync() != 0 {
		t.Errorf("pending = %d, want 0", s.PendingSync())
	}
	if fw.techDecs != 1 {
		t.Errorf("technical decrements = %d, want exactly 1", fw.techDecs)
	}
}
