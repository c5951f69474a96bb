package ingest

import (
	"context"
	"testing"

	"github.com/onnwee/streamwatch/backend/docstore"
)

func TestMessageIDStable(t *testing.T) {
	a := MessageID("alice", "2026-09-01T20:30:00Z", "sem áudio")
	b := MessageID("alice", "2026-09-01T20:30:00Z", "sem áudio")
	c := MessageID("bob", "2026-09-01T20:30:00Z", "sem áudio")
	if a != b {
		t.Errorf("same inputs produced different ids: %s vs %s", a, b)
	}
	if a == c {
		t.Errorf("different authors produced the same id")
	}
	if len(a) != 16 {
		t.Errorf("id length = %d, want 16", len(a))
	}
}

func TestIngestDerivesIDAndScrubsNonTechnical(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	if err := mem.UpsertStream(ctx, docstore.Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	in := New(mem)

	msg := docstore.Message{
		Author: "alice", Text: "oi", TS: "2026-09-01T20:30:00Z",
		Category: "AUDIO", Issue: "eco", Severity: docstore.SeverityHigh,
	}
	stored, err := in.Ingest(ctx, "s", msg)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if stored.ID == "" {
		t.Fatalf("expected derived id")
	}
	got, ok, err := mem.GetMessage(ctx, "s", stored.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	// Stale classification on a non-technical message must not survive.
	if got.Category != "" || got.Issue != "" || got.Severity != docstore.SeverityNone {
		t.Errorf("classification not scrubbed: %+v", got)
	}
}

func TestIngestRepeatSameDocument(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	if err := mem.UpsertStream(ctx, docstore.Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	in := New(mem)
	msg := docstore.Message{Author: "alice", Text: "oi", TS: "2026-09-01T20:30:00Z"}
	a, err := in.Ingest(ctx, "s", msg)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	b, err := in.Ingest(ctx, "s", msg)
	if err != nil {
		t.Fatalf("reingest: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("same chat line mapped to different documents: %s vs %s", a.ID, b.ID)
	}

	// The document deduped, so the counters must dedupe too.
	if err := in.FlushNow(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	s, _, err := mem.GetStream(ctx, "s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.TotalComments != 1 {
		t.Errorf("total = %d, want 1 (redelivery counted)", s.TotalComments)
	}
	buckets := minuteBuckets(ctx, mem, "s")
	if len(buckets) != 1 || buckets[0].Total != 1 {
		t.Errorf("minute buckets = %+v, want one bucket with total 1", buckets)
	}
}

// minuteBuckets reads the current minute aggregates via the watch snapshot.
func minuteBuckets(ctx context.Context, mem *docstore.Memory, streamID string) []docstore.MinuteBucket {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ev := <-mem.WatchMinutes(wctx, streamID)
	return ev.Buckets
}

func TestFlushAppliesAccumulatedCounters(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	if err := mem.UpsertStream(ctx, docstore.Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	in := New(mem)

	msgs := []docstore.Message{
		{Author: "a", Text: "oi", TS: "2026-09-01T20:30:01Z"},
		{Author: "b", Text: "sem som", TS: "2026-09-01T20:30:30Z", IsTechnical: true, Category: "AUDIO", Issue: "sem som"},
		{Author: "c", Text: "travou", TS: "2026-09-01T20:31:05Z", IsTechnical: true, Category: "VIDEO", Issue: "travando"},
	}
	for _, m := range msgs {
		if _, err := in.Ingest(ctx, "s", m); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	// Counters are batched; nothing lands before the flush.
	s, _, err := mem.GetStream(ctx, "s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.TotalComments != 0 {
		t.Fatalf("counters applied before flush: %+v", s)
	}

	if err := in.FlushNow(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	s, _, err = mem.GetStream(ctx, "s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.TotalComments != 3 || s.TechnicalComments != 2 {
		t.Errorf("counters = total=%d technical=%d, want 3/2", s.TotalComments, s.TechnicalComments)
	}
	if s.IssueCounts["AUDIO:sem som"] != 1 || s.IssueCounts["VIDEO:travando"] != 1 {
		t.Errorf("issue counts = %v", s.IssueCounts)
	}

	// Flushing again is a no-op; deltas were consumed.
	if err := in.FlushNow(ctx); err != nil {
		t.Fatalf("reflush: %v", err)
	}
	s, _, _ = mem.GetStream(ctx, "s")
	if s.TotalComments != 3 {
		t.Errorf("reflush double-applied counters: total=%d", s.TotalComments)
	}
}

func TestEndMarksStreamEnded(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	if err := mem.UpsertStream(ctx, docstore.Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	in := New(mem)
	if _, err := in.Ingest(ctx, "s", docstore.Message{Author: "a", Text: "oi", TS: "2026-09-01T20:30:01Z"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := in.End(ctx, "s"); err != nil {
		t.Fatalf("end: %v", err)
	}
	s, _, err := mem.GetStream(ctx, "s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Status != docstore.StatusEnded {
		t.Errorf("status = %s, want ended", s.Status)
	}
	if s.TotalComments != 1 {
		t.Errorf("end did not flush counters first: total=%d", s.TotalComments)
	}
}
