package docstore

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestUpsertStreamAssignsStableOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.UpsertStream(ctx, Stream{ID: "b"}); err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	if err := m.UpsertStream(ctx, Stream{ID: "a"}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	// Updating b must not move it behind a.
	if err := m.UpsertStream(ctx, Stream{ID: "b", Title: "updated"}); err != nil {
		t.Fatalf("re-upsert b: %v", err)
	}
	streams, err := m.ListStreams(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(streams) != 2 || streams[0].ID != "b" || streams[1].ID != "a" {
		t.Fatalf("order = %v, want [b a]", []string{streams[0].ID, streams[1].ID})
	}
	if streams[0].Title != "updated" {
		t.Errorf("update lost: %+v", streams[0])
	}
}

func TestWatchTechnicalInitialAndChanges(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.UpsertStream(ctx, Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := m.PutMessage(ctx, "s", Message{ID: "m1", TS: "2026-09-01T20:00:01Z", IsTechnical: true}); err != nil {
		t.Fatalf("put m1: %v", err)
	}

	ch := m.WatchTechnical(ctx, "s")
	ev := recvMessageEvent(t, ch)
	if !ev.Initial || len(ev.Snapshot) != 1 {
		t.Fatalf("initial event = %+v, want initial snapshot of 1", ev)
	}

	if _, err := m.PutMessage(ctx, "s", Message{ID: "m2", TS: "2026-09-01T20:00:05Z", IsTechnical: true}); err != nil {
		t.Fatalf("put m2: %v", err)
	}
	ev = recvMessageEvent(t, ch)
	if ev.Initial || len(ev.Added) != 1 || ev.Added[0].ID != "m2" {
		t.Fatalf("change event = %+v, want added m2", ev)
	}

	// Non-technical messages are invisible to this subscription.
	if _, err := m.PutMessage(ctx, "s", Message{ID: "m3", TS: "2026-09-01T20:00:09Z"}); err != nil {
		t.Fatalf("put m3: %v", err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for non-technical message: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClearTechnicalRemovesFromSubscription(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.UpsertStream(ctx, Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := m.PutMessage(ctx, "s", Message{ID: "m1", TS: "2026-09-01T20:00:01Z", IsTechnical: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	ch := m.WatchTechnical(ctx, "s")
	recvMessageEvent(t, ch)

	if err := m.ClearTechnical(ctx, "s", "m1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	ev := recvMessageEvent(t, ch)
	if len(ev.Removed) != 1 || ev.Removed[0].ID != "m1" || len(ev.Snapshot) != 0 {
		t.Fatalf("event = %+v, want m1 removed", ev)
	}
	// One-way: clearing again is a no-op.
	if err := m.ClearTechnical(ctx, "s", "m1"); err != nil {
		t.Fatalf("clear again: %v", err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event from repeated clear: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApplyStreamDeltaClampsAtZero(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.UpsertStream(ctx, Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.ApplyStreamDelta(ctx, "s", StreamDelta{Total: 3, Technical: 1, IssueCounts: map[string]int64{"AUDIO:eco": 1}}); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if err := m.ApplyStreamDelta(ctx, "s", StreamDelta{Technical: -5, IssueCounts: map[string]int64{"AUDIO:eco": -2}}); err != nil {
		t.Fatalf("delta: %v", err)
	}
	s, ok, err := m.GetStream(ctx, "s")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if s.TotalComments != 3 || s.TechnicalComments != 0 || s.IssueCounts["AUDIO:eco"] != 0 {
		t.Errorf("counters = total=%d technical=%d issue=%d, want 3/0/0", s.TotalComments, s.TechnicalComments, s.IssueCounts["AUDIO:eco"])
	}
}

func TestIncrementMinuteClampsAtZero(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.UpsertStream(ctx, Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ch := m.WatchMinutes(ctx, "s")
	if ev := <-ch; !ev.Initial {
		t.Fatalf("expected initial minute event")
	}
	if err := m.IncrementMinute(ctx, "s", "20:30", 2, 1); err != nil {
		t.Fatalf("inc: %v", err)
	}
	if err := m.IncrementMinute(ctx, "s", "20:30", 0, -4); err != nil {
		t.Fatalf("dec: %v", err)
	}
	var last MinuteEvent
	for i := 0; i < 2; i++ {
		select {
		case last = <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for minute event %d", i)
		}
	}
	if len(last.Buckets) != 1 || last.Buckets[0].Total != 2 || last.Buckets[0].Technical != 0 {
		t.Fatalf("buckets = %+v, want [20:30 total=2 technical=0]", last.Buckets)
	}
}

func TestWatchRecentHonorsLimit(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.UpsertStream(ctx, Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := m.PutMessage(ctx, "s", Message{ID: id, TS: "2026-09-01T20:00:0" + id[1:] + "Z"}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	ch := m.WatchRecent(ctx, "s", 2)
	ev := recvMessageEvent(t, ch)
	if len(ev.Snapshot) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(ev.Snapshot))
	}
	// Newest first.
	if ev.Snapshot[0].ID != "m3" || ev.Snapshot[1].ID != "m2" {
		t.Errorf("snapshot order = [%s %s], want [m3 m2]", ev.Snapshot[0].ID, ev.Snapshot[1].ID)
	}
}

func TestSlowWatcherDoesNotLoseAdds(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.UpsertStream(ctx, Stream{ID: "s"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ch := m.WatchTechnical(ctx, "s")

	// Overrun the watch buffer without draining; late notifications are
	// dropped, but their changes must surface in a later event.
	const n = watchBuffer + 4
	want := make(map[string]bool, n+1)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%03d", i)
		want[id] = true
		ts := fmt.Sprintf("2026-09-01T20:%02d:%02dZ", i/60, i%60)
		if _, err := m.PutMessage(ctx, "s", Message{ID: id, TS: ts, IsTechnical: true}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	got := make(map[string]bool)
	collect := func(idle time.Duration) {
		for {
			select {
			case ev := <-ch:
				for _, msg := range ev.Added {
					got[msg.ID] = true
				}
			case <-time.After(idle):
				return
			}
		}
	}
	collect(50 * time.Millisecond)

	// With the backlog drained there is buffer room again; the next event
	// carries everything dropped while the watcher was behind.
	want["final"] = true
	if _, err := m.PutMessage(ctx, "s", Message{ID: "final", TS: "2026-09-01T21:00:00Z", IsTechnical: true}); err != nil {
		t.Fatalf("put final: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len(want) && time.Now().Before(deadline) {
		collect(50 * time.Millisecond)
	}
	for id := range want {
		if !got[id] {
			t.Errorf("message %s never appeared in an Added changeset", id)
		}
	}
}

func TestWatchUnsubscribesOnCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch := m.WatchStream(ctx, "s")
	if ev := <-ch; !ev.Initial {
		t.Fatalf("expected initial event")
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// drain any buffered event; channel must close shortly after
			for range ch {
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func recvMessageEvent(t *testing.T, ch <-chan MessageEvent) MessageEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message event")
		return MessageEvent{}
	}
}
