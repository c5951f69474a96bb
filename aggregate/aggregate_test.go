package aggregate

import (
	"testing"

	"github.com/onnwee/streamwatch/backend/docstore"
)

func TestMinuteKey(t *testing.T) {
	cases := []struct {
		ts   string
		want string
		ok   bool
	}{
		{"2026-09-01T20:31:07Z", "20:31", true},
		{"2026-09-01 20:31:07", "20:31", true},
		{"20:31:07", "20:31", true},
		{"2026-09-01T9:3", "", false},
		{"garbage", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := MinuteKey(c.ts)
		if ok != c.ok || got != c.want {
			t.Errorf("MinuteKey(%q) = (%q, %v), want (%q, %v)", c.ts, got, ok, c.want, c.ok)
		}
	}
}

func TestFromMessages(t *testing.T) {
	msgs := []docstore.Message{
		{ID: "a", TS: "2026-09-01T20:30:01Z"},
		{ID: "b", TS: "2026-09-01T20:30:45Z", IsTechnical: true},
		{ID: "c", TS: "2026-09-01T20:31:10Z", IsTechnical: true},
		{ID: "d", TS: "not-a-time"},
	}
	buckets := FromMessages(msgs, func(id string) bool { return id == "c" })
	if len(buckets) != 2 {
		t.Fatalf("got %d buckets, want 2 (malformed ts dropped)", len(buckets))
	}
	if buckets[0].Minute != "20:30" || buckets[0].Total != 2 || buckets[0].Technical != 1 {
		t.Errorf("bucket 20:30 = %+v", buckets[0])
	}
	// Overridden message still counts toward total but not technical.
	if buckets[1].Minute != "20:31" || buckets[1].Total != 1 || buckets[1].Technical != 0 {
		t.Errorf("bucket 20:31 = %+v", buckets[1])
	}
}

func TestSortedChronological(t *testing.T) {
	in := []docstore.MinuteBucket{{Minute: "21:05"}, {Minute: "20:59"}, {Minute: "21:00"}}
	out := Sorted(in)
	want := []string{"20:59", "21:00", "21:05"}
	for i, b := range out {
		if b.Minute != want[i] {
			t.Errorf("Sorted[%d] = %s, want %s", i, b.Minute, want[i])
		}
	}
	if in[0].Minute != "21:05" {
		t.Errorf("Sorted mutated its input")
	}
}

func TestTechnicalPerMinute(t *testing.T) {
	visible := []docstore.Message{
		{ID: "a", TS: "2026-09-01T20:30:01Z"},
		{ID: "b", TS: "2026-09-01T20:30:59Z"},
		{ID: "c", TS: "bad"},
	}
	got := TechnicalPerMinute(visible)
	if got["20:30"] != 2 || len(got) != 1 {
		t.Errorf("TechnicalPerMinute = %v, want map[20:30:2]", got)
	}
}
