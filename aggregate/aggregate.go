// Package aggregate builds per-minute volume series for a stream, either from
// the persisted minute-aggregate collection or by bucketing a raw message set.
package aggregate

import (
	"sort"

	"github.com/onnwee/streamwatch/backend/docstore"
)

// MinuteKey extracts the "HH:MM" bucket key from an ISO-8601-ish timestamp.
// Both "T" and space separated forms are accepted. Returns false for
// timestamps that don't yield a plausible key; such messages are dropped from
// aggregation rather than mis-bucketed.
func MinuteKey(ts string) (string, bool) {
	timePart := ts
	if i := lastIndexByte(ts, 'T'); i >= 0 {
		timePart = ts[i+1:]
	} else if i := lastIndexByte(ts, ' '); i >= 0 {
		timePart = ts[i+1:]
	}
	if len(timePart) < 5 {
		return "", false
	}
	key := timePart[:5]
	if key[2] != ':' || !isDigit(key[0]) || !isDigit(key[1]) || !isDigit(key[3]) || !isDigit(key[4]) {
		return "", false
	}
	return key, true
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// Sorted returns the buckets in chronological order. Lexicographic "HH:MM"
// comparison is the tie-break, stable across a single broadcast day.
func Sorted(buckets []docstore.MinuteBucket) []docstore.MinuteBucket {
	out := make([]docstore.MinuteBucket, len(buckets))
	copy(out, buckets)
	sort.Slice(out, func(i, j int) bool { return out[i].Minute < out[j].Minute })
	return out
}

// FromMessages buckets a raw message set by minute: total always increments,
// technical only when the message is technical and not overridden. Used when
// no persisted aggregate is available.
func FromMessages(msgs []docstore.Message, overridden func(msgID string) bool) []docstore.MinuteBucket {
	byMinute := make(map[string]*docstore.MinuteBucket)
	for _, m := range msgs {
		key, ok := MinuteKey(m.TS)
		if !ok {
			continue
		}
		b := byMinute[key]
		if b == nil {
			b = &docstore.MinuteBucket{Minute: key}
			byMinute[key] = b
		}
		b.Total++
		if m.IsTechnical && (overridden == nil || !overridden(m.ID)) {
			b.Technical++
		}
	}
	out := make([]docstore.MinuteBucket, 0, len(byMinute))
	for _, b := range byMinute {
		out = append(out, *b)
	}
	return Sorted(out)
}

// TechnicalPerMinute counts technical messages per bucket key over an already
// filtered visible set. Malformed timestamps are dropped.
func TechnicalPerMinute(visible []docstore.Message) map[string]int64 {
	out := make(map[string]int64)
	for _, m := range visible {
		if key, ok := MinuteKey(m.TS); ok {
			out[key]++
		}
	}
	return out
}
