package docstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

const watchBuffer = 128

// Memory is an in-process Store with push-based change delivery. It backs
// tests and local runs without Postgres, and doubles as the injected
// persistence port for the reconciliation engine.
type Memory struct {
	mu      sync.Mutex
	nextSeq int64

	streams  map[string]Stream
	messages map[string]map[string]Message
	minutes  map[string]map[string]MinuteBucket

	streamWatchers map[string][]*streamWatcher
	msgWatchers    map[string][]*msgWatcher
	minuteWatchers map[string][]*minuteWatcher

	now func() time.Time
}

type streamWatcher struct {
	ch chan StreamEvent
}

type msgWatcher struct {
	ch            chan MessageEvent
	prev          map[string]Message
	technicalOnly bool
	limit         int
}

type minuteWatcher struct {
	ch   chan MinuteEvent
	prev []MinuteBucket
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		streams:        make(map[string]Stream),
		messages:       make(map[string]map[string]Message),
		minutes:        make(map[string]map[string]MinuteBucket),
		streamWatchers: make(map[string][]*streamWatcher),
		msgWatchers:    make(map[string][]*msgWatcher),
		minuteWatchers: make(map[string][]*minuteWatcher),
		now:            time.Now,
	}
}

// SetClock overrides the wall clock (tests).
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// --- subscriptions ---------------------------------------------------------

func (m *Memory) WatchStream(ctx context.Context, streamID string) <-chan StreamEvent {
	w := &streamWatcher{ch: make(chan StreamEvent, watchBuffer)}
	m.mu.Lock()
	m.streamWatchers[streamID] = append(m.streamWatchers[streamID], w)
	if s, ok := m.streams[streamID]; ok {
		w.ch <- StreamEvent{Stream: s, Initial: true}
	} else {
		w.ch <- StreamEvent{Initial: true}
	}
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.streamWatchers[streamID] = removeWatcher(m.streamWatchers[streamID], w)
		m.mu.Unlock()
		close(w.ch)
	}()
	return w.ch
}

func (m *Memory) WatchTechnical(ctx context.Context, streamID string) <-chan MessageEvent {
	return m.watchMessages(ctx, streamID, true, 0)
}

func (m *Memory) WatchRecent(ctx context.Context, streamID string, limit int) <-chan MessageEvent {
	return m.watchMessages(ctx, streamID, false, limit)
}

func (m *Memory) watchMessages(ctx context.Context, streamID string, technicalOnly bool, limit int) <-chan MessageEvent {
	w := &msgWatcher{ch: make(chan MessageEvent, watchBuffer), technicalOnly: technicalOnly, limit: limit}
	m.mu.Lock()
	snap := m.messageSnapshot(streamID, technicalOnly, limit)
	w.prev = byID(snap)
	w.ch <- MessageEvent{Snapshot: snap, Initial: true}
	m.msgWatchers[streamID] = append(m.msgWatchers[streamID], w)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.msgWatchers[streamID] = removeWatcher(m.msgWatchers[streamID], w)
		m.mu.Unlock()
		close(w.ch)
	}()
	return w.ch
}

func (m *Memory) WatchMinutes(ctx context.Context, streamID string) <-chan MinuteEvent {
	w := &minuteWatcher{ch: make(chan MinuteEvent, watchBuffer)}
	m.mu.Lock()
	buckets := m.minuteSnapshot(streamID)
	w.prev = buckets
	w.ch <- MinuteEvent{Buckets: buckets, Initial: true}
	m.minuteWatchers[streamID] = append(m.minuteWatchers[streamID], w)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.minuteWatchers[streamID] = removeWatcher(m.minuteWatchers[streamID], w)
		m.mu.Unlock()
		close(w.ch)
	}()
	return w.ch
}

func removeWatcher[T comparable](ws []T, w T) []T {
	out := ws[:0]
	for _, x := range ws {
		if x != w {
			out = append(out, x)
		}
	}
	return out
}

// --- mutations -------------------------------------------------------------

func (m *Memory) UpsertStream(ctx context.Context, s Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.streams[s.ID]
	if !ok {
		m.nextSeq++
		s.Seq = m.nextSeq
		if s.Status == "" {
			s.Status = StatusActive
		}
		if s.StartedAt.IsZero() {
			s.StartedAt = m.now()
		}
		s.LastSeenAt = m.now()
		m.streams[s.ID] = s
	} else {
		cur.Channel = s.Channel
		cur.Title = s.Title
		cur.URL = s.URL
		cur.Status = StatusActive
		cur.LastSeenAt = m.now()
		m.streams[s.ID] = cur
	}
	m.notifyStream(s.ID)
	return nil
}

func (m *Memory) MarkStreamEnded(ctx context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil
	}
	s.Status = StatusEnded
	s.EndedAt = m.now()
	m.streams[streamID] = s
	m.notifyStream(streamID)
	return nil
}

func (m *Memory) ListStreams(ctx context.Context) ([]Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, cloneStream(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) GetStream(ctx context.Context, streamID string) (Stream, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return Stream{}, false, nil
	}
	return cloneStream(s), true, nil
}

// PutMessage is create-only; a redelivered id keeps the stored document. The
// bool reports whether a new document was written.
func (m *Memory) PutMessage(ctx context.Context, streamID string, msg Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.Severity == "" {
		msg.Severity = SeverityNone
	}
	msgs, ok := m.messages[streamID]
	if !ok {
		msgs = make(map[string]Message)
		m.messages[streamID] = msgs
	}
	if _, exists := msgs[msg.ID]; exists {
		return false, nil
	}
	msgs[msg.ID] = msg
	m.notifyMessages(streamID)
	return true, nil
}

func (m *Memory) GetMessage(ctx context.Context, streamID, msgID string) (Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[streamID][msgID]
	return msg, ok, nil
}

func (m *Memory) ClearTechnical(ctx context.Context, streamID, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[streamID][msgID]
	if !ok || !msg.IsTechnical {
		return nil
	}
	msg.IsTechnical = false
	m.messages[streamID][msgID] = msg
	m.notifyMessages(streamID)
	return nil
}

func (m *Memory) ApplyStreamDelta(ctx context.Context, streamID string, d StreamDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil
	}
	s.TotalComments = clampZero(s.TotalComments + d.Total)
	s.TechnicalComments = clampZero(s.TechnicalComments + d.Technical)
	if len(d.IssueCounts) > 0 {
		if s.IssueCounts == nil {
			s.IssueCounts = make(map[string]int64)
		} else {
			s.IssueCounts = cloneCounts(s.IssueCounts)
		}
		for k, n := range d.IssueCounts {
			s.IssueCounts[k] = clampZero(s.IssueCounts[k] + n)
		}
	}
	if d.Touch {
		s.LastSeenAt = m.now()
	}
	m.streams[streamID] = s
	m.notifyStream(streamID)
	return nil
}

func (m *Memory) IncrementMinute(ctx context.Context, streamID, minute string, total, technical int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buckets, ok := m.minutes[streamID]
	if !ok {
		buckets = make(map[string]MinuteBucket)
		m.minutes[streamID] = buckets
	}
	b := buckets[minute]
	b.Minute = minute
	b.Total = clampZero(b.Total + total)
	b.Technical = clampZero(b.Technical + technical)
	buckets[minute] = b
	m.notifyMinutes(streamID)
	return nil
}

// --- snapshots and delivery (lock held) -------------------------------------

func (m *Memory) messageSnapshot(streamID string, technicalOnly bool, limit int) []Message {
	var out []Message
	for _, msg := range m.messages[streamID] {
		if technicalOnly && !msg.IsTechnical {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TS != out[j].TS {
			return out[i].TS > out[j].TS
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) minuteSnapshot(streamID string) []MinuteBucket {
	out := make([]MinuteBucket, 0, len(m.minutes[streamID]))
	for _, b := range m.minutes[streamID] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minute < out[j].Minute })
	return out
}

func (m *Memory) notifyStream(streamID string) {
	s := m.streams[streamID]
	for _, w := range m.streamWatchers[streamID] {
		select {
		case w.ch <- StreamEvent{Stream: cloneStream(s)}:
		default: // slow consumer, drop
		}
	}
}

func (m *Memory) notifyMessages(streamID string) {
	for _, w := range m.msgWatchers[streamID] {
		snap := m.messageSnapshot(streamID, w.technicalOnly, w.limit)
		ev := DiffMessages(w.prev, snap)
		if len(ev.Added) == 0 && len(ev.Modified) == 0 && len(ev.Removed) == 0 {
			continue
		}
		// prev advances only on delivery; a change dropped on a full buffer
		// is re-diffed into the next delivered event.
		select {
		case w.ch <- ev:
			w.prev = byID(snap)
		default:
		}
	}
}

func (m *Memory) notifyMinutes(streamID string) {
	buckets := m.minuteSnapshot(streamID)
	for _, w := range m.minuteWatchers[streamID] {
		if equalBuckets(w.prev, buckets) {
			continue
		}
		select {
		case w.ch <- MinuteEvent{Buckets: buckets}:
			w.prev = buckets
		default:
		}
	}
}

// DiffMessages builds the changeset between the previous snapshot (by id) and
// the current one. Shared by both store implementations.
func DiffMessages(prev map[string]Message, snap []Message) MessageEvent {
	ev := MessageEvent{Snapshot: snap}
	seen := make(map[string]struct{}, len(snap))
	for _, msg := range snap {
		seen[msg.ID] = struct{}{}
		old, ok := prev[msg.ID]
		if !ok {
			ev.Added = append(ev.Added, msg)
		} else if old != msg {
			ev.Modified = append(ev.Modified, msg)
		}
	}
	for id, old := range prev {
		if _, ok := seen[id]; !ok {
			ev.Removed = append(ev.Removed, old)
		}
	}
	return ev
}

func byID(msgs []Message) map[string]Message {
	out := make(map[string]Message, len(msgs))
	for _, msg := range msgs {
		out[msg.ID] = msg
	}
	return out
}

func equalBuckets(a, b []MinuteBucket) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func clampZero(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func cloneStream(s Stream) Stream {
	s.IssueCounts = cloneCounts(s.IssueCounts)
	return s
}

func cloneCounts(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
