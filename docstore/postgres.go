package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/streamwatch/backend/telemetry"
)

// Postgres implements Store against the canonical Postgres schema. Change
// feeds are poll-and-diff: each watcher re-reads its subset on a ticker and
// emits a snapshot+changeset only when something changed. Deliveries on one
// watcher are ordered; watchers on the same stream may be arbitrarily skewed
// relative to each other, which is exactly the contract consumers code to.
type Postgres struct {
	db        *sql.DB
	pollEvery time.Duration
}

// NewPostgres wraps an open database handle. pollEvery controls watcher
// latency; zero means the 2s default.
func NewPostgres(db *sql.DB, pollEvery time.Duration) *Postgres {
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	return &Postgres{db: db, pollEvery: pollEvery}
}

// --- subscriptions ---------------------------------------------------------

func (p *Postgres) WatchStream(ctx context.Context, streamID string) <-chan StreamEvent {
	ch := make(chan StreamEvent, watchBuffer)
	go func() {
		defer close(ch)
		var prev Stream
		var have bool
		poll := func() {
			s, ok, err := p.GetStream(ctx, streamID)
			if err != nil {
				if ctx.Err() == nil {
					telemetry.CountWatchError()
					slog.Warn("stream watch poll failed", slog.String("stream_id", streamID), slog.Any("err", err))
				}
				return
			}
			if !have {
				have = true
				prev = s
				deliverStream(ctx, ch, StreamEvent{Stream: s, Initial: true})
				return
			}
			if ok && !streamEqual(prev, s) {
				prev = s
				deliverStream(ctx, ch, StreamEvent{Stream: s})
			}
		}
		poll()
		ticker := time.NewTicker(p.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()
	return ch
}

func (p *Postgres) WatchTechnical(ctx context.Context, streamID string) <-chan MessageEvent {
	return p.watchMessages(ctx, streamID, true, 0)
}

func (p *Postgres) WatchRecent(ctx context.Context, streamID string, limit int) <-chan MessageEvent {
	return p.watchMessages(ctx, streamID, false, limit)
}

func (p *Postgres) watchMessages(ctx context.Context, streamID string, technicalOnly bool, limit int) <-chan MessageEvent {
	ch := make(chan MessageEvent, watchBuffer)
	go func() {
		defer close(ch)
		var prev map[string]Message
		poll := func() {
			snap, err := p.queryMessages(ctx, streamID, technicalOnly, limit)
			if err != nil {
				if ctx.Err() == nil {
					telemetry.CountWatchError()
					slog.Warn("message watch poll failed", slog.String("stream_id", streamID), slog.Any("err", err))
				}
				return
			}
			if prev == nil {
				prev = byID(snap)
				deliverMessages(ctx, ch, MessageEvent{Snapshot: snap, Initial: true})
				return
			}
			ev := DiffMessages(prev, snap)
			if len(ev.Added) == 0 && len(ev.Modified) == 0 && len(ev.Removed) == 0 {
				return
			}
			prev = byID(snap)
			deliverMessages(ctx, ch, ev)
		}
		poll()
		ticker := time.NewTicker(p.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()
	return ch
}

func (p *Postgres) WatchMinutes(ctx context.Context, streamID string) <-chan MinuteEvent {
	ch := make(chan MinuteEvent, watchBuffer)
	go func() {
		defer close(ch)
		var prev []MinuteBucket
		var have bool
		poll := func() {
			buckets, err := p.queryMinutes(ctx, streamID)
			if err != nil {
				if ctx.Err() == nil {
					telemetry.CountWatchError()
					slog.Warn("minute watch poll failed", slog.String("stream_id", streamID), slog.Any("err", err))
				}
				return
			}
			if !have {
				have = true
				prev = buckets
				deliverMinutes(ctx, ch, MinuteEvent{Buckets: buckets, Initial: true})
				return
			}
			if equalBuckets(prev, buckets) {
				return
			}
			prev = buckets
			deliverMinutes(ctx, ch, MinuteEvent{Buckets: buckets})
		}
		poll()
		ticker := time.NewTicker(p.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()
	return ch
}

func deliverStream(ctx context.Context, ch chan StreamEvent, ev StreamEvent) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

func deliverMessages(ctx context.Context, ch chan MessageEvent, ev MessageEvent) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

func deliverMinutes(ctx context.Context, ch chan MinuteEvent, ev MinuteEvent) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// --- reads -----------------------------------------------------------------

func (p *Postgres) GetStream(ctx context.Context, streamID string) (Stream, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, channel, title, url, status, started_at, ended_at, last_seen_at, total_comments, technical_comments, issue_counts, seq FROM streams WHERE id=$1`, streamID)
	s, err := scanStream(row)
	if err == sql.ErrNoRows {
		return Stream{}, false, nil
	}
	if err != nil {
		return Stream{}, false, err
	}
	return s, true, nil
}

func (p *Postgres) ListStreams(ctx context.Context) ([]Stream, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, channel, title, url, status, started_at, ended_at, last_seen_at, total_comments, technical_comments, issue_counts, seq FROM streams ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

// scanStream decodes a stream row defensively: NULL columns fall back to zero
// values instead of failing the read.
func scanStream(row rowScanner) (Stream, error) {
	var s Stream
	var channel, title, url, status sql.NullString
	var started, ended, lastSeen sql.NullTime
	var total, technical, seq sql.NullInt64
	var issues []byte
	if err := row.Scan(&s.ID, &channel, &title, &url, &status, &started, &ended, &lastSeen, &total, &technical, &issues, &seq); err != nil {
		return Stream{}, err
	}
	s.Channel = channel.String
	s.Title = title.String
	s.URL = url.String
	s.Status = status.String
	if s.Status == "" {
		s.Status = StatusActive
	}
	s.StartedAt = started.Time
	s.EndedAt = ended.Time
	s.LastSeenAt = lastSeen.Time
	s.TotalComments = total.Int64
	s.TechnicalComments = technical.Int64
	s.Seq = seq.Int64
	if len(issues) > 0 {
		if err := json.Unmarshal(issues, &s.IssueCounts); err != nil {
			slog.Warn("malformed issue_counts, ignoring", slog.String("stream_id", s.ID), slog.Any("err", err))
			s.IssueCounts = nil
		}
	}
	return s, nil
}

func (p *Postgres) queryMessages(ctx context.Context, streamID string, technicalOnly bool, limit int) ([]Message, error) {
	q := `SELECT id, author, body, ts, is_technical, category, issue, severity FROM messages WHERE stream_id=$1`
	args := []any{streamID}
	if technicalOnly {
		q += ` AND is_technical`
	}
	q += ` ORDER BY ts DESC, id DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []Message
	for rows.Next() {
		var m Message
		var author, body, ts, category, issue, severity sql.NullString
		if err := rows.Scan(&m.ID, &author, &body, &ts, &m.IsTechnical, &category, &issue, &severity); err != nil {
			return nil, err
		}
		m.Author = author.String
		m.Text = body.String
		m.TS = ts.String
		m.Category = category.String
		m.Issue = issue.String
		m.Severity = severity.String
		if m.Severity == "" {
			m.Severity = SeverityNone
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) GetMessage(ctx context.Context, streamID, msgID string) (Message, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, author, body, ts, is_technical, category, issue, severity FROM messages WHERE stream_id=$1 AND id=$2`, streamID, msgID)
	var m Message
	var author, body, ts, category, issue, severity sql.NullString
	err := row.Scan(&m.ID, &author, &body, &ts, &m.IsTechnical, &category, &issue, &severity)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	m.Author = author.String
	m.Text = body.String
	m.TS = ts.String
	m.Category = category.String
	m.Issue = issue.String
	m.Severity = severity.String
	if m.Severity == "" {
		m.Severity = SeverityNone
	}
	return m, true, nil
}

func (p *Postgres) queryMinutes(ctx context.Context, streamID string) ([]MinuteBucket, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT minute, total, technical FROM minutes WHERE stream_id=$1 ORDER BY minute ASC`, streamID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []MinuteBucket
	for rows.Next() {
		var b MinuteBucket
		var total, technical sql.NullInt64
		if err := rows.Scan(&b.Minute, &total, &technical); err != nil {
			return nil, err
		}
		b.Total = total.Int64
		b.Technical = technical.Int64
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- writes ----------------------------------------------------------------

func (p *Postgres) UpsertStream(ctx context.Context, s Stream) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO streams (id, channel, title, url, status, started_at, last_seen_at)
		VALUES ($1,$2,$3,$4,'active',COALESCE(NULLIF($5, '0001-01-01 00:00:00+00'::timestamptz), NOW()),NOW())
		ON CONFLICT (id) DO UPDATE SET
			channel=EXCLUDED.channel, title=EXCLUDED.title, url=EXCLUDED.url,
			status='active', last_seen_at=NOW()`,
		s.ID, s.Channel, s.Title, s.URL, s.StartedAt)
	return err
}

func (p *Postgres) MarkStreamEnded(ctx context.Context, streamID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE streams SET status='ended', ended_at=NOW() WHERE id=$1`, streamID)
	return err
}

// PutMessage is create-only; a redelivered id keeps the stored document. The
// bool reports whether a new row was written.
func (p *Postgres) PutMessage(ctx context.Context, streamID string, m Message) (bool, error) {
	if m.Severity == "" {
		m.Severity = SeverityNone
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO messages (stream_id, id, author, body, ts, is_technical, category, issue, severity)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9)
		ON CONFLICT (stream_id, id) DO NOTHING`,
		streamID, m.ID, m.Author, m.Text, m.TS, m.IsTechnical, m.Category, m.Issue, m.Severity)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearTechnical flips is_technical to false. The write is one-way: a
// dismissed message is never re-enabled through this path.
func (p *Postgres) ClearTechnical(ctx context.Context, streamID, msgID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE messages SET is_technical=FALSE WHERE stream_id=$1 AND id=$2`, streamID, msgID)
	return err
}

// ApplyStreamDelta applies field-level atomic increments to the stream
// document. Each field commits independently of the read value, so concurrent
// writers commute.
func (p *Postgres) ApplyStreamDelta(ctx context.Context, streamID string, d StreamDelta) error {
	_, err := p.db.ExecContext(ctx, `UPDATE streams SET
			total_comments = GREATEST(total_comments + $2, 0),
			technical_comments = GREATEST(technical_comments + $3, 0),
			last_seen_at = CASE WHEN $4 THEN NOW() ELSE last_seen_at END
		WHERE id=$1`, streamID, d.Total, d.Technical, d.Touch)
	if err != nil {
		return err
	}
	for key, n := range d.IssueCounts {
		if _, err := p.db.ExecContext(ctx, `UPDATE streams SET issue_counts =
				jsonb_set(COALESCE(issue_counts,'{}'::jsonb), ARRAY[$2],
					to_jsonb(GREATEST(COALESCE((issue_counts->>$2)::bigint,0) + $3, 0)))
			WHERE id=$1`, streamID, key, n); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) IncrementMinute(ctx context.Context, streamID, minute string, total, technical int64) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO minutes (stream_id, minute, total, technical)
		VALUES ($1,$2,GREATEST($3,0),GREATEST($4,0))
		ON CONFLICT (stream_id, minute) DO UPDATE SET
			total = GREATEST(minutes.total + $3, 0),
			technical = GREATEST(minutes.technical + $4, 0)`,
		streamID, minute, total, technical)
	return err
}

func streamEqual(a, b Stream) bool {
	if a.ID != b.ID || a.Channel != b.Channel || a.Title != b.Title || a.URL != b.URL ||
		a.Status != b.Status || !a.StartedAt.Equal(b.StartedAt) || !a.EndedAt.Equal(b.EndedAt) ||
		!a.LastSeenAt.Equal(b.LastSeenAt) || a.TotalComments != b.TotalComments ||
		a.TechnicalComments != b.TechnicalComments || len(a.IssueCounts) != len(b.IssueCounts) {
		return false
	}
	for k, v := range a.IssueCounts {
		if b.IssueCounts[k] != v {
			return false
		}
	}
	return true
}
