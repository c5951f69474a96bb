package testutil

import (
	"fmt"
	"time"

	"github.com/onnwee/streamwatch/backend/docstore"
)

// NewStream returns a minimal active stream fixture.
func NewStream(id string) docstore.Stream {
	return docstore.Stream{
		ID:        id,
		Channel:   "channel-" + id,
		Title:     "Broadcast " + id,
		URL:       "https://example.com/live/" + id,
		Status:    docstore.StatusActive,
		StartedAt: time.Date(2026, 9, 1, 20, 0, 0, 0, time.UTC),
	}
}

// NewMessage returns a non-technical message fixture at the given HH:MM:SS.
func NewMessage(id, hhmmss string) docstore.Message {
	return docstore.Message{
		ID:     id,
		Author: "viewer-" + id,
		Text:   fmt.Sprintf("message %s", id),
		TS:     "2026-09-01T" + hhmmss,
	}
}

// NewTechnical returns a technical message fixture with a classification.
func NewTechnical(id, hhmmss, category, issue string) docstore.Message {
	m := NewMessage(id, hhmmss)
	m.Text = fmt.Sprintf("problem report %s", id)
	m.IsTechnical = true
	m.Category = category
	m.Issue = issue
	m.Severity = docstore.SeverityMedium
	return m
}
