// Package journal records one row per voice session for audit and
// operational review.
package journal

import (
	"context"
	"time"
)

// Entry is a session's journal record. Counters are filled in on close.
type Entry struct {
	SessionID  string
	UserID     string
	RemoteAddr string
	CreatedAt  time.Time
	ClosedAt   time.Time
	State      string
	Reason     string

	FramesReceived  int64
	FramesDropped   int64
	IngestionErrors int64
	AgentErrors     int64
}

// Journal persists session lifecycle records. Callers treat failures as
// non-fatal.
type Journal interface {
	SessionOpened(ctx context.Context, e Entry) error
	SessionClosed(ctx context.Context, e Entry) error
}

// Nop discards records.
type Nop struct{}

func (Nop) SessionOpened(context.Context, Entry) error { return nil }
func (Nop) SessionClosed(context.Context, Entry) error { return nil }
