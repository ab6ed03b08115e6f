// Package presence tracks open voice sessions so every replica can report a
// cluster-wide count.
package presence

import (
	"context"
	"sync"
	"time"
)

const DefaultTTL = 90 * time.Second

// Entry describes one open session.
type Entry struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	StartedAt time.Time `json:"started_at"`
}

// Registry records open sessions. Put creates or refreshes an entry; an
// entry that is not refreshed within the registry TTL disappears on its own
// so a crashed replica does not leak sessions.
type Registry interface {
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, sessionID string) error
	Count(ctx context.Context) (int, error)
}

// Local is an in-process Registry used when no Redis URL is configured.
type Local struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]localEntry
}

type localEntry struct {
	Entry
	expiresAt time.Time
}

func NewLocal(ttl time.Duration) *Local {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Local{ttl: ttl, now: time.Now, entries: make(map[string]localEntry)}
}

func (l *Local) Put(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.SessionID] = localEntry{Entry: e, expiresAt: l.now().Add(l.ttl)}
	return nil
}

func (l *Local) Delete(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, sessionID)
	return nil
}

func (l *Local) Count(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, id)
		}
	}
	return len(l.entries), nil
}
