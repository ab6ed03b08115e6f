// Package sessions keeps the set of live voice sessions on this replica so
// shutdown can notify, cancel and wait for them.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Handle struct {
	UserID    string
	StartedAt time.Time
	Cancel    func()
	Notify    func(code, message string) error
}

// Info is a read-only view of a tracked session.
type Info struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	StartedAt time.Time `json:"started_at"`
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds a session. Registering an id twice replaces the older entry.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CountUser returns how many live sessions belong to userID.
func (t *Tracker) CountUser(userID string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entry := range t.sessions {
		if entry.handle.UserID == userID {
			n++
		}
	}
	return n
}

// Snapshot lists live sessions, oldest first.
func (t *Tracker) Snapshot() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Info, 0, len(t.sessions))
	for id, entry := range t.sessions {
		out = append(out, Info{SessionID: id, UserID: entry.handle.UserID, StartedAt: entry.handle.StartedAt})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// NotifyAll sends a best-effort notice to every session.
func (t *Tracker) NotifyAll(code, message string) (sent int) {
	for _, h := range t.handles() {
		if h.Notify == nil {
			continue
		}
		if err := h.Notify(code, message); err == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) handles() []Handle {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.sessions))
	for _, entry := range t.sessions {
		out = append(out, entry.handle)
	}
	return out
}

// Wait blocks until every registered session has unregistered or ctx ends.
// It reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
