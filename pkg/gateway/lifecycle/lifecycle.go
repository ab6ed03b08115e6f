package lifecycle

import (
	"sync"
	"time"
)

// Lifecycle tracks whether the process is accepting new voice sessions.
// Once draining starts, new upgrades are refused while live sessions are
// allowed to finish.
type Lifecycle struct {
	mu            sync.RWMutex
	drainingSince time.Time
}

// Drain marks the process as draining. It reports false if draining had
// already started.
func (l *Lifecycle) Drain(now time.Time) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.drainingSince.IsZero() {
		return false
	}
	l.drainingSince = now
	return true
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !l.drainingSince.IsZero()
}

// DrainingSince is zero while serving.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.drainingSince
}
