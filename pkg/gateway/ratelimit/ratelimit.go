package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HandshakeLimiter bounds upgrade attempts per client key (usually the
// client IP). It runs before credential verification so a single client
// cannot hammer the verifier.
type HandshakeLimiter struct {
	rps   rate.Limit
	burst int

	// Operational bounds for the in-memory map (single-process only).
	maxEntries int
	entryTTL   time.Duration

	mu sync.Mutex
	m  map[string]*entry
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewHandshakeLimiter returns nil when rps or burst is not positive; a nil
// limiter allows everything.
func NewHandshakeLimiter(rps float64, burst int) *HandshakeLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &HandshakeLimiter{
		rps:        rate.Limit(rps),
		burst:      burst,
		maxEntries: 10_000,
		entryTTL:   10 * time.Minute,
		m:          make(map[string]*entry),
	}
}

// Allow reports whether key may attempt a handshake at now. When it may
// not, retryAfter is the whole-second wait hint.
func (l *HandshakeLimiter) Allow(key string, now time.Time) (ok bool, retryAfter int) {
	if l == nil {
		return true, 0
	}
	if key == "" {
		key = "anonymous"
	}

	l.mu.Lock()
	e := l.getOrCreateLocked(key, now)
	e.lastSeen = now
	l.mu.Unlock()

	r := e.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 1
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	r.CancelAt(now)
	secs := int((delay + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return false, secs
}

func (l *HandshakeLimiter) getOrCreateLocked(key string, now time.Time) *entry {
	if e, ok := l.m[key]; ok {
		return e
	}
	if len(l.m) >= l.maxEntries {
		for k, v := range l.m {
			if now.Sub(v.lastSeen) > l.entryTTL {
				delete(l.m, k)
			}
		}
		// Still full: drop one arbitrary entry.
		if len(l.m) >= l.maxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}
	e := &entry{lim: rate.NewLimiter(l.rps, l.burst), lastSeen: now}
	l.m[key] = e
	return e
}

// SessionLimiter caps concurrent voice sessions per user.
type SessionLimiter struct {
	max int

	mu     sync.Mutex
	active map[string]int
}

func NewSessionLimiter(maxPerUser int) *SessionLimiter {
	return &SessionLimiter{max: maxPerUser, active: make(map[string]int)}
}

// Permit releases a session slot. Release is idempotent.
type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

// Acquire reserves a slot for userID, or returns nil when the user is at
// the cap. A nil limiter or a non-positive cap always grants.
func (l *SessionLimiter) Acquire(userID string) *Permit {
	if l == nil || l.max <= 0 {
		return &Permit{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[userID] >= l.max {
		return nil
	}
	l.active[userID]++
	return &Permit{release: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.active[userID]--
		if l.active[userID] <= 0 {
			delete(l.active, userID)
		}
	}}
}

func (l *SessionLimiter) Active(userID string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[userID]
}

// ClientIP resolves the caller address. Proxy headers are honored only when
// trustProxyHeaders is set.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return ""
	}
	if trustProxyHeaders {
		for _, h := range []string{"CF-Connecting-IP", "X-Real-IP"} {
			if ip := parseIP(r.Header.Get(h)); ip != "" {
				return ip
			}
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// Left-most entry is the original client.
			first, _, _ := strings.Cut(raw, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
