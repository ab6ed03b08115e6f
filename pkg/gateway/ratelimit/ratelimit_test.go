package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestSessionLimiter_EnforcesConcurrency(t *testing.T) {
	l := NewSessionLimiter(1)

	first := l.Acquire("u1")
	if first == nil {
		t.Fatalf("first acquire denied")
	}
	if second := l.Acquire("u1"); second != nil {
		t.Fatalf("second should be denied")
	}
	if other := l.Acquire("u2"); other == nil {
		t.Fatalf("other user should not share the cap")
	}

	first.Release()
	first.Release()
	if got := l.Active("u1"); got != 0 {
		t.Fatalf("active=%d, want 0 after release", got)
	}
	if third := l.Acquire("u1"); third == nil {
		t.Fatalf("third should be allowed after release")
	}
}

func TestSessionLimiter_NilAlwaysGrants(t *testing.T) {
	var l *SessionLimiter
	p := l.Acquire("u1")
	if p == nil {
		t.Fatalf("nil limiter must grant")
	}
	p.Release()
}

func TestHandshakeLimiter_BurstThenDeny(t *testing.T) {
	l := NewHandshakeLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("10.0.0.1", now); !ok {
			t.Fatalf("attempt %d denied inside burst", i+1)
		}
	}
	ok, retry := l.Allow("10.0.0.1", now)
	if ok {
		t.Fatalf("third attempt should be denied")
	}
	if retry != 1 {
		t.Fatalf("retryAfter=%d, want 1", retry)
	}
	if ok, _ := l.Allow("10.0.0.2", now); !ok {
		t.Fatalf("other client should have its own bucket")
	}
	if ok, _ := l.Allow("10.0.0.1", now.Add(1100*time.Millisecond)); !ok {
		t.Fatalf("token should refill after a second")
	}
}

func TestHandshakeLimiter_DisabledIsNil(t *testing.T) {
	if l := NewHandshakeLimiter(0, 5); l != nil {
		t.Fatalf("expected nil limiter when rps=0")
	}
	var l *HandshakeLimiter
	if ok, _ := l.Allow("x", time.Now()); !ok {
		t.Fatalf("nil limiter must allow")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/voice", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := ClientIP(r, false); got != "192.0.2.10" {
		t.Fatalf("untrusted ip=%q, want 192.0.2.10", got)
	}
	if got := ClientIP(r, true); got != "203.0.113.7" {
		t.Fatalf("trusted ip=%q, want 203.0.113.7", got)
	}
	r.Header.Set("X-Real-IP", "198.51.100.4")
	if got := ClientIP(r, true); got != "198.51.100.4" {
		t.Fatalf("x-real-ip=%q, want 198.51.100.4", got)
	}
}
