package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/civic-voice/pkg/gateway/metrics"
	"github.com/vango-go/civic-voice/pkg/gateway/ratelimit"
)

// HandshakeLimit throttles upgrade attempts per client IP. It runs ahead
// of ConnectionGate so credential guessing is rate limited too.
func HandshakeLimit(limiter *ratelimit.HandshakeLimiter, trustProxyHeaders bool, m *metrics.Metrics, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ratelimit.ClientIP(r, trustProxyHeaders)
		if key == "" {
			key = "unknown"
		}
		ok, retryAfter := limiter.Allow(key, time.Now())
		if !ok {
			m.RecordHandshake("rate_limited")
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			}
			writePlain(w, http.StatusTooManyRequests, "too many connection attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}
