package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/civic-voice/pkg/gateway/metrics"
)

// OriginAllowed reports whether r may upgrade. Requests without an Origin
// header come from non-browser clients and are allowed; an empty allowlist
// allows every origin.
func OriginAllowed(allowed map[string]struct{}, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(allowed) == 0 {
		return true
	}
	_, ok := allowed[origin]
	return ok
}

// Origins refuses browser upgrades from origins outside the allowlist.
func Origins(allowed map[string]struct{}, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !OriginAllowed(allowed, r) {
			m.RecordHandshake("origin_rejected")
			writePlain(w, http.StatusForbidden, "origin not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IsWebSocketUpgrade reports whether r asks for a websocket upgrade.
func IsWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
