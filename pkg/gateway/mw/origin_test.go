package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOrigins(t *testing.T) {
	allowed := map[string]struct{}{"https://app.example": {}}
	h := Origins(allowed, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		origin string
		want   int
	}{
		{"", http.StatusNoContent},
		{"https://app.example", http.StatusNoContent},
		{"https://evil.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws/voice", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != tt.want {
			t.Errorf("origin %q: status=%d, want %d", tt.origin, rr.Code, tt.want)
		}
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/voice", nil)
	if IsWebSocketUpgrade(req) {
		t.Fatalf("plain GET reported as upgrade")
	}
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "websocket")
	if !IsWebSocketUpgrade(req) {
		t.Fatalf("upgrade not detected")
	}
}
