package mw

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/civic-voice/pkg/core"
	"github.com/vango-go/civic-voice/pkg/gateway/auth"
	"github.com/vango-go/civic-voice/pkg/gateway/metrics"
	"github.com/vango-go/civic-voice/pkg/gateway/ratelimit"
)

type GateConfig struct {
	Verifier          auth.TokenVerifier
	QueryParam        string
	TrustProxyHeaders bool
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// ConnectionGate verifies the upgrade credential before next runs. On
// failure it answers 401 with a plain-text body and next is never called,
// so no socket exists for a rejected attempt. On success the verified
// principal is attached to the request context.
func ConnectionGate(cfg GateConfig, next http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := RequestIDFrom(r.Context())
		clientIP := ratelimit.ClientIP(r, cfg.TrustProxyHeaders)

		token := auth.CredentialFromRequest(r, cfg.QueryParam)
		if token == "" {
			cfg.Metrics.RecordHandshake("missing_credential")
			logger.Warn("voice handshake rejected", "request_id", reqID, "client_ip", clientIP, "error_type", core.ErrMissingCredential)
			writePlain(w, http.StatusUnauthorized, "missing credential")
			return
		}
		if cfg.Verifier == nil {
			cfg.Metrics.RecordHandshake("invalid_credential")
			logger.Error("voice handshake rejected: no verifier configured", "request_id", reqID)
			writePlain(w, http.StatusUnauthorized, "invalid credential")
			return
		}

		p, err := cfg.Verifier.Verify(token)
		if err != nil || p == nil || p.UserID == "" {
			cfg.Metrics.RecordHandshake("invalid_credential")
			logger.Warn("voice handshake rejected", "request_id", reqID, "client_ip", clientIP, "error_type", core.ErrInvalidCredential, "error", err)
			writePlain(w, http.StatusUnauthorized, "invalid credential")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}
