package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/civic-voice/pkg/core/agent"
	"github.com/vango-go/civic-voice/pkg/gateway/auth"
	"github.com/vango-go/civic-voice/pkg/gateway/config"
	"github.com/vango-go/civic-voice/pkg/gateway/events"
	"github.com/vango-go/civic-voice/pkg/gateway/journal"
	"github.com/vango-go/civic-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/civic-voice/pkg/gateway/metrics"
	"github.com/vango-go/civic-voice/pkg/gateway/mw"
	"github.com/vango-go/civic-voice/pkg/gateway/presence"
	"github.com/vango-go/civic-voice/pkg/gateway/ratelimit"
	"github.com/vango-go/civic-voice/pkg/gateway/voice/protocol"
	"github.com/vango-go/civic-voice/pkg/gateway/voice/session"
	"github.com/vango-go/civic-voice/pkg/gateway/voice/sessions"
)

// VoiceHandler upgrades an already-verified request to a voice session. It
// must sit behind mw.ConnectionGate; a request without a principal is
// refused before any socket exists.
type VoiceHandler struct {
	Config          config.Config
	Logger          *slog.Logger
	Pipeline        session.Pipeline
	Agent           agent.Agent
	SynthSampleRate int

	Metrics   *metrics.Metrics
	Journal   journal.Journal
	Events    events.Publisher
	Presence  presence.Registry
	Tracer    trace.Tracer
	Limiter   *ratelimit.SessionLimiter
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		h.Metrics.RecordHandshake("draining")
		http.Error(w, "server draining", http.StatusServiceUnavailable)
		return
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		h.Metrics.RecordHandshake("missing_credential")
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}

	permit := h.Limiter.Acquire(p.UserID)
	if permit == nil {
		h.Metrics.RecordHandshake("session_limit")
		logger.Warn("voice session cap reached", "request_id", reqID, "user_id", p.UserID)
		http.Error(w, "too many sessions", http.StatusTooManyRequests)
		return
	}
	defer permit.Release()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return mw.OriginAllowed(h.Config.AllowedOrigins, r)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.Metrics.RecordHandshake("upgrade_failed")
		logger.Warn("voice upgrade failed", "request_id", reqID, "user_id", p.UserID, "error", err)
		return
	}
	h.Metrics.RecordHandshake("accepted")

	s, err := session.New(session.Dependencies{
		Conn:       conn,
		Logger:     logger,
		SessionID:  uuid.NewString(),
		UserID:     p.UserID,
		RemoteAddr: ratelimit.ClientIP(r, h.Config.TrustProxyHeaders),
		Pipeline:   h.Pipeline,
		Agent:      h.Agent,
		Metrics:    h.Metrics,
		Journal:    h.Journal,
		Events:     h.Events,
		Presence:   h.Presence,
		Tracer:     h.Tracer,
		Config:     SessionConfig(h.Config, h.SynthSampleRate),
	})
	if err != nil {
		logger.Error("voice session setup failed", "request_id", reqID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session setup failed"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	unregister := h.Sessions.Register(s.ID(), sessions.Handle{
		UserID:    s.UserID(),
		StartedAt: s.StartedAt(),
		Cancel:    s.Cancel,
		Notify:    s.Notify,
	})
	defer unregister()

	// Run logs its own outcome.
	_ = s.Run()
}

// SessionConfig maps gateway configuration onto per-session limits.
func SessionConfig(cfg config.Config, synthSampleRate int) session.Config {
	return session.Config{
		MaxFrameBytes:          cfg.MaxFrameBytes,
		FrameQueueSize:         cfg.FrameQueueSize,
		MaxAudioFPS:            cfg.MaxAudioFPS,
		MaxAudioBytesPerSecond: cfg.MaxAudioBytesPerSecond,
		AgentTimeout:           cfg.AgentTimeout,
		MaxSessionDuration:     cfg.MaxSessionDuration,
		PingInterval:           cfg.PingInterval,
		WriteTimeout:           cfg.WriteTimeout,
		ReadTimeout:            cfg.IdleTimeout,
		HistoryTurns:           cfg.HistoryTurns,
		SynthSampleRate:        synthSampleRate,
		Audio: protocol.AudioFormat{
			Encoding:     cfg.AudioEncoding,
			SampleRateHz: cfg.AudioSampleRate,
			Channels:     1,
		},
	}
}
