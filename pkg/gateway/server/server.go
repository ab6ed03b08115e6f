package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/civic-voice/pkg/core/agent"
	"github.com/vango-go/civic-voice/pkg/gateway/auth"
	"github.com/vango-go/civic-voice/pkg/gateway/config"
	"github.com/vango-go/civic-voice/pkg/gateway/events"
	"github.com/vango-go/civic-voice/pkg/gateway/handlers"
	"github.com/vango-go/civic-voice/pkg/gateway/journal"
	"github.com/vango-go/civic-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/civic-voice/pkg/gateway/metrics"
	"github.com/vango-go/civic-voice/pkg/gateway/mw"
	"github.com/vango-go/civic-voice/pkg/gateway/presence"
	"github.com/vango-go/civic-voice/pkg/gateway/ratelimit"
	"github.com/vango-go/civic-voice/pkg/gateway/voice/session"
	"github.com/vango-go/civic-voice/pkg/gateway/voice/sessions"
)

// DrainNoticeCode is sent to live sessions when the gateway starts
// draining.
const DrainNoticeCode = "server_draining"

// Dependencies are the collaborators a Server routes sessions to. Only
// Verifier, Pipeline and Agent are required.
type Dependencies struct {
	Verifier        auth.TokenVerifier
	Pipeline        session.Pipeline
	Agent           agent.Agent
	SynthSampleRate int

	Metrics     *metrics.Metrics
	Journal     journal.Journal
	Events      events.Publisher
	Presence    presence.Registry
	Tracer      trace.Tracer
	ReadyChecks []handlers.ReadyCheck
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies

	lifecycle  *lifecycle.Lifecycle
	sessions   *sessions.Tracker
	handshakes *ratelimit.HandshakeLimiter
	perUser    *ratelimit.SessionLimiter
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Agent == nil {
		deps.Agent = agent.Ack{}
	}
	if deps.Presence == nil {
		deps.Presence = presence.NewLocal(presence.DefaultTTL)
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		deps:       deps,
		lifecycle:  &lifecycle.Lifecycle{},
		sessions:   sessions.NewTracker(),
		handshakes: ratelimit.NewHandshakeLimiter(cfg.HandshakeRPS, cfg.HandshakeBurst),
		perUser:    ratelimit.NewSessionLimiter(cfg.MaxSessionsPerUser),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	health := handlers.HealthHandler{
		Sessions:  s.sessions,
		Presence:  s.deps.Presence,
		Providers: s.cfg.ProvidersConfigured(),
	}
	s.mux.Handle("/health", health)
	s.mux.Handle("/healthz", health)
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Lifecycle: s.lifecycle,
		Checks:    s.deps.ReadyChecks,
	})
	if s.deps.Metrics != nil {
		s.mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	var voice http.Handler = handlers.VoiceHandler{
		Config:          s.cfg,
		Logger:          s.logger,
		Pipeline:        s.deps.Pipeline,
		Agent:           s.deps.Agent,
		SynthSampleRate: s.deps.SynthSampleRate,
		Metrics:         s.deps.Metrics,
		Journal:         s.deps.Journal,
		Events:          s.deps.Events,
		Presence:        s.deps.Presence,
		Tracer:          s.deps.Tracer,
		Limiter:         s.perUser,
		Lifecycle:       s.lifecycle,
		Sessions:        s.sessions,
	}
	voice = mw.ConnectionGate(mw.GateConfig{
		Verifier:          s.deps.Verifier,
		QueryParam:        s.cfg.TokenQueryParam,
		TrustProxyHeaders: s.cfg.TrustProxyHeaders,
		Metrics:           s.deps.Metrics,
		Logger:            s.logger,
	}, voice)
	voice = mw.Origins(s.cfg.AllowedOrigins, s.deps.Metrics, voice)
	voice = mw.HandshakeLimit(s.handshakes, s.cfg.TrustProxyHeaders, s.deps.Metrics, voice)
	s.mux.Handle(s.cfg.VoicePath, voice)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining stops new upgrades. Readiness turns 503 at the same time.
func (s *Server) SetDraining() {
	if s.lifecycle.Drain(time.Now()) {
		s.logger.Info("gateway draining", "active_sessions", s.sessions.Count())
	}
}

// NotifySessionsDraining tells every live session that the server is going
// away so clients can reconnect elsewhere.
func (s *Server) NotifySessionsDraining() int {
	return s.sessions.NotifyAll(DrainNoticeCode, "server is restarting; reconnect shortly")
}

func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

// CancelSessions closes every live session with a going-away close.
func (s *Server) CancelSessions() int {
	n := s.sessions.CancelAll()
	if n > 0 {
		s.logger.Warn("cancelled live sessions", "count", n)
	}
	return n
}

func (s *Server) ActiveSessions() []sessions.Info {
	return s.sessions.Snapshot()
}
