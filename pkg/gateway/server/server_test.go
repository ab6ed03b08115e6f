package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/civic-voice/pkg/core/agent"
	"github.com/vango-go/civic-voice/pkg/gateway/auth"
	"github.com/vango-go/civic-voice/pkg/gateway/config"
	"github.com/vango-go/civic-voice/pkg/gateway/handlers"
	"github.com/vango-go/civic-voice/pkg/gateway/metrics"
	"github.com/vango-go/civic-voice/pkg/gateway/voice/protocol"
)

func testConfig() config.Config {
	return config.Config{
		VoicePath:          "/ws/voice",
		TokenQueryParam:    "token",
		AllowedOrigins:     map[string]struct{}{},
		MaxFrameBytes:      1 << 16,
		FrameQueueSize:     4,
		AgentTimeout:       time.Second,
		MaxSessionDuration: time.Minute,
		MaxSessionsPerUser: 2,
		HandshakeRPS:       100,
		HandshakeBurst:     100,
		PingInterval:       time.Hour,
		WriteTimeout:       time.Second,
		AudioEncoding:      config.AudioEncodingPCM16,
		AudioSampleRate:    16000,
		DefaultLanguage:    "en",
		STTProvider:        config.STTProviderDeepgram,
	}
}

func newTestServer(t *testing.T, deps Dependencies) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	cfg := testConfig()
	if deps.Verifier == nil {
		deps.Verifier = auth.StaticVerifier{"good-token": "user_1"}
	}
	if deps.Pipeline == nil {
		deps.Pipeline = NewPipeline(cfg, http.DefaultClient, nil, deps.Metrics)
	}
	if deps.Agent == nil {
		deps.Agent = agent.Ack{}
	}
	return New(cfg, logger, deps)
}

func TestServer_UnknownRoute_Returns404(t *testing.T) {
	s := newTestServer(t, Dependencies{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}
}

func TestServer_HealthRoutes(t *testing.T) {
	s := newTestServer(t, Dependencies{})

	for _, path := range []string{"/health", "/healthz"} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"status":"healthy"`) {
			t.Fatalf("%s body=%q", path, rr.Body.String())
		}
	}
}

func TestServer_ReadyzFlipsWhenDraining(t *testing.T) {
	s := newTestServer(t, Dependencies{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d before drain", rr.Code)
	}

	s.SetDraining()

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d after drain, want 503", rr.Code)
	}
}

func TestServer_ReadyzRunsChecks(t *testing.T) {
	s := newTestServer(t, Dependencies{
		ReadyChecks: []handlers.ReadyCheck{
			{Name: "postgres", Probe: func(context.Context) error { return errors.New("down") }},
		},
	})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
}

func TestServer_MetricsRoute(t *testing.T) {
	m := metrics.New("test")
	s := newTestServer(t, Dependencies{Metrics: m})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/voice", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("voice status=%d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `test_handshakes_total{outcome="missing_credential"} 1`) {
		t.Fatalf("metrics body missing handshake outcome:\n%s", rr.Body.String())
	}
}

func TestServer_VoiceRouteRequiresCredential(t *testing.T) {
	s := newTestServer(t, Dependencies{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/voice", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "missing credential" {
		t.Fatalf("body=%q", got)
	}
}

func TestServer_DrainNotifiesAndCancelsSessions(t *testing.T) {
	s := newTestServer(t, Dependencies{})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice?token=good-token"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	}
	if _, ok := read().(protocol.ServerWelcome); !ok {
		t.Fatalf("expected welcome")
	}
	if n := len(s.ActiveSessions()); n != 1 {
		t.Fatalf("active sessions=%d, want 1", n)
	}

	s.SetDraining()
	if n := s.NotifySessionsDraining(); n != 1 {
		t.Fatalf("notified=%d, want 1", n)
	}
	notice, ok := read().(protocol.ServerError)
	if !ok || notice.Code != DrainNoticeCode || !notice.Recoverable {
		t.Fatalf("notice=%#v", notice)
	}

	if n := s.CancelSessions(); n != 1 {
		t.Fatalf("cancelled=%d, want 1", n)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read err=%v, want going-away close", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !s.WaitSessions(ctx) {
		t.Fatalf("sessions did not finish")
	}
}

func TestNewVerifier(t *testing.T) {
	t.Run("static only", func(t *testing.T) {
		v, err := NewVerifier(config.Config{StaticTokens: "tok:user_9"})
		if err != nil {
			t.Fatalf("NewVerifier: %v", err)
		}
		p, err := v.Verify("tok")
		if err != nil || p.UserID != "user_9" {
			t.Fatalf("Verify=%v, %v", p, err)
		}
	})

	t.Run("jwt and static chain", func(t *testing.T) {
		v, err := NewVerifier(config.Config{JWTSecret: "secret", StaticTokens: "tok:user_9"})
		if err != nil {
			t.Fatalf("NewVerifier: %v", err)
		}
		if _, ok := v.(auth.Chain); !ok {
			t.Fatalf("verifier=%T, want auth.Chain", v)
		}
		if p, err := v.Verify("tok"); err != nil || p.UserID != "user_9" {
			t.Fatalf("Verify=%v, %v", p, err)
		}
	})

	t.Run("malformed static tokens", func(t *testing.T) {
		if _, err := NewVerifier(config.Config{StaticTokens: "no-separator"}); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		if _, err := NewVerifier(config.Config{}); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestNewAgent_FallsBackToAck(t *testing.T) {
	a, err := NewAgent(context.Background(), config.Config{}, nil)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	if a.Name() != "ack" {
		t.Fatalf("agent=%q, want ack", a.Name())
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestNewPipeline_SendsSelectedProviderModel(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{config.STTProviderCartesia, "ink-whisper"},
		{config.STTProviderDeepgram, "nova-2"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			var (
				mu    sync.Mutex
				hosts []string
				model string
			)
			hc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				mu.Lock()
				defer mu.Unlock()
				hosts = append(hosts, r.URL.Host)
				body := `{"text":"hello"}`
				if strings.Contains(r.URL.Host, "deepgram") {
					model = r.URL.Query().Get("model")
					body = `{"results":{"channels":[{"alternatives":[{"transcript":"hello"}]}]}}`
				} else {
					model = r.PostFormValue("model")
				}
				return &http.Response{
					StatusCode: http.StatusOK,
					Header:     http.Header{"Content-Type": []string{"application/json"}},
					Body:       io.NopCloser(strings.NewReader(body)),
					Request:    r,
				}, nil
			})}

			cfg := testConfig()
			cfg.STTProvider = tt.provider
			cfg.DeepgramAPIKey = "dg-key"
			cfg.DeepgramModel = "nova-2"
			cfg.CartesiaAPIKey = "ct-key"
			cfg.CartesiaSTTModel = "ink-whisper"

			tr, err := NewPipeline(cfg, hc, nil, nil).Process(context.Background(), make([]byte, 3200))
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if tr.Text != "hello" {
				t.Fatalf("text=%q", tr.Text)
			}
			mu.Lock()
			defer mu.Unlock()
			if len(hosts) != 1 || !strings.Contains(hosts[0], tt.provider) {
				t.Fatalf("requests went to %v, want one %s call", hosts, tt.provider)
			}
			if model != tt.want {
				t.Fatalf("model sent to %s = %q, want %q", tt.provider, model, tt.want)
			}
		})
	}
}
