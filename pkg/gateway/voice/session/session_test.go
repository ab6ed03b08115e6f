package session

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

	"github.com/vango-go/civic-voice/pkg/core"
	"github.com/vango-go/civic-voice/pkg/core/agent"
	"github.com/vango-go/civic-voice/pkg/core/voice"
	"github.com/vango-go/civic-voice/pkg/core/voice/tts"
	"github.com/vango-go/civic-voice/pkg/gateway/journal"
	"github.com/vango-go/civic-voice/pkg/gateway/presence"
	"github.com/vango-go/civic-voice/pkg/gateway/voice/protocol"
)

type fakePipeline struct {
	mu       sync.Mutex
	calls    []string
	fail     map[int]error
	block    chan struct{}
	synth    *tts.Synthesis
	synthErr error
}

func (p *fakePipeline) Process(ctx context.Context, audio []byte) (*voice.Transcript, error) {
	p.mu.Lock()
	p.calls = append(p.calls, string(audio))
	n := len(p.calls)
	err := p.fail[n]
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, core.NewIngestionError(core.StageTranscribe, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return &voice.Transcript{Language: "en", Text: "frame " + string(audio)}, nil
}

func (p *fakePipeline) Synthesize(ctx context.Context, text, lang string) (*tts.Synthesis, error) {
	if p.synthErr != nil {
		return nil, core.NewSynthesisError(p.synthErr)
	}
	return p.synth, nil
}

func (p *fakePipeline) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type failingAgent struct{}

func (failingAgent) Name() string { return "failing" }

func (failingAgent) SendQuery(context.Context, agent.Query) (*agent.Reply, error) {
	return nil, errors.New("model unavailable")
}

type recordingJournal struct {
	mu     sync.Mutex
	opened []journal.Entry
	closed []journal.Entry
}

func (j *recordingJournal) SessionOpened(_ context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.opened = append(j.opened, e)
	return nil
}

func (j *recordingJournal) SessionClosed(_ context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = append(j.closed, e)
	return nil
}

func (j *recordingJournal) lastClosed(t *testing.T) journal.Entry {
	t.Helper()
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.closed) == 0 {
		t.Fatalf("no closed journal entry")
	}
	return j.closed[len(j.closed)-1]
}

type harness struct {
	t        *testing.T
	client   *websocket.Conn
	sessions chan *Session
	results  chan error
}

func newHarness(t *testing.T, configure func(*Dependencies)) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		sessions: make(chan *Session, 1),
		results:  make(chan error, 1),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		deps := Dependencies{
			Conn:      conn,
			Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
			SessionID: "sess_1",
			UserID:    "user_1",
			Pipeline:  &fakePipeline{},
			Agent:     agent.Ack{},
			Config: Config{
				PingInterval: time.Hour,
				WriteTimeout: time.Second,
			},
		}
		if configure != nil {
			configure(&deps)
		}
		s, err := New(deps)
		if err != nil {
			t.Errorf("New() error: %v", err)
			_ = conn.Close()
			return
		}
		h.sessions <- s
		h.results <- s.Run()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	h.client = client
	return h
}

func (h *harness) session() *Session {
	h.t.Helper()
	select {
	case s := <-h.sessions:
		h.sessions <- s
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatalf("session was not created")
		return nil
	}
}

func (h *harness) result() error {
	h.t.Helper()
	select {
	case err := <-h.results:
		return err
	case <-time.After(3 * time.Second):
		h.t.Fatalf("session did not finish")
		return nil
	}
}

func (h *harness) sendAudio(data string) {
	h.t.Helper()
	if err := h.client.WriteMessage(websocket.BinaryMessage, []byte(data)); err != nil {
		h.t.Fatalf("write audio: %v", err)
	}
}

func (h *harness) sendText(data string) {
	h.t.Helper()
	if err := h.client.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		h.t.Fatalf("write text: %v", err)
	}
}

func (h *harness) next() any {
	h.t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := h.client.ReadMessage()
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	if mt == websocket.BinaryMessage {
		return data
	}
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		h.t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func (h *harness) expectClose(code int) {
	h.t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := h.client.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			h.t.Fatalf("read error=%v, want close %d", err, code)
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSession_FailedFrameDoesNotCloseConnection(t *testing.T) {
	pipe := &fakePipeline{
		fail: map[int]error{2: core.NewIngestionError(core.StageTranscribe, errors.New("stt down"))},
	}
	h := newHarness(t, func(d *Dependencies) { d.Pipeline = pipe })

	welcome, ok := h.next().(protocol.ServerWelcome)
	if !ok {
		t.Fatalf("first message was not welcome")
	}
	if welcome.SessionID != "sess_1" || welcome.UserID != "user_1" {
		t.Fatalf("welcome=%+v", welcome)
	}

	h.sendAudio("1")
	h.sendAudio("2")
	h.sendAudio("3")

	if tr, ok := h.next().(protocol.ServerTranscript); !ok || tr.Text != "frame 1" {
		t.Fatalf("expected transcript for frame 1, got %#v", tr)
	}
	if _, ok := h.next().(protocol.ServerAgentResponse); !ok {
		t.Fatalf("expected agent response for frame 1")
	}
	errMsg, ok := h.next().(protocol.ServerError)
	if !ok {
		t.Fatalf("expected error for frame 2")
	}
	if errMsg.Code != protocol.CodeIngestion || errMsg.Stage != core.StageTranscribe || !errMsg.Recoverable {
		t.Fatalf("error=%+v", errMsg)
	}
	if tr, ok := h.next().(protocol.ServerTranscript); !ok || tr.Text != "frame 3" {
		t.Fatalf("expected transcript for frame 3, got %#v", tr)
	}
	if _, ok := h.next().(protocol.ServerAgentResponse); !ok {
		t.Fatalf("expected agent response for frame 3")
	}

	if got := pipe.callCount(); got != 3 {
		t.Fatalf("pipeline calls=%d, want 3", got)
	}

	h.sendText(`{"type":"ping"}`)
	if _, ok := h.next().(protocol.ServerPong); !ok {
		t.Fatalf("connection did not answer ping after failed frame")
	}
	if s := h.session(); s.State() != StateOpen {
		t.Fatalf("state=%s, want open", s.State())
	}
}

func TestSession_StopClosesNormally(t *testing.T) {
	j := &recordingJournal{}
	h := newHarness(t, func(d *Dependencies) { d.Journal = j })

	h.next() // welcome
	h.sendText(`{"type":"stop","reason":"user"}`)
	h.expectClose(websocket.CloseNormalClosure)

	if err := h.result(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if s := h.session(); s.State() != StateClosed {
		t.Fatalf("state=%s, want closed", s.State())
	}
	entry := j.lastClosed(t)
	if entry.State != "closed" || entry.Reason != "client_stop" {
		t.Fatalf("journal entry=%+v", entry)
	}
}

func TestSession_TransportErrorFails(t *testing.T) {
	j := &recordingJournal{}
	h := newHarness(t, func(d *Dependencies) { d.Journal = j })

	h.next() // welcome
	_ = h.client.UnderlyingConn().Close()

	err := h.result()
	if !core.IsType(err, core.ErrTransport) {
		t.Fatalf("Run() error=%v, want transport error", err)
	}
	if s := h.session(); s.State() != StateClosed {
		t.Fatalf("state=%s, want closed", s.State())
	}
	if entry := j.lastClosed(t); entry.State != "failed" {
		t.Fatalf("journal state=%q, want failed", entry.State)
	}
}

func TestSession_CancelSendsGoingAway(t *testing.T) {
	reg := presence.NewLocal(time.Minute)
	h := newHarness(t, func(d *Dependencies) { d.Presence = reg })

	h.next() // welcome
	waitFor(t, func() bool {
		n, _ := reg.Count(context.Background())
		return n == 1
	})

	h.session().Cancel()
	h.expectClose(websocket.CloseGoingAway)
	if err := h.result(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if n, _ := reg.Count(context.Background()); n != 0 {
		t.Fatalf("presence count=%d after close, want 0", n)
	}
}

func TestSession_FullQueueDropsFrames(t *testing.T) {
	pipe := &fakePipeline{block: make(chan struct{})}
	h := newHarness(t, func(d *Dependencies) {
		d.Pipeline = pipe
		d.Config.FrameQueueSize = 1
	})
	h.next() // welcome

	for i := 0; i < 5; i++ {
		h.sendAudio("x")
	}
	s := h.session()
	waitFor(t, func() bool { return s.framesReceived.Load() == 5 })
	if dropped := s.framesDropped.Load(); dropped < 3 {
		t.Fatalf("dropped=%d, want at least 3", dropped)
	}
	if s.State() != StateOpen {
		t.Fatalf("state=%s, want open", s.State())
	}
	close(pipe.block)
}

func TestSession_SlowPipelineDoesNotDelayOtherSessions(t *testing.T) {
	slow := &fakePipeline{block: make(chan struct{})}
	a := newHarness(t, func(d *Dependencies) { d.Pipeline = slow })
	t.Cleanup(func() { close(slow.block) })
	b := newHarness(t, func(d *Dependencies) {
		d.SessionID = "sess_2"
		d.UserID = "user_2"
	})
	a.next() // welcome
	b.next() // welcome

	a.sendAudio("x")
	waitFor(t, func() bool { return slow.callCount() == 1 })

	start := time.Now()
	b.sendAudio("y")
	tr, ok := b.next().(protocol.ServerTranscript)
	if !ok || tr.Text != "frame y" {
		t.Fatalf("expected transcript for frame y, got %#v", tr)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("second session answered after %s", elapsed)
	}
	if s := a.session(); s.State() != StateOpen {
		t.Fatalf("blocked session state=%s, want open", s.State())
	}
}

func TestSession_AgentFailureIsRecoverable(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Agent = failingAgent{} })
	h.next() // welcome

	h.sendAudio("1")
	if _, ok := h.next().(protocol.ServerTranscript); !ok {
		t.Fatalf("expected transcript")
	}
	errMsg, ok := h.next().(protocol.ServerError)
	if !ok || errMsg.Code != protocol.CodeAgentCall || !errMsg.Recoverable {
		t.Fatalf("expected recoverable agent error, got %#v", errMsg)
	}
	if s := h.session(); s.State() != StateOpen {
		t.Fatalf("state=%s, want open", s.State())
	}
}

func TestSession_SynthesizedAudioFollowsHeader(t *testing.T) {
	pipe := &fakePipeline{synth: &tts.Synthesis{Audio: []byte{1, 2, 3, 4}, Format: "pcm"}}
	h := newHarness(t, func(d *Dependencies) {
		d.Pipeline = pipe
		d.Config.SynthSampleRate = 24000
	})
	h.next() // welcome

	h.sendAudio("1")
	h.next() // transcript
	h.next() // agent_response
	header, ok := h.next().(protocol.ServerAgentAudio)
	if !ok {
		t.Fatalf("expected agent_audio header")
	}
	if header.Bytes != 4 || header.Format != "pcm" || header.SampleRateHz != 24000 {
		t.Fatalf("header=%+v", header)
	}
	body, ok := h.next().([]byte)
	if !ok || len(body) != 4 {
		t.Fatalf("expected 4 byte binary frame, got %#v", body)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatalf("expected error without a connection")
	}
}
