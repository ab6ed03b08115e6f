package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/civic-voice/pkg/core"
	"github.com/vango-go/civic-voice/pkg/core/agent"
	"github.com/vango-go/civic-voice/pkg/core/voice"
	"github.com/vango-go/civic-voice/pkg/core/voice/tts"
	"github.com/vango-go/civic-voice/pkg/gateway/events"
	"github.com/vango-go/civic-voice/pkg/gateway/journal"
	"github.com/vango-go/civic-voice/pkg/gateway/metrics"
	"github.com/vango-go/civic-voice/pkg/gateway/presence"
	"github.com/vango-go/civic-voice/pkg/gateway/voice/protocol"
)

const (
	outboundPriorityQueueSize = 8
	stageAgent                = "agent"
	backendTimeout            = 5 * time.Second
)

// Pipeline is the ingest and synthesis surface a session drives.
// *voice.Pipeline satisfies it.
type Pipeline interface {
	Process(ctx context.Context, audio []byte) (*voice.Transcript, error)
	Synthesize(ctx context.Context, text, lang string) (*tts.Synthesis, error)
}

type Config struct {
	MaxFrameBytes          int64
	FrameQueueSize         int
	OutboundQueueSize      int
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	AgentTimeout           time.Duration
	MaxSessionDuration     time.Duration
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	PresenceInterval       time.Duration
	HistoryTurns           int
	Audio                  protocol.AudioFormat
	SynthSampleRate        int
}

type Dependencies struct {
	Conn       *websocket.Conn
	Logger     *slog.Logger
	SessionID  string
	UserID     string
	RemoteAddr string
	Pipeline   Pipeline
	Agent      agent.Agent
	Metrics    *metrics.Metrics
	Journal    journal.Journal
	Events     events.Publisher
	Presence   presence.Registry
	Tracer     trace.Tracer
	Config     Config
	Now        func() time.Time
}

// Session serves one authenticated voice connection. Frames are processed
// strictly in arrival order by a single worker; the read loop never waits
// on the pipeline.
type Session struct {
	conn       *websocket.Conn
	logger     *slog.Logger
	sessionID  string
	userID     string
	remoteAddr string
	pipeline   Pipeline
	agent      agent.Agent
	metrics    *metrics.Metrics
	journal    journal.Journal
	events     events.Publisher
	presence   presence.Registry
	tracer     trace.Tracer
	cfg        Config
	now        func() time.Time
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	framesReceived  atomic.Int64
	framesDropped   atomic.Int64
	ingestionErrors atomic.Int64
	agentErrors     atomic.Int64

	// history is owned by the frame worker.
	history []agent.Turn
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if strings.TrimSpace(deps.UserID) == "" {
		return nil, fmt.Errorf("verified user id is required")
	}
	if deps.SessionID == "" {
		deps.SessionID = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/vango-go/civic-voice/pkg/gateway/voice/session")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.FrameQueueSize <= 0 {
		cfg.FrameQueueSize = 32
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 64
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = 30 * time.Second
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 6
	}
	if cfg.Audio.Encoding == "" {
		cfg.Audio.Encoding = voice.EncodingPCM16
	}
	if cfg.Audio.SampleRateHz <= 0 {
		cfg.Audio.SampleRateHz = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID, "user_id", deps.UserID),
		sessionID:        deps.SessionID,
		userID:           deps.UserID,
		remoteAddr:       deps.RemoteAddr,
		pipeline:         deps.Pipeline,
		agent:            deps.Agent,
		metrics:          deps.Metrics,
		journal:          deps.Journal,
		events:           deps.Events,
		presence:         deps.Presence,
		tracer:           deps.Tracer,
		cfg:              cfg,
		now:              deps.Now,
		startedAt:        deps.Now(),
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		closeCode:        websocket.CloseNormalClosure,
	}
	s.state.Store(int32(StateAuthenticating))
	return s, nil
}

func (s *Session) ID() string           { return s.sessionID }
func (s *Session) UserID() string       { return s.userID }
func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) State() State {
	return State(s.state.Load())
}

// apply moves the session along Next. Invalid events are ignored.
func (s *Session) apply(e Event) State {
	cur := s.State()
	next, ok := Next(cur, e)
	if !ok {
		s.logger.Debug("ignored session event", "state", cur.String(), "event", e.String())
		return cur
	}
	s.state.Store(int32(next))
	return next
}

// Cancel ends the session with a going-away close, used on server shutdown.
func (s *Session) Cancel() {
	s.setClose(websocket.CloseGoingAway, "server shutting down")
	s.cancel()
}

// Notify sends a recoverable error frame, used for drain notices.
func (s *Session) Notify(code, message string) error {
	return s.sendJSONPriority(protocol.ServerError{
		Type:        protocol.TypeError,
		Code:        code,
		Message:     message,
		Recoverable: true,
	})
}

func (s *Session) setClose(code int, reason string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closeCode = code
	s.closeReason = reason
}

func (s *Session) closeFrame() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeCode, s.closeReason
}

// Run serves the connection until it closes. The returned error is non-nil
// only when the session failed on the transport.
func (s *Session) Run() error {
	defer s.cancel()

	s.apply(EventAuthenticated)

	if s.cfg.MaxFrameBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:        s.conn,
			ctx:       s.ctx,
			cfg:       s.cfg,
			priority:  s.outboundPriority,
			normal:    s.outboundNormal,
			closeCode: s.closeFrame,
			onWrite: func(f outboundFrame) {
				if f.binaryPair != nil {
					s.metrics.RecordOutboundAudio(len(f.binaryPair.data))
				}
			},
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	// The welcome is queued before the worker exists, so it always precedes
	// any transcript or agent response on the wire.
	_ = s.sendJSON(protocol.ServerWelcome{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       s.sessionID,
		UserID:          s.userID,
		Audio:           s.cfg.Audio,
	})
	s.opened()

	frames := make(chan []byte, s.cfg.FrameQueueSize)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.processFrames(frames)
	}()

	readCh := make(chan inboundFrame, 16)
	go s.readLoop(readCh)

	limiter := newInboundAudioLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds)

	var heartbeat <-chan time.Time
	if s.presence != nil {
		t := time.NewTicker(s.cfg.PresenceInterval)
		defer t.Stop()
		heartbeat = t.C
	}
	var deadline <-chan time.Time
	if s.cfg.MaxSessionDuration > 0 {
		t := time.NewTimer(s.cfg.MaxSessionDuration)
		defer t.Stop()
		deadline = t.C
	}

	var (
		reason      string
		runErr      error
		writerAlive = true
	)
loop:
	for {
		select {
		case in, ok := <-readCh:
			if !ok {
				s.apply(EventTransportError)
				reason = "read_closed"
				runErr = core.NewTransportError("read", errors.New("read loop ended"))
				break loop
			}
			if in.err != nil {
				if errors.Is(in.err, websocket.ErrReadLimit) {
					// The reader is unusable after an oversized frame.
					s.apply(EventCloseRequested)
					reason = protocol.CodeFrameLimit
					s.setClose(websocket.CloseMessageTooBig, "frame too large")
				} else if isCleanClose(in.err) {
					s.apply(EventCloseRequested)
					reason = "client_close"
				} else {
					s.apply(EventTransportError)
					reason = "transport_error"
					runErr = core.NewTransportError("read", in.err)
				}
				break loop
			}
			switch in.messageType {
			case websocket.BinaryMessage:
				s.acceptFrame(frames, limiter, in.data)
			case websocket.TextMessage:
				if s.handleText(in.data) {
					s.apply(EventCloseRequested)
					reason = "client_stop"
					break loop
				}
			}
		case err := <-writerErrCh:
			writerAlive = false
			if err == nil {
				// The writer only exits cleanly after the context ends.
				s.apply(EventCloseRequested)
				reason = "shutdown"
				break loop
			}
			s.apply(EventTransportError)
			reason = "transport_error"
			runErr = core.NewTransportError("write", err)
			break loop
		case <-heartbeat:
			s.refreshPresence()
		case <-deadline:
			s.apply(EventCloseRequested)
			reason = "max_duration"
			s.setClose(websocket.CloseNormalClosure, "session duration limit reached")
			break loop
		case <-s.ctx.Done():
			s.apply(EventCloseRequested)
			reason = "shutdown"
			break loop
		}
	}

	// Cancelling the context aborts in-flight pipeline and agent calls; their
	// late results are discarded by the worker.
	s.cancel()
	close(frames)
	<-workerDone

	if writerAlive {
		wait := 250 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		timer.Stop()
	}
	_ = s.conn.Close()

	failed := s.State() == StateFailed
	final := s.apply(EventReleased)
	s.closed(reason, failed, final, runErr)
	return runErr
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// acceptFrame offers a frame to the worker without blocking. A full queue
// drops the frame; dropped audio is treated like a failed ingestion.
func (s *Session) acceptFrame(frames chan<- []byte, limiter *inboundAudioLimiter, data []byte) {
	if len(data) == 0 {
		return
	}
	s.apply(EventFrame)
	s.framesReceived.Add(1)

	if !limiter.Allow(len(data)) {
		s.framesDropped.Add(1)
		s.metrics.RecordFrame("rate_limited", len(data))
		s.logger.Debug("inbound audio over rate; dropping frame", "bytes", len(data))
		return
	}
	select {
	case frames <- data:
		s.metrics.RecordFrame("accepted", len(data))
	default:
		s.framesDropped.Add(1)
		s.metrics.RecordFrame("dropped", len(data))
		s.logger.Warn("inbound queue full; dropping frame", "queue_size", cap(frames), "bytes", len(data))
	}
}

// handleText answers control messages. It reports true when the client
// asked to stop.
func (s *Session) handleText(data []byte) bool {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.logger.Debug("ignoring client text frame", "error", err)
		return false
	}
	switch m := msg.(type) {
	case protocol.ClientPing:
		_ = s.sendJSONPriority(protocol.ServerPong{Type: protocol.TypePong})
	case protocol.ClientStop:
		s.logger.Info("client requested stop", "reason", m.Reason)
		return true
	}
	return false
}

func (s *Session) processFrames(frames <-chan []byte) {
	for audio := range frames {
		if s.ctx.Err() != nil {
			return
		}
		s.handleFrame(audio)
	}
}

// handleFrame runs one frame through ingest, agent and synthesis. Every
// failure here is reported to the client and the session continues.
func (s *Session) handleFrame(audio []byte) {
	ctx := s.ctx

	tr, err := s.pipeline.Process(ctx, audio)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.ingestionErrors.Add(1)
		stage := ""
		var cerr *core.Error
		if errors.As(err, &cerr) {
			stage = cerr.Code
		}
		s.logger.Warn("audio ingestion failed", "stage", stage, "error", err)
		_ = s.sendError(protocol.CodeIngestion, stage, "audio could not be processed", true)
		return
	}
	if tr == nil || strings.TrimSpace(tr.Text) == "" {
		return
	}

	if err := s.sendJSON(protocol.ServerTranscript{
		Type:     protocol.TypeTranscript,
		Text:     tr.Text,
		Language: tr.Language,
	}); err != nil {
		return
	}

	reply, err := s.query(ctx, tr)
	s.publish(tr, reply)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.agentErrors.Add(1)
		s.logger.Warn("agent call failed", "error", err)
		_ = s.sendError(protocol.CodeAgentCall, "", "assistant is unavailable right now", true)
		return
	}

	s.history = agent.TrimHistory(append(s.history,
		agent.Turn{Role: agent.RoleUser, Text: tr.Text},
		agent.Turn{Role: agent.RoleModel, Text: reply.Text},
	), s.cfg.HistoryTurns)

	lang := reply.Language
	if lang == "" {
		lang = tr.Language
	}
	if err := s.sendJSON(protocol.ServerAgentResponse{
		Type:     protocol.TypeAgentResponse,
		Text:     reply.Text,
		Language: lang,
	}); err != nil {
		return
	}

	synth, err := s.pipeline.Synthesize(ctx, reply.Text, lang)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("speech synthesis failed", "error", err)
		_ = s.sendError(protocol.CodeSynthesis, "", "spoken reply unavailable", true)
		return
	}
	if synth == nil || len(synth.Audio) == 0 {
		return
	}
	_ = s.sendBinaryPair(protocol.ServerAgentAudio{
		Type:         protocol.TypeAgentAudio,
		Format:       synth.Format,
		SampleRateHz: s.cfg.SynthSampleRate,
		Bytes:        len(synth.Audio),
	}, synth.Audio)
}

func (s *Session) query(ctx context.Context, tr *voice.Transcript) (*agent.Reply, error) {
	if s.cfg.AgentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AgentTimeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "agent.send_query", trace.WithAttributes(
		attribute.String("agent", s.agent.Name()),
		attribute.String("language", tr.Language),
	))
	defer span.End()

	q := agent.Query{
		UserID:    s.userID,
		SessionID: s.sessionID,
		Text:      tr.Text,
		Language:  tr.Language,
		History:   append([]agent.Turn(nil), s.history...),
	}

	start := time.Now()
	type result struct {
		reply *agent.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		r, err := s.agent.SendQuery(ctx, q)
		done <- result{r, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = result{err: ctx.Err()}
	}
	if r.err == nil && (r.reply == nil || strings.TrimSpace(r.reply.Text) == "") {
		r.err = errors.New("empty agent reply")
	}
	s.metrics.RecordStage(stageAgent, time.Since(start), r.err)
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
		return nil, core.NewAgentCallError(r.err)
	}
	return r.reply, nil
}

func (s *Session) publish(tr *voice.Transcript, reply *agent.Reply) {
	ev := events.Transcript{
		SessionID: s.sessionID,
		UserID:    s.userID,
		Language:  tr.Language,
		Text:      tr.Text,
		At:        s.now(),
	}
	if reply != nil {
		ev.Reply = reply.Text
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	if err := s.events.PublishTranscript(ctx, ev); err != nil {
		s.logger.Warn("publish transcript failed", "error", err)
	}
}

func (s *Session) opened() {
	s.metrics.RecordSessionStart()
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	if err := s.journal.SessionOpened(ctx, journal.Entry{
		SessionID:  s.sessionID,
		UserID:     s.userID,
		RemoteAddr: s.remoteAddr,
		CreatedAt:  s.startedAt,
		State:      StateOpen.String(),
	}); err != nil {
		s.logger.Warn("journal open failed", "error", err)
	}
	s.refreshPresenceCtx(ctx)
	s.logger.Info("voice session opened", "remote_addr", s.remoteAddr)
}

func (s *Session) refreshPresence() {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	s.refreshPresenceCtx(ctx)
}

func (s *Session) refreshPresenceCtx(ctx context.Context) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Put(ctx, presence.Entry{SessionID: s.sessionID, UserID: s.userID, StartedAt: s.startedAt}); err != nil {
		s.logger.Warn("presence refresh failed", "error", err)
	}
}

func (s *Session) closed(reason string, failed bool, final State, runErr error) {
	duration := s.now().Sub(s.startedAt)
	outcome := "closed"
	if failed {
		outcome = "failed"
	}
	s.metrics.RecordSessionEnd(outcome, duration)

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	if s.presence != nil {
		if err := s.presence.Delete(ctx, s.sessionID); err != nil {
			s.logger.Warn("presence delete failed", "error", err)
		}
	}
	if err := s.journal.SessionClosed(ctx, journal.Entry{
		SessionID:       s.sessionID,
		UserID:          s.userID,
		ClosedAt:        s.now(),
		State:           outcome,
		Reason:          reason,
		FramesReceived:  s.framesReceived.Load(),
		FramesDropped:   s.framesDropped.Load(),
		IngestionErrors: s.ingestionErrors.Load(),
		AgentErrors:     s.agentErrors.Load(),
	}); err != nil {
		s.logger.Warn("journal close failed", "error", err)
	}

	attrs := []any{
		"reason", reason,
		"state", final.String(),
		"frames", s.framesReceived.Load(),
		"dropped", s.framesDropped.Load(),
		"ingestion_errors", s.ingestionErrors.Load(),
		"agent_errors", s.agentErrors.Load(),
		"duration_ms", duration.Milliseconds(),
	}
	if failed {
		s.logger.Error("voice session failed", append(attrs, "error", runErr)...)
		return
	}
	s.logger.Info("voice session ended", attrs...)
}

func (s *Session) sendError(code, stage, message string, recoverable bool) error {
	return s.sendJSON(protocol.ServerError{
		Type:        protocol.TypeError,
		Code:        code,
		Stage:       stage,
		Message:     message,
		Recoverable: recoverable,
	})
}

func (s *Session) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{textPayload: payload})
}

func (s *Session) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundPriority <- outboundFrame{textPayload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Session) sendBinaryPair(header any, data []byte) error {
	headerPayload, err := json.Marshal(header)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{binaryPair: &binaryPair{header: headerPayload, data: data}})
}

var (
	errBackpressure  = errors.New("outbound queue full")
	errSessionClosed = errors.New("session closed")
)

// enqueueNormal blocks until there is room so responses are never dropped
// or reordered. It gives up once the session context ends.
func (s *Session) enqueueNormal(frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
	}
	select {
	case s.outboundNormal <- frame:
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	}
}
