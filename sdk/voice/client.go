// Package voice is the client side of the voice gateway: it owns
// microphone capture, reply playback and connection recovery for one
// session at a time.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/civic-voice/pkg/core"
	"github.com/vango-go/civic-voice/pkg/gateway/voice/protocol"
)

const (
	defaultDialTimeout   = 10 * time.Second
	defaultWriteTimeout  = 5 * time.Second
	defaultSendQueue     = 32
	defaultPlaybackQueue = 16
	defaultMessageBuffer = 64
	defaultTokenParam    = "token"
)

var (
	ErrSessionActive      = errors.New("voice: a session is already active")
	ErrStopped            = errors.New("voice: session stopped")
	ErrReconnectExhausted = errors.New("voice: reconnect attempts exhausted")
)

type Config struct {
	// Endpoint is the ws:// or wss:// URL used when Start is given none.
	Endpoint        string
	TokenSource     TokenSource
	TokenQueryParam string

	Audio AudioChannel
	Sink  AudioSink

	Policy ReconnectPolicy
	Dialer *websocket.Dialer

	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	PlaybackQueueSize int
	MessageBuffer     int

	// OnStateChange is called after every transition, outside the client
	// lock.
	OnStateChange func(from, to State)

	Logger *slog.Logger
}

// Client runs at most one voice session at a time.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	dialer   *websocket.Dialer
	messages chan any

	mu        sync.Mutex
	state     State
	attempts  int
	active    *run
	capturing bool
	err       error
}

// run is one Start..Stop span. It survives reconnects.
type run struct {
	endpoint string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	frames   chan []byte
	playback chan Audio

	stopped   atomic.Bool
	streaming atomic.Bool
	dropped   atomic.Int64

	// Guarded by Client.mu.
	conn     *websocket.Conn
	launched bool
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Audio == nil {
		return nil, core.NewInvalidRequestError("audio channel is required")
	}
	if strings.TrimSpace(cfg.TokenQueryParam) == "" {
		cfg.TokenQueryParam = defaultTokenParam
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueue
	}
	if cfg.PlaybackQueueSize <= 0 {
		cfg.PlaybackQueueSize = defaultPlaybackQueue
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = defaultMessageBuffer
	}
	cfg.Policy = cfg.Policy.withDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		dialer:   dialer,
		messages: make(chan any, cfg.MessageBuffer),
	}, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRecording reports whether microphone capture is running. It stays true
// while the client reconnects.
func (c *Client) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// Err returns why the last session ended on its own, or nil after an
// explicit Stop.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Messages delivers decoded server text frames (protocol.Server* values).
// Frames are dropped when the consumer falls behind. The channel is never
// closed.
func (c *Client) Messages() <-chan any {
	return c.messages
}

// Wait blocks until the current session ends and returns Err.
func (c *Client) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.ctx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Err()
}

// StartVoiceChat is Start reduced to a success flag.
func (c *Client) StartVoiceChat(ctx context.Context, endpoint string) bool {
	return c.Start(ctx, endpoint) == nil
}

func (c *Client) StopVoiceChat() {
	c.Stop()
}

// Start requests microphone permission, dials endpoint and begins
// streaming. It returns once the gateway has welcomed the session.
// Calling Start while a session is active returns ErrSessionActive and
// touches nothing.
func (c *Client) Start(ctx context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.cfg.Endpoint)
	}
	if endpoint == "" {
		return core.NewInvalidRequestError("endpoint is required")
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &run{
		endpoint: endpoint,
		ctx:      rctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		frames:   make(chan []byte, c.cfg.SendQueueSize),
		playback: make(chan Audio, c.cfg.PlaybackQueueSize),
	}

	c.mu.Lock()
	prev := c.state
	next, ok := Next(prev, EventStart)
	if !ok {
		c.mu.Unlock()
		cancel()
		return ErrSessionActive
	}
	c.state = next
	c.active = r
	c.attempts = 0
	c.err = nil
	c.mu.Unlock()
	c.notify(prev, next)

	if err := c.cfg.Audio.RequestPermission(ctx); err != nil {
		perr := core.NewPermissionDeniedError("microphone permission denied", err)
		c.finish(r, EventPermissionDenied, perr)
		return perr
	}
	if !c.apply(r, EventPermissionGranted, nil) {
		return ErrStopped
	}

	// The first dial ends on whichever comes first: the caller giving up
	// or Stop cancelling the run.
	dctx, cancelDial := context.WithCancel(ctx)
	unhook := context.AfterFunc(r.ctx, cancelDial)
	conn, err := c.dial(dctx, r.endpoint)
	unhook()
	cancelDial()
	if err != nil {
		if r.stopped.Load() {
			return ErrStopped
		}
		c.finish(r, EventConnectFailed, err)
		return err
	}
	if !c.connected(r, conn) {
		return ErrStopped
	}
	go c.loop(r, conn)

	if err := c.startCapture(r); err != nil {
		c.Stop()
		return err
	}
	return nil
}

// Stop halts capture, then closes the socket with a normal closure so the
// gateway can tell a user stop from a failure. It waits for the session's
// goroutines and is idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	prev := c.state
	next, ok := Next(prev, EventStop)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.state = next
	r := c.active
	capturing := c.capturing
	c.capturing = false
	var (
		conn     *websocket.Conn
		launched bool
	)
	if r != nil {
		r.stopped.Store(true)
		conn = r.conn
		launched = r.launched
	}
	c.mu.Unlock()
	c.notify(prev, next)

	if capturing {
		if err := c.cfg.Audio.Stop(); err != nil {
			c.logger.Warn("stop capture failed", "error", err)
		}
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stop"),
			time.Now().Add(time.Second))
	}
	if r != nil {
		r.cancel()
		if launched {
			<-r.done
		}
	}
	c.stopSink()
}

// apply performs ev for r if r is still the active, unstopped run. fn runs
// under the lock when the transition is taken.
func (c *Client) apply(r *run, ev Event, fn func()) bool {
	c.mu.Lock()
	if c.active != r || r.stopped.Load() {
		c.mu.Unlock()
		return false
	}
	prev := c.state
	next, ok := Next(prev, ev)
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.state = next
	if fn != nil {
		fn()
	}
	c.mu.Unlock()
	c.notify(prev, next)
	return true
}

// finish ends r on its own terms and records cause for Err. It does not
// wait for the run's goroutines since it is called from them.
func (c *Client) finish(r *run, ev Event, cause error) {
	var capturing bool
	if !c.apply(r, ev, func() {
		c.err = cause
		capturing = c.capturing
		c.capturing = false
		r.stopped.Store(true)
		r.streaming.Store(false)
	}) {
		return
	}
	if capturing {
		if err := c.cfg.Audio.Stop(); err != nil {
			c.logger.Warn("stop capture failed", "error", err)
		}
	}
	r.cancel()
	c.stopSink()
}

func (c *Client) connected(r *run, conn *websocket.Conn) bool {
	ok := c.apply(r, EventConnected, func() {
		r.conn = conn
		r.launched = true
		r.streaming.Store(true)
		c.attempts = 0
	})
	if !ok {
		_ = conn.Close()
	}
	return ok
}

func (c *Client) startCapture(r *run) error {
	if err := c.cfg.Audio.Start(r.offer); err != nil {
		return core.NewPermissionDeniedError("start capture", err)
	}
	c.mu.Lock()
	if r.stopped.Load() {
		c.mu.Unlock()
		_ = c.cfg.Audio.Stop()
		return ErrStopped
	}
	c.capturing = true
	c.mu.Unlock()
	return nil
}

func (c *Client) stopSink() {
	if c.cfg.Sink == nil {
		return
	}
	if err := c.cfg.Sink.Stop(); err != nil {
		c.logger.Warn("stop playback failed", "error", err)
	}
}

func (c *Client) notify(from, to State) {
	if c.cfg.OnStateChange != nil && from != to {
		c.cfg.OnStateChange(from, to)
	}
}

// offer queues a captured frame without blocking. Frames captured while no
// connection is streaming, or beyond the queue, are dropped.
func (r *run) offer(frame []byte) {
	if len(frame) == 0 || r.stopped.Load() || !r.streaming.Load() {
		return
	}
	select {
	case r.frames <- append([]byte(nil), frame...):
	default:
		r.dropped.Add(1)
	}
}

// loop serves connections until the run stops or the reconnect budget is
// spent.
func (c *Client) loop(r *run, conn *websocket.Conn) {
	defer close(r.done)
	for {
		err := c.serve(r, conn)
		if r.ctx.Err() != nil {
			return
		}
		c.logger.Warn("voice connection lost", "error", err)
		if !c.apply(r, EventConnectionLost, func() {
			r.conn = nil
			r.streaming.Store(false)
		}) {
			return
		}
		if conn = c.reconnect(r); conn == nil {
			return
		}
	}
}

func (c *Client) reconnect(r *run) *websocket.Conn {
	policy := c.cfg.Policy
	for {
		c.mu.Lock()
		attempt := c.attempts
		c.mu.Unlock()

		if !policy.ShouldRetry(attempt, policy.MaxAttempts) {
			c.logger.Warn("voice reconnect budget exhausted", "attempts", attempt)
			c.finish(r, EventRetriesExhausted, ErrReconnectExhausted)
			return nil
		}

		timer := time.NewTimer(policy.DelayFor(attempt + 1))
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if !c.apply(r, EventRetry, func() { c.attempts++ }) {
			return nil
		}
		conn, err := c.dial(r.ctx, r.endpoint)
		if err == nil {
			if !c.connected(r, conn) {
				return nil
			}
			c.logger.Info("voice connection restored", "attempt", attempt+1)
			return conn
		}
		if r.ctx.Err() != nil {
			return nil
		}
		var cerr *core.Error
		if errors.As(err, &cerr) && !cerr.IsRetryable() {
			c.finish(r, EventConnectFailed, err)
			return nil
		}
		c.logger.Warn("voice reconnect failed", "attempt", attempt+1, "error", err)
		if !c.apply(r, EventConnectionLost, nil) {
			return nil
		}
	}
}

// serve runs the sender, reader and player for one connection. It returns
// when any of them fails or the run is cancelled.
func (c *Client) serve(r *run, conn *websocket.Conn) error {
	g, ctx := errgroup.WithContext(r.ctx)
	g.Go(func() error {
		<-ctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error { return c.sendLoop(ctx, r, conn) })
	g.Go(func() error { return c.readLoop(r, conn) })
	g.Go(func() error {
		c.playLoop(ctx, r)
		return nil
	})
	return g.Wait()
}

func (c *Client) sendLoop(ctx context.Context, r *run, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-r.frames:
			if r.stopped.Load() {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return core.NewTransportError("write", err)
			}
		}
	}
}

func (c *Client) readLoop(r *run, conn *websocket.Conn) error {
	var pending *protocol.ServerAgentAudio
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return core.NewTransportError("read", err)
		}
		switch typ {
		case websocket.TextMessage:
			msg, err := protocol.DecodeServerMessage(data)
			if err != nil {
				c.logger.Debug("skipping server frame", "error", err)
				continue
			}
			if hdr, ok := msg.(protocol.ServerAgentAudio); ok {
				pending = &hdr
			}
			c.emit(msg)
		case websocket.BinaryMessage:
			a := Audio{Data: data, Format: "pcm"}
			if pending != nil {
				a.Format = pending.Format
				a.SampleRateHz = pending.SampleRateHz
				pending = nil
			}
			select {
			case r.playback <- a:
			default:
				c.logger.Debug("playback queue full; dropping reply audio", "bytes", len(data))
			}
		}
	}
}

func (c *Client) playLoop(ctx context.Context, r *run) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-r.playback:
			if c.cfg.Sink == nil {
				continue
			}
			if err := c.cfg.Sink.Play(ctx, a); err != nil && ctx.Err() == nil {
				c.logger.Warn("playback failed", "error", err)
			}
		}
	}
}

func (c *Client) emit(msg any) {
	select {
	case c.messages <- msg:
	default:
	}
}

// dial opens the socket and waits for the welcome frame.
func (c *Client) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	var token string
	if c.cfg.TokenSource != nil {
		t, err := c.cfg.TokenSource.Token(ctx)
		if err != nil {
			return nil, core.NewTransportError("token", err)
		}
		token = t
	}
	target, err := withToken(endpoint, c.cfg.TokenQueryParam, token)
	if err != nil {
		return nil, core.NewInvalidRequestError(err.Error())
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	// DialContext applies dctx only as a deadline, so cancellation closes
	// the socket underneath the handshake and the welcome read.
	guard := &connGuard{}
	release := context.AfterFunc(dctx, guard.close)
	defer release()

	conn, resp, err := guardedDialer(c.dialer, guard).DialContext(dctx, target, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, credentialError(resp, token)
			case http.StatusTooManyRequests:
				return nil, core.NewRateLimitError("gateway refused the connection: too many requests", retryAfter(resp))
			case http.StatusServiceUnavailable:
				return nil, core.NewOverloadedError("gateway unavailable")
			}
			return nil, core.NewTransportError("dial", fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err))
		}
		return nil, core.NewTransportError("dial", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	typ, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, core.NewTransportError("read welcome", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if typ != websocket.TextMessage {
		_ = conn.Close()
		return nil, core.NewTransportError("read welcome", fmt.Errorf("unexpected first frame type %d", typ))
	}

	msg, err := protocol.DecodeServerMessage(payload)
	if err != nil {
		_ = conn.Close()
		return nil, core.NewTransportError("read welcome", err)
	}
	switch m := msg.(type) {
	case protocol.ServerWelcome:
		if !release() {
			_ = conn.Close()
			return nil, core.NewTransportError("dial", context.Cause(dctx))
		}
		c.emit(m)
		return conn, nil
	case protocol.ServerError:
		_ = conn.Close()
		apiErr := core.NewAPIError(m.Message)
		apiErr.Code = m.Code
		return nil, apiErr
	default:
		_ = conn.Close()
		return nil, core.NewTransportError("read welcome", fmt.Errorf("unexpected first frame %T", msg))
	}
}

type connGuard struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (g *connGuard) set(nc net.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		_ = nc.Close()
		return
	}
	g.conn = nc
}

func (g *connGuard) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if g.conn != nil {
		_ = g.conn.Close()
	}
}

// guardedDialer returns a copy of d that hands each raw connection to g.
// Dialers with their own NetDial or NetDialTLSContext are used as is.
func guardedDialer(d *websocket.Dialer, g *connGuard) *websocket.Dialer {
	if d.NetDial != nil || d.NetDialTLSContext != nil {
		return d
	}
	cp := *d
	next := cp.NetDialContext
	if next == nil {
		next = (&net.Dialer{}).DialContext
	}
	cp.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		nc, err := next(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		g.set(nc)
		return nc, nil
	}
	return &cp
}

func credentialError(resp *http.Response, token string) error {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
	}
	if token == "" || strings.TrimSpace(string(body)) == "missing credential" {
		return core.NewMissingCredentialError()
	}
	return core.NewInvalidCredentialError(errors.New(strings.TrimSpace(string(body))))
}

func retryAfter(resp *http.Response) int {
	n, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func withToken(endpoint, param, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set(param, token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
