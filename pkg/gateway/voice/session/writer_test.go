package session

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu      sync.Mutex
	writes  []recordedWrite
	failErr error
	closed  bool
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)

	normal <- outboundFrame{textPayload: []byte(`{"type":"transcript","text":"hello","language":"en"}`)}
	priority <- outboundFrame{textPayload: []byte(`{"type":"pong"}`)}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d: %+v", len(writes), writes)
	}
	if !strings.Contains(writes[0].data, `"type":"pong"`) {
		t.Fatalf("first write was not pong: %q", writes[0].data)
	}
}

func TestOutboundWriter_NormalFramesKeepOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame)
	normal := make(chan outboundFrame, 8)

	want := []string{
		`{"type":"transcript","text":"one"}`,
		`{"type":"agent_response","text":"two"}`,
		`{"type":"transcript","text":"three"}`,
	}
	for _, p := range want {
		normal <- outboundFrame{textPayload: []byte(p)}
	}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != len(want) {
		t.Fatalf("writes=%d, want %d", len(writes), len(want))
	}
	for i := range want {
		if writes[i].data != want[i] {
			t.Fatalf("write[%d]=%q, want %q", i, writes[i].data, want[i])
		}
	}
}

func TestOutboundWriter_BinaryPairWrittenInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)

	normal <- outboundFrame{
		binaryPair: &binaryPair{
			header: []byte(`{"type":"agent_audio","format":"pcm","bytes":2}`),
			data:   []byte{0x01, 0x02},
		},
	}
	close(priority)
	close(normal)

	var observed []outboundFrame
	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
		onWrite:  func(f outboundFrame) { observed = append(observed, f) },
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d: %+v", len(writes), writes)
	}
	if writes[0].messageType != websocket.TextMessage {
		t.Fatalf("first write type=%d, want TextMessage", writes[0].messageType)
	}
	if writes[1].messageType != websocket.BinaryMessage {
		t.Fatalf("second write type=%d, want BinaryMessage", writes[1].messageType)
	}
	if len(observed) != 1 || observed[0].binaryPair == nil {
		t.Fatalf("onWrite observed %+v", observed)
	}
}

func TestOutboundWriter_ShutdownFlushesAndSendsCloseCode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)
	normal <- outboundFrame{textPayload: []byte(`{"type":"error","code":"ingestion_error"}`)}

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
		closeCode: func() (int, string) {
			return websocket.CloseGoingAway, "server shutting down"
		},
	}

	cancel()
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("expected flushed frame and close frame, got %+v", writes)
	}
	if !strings.Contains(writes[0].data, "ingestion_error") {
		t.Fatalf("queued frame not flushed first: %q", writes[0].data)
	}
	closeFrame := writes[1]
	if closeFrame.messageType != websocket.CloseMessage {
		t.Fatalf("last write type=%d, want CloseMessage", closeFrame.messageType)
	}
	if code := int(binary.BigEndian.Uint16([]byte(closeFrame.data[:2]))); code != websocket.CloseGoingAway {
		t.Fatalf("close code=%d, want %d", code, websocket.CloseGoingAway)
	}
	if !ws.closed {
		t.Fatalf("socket not closed after shutdown")
	}
}

func TestOutboundWriter_ReturnsWriteError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("broken pipe")
	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)
	normal <- outboundFrame{textPayload: []byte(`{"type":"transcript"}`)}

	ws := &fakeWSWriter{failErr: boom}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}
	if err := w.Run(); !errors.Is(err, boom) {
		t.Fatalf("Run() error=%v, want %v", err, boom)
	}
}
