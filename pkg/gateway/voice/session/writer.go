package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	textPayload   []byte
	binaryPayload []byte
	binaryPair    *binaryPair
}

// binaryPair is a JSON header immediately followed by its binary body. The
// two are written back to back so no other frame can land between them.
type binaryPair struct {
	header []byte
	data   []byte
}

// outboundWriter is the only goroutine that writes to the socket. Frames on
// normal are written in enqueue order; control frames on priority may
// overtake them.
type outboundWriter struct {
	ws        wsWriter
	ctx       context.Context
	cfg       Config
	priority  <-chan outboundFrame
	normal    <-chan outboundFrame
	closeCode func() (int, string)
	onWrite   func(outboundFrame)
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for {
		select {
		case <-done:
			w.shutdown(writeTimeout)
			return nil
		default:
		}

		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-done:
			w.shutdown(writeTimeout)
			return nil
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

// shutdown drains what is already queued for a short bounded time, then
// sends the close frame and closes the socket.
func (w *outboundWriter) shutdown(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 16

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		var (
			frame outboundFrame
			ok    bool
		)
		select {
		case frame, ok = <-w.priority:
		default:
			select {
			case frame, ok = <-w.normal:
			default:
			}
		}
		if !ok {
			break
		}
		if err := w.writeFrame(frame, writeTimeout); err != nil {
			break
		}
	}

	code, reason := websocket.CloseNormalClosure, ""
	if w.closeCode != nil {
		code, reason = w.closeCode()
	}
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	_ = w.ws.Close()
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	deadline := time.Now().Add(writeTimeout)

	if frame.binaryPair != nil {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		if err := w.ws.WriteMessage(websocket.TextMessage, frame.binaryPair.header); err != nil {
			return err
		}
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		if err := w.ws.WriteMessage(websocket.BinaryMessage, frame.binaryPair.data); err != nil {
			return err
		}
		w.wrote(frame)
		return nil
	}

	if len(frame.textPayload) > 0 {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		if err := w.ws.WriteMessage(websocket.TextMessage, frame.textPayload); err != nil {
			return err
		}
		w.wrote(frame)
		return nil
	}
	if len(frame.binaryPayload) > 0 {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		if err := w.ws.WriteMessage(websocket.BinaryMessage, frame.binaryPayload); err != nil {
			return err
		}
		w.wrote(frame)
		return nil
	}

	return nil
}

func (w *outboundWriter) wrote(frame outboundFrame) {
	if w.onWrite != nil {
		w.onWrite(frame)
	}
}
