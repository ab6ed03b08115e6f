// Package events publishes transcripts for downstream report-intake
// consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "voice.transcripts"

// Transcript is the payload published for each non-empty transcript.
type Transcript struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Language  string    `json:"language"`
	Text      string    `json:"text"`
	Reply     string    `json:"reply,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	PublishTranscript(ctx context.Context, t Transcript) error
}

// Nop discards events.
type Nop struct{}

func (Nop) PublishTranscript(context.Context, Transcript) error { return nil }

// NATS publishes on <prefix>.<user_id>.
type NATS struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// ConnectNATS dials url and returns a publisher that owns the connection.
func ConnectNATS(url string, log *slog.Logger, opts ...nats.Option) (*NATS, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("no NATS url configured")
	}
	if log == nil {
		log = slog.Default()
	}
	options := append([]nats.Option{
		nats.Name("civic-voice-gateway"),
		nats.Timeout(5 * time.Second),
	}, opts...)
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("servers", url))
	return &NATS{conn: conn, prefix: DefaultSubjectPrefix, log: log}, nil
}

// Subject returns the subject a user's transcripts are published on.
func (n *NATS) Subject(userID string) string {
	return n.prefix + "." + subjectToken(userID)
}

func (n *NATS) PublishTranscript(ctx context.Context, t Transcript) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcript event: %w", err)
	}
	if err := n.conn.Publish(n.Subject(t.UserID), data); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	return nil
}

func (n *NATS) Healthy() bool {
	return n != nil && n.conn != nil && n.conn.Status() == nats.CONNECTED
}

func (n *NATS) Close() {
	if n == nil || n.conn == nil {
		return
	}
	n.log.Info("closing NATS connection")
	_ = n.conn.Drain()
	n.conn.Close()
}

// subjectToken makes a user id safe for use as one NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "anonymous"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
