package voice

import (
	"context"
	"strings"
)

// Audio is one synthesized reply received from the gateway.
type Audio struct {
	Data         []byte
	Format       string
	SampleRateHz int
}

// AudioChannel is the microphone. Start must not block: the capture loop
// runs on its own goroutine and hands each frame to emit, which never
// blocks either.
type AudioChannel interface {
	// RequestPermission blocks until the platform grants or denies access.
	RequestPermission(ctx context.Context) error
	Start(emit func(frame []byte)) error
	Stop() error
}

// AudioSink plays synthesized replies. Stop drops anything buffered; the
// sink may be played again afterwards.
type AudioSink interface {
	Play(ctx context.Context, a Audio) error
	Stop() error
}

// TokenSource supplies the credential attached to each dial, so a
// reconnect can present a refreshed token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that never changes.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}
