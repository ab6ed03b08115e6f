// Package agent defines the downstream conversational collaborator that
// answers transcribed citizen queries.
package agent

import (
	"context"
	"strings"
)

// Agent answers one transcribed utterance.
type Agent interface {
	Name() string
	SendQuery(ctx context.Context, q Query) (*Reply, error)
}

// Query is one utterance plus the recent turns of the same session.
type Query struct {
	UserID    string
	SessionID string
	Text      string
	Language  string
	History   []Turn
}

// Turn is a prior exchange. Role is "user" or "model".
type Turn struct {
	Role string
	Text string
}

// Reply is the agent's answer.
type Reply struct {
	Text     string
	Language string
}

const (
	RoleUser  = "user"
	RoleModel = "model"
)

var acknowledgements = map[string]string{
	"en": "Agent received your audio. Processing...",
	"hi": "एजेंट को आपका ऑडियो मिल गया है। प्रक्रिया जारी है...",
	"cg": "एजेंट ल तोर आवाज मिल गे हे। काम चलत हे...",
}

// Ack replies with a fixed acknowledgement in the query's language. It is
// used when no model is configured.
type Ack struct{}

func (Ack) Name() string { return "ack" }

func (Ack) SendQuery(ctx context.Context, q Query) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lang := languageKey(q.Language)
	return &Reply{Text: acknowledgements[lang], Language: lang}, nil
}

// languageKey maps a detected tag onto one of the supported prompt
// languages, defaulting to English.
func languageKey(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	switch tag {
	case "hi", "cg":
		return tag
	case "hne":
		return "cg"
	default:
		return "en"
	}
}

// TrimHistory keeps the last n turns.
func TrimHistory(h []Turn, n int) []Turn {
	if n <= 0 || len(h) <= n {
		return h
	}
	out := make([]Turn, n)
	copy(out, h[len(h)-n:])
	return out
}
