// Package langid provides spoken-language detection for audio buffers.
package langid

import (
	"context"
	"strings"
)

// Detector identifies the spoken language of an audio buffer.
type Detector interface {
	// Name returns the provider identifier.
	Name() string

	// Detect returns a BCP-47 primary language tag such as "en" or "hi".
	Detect(ctx context.Context, audio []byte, opts DetectOptions) (string, error)
}

// DetectOptions describes the audio handed to Detect.
type DetectOptions struct {
	Format     string // "wav" or "pcm_s16le"
	SampleRate int
}

// Static always reports the same language. It stands in when no detection
// provider is configured.
type Static struct {
	Language string
}

func (s Static) Name() string { return "static" }

func (s Static) Detect(ctx context.Context, _ []byte, _ DetectOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Language == "" {
		return "en", nil
	}
	return s.Language, nil
}

// Normalize reduces provider tags like "hi-IN" to their primary subtag.
func Normalize(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return tag
}
