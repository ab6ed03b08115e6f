// Package stt provides speech-to-text functionality.
package stt

import (
	"context"
	"io"
)

// Provider is the interface for speech-to-text services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts audio to text.
	Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error)
}

// TranscribeOptions configures transcription.
type TranscribeOptions struct {
	Model      string // Provider-specific model
	Language   string // Language tag from detection (e.g. "en", "hi")
	Format     string // Audio format hint (wav, pcm_s16le, ...)
	SampleRate int    // Audio sample rate in Hz
}

// Transcript is the result of transcription.
type Transcript struct {
	Text       string  // Full transcribed text
	Language   string  // Detected or specified language
	Duration   float64 // Audio duration in seconds
	Confidence float64 // Provider confidence when reported
}

// Nop returns empty transcripts. It stands in when no provider key is
// configured so sessions still exercise the rest of the pipeline.
type Nop struct{}

func (Nop) Name() string { return "none" }

func (Nop) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Transcript{Language: opts.Language}, nil
}

// contentType returns the MIME type for an upload in format.
func contentType(format string) string {
	switch format {
	case "pcm_s16le", "raw", "pcm":
		return "audio/l16"
	case "mp3":
		return "audio/mpeg"
	case "webm":
		return "audio/webm"
	case "ogg":
		return "audio/ogg"
	default:
		return "audio/wav"
	}
}
