// Package tts provides text-to-speech functionality.
package tts

import "context"

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string  // Voice identifier (Cartesia voice ID)
	Speed      float64 // Speed multiplier (0.6-1.5, default 1.0)
	Language   string  // Language code
	Format     string  // Output format: "wav", "mp3", or "pcm"
	SampleRate int     // Sample rate: 8000, 16000, 22050, 24000, 44100, 48000
}

// Synthesis is the result of synthesis.
type Synthesis struct {
	Audio  []byte // Audio data
	Format string // Audio format
}
