// Package voice provides the audio ingest pipeline: language detection
// followed by speech-to-text over the same buffer, plus the optional
// synthesis stage for replies.
package voice

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/civic-voice/pkg/core"
	"github.com/vango-go/civic-voice/pkg/core/voice/langid"
	"github.com/vango-go/civic-voice/pkg/core/voice/stt"
	"github.com/vango-go/civic-voice/pkg/core/voice/tts"
	"github.com/vango-go/civic-voice/pkg/core/voice/wav"
)

const (
	EncodingPCM16 = "pcm_s16le"
	EncodingWAV   = "wav"

	StageSynthesize = "synthesize"
)

var errEmptyAudio = errors.New("empty audio frame")

// Transcript is the pipeline output for one audio buffer.
type Transcript struct {
	Language string
	Text     string
}

// StageObserver receives one call per stage invocation.
type StageObserver interface {
	RecordStage(stage string, duration time.Duration, err error)
}

// Options configures a Pipeline.
type Options struct {
	// InputEncoding is the format of inbound frames. PCM16 is wrapped in a
	// WAV container once per buffer before either stage sees it.
	InputEncoding string
	SampleRate    int
	Channels      int

	// StageTimeout bounds each ingest collaborator call and SynthTimeout
	// the synthesis call. Zero means no deadline beyond the caller's context.
	StageTimeout time.Duration
	SynthTimeout time.Duration

	DefaultLanguage string
	STTModel        string

	Voice           string
	SynthFormat     string
	SynthSampleRate int
}

// Pipeline runs detectLanguage then transcribe. It holds no per-call
// state; one Pipeline serves all sessions concurrently.
type Pipeline struct {
	detector langid.Detector
	stt      stt.Provider
	tts      tts.Provider
	opts     Options
	tracer   trace.Tracer
	observer StageObserver
}

type Option func(*Pipeline)

// WithSynthesizer enables the reply synthesis stage.
func WithSynthesizer(p tts.Provider) Option {
	return func(pl *Pipeline) { pl.tts = p }
}

func WithTracer(t trace.Tracer) Option {
	return func(pl *Pipeline) {
		if t != nil {
			pl.tracer = t
		}
	}
}

func WithObserver(o StageObserver) Option {
	return func(pl *Pipeline) { pl.observer = o }
}

// NewPipeline builds a pipeline. A nil detector falls back to
// opts.DefaultLanguage; a nil transcriber yields empty transcripts.
func NewPipeline(detector langid.Detector, transcriber stt.Provider, opts Options, options ...Option) *Pipeline {
	if opts.InputEncoding == "" {
		opts.InputEncoding = EncodingPCM16
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "en"
	}
	if opts.SynthFormat == "" {
		opts.SynthFormat = "pcm"
	}
	if opts.SynthSampleRate <= 0 {
		opts.SynthSampleRate = 24000
	}
	if detector == nil {
		detector = langid.Static{Language: opts.DefaultLanguage}
	}
	if transcriber == nil {
		transcriber = stt.Nop{}
	}
	p := &Pipeline{
		detector: detector,
		stt:      transcriber,
		opts:     opts,
		tracer:   otel.Tracer("github.com/vango-go/civic-voice/pkg/core/voice"),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// CanSynthesize reports whether the synthesis stage is wired.
func (p *Pipeline) CanSynthesize() bool {
	return p != nil && p.tts != nil
}

// Process detects the language of audio and transcribes it. Any stage
// failure, including a deadline, is returned as a core ingestion error
// naming the stage.
func (p *Pipeline) Process(ctx context.Context, audio []byte) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, core.NewIngestionError(core.StageDecode, errEmptyAudio)
	}

	buf, format, err := p.prepare(audio)
	if err != nil {
		return nil, core.NewIngestionError(core.StageDecode, err)
	}

	var lang string
	err = p.stage(ctx, core.StageDetectLanguage, p.opts.StageTimeout, func(ctx context.Context) error {
		detected, err := p.detector.Detect(ctx, buf, langid.DetectOptions{Format: format, SampleRate: p.opts.SampleRate})
		if err != nil {
			return err
		}
		lang = langid.Normalize(detected)
		return nil
	})
	if err != nil {
		return nil, core.NewIngestionError(core.StageDetectLanguage, err)
	}
	if lang == "" {
		lang = p.opts.DefaultLanguage
	}

	var text string
	err = p.stage(ctx, core.StageTranscribe, p.opts.StageTimeout, func(ctx context.Context) error {
		tr, err := p.stt.Transcribe(ctx, bytes.NewReader(buf), stt.TranscribeOptions{
			Model:      p.opts.STTModel,
			Language:   lang,
			Format:     format,
			SampleRate: p.opts.SampleRate,
		})
		if err != nil {
			return err
		}
		if tr != nil {
			text = strings.TrimSpace(tr.Text)
		}
		return nil
	})
	if err != nil {
		return nil, core.NewIngestionError(core.StageTranscribe, err)
	}

	return &Transcript{Language: lang, Text: text}, nil
}

// Synthesize renders reply text as audio. It returns (nil, nil) when no
// synthesizer is wired.
func (p *Pipeline) Synthesize(ctx context.Context, text, lang string) (*tts.Synthesis, error) {
	if !p.CanSynthesize() || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var out *tts.Synthesis
	err := p.stage(ctx, StageSynthesize, p.opts.SynthTimeout, func(ctx context.Context) error {
		s, err := p.tts.Synthesize(ctx, text, tts.SynthesizeOptions{
			Voice:      p.opts.Voice,
			Language:   lang,
			Format:     p.opts.SynthFormat,
			SampleRate: p.opts.SynthSampleRate,
		})
		out = s
		return err
	})
	if err != nil {
		return nil, core.NewSynthesisError(err)
	}
	return out, nil
}

func (p *Pipeline) prepare(audio []byte) ([]byte, string, error) {
	if p.opts.InputEncoding == EncodingWAV || wav.IsWAV(audio) {
		return audio, EncodingWAV, nil
	}
	out, err := wav.EncodePCM16(audio, p.opts.SampleRate, p.opts.Channels)
	if err != nil {
		return nil, "", err
	}
	return out, EncodingWAV, nil
}

func (p *Pipeline) stage(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	spanName := "ingest." + name
	if name == StageSynthesize {
		spanName = "tts.synthesize"
	}
	ctx, span := p.tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()
	err := runStage(ctx, fn)
	if p.observer != nil {
		p.observer.RecordStage(name, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("ok", err == nil))
	return err
}

// runStage returns when fn does or when ctx ends, whichever is first, so a
// collaborator that ignores cancellation cannot hold the caller past its
// deadline. A late result is discarded.
func runStage(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
