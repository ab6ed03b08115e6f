package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/civic-voice/pkg/core/agent"
	"github.com/vango-go/civic-voice/pkg/core/voice"
	"github.com/vango-go/civic-voice/pkg/core/voice/langid"
	"github.com/vango-go/civic-voice/pkg/core/voice/stt"
	"github.com/vango-go/civic-voice/pkg/core/voice/tts"
	"github.com/vango-go/civic-voice/pkg/gateway/auth"
	"github.com/vango-go/civic-voice/pkg/gateway/config"
	"github.com/vango-go/civic-voice/pkg/gateway/metrics"
)

// SynthSampleRate is the PCM rate of synthesized replies.
const SynthSampleRate = 24000

// NewVerifier builds the credential verifier from configuration. When both
// a JWT secret and static tokens are configured, signed tokens are tried
// first.
func NewVerifier(cfg config.Config) (auth.TokenVerifier, error) {
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		var opts []auth.HMACOption
		if cfg.JWTIssuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
		}
		if cfg.JWTAudience != "" {
			opts = append(opts, auth.WithAudience(cfg.JWTAudience))
		}
		chain = append(chain, auth.NewHMACVerifier([]byte(cfg.JWTSecret), opts...))
	}
	if cfg.StaticTokens != "" {
		static, err := auth.ParseStaticTokens(cfg.StaticTokens)
		if err != nil {
			return nil, fmt.Errorf("VOICE_GATEWAY_STATIC_TOKENS: %w", err)
		}
		chain = append(chain, static)
	}
	if len(chain) == 0 {
		return nil, errors.New("no credential verifier configured")
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

// NewPipeline selects the language detector, transcriber and synthesizer
// from the configured provider keys. Missing keys degrade to the default
// language and empty transcripts rather than failing startup.
func NewPipeline(cfg config.Config, hc *http.Client, tracer trace.Tracer, m *metrics.Metrics) *voice.Pipeline {
	var detector langid.Detector = langid.Static{Language: cfg.DefaultLanguage}
	if cfg.SarvamAPIKey != "" {
		detector = langid.NewSarvam(cfg.SarvamAPIKey, hc)
	}

	var (
		transcriber stt.Provider = stt.Nop{}
		sttModel    string
	)
	switch cfg.STTProvider {
	case config.STTProviderCartesia:
		if cfg.CartesiaAPIKey != "" {
			transcriber = stt.NewCartesia(cfg.CartesiaAPIKey, hc)
			sttModel = cfg.CartesiaSTTModel
		}
	default:
		if cfg.DeepgramAPIKey != "" {
			transcriber = stt.NewDeepgram(cfg.DeepgramAPIKey, cfg.DeepgramModel, hc)
			sttModel = cfg.DeepgramModel
		}
	}

	options := []voice.Option{voice.WithTracer(tracer)}
	if m != nil {
		options = append(options, voice.WithObserver(m))
	}
	if cfg.TTSEnabled && cfg.CartesiaAPIKey != "" {
		options = append(options, voice.WithSynthesizer(tts.NewCartesia(cfg.CartesiaAPIKey, hc)))
	}

	return voice.NewPipeline(detector, transcriber, voice.Options{
		InputEncoding:   cfg.AudioEncoding,
		SampleRate:      cfg.AudioSampleRate,
		Channels:        1,
		StageTimeout:    cfg.IngestTimeout,
		SynthTimeout:    cfg.SynthTimeout,
		DefaultLanguage: cfg.DefaultLanguage,
		STTModel:        sttModel,
		Voice:           cfg.TTSVoice,
		SynthFormat:     "pcm",
		SynthSampleRate: SynthSampleRate,
	}, options...)
}

// NewAgent returns the Gemini-backed agent when a key is configured and the
// acknowledging agent otherwise.
func NewAgent(ctx context.Context, cfg config.Config, hc *http.Client) (agent.Agent, error) {
	if cfg.GeminiAPIKey == "" {
		return agent.Ack{}, nil
	}
	var opts []agent.GeminiOption
	if hc != nil {
		opts = append(opts, agent.WithGeminiHTTPClient(hc))
	}
	g, err := agent.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini agent: %w", err)
	}
	return g, nil
}
