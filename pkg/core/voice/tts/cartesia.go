package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	cartesiaModel   = "sonic-3"
)

// DefaultVoiceID is the voice used when none is configured.
const DefaultVoiceID = "79a125e8-cd45-4c13-8a67-188112f4dd22"

// CartesiaProvider implements Provider with Cartesia's /tts/bytes API.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewCartesia creates a new Cartesia TTS provider. A nil client uses a
// default http.Client.
func NewCartesia(apiKey string, client *http.Client) *CartesiaProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &CartesiaProvider{apiKey: apiKey, baseURL: cartesiaBaseURL, httpClient: client}
}

// WithBaseURL points the provider at a different host.
func (c *CartesiaProvider) WithBaseURL(u string) *CartesiaProvider {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

// Synthesize converts text to audio bytes.
func (c *CartesiaProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	voiceID := opts.Voice
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}

	reqBody := cartesiaTTSRequest{
		ModelID:      cartesiaModel,
		Transcript:   text,
		Voice:        cartesiaVoiceSpec{Mode: "id", ID: voiceID},
		OutputFormat: buildOutputFormat(opts),
	}
	if opts.Speed != 0 {
		reqBody.GenerationConfig = &cartesiaGenerationConfig{Speed: opts.Speed}
	}
	if opts.Language != "" {
		reqBody.Language = &opts.Language
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &Synthesis{Audio: []byte{}, Format: formatName(opts.Format)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cartesia error %d: %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return &Synthesis{Audio: audio, Format: formatName(opts.Format)}, nil
}

type cartesiaTTSRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	Language         *string                   `json:"language,omitempty"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type cartesiaGenerationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

func buildOutputFormat(opts SynthesizeOptions) cartesiaOutputFormat {
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}

	switch opts.Format {
	case "mp3":
		return cartesiaOutputFormat{Container: "mp3", SampleRate: sampleRate, BitRate: 128000}
	case "pcm", "raw":
		return cartesiaOutputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: sampleRate}
	default:
		return cartesiaOutputFormat{Container: "wav", Encoding: "pcm_s16le", SampleRate: sampleRate}
	}
}

func formatName(format string) string {
	switch format {
	case "mp3", "pcm", "raw", "wav":
		return format
	default:
		return "wav"
	}
}
