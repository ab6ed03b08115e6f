package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
)

// CartesiaProvider implements Provider with Cartesia's batch STT API.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewCartesia creates a new Cartesia STT provider. A nil client uses a
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

// Transcribe converts audio to text using Cartesia's STT API.
func (c *CartesiaProvider) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	audioData, err := io.ReadAll(audio)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audioData); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "ink-whisper"
	}
	if err := mw.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if opts.Language != "" {
		if err := mw.WriteField("language", opts.Language); err != nil {
			return nil, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	u, err := url.Parse(c.baseURL + "/stt")
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if opts.Format == "pcm_s16le" {
		q := u.Query()
		q.Set("encoding", "pcm_s16le")
		if opts.SampleRate > 0 {
			q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cartesia error %d: %s", resp.StatusCode, string(body))
	}

	var out cartesiaTranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	t := &Transcript{Text: strings.TrimSpace(out.Text), Language: opts.Language}
	if out.Language != nil && *out.Language != "" {
		t.Language = *out.Language
	}
	if out.Duration != nil {
		t.Duration = *out.Duration
	}
	return t, nil
}

type cartesiaTranscriptionResponse struct {
	Text     string   `json:"text"`
	Language *string  `json:"language,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}
