package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const deepgramBaseURL = "https://api.deepgram.com/v1"

// DeepgramProvider implements Provider with Deepgram's pre-recorded
// /listen endpoint.
type DeepgramProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewDeepgram(apiKey, model string, client *http.Client) *DeepgramProvider {
	if client == nil {
		client = &http.Client{}
	}
	if model == "" {
		model = "nova-2"
	}
	return &DeepgramProvider{apiKey: apiKey, baseURL: deepgramBaseURL, model: model, httpClient: client}
}

// WithBaseURL points the provider at a different host.
func (d *DeepgramProvider) WithBaseURL(u string) *DeepgramProvider {
	d.baseURL = strings.TrimRight(u, "/")
	return d
}

func (d *DeepgramProvider) Name() string { return "deepgram" }

func (d *DeepgramProvider) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	audioData, err := io.ReadAll(audio)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = d.model
	}
	q := url.Values{}
	q.Set("model", model)
	q.Set("smart_format", "true")
	if lang := deepgramLanguage(opts.Language); lang != "" {
		q.Set("language", lang)
	} else if opts.Language != "" {
		q.Set("detect_language", "true")
	}
	if opts.Format == "pcm_s16le" {
		q.Set("encoding", "linear16")
		if opts.SampleRate > 0 {
			q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
		}
		q.Set("channels", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/listen?"+q.Encode(), bytes.NewReader(audioData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", contentType(opts.Format))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("deepgram error %d: %s", resp.StatusCode, string(body))
	}

	var out deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	t := &Transcript{Language: opts.Language, Duration: out.Metadata.Duration}
	if len(out.Results.Channels) > 0 {
		ch := out.Results.Channels[0]
		if ch.DetectedLanguage != "" {
			t.Language = ch.DetectedLanguage
		}
		if len(ch.Alternatives) > 0 {
			t.Text = strings.TrimSpace(ch.Alternatives[0].Transcript)
			t.Confidence = ch.Alternatives[0].Confidence
		}
	}
	return t, nil
}

// deepgramLanguages are the primary subtags Deepgram's nova models accept.
var deepgramLanguages = map[string]bool{
	"bg": true, "ca": true, "cs": true, "da": true, "de": true, "el": true,
	"en": true, "es": true, "et": true, "fi": true, "fr": true, "hi": true,
	"hu": true, "id": true, "it": true, "ja": true, "ko": true, "lt": true,
	"lv": true, "ms": true, "nl": true, "no": true, "pl": true, "pt": true,
	"ro": true, "ru": true, "sk": true, "sv": true, "th": true, "tr": true,
	"uk": true, "vi": true, "zh": true,
}

// Chhattisgarhi has no Deepgram model; Hindi is the closest one served.
var deepgramFallbacks = map[string]string{
	"hne": "hi",
	"cg":  "hi",
}

// deepgramLanguage maps tag to one Deepgram accepts, or "" when there is
// none and the language should be left for Deepgram to detect.
func deepgramLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	primary := strings.ToLower(tag)
	if i := strings.IndexAny(primary, "-_"); i > 0 {
		primary = primary[:i]
	}
	if deepgramLanguages[primary] {
		return tag
	}
	return deepgramFallbacks[primary]
}

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language,omitempty"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}
