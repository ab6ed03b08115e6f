package langid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const (
	sarvamBaseURL = "https://api.sarvam.ai"
	sarvamModel   = "saarika:v2.5"
)

// Sarvam detects language through Sarvam's speech-to-text endpoint with
// language_code=unknown, which returns the detected language alongside the
// transcript.
type Sarvam struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewSarvam(apiKey string, client *http.Client) *Sarvam {
	if client == nil {
		client = &http.Client{}
	}
	return &Sarvam{apiKey: apiKey, baseURL: sarvamBaseURL, model: sarvamModel, httpClient: client}
}

// WithBaseURL points the client at a different host.
func (s *Sarvam) WithBaseURL(u string) *Sarvam {
	s.baseURL = strings.TrimRight(u, "/")
	return s
}

func (s *Sarvam) Name() string { return "sarvam" }

func (s *Sarvam) Detect(ctx context.Context, audio []byte, opts DetectOptions) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.WriteField("model", s.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("language_code", "unknown"); err != nil {
		return "", fmt.Errorf("write language field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/speech-to-text", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("api-subscription-key", s.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sarvam request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("sarvam error %d: %s", resp.StatusCode, string(body))
	}

	var out sarvamResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	lang := Normalize(out.LanguageCode)
	if lang == "" {
		return "", fmt.Errorf("sarvam returned no language")
	}
	return lang, nil
}

type sarvamResponse struct {
	RequestID    string `json:"request_id"`
	Transcript   string `json:"transcript"`
	LanguageCode string `json:"language_code"`
}
