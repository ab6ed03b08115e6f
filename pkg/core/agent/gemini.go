package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini answers queries with a Gemini model, steering it with a
// per-language system instruction.
type Gemini struct {
	client          *genai.Client
	model           string
	temperature     float32
	maxOutputTokens int32
}

type GeminiOption func(*geminiConfig)

type geminiConfig struct {
	baseURL     string
	httpClient  *http.Client
	temperature float32
	maxTokens   int32
}

// WithGeminiBaseURL points the client at a different API host.
func WithGeminiBaseURL(u string) GeminiOption {
	return func(c *geminiConfig) { c.baseURL = u }
}

func WithGeminiHTTPClient(hc *http.Client) GeminiOption {
	return func(c *geminiConfig) { c.httpClient = hc }
}

func WithTemperature(t float32) GeminiOption {
	return func(c *geminiConfig) { c.temperature = t }
}

func WithMaxOutputTokens(n int32) GeminiOption {
	return func(c *geminiConfig) { c.maxTokens = n }
}

// NewGemini creates a Gemini agent using the Gemini Developer API.
func NewGemini(ctx context.Context, apiKey, model string, opts ...GeminiOption) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	cfg := geminiConfig{temperature: 0.7, maxTokens: 512}
	for _, o := range opts {
		o(&cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Gemini{
		client:          client,
		model:           model,
		temperature:     cfg.temperature,
		maxOutputTokens: cfg.maxTokens,
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// SendQuery sends the utterance with its session history and returns the
// model's text.
func (g *Gemini) SendQuery(ctx context.Context, q Query) (*Reply, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, errors.New("gemini: empty query")
	}
	lang := languageKey(q.Language)

	contents := make([]*genai.Content, 0, len(q.History)+1)
	for _, t := range q.History {
		var role genai.Role = genai.RoleUser
		if t.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))

	temp := g.temperature
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt(lang), genai.RoleUser),
		Temperature:       &temp,
		MaxOutputTokens:   g.maxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", err)
	}
	out := strings.TrimSpace(resp.Text())
	if out == "" {
		return nil, errors.New("gemini: empty response")
	}
	return &Reply{Text: out, Language: lang}, nil
}
