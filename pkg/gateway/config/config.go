package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AudioEncodingPCM16 = "pcm_s16le"
	AudioEncodingWAV   = "wav"

	STTProviderDeepgram = "deepgram"
	STTProviderCartesia = "cartesia"
)

type Config struct {
	Addr      string
	VoicePath string
	LogLevel  string

	// Credential verification. At least one of JWTSecret or StaticTokens
	// must be set.
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	StaticTokens    string
	TokenQueryParam string

	// Empty => any origin may upgrade.
	AllowedOrigins map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	TrustProxyHeaders bool

	MaxFrameBytes      int64
	FrameQueueSize     int
	IngestTimeout      time.Duration
	AgentTimeout       time.Duration
	SynthTimeout       time.Duration
	MaxSessionDuration time.Duration
	MaxSessionsPerUser int
	HandshakeRPS       float64
	HandshakeBurst     int
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	HistoryTurns       int

	// Zero disables the per-session inbound audio limit.
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64

	AudioEncoding   string
	AudioSampleRate int
	DefaultLanguage string

	DeepgramAPIKey string
	DeepgramModel  string
	SarvamAPIKey   string
	CartesiaAPIKey string
	GeminiAPIKey   string
	GeminiModel    string
	STTProvider    string
	TTSEnabled     bool
	TTSVoice       string

	// CartesiaSTTModel applies only when STTProvider is cartesia.
	CartesiaSTTModel string

	DatabaseURL  string
	RedisURL     string
	NATSURL      string
	OTLPEndpoint string

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

// Load builds the gateway configuration. Values come from the environment;
// VOICE_GATEWAY_CONFIG_FILE may name a YAML file of the same keys that
// supplies values the environment leaves unset.
func Load() (Config, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv("VOICE_GATEWAY_CONFIG_FILE")); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}
	return load(src)
}

// LoadFromEnv ignores any config file.
func LoadFromEnv() (Config, error) {
	return load(source{})
}

func load(src source) (Config, error) {
	cfg := Config{
		Addr:                src.or("VOICE_GATEWAY_ADDR", ":8000"),
		VoicePath:           src.or("VOICE_GATEWAY_PATH", "/ws/voice"),
		LogLevel:            strings.ToLower(src.or("VOICE_GATEWAY_LOG_LEVEL", "info")),
		JWTSecret:           src.or("VOICE_GATEWAY_JWT_SECRET", ""),
		JWTIssuer:           src.or("VOICE_GATEWAY_JWT_ISSUER", ""),
		JWTAudience:         src.or("VOICE_GATEWAY_JWT_AUDIENCE", ""),
		StaticTokens:        src.or("VOICE_GATEWAY_STATIC_TOKENS", ""),
		TokenQueryParam:     src.or("VOICE_GATEWAY_TOKEN_QUERY_PARAM", "token"),
		AllowedOrigins:      make(map[string]struct{}),
		TrustProxyHeaders:   src.boolOr("VOICE_GATEWAY_TRUST_PROXY_HEADERS", false),
		MaxFrameBytes:       src.int64Or("VOICE_GATEWAY_MAX_FRAME_BYTES", 1<<20), // 1 MiB
		FrameQueueSize:      src.intOr("VOICE_GATEWAY_FRAME_QUEUE", 32),
		IngestTimeout:       src.durationOr("VOICE_GATEWAY_INGEST_TIMEOUT", 15*time.Second),
		AgentTimeout:        src.durationOr("VOICE_GATEWAY_AGENT_TIMEOUT", 20*time.Second),
		SynthTimeout:        src.durationOr("VOICE_GATEWAY_SYNTH_TIMEOUT", 15*time.Second),
		MaxSessionDuration:  src.durationOr("VOICE_GATEWAY_MAX_SESSION_DURATION", 30*time.Minute),
		MaxSessionsPerUser:  src.intOr("VOICE_GATEWAY_MAX_SESSIONS_PER_USER", 2),
		HandshakeRPS:        src.float64Or("VOICE_GATEWAY_HANDSHAKE_RPS", 1.0),
		HandshakeBurst:      src.intOr("VOICE_GATEWAY_HANDSHAKE_BURST", 5),
		PingInterval:        src.durationOr("VOICE_GATEWAY_PING_INTERVAL", 20*time.Second),
		WriteTimeout:        src.durationOr("VOICE_GATEWAY_WRITE_TIMEOUT", 5*time.Second),
		IdleTimeout:         src.durationOr("VOICE_GATEWAY_IDLE_TIMEOUT", 60*time.Second),
		HistoryTurns:        src.intOr("VOICE_GATEWAY_HISTORY_TURNS", 6),
		AudioEncoding:       strings.ToLower(src.or("VOICE_GATEWAY_AUDIO_ENCODING", AudioEncodingPCM16)),
		AudioSampleRate:     src.intOr("VOICE_GATEWAY_AUDIO_SAMPLE_RATE", 16000),
		DefaultLanguage:     src.or("VOICE_GATEWAY_DEFAULT_LANGUAGE", "en"),
		DeepgramAPIKey:      src.or("DEEPGRAM_API_KEY", ""),
		DeepgramModel:       src.or("DEEPGRAM_MODEL", "nova-2"),
		SarvamAPIKey:        src.or("SARVAM_API_KEY", ""),
		CartesiaAPIKey:      src.or("CARTESIA_API_KEY", ""),
		CartesiaSTTModel:    src.or("CARTESIA_STT_MODEL", "ink-whisper"),
		GeminiAPIKey:        src.or("GEMINI_API_KEY", ""),
		GeminiModel:         src.or("GEMINI_MODEL", "gemini-2.5-flash"),
		STTProvider:         strings.ToLower(src.or("VOICE_GATEWAY_STT_PROVIDER", STTProviderDeepgram)),
		TTSEnabled:          src.boolOr("VOICE_GATEWAY_TTS_ENABLED", false),
		TTSVoice:            src.or("VOICE_GATEWAY_TTS_VOICE", ""),
		DatabaseURL:         src.or("VOICE_GATEWAY_DATABASE_URL", ""),
		RedisURL:            src.or("VOICE_GATEWAY_REDIS_URL", ""),
		NATSURL:             src.or("VOICE_GATEWAY_NATS_URL", ""),
		OTLPEndpoint:        src.or("VOICE_GATEWAY_OTLP_ENDPOINT", ""),
		ReadHeaderTimeout:   src.durationOr("VOICE_GATEWAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: src.durationOr("VOICE_GATEWAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),

		MaxAudioFPS:            src.intOr("VOICE_GATEWAY_MAX_AUDIO_FPS", 0),
		MaxAudioBytesPerSecond: src.int64Or("VOICE_GATEWAY_MAX_AUDIO_BPS", 0),
	}

	for _, origin := range splitCSV(src.get("VOICE_GATEWAY_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if cfg.JWTSecret == "" && cfg.StaticTokens == "" {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_JWT_SECRET or VOICE_GATEWAY_STATIC_TOKENS must be set")
	}
	if !strings.HasPrefix(cfg.VoicePath, "/") {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_PATH must start with /")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VOICE_GATEWAY_LOG_LEVEL must be one of debug|info|warn|error")
	}
	if cfg.MaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.FrameQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_FRAME_QUEUE must be > 0")
	}
	if cfg.IngestTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_INGEST_TIMEOUT must be > 0")
	}
	if cfg.AgentTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_AGENT_TIMEOUT must be > 0")
	}
	if cfg.SynthTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_SYNTH_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.MaxSessionsPerUser <= 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_MAX_SESSIONS_PER_USER must be > 0")
	}
	if cfg.HandshakeRPS < 0 || cfg.HandshakeBurst < 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_HANDSHAKE_RPS and VOICE_GATEWAY_HANDSHAKE_BURST must be >= 0")
	}
	if cfg.PingInterval <= 0 || cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_PING_INTERVAL and VOICE_GATEWAY_WRITE_TIMEOUT must be > 0")
	}
	if cfg.IdleTimeout < cfg.PingInterval {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_IDLE_TIMEOUT must be >= VOICE_GATEWAY_PING_INTERVAL")
	}
	if cfg.MaxAudioFPS < 0 || cfg.MaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_MAX_AUDIO_FPS and VOICE_GATEWAY_MAX_AUDIO_BPS must be >= 0")
	}
	switch cfg.AudioEncoding {
	case AudioEncodingPCM16, AudioEncodingWAV:
	default:
		return Config{}, fmt.Errorf("VOICE_GATEWAY_AUDIO_ENCODING must be one of pcm_s16le|wav")
	}
	if cfg.AudioSampleRate <= 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_AUDIO_SAMPLE_RATE must be > 0")
	}
	switch cfg.STTProvider {
	case STTProviderDeepgram, STTProviderCartesia:
	default:
		return Config{}, fmt.Errorf("VOICE_GATEWAY_STT_PROVIDER must be one of deepgram|cartesia")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod < 0 {
		return Config{}, fmt.Errorf("VOICE_GATEWAY_SHUTDOWN_GRACE_PERIOD must be >= 0")
	}

	return cfg, nil
}

// ProvidersConfigured reports which external speech/agent services have keys.
func (c Config) ProvidersConfigured() map[string]bool {
	return map[string]bool{
		"deepgram": c.DeepgramAPIKey != "",
		"sarvam":   c.SarvamAPIKey != "",
		"cartesia": c.CartesiaAPIKey != "",
		"gemini":   c.GeminiAPIKey != "",
	}
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[k] = strings.Join(parts, ",")
		case map[string]any:
			return nil, errors.New("config file values must be scalars or lists: " + k)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[key])
}

func (s source) or(key, def string) string {
	v := s.get(key)
	if v == "" {
		return def
	}
	return v
}

func (s source) int64Or(key string, def int64) int64 {
	raw := s.get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) intOr(key string, def int) int {
	raw := s.get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s source) float64Or(key string, def float64) float64 {
	raw := s.get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) boolOr(key string, def bool) bool {
	raw := s.get(key)
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func (s source) durationOr(key string, def time.Duration) time.Duration {
	raw := s.get(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
