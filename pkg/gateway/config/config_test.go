package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var gatewayEnvKeys = []string{
	"VOICE_GATEWAY_CONFIG_FILE",
	"VOICE_GATEWAY_ADDR",
	"VOICE_GATEWAY_PATH",
	"VOICE_GATEWAY_LOG_LEVEL",
	"VOICE_GATEWAY_JWT_SECRET",
	"VOICE_GATEWAY_JWT_ISSUER",
	"VOICE_GATEWAY_JWT_AUDIENCE",
	"VOICE_GATEWAY_STATIC_TOKENS",
	"VOICE_GATEWAY_TOKEN_QUERY_PARAM",
	"VOICE_GATEWAY_ALLOWED_ORIGINS",
	"VOICE_GATEWAY_TRUST_PROXY_HEADERS",
	"VOICE_GATEWAY_MAX_FRAME_BYTES",
	"VOICE_GATEWAY_FRAME_QUEUE",
	"VOICE_GATEWAY_INGEST_TIMEOUT",
	"VOICE_GATEWAY_AGENT_TIMEOUT",
	"VOICE_GATEWAY_SYNTH_TIMEOUT",
	"VOICE_GATEWAY_MAX_SESSION_DURATION",
	"VOICE_GATEWAY_MAX_SESSIONS_PER_USER",
	"VOICE_GATEWAY_HANDSHAKE_RPS",
	"VOICE_GATEWAY_HANDSHAKE_BURST",
	"VOICE_GATEWAY_PING_INTERVAL",
	"VOICE_GATEWAY_WRITE_TIMEOUT",
	"VOICE_GATEWAY_IDLE_TIMEOUT",
	"VOICE_GATEWAY_HISTORY_TURNS",
	"VOICE_GATEWAY_MAX_AUDIO_FPS",
	"VOICE_GATEWAY_MAX_AUDIO_BPS",
	"VOICE_GATEWAY_AUDIO_ENCODING",
	"VOICE_GATEWAY_AUDIO_SAMPLE_RATE",
	"VOICE_GATEWAY_DEFAULT_LANGUAGE",
	"VOICE_GATEWAY_STT_PROVIDER",
	"VOICE_GATEWAY_TTS_ENABLED",
	"VOICE_GATEWAY_TTS_VOICE",
	"VOICE_GATEWAY_DATABASE_URL",
	"VOICE_GATEWAY_REDIS_URL",
	"VOICE_GATEWAY_NATS_URL",
	"VOICE_GATEWAY_OTLP_ENDPOINT",
	"VOICE_GATEWAY_READ_HEADER_TIMEOUT",
	"VOICE_GATEWAY_SHUTDOWN_GRACE_PERIOD",
	"DEEPGRAM_API_KEY",
	"DEEPGRAM_MODEL",
	"SARVAM_API_KEY",
	"CARTESIA_API_KEY",
	"CARTESIA_STT_MODEL",
	"GEMINI_API_KEY",
	"GEMINI_MODEL",
}

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range gatewayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VOICE_GATEWAY_STATIC_TOKENS", "valid-token:u1")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8000" {
		t.Fatalf("Addr = %q, want :8000", cfg.Addr)
	}
	if cfg.VoicePath != "/ws/voice" {
		t.Fatalf("VoicePath = %q, want /ws/voice", cfg.VoicePath)
	}
	if cfg.TokenQueryParam != "token" {
		t.Fatalf("TokenQueryParam = %q, want token", cfg.TokenQueryParam)
	}
	if cfg.MaxFrameBytes != 1<<20 {
		t.Fatalf("MaxFrameBytes = %d, want %d", cfg.MaxFrameBytes, int64(1<<20))
	}
	if cfg.FrameQueueSize != 32 {
		t.Fatalf("FrameQueueSize = %d, want 32", cfg.FrameQueueSize)
	}
	if cfg.IngestTimeout != 15*time.Second {
		t.Fatalf("IngestTimeout = %v, want 15s", cfg.IngestTimeout)
	}
	if cfg.AgentTimeout != 20*time.Second {
		t.Fatalf("AgentTimeout = %v, want 20s", cfg.AgentTimeout)
	}
	if cfg.MaxSessionsPerUser != 2 {
		t.Fatalf("MaxSessionsPerUser = %d, want 2", cfg.MaxSessionsPerUser)
	}
	if cfg.AudioEncoding != AudioEncodingPCM16 {
		t.Fatalf("AudioEncoding = %q", cfg.AudioEncoding)
	}
	if cfg.AudioSampleRate != 16000 {
		t.Fatalf("AudioSampleRate = %d, want 16000", cfg.AudioSampleRate)
	}
	if cfg.DefaultLanguage != "en" {
		t.Fatalf("DefaultLanguage = %q, want en", cfg.DefaultLanguage)
	}
	if cfg.STTProvider != STTProviderDeepgram {
		t.Fatalf("STTProvider = %q", cfg.STTProvider)
	}
	if cfg.DeepgramModel != "nova-2" || cfg.CartesiaSTTModel != "ink-whisper" {
		t.Fatalf("stt models = %q/%q", cfg.DeepgramModel, cfg.CartesiaSTTModel)
	}
	if cfg.TTSEnabled {
		t.Fatalf("TTSEnabled = true, want false")
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins = %v, want empty", cfg.AllowedOrigins)
	}
	for name, ok := range cfg.ProvidersConfigured() {
		if ok {
			t.Fatalf("provider %s reported configured without a key", name)
		}
	}
}

func TestLoadFromEnv_RequiresVerifierMaterial(t *testing.T) {
	clearGatewayEnv(t)

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "VOICE_GATEWAY_JWT_SECRET") {
		t.Fatalf("err=%v, want verifier material error", err)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"VOICE_GATEWAY_PATH", "ws/voice", "VOICE_GATEWAY_PATH"},
		{"VOICE_GATEWAY_LOG_LEVEL", "loud", "VOICE_GATEWAY_LOG_LEVEL"},
		{"VOICE_GATEWAY_FRAME_QUEUE", "0", "VOICE_GATEWAY_FRAME_QUEUE"},
		{"VOICE_GATEWAY_INGEST_TIMEOUT", "-1s", "VOICE_GATEWAY_INGEST_TIMEOUT"},
		{"VOICE_GATEWAY_AUDIO_ENCODING", "opus", "VOICE_GATEWAY_AUDIO_ENCODING"},
		{"VOICE_GATEWAY_STT_PROVIDER", "whisper", "VOICE_GATEWAY_STT_PROVIDER"},
		{"VOICE_GATEWAY_MAX_SESSIONS_PER_USER", "0", "VOICE_GATEWAY_MAX_SESSIONS_PER_USER"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearGatewayEnv(t)
			t.Setenv("VOICE_GATEWAY_JWT_SECRET", "s")
			t.Setenv(tt.key, tt.value)

			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VOICE_GATEWAY_JWT_SECRET", "s")
	t.Setenv("VOICE_GATEWAY_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("VOICE_GATEWAY_TTS_ENABLED", "yes")
	t.Setenv("VOICE_GATEWAY_AGENT_TIMEOUT", "3s")
	t.Setenv("DEEPGRAM_API_KEY", "dg")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if _, ok := cfg.AllowedOrigins["https://b.example"]; !ok {
		t.Fatalf("missing b.example in %v", cfg.AllowedOrigins)
	}
	if !cfg.TTSEnabled {
		t.Fatalf("TTSEnabled = false, want true")
	}
	if cfg.AgentTimeout != 3*time.Second {
		t.Fatalf("AgentTimeout = %v, want 3s", cfg.AgentTimeout)
	}
	if !cfg.ProvidersConfigured()["deepgram"] {
		t.Fatalf("deepgram should be configured")
	}
}

func TestLoad_FileSuppliesUnsetKeys(t *testing.T) {
	clearGatewayEnv(t)

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	body := `
VOICE_GATEWAY_ADDR: ":9100"
VOICE_GATEWAY_STATIC_TOKENS: "valid-token:u1"
VOICE_GATEWAY_FRAME_QUEUE: 8
VOICE_GATEWAY_TTS_ENABLED: true
VOICE_GATEWAY_INGEST_TIMEOUT: 4s
VOICE_GATEWAY_ALLOWED_ORIGINS:
  - https://app.example
  - https://admin.example
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("VOICE_GATEWAY_CONFIG_FILE", path)
	t.Setenv("VOICE_GATEWAY_ADDR", ":9200")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":9200" {
		t.Fatalf("Addr = %q, want env value :9200", cfg.Addr)
	}
	if cfg.FrameQueueSize != 8 {
		t.Fatalf("FrameQueueSize = %d, want 8", cfg.FrameQueueSize)
	}
	if !cfg.TTSEnabled {
		t.Fatalf("TTSEnabled = false, want true")
	}
	if cfg.IngestTimeout != 4*time.Second {
		t.Fatalf("IngestTimeout = %v, want 4s", cfg.IngestTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VOICE_GATEWAY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
