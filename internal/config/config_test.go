package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/weltlinger/trunkline/internal/config"
	"github.com/weltlinger/trunkline/internal/persona"
)

const fullYAML = `
server:
  listen_addr: ":8080"
  stream_path: "/stream"
  log_level: debug
  tls:
    cert_file: /etc/trunkline/cert.pem
    key_file: /etc/trunkline/key.pem
upstream:
  name: openai-realtime
  api_key: sk-test
  base_url: "wss://example.test/v1/realtime"
  model: gpt-4o-realtime-preview
  voice: alloy
  temperature: 0.8
  max_response_tokens: 4096
  transcribe_input: false
  fallbacks:
    - name: openai-realtime
      api_key: sk-backup
      model: gpt-4o-mini-realtime-preview
bot:
  persona: support
  assistant_name: "Alex"
  company_name: "Acme Corp"
  greeting: "Hello! You've reached {company_name}."
bridge:
  max_sessions: 50
  default_sample_rate: 16000
  chunk_ms: 40
  speech_threshold: 650
  silence_timeout: 2s
  session_timeout: 120s
  handshake_timeout: 5s
  retry:
    max_attempts: 3
    initial_backoff: 500ms
    max_backoff: 10s
calllog:
  postgres_dsn: "postgres://localhost/trunkline"
watch_config: true
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.StreamPath != "/stream" {
		t.Errorf("stream_path: got %q", cfg.Server.StreamPath)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile != "/etc/trunkline/cert.pem" {
		t.Errorf("tls: got %+v", cfg.Server.TLS)
	}

	if cfg.Upstream.Name != "openai-realtime" {
		t.Errorf("upstream.name: got %q", cfg.Upstream.Name)
	}
	if cfg.Upstream.APIKey != "sk-test" {
		t.Errorf("upstream.api_key: got %q", cfg.Upstream.APIKey)
	}
	if cfg.Upstream.Voice != "alloy" {
		t.Errorf("upstream.voice: got %q", cfg.Upstream.Voice)
	}
	if cfg.Upstream.Temperature != 0.8 {
		t.Errorf("upstream.temperature: got %v", cfg.Upstream.Temperature)
	}
	if cfg.Upstream.MaxResponseTokens != 4096 {
		t.Errorf("upstream.max_response_tokens: got %d", cfg.Upstream.MaxResponseTokens)
	}
	if cfg.Upstream.TranscriptionEnabled() {
		t.Error("transcribe_input: false should disable transcription")
	}
	if len(cfg.Upstream.Fallbacks) != 1 || cfg.Upstream.Fallbacks[0].APIKey != "sk-backup" {
		t.Errorf("upstream.fallbacks: got %+v", cfg.Upstream.Fallbacks)
	}

	if cfg.Bot.Persona != persona.KindSupport {
		t.Errorf("bot.persona: got %q", cfg.Bot.Persona)
	}
	if cfg.Bot.AssistantName != "Alex" {
		t.Errorf("bot.assistant_name: got %q", cfg.Bot.AssistantName)
	}

	if cfg.Bridge.MaxSessions != 50 {
		t.Errorf("bridge.max_sessions: got %d", cfg.Bridge.MaxSessions)
	}
	if cfg.Bridge.DefaultSampleRate != 16000 {
		t.Errorf("bridge.default_sample_rate: got %d", cfg.Bridge.DefaultSampleRate)
	}
	if cfg.Bridge.ChunkMS != 40 {
		t.Errorf("bridge.chunk_ms: got %d", cfg.Bridge.ChunkMS)
	}
	if cfg.Bridge.SilenceTimeout.Std() != 2*time.Second {
		t.Errorf("bridge.silence_timeout: got %v", cfg.Bridge.SilenceTimeout.Std())
	}
	if cfg.Bridge.Retry.InitialBackoff.Std() != 500*time.Millisecond {
		t.Errorf("bridge.retry.initial_backoff: got %v", cfg.Bridge.Retry.InitialBackoff.Std())
	}

	if cfg.CallLog.PostgresDSN != "postgres://localhost/trunkline" {
		t.Errorf("calllog.postgres_dsn: got %q", cfg.CallLog.PostgresDSN)
	}
	if !cfg.WatchConfig {
		t.Error("watch_config: got false, want true")
	}
}

func TestLoadFromReader_MinimalConfig(t *testing.T) {
	t.Parallel()
	yaml := `
upstream:
  name: openai-realtime
  api_key: sk-test
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Upstream.TranscriptionEnabled() {
		t.Error("transcription should default to enabled when unset")
	}
	if cfg.Bridge.MaxSessions != 0 {
		t.Errorf("bridge.max_sessions: got %d, want 0 (defaulted downstream)", cfg.Bridge.MaxSessions)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
upstream:
  name: openai-realtime
  api_key: sk-test
  api_secrett: oops
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "api_secrett") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestDuration_RejectsBareNumbers(t *testing.T) {
	t.Parallel()
	yaml := `
upstream:
  name: openai-realtime
  api_key: sk-test
bridge:
  silence_timeout: 1500
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for bare-number duration, got nil")
	}
}

func TestDuration_RejectsGarbage(t *testing.T) {
	t.Parallel()
	yaml := `
upstream:
  name: openai-realtime
  api_key: sk-test
bridge:
  session_timeout: soon
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
	if !strings.Contains(err.Error(), "soon") {
		t.Errorf("error should quote the bad value, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/trunkline.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
