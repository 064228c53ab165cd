package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/weltlinger/trunkline/internal/config"
	"github.com/weltlinger/trunkline/pkg/provider/realtime"
	"github.com/weltlinger/trunkline/pkg/provider/realtime/mock"
)

// validBase is a minimal config that passes validation; tests append
// overrides to break one field at a time.
const validBase = `
upstream:
  name: openai-realtime
  api_key: sk-test
`

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := validBase + `
server:
  log_level: bananas
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_StreamPathMustBeAbsolute(t *testing.T) {
	t.Parallel()
	yaml := validBase + `
server:
  stream_path: stream
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for relative stream path, got nil")
	}
	if !strings.Contains(err.Error(), "stream_path") {
		t.Errorf("error should mention stream_path, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := validBase + `
server:
  tls:
    cert_file: /etc/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS without key_file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_UpstreamRequiresAPIKey(t *testing.T) {
	t.Parallel()
	yaml := `
upstream:
  name: openai-realtime
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing api_key, got nil")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("error should mention api_key, got: %v", err)
	}
}

func TestValidate_BaseURLStandsInForAPIKey(t *testing.T) {
	t.Parallel()
	// Test deployments point base_url at a local mock with no key.
	yaml := `
upstream:
  name: openai-realtime
  base_url: "ws://127.0.0.1:9999"
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_TemperatureRange(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		temp string
		ok   bool
	}{
		{"0.6", true},
		{"1.2", true},
		{"0.7", true},
		{"0.5", false},
		{"1.3", false},
		{"2.0", false},
	} {
		yaml := validBase + "  temperature: " + tc.temp + "\n"
		_, err := config.LoadFromReader(strings.NewReader(yaml))
		if tc.ok && err != nil {
			t.Errorf("temperature %s: unexpected error: %v", tc.temp, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("temperature %s: expected range error, got nil", tc.temp)
		}
	}
}

func TestValidate_FallbackRequiresName(t *testing.T) {
	t.Parallel()
	yaml := validBase + `  fallbacks:
    - api_key: sk-backup
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallback without name, got nil")
	}
	if !strings.Contains(err.Error(), "fallbacks[0]") {
		t.Errorf("error should name the fallback index, got: %v", err)
	}
}

func TestValidate_CustomPersonaRequiresInstructions(t *testing.T) {
	t.Parallel()
	yaml := validBase + `
bot:
  persona: custom
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for custom persona without instructions, got nil")
	}
	if !strings.Contains(err.Error(), "instructions") {
		t.Errorf("error should mention instructions, got: %v", err)
	}
}

func TestValidate_UnknownPersona(t *testing.T) {
	t.Parallel()
	yaml := validBase + `
bot:
  persona: pirate
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown persona, got nil")
	}
}

func TestValidate_UnsupportedSampleRate(t *testing.T) {
	t.Parallel()
	yaml := validBase + `
bridge:
  default_sample_rate: 11025
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unsupported rate, got nil")
	}
	if !strings.Contains(err.Error(), "11025") {
		t.Errorf("error should quote the rate, got: %v", err)
	}
}

func TestValidate_ChunkMSRange(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		ms string
		ok bool
	}{
		{"10", true},
		{"20", true},
		{"200", true},
		{"5", false},
		{"250", false},
	} {
		yaml := validBase + "\nbridge:\n  chunk_ms: " + tc.ms + "\n"
		_, err := config.LoadFromReader(strings.NewReader(yaml))
		if tc.ok && err != nil {
			t.Errorf("chunk_ms %s: unexpected error: %v", tc.ms, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("chunk_ms %s: expected range error, got nil", tc.ms)
		}
	}
}

func TestValidate_BackoffOrdering(t *testing.T) {
	t.Parallel()
	yaml := validBase + `
bridge:
  retry:
    initial_backoff: 30s
    max_backoff: 1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for initial_backoff > max_backoff, got nil")
	}
	if !strings.Contains(err.Error(), "max_backoff") {
		t.Errorf("error should mention max_backoff, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: shouty
upstream:
  name: openai-realtime
bridge:
  default_sample_rate: 44100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "api_key", "default_sample_rate"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidUpstreamNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidUpstreamNames) == 0 {
		t.Fatal("ValidUpstreamNames should not be empty")
	}
	found := false
	for _, n := range config.ValidUpstreamNames {
		if n == "openai-realtime" {
			found = true
			break
		}
	}
	if !found {
		t.Error(`ValidUpstreamNames should contain "openai-realtime"`)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateRealtime(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.UpstreamEntry
	reg.RegisterRealtime("scripted", func(entry config.UpstreamEntry, shared config.UpstreamConfig) (realtime.Provider, error) {
		gotEntry = entry
		return &mock.Provider{}, nil
	})

	entry := config.UpstreamEntry{Name: "scripted", APIKey: "k", Model: "m"}
	p, err := reg.CreateRealtime(entry, config.UpstreamConfig{UpstreamEntry: entry})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("CreateRealtime returned nil provider")
	}
	if gotEntry.APIKey != "k" || gotEntry.Model != "m" {
		t.Errorf("factory received wrong entry: %+v", gotEntry)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateRealtime(config.UpstreamEntry{Name: "nope"}, config.UpstreamConfig{})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("want ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_OverwriteKeepsLatest(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	calls := []string{}
	reg.RegisterRealtime("dup", func(config.UpstreamEntry, config.UpstreamConfig) (realtime.Provider, error) {
		calls = append(calls, "first")
		return &mock.Provider{}, nil
	})
	reg.RegisterRealtime("dup", func(config.UpstreamEntry, config.UpstreamConfig) (realtime.Provider, error) {
		calls = append(calls, "second")
		return &mock.Provider{}, nil
	})
	if _, err := reg.CreateRealtime(config.UpstreamEntry{Name: "dup"}, config.UpstreamConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || calls[0] != "second" {
		t.Errorf("latest registration should win, calls: %v", calls)
	}
}
