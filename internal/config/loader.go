package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weltlinger/trunkline/internal/persona"
	"github.com/weltlinger/trunkline/pkg/audio"
)

// ValidUpstreamNames lists the upstream backend names that ship with
// Trunkline. Used by [Validate] to warn about unrecognised names.
var ValidUpstreamNames = []string{"openai-realtime"}

// Temperature bounds accepted by the realtime backends.
const (
	minTemperature = 0.6
	maxTemperature = 1.2
)

// Outbound chunk duration bounds in milliseconds.
const (
	minChunkMS = 10
	maxChunkMS = 200
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.StreamPath != "" && !strings.HasPrefix(cfg.Server.StreamPath, "/") {
		errs = append(errs, fmt.Errorf("server.stream_path %q must start with /", cfg.Server.StreamPath))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Upstream
	validateUpstreamName("upstream", cfg.Upstream.Name)
	if cfg.Upstream.Name != "" && cfg.Upstream.APIKey == "" && cfg.Upstream.BaseURL == "" {
		errs = append(errs, fmt.Errorf("upstream.api_key is required for %q", cfg.Upstream.Name))
	}
	if t := cfg.Upstream.Temperature; t != 0 && (t < minTemperature || t > maxTemperature) {
		errs = append(errs, fmt.Errorf("upstream.temperature %.2f is out of range [%.1f, %.1f]", t, minTemperature, maxTemperature))
	}
	if cfg.Upstream.MaxResponseTokens < 0 {
		errs = append(errs, fmt.Errorf("upstream.max_response_tokens %d is negative", cfg.Upstream.MaxResponseTokens))
	}
	for i, fb := range cfg.Upstream.Fallbacks {
		prefix := fmt.Sprintf("upstream.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateUpstreamName(prefix, fb.Name)
		if fb.APIKey == "" && fb.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for %q", prefix, fb.Name))
		}
	}

	// Bot — render once to surface template errors at load time.
	if _, err := persona.New(persona.Params{
		Kind:          cfg.Bot.Persona,
		AssistantName: cfg.Bot.AssistantName,
		CompanyName:   cfg.Bot.CompanyName,
		Instructions:  cfg.Bot.Instructions,
		Greeting:      cfg.Bot.Greeting,
	}); err != nil {
		errs = append(errs, fmt.Errorf("bot: %w", err))
	}

	// Bridge
	if cfg.Bridge.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("bridge.max_sessions %d is negative", cfg.Bridge.MaxSessions))
	}
	if r := cfg.Bridge.DefaultSampleRate; r != 0 && !audio.RateSupported(r) {
		errs = append(errs, fmt.Errorf("bridge.default_sample_rate %d is unsupported; valid values: %v", r, audio.SupportedRates))
	}
	if c := cfg.Bridge.ChunkMS; c != 0 && (c < minChunkMS || c > maxChunkMS) {
		errs = append(errs, fmt.Errorf("bridge.chunk_ms %d is out of range [%d, %d]", c, minChunkMS, maxChunkMS))
	}
	if cfg.Bridge.SpeechThreshold < 0 {
		errs = append(errs, fmt.Errorf("bridge.speech_threshold %.1f is negative", cfg.Bridge.SpeechThreshold))
	}
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"bridge.silence_timeout", cfg.Bridge.SilenceTimeout},
		{"bridge.session_timeout", cfg.Bridge.SessionTimeout},
		{"bridge.handshake_timeout", cfg.Bridge.HandshakeTimeout},
		{"bridge.retry.initial_backoff", cfg.Bridge.Retry.InitialBackoff},
		{"bridge.retry.max_backoff", cfg.Bridge.Retry.MaxBackoff},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s %v is negative", d.name, d.value.Std()))
		}
	}
	if cfg.Bridge.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("bridge.retry.max_attempts %d is negative", cfg.Bridge.Retry.MaxAttempts))
	}
	if ib, mb := cfg.Bridge.Retry.InitialBackoff, cfg.Bridge.Retry.MaxBackoff; ib > 0 && mb > 0 && ib > mb {
		errs = append(errs, fmt.Errorf("bridge.retry.initial_backoff %v exceeds max_backoff %v", ib.Std(), mb.Std()))
	}

	// Call log availability
	if cfg.CallLog.PostgresDSN == "" {
		slog.Warn("calllog.postgres_dsn is empty; call records and transcripts will not be persisted")
	}

	return errors.Join(errs...)
}

// validateUpstreamName logs a warning if name is non-empty and not found in
// [ValidUpstreamNames].
func validateUpstreamName(field, name string) {
	if name == "" || slices.Contains(ValidUpstreamNames, name) {
		return
	}
	slog.Warn("unknown upstream name — may be a typo or third-party backend",
		"field", field,
		"name", name,
		"known", ValidUpstreamNames,
	)
}
