package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known upstream provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. Environment overrides are not applied; see
// [ApplyEnv].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
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
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
		}
	}
	if r := cfg.Server.SampleRatio(); r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Provider
	validateProviderName(cfg.Provider.Name)

	// Transcription / VAD
	if cfg.Transcription.Model == "" {
		errs = append(errs, fmt.Errorf("transcription.model is required"))
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.PrefixPaddingMs < 0 {
		errs = append(errs, fmt.Errorf("vad.prefix_padding_ms %d must not be negative", cfg.VAD.PrefixPaddingMs))
	}
	if cfg.VAD.SilenceDurationMs < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_duration_ms %d must not be negative", cfg.VAD.SilenceDurationMs))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	} else if cfg.Audio.SampleRate != DefaultSampleRate {
		slog.Warn("audio.sample_rate differs from the provider's pcm16 rate; transcripts may be garbled",
			"sample_rate", cfg.Audio.SampleRate,
			"provider_rate", DefaultSampleRate,
		)
	}

	// Capture
	if cfg.Capture.InputFormat != "" && !cfg.Capture.InputFormat.IsValid() {
		errs = append(errs, fmt.Errorf("capture.input_format %q is invalid; valid values: dshow, pulse, avfoundation", cfg.Capture.InputFormat))
	}
	if !cfg.Capture.Disabled && len(cfg.Capture.Args) == 0 && cfg.Capture.Device == "" {
		errs = append(errs, fmt.Errorf("capture.device is required unless capture.args is set"))
	}
	if cfg.Capture.SourceRate < 0 {
		errs = append(errs, fmt.Errorf("capture.source_rate %d must not be negative", cfg.Capture.SourceRate))
	}
	if ch := cfg.Capture.SourceChannels; ch != 0 && ch != 1 && ch != 2 {
		errs = append(errs, fmt.Errorf("capture.source_channels %d is invalid; valid values: 1, 2", ch))
	}
	if cfg.Capture.ChunkBuffer < 0 {
		errs = append(errs, fmt.Errorf("capture.chunk_buffer %d must not be negative", cfg.Capture.ChunkBuffer))
	}

	// Relay
	if cfg.Relay.MaxPending != nil && *cfg.Relay.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("relay.max_pending %d must not be negative", *cfg.Relay.MaxPending))
	}
	if cfg.Relay.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("relay.read_limit %d must not be negative", cfg.Relay.ReadLimit))
	}
	if cfg.Relay.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("relay.breaker.max_failures %d must not be negative", cfg.Relay.Breaker.MaxFailures))
	}
	if cfg.Relay.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.breaker.reset_timeout %s must not be negative", cfg.Relay.Breaker.ResetTimeout))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
