// Package config provides the configuration schema, loader, and provider registry
// for the voxrelay transcription relay.
package config

import (
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

// LogLevel controls log verbosity for the voxrelay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// InputFormat selects the ffmpeg demuxer used to open the capture device.
type InputFormat string

const (
	// InputDShow is DirectShow on Windows (e.g. "virtual-audio-capturer").
	InputDShow InputFormat = "dshow"

	// InputPulse is PulseAudio on Linux (e.g. a ".monitor" source).
	InputPulse InputFormat = "pulse"

	// InputAVFoundation is AVFoundation on macOS (e.g. ":1").
	InputAVFoundation InputFormat = "avfoundation"
)

// IsValid reports whether f is a recognised capture input format.
func (f InputFormat) IsValid() bool {
	switch f {
	case InputDShow, InputPulse, InputAVFoundation:
		return true
	}
	return false
}

// Config is the root configuration structure for voxrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Provider      ProviderEntry       `yaml:"provider"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	VAD           VADConfig           `yaml:"vad"`
	Audio         AudioConfig         `yaml:"audio"`
	Capture       CaptureConfig       `yaml:"capture"`
	Relay         RelayConfig         `yaml:"relay"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3001").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// StaticDir, when set, is served at "/" as a browser frontend.
	StaticDir string `yaml:"static_dir"`

	// AllowedOrigins lists host patterns accepted for WebSocket upgrades.
	// Empty accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TraceSampleRatio is the fraction of new traces that are sampled, in
	// [0, 1]. Requests carrying a sampled traceparent are always recorded.
	// Nil means 1.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}

// SampleRatio returns TraceSampleRatio with its default applied.
func (s ServerConfig) SampleRatio() float64 {
	if s.TraceSampleRatio == nil {
		return 1
	}
	return *s.TraceSampleRatio
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the upstream transcription provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model passed on connect.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above (e.g. "beta", "api_base_url").
	Options map[string]any `yaml:"options"`
}

// TranscriptionConfig holds the transcription parameters sent in session.update.
type TranscriptionConfig struct {
	// Model is the transcription model (e.g., "gpt-4o-transcribe").
	Model string `yaml:"model"`

	// Language is an ISO-639-1 hint (e.g., "en").
	Language string `yaml:"language"`

	// Prompt is optional vocabulary or style guidance.
	Prompt string `yaml:"prompt"`
}

// VADConfig configures server-side voice activity detection.
type VADConfig struct {
	// Enabled toggles server VAD. Nil means enabled.
	Enabled *bool `yaml:"enabled"`

	// Threshold is the activation threshold in [0, 1].
	Threshold float64 `yaml:"threshold"`

	// PrefixPaddingMs is the audio kept before detected speech.
	PrefixPaddingMs int `yaml:"prefix_padding_ms"`

	// SilenceDurationMs is the silence that ends a turn.
	SilenceDurationMs int `yaml:"silence_duration_ms"`
}

// IsEnabled reports whether VAD is enabled, treating nil as true.
func (v VADConfig) IsEnabled() bool {
	return v.Enabled == nil || *v.Enabled
}

// AudioConfig holds the canonical audio frame format.
type AudioConfig struct {
	// SampleRate is the PCM16 mono rate in Hz used on the wire.
	SampleRate int `yaml:"sample_rate"`
}

// CaptureConfig configures the server-side capture subprocess.
type CaptureConfig struct {
	// Disabled rejects speaker.capture.start requests.
	Disabled bool `yaml:"disabled"`

	// FFmpegPath is the capture executable.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// Device identifies the loopback or virtual input device.
	Device string `yaml:"device"`

	// InputFormat selects the ffmpeg demuxer for Device.
	InputFormat InputFormat `yaml:"input_format"`

	// Args, when non-empty, replaces the generated ffmpeg argument list.
	Args []string `yaml:"args"`

	// ChunkBuffer is the number of output chunks buffered between the
	// subprocess and the session.
	ChunkBuffer int `yaml:"chunk_buffer"`

	// SourceRate and SourceChannels describe the s16le stream the
	// subprocess writes. They only need setting when Args produce something
	// other than mono at audio.sample_rate; the relay converts the stream.
	// Zero means "same as the wire format".
	SourceRate     int `yaml:"source_rate"`
	SourceChannels int `yaml:"source_channels"`
}

// RelayConfig tunes per-session relay behaviour.
type RelayConfig struct {
	// MaxPending bounds the messages queued while the provider is connecting.
	// Nil uses the default; zero disables the bound.
	MaxPending *int `yaml:"max_pending"`

	// ReadLimit is the maximum size in bytes of a single WebSocket message
	// in either direction.
	ReadLimit int64 `yaml:"read_limit"`

	// Breaker tunes the circuit breaker in front of provider dials.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the provider circuit breaker. Zero values select
// the breaker's defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed dials that opens the
	// breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long new sessions fail fast before a probe dial,
	// e.g. "30s".
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// PendingLimit returns the effective pending-queue bound (zero = unbounded).
func (r RelayConfig) PendingLimit() int {
	if r.MaxPending == nil {
		return DefaultMaxPending
	}
	return *r.MaxPending
}

// SessionConfig derives the per-session provider configuration.
func (c *Config) SessionConfig() realtime.SessionConfig {
	return realtime.SessionConfig{
		Model:    c.Transcription.Model,
		Language: c.Transcription.Language,
		Prompt:   c.Transcription.Prompt,
		VAD: realtime.VADConfig{
			Enabled:           c.VAD.IsEnabled(),
			Threshold:         c.VAD.Threshold,
			PrefixPaddingMs:   c.VAD.PrefixPaddingMs,
			SilenceDurationMs: c.VAD.SilenceDurationMs,
		},
		SampleRate:       c.Audio.SampleRate,
		InputAudioFormat: realtime.InputAudioFormatPCM16,
	}
}
