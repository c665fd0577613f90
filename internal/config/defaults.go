package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":3001"
	DefaultProviderName      = "openai-realtime"
	DefaultRealtimeModel     = "gpt-4o-transcribe"
	DefaultTranscribeModel   = "gpt-4o-transcribe"
	DefaultLanguage          = "en"
	DefaultVADThreshold      = 0.5
	DefaultPrefixPaddingMs   = 300
	DefaultSilenceDurationMs = 500
	DefaultSampleRate        = 24000
	DefaultFFmpegPath        = "ffmpeg"
	DefaultCaptureDevice     = "virtual-audio-capturer"
	DefaultChunkBuffer       = 64
	DefaultMaxPending        = 4096
	DefaultReadLimit         = 1 << 20
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Provider.Name, DefaultProviderName)
	setDefault(&cfg.Provider.Model, DefaultRealtimeModel)

	setDefault(&cfg.Transcription.Model, DefaultTranscribeModel)
	setDefault(&cfg.Transcription.Language, DefaultLanguage)

	setDefault(&cfg.VAD.Threshold, DefaultVADThreshold)
	setDefault(&cfg.VAD.PrefixPaddingMs, DefaultPrefixPaddingMs)
	setDefault(&cfg.VAD.SilenceDurationMs, DefaultSilenceDurationMs)

	setDefault(&cfg.Audio.SampleRate, DefaultSampleRate)

	setDefault(&cfg.Capture.FFmpegPath, DefaultFFmpegPath)
	setDefault(&cfg.Capture.Device, DefaultCaptureDevice)
	setDefault(&cfg.Capture.InputFormat, InputDShow)
	setDefault(&cfg.Capture.ChunkBuffer, DefaultChunkBuffer)

	setDefault(&cfg.Relay.ReadLimit, DefaultReadLimit)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with the relay's environment variables (PORT,
// OPENAI_API_KEY, VAD_ENABLED and friends). Unset or empty variables leave cfg untouched. It returns a joined
// error for values that cannot be parsed; valid variables are still applied.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	env := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error
	parseInt := func(key string, dst *int) {
		if v, ok := env(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("env %s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	if v, ok := env("PORT"); ok {
		if _, err := strconv.Atoi(v); err != nil {
			errs = append(errs, fmt.Errorf("env PORT: %w", err))
		} else {
			cfg.Server.ListenAddr = ":" + v
		}
	}
	if v, ok := env("OPENAI_API_KEY"); ok {
		cfg.Provider.APIKey = v
	}
	if v, ok := env("OPENAI_REALTIME_MODEL"); ok {
		cfg.Provider.Model = v
	}
	if v, ok := env("TRANSCRIPTION_MODEL"); ok {
		cfg.Transcription.Model = v
	}
	if v, ok := env("TRANSCRIPTION_LANGUAGE"); ok {
		cfg.Transcription.Language = v
	}
	if v, ok := env("TRANSCRIPTION_PROMPT"); ok {
		cfg.Transcription.Prompt = v
	}
	if v, ok := env("VAD_ENABLED"); ok {
		// Only the literal "false" disables VAD.
		enabled := v != "false"
		cfg.VAD.Enabled = &enabled
	}
	if v, ok := env("VAD_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("env VAD_THRESHOLD: %w", err))
		} else {
			cfg.VAD.Threshold = f
		}
	}
	parseInt("VAD_PREFIX_PADDING_MS", &cfg.VAD.PrefixPaddingMs)
	parseInt("VAD_SILENCE_DURATION_MS", &cfg.VAD.SilenceDurationMs)
	parseInt("AUDIO_RATE", &cfg.Audio.SampleRate)
	if v, ok := env("FFMPEG_PATH"); ok {
		cfg.Capture.FFmpegPath = v
	}
	if v, ok := env("SPEAKER_DEVICE"); ok {
		cfg.Capture.Device = v
	}
	if v, ok := env("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	return errors.Join(errs...)
}
