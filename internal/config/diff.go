package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes apply to sessions started after the reload; the
// rest are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any field feeding the per-session
	// configuration (transcription, vad, audio) changed.
	SessionChanged bool

	// RelayChanged is true if relay limits changed.
	RelayChanged bool

	// CaptureChanged is true if the capture subprocess settings changed.
	CaptureChanged bool

	// RestartRequired names the changed settings that only take effect after
	// a restart (e.g. "server.listen_addr").
	RestartRequired []string
}

// Changed reports whether d contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || d.RelayChanged || d.CaptureChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Transcription != new.Transcription ||
		old.VAD.IsEnabled() != new.VAD.IsEnabled() ||
		old.VAD.Threshold != new.VAD.Threshold ||
		old.VAD.PrefixPaddingMs != new.VAD.PrefixPaddingMs ||
		old.VAD.SilenceDurationMs != new.VAD.SilenceDurationMs ||
		old.Audio != new.Audio {
		d.SessionChanged = true
	}

	if old.Relay.PendingLimit() != new.Relay.PendingLimit() || old.Relay.ReadLimit != new.Relay.ReadLimit {
		d.RelayChanged = true
	}

	if old.Capture.Disabled != new.Capture.Disabled ||
		old.Capture.FFmpegPath != new.Capture.FFmpegPath ||
		old.Capture.Device != new.Capture.Device ||
		old.Capture.InputFormat != new.Capture.InputFormat ||
		old.Capture.ChunkBuffer != new.Capture.ChunkBuffer ||
		old.Capture.SourceRate != new.Capture.SourceRate ||
		old.Capture.SourceChannels != new.Capture.SourceChannels ||
		!slices.Equal(old.Capture.Args, new.Capture.Args) {
		d.CaptureChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Server.StaticDir != new.Server.StaticDir {
		d.RestartRequired = append(d.RestartRequired, "server.static_dir")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if old.Server.SampleRatio() != new.Server.SampleRatio() {
		d.RestartRequired = append(d.RestartRequired, "server.trace_sample_ratio")
	}
	if old.Relay.Breaker != new.Relay.Breaker {
		d.RestartRequired = append(d.RestartRequired, "relay.breaker")
	}
	if old.Provider.Name != new.Provider.Name ||
		old.Provider.APIKey != new.Provider.APIKey ||
		old.Provider.BaseURL != new.Provider.BaseURL ||
		old.Provider.Model != new.Provider.Model {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
