package realtime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Client event types sent to the provider.
const (
	EventSessionUpdate    = "session.update"
	EventInputAudioAppend = "input_audio_buffer.append"
	EventInputAudioCommit = "input_audio_buffer.commit"
	EventInputAudioClear  = "input_audio_buffer.clear"
)

// Relay-local control events. They are handled by the relay and never reach
// the provider.
const (
	EventSpeakerCaptureStart = "speaker.capture.start"
	EventSpeakerCaptureStop  = "speaker.capture.stop"
)

// Server event types the listen client and tests care about. The relay itself
// treats every server event as opaque.
const (
	EventTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	EventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventError                  = "error"
	EventSessionCreated         = "transcription_session.created"
	EventSessionUpdated         = "transcription_session.updated"
)

// InputAudioFormatPCM16 is the only input format the relay produces.
const InputAudioFormatPCM16 = "pcm16"

// ── Outgoing messages ─────────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Model                   string               `json:"model,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	InputAudioTranscription transcriptionParams  `json:"input_audio_transcription"`
	TurnDetection           *turnDetectionParams `json:"turn_detection"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language"`
	Prompt   string `json:"prompt"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

// SessionUpdate encodes the session.update event for cfg. Turn detection is
// encoded as JSON null when VAD is disabled, which tells the provider to wait
// for explicit commits.
func SessionUpdate(cfg SessionConfig) ([]byte, error) {
	format := cfg.InputAudioFormat
	if format == "" {
		format = InputAudioFormatPCM16
	}
	params := sessionParams{
		Model:            cfg.Model,
		InputAudioFormat: format,
		InputAudioTranscription: transcriptionParams{
			Model:    cfg.Model,
			Language: cfg.Language,
			Prompt:   cfg.Prompt,
		},
	}
	if cfg.VAD.Enabled {
		params.TurnDetection = &turnDetectionParams{
			Type:              "server_vad",
			Threshold:         cfg.VAD.Threshold,
			PrefixPaddingMs:   cfg.VAD.PrefixPaddingMs,
			SilenceDurationMs: cfg.VAD.SilenceDurationMs,
		}
	}
	data, err := json.Marshal(sessionUpdateMessage{Type: EventSessionUpdate, Session: params})
	if err != nil {
		return nil, fmt.Errorf("realtime: marshal session.update: %w", err)
	}
	return data, nil
}

// AppendAudio wraps a PCM16 frame in an input_audio_buffer.append event.
func AppendAudio(frame []byte) []byte {
	// json.Marshal cannot fail for this shape.
	data, _ := json.Marshal(appendAudioMessage{
		Type:  EventInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(frame),
	})
	return data
}

// Commit returns the input_audio_buffer.commit event.
func Commit() []byte {
	data, _ := json.Marshal(typeOnlyMessage{Type: EventInputAudioCommit})
	return data
}

// ── Control message inspection ────────────────────────────────────────────────

// ControlMessage is the subset of a client control message the relay
// inspects. Everything else in the payload is forwarded untouched.
type ControlMessage struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session,omitempty"`
}

// ParseControl decodes the type (and, for session.update, the session body)
// of a client JSON message. It fails only on malformed JSON. Any valid value
// that is not an object carrying a string type, such as an array, a number,
// null or {"type":5}, yields an empty Type and is passed through like any
// unknown event.
func ParseControl(data []byte) (ControlMessage, error) {
	if !json.Valid(data) {
		return ControlMessage{}, errors.New("realtime: parse control: invalid JSON")
	}
	trimmed := bytes.TrimSpace(data)
	if trimmed[0] != '{' {
		return ControlMessage{}, nil
	}
	var msg ControlMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return ControlMessage{}, nil
	}
	return msg, nil
}

// SessionOverride captures the fields of a client session.update the relay
// mirrors into its own session configuration record.
type SessionOverride struct {
	InputAudioFormat *string          `json:"input_audio_format,omitempty"`
	TurnDetection    *json.RawMessage `json:"turn_detection,omitempty"`
}

// ApplyOverride merges the overrides found in a raw session.update body into
// cfg. Unknown or malformed fields leave cfg untouched.
func ApplyOverride(cfg SessionConfig, raw json.RawMessage) SessionConfig {
	if len(raw) == 0 {
		return cfg
	}
	var ov SessionOverride
	if err := json.Unmarshal(raw, &ov); err != nil {
		return cfg
	}
	if ov.InputAudioFormat != nil && *ov.InputAudioFormat != "" {
		cfg.InputAudioFormat = *ov.InputAudioFormat
	}
	if ov.TurnDetection != nil {
		td := *ov.TurnDetection
		if string(td) == "null" {
			cfg.VAD.Enabled = false
		} else {
			var p turnDetectionParams
			if err := json.Unmarshal(td, &p); err == nil {
				cfg.VAD.Enabled = true
				if p.Threshold != 0 {
					cfg.VAD.Threshold = p.Threshold
				}
				if p.PrefixPaddingMs != 0 {
					cfg.VAD.PrefixPaddingMs = p.PrefixPaddingMs
				}
				if p.SilenceDurationMs != 0 {
					cfg.VAD.SilenceDurationMs = p.SilenceDurationMs
				}
			}
		}
	}
	return cfg
}

// ── Server events ─────────────────────────────────────────────────────────────

// ServerEvent is a loose decoding of provider events, used by the listen
// client to render transcripts.
type ServerEvent struct {
	Type       string             `json:"type"`
	ItemID     string             `json:"item_id,omitempty"`
	Delta      string             `json:"delta,omitempty"`
	Transcript string             `json:"transcript,omitempty"`
	Error      *ServerErrorDetail `json:"error,omitempty"`
}

// ServerErrorDetail represents the nested error object in an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ServerErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
