package realtime_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

func TestSessionUpdate(t *testing.T) {
	t.Parallel()

	type turnDetection struct {
		Type              string  `json:"type"`
		Threshold         float64 `json:"threshold"`
		PrefixPaddingMs   int     `json:"prefix_padding_ms"`
		SilenceDurationMs int     `json:"silence_duration_ms"`
	}
	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Model                   string `json:"model"`
			InputAudioFormat        string `json:"input_audio_format"`
			InputAudioTranscription struct {
				Model    string `json:"model"`
				Language string `json:"language"`
				Prompt   string `json:"prompt"`
			} `json:"input_audio_transcription"`
			TurnDetection *turnDetection `json:"turn_detection"`
		} `json:"session"`
	}

	base := realtime.SessionConfig{
		Model:    "gpt-4o-transcribe",
		Language: "de",
		Prompt:   "Glyphs, runes",
		VAD: realtime.VADConfig{
			Enabled:           true,
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	}

	t.Run("vad enabled", func(t *testing.T) {
		t.Parallel()
		data, err := realtime.SessionUpdate(base)
		if err != nil {
			t.Fatalf("SessionUpdate: %v", err)
		}
		var msg sessionUpdateMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.InputAudioFormat != "pcm16" {
			t.Errorf("input_audio_format = %q; want pcm16", msg.Session.InputAudioFormat)
		}
		tr := msg.Session.InputAudioTranscription
		if tr.Model != "gpt-4o-transcribe" || tr.Language != "de" || tr.Prompt != "Glyphs, runes" {
			t.Errorf("input_audio_transcription = %+v", tr)
		}
		td := msg.Session.TurnDetection
		if td == nil {
			t.Fatal("turn_detection is null; want server_vad")
		}
		want := turnDetection{Type: "server_vad", Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500}
		if *td != want {
			t.Errorf("turn_detection = %+v; want %+v", *td, want)
		}
	})

	t.Run("vad disabled encodes null", func(t *testing.T) {
		t.Parallel()
		cfg := base
		cfg.VAD.Enabled = false
		data, err := realtime.SessionUpdate(cfg)
		if err != nil {
			t.Fatalf("SessionUpdate: %v", err)
		}
		var raw struct {
			Session map[string]json.RawMessage `json:"session"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		td, ok := raw.Session["turn_detection"]
		if !ok {
			t.Fatal("turn_detection key missing")
		}
		if string(td) != "null" {
			t.Errorf("turn_detection = %s; want null", td)
		}
	})
}

func TestAppendAudio(t *testing.T) {
	t.Parallel()

	frame := []byte{0x10, 0x20, 0x30, 0x40}
	var msg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(realtime.AppendAudio(frame), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "input_audio_buffer.append" {
		t.Errorf("type = %q", msg.Type)
	}
	got, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	if string(got) != string(frame) {
		t.Errorf("audio = %v; want %v", got, frame)
	}
}

func TestCommit(t *testing.T) {
	t.Parallel()
	if got := string(realtime.Commit()); got != `{"type":"input_audio_buffer.commit"}` {
		t.Errorf("Commit() = %s", got)
	}
}

func TestParseControl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		wantType string
		wantErr  bool
	}{
		{name: "capture start", in: `{"type":"speaker.capture.start"}`, wantType: "speaker.capture.start"},
		{name: "passthrough", in: `{"type":"input_audio_buffer.clear","event_id":"x"}`, wantType: "input_audio_buffer.clear"},
		{name: "padded", in: " \n{\"type\":\"speaker.capture.stop\"}\t", wantType: "speaker.capture.stop"},
		{name: "malformed", in: `{"type":`, wantErr: true},
		{name: "plain text", in: `not json`, wantErr: true},
		{name: "empty", in: ``, wantErr: true},
		{name: "array", in: `[1,2]`, wantType: ""},
		{name: "number", in: `42`, wantType: ""},
		{name: "null", in: `null`, wantType: ""},
		{name: "string", in: `"speaker.capture.start"`, wantType: ""},
		{name: "missing type", in: `{"foo":"bar"}`, wantType: ""},
		{name: "type not a string", in: `{"type":5}`, wantType: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msg, err := realtime.ParseControl([]byte(tc.in))
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseControl err = %v; wantErr %v", err, tc.wantErr)
			}
			if msg.Type != tc.wantType {
				t.Errorf("Type = %q; want %q", msg.Type, tc.wantType)
			}
		})
	}
}

func TestApplyOverride(t *testing.T) {
	t.Parallel()

	base := realtime.SessionConfig{
		VAD: realtime.VADConfig{Enabled: true, Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500},
	}

	tests := []struct {
		name string
		raw  string
		want realtime.SessionConfig
	}{
		{
			name: "turn detection null disables vad",
			raw:  `{"turn_detection":null}`,
			want: realtime.SessionConfig{VAD: realtime.VADConfig{Enabled: false, Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500}},
		},
		{
			name: "silence duration override",
			raw:  `{"input_audio_format":"pcm16","turn_detection":{"type":"server_vad","silence_duration_ms":800}}`,
			want: realtime.SessionConfig{
				InputAudioFormat: "pcm16",
				VAD:              realtime.VADConfig{Enabled: true, Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 800},
			},
		},
		{
			name: "no relevant fields",
			raw:  `{"instructions":"hi"}`,
			want: base,
		},
		{
			name: "malformed body",
			raw:  `"oops"`,
			want: base,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := realtime.ApplyOverride(base, json.RawMessage(tc.raw))
			if got != tc.want {
				t.Errorf("ApplyOverride = %+v; want %+v", got, tc.want)
			}
		})
	}
}
