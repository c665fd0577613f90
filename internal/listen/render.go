package listen

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

// Renderer prints relay events to a terminal. Deltas stream onto the current
// line; a completed transcript replaces that line and ends it.
type Renderer struct {
	mu      sync.Mutex
	out     io.Writer
	errOut  io.Writer
	midLine bool

	completed int
}

// NewRenderer returns a Renderer writing transcripts to out and provider
// errors to errOut.
func NewRenderer(out, errOut io.Writer) *Renderer {
	return &Renderer{out: out, errOut: errOut}
}

// Render decodes one relay text message and prints it if it is a
// transcription or error event. ok is false for undecodable payloads.
func (r *Renderer) Render(data []byte) (ev realtime.ServerEvent, ok bool) {
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case realtime.EventTranscriptionDelta:
		if ev.Delta == "" {
			break
		}
		_, _ = io.WriteString(r.out, ev.Delta)
		r.midLine = true

	case realtime.EventTranscriptionCompleted:
		r.completed++
		if r.midLine {
			// Clear the streamed deltas; the final transcript is authoritative.
			_, _ = io.WriteString(r.out, "\r\x1b[K")
			r.midLine = false
		}
		if ev.Transcript != "" {
			_, _ = fmt.Fprintln(r.out, ev.Transcript)
		}

	case realtime.EventError:
		if r.midLine {
			_, _ = fmt.Fprintln(r.out)
			r.midLine = false
		}
		_, _ = fmt.Fprintln(r.errOut, formatError(ev.Error))
	}
	return ev, true
}

// Completed returns the number of completed transcripts rendered so far.
func (r *Renderer) Completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func formatError(detail *realtime.ServerErrorDetail) string {
	switch {
	case detail == nil:
		return "error: (no details)"
	case detail.Code != "":
		return fmt.Sprintf("error: %s: %s", detail.Code, detail.Message)
	case detail.Type != "":
		return fmt.Sprintf("error: %s: %s", detail.Type, detail.Message)
	default:
		return "error: " + detail.Message
	}
}
