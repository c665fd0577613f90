package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// setupTelemetry runs Setup with cfg and restores the global providers when
// the test ends.
func setupTelemetry(t *testing.T, cfg TelemetryConfig) *Telemetry {
	t.Helper()
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	origProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})

	tel, err := Setup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func TestSetup_ServesRelayMetrics(t *testing.T) {
	tel := setupTelemetry(t, TelemetryConfig{ServiceVersion: "test", SampleRatio: 1})

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordControlMessage(context.Background(), "input_audio_buffer.commit")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"voxrelay_control_messages", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestSetup_UsesGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	setupTelemetry(t, TelemetryConfig{SampleRatio: 1, Registry: reg})

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordCaptureStart(context.Background(), "started")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "voxrelay_capture_starts") {
			found = true
		}
		if strings.HasPrefix(f.GetName(), "go_") {
			t.Errorf("caller registry gained runtime collector %s", f.GetName())
		}
	}
	if !found {
		t.Error("capture start counter not gathered from the given registry")
	}
}

func TestSetup_Sampling(t *testing.T) {
	setupTelemetry(t, TelemetryConfig{SampleRatio: 0})
	tracer := otel.Tracer("test")

	_, root := tracer.Start(context.Background(), "root")
	root.End()
	if root.SpanContext().IsSampled() {
		t.Error("root span sampled with ratio 0")
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	_, child := tracer.Start(trace.ContextWithRemoteSpanContext(context.Background(), parent), "child")
	child.End()
	if !child.SpanContext().IsSampled() {
		t.Error("child of a sampled remote parent was not sampled")
	}
}

func TestSetup_RejectsBadRatio(t *testing.T) {
	if _, err := Setup(context.Background(), TelemetryConfig{SampleRatio: 2}); err == nil {
		t.Fatal("Setup accepted sample ratio 2")
	}
}
