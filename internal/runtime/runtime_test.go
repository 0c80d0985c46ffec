package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-triage/internal/conditioner"
	"github.com/loqalabs/loqa-triage/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

func TestConditionerOptionsFromDefaults(t *testing.T) {
	got := ConditionerOptions(config.Default().Conditioner)
	want := conditioner.DefaultOptions()
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestNewRecognizer(t *testing.T) {
	cfg := config.Default().STT
	rec, err := NewRecognizer(cfg)
	if err != nil {
		t.Fatalf("mock recognizer: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), make([]byte, 4), 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text == "" {
		t.Fatalf("expected mock transcript")
	}

	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := NewRecognizer(cfg); err == nil {
		t.Fatalf("expected error for empty exec command")
	}

	cfg.Mode = "cloud"
	if _, err := NewRecognizer(cfg); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestTraceExporterKind(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.TelemetryConfig
		want string
	}{
		{"default", config.Default().Telemetry, exporterNone},
		{"stdout", config.TelemetryConfig{StdoutTraces: true}, exporterStdout},
		{"otlp wins", config.TelemetryConfig{OTLPEndpoint: "collector:4317", StdoutTraces: true}, exporterOTLP},
		{"blank endpoint", config.TelemetryConfig{OTLPEndpoint: "   "}, exporterNone},
	}
	for _, tc := range cases {
		if got := traceExporterKind(tc.cfg); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestTriageResourceAttributes(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = "staging"
	cfg.Telemetry.ServiceVersion = "1.2.3"
	res, err := triageResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	set := res.Set()
	if v, ok := set.Value(semconv.ServiceNameKey); !ok || v.AsString() != "loqa-triage" {
		t.Fatalf("unexpected service.name %v", v)
	}
	if v, ok := set.Value(semconv.ServiceVersionKey); !ok || v.AsString() != "1.2.3" {
		t.Fatalf("unexpected service.version %v", v)
	}
	if v, ok := set.Value(semconv.DeploymentEnvironmentNameKey); !ok || v.AsString() != "staging" {
		t.Fatalf("unexpected deployment.environment.name %v", v)
	}
}

func TestMetricViews(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(metricViews()...))
	meter := mp.Meter("test")

	scores, _ := meter.Float64Histogram("triage.risk_score")
	scores.Record(ctx, 4.35)
	skipped, _ := meter.Int64Counter("conditioner.stage.skipped")
	skipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", "low_pass"),
		attribute.String("session_id", "call-1"),
	))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "triage.risk_score":
				hist, ok := m.Data.(metricdata.Histogram[float64])
				if !ok || len(hist.DataPoints) != 1 {
					t.Fatalf("unexpected histogram data %T", m.Data)
				}
				bounds := hist.DataPoints[0].Bounds
				if len(bounds) != len(riskScoreBuckets) || bounds[0] != 0 || bounds[len(bounds)-1] != 10 {
					t.Fatalf("unexpected bounds %v", bounds)
				}
				found[m.Name] = true
			case "conditioner.stage.skipped":
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok || len(sum.DataPoints) != 1 {
					t.Fatalf("unexpected counter data %T", m.Data)
				}
				attrs := sum.DataPoints[0].Attributes
				if attrs.Len() != 1 {
					t.Fatalf("expected only the stage attribute, got %v", attrs.ToSlice())
				}
				if v, _ := attrs.Value("stage"); v.AsString() != "low_pass" {
					t.Fatalf("unexpected stage %v", v)
				}
				found[m.Name] = true
			}
		}
	}
	if len(found) != 2 {
		t.Fatalf("expected both instruments collected, got %v", found)
	}
}

func TestInitMetricsServesRegistry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	res, err := triageResource(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	mp, handler := initMetrics(res, logger)
	defer mp.Shutdown(context.Background())
	if handler == nil {
		t.Fatalf("expected metrics handler")
	}

	counter, _ := mp.Meter("test").Int64Counter("triage.verdicts")
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tier", "HIGH")))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"triage_verdicts", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}

	// A second runtime in the same process gets its own registry.
	mp2, handler2 := initMetrics(res, logger)
	defer mp2.Shutdown(context.Background())
	if handler2 == nil {
		t.Fatalf("expected second metrics handler")
	}
}
