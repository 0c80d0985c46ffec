package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-triage/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const (
	exporterOTLP   = "otlp"
	exporterStdout = "stdout"
	exporterNone   = "none"
)

// riskScoreBuckets gives one bucket per score point on the 0..10 scale.
var riskScoreBuckets = []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := triageResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return shutdown, metricHandler, nil
}

func triageResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.DeploymentEnvironmentName(cfg.Environment),
	}
	if v := strings.TrimSpace(cfg.Telemetry.ServiceVersion); v != "" {
		attrs = append(attrs, semconv.ServiceVersion(v))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// traceExporterKind picks where spans go: the OTLP collector when an
// endpoint is configured, pretty stdout when asked for, otherwise nowhere.
func traceExporterKind(t config.TelemetryConfig) string {
	switch {
	case strings.TrimSpace(t.OTLPEndpoint) != "":
		return exporterOTLP
	case t.StdoutTraces:
		return exporterStdout
	default:
		return exporterNone
	}
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	kind := traceExporterKind(cfg.Telemetry)
	switch kind {
	case exporterOTLP:
		endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint)
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	case exporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	logger.Info("telemetry initialized",
		slog.String("exporter", kind),
		slog.String("endpoint", cfg.Telemetry.OTLPEndpoint))
	return sdktrace.NewTracerProvider(opts...), nil
}

// metricViews shapes the triage instruments: score buckets on the risk
// scale and a bounded attribute set on each counter.
func metricViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "triage.risk_score"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: riskScoreBuckets}},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "triage.verdicts"},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter("tier", "category")},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "conditioner.stage.skipped"},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter("stage")},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "stt.transcriptions"},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter("outcome")},
		),
	}
}

// initMetrics serves OTel instruments and Go runtime collectors from a
// registry owned by this runtime. Without the Prometheus reader the meter
// provider still records, it just has nothing to scrape.
func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithView(metricViews()...)}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(opts...), nil
	}
	opts = append(opts, sdkmetric.WithReader(exporter))
	return sdkmetric.NewMeterProvider(opts...), promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
