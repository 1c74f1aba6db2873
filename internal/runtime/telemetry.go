package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// synthesisLatencyBounds covers a short phrase up to the default call timeout.
var synthesisLatencyBounds = []float64{25, 50, 100, 200, 400, 800, 1500, 3000, 6000, 12000, 45000}

// perSessionMetrics carry a session.id attribute that is useful on spans but
// unbounded as a metric label.
var perSessionMetrics = []string{"translate.capture.frames"}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := telemetryResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return shutdown, metricHandler, nil
}

// telemetryResource describes this translation node: who it is on the bus
// and which collaborators its sessions run with.
func telemetryResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("translate.recognition.mode", cfg.Recognition.Mode),
		attribute.String("translate.synthesis.mode", cfg.Synthesis.Mode),
		attribute.String("translate.playback.mode", cfg.Playback.Mode),
		attribute.String("translate.playback.delivery", cfg.Playback.Delivery),
	}
	if cfg.Node.ID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.Node.ID))
	}
	if cfg.Node.Role != "" {
		attrs = append(attrs, attribute.String("translate.node.role", cfg.Node.Role))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	exporter, name, err := traceExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	logger.Info("telemetry initialized", slog.String("exporter", name))
	return sdktrace.NewTracerProvider(opts...), nil
}

// traceExporter picks OTLP when an endpoint is set, stdout when asked for,
// and otherwise no exporter at all.
func traceExporter(ctx context.Context, cfg config.Config) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		return exporter, "otlp", err
	}
	if cfg.Telemetry.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exporter, "stdout", err
	}
	return nil, "none", nil
}

// metricViews shapes the pipeline's own instruments.
func metricViews() []sdkmetric.View {
	views := []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "translate.synthesis.latency"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: synthesisLatencyBounds,
			}},
		),
	}
	for _, name := range perSessionMetrics {
		views = append(views, sdkmetric.NewView(
			sdkmetric.Instrument{Name: name},
			sdkmetric.Stream{AttributeFilter: attribute.NewDenyKeysFilter("session.id")},
		))
	}
	return views
}

func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(metricViews()...),
	}
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(opts...), nil
	}
	return sdkmetric.NewMeterProvider(append(opts, sdkmetric.WithReader(promExporter))...), promhttp.Handler()
}
