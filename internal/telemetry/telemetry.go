// Package telemetry sets up tracing and Prometheus metrics for pipeline runs.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

const (
	instrumentationName = "github.com/book-expert/tts-pipeline"
	metricRuns          = "pipeline.runs"
	metricStage         = "pipeline.stage"
	attrOutcome         = "outcome"
	attrKind            = "kind"
	attrStage           = "stage"

	errFmtResource      = "failed to build telemetry resource: %w"
	errFmtTraceExporter = "failed to create %s trace exporter: %w"
	errFmtPromExporter  = "failed to create prometheus exporter: %w"
	errFmtInstrument    = "failed to create %s instrument: %w"
	errFmtUnknownExport = "%w: %q"
	logFmtInitialized   = "Telemetry initialized: traces=%s metrics=prometheus"
)

// ErrUnknownExporter is returned for an unsupported traces exporter name.
var ErrUnknownExporter = errors.New("unknown traces exporter")

// Config selects the trace exporter.
type Config struct {
	ServiceName    string
	Environment    string
	TracesExporter string
	OTLPEndpoint   string
	OTLPInsecure   bool
	// StdoutWriter receives stdout traces; nil means os.Stdout.
	StdoutWriter io.Writer
}

// Telemetry records pipeline spans and metrics.
type Telemetry struct {
	tracer   trace.Tracer
	runs     metric.Int64Counter
	stages   metric.Float64Histogram
	handler  http.Handler
	shutdown func(context.Context) error
}

// Setup builds the trace and meter providers and registers them globally.
func Setup(ctx context.Context, cfg Config, log *logger.Logger) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf(errFmtResource, err)
	}

	tracerProvider, traceShutdown, err := initTracer(ctx, cfg, res)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, errors.Join(fmt.Errorf(errFmtPromExporter, err), traceShutdown(ctx))
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	telemetry, err := newTelemetry(
		tracerProvider.Tracer(instrumentationName),
		meterProvider.Meter(instrumentationName),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)
	if err != nil {
		return nil, errors.Join(err, meterProvider.Shutdown(ctx), traceShutdown(ctx))
	}

	telemetry.shutdown = func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceShutdown(ctx))
	}

	log.Info(logFmtInitialized, exporterName(cfg))

	return telemetry, nil
}

// NewNoop returns telemetry that records nothing and serves an empty metrics page.
func NewNoop() *Telemetry {
	telemetry, _ := newTelemetry(
		tracenoop.NewTracerProvider().Tracer(instrumentationName),
		metricnoop.NewMeterProvider().Meter(instrumentationName),
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)

	return telemetry
}

func newTelemetry(tracer trace.Tracer, meter metric.Meter, handler http.Handler) (*Telemetry, error) {
	runs, err := meter.Int64Counter(metricRuns,
		metric.WithDescription("Pipeline runs by outcome."))
	if err != nil {
		return nil, fmt.Errorf(errFmtInstrument, metricRuns, err)
	}

	stages, err := meter.Float64Histogram(metricStage,
		metric.WithDescription("Duration of each pipeline stage."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf(errFmtInstrument, metricStage, err)
	}

	return &Telemetry{
		tracer:   tracer,
		runs:     runs,
		stages:   stages,
		handler:  handler,
		shutdown: func(context.Context) error { return nil },
	}, nil
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource) (trace.TracerProvider, func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter

	switch exporterName(cfg) {
	case ExporterNone:
		return tracenoop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(strings.TrimSpace(cfg.OTLPEndpoint))}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}

		otlpExporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf(errFmtTraceExporter, ExporterOTLP, err)
		}

		exporter = otlpExporter
	case ExporterStdout:
		writer := cfg.StdoutWriter
		if writer == nil {
			writer = os.Stdout
		}

		stdoutExporter, err := stdouttrace.New(stdouttrace.WithWriter(writer))
		if err != nil {
			return nil, nil, fmt.Errorf(errFmtTraceExporter, ExporterStdout, err)
		}

		exporter = stdoutExporter
	default:
		return nil, nil, fmt.Errorf(errFmtUnknownExport, ErrUnknownExporter, cfg.TracesExporter)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return provider, provider.Shutdown, nil
}

// exporterName picks OTLP when only an endpoint is configured.
func exporterName(cfg Config) string {
	name := strings.ToLower(strings.TrimSpace(cfg.TracesExporter))
	if name == "" {
		if strings.TrimSpace(cfg.OTLPEndpoint) != "" {
			return ExporterOTLP
		}

		return ExporterNone
	}

	return name
}

// StartStage opens a span for stage. The returned func records its duration and ends
// the span, marking it failed when err is non-nil.
func (t *Telemetry) StartStage(ctx context.Context, stage string) (context.Context, func(err error)) {
	ctx, span := t.tracer.Start(ctx, "pipeline."+stage)
	started := time.Now()

	return ctx, func(err error) {
		t.stages.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(attribute.String(attrStage, stage)))

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}
}

// RecordRun counts a finished run. kind is empty on success.
func (t *Telemetry) RecordRun(ctx context.Context, outcome, kind string) {
	attrs := []attribute.KeyValue{attribute.String(attrOutcome, outcome)}
	if kind != "" {
		attrs = append(attrs, attribute.String(attrKind, kind))
	}

	t.runs.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Handler serves the Prometheus metrics page.
func (t *Telemetry) Handler() http.Handler {
	return t.handler
}

// Shutdown flushes pending spans and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}
