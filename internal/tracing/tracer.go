// Package tracing installs the OpenTelemetry tracer provider and carries
// trace context across the HTTP API and the AMQP work queue.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.11.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/procapi-go/internal/config"
)

// InstrumentationName names the tracer used by this module
const InstrumentationName = "github.com/glimte/procapi-go"

type errorHandler struct {
	logger *slog.Logger
}

func (e errorHandler) Handle(err error) {
	e.logger.Error("otel error", "error", err)
}

var onceSetOtel sync.Once

// Propagator returns the W3C trace context and baggage propagator
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Init builds a tracer provider from cfg and installs it globally together
// with the propagator. Spans are only exported when cfg.Endpoint is set.
// The caller shuts the provider down.
func Init(ctx context.Context, cfg config.TracingConfig, service, version string, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	exporter, err := OtlpExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var opts []sdktrace.TracerProviderOption
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := NewProvider(Sampler(cfg.SampleRatio), service, version, opts...)

	otel.SetTracerProvider(tp)
	onceSetOtel.Do(func() {
		otel.SetTextMapPropagator(Propagator())
		otel.SetErrorHandler(errorHandler{logger: logger})
		otel.SetLogger(logr.FromSlogHandler(logger.Handler()))
	})

	logger.Info("tracing initialised", "endpoint", cfg.Endpoint, "sampleRatio", cfg.SampleRatio)
	return tp, nil
}

// NewProvider returns a tracer provider describing this service
func NewProvider(sampler sdktrace.Sampler, service, version string, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(service),
		semconv.ServiceVersionKey.String(version),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(host))
	}

	providerOptions := append([]sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
	}, opts...)
	return sdktrace.NewTracerProvider(providerOptions...)
}

// Sampler keeps the parent's decision and samples new traces at ratio
func Sampler(ratio float64) sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// OtlpExporter returns an OTLP/HTTP exporter, or nil when no endpoint is
// configured
func OtlpExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}
	return exporter, nil
}

// Tracer returns the module tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// TraceID returns the trace id of the span in ctx, or "" when there is none
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
