// Package telemetry wires OpenTelemetry tracing for the worker executor,
// grounded on the teacher's internal/observability/telemetry.go and
// tracer.go: a global Provider built from Config, an OTLP-over-HTTP
// exporter when enabled, a no-op tracer otherwise, and small StartSpan
// helpers that set span status from an error.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config mirrors config.TracingConfig, kept separate so this package never
// imports internal/config.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

// Provider wraps the OpenTelemetry TracerProvider. The zero value behaves
// as a disabled, no-op provider, so callers that skip Init entirely still
// get a working (inert) Provider.
type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

// Init builds a Provider from cfg. When cfg.Enabled is false it returns a
// Provider backed by the global no-op tracer, so StartSpan calls are cheap
// no-ops rather than requiring callers to branch on whether tracing is on.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: trace.NewNoopTracerProvider().Tracer(""), enabled: false}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create OTLP exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName), enabled: true}, nil
}

// Shutdown flushes and stops the exporter. Safe to call on a disabled
// Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

// Enabled reports whether this Provider is exporting real spans.
func (p *Provider) Enabled() bool {
	return p != nil && p.enabled
}

func (p *Provider) tracerOrNoop() trace.Tracer {
	if p == nil || p.tracer == nil {
		return trace.NewNoopTracerProvider().Tracer("")
	}
	return p.tracer
}

// StartSpan implements durable.SpanStarter: it starts a span named name and
// returns a closure that ends it, recording err as the span's status if
// non-nil.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, func(err error)) {
	spanCtx, span := p.tracerOrNoop().Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	return spanCtx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// Common attribute keys for worker-executor spans.
var (
	AttrWorkerID   = attribute.Key("golem.worker.id")
	AttrFunction   = attribute.Key("golem.function")
	AttrWrapType   = attribute.Key("golem.wrap_type")
	AttrReplayMode = attribute.Key("golem.replay_mode")
)
