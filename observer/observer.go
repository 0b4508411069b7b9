// Package observer provides OTEL-based observability for the platform.
//
// Init configures trace and metric providers with OTLP HTTP exporters;
// NewTracer returns a veribot.Tracer backed by the global provider. Export
// destination comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/veridata/veribot/observer"

// Instruments holds the metric instruments recorded by the pipeline.
type Instruments struct {
	Meter metric.Meter

	// Counters
	MessagesHandled metric.Int64Counter
	TokenUsage      metric.Int64Counter
	Retrievals      metric.Int64Counter
	Handoffs        metric.Int64Counter

	// Histograms
	TurnDuration metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("veribot")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	messages, err := meter.Int64Counter("bot.messages.handled",
		metric.WithDescription("Inbound messages processed"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	retrievals, err := meter.Int64Counter("rag.retrievals",
		metric.WithDescription("Hybrid retrieval count"),
		metric.WithUnit("{retrieval}"))
	if err != nil {
		return nil, err
	}
	handoffs, err := meter.Int64Counter("bot.handoffs",
		metric.WithDescription("Conversations handed to a human agent"),
		metric.WithUnit("{conversation}"))
	if err != nil {
		return nil, err
	}
	turnDuration, err := meter.Float64Histogram("bot.turn.duration",
		metric.WithDescription("End-to-end message turn duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Meter:           meter,
		MessagesHandled: messages,
		TokenUsage:      tokens,
		Retrievals:      retrievals,
		Handoffs:        handoffs,
		TurnDuration:    turnDuration,
	}, nil
}
