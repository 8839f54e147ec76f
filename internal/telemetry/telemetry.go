// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and owns the town's metric instruments.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown flushes and stops the exporters.
type Shutdown func(ctx context.Context) error

// Config describes the exporter endpoint and the town the process serves.
type Config struct {
	Endpoint     string // empty disables export
	Insecure     bool
	ServiceName  string
	Version      string
	RosterSize   int
	StateBackend string // scheme of the state URL, or "custom"
}

// Init configures the global tracer and meter providers. With no endpoint it
// leaves the no-op providers in place.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := Resource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Responder calls carry the incoming request's trace context.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("telemetry: create metric exporter: %w", err), tp.Shutdown(ctx))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Resource describes this process: service identity plus the size of the
// town and where its state lives.
func Resource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	backend := cfg.StateBackend
	if backend == "" {
		backend = "unknown"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.Version),
		attribute.Int("machi.roster.size", cfg.RosterSize),
		attribute.String("machi.state.backend", backend),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	return res, nil
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Instruments are created against the global meter provider, so create them
// after Init. A failed registration degrades to a no-op instrument.

// SimInstruments count and time autonomous ticks.
type SimInstruments struct {
	ticks    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewSimInstruments registers machi.sim.ticks and machi.sim.tick.duration.
func NewSimInstruments() SimInstruments {
	meter := Meter("machi/sim")
	s := SimInstruments{}
	var err error
	if s.ticks, err = meter.Int64Counter("machi.sim.ticks",
		metric.WithDescription("Autonomous ticks by outcome and action")); err != nil {
		s.ticks = noop.Int64Counter{}
	}
	if s.duration, err = meter.Float64Histogram("machi.sim.tick.duration",
		metric.WithDescription("Autonomous tick duration"),
		metric.WithUnit("ms")); err != nil {
		s.duration = noop.Float64Histogram{}
	}
	return s
}

// RecordTick records one tick's outcome, action and duration.
func (s SimInstruments) RecordTick(ctx context.Context, outcome, action string, d time.Duration) {
	if s.ticks == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("action", action))
	s.ticks.Add(ctx, 1, attrs)
	s.duration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// NewLockTimeoutCounter registers machi.state.lock_timeouts, labelled by the
// kind of guard that timed out.
func NewLockTimeoutCounter() metric.Int64Counter {
	c, err := Meter("machi/state").Int64Counter("machi.state.lock_timeouts",
		metric.WithDescription("Guard acquisitions that gave up after the lock timeout"))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

// NewFallbackCounter registers machi.responder.fallbacks, labelled by reason.
func NewFallbackCounter() metric.Int64Counter {
	c, err := Meter("machi/worker").Int64Counter("machi.responder.fallbacks",
		metric.WithDescription("Interaction tasks answered with a placeholder"))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

// RegisterQueueGauges registers machi.queue.depth and machi.queue.dropped
// for the named queue.
func RegisterQueueGauges(queue string, depth, dropped func() int64) error {
	meter := Meter("machi/queue")
	attrs := metric.WithAttributes(attribute.String("queue", queue))

	_, err1 := meter.Int64ObservableGauge("machi.queue.depth",
		metric.WithDescription("Current number of tasks waiting in the queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(depth(), attrs)
			return nil
		}),
	)
	_, err2 := meter.Int64ObservableGauge("machi.queue.dropped",
		metric.WithDescription("Total tasks rejected because the queue was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(dropped(), attrs)
			return nil
		}),
	)
	return errors.Join(err1, err2)
}
