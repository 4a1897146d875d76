// Package telemetry emits the engine's fixed set of execution events via
// OpenTelemetry, narrowed from a general-purpose RED metrics provider to the
// specific named event types the engine raises.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// EventType enumerates the engine's fixed vocabulary of telemetry events:
// execution lifecycle, secret access, and host-function calls.
type EventType string

const (
	EventExecuteStart     EventType = "execute.start"
	EventExecuteStop      EventType = "execute.stop"
	EventExecuteException EventType = "execute.exception"
	EventSecretAccessed   EventType = "secret.accessed"
	EventSecretDenied     EventType = "secret.denied"
	EventHTTPRequest      EventType = "http.request"
	EventFormulaInvoke    EventType = "formula.invoke"
	EventMCPToolCall      EventType = "mcp_tool.call"
)

// Config configures the OpenTelemetry providers backing the engine's event
// stream.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "cyfr-engine",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Emitter records every engine telemetry event as both a structured log line
// and an OpenTelemetry counter: a single Emit entry point over the fixed
// EventType vocabulary instead of arbitrary RED metrics.
type Emitter struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventCounter metric.Int64Counter
	durationHist metric.Float64Histogram
}

// New creates an Emitter. When config.Enabled is false, Emit only logs —
// no network exporters are constructed.
func New(ctx context.Context, config *Config) (*Emitter, error) {
	if config == nil {
		config = DefaultConfig()
	}
	e := &Emitter{
		config: config,
		logger: slog.Default().With("component", "telemetry"),
	}
	if !config.Enabled {
		e.logger.InfoContext(ctx, "telemetry disabled")
		return e, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	if err := e.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := e.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	e.tracer = otel.Tracer("cyfr.engine", trace.WithInstrumentationVersion(config.ServiceVersion))
	e.meter = otel.Meter("cyfr.engine", metric.WithInstrumentationVersion(config.ServiceVersion))

	e.eventCounter, err = e.meter.Int64Counter("engine.events.total",
		metric.WithDescription("Total engine telemetry events by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	e.durationHist, err = e.meter.Float64Histogram("engine.execution.duration",
		metric.WithDescription("Execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "telemetry initialized", "endpoint", config.OTLPEndpoint)
	return e, nil
}

func (e *Emitter) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(e.config.OTLPEndpoint)}
	if e.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	var sampler sdktrace.Sampler
	switch {
	case e.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case e.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(e.config.SampleRate)
	}
	e.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(e.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(e.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (e *Emitter) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(e.config.OTLPEndpoint)}
	if e.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	e.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(e.meterProvider)
	return nil
}

// Shutdown flushes and closes both providers.
func (e *Emitter) Shutdown(ctx context.Context) error {
	if e.tracerProvider != nil {
		if err := e.tracerProvider.Shutdown(ctx); err != nil {
			e.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if e.meterProvider != nil {
		if err := e.meterProvider.Shutdown(ctx); err != nil {
			e.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Event is a single telemetry record: a type, the execution it belongs to,
// and a small set of event-specific fields.
type Event struct {
	Type        EventType
	ExecutionID string
	UserID      string
	Ref         string
	Fields      map[string]string
}

// Emit records an event as a structured log line and increments the
// event-type counter. It never returns an error: telemetry failures must not
// affect execution outcomes.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	args := []any{
		"event", string(ev.Type),
		"execution_id", ev.ExecutionID,
		"user_id", ev.UserID,
		"ref", ev.Ref,
	}
	for k, v := range ev.Fields {
		args = append(args, k, v)
	}
	e.logger.InfoContext(ctx, "engine event", args...)

	if e.eventCounter != nil {
		attrs := []attribute.KeyValue{
			attribute.String("event_type", string(ev.Type)),
			attribute.String("ref", ev.Ref),
		}
		e.eventCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDuration records an execution's wall-clock duration.
func (e *Emitter) RecordDuration(ctx context.Context, ref string, d time.Duration) {
	if e.durationHist != nil {
		e.durationHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("ref", ref)))
	}
}
