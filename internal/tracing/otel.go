package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is reported when no service name is configured
const DefaultServiceName = "fanout"

// Span attributes copied from the tracing identifiers in ctx
const (
	AttrRunID     = attribute.Key("fanout.run_id")
	AttrAgentID   = attribute.Key("fanout.agent_id")
	AttrSessionID = attribute.Key("fanout.session_id")
)

// TelemetryConfig describes the process tracer provider
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio in (0, 1]; zero samples everything
	SampleRatio float64
	// Attributes are added to the resource of every span
	Attributes []attribute.KeyValue
}

var telemetry struct {
	once     sync.Once
	mu       sync.RWMutex
	provider *sdktrace.TracerProvider
	err      error
}

// InitOpenTelemetry installs the process tracer provider. Later calls are
// no-ops that return the first call's error.
func InitOpenTelemetry(cfg TelemetryConfig) error {
	telemetry.once.Do(func() {
		tp, err := newTracerProvider(cfg)
		if err != nil {
			telemetry.err = err
			return
		}

		telemetry.mu.Lock()
		telemetry.provider = tp
		telemetry.mu.Unlock()

		otel.SetTracerProvider(tp)
	})
	return telemetry.err
}

func newTracerProvider(cfg TelemetryConfig) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	attrs = append(attrs, cfg.Attributes...)

	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	), nil
}

// ShutdownOpenTelemetry flushes pending spans
func ShutdownOpenTelemetry(ctx context.Context) error {
	telemetry.mu.RLock()
	tp := telemetry.provider
	telemetry.mu.RUnlock()

	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span tagged with the run, agent and session of ctx, and
// records the span's trace ID in ctx when none is set yet.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs = append(spanAttributes(ctx), attrs...)
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

func spanAttributes(ctx context.Context) []attribute.KeyValue {
	tc := FromContext(ctx)

	var attrs []attribute.KeyValue
	if tc.RunID != "" {
		attrs = append(attrs, AttrRunID.String(tc.RunID))
	}
	if tc.AgentID != "" {
		attrs = append(attrs, AttrAgentID.String(tc.AgentID))
	}
	if tc.SessionID != "" {
		attrs = append(attrs, AttrSessionID.String(tc.SessionID))
	}
	return attrs
}
