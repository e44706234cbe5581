// Package tracing wires opt-in OpenTelemetry export for the budget daemon.
// Spans cover the admin HTTP surface and the outgoing probe calls to the
// local model daemon, so a slow probe shows up in the same trace as the
// admin request that noticed the switch.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the exporter target and how much to keep. With Enabled
// false the daemon carries no tracing state at all.
type Config struct {
	Enabled     bool
	Endpoint    string  // OTLP HTTP collector, host:port
	ServiceName string  // resource service.name
	SampleRatio float64 // fraction of root spans kept; <=0 or >=1 keeps all
}

// ShutdownFunc flushes pending spans. Call it on daemon close.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs the global TracerProvider and W3C trace-context/baggage
// propagation. Export runs over plain HTTP, which is how local collectors
// listen.
func Setup(cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// sampler keeps every span unless a ratio strictly inside (0, 1) is set.
// Children always follow their parent's decision so traces stay whole.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// spanName labels server spans "METHOD /path" so /v1/status and /v1/events
// traffic is tellable apart in the trace view.
func spanName(_ string, r *http.Request) string {
	return r.Method + " " + r.URL.Path
}

// Middleware instruments incoming requests. Without a global TracerProvider
// the wrapped handler records nothing.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "budgetchaind",
			otelhttp.WithSpanNameFormatter(spanName))
	}
}

// HTTPTransport instruments an outgoing client, propagating traceparent on
// probe calls to the local daemon. A nil base means http.DefaultTransport.
func HTTPTransport(base http.RoundTripper) http.RoundTripper {
	return otelhttp.NewTransport(base)
}
