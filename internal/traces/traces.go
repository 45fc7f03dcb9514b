// Package traces wires OpenTelemetry spans around escrow instructions.
package traces

import (
	"context"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/mbd888/p2pescrow/internal/escrow"

// Options configures the exporter.
type Options struct {
	Endpoint    string  // OTLP gRPC host:port; empty disables export
	Service     string  // defaults to "p2pescrow"
	Version     string
	SampleRatio float64 // fraction of root spans kept; <= 0 or >= 1 keeps all
}

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// Setup installs a global tracer provider exporting to opts.Endpoint. Without
// an endpoint the global no-op provider stays in place.
func Setup(ctx context.Context, opts Options, logger *slog.Logger) (Shutdown, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if opts.Service == "" {
		opts.Service = "p2pescrow"
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(opts.Service),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan opens a span named name on the escrow tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed. A nil err is a no-op.
func Fail(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func Caller(addr string) attribute.KeyValue { return attribute.String("escrow.caller", addr) }

func EscrowAddress(addr string) attribute.KeyValue { return attribute.String("escrow.address", addr) }

func TradeID(id string) attribute.KeyValue { return attribute.String("escrow.trade_id", id) }

func Status(status string) attribute.KeyValue { return attribute.String("escrow.status", status) }

// Amount is recorded as a string so values above MaxInt64 survive.
func Amount(amount uint64) attribute.KeyValue {
	return attribute.String("escrow.amount", strconv.FormatUint(amount, 10))
}
