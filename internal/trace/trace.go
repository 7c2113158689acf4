package trace

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	PrettyPrint bool
	Writer      io.Writer
}

// Provider owns the tracer for one invocation. A disabled provider hands out
// no-op spans.
type Provider struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

func New(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Disabled(), nil
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "riskengine"
	}
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &Provider{tracer: tp.Tracer(name), provider: tp}, nil
}

func Disabled() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer("riskengine")}
}

func (p *Provider) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, spanName, opts...)
}

func (p *Provider) Enabled() bool {
	return p.provider != nil
}

// Shutdown flushes any batched spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}
