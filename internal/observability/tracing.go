package observability

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/shellguard/internal/config"
)

const defaultServiceName = "shellguard"

// ServiceInfo describes the running sandbox. It is attached to every span as
// resource attributes so traces can be filtered by policy profile.
type ServiceInfo struct {
	Version        string
	DefaultProfile string
	Profiles       map[string]string // profile name → mode
}

func (s ServiceInfo) attributes(serviceName string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if s.Version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(s.Version))
	}
	if s.DefaultProfile != "" {
		attrs = append(attrs, attribute.String("shellguard.default_profile", s.DefaultProfile))
	}
	if len(s.Profiles) > 0 {
		names := make([]string, 0, len(s.Profiles))
		for name := range s.Profiles {
			names = append(names, name)
		}
		sort.Strings(names)
		modes := make([]string, len(names))
		for i, name := range names {
			modes[i] = name + "=" + s.Profiles[name]
		}
		attrs = append(attrs,
			attribute.StringSlice("shellguard.profiles", names),
			attribute.StringSlice("shellguard.profile_modes", modes),
		)
	}
	return attrs
}

// Tracing owns the tracer provider behind the executor, policy, sandbox
// and HTTP spans. It is never installed as the global provider.
type Tracing struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracing exports spans over OTLP. It returns nil when tracing is disabled.
func NewTracing(ctx context.Context, cfg *config.TracingConfig, info ServiceInfo) (*Tracing, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	exporter, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}
	return newTracing(exporter, cfg.ServiceName, cfg.SampleRate, info), nil
}

func newTracing(exporter sdktrace.SpanExporter, serviceName string, rate float64, info ServiceInfo) *Tracing {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(info.attributes(serviceName)...)),
		sdktrace.WithSampler(sampler(rate)),
	)
	return &Tracing{provider: tp, tracer: tp.Tracer(serviceName)}
}

func spanExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown protocol %q (want grpc or http)", cfg.Protocol)
	}
}

// sampler honors the caller's sampling decision and samples root spans at
// rate. A rate outside (0, 1] samples everything.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the shellguard tracer, or a no-op tracer on a nil receiver.
func (t *Tracing) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
