package telemetry

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/straja-ai/cxrlens/internal/redact"
)

const instrumentationName = "cxrlens"

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and exposes helpers.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	diagnosesCounter      metric.Int64Counter
	overridesCounter      metric.Int64Counter
	scoreDuration         metric.Float64Histogram
	attributionDuration   metric.Float64Histogram
	severityHistogram     metric.Int64Histogram
	auditEvents           metric.Int64Counter
	auditQueueDepth       metric.Int64ObservableGauge
	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// NewProvider configures OTEL exporters + providers. When disabled, returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		return Noop(), nil
	}

	slog.Info("telemetry enabled; if no collector is listening, periodic upload warnings are expected",
		"protocol", strings.ToLower(cfg.Protocol), "endpoint", redact.String(cfg.Endpoint))

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var (
		traceExp  sdktrace.SpanExporter
		metricExp sdkmetric.Exporter
	)
	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		if traceExp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()); err != nil {
			return nil, err
		}
		if metricExp, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure()); err != nil {
			return nil, err
		}
	case "http":
		if traceExp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()); err != nil {
			return nil, err
		}
		if metricExp, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure()); err != nil {
			return nil, err
		}
	default:
		return Noop(), nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer(instrumentationName),
		meter:                 mp.Meter(instrumentationName),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

// Noop returns a disabled provider.
func Noop() *Provider {
	p := &Provider{
		tracer: tracenoop.NewTracerProvider().Tracer(""),
		meter:  noop.NewMeterProvider().Meter(""),
	}
	p.initInstruments()
	return p
}

// NewWithMeter builds a provider around an existing meter, used to observe
// instruments in tests.
func NewWithMeter(m metric.Meter) *Provider {
	p := &Provider{
		Enabled: true,
		tracer:  tracenoop.NewTracerProvider().Tracer(""),
		meter:   m,
	}
	p.initInstruments()
	return p
}

func (p *Provider) initInstruments() {
	if p == nil {
		return
	}
	// Use meter to create instruments; ignore errors to keep telemetry best-effort.
	p.diagnosesCounter, _ = p.meter.Int64Counter("cxrlens_diagnoses_total")
	p.overridesCounter, _ = p.meter.Int64Counter("cxrlens_overrides_total")
	p.scoreDuration, _ = p.meter.Float64Histogram("cxrlens_score_duration_ms")
	p.attributionDuration, _ = p.meter.Float64Histogram("cxrlens_attribution_duration_ms")
	p.severityHistogram, _ = p.meter.Int64Histogram("cxrlens_severity")
	p.auditEvents, _ = p.meter.Int64Counter("cxrlens_audit_events_total")
	p.auditQueueDepth, _ = p.meter.Int64ObservableGauge("cxrlens_audit_queue_depth")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordScore emits the decision counters and latency with safe labels.
func (p *Provider) RecordScore(ctx context.Context, class string, overridden, thresholded bool, severity int, durMs float64) {
	if p == nil {
		return
	}
	labels := metric.WithAttributes(SafeAttributes(map[string]interface{}{
		"cxrlens.class":       class,
		"cxrlens.thresholded": thresholded,
	})...)
	p.diagnosesCounter.Add(ctx, 1, labels)
	if overridden {
		p.overridesCounter.Add(ctx, 1, labels)
	}
	p.scoreDuration.Record(ctx, durMs, labels)
	p.severityHistogram.Record(ctx, int64(severity), labels)
}

// RecordAttribution emits attribution latency.
func (p *Provider) RecordAttribution(ctx context.Context, class, layer string, cached bool, durMs float64) {
	if p == nil {
		return
	}
	p.attributionDuration.Record(ctx, durMs, metric.WithAttributes(SafeAttributes(map[string]interface{}{
		"cxrlens.class":  class,
		"cxrlens.layer":  layer,
		"cxrlens.cached": cached,
	})...))
}

// RecordAuditEvent counts one audit event outcome (queued, dropped, delivered,
// failed). sink is empty for outcomes decided before delivery.
func (p *Provider) RecordAuditEvent(ctx context.Context, kind, outcome, sink string) {
	if p == nil || p.auditEvents == nil {
		return
	}
	values := map[string]interface{}{
		"cxrlens.audit.kind":    kind,
		"cxrlens.audit.outcome": outcome,
	}
	if sink != "" {
		values["cxrlens.audit.sink"] = sink
	}
	p.auditEvents.Add(ctx, 1, metric.WithAttributes(SafeAttributes(values)...))
}

// ObserveAuditQueue reports depth() as the audit queue gauge on every collection
// until the returned function is called.
func (p *Provider) ObserveAuditQueue(depth func() int) func() {
	if p == nil || p.auditQueueDepth == nil || depth == nil {
		return func() {}
	}
	reg, err := p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(p.auditQueueDepth, int64(depth()))
		return nil
	}, p.auditQueueDepth)
	if err != nil {
		slog.Warn("audit queue gauge not registered", "error", err)
		return func() {}
	}
	return func() { _ = reg.Unregister() }
}
