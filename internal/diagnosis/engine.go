// Package diagnosis wires the post-processing chain and the attribution engine into
// the two end-to-end paths: scoring a probability vector and explaining a decision.
package diagnosis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/straja-ai/cxrlens/internal/audit"
	"github.com/straja-ai/cxrlens/internal/correct"
	"github.com/straja-ai/cxrlens/internal/gate"
	"github.com/straja-ai/cxrlens/internal/gradcam"
	"github.com/straja-ai/cxrlens/internal/redact"
	"github.com/straja-ai/cxrlens/internal/severity"
	"github.com/straja-ai/cxrlens/internal/telemetry"
	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Options are the tunables of the scoring path.
type Options struct {
	Policy        correct.Policy
	MinConfidence float64
	Severity      severity.Config
	CacheSize     int
	Workers       int
}

// DefaultOptions returns the production policy, gate and severity settings.
func DefaultOptions() Options {
	return Options{
		Policy:        correct.DefaultPolicy(),
		MinConfidence: gate.DefaultMinConfidence,
		Severity:      severity.DefaultConfig(),
		CacheSize:     128,
		Workers:       2,
	}
}

// Option attaches an optional collaborator to an Engine.
type Option func(*Engine)

// WithExplainer enables Explain and Diagnose.
func WithExplainer(x *gradcam.Engine) Option { return func(e *Engine) { e.explainer = x } }

// WithAudit sends an event per call to em.
func WithAudit(em *audit.Emitter) Option { return func(e *Engine) { e.audit = em } }

// WithTelemetry records spans and metrics through p.
func WithTelemetry(p *telemetry.Provider) Option { return func(e *Engine) { e.telemetry = p } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithModelInfo labels audit events with the loaded model kind.
func WithModelInfo(kind string) Option { return func(e *Engine) { e.modelKind = kind } }

// WithCloser registers cleanup run by Close after the audit queue drains.
func WithCloser(fn func(context.Context)) Option {
	return func(e *Engine) { e.closers = append(e.closers, fn) }
}

// Engine is safe for concurrent use. Everything it holds is read-only after New
// except the heatmap cache, which synchronizes internally.
type Engine struct {
	policy    correct.Policy
	gate      *gate.Gate
	severity  *severity.Estimator
	explainer *gradcam.Engine
	cache     *heatmapCache
	workers   int

	audit     *audit.Emitter
	telemetry *telemetry.Provider
	logger    *slog.Logger
	modelKind string
	closers   []func(context.Context)
	closeOnce sync.Once
}

// New validates opts. Invalid thresholds or weights are xray.ErrConfiguration.
func New(opts Options, extra ...Option) (*Engine, error) {
	g, err := gate.New(gate.Config{MinConfidence: opts.MinConfidence})
	if err != nil {
		return nil, err
	}
	est, err := severity.New(opts.Severity)
	if err != nil {
		return nil, err
	}
	cache, err := newHeatmapCache(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("heatmap cache: %w", err)
	}
	policy := opts.Policy
	if policy == (correct.Policy{}) {
		policy = correct.DefaultPolicy()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	e := &Engine{
		policy:   policy,
		gate:     g,
		severity: est,
		cache:    cache,
		workers:  workers,
	}
	e.apply(extra...)
	return e, nil
}

func (e *Engine) apply(opts ...Option) {
	for _, opt := range opts {
		opt(e)
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.Noop()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
}

// MinConfidence is the configured gate threshold.
func (e *Engine) MinConfidence() float64 { return e.gate.MinConfidence() }

// Explainer returns the attribution engine, nil when no classifier is loaded.
func (e *Engine) Explainer() *gradcam.Engine { return e.explainer }

// Score runs bias correction, the confidence gate and severity estimation over a raw
// probability vector.
func (e *Engine) Score(ctx context.Context, raw xray.Probs) (*Result, error) {
	start := time.Now()
	ctx, span := e.telemetry.Tracer().Start(ctx, "cxrlens.score")
	defer span.End()

	res, err := e.evaluate(raw)
	elapsed := time.Since(start)
	if err != nil {
		e.fail(ctx, span, audit.KindScore, err, audit.TimingMs{Score: audit.Ms(elapsed), Total: audit.Ms(elapsed)})
		return nil, err
	}
	e.observe(ctx, span, res, audit.TimingMs{Score: audit.Ms(elapsed), Total: audit.Ms(elapsed)})
	return res, nil
}

// Diagnose classifies an image and scores the prediction.
func (e *Engine) Diagnose(ctx context.Context, image *tensor.Tensor) (*Result, error) {
	start := time.Now()
	ctx, span := e.telemetry.Tracer().Start(ctx, "cxrlens.diagnose")
	defer span.End()

	if e.explainer == nil {
		err := xray.Misconfigured("diagnosis", "no classifier loaded")
		e.fail(ctx, span, audit.KindScore, err, audit.TimingMs{})
		return nil, err
	}
	raw, err := e.explainer.Classifier().Predict(ctx, image)
	predicted := time.Now()
	if err != nil {
		e.fail(ctx, span, audit.KindScore, err, audit.TimingMs{Predict: audit.Ms(predicted.Sub(start))})
		return nil, err
	}
	res, err := e.evaluate(raw)
	done := time.Now()
	timing := audit.TimingMs{
		Predict: audit.Ms(predicted.Sub(start)),
		Score:   audit.Ms(done.Sub(predicted)),
		Total:   audit.Ms(done.Sub(start)),
	}
	if err != nil {
		e.fail(ctx, span, audit.KindScore, err, timing)
		return nil, err
	}
	e.observe(ctx, span, res, timing)
	return res, nil
}

// Report diagnoses image and explains the reported decision.
func (e *Engine) Report(ctx context.Context, image *tensor.Tensor) (*Result, *gradcam.Heatmap, error) {
	res, err := e.Diagnose(ctx, image)
	if err != nil {
		return nil, nil, err
	}
	hm, err := e.Explain(ctx, image, res.Class)
	if err != nil {
		return res, nil, err
	}
	return res, hm, nil
}

func (e *Engine) evaluate(raw xray.Probs) (*Result, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	corrected, err := e.policy.Apply(raw)
	if err != nil {
		return nil, err
	}
	class, thresholded, err := e.gate.Evaluate(corrected.Class, corrected.Corrected)
	if err != nil {
		return nil, err
	}
	sev, err := e.severity.Score(corrected.Corrected, class)
	if err != nil {
		return nil, err
	}
	return &Result{
		RawProbs:      raw,
		Corrected:     corrected.Corrected,
		Class:         class,
		Label:         class.String(),
		Confidence:    corrected.Corrected[class],
		Overridden:    class != raw.Argmax(),
		Thresholded:   thresholded,
		Severity:      sev,
		Risk:          severity.RiskLevel(sev),
		Signals:       severity.Compute(corrected.Corrected),
		MinConfidence: e.gate.MinConfidence(),
	}, nil
}

func (e *Engine) observe(ctx context.Context, span trace.Span, res *Result, timing audit.TimingMs) {
	span.SetAttributes(telemetry.SafeAttributes(map[string]interface{}{
		"cxrlens.class":       res.Label,
		"cxrlens.overridden":  res.Overridden,
		"cxrlens.thresholded": res.Thresholded,
		"cxrlens.severity":    res.Severity,
	})...)
	e.telemetry.RecordScore(ctx, res.Label, res.Overridden, res.Thresholded, res.Severity, timing.Total)

	e.logger.Debug("scored",
		"class", res.Label,
		"confidence", res.Confidence,
		"overridden", res.Overridden,
		"thresholded", res.Thresholded,
		"severity", res.Severity,
		"source", sourceFrom(ctx),
	)

	ev := e.newEvent(ctx, audit.KindScore)
	ev.Decision = res.auditPayload()
	ev.Timing = timing
	e.audit.Emit(ctx, ev)
}

func (e *Engine) fail(ctx context.Context, span trace.Span, kind audit.Kind, err error, timing audit.TimingMs) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind)+" failed")
	e.logger.Warn(string(kind)+" failed", "source", sourceFrom(ctx), redact.Attr("error", err.Error()))

	ev := e.newEvent(ctx, kind)
	ev.Error = redact.String(err.Error())
	ev.Timing = timing
	e.audit.Emit(ctx, ev)
}

func (e *Engine) newEvent(ctx context.Context, kind audit.Kind) *audit.Event {
	ev := audit.NewEvent(kind)
	ev.Source = sourceFrom(ctx)
	ev.Model.Kind = e.modelKind
	if e.explainer != nil {
		ev.Model.Backbone = e.explainer.Backbone()
		ev.Model.TapLayer = e.explainer.Layer()
	}
	return ev
}

// Close drains the audit queue, then runs registered closers. It is safe to call
// more than once.
func (e *Engine) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		e.audit.Close(ctx)
		for _, fn := range e.closers {
			fn(ctx)
		}
	})
}

type sourceKey struct{}

// WithSource tags calls made with ctx with the input file name. Only the redacted
// base name is ever recorded.
func WithSource(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, sourceKey{}, redact.Path(path))
}

func sourceFrom(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}
