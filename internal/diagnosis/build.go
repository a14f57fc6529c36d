package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/straja-ai/cxrlens/internal/audit"
	"github.com/straja-ai/cxrlens/internal/config"
	"github.com/straja-ai/cxrlens/internal/correct"
	"github.com/straja-ai/cxrlens/internal/gradcam"
	"github.com/straja-ai/cxrlens/internal/model"
	"github.com/straja-ai/cxrlens/internal/severity"
	"github.com/straja-ai/cxrlens/internal/telemetry"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Built is an Engine assembled from configuration together with the model it loaded,
// if any.
type Built struct {
	*Engine
	Model *model.Model
}

// FromConfig assembles the engine, its model, audit sinks and telemetry from cfg.
// A config without model.kind yields a scoring-only engine.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*Built, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng, err := New(opts)
	if err != nil {
		return nil, err
	}

	var cleanup []func(context.Context)
	fail := func(err error) (*Built, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i](ctx)
		}
		return nil, err
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  "cxrlens",
		Version:  version,
	})
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}
	cleanup = append(cleanup, tp.Shutdown)

	extra := []Option{WithTelemetry(tp), WithLogger(logger)}

	var m *model.Model
	m, err = model.Open(cfg.Model, cfg.Attribution)
	switch {
	case errors.Is(err, model.ErrNoModel):
		m = nil
	case err != nil:
		return fail(err)
	default:
		cleanup = append(cleanup, func(context.Context) { m.Close() })
		explainer, err := gradcam.NewEngine(m.Classifier, "", "")
		if err != nil {
			return fail(err)
		}
		extra = append(extra, WithExplainer(explainer), WithModelInfo(string(m.Kind)))
	}

	sinks, err := AuditSinks(cfg.Audit)
	if err != nil {
		return fail(err)
	}
	if len(sinks) > 0 {
		em := audit.NewEmitter(audit.EmitterConfig{
			QueueSize:       cfg.Audit.QueueSize,
			Workers:         cfg.Audit.Workers,
			ShutdownTimeout: time.Duration(cfg.Audit.ShutdownTimeout) * time.Millisecond,
			Logger:          logger,
			Telemetry:       tp,
		}, sinks)
		extra = append(extra, WithAudit(em))
	}

	// Close drains audit first, then releases the model and flushes telemetry.
	for i := len(cleanup) - 1; i >= 0; i-- {
		extra = append(extra, WithCloser(cleanup[i]))
	}

	eng.apply(extra...)
	return &Built{Engine: eng, Model: m}, nil
}

// OptionsFromConfig maps the engine, severity and attribution sections of cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	sev, err := SeverityConfig(cfg.Severity, cfg.Engine.NegativeZero())
	if err != nil {
		return Options{}, err
	}
	return Options{
		Policy:        correct.DefaultPolicy(),
		MinConfidence: cfg.Engine.MinConfidence,
		Severity:      sev,
		CacheSize:     cfg.Attribution.CacheSize,
		Workers:       cfg.Attribution.Workers,
	}, nil
}

// SeverityConfig resolves the configured profile. Type multipliers from
// configuration are applied on top of the profile's own.
func SeverityConfig(sc config.SeverityConfig, forceNegativeZero bool) (severity.Config, error) {
	out := severity.Config{ForceNegativeZero: forceNegativeZero, TypeMultipliers: map[xray.Class]float64{}}
	switch strings.ToLower(strings.TrimSpace(sc.Profile)) {
	case "", "default":
		out.Weights = severity.DefaultWeights()
	case "calibrated":
		out.Weights = severity.CalibratedWeights()
		for c, m := range severity.CalibratedMultipliers() {
			out.TypeMultipliers[c] = m
		}
	case "custom":
		out.Weights = severity.Weights{Mass: sc.Weights.Mass, Margin: sc.Weights.Margin, Entropy: sc.Weights.Entropy}
	default:
		return out, xray.Misconfigured("severity", "unknown profile %q", sc.Profile)
	}
	for label, m := range sc.TypeMultipliers {
		c, err := xray.ParseClass(label)
		if err != nil {
			return out, xray.Misconfigured("severity", "type multiplier for unknown class %q", label)
		}
		out.TypeMultipliers[c] = m
	}
	return out, nil
}

// AuditSinks builds the configured sinks.
func AuditSinks(ac config.AuditConfig) ([]audit.Sink, error) {
	var sinks []audit.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close(context.Background())
		}
	}
	for i, sc := range ac.Sinks {
		var (
			s   audit.Sink
			err error
		)
		switch strings.ToLower(strings.TrimSpace(sc.Type)) {
		case "file_jsonl":
			s, err = audit.NewFileSink(sc.Path, audit.FileOptions{
				MaxSizeMB:  sc.MaxSizeMB,
				MaxBackups: sc.MaxBackups,
				MaxAgeDays: sc.MaxAgeDays,
				Compress:   sc.Compress,
			})
		case "webhook":
			s, err = audit.NewWebhookSink(sc.URL, sc.Headers, time.Duration(sc.TimeoutMs)*time.Millisecond)
		default:
			err = fmt.Errorf("unknown type %q", sc.Type)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("audit sink %d: %w", i, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
