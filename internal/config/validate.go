package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/straja-ai/cxrlens/internal/gate"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	mc := cfg.Engine.MinConfidence
	if math.IsNaN(mc) || mc < gate.MinConfidenceFloor || mc > gate.MinConfidenceCeiling {
		return fmt.Errorf("engine.min_confidence must be in [%g, %g], got %g", gate.MinConfidenceFloor, gate.MinConfidenceCeiling, mc)
	}

	if err := validateSeverityConfig(cfg.Severity); err != nil {
		return err
	}
	if err := validateModelConfig(cfg.Model); err != nil {
		return err
	}
	if err := validateOverlayConfig(cfg.Overlay); err != nil {
		return err
	}
	if err := validateAuditConfig(cfg.Audit); err != nil {
		return err
	}
	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}
	if err := validateLoggingConfig(cfg.Logging); err != nil {
		return err
	}
	return nil
}

func validateSeverityConfig(s SeverityConfig) error {
	switch strings.ToLower(strings.TrimSpace(s.Profile)) {
	case "", "default", "calibrated":
	case "custom":
		w := s.Weights
		for name, v := range map[string]float64{"mass": w.Mass, "margin": w.Margin, "entropy": w.Entropy} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("severity.weights.%s must be a non-negative number, got %g", name, v)
			}
		}
		if w.Mass == 0 && w.Margin == 0 && w.Entropy == 0 {
			return errors.New("severity.profile custom needs at least one non-zero weight")
		}
	default:
		return fmt.Errorf("severity.profile must be default, calibrated or custom, got %q", s.Profile)
	}

	for label, m := range s.TypeMultipliers {
		c, err := xray.ParseClass(label)
		if err != nil {
			return fmt.Errorf("severity.type_multipliers: unknown class %q", label)
		}
		if !c.Positive() {
			return fmt.Errorf("severity.type_multipliers: %s is not a positive class", c)
		}
		if math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
			return fmt.Errorf("severity.type_multipliers.%s must be > 0, got %g", label, m)
		}
	}
	return nil
}

func validateModelConfig(m ModelConfig) error {
	kind := strings.ToLower(strings.TrimSpace(m.Kind))
	switch kind {
	case "":
		return nil
	case "native", "onnx":
	default:
		return fmt.Errorf("model.kind must be native or onnx, got %q", m.Kind)
	}
	if strings.TrimSpace(m.BundleDir) == "" {
		return fmt.Errorf("model.kind %s requires model.bundle_dir", kind)
	}
	switch strings.ToLower(strings.TrimSpace(m.Preprocess)) {
	case "", "mobilenet_v2", "resnet", "unit":
	default:
		return fmt.Errorf("model.preprocess must be mobilenet_v2, resnet or unit, got %q", m.Preprocess)
	}
	if m.InputSize <= 0 {
		return fmt.Errorf("model.input_size must be positive, got %d", m.InputSize)
	}
	if m.MaxSessions < 0 || m.IntraThreads < 0 || m.InterThreads < 0 {
		return errors.New("model session and thread counts must not be negative")
	}
	return nil
}

func validateOverlayConfig(o OverlayConfig) error {
	switch strings.ToLower(strings.TrimSpace(o.Mode)) {
	case "", "jet", "highlight":
	default:
		return fmt.Errorf("overlay.mode must be jet or highlight, got %q", o.Mode)
	}
	if math.IsNaN(o.Opacity) || o.Opacity < 0 || o.Opacity > 1 {
		return fmt.Errorf("overlay.opacity must be in [0, 1], got %g", o.Opacity)
	}
	if math.IsNaN(o.Percentile) || o.Percentile < 0 || o.Percentile > 100 {
		return fmt.Errorf("overlay.percentile must be in [0, 100], got %g", o.Percentile)
	}
	return nil
}

func validateAuditConfig(a AuditConfig) error {
	for i, s := range a.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("audit sink %d (file_jsonl) missing path", i)
			}
			if s.MaxBackups < 0 || s.MaxAgeDays < 0 {
				return fmt.Errorf("audit sink %d (file_jsonl) has negative retention", i)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("audit sink %d (webhook) missing url", i)
			}
			if s.TimeoutMs < 0 {
				return fmt.Errorf("audit sink %d (webhook) has negative timeout", i)
			}
		default:
			return fmt.Errorf("audit sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

func validateLoggingConfig(l LoggingConfig) error {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
	}
	switch strings.ToLower(strings.TrimSpace(l.Format)) {
	case "", "console", "text", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", l.Format)
	}
	return nil
}
