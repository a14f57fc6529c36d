// Package gate applies the operator-tunable confidence gate: a disease decision
// whose corrected confidence is too low is reported as normal instead.
package gate

import (
	"math"

	"github.com/straja-ai/cxrlens/internal/xray"
)

const (
	DefaultMinConfidence = 0.65
	MinConfidenceFloor   = 0.5
	MinConfidenceCeiling = 0.95
)

// Config holds the gate threshold.
type Config struct {
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
}

// DefaultConfig returns the production threshold.
func DefaultConfig() Config {
	return Config{MinConfidence: DefaultMinConfidence}
}

// Validate checks the threshold bounds.
func (c Config) Validate() error {
	return checkThreshold(c.MinConfidence)
}

// Gate is a configured confidence gate.
type Gate struct {
	config Config
}

// New builds a gate, rejecting an out-of-range threshold.
func New(config Config) (*Gate, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Gate{config: config}, nil
}

// MinConfidence returns the configured threshold.
func (g *Gate) MinConfidence() float64 { return g.config.MinConfidence }

// Evaluate applies the configured threshold.
func (g *Gate) Evaluate(decision xray.Class, corrected xray.Probs) (xray.Class, bool, error) {
	return Apply(decision, corrected, g.config.MinConfidence)
}

// Apply overrides a positive decision to Normal when its corrected mass is below
// minConfidence. Normal decisions pass through untouched, and a positive decision is
// never moved to the other positive class.
func Apply(decision xray.Class, corrected xray.Probs, minConfidence float64) (xray.Class, bool, error) {
	if err := checkThreshold(minConfidence); err != nil {
		return decision, false, err
	}
	if !decision.Valid() {
		return decision, false, xray.InvalidInput("gate", "unknown class index %d", int(decision))
	}
	if err := corrected.Validate(); err != nil {
		return decision, false, err
	}

	if decision.Positive() && corrected[decision] < minConfidence {
		return xray.Normal, true, nil
	}
	return decision, false, nil
}

func checkThreshold(v float64) error {
	if math.IsNaN(v) || v < MinConfidenceFloor || v > MinConfidenceCeiling {
		return xray.Misconfigured("gate", "min_confidence %g outside [%.2f, %.2f]", v, MinConfidenceFloor, MinConfidenceCeiling)
	}
	return nil
}
