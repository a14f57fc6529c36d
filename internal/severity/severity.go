// Package severity maps a probability vector and a decision to an integer severity
// score in [0,10].
//
// The score combines three signals of the vector: disease mass (bacterial + viral),
// the margin between the two best classes, and the normalized predictive entropy.
// The weighted sum is clamped to [0,1] and mapped through ceil(10*sqrt(raw)).
package severity

import (
	"math"

	"github.com/straja-ai/cxrlens/internal/xray"
)

const (
	MinScore = 0
	MaxScore = 10

	// entropyFloor keeps log(0) out of the entropy sum.
	entropyFloor = 1e-9
)

// Weights are the non-negative coefficients of the raw severity sum.
type Weights struct {
	Mass    float64 `yaml:"mass" json:"mass"`
	Margin  float64 `yaml:"margin" json:"margin"`
	Entropy float64 `yaml:"entropy" json:"entropy"`
}

// DefaultWeights is the canonical tuning used by live inference.
func DefaultWeights() Weights {
	return Weights{Mass: 0.75, Margin: 0.35, Entropy: 0.25}
}

// CalibratedWeights is the alternative tuning. It is paired with CalibratedMultipliers.
func CalibratedWeights() Weights {
	return Weights{Mass: 0.60, Margin: 0.25, Entropy: 0.15}
}

// CalibratedMultipliers scales bacterial cases 5% above viral ones.
func CalibratedMultipliers() map[xray.Class]float64 {
	return map[xray.Class]float64{xray.Bacterial: 1.05}
}

// Validate rejects negative or non-finite weights.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{"mass": w.Mass, "margin": w.Margin, "entropy": w.Entropy} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return xray.Misconfigured("severity", "weight %s = %g must be finite and non-negative", name, v)
		}
	}
	return nil
}

// Signals are the three inputs to the weighted sum.
type Signals struct {
	Mass    float64 `json:"mass"`
	Margin  float64 `json:"margin"`
	Entropy float64 `json:"entropy"`
}

// Config configures an Estimator.
type Config struct {
	Weights           Weights
	TypeMultipliers   map[xray.Class]float64 // optional, applied to raw before clamping
	ForceNegativeZero bool
}

// DefaultConfig returns DefaultWeights with force-zero enabled and no type multipliers.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), ForceNegativeZero: true}
}

// Estimator is an immutable, configured severity function.
type Estimator struct {
	weights     Weights
	multipliers map[xray.Class]float64
	forceZero   bool
}

// New validates cfg and builds an Estimator.
func New(cfg Config) (*Estimator, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	mult := make(map[xray.Class]float64, len(cfg.TypeMultipliers))
	for class, m := range cfg.TypeMultipliers {
		if !class.Positive() {
			return nil, xray.Misconfigured("severity", "type multiplier set for non-disease class %s", class)
		}
		if math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
			return nil, xray.Misconfigured("severity", "type multiplier for %s = %g must be positive", class, m)
		}
		mult[class] = m
	}
	return &Estimator{weights: cfg.Weights, multipliers: mult, forceZero: cfg.ForceNegativeZero}, nil
}

// Score computes the canonical severity with DefaultWeights.
func Score(p xray.Probs, decision xray.Class, forceNegativeZero bool) (int, error) {
	est := &Estimator{weights: DefaultWeights(), forceZero: forceNegativeZero}
	return est.Score(p, decision)
}

// Score maps p and decision to [0,10]. A Normal decision yields 0 when force-zero is
// enabled; any disease decision yields at least 1.
func (e *Estimator) Score(p xray.Probs, decision xray.Class) (int, error) {
	if !decision.Valid() {
		return 0, xray.InvalidInput("severity", "unknown class index %d", int(decision))
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if e.forceZero && decision == xray.Normal {
		return MinScore, nil
	}

	return e.fromSignals(Compute(p), decision), nil
}

func (e *Estimator) fromSignals(s Signals, decision xray.Class) int {
	raw := e.weights.Mass*s.Mass + e.weights.Margin*s.Margin - e.weights.Entropy*s.Entropy
	if m, ok := e.multipliers[decision]; ok {
		raw *= m
	}
	raw = clamp(raw, 0, 1)

	sev := int(math.Ceil(10 * math.Sqrt(raw)))
	if decision.Positive() && sev < 1 {
		sev = 1
	}
	return int(clamp(float64(sev), MinScore, MaxScore))
}

// Compute derives the signals of p.
func Compute(p xray.Probs) Signals {
	sorted := p.Sorted()
	return Signals{
		Mass:    p[xray.Bacterial] + p[xray.Viral],
		Margin:  sorted[0] - sorted[1],
		Entropy: NormalizedEntropy(p),
	}
}

// NormalizedEntropy is H(p)/ln(3), floored so zero entries contribute nothing finite-breaking.
func NormalizedEntropy(p xray.Probs) float64 {
	var h float64
	for _, v := range p {
		h -= v * math.Log(math.Max(v, entropyFloor))
	}
	return clamp(h/math.Log(xray.NumClasses), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
