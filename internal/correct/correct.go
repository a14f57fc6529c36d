// Package correct rebalances raw classifier probabilities to counter the model's
// over-prediction of viral pneumonia and re-derives the decision under a stricter
// acceptance rule for that class.
package correct

import (
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Policy holds the fixed rebalancing constants. They are policy, not learned values.
type Policy struct {
	ViralDamping         float64 // multiplier applied to the viral mass
	NormalBoostThreshold float64 // raw normal mass above which the boost applies
	NormalBoostGain      float64 // multiplier applied to a competitive normal mass
	ViralAcceptFloor     float64 // corrected viral mass required to keep a viral argmax
}

// DefaultPolicy returns the production constants.
func DefaultPolicy() Policy {
	return Policy{
		ViralDamping:         0.75,
		NormalBoostThreshold: 0.20,
		NormalBoostGain:      1.3,
		ViralAcceptFloor:     0.70,
	}
}

// Result is the corrected decision and vector.
type Result struct {
	Class     xray.Class
	Corrected xray.Probs
	// Changed is true when the corrected decision differs from the raw argmax.
	Changed bool
}

// Correct applies DefaultPolicy.
func Correct(raw xray.Probs) (xray.Class, xray.Probs, error) {
	res, err := DefaultPolicy().Apply(raw)
	if err != nil {
		return xray.Normal, raw, err
	}
	return res.Class, res.Corrected, nil
}

// Apply rebalances raw and picks the corrected class.
func (p Policy) Apply(raw xray.Probs) (Result, error) {
	if err := raw.Validate(); err != nil {
		return Result{}, err
	}

	adj := raw
	adj[xray.Viral] *= p.ViralDamping
	if raw[xray.Normal] > p.NormalBoostThreshold {
		adj[xray.Normal] *= p.NormalBoostGain
	}

	corrected, err := adj.Normalize()
	if err != nil {
		return Result{}, err
	}
	// Keep every entry inside [0,1] after the division.
	for i := range corrected {
		corrected[i] = clamp01(corrected[i])
	}

	class := corrected.Argmax()
	if class == xray.Viral && corrected[xray.Viral] < p.ViralAcceptFloor {
		if corrected[xray.Normal] > corrected[xray.Bacterial] {
			class = xray.Normal
		} else {
			class = xray.Bacterial
		}
	}

	return Result{
		Class:     class,
		Corrected: corrected,
		Changed:   class != raw.Argmax(),
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
