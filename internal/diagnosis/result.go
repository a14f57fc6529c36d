package diagnosis

import (
	"github.com/straja-ai/cxrlens/internal/audit"
	"github.com/straja-ai/cxrlens/internal/severity"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Result is the outcome of the scoring path for one probability vector.
type Result struct {
	RawProbs  xray.Probs `json:"raw_probs"`
	Corrected xray.Probs `json:"corrected"`
	Class     xray.Class `json:"-"`
	Label     string     `json:"class"`
	// Confidence is the corrected mass of the reported class.
	Confidence float64 `json:"confidence"`
	// Overridden is set when bias correction or the gate moved the decision away
	// from the raw argmax.
	Overridden bool `json:"overridden"`
	// Thresholded is set when the confidence gate fired.
	Thresholded   bool             `json:"thresholded"`
	Severity      int              `json:"severity"`
	Risk          severity.Risk    `json:"risk"`
	Signals       severity.Signals `json:"signals"`
	MinConfidence float64          `json:"min_confidence"`
}

// Decision returns the class and override flag.
func (r *Result) Decision() xray.Decision {
	return xray.Decision{Class: r.Class, Overridden: r.Overridden}
}

func (r *Result) auditPayload() *audit.DecisionPayload {
	return &audit.DecisionPayload{
		Raw:           r.RawProbs.Slice(),
		Corrected:     r.Corrected.Slice(),
		Class:         r.Label,
		Confidence:    r.Confidence,
		Overridden:    r.Overridden,
		Thresholded:   r.Thresholded,
		MinConfidence: r.MinConfidence,
		Severity:      r.Severity,
		Risk:          string(r.Risk),
	}
}
