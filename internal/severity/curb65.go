package severity

import "github.com/straja-ai/cxrlens/internal/xray"

// Vitals are the clinical inputs of the CURB-65 score. Nil fields are unknown and do
// not contribute a point.
type Vitals struct {
	Age             *int     `json:"age,omitempty"`
	RespiratoryRate *int     `json:"respiratory_rate,omitempty"`
	SystolicBP      *int     `json:"systolic_bp,omitempty"`
	DiastolicBP     *int     `json:"diastolic_bp,omitempty"`
	Confusion       bool     `json:"confusion"`
	Urea            *float64 `json:"urea_mmol_l,omitempty"`
}

// CURB65 returns the 0-5 pneumonia severity score for v.
func CURB65(v Vitals) int {
	score := 0
	if v.Confusion {
		score++
	}
	if v.Urea != nil && *v.Urea > 7 {
		score++
	}
	if v.RespiratoryRate != nil && *v.RespiratoryRate >= 30 {
		score++
	}
	if (v.SystolicBP != nil && *v.SystolicBP < 90) || (v.DiastolicBP != nil && *v.DiastolicBP <= 60) {
		score++
	}
	if v.Age != nil && *v.Age >= 65 {
		score++
	}
	return score
}

// Combined maps a decision and a CURB-65 score to a clinical severity in [0,10].
// Bacterial cases carry one extra point.
func Combined(decision xray.Class, curb65 int) int {
	if !decision.Positive() {
		return MinScore
	}
	var sev int
	switch {
	case curb65 <= 1:
		sev = 2
	case curb65 == 2:
		sev = 5
	default:
		sev = 8
	}
	if decision == xray.Bacterial {
		sev++
	}
	if sev > MaxScore {
		sev = MaxScore
	}
	return sev
}

// Risk is a coarse band over a severity score.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskModerate Risk = "moderate"
	RiskHigh     Risk = "high"
)

// RiskLevel buckets a severity score.
func RiskLevel(sev int) Risk {
	switch {
	case sev <= 3:
		return RiskLow
	case sev <= 6:
		return RiskModerate
	default:
		return RiskHigh
	}
}
