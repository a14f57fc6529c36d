package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/straja-ai/cxrlens/internal/diagnosis"
	"github.com/straja-ai/cxrlens/internal/severity"
	"github.com/straja-ai/cxrlens/internal/xray"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

// parseProbs reads "normal,bacterial,viral".
func parseProbs(s string) (xray.Probs, error) {
	parts := strings.Split(s, ",")
	if len(parts) != xray.NumClasses {
		return xray.Probs{}, xray.InvalidInput("score", "--probs needs %d comma separated values, got %d", xray.NumClasses, len(parts))
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return xray.Probs{}, xray.InvalidInput("score", "--probs value %q is not a number", p)
		}
		vals[i] = v
	}
	return xray.FromSlice(vals)
}

// vitalsFlags are the optional CURB-65 inputs shared by score and diagnose.
type vitalsFlags struct {
	age, respRate, systolic, diastolic int
	urea                               float64
	confusion                          bool
}

func (f *vitalsFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&f.age, "age", 0, "patient age in years (CURB-65)")
	fs.IntVar(&f.respRate, "resp-rate", 0, "respiratory rate per minute (CURB-65)")
	fs.IntVar(&f.systolic, "systolic", 0, "systolic blood pressure in mmHg (CURB-65)")
	fs.IntVar(&f.diastolic, "diastolic", 0, "diastolic blood pressure in mmHg (CURB-65)")
	fs.Float64Var(&f.urea, "urea", 0, "blood urea in mmol/L (CURB-65)")
	fs.BoolVar(&f.confusion, "confusion", false, "new mental confusion (CURB-65)")
}

// vitals returns the flags that were given, and false when none was.
func (f *vitalsFlags) vitals(cmd *cobra.Command) (severity.Vitals, bool) {
	fs := cmd.Flags()
	var v severity.Vitals
	given := false
	intFlag := func(name string, val int, dst **int) {
		if fs.Changed(name) {
			n := val
			*dst = &n
			given = true
		}
	}
	intFlag("age", f.age, &v.Age)
	intFlag("resp-rate", f.respRate, &v.RespiratoryRate)
	intFlag("systolic", f.systolic, &v.SystolicBP)
	intFlag("diastolic", f.diastolic, &v.DiastolicBP)
	if fs.Changed("urea") {
		urea := f.urea
		v.Urea = &urea
		given = true
	}
	if fs.Changed("confusion") {
		v.Confusion = f.confusion
		given = true
	}
	return v, given
}

// decisionOutput is a Result with the optional clinical grading attached.
type decisionOutput struct {
	*diagnosis.Result
	Source           string           `json:"source,omitempty"`
	Vitals           *severity.Vitals `json:"vitals,omitempty"`
	CURB65           *int             `json:"curb65,omitempty"`
	ClinicalSeverity *int             `json:"clinical_severity,omitempty"`
	ClinicalRisk     severity.Risk    `json:"clinical_risk,omitempty"`
}

func newDecisionOutput(res *diagnosis.Result, v severity.Vitals, haveVitals bool) decisionOutput {
	out := decisionOutput{Result: res}
	if !haveVitals {
		return out
	}
	curb := severity.CURB65(v)
	clinical := severity.Combined(res.Class, curb)
	out.Vitals = &v
	out.CURB65 = &curb
	out.ClinicalSeverity = &clinical
	out.ClinicalRisk = severity.RiskLevel(clinical)
	return out
}
