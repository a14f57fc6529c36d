package replay

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/cxrlens/internal/diagnosis"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Mismatch is one field of one case that no longer matches its recording.
type Mismatch struct {
	CaseID string `json:"case_id"`
	Name   string `json:"name"`
	Field  string `json:"field"`
	Want   string `json:"want"`
	Got    string `json:"got"`
}

// Report aggregates a replay run.
type Report struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	Total      int        `json:"total"`
	Passed     int        `json:"passed"`
	Failed     int        `json:"failed"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// OK reports whether every case matched.
func (r *Report) OK() bool { return r.Failed == 0 }

// Hook observes each case as it completes.
type Hook func(c Case, passed bool)

// engines hands out one scoring engine per gate threshold.
type engines struct {
	base diagnosis.Options
	byMC map[float64]*diagnosis.Engine
}

func newEngines(base diagnosis.Options) *engines {
	return &engines{base: base, byMC: map[float64]*diagnosis.Engine{}}
}

func (e *engines) get(minConfidence float64) (*diagnosis.Engine, error) {
	if minConfidence == 0 {
		minConfidence = e.base.MinConfidence
	}
	if eng, ok := e.byMC[minConfidence]; ok {
		return eng, nil
	}
	opts := e.base
	opts.MinConfidence = minConfidence
	opts.CacheSize = 0
	eng, err := diagnosis.New(opts)
	if err != nil {
		return nil, err
	}
	e.byMC[minConfidence] = eng
	return eng, nil
}

// Run scores every case with base options and compares against the recording.
// Scoring errors count as failed cases; only ctx cancellation aborts the run.
func Run(ctx context.Context, cases []Case, base diagnosis.Options, hook Hook) (*Report, error) {
	rep := &Report{ID: uuid.NewString(), StartedAt: time.Now().UTC(), Total: len(cases)}
	pool := newEngines(base)

	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		mismatches := check(ctx, pool, c)
		passed := len(mismatches) == 0
		if passed {
			rep.Passed++
		} else {
			rep.Failed++
			rep.Mismatches = append(rep.Mismatches, mismatches...)
		}
		if hook != nil {
			hook(c, passed)
		}
	}
	return rep, nil
}

func check(ctx context.Context, pool *engines, c Case) []Mismatch {
	miss := func(field, want, got string) Mismatch {
		return Mismatch{CaseID: c.ID, Name: c.Name, Field: field, Want: want, Got: got}
	}

	eng, err := pool.get(c.MinConfidence)
	if err != nil {
		return []Mismatch{miss("error", "", err.Error())}
	}
	res, err := eng.Score(ctx, c.Raw)
	if err != nil {
		return []Mismatch{miss("error", "", err.Error())}
	}

	var out []Mismatch
	want, err := xray.ParseClass(c.Expected.Class)
	if err != nil || want != res.Class {
		out = append(out, miss("class", c.Expected.Class, res.Label))
	}
	if c.Expected.Overridden != res.Overridden {
		out = append(out, miss("overridden", strconv.FormatBool(c.Expected.Overridden), strconv.FormatBool(res.Overridden)))
	}
	if c.Expected.Thresholded != res.Thresholded {
		out = append(out, miss("thresholded", strconv.FormatBool(c.Expected.Thresholded), strconv.FormatBool(res.Thresholded)))
	}
	if c.Expected.Severity != res.Severity {
		out = append(out, miss("severity", strconv.Itoa(c.Expected.Severity), strconv.Itoa(res.Severity)))
	}
	return out
}

// Record scores every case and overwrites its expectation with the current outcome.
func Record(ctx context.Context, cases []Case, base diagnosis.Options, hook Hook) ([]Case, error) {
	pool := newEngines(base)
	out := make([]Case, len(cases))
	for i, c := range cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		eng, err := pool.get(c.MinConfidence)
		if err != nil {
			return nil, err
		}
		res, err := eng.Score(ctx, c.Raw)
		if err != nil {
			return nil, fmt.Errorf("case %q: %w", c.Name, err)
		}
		c.Expected = Expected{
			Class:       res.Label,
			Overridden:  res.Overridden,
			Thresholded: res.Thresholded,
			Severity:    res.Severity,
		}
		out[i] = c
		if hook != nil {
			hook(c, true)
		}
	}
	return out, nil
}
