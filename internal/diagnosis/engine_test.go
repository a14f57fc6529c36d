package diagnosis

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/straja-ai/cxrlens/internal/audit"
	"github.com/straja-ai/cxrlens/internal/correct"
	"github.com/straja-ai/cxrlens/internal/gradcam"
	"github.com/straja-ai/cxrlens/internal/severity"
	"github.com/straja-ai/cxrlens/internal/telemetry"
	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/testutil"
	"github.com/straja-ai/cxrlens/internal/xray"
)

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(DefaultOptions(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func explainer(t *testing.T) *gradcam.Engine {
	t.Helper()
	x, err := gradcam.NewEngine(testutil.TinyClassifier(t), "", "")
	require.NoError(t, err)
	return x
}

func TestScoreScenarios(t *testing.T) {
	cases := []struct {
		name        string
		raw         xray.Probs
		class       xray.Class
		overridden  bool
		thresholded bool
		severity    int
	}{
		{name: "confident viral kept", raw: xray.Probs{0.10, 0.10, 0.80}, class: xray.Viral, severity: 9},
		{name: "weak viral re-ranked to normal", raw: xray.Probs{0.30, 0.10, 0.60}, class: xray.Normal, overridden: true},
		{name: "weak bacterial gated", raw: xray.Probs{0.40, 0.55, 0.05}, class: xray.Normal, overridden: true, thresholded: true},
		{name: "strong bacterial", raw: xray.Probs{0.05, 0.90, 0.05}, class: xray.Bacterial, severity: 10},
		{name: "normal", raw: xray.Probs{0.90, 0.05, 0.05}, class: xray.Normal},
	}

	e := newEngine(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.Score(context.Background(), tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.class, res.Class)
			assert.Equal(t, tc.class.String(), res.Label)
			assert.Equal(t, tc.overridden, res.Overridden)
			assert.Equal(t, tc.thresholded, res.Thresholded)
			assert.Equal(t, tc.severity, res.Severity)
			assert.Equal(t, severity.RiskLevel(tc.severity), res.Risk)
			assert.InDelta(t, 1.0, res.Corrected.Sum(), 1e-5)
			assert.InDelta(t, res.Corrected[res.Class], res.Confidence, 1e-12)
			assert.Equal(t, tc.raw, res.RawProbs)
			assert.Equal(t, 0.65, res.MinConfidence)
		})
	}
}

func TestScoreIsIdempotent(t *testing.T) {
	e := newEngine(t)
	raw := xray.Probs{0.2, 0.5, 0.3}
	first, err := e.Score(context.Background(), raw)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Score(context.Background(), raw)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestScoreRejectsInvalidInput(t *testing.T) {
	e := newEngine(t)
	for _, raw := range []xray.Probs{{0.5, 0.5, 0.5}, {-0.1, 0.6, 0.5}, {0, 0, 0}} {
		_, err := e.Score(context.Background(), raw)
		require.ErrorIs(t, err, xray.ErrInvalidInput, "raw %v", raw)
	}
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	opts := DefaultOptions()
	opts.MinConfidence = 0.4
	_, err := New(opts)
	require.ErrorIs(t, err, xray.ErrConfiguration)

	opts = DefaultOptions()
	opts.Severity.Weights.Margin = -1
	_, err = New(opts)
	require.ErrorIs(t, err, xray.ErrConfiguration)

	opts = DefaultOptions()
	opts.Policy = correct.Policy{}
	e, err := New(opts)
	require.NoError(t, err)
	res, err := e.Score(context.Background(), xray.Probs{0.1, 0.1, 0.8})
	require.NoError(t, err)
	assert.Equal(t, xray.Viral, res.Class, "zero policy falls back to the default constants")
}

func TestScoreRecordsAuditAndMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sink := audit.NewMemorySink()
	em := audit.NewEmitter(audit.EmitterConfig{QueueSize: 16}, []audit.Sink{sink})

	e, err := New(DefaultOptions(), WithAudit(em), WithTelemetry(telemetry.NewWithMeter(mp.Meter("test"))))
	require.NoError(t, err)

	ctx := WithSource(context.Background(), "/archive/P-004211/frontal.png")
	_, err = e.Score(ctx, xray.Probs{0.40, 0.55, 0.05})
	require.NoError(t, err)
	_, err = e.Score(ctx, xray.Probs{0.9, 0.9, 0.9})
	require.Error(t, err)
	e.Close(context.Background())

	events := sink.Events()
	require.Len(t, events, 2)
	ok, failed := events[0], events[1]
	if ok.Error != "" {
		ok, failed = failed, ok
	}
	assert.Equal(t, audit.KindScore, ok.Kind)
	assert.Equal(t, "frontal.png", ok.Source)
	require.NotNil(t, ok.Decision)
	assert.Equal(t, "NORMAL", ok.Decision.Class)
	assert.True(t, ok.Decision.Thresholded)
	assert.NotEmpty(t, failed.Error)
	assert.Nil(t, failed.Decision)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(1), counterTotal(rm, "cxrlens_diagnoses_total"))
	assert.Equal(t, int64(1), counterTotal(rm, "cxrlens_overrides_total"))
}

func TestDiagnoseRequiresClassifier(t *testing.T) {
	e := newEngine(t)
	_, err := e.Diagnose(context.Background(), testutil.Image(1))
	require.ErrorIs(t, err, xray.ErrConfiguration)
	_, err = e.Explain(context.Background(), testutil.Image(1), xray.Viral)
	require.ErrorIs(t, err, xray.ErrConfiguration)
}

func TestReportExplainsReportedClass(t *testing.T) {
	e := newEngine(t, WithExplainer(explainer(t)))

	for seed := int64(1); seed <= 5; seed++ {
		res, hm, err := e.Report(context.Background(), testutil.Image(seed))
		require.NoError(t, err)
		require.NoError(t, res.RawProbs.Validate())
		assert.Equal(t, res.Class, hm.Class)
		assert.Equal(t, testutil.TapLayer, hm.Layer)
		for _, v := range hm.Values {
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0)
		}
	}

	_, err := e.Diagnose(context.Background(), tensor.New(4, 4, 3))
	require.ErrorIs(t, err, xray.ErrInvalidInput)
}

func TestExplainCachesByImageAndClass(t *testing.T) {
	e := newEngine(t, WithExplainer(explainer(t)))
	img := testutil.Image(3)

	first, err := e.Explain(context.Background(), img, xray.Bacterial)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheLen())

	// Callers own what they get back.
	for i := range first.Values {
		first.Values[i] = -1
	}
	second, err := e.Explain(context.Background(), img.Clone(), xray.Bacterial)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheLen())
	for _, v := range second.Values {
		require.GreaterOrEqual(t, v, 0.0)
	}

	_, err = e.Explain(context.Background(), img, xray.Viral)
	require.NoError(t, err)
	assert.Equal(t, 2, e.CacheLen())
}

func TestExplainWithoutCache(t *testing.T) {
	opts := DefaultOptions()
	opts.CacheSize = 0
	e, err := New(opts, WithExplainer(explainer(t)))
	require.NoError(t, err)

	a, err := e.Explain(context.Background(), testutil.Image(2), xray.Normal)
	require.NoError(t, err)
	b, err := e.Explain(context.Background(), testutil.Image(2), xray.Normal)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 0, e.CacheLen())
}

func TestExplainBatch(t *testing.T) {
	sink := audit.NewMemorySink()
	em := audit.NewEmitter(audit.EmitterConfig{QueueSize: 64}, []audit.Sink{sink})
	e := newEngine(t, WithExplainer(explainer(t)), WithAudit(em))

	var jobs []Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, Job{ID: string(rune('a' + i)), Image: testutil.Image(int64(i)), Class: xray.Class(i % 3)})
	}
	jobs = append(jobs, Job{ID: "bad", Image: testutil.Image(1), Class: xray.Class(9)})

	results := e.ExplainBatch(context.Background(), jobs, 3)
	require.Len(t, results, len(jobs))
	for i, r := range results[:8] {
		assert.Equal(t, jobs[i].ID, r.ID)
		require.NoError(t, r.Err)
		assert.Equal(t, jobs[i].Class, r.Heatmap.Class)

		want, err := e.Explain(context.Background(), jobs[i].Image, jobs[i].Class)
		require.NoError(t, err)
		assert.Equal(t, want.Values, r.Heatmap.Values)
	}
	assert.Equal(t, "bad", results[8].ID)
	require.ErrorIs(t, results[8].Err, xray.ErrInvalidInput)

	e.Close(context.Background())
	var explains int
	for _, ev := range sink.Events() {
		if ev.Kind == audit.KindExplain && ev.Attribution != nil {
			explains++
			assert.Equal(t, testutil.BackboneName, ev.Model.Backbone)
		}
	}
	assert.Equal(t, 16, explains)
}

func TestExplainBatchCancelled(t *testing.T) {
	e := newEngine(t, WithExplainer(explainer(t)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := e.ExplainBatch(ctx, []Job{{ID: "x", Image: testutil.Image(1), Class: xray.Viral}}, 1)
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, context.Canceled)
}

func TestCloseIsIdempotent(t *testing.T) {
	var calls int
	e, err := New(DefaultOptions(), WithCloser(func(context.Context) { calls++ }))
	require.NoError(t, err)
	e.Close(context.Background())
	e.Close(context.Background())
	assert.Equal(t, 1, calls)
}

func TestWithSourceRedacts(t *testing.T) {
	ctx := WithSource(context.Background(), filepath.Join(string(os.PathSeparator), "pacs", "P-004211.png"))
	assert.False(t, strings.Contains(sourceFrom(ctx), "004211"))
	assert.Empty(t, sourceFrom(context.Background()))
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
