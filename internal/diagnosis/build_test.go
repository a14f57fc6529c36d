package diagnosis

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/cxrlens/internal/audit"
	"github.com/straja-ai/cxrlens/internal/config"
	"github.com/straja-ai/cxrlens/internal/correct"
	"github.com/straja-ai/cxrlens/internal/severity"
	"github.com/straja-ai/cxrlens/internal/testutil"
	"github.com/straja-ai/cxrlens/internal/xray"
)

func TestFromConfigScoringOnly(t *testing.T) {
	b, err := FromConfig(context.Background(), config.Default(), nil, "test")
	require.NoError(t, err)
	defer b.Close(context.Background())

	assert.Nil(t, b.Model)
	assert.Nil(t, b.Explainer())
	res, err := b.Score(context.Background(), xray.Probs{0.1, 0.1, 0.8})
	require.NoError(t, err)
	assert.Equal(t, xray.Viral, res.Class)
}

func TestFromConfigNativeModelWithAudit(t *testing.T) {
	dir := t.TempDir()
	bundle := testutil.WriteNativeBundle(t, filepath.Join(dir, "model"), 11)
	auditPath := filepath.Join(dir, "logs", "audit.jsonl")

	cfg := config.Default()
	cfg.Engine.MinConfidence = 0.5
	cfg.Model.Kind = "native"
	cfg.Model.BundleDir = bundle
	cfg.Audit.Sinks = []config.AuditSinkConfig{{Type: "file_jsonl", Path: auditPath, MaxSizeMB: 1}}

	b, err := FromConfig(context.Background(), cfg, nil, "test")
	require.NoError(t, err)
	require.NotNil(t, b.Model)
	assert.Equal(t, 0.5, b.MinConfidence())

	res, hm, err := b.Report(context.Background(), testutil.Image(4))
	require.NoError(t, err)
	assert.Equal(t, res.Class, hm.Class)
	b.Close(context.Background())

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	kinds := map[audit.Kind]bool{}
	for _, line := range lines {
		var ev audit.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		kinds[ev.Kind] = true
		assert.Equal(t, "native", ev.Model.Kind)
		assert.Equal(t, testutil.TapLayer, ev.Model.TapLayer)
	}
	assert.True(t, kinds[audit.KindScore])
	assert.True(t, kinds[audit.KindExplain])
}

func TestFromConfigErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.MinConfidence = 0.99
	_, err := FromConfig(context.Background(), cfg, nil, "test")
	require.ErrorIs(t, err, xray.ErrConfiguration)

	cfg = config.Default()
	cfg.Model.Kind = "native"
	cfg.Model.BundleDir = testutil.WriteNativeBundle(t, t.TempDir(), 1)
	cfg.Attribution.TapLayer = "missing_layer"
	_, err = FromConfig(context.Background(), cfg, nil, "test")
	require.ErrorIs(t, err, xray.ErrConfiguration)

	cfg = config.Default()
	cfg.Audit.Sinks = []config.AuditSinkConfig{{Type: "file_jsonl"}}
	_, err = FromConfig(context.Background(), cfg, nil, "test")
	require.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.MinConfidence = 0.8
	cfg.Attribution.Workers = 5
	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 0.8, opts.MinConfidence)
	assert.Equal(t, 5, opts.Workers)
	assert.Equal(t, correct.DefaultPolicy(), opts.Policy)

	cfg.Severity.Profile = "clinical"
	_, err = OptionsFromConfig(cfg)
	require.ErrorIs(t, err, xray.ErrConfiguration)
}

func TestSeverityConfigProfiles(t *testing.T) {
	sc, err := SeverityConfig(config.SeverityConfig{}, true)
	require.NoError(t, err)
	assert.Equal(t, severity.DefaultWeights(), sc.Weights)
	assert.Empty(t, sc.TypeMultipliers)
	assert.True(t, sc.ForceNegativeZero)

	sc, err = SeverityConfig(config.SeverityConfig{Profile: "calibrated"}, false)
	require.NoError(t, err)
	assert.Equal(t, severity.CalibratedWeights(), sc.Weights)
	assert.Equal(t, 1.05, sc.TypeMultipliers[xray.Bacterial])
	assert.False(t, sc.ForceNegativeZero)

	sc, err = SeverityConfig(config.SeverityConfig{
		Profile:         "custom",
		Weights:         config.WeightsConfig{Mass: 1},
		TypeMultipliers: map[string]float64{"viral": 1.2},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, severity.Weights{Mass: 1}, sc.Weights)
	assert.Equal(t, 1.2, sc.TypeMultipliers[xray.Viral])

	_, err = SeverityConfig(config.SeverityConfig{Profile: "clinical"}, true)
	require.ErrorIs(t, err, xray.ErrConfiguration)
	_, err = SeverityConfig(config.SeverityConfig{TypeMultipliers: map[string]float64{"fungal": 2}}, true)
	require.ErrorIs(t, err, xray.ErrConfiguration)
}

func TestAuditSinks(t *testing.T) {
	sinks, err := AuditSinks(config.AuditConfig{Sinks: []config.AuditSinkConfig{
		{Type: "file_jsonl", Path: filepath.Join(t.TempDir(), "a.jsonl")},
		{Type: "webhook", URL: "http://collector.local/audit", TimeoutMs: 500},
	}})
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	assert.Equal(t, "webhook:collector.local", sinks[1].Name())
	for _, s := range sinks {
		require.NoError(t, s.Close(context.Background()))
	}

	_, err = AuditSinks(config.AuditConfig{Sinks: []config.AuditSinkConfig{{Type: "kafka"}}})
	require.Error(t, err)
}
