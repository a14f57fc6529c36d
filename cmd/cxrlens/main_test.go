package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/cxrlens/internal/testutil"
	"github.com/straja-ai/cxrlens/internal/xray"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m), s)
	return m
}

// writeConfig writes a config pointing at a fresh native bundle and replay db.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	bundle := testutil.WriteNativeBundle(t, filepath.Join(dir, "model"), 11)
	cfg := fmt.Sprintf(`model:
  kind: native
  bundle_dir: %s
replay:
  db_path: %s
`, bundle, filepath.Join(dir, "replay.db"))
	path := filepath.Join(dir, "cxrlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path, dir
}

func writeImage(t *testing.T, dir string) string {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	img := image.NewRGBA(image.Rect(0, 0, 20, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 20; x++ {
			v := uint8(rng.Intn(256))
			img.SetRGBA(x, y, color.RGBA{R: v, G: uint8(x * 12), B: uint8(y * 15), A: 0xff})
		}
	}
	path := filepath.Join(dir, "chest.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestScoreCommand(t *testing.T) {
	cases := []struct {
		name        string
		args        []string
		class       string
		thresholded bool
		severity    float64
	}{
		{"confident viral", []string{"--probs", "0.1,0.1,0.8"}, "VIRAL_PNEUMONIA", false, 9},
		{"confident bacterial", []string{"--probs", "0.05,0.9,0.05"}, "BACTERIAL_PNEUMONIA", false, 10},
		{"gated bacterial", []string{"--probs", "0.4,0.55,0.05"}, "NORMAL", true, 0},
		{"gated at default threshold", []string{"--probs", "0.3,0.6,0.1"}, "NORMAL", true, 0},
		{"lenient threshold", []string{"--probs", "0.3,0.6,0.1", "--min-confidence", "0.5"}, "BACTERIAL_PNEUMONIA", false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := run(t, append([]string{"score"}, tc.args...)...)
			require.NoError(t, err)
			m := decode(t, out)
			assert.Equal(t, tc.class, m["class"])
			assert.Equal(t, tc.thresholded, m["thresholded"])
			if tc.severity > 0 {
				assert.Equal(t, tc.severity, m["severity"])
			}
			assert.NotContains(t, m, "curb65")
		})
	}
}

func TestScoreWithVitals(t *testing.T) {
	out, err := run(t, "score", "--probs", "0.05,0.9,0.05", "--age", "71", "--resp-rate", "32")
	require.NoError(t, err)
	m := decode(t, out)
	assert.Equal(t, float64(2), m["curb65"])
	assert.Equal(t, float64(6), m["clinical_severity"])
	assert.Equal(t, "moderate", m["clinical_risk"])
}

func TestScoreErrors(t *testing.T) {
	_, err := run(t, "score", "--probs", "0.5,0.5")
	require.ErrorIs(t, err, xray.ErrInvalidInput)
	assert.Equal(t, exitInvalidInput, exitCode(err))

	_, err = run(t, "score", "--probs", "0.5,0.6,0.2")
	require.ErrorIs(t, err, xray.ErrInvalidInput)

	_, err = run(t, "score", "--probs", "0.1,0.1,0.8", "--min-confidence", "0.99")
	require.ErrorIs(t, err, xray.ErrConfiguration)
	assert.Equal(t, exitConfiguration, exitCode(err))

	_, err = run(t, "score")
	require.Error(t, err)
}

func TestEnvironmentOverridesConfig(t *testing.T) {
	t.Setenv("CXRLENS_LOGGING_LEVEL", "verbose")
	_, err := run(t, "score", "--probs", "0.1,0.1,0.8")
	require.Error(t, err)

	t.Setenv("CXRLENS_LOGGING_LEVEL", "debug")
	t.Setenv("CXRLENS_ENGINE_MIN_CONFIDENCE", "0.5")
	out, err := run(t, "score", "--probs", "0.3,0.6,0.1")
	require.NoError(t, err)
	assert.Equal(t, "BACTERIAL_PNEUMONIA", decode(t, out)["class"])
}

func TestDiagnoseCommand(t *testing.T) {
	cfgPath, dir := writeConfig(t)
	img := writeImage(t, dir)

	out, err := run(t, "--config", cfgPath, "diagnose", "--image", img, "--confusion")
	require.NoError(t, err)
	m := decode(t, out)
	assert.Contains(t, xray.Labels(), m["class"])
	assert.Equal(t, "chest.png", m["source"])
	assert.Contains(t, m, "curb65")

	_, err = run(t, "--config", cfgPath, "diagnose", "--image", filepath.Join(dir, "missing.png"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDiagnoseWithoutModel(t *testing.T) {
	img := writeImage(t, t.TempDir())
	_, err := run(t, "diagnose", "--image", img)
	require.ErrorIs(t, err, xray.ErrConfiguration)
}

func TestExplainCommand(t *testing.T) {
	cfgPath, dir := writeConfig(t)
	img := writeImage(t, dir)
	outDir := filepath.Join(dir, "overlays")

	out, err := run(t, "--config", cfgPath, "explain", "--image", img, "--out", outDir)
	require.NoError(t, err)
	m := decode(t, out)
	assert.Equal(t, testutil.TapLayer, m["layer"])
	assert.Contains(t, m, "decision")
	for _, name := range []string{"chest_overlay.png", "chest_heatmap.png", "chest_gray.png"} {
		f, err := os.Open(filepath.Join(outDir, name))
		require.NoError(t, err, name)
		cfg, err := png.DecodeConfig(f)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, 20, cfg.Width)
		assert.Equal(t, 16, cfg.Height)
	}

	out, err = run(t, "--config", cfgPath, "explain", "--image", img, "--out", outDir,
		"--mode", "highlight", "--class", "VIRAL_PNEUMONIA")
	require.NoError(t, err)
	m = decode(t, out)
	assert.Equal(t, "VIRAL_PNEUMONIA", m["class"])
	assert.Contains(t, m, "threshold")
	assert.NotContains(t, m, "decision")
	assert.FileExists(t, filepath.Join(outDir, "chest_highlight.png"))
	assert.FileExists(t, filepath.Join(outDir, "chest_mask.png"))

	_, err = run(t, "--config", cfgPath, "explain", "--image", img, "--out", outDir, "--mode", "sepia")
	require.ErrorIs(t, err, xray.ErrConfiguration)
	_, err = run(t, "--config", cfgPath, "explain", "--image", img, "--out", outDir, "--class", "FUNGAL")
	require.ErrorIs(t, err, xray.ErrInvalidInput)
}

const replayFixture = `{
  "description": "cli round trip",
  "cases": [
    {"id": "viral", "name": "confident viral", "raw": [0.1, 0.1, 0.8]},
    {"id": "gated", "name": "gated bacterial", "raw": [0.3, 0.6, 0.1]}
  ]
}`

func TestReplayCommands(t *testing.T) {
	cfgPath, dir := writeConfig(t)
	fixture := filepath.Join(dir, "fixture.json")
	require.NoError(t, os.WriteFile(fixture, []byte(replayFixture), 0o644))

	out, err := run(t, "--config", cfgPath, "replay", "record", "--fixture", fixture, "--write")
	require.NoError(t, err)
	assert.Contains(t, out, "recorded 2 cases")

	out, err = run(t, "--config", cfgPath, "replay", "run", "--fixture", fixture)
	require.NoError(t, err)
	m := decode(t, out)
	assert.Equal(t, float64(2), m["passed"])

	// Stored cases, with a threshold that un-gates the bacterial case.
	out, err = run(t, "--config", cfgPath, "--min-confidence", "0.5", "replay", "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 cases drifted")
	assert.Equal(t, float64(1), decode(t, out)["failed"])

	out, err = run(t, "--config", cfgPath, "replay", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "failed=1")
	assert.Contains(t, out, "passed=2")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "cxrlens dev\n", out)
}
