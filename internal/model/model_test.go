package model

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/cxrlens/internal/classifier"
	"github.com/straja-ai/cxrlens/internal/config"
	"github.com/straja-ai/cxrlens/internal/preprocess"
	"github.com/straja-ai/cxrlens/internal/testutil"
	"github.com/straja-ai/cxrlens/internal/xray"
)

func TestOpenNativeBundle(t *testing.T) {
	dir := testutil.WriteNativeBundle(t, t.TempDir(), 7)

	m, err := Open(config.ModelConfig{Kind: "native", BundleDir: dir, InputSize: 224}, config.AttributionConfig{})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, KindNative, m.Kind)
	assert.Equal(t, testutil.TinyLayout(), m.Layout())
	assert.Equal(t, xray.Labels(), m.Labels)
	assert.Equal(t, preprocess.Options{Width: 8, Height: 8, Convention: preprocess.Unit}, m.Preprocess)

	probs, err := m.Classifier.Predict(context.Background(), testutil.Image(1))
	require.NoError(t, err)
	require.NoError(t, probs.Validate())
}

func TestOpenAppliesOverrides(t *testing.T) {
	dir := testutil.WriteNativeBundle(t, t.TempDir(), 7)

	m, err := Open(
		config.ModelConfig{Kind: "NATIVE", BundleDir: dir, Preprocess: "resnet"},
		config.AttributionConfig{TapLayer: "block1_conv"},
	)
	require.NoError(t, err)
	assert.Equal(t, "block1_conv", m.Layout().TapLayer)
	assert.Equal(t, preprocess.ResNet, m.Preprocess.Convention)

	_, err = Open(
		config.ModelConfig{Kind: "native", BundleDir: dir},
		config.AttributionConfig{TapLayer: "block9_conv"},
	)
	require.ErrorIs(t, err, xray.ErrConfiguration)

	_, err = Open(
		config.ModelConfig{Kind: "native", BundleDir: dir},
		config.AttributionConfig{Dense: "predictions"},
	)
	require.ErrorIs(t, err, xray.ErrConfiguration)
}

func TestOpenWithoutLayoutFile(t *testing.T) {
	dir := testutil.WriteNativeBundle(t, t.TempDir(), 7)
	require.NoError(t, os.Remove(filepath.Join(dir, layoutFile)))

	_, err := LoadNative(dir, classifier.Layout{}, 8)
	require.ErrorIs(t, err, xray.ErrConfiguration)

	m, err := LoadNative(dir, testutil.TinyLayout(), 8)
	require.NoError(t, err)
	assert.Equal(t, 8, m.Preprocess.Width)
	assert.Equal(t, preprocess.MobileNetV2, m.Preprocess.Convention)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(config.ModelConfig{}, config.AttributionConfig{})
	require.ErrorIs(t, err, ErrNoModel)

	_, err = Open(config.ModelConfig{Kind: "torch", BundleDir: "x"}, config.AttributionConfig{})
	require.ErrorIs(t, err, xray.ErrConfiguration)

	_, err = Open(config.ModelConfig{Kind: "native", BundleDir: t.TempDir()}, config.AttributionConfig{})
	require.ErrorIs(t, err, os.ErrNotExist)

	dir := testutil.WriteNativeBundle(t, t.TempDir(), 7)
	_, err = Open(config.ModelConfig{Kind: "native", BundleDir: dir, Preprocess: "inception"}, config.AttributionConfig{})
	require.ErrorIs(t, err, xray.ErrConfiguration)
}

func TestInputShape(t *testing.T) {
	s, err := inputShape(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, preprocess.DefaultSize, s.H)

	s, err = inputShape([]int{16, 12, 3}, 224)
	require.NoError(t, err)
	assert.Equal(t, 16, s.H)
	assert.Equal(t, 12, s.W)

	_, err = inputShape([]int{16, 12}, 224)
	require.ErrorIs(t, err, xray.ErrConfiguration)
	_, err = inputShape([]int{16, 12, 1}, 224)
	require.ErrorIs(t, err, xray.ErrConfiguration)
}
