package testutil

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/straja-ai/cxrlens/internal/head"
	"github.com/straja-ai/cxrlens/internal/network"
)

// NativeLayoutYAML is the layout.yaml written by WriteNativeBundle.
const NativeLayoutYAML = `backbone: tiny_resnet
tap_layer: block2_conv
pooling: global_average_pooling2d
dropout: dropout
dense: dense
preprocess: unit
input_shape: [8, 8, 3]
`

// WriteNativeBundle writes a seeded native bundle with the TinyClassifier
// architecture into dir and returns dir.
func WriteNativeBundle(t testing.TB, dir string, seed int64) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	rng := rand.New(rand.NewSource(seed))

	backbone := network.Spec{
		Name: BackboneName,
		Layers: []network.LayerSpec{
			{Name: "block1_conv", Type: "conv2d", Kernel: 3, In: 3, Out: 4, Weights: uniform(rng, 3*3*3*4, 0.4), Bias: uniform(rng, 4, 0.05)},
			{Name: "block1_relu", Type: "relu"},
			{Name: "block1_pool", Type: "maxpool2d"},
			{Name: TapLayer, Type: "conv2d", Kernel: 3, In: 4, Out: 6, Weights: uniform(rng, 3*3*4*6, 0.4), Bias: uniform(rng, 6, 0.05)},
			{Name: OutputLayer, Type: "relu"},
		},
	}
	weights := make([][]float64, 6)
	for i := range weights {
		weights[i] = uniform(rng, 3, 1.5)
	}
	hd := head.Spec{
		Pooling:     "global_average_pooling2d",
		Dropout:     "dropout",
		DropoutRate: 0.3,
		Dense:       "dense",
		Weights:     weights,
		Bias:        uniform(rng, 3, 0.1),
	}

	writeJSON(t, filepath.Join(dir, "backbone.json"), backbone)
	writeJSON(t, filepath.Join(dir, "head.json"), hd)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "layout.yaml"), []byte(NativeLayoutYAML), 0o644))
	return dir
}

func writeJSON(t testing.TB, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
