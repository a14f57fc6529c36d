// Package testutil builds small deterministic models and images for tests.
package testutil

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/straja-ai/cxrlens/internal/classifier"
	"github.com/straja-ai/cxrlens/internal/head"
	"github.com/straja-ai/cxrlens/internal/network"
	"github.com/straja-ai/cxrlens/internal/tensor"
)

// Layout names used by TinyClassifier.
const (
	BackboneName = "tiny_resnet"
	TapLayer     = "block2_conv"
	OutputLayer  = "block2_out"
)

// TinyLayout is the layout matching TinyClassifier.
func TinyLayout() classifier.Layout {
	return classifier.Layout{
		Backbone: BackboneName,
		TapLayer: TapLayer,
		Pooling:  "global_average_pooling2d",
		Dropout:  "dropout",
		Dense:    "dense",
	}
}

func uniform(rng *rand.Rand, n int, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = (rng.Float64()*2 - 1) * scale
	}
	return out
}

// TinyBackbone is conv(3->4) relu pool conv(4->6) relu with seeded weights.
func TinyBackbone(t testing.TB, seed int64) *network.Sequential {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	conv1, err := network.NewConv2D("block1_conv", 3, 3, 4, uniform(rng, 3*3*3*4, 0.4), uniform(rng, 4, 0.05))
	require.NoError(t, err)
	conv2, err := network.NewConv2D(TapLayer, 3, 4, 6, uniform(rng, 3*3*4*6, 0.4), uniform(rng, 6, 0.05))
	require.NoError(t, err)
	s, err := network.NewSequential(BackboneName,
		conv1,
		network.NewReLU("block1_relu"),
		network.NewMaxPool2D("block1_pool"),
		conv2,
		network.NewReLU(OutputLayer),
	)
	require.NoError(t, err)
	return s
}

// TinyHead is a 6-channel, 3-class head with seeded weights.
func TinyHead(t testing.TB, seed int64) *head.Head {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	weights := make([][]float64, 6)
	for i := range weights {
		weights[i] = uniform(rng, 3, 1.5)
	}
	h, err := head.New(head.Spec{
		Pooling:     "global_average_pooling2d",
		Dropout:     "dropout",
		DropoutRate: 0.3,
		Dense:       "dense",
		Weights:     weights,
		Bias:        uniform(rng, 3, 0.1),
	})
	require.NoError(t, err)
	return h
}

// TinyClassifier wires TinyBackbone and TinyHead for 8x8 RGB inputs.
func TinyClassifier(t testing.TB) *classifier.Classifier {
	t.Helper()
	clf, err := classifier.New(TinyLayout(), TinyBackbone(t, 42), TinyHead(t, 43),
		classifier.WithInputShape(tensor.Shape{H: 8, W: 8, C: 3}))
	require.NoError(t, err)
	return clf
}

// Image returns a seeded 8x8x3 tensor in [-1, 1].
func Image(seed int64) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := tensor.New(8, 8, 3)
	copy(x.Data, uniform(rng, len(x.Data), 1))
	return x
}
