package gradcam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

func TestWeightedIsRectifiedMatrixProduct(t *testing.T) {
	act, err := tensor.FromData(1, 2, 2, []float64{1, 2, 3, 0})
	require.NoError(t, err)

	h := weighted(act, []float64{0.5, 0.25}, xray.Viral, "tap")
	require.Len(t, h.Values, 2)
	assert.InDelta(t, 1.0/1.5, h.Values[0], 1e-9)
	assert.InDelta(t, 1.0, h.Values[1], 1e-9)

	// Negative evidence is clipped before the rescale.
	h = weighted(act, []float64{1, -1}, xray.Viral, "tap")
	assert.Equal(t, 0.0, h.Values[0])
	assert.InDelta(t, 1.0, h.Values[1], 1e-9)
	assert.Equal(t, 1, h.H)
	assert.Equal(t, 2, h.W)
}

func TestWeightedAllNegativeIsZero(t *testing.T) {
	act, err := tensor.FromData(2, 1, 1, []float64{1, 2})
	require.NoError(t, err)
	h := weighted(act, []float64{-1}, xray.Bacterial, "tap")
	assert.Equal(t, []float64{0, 0}, h.Values)
}
