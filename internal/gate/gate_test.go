package gate

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/cxrlens/internal/xray"
)

func TestLowConfidenceBacterialOverridden(t *testing.T) {
	final, overridden, err := Apply(xray.Bacterial, xray.Probs{0.40, 0.55, 0.05}, 0.65)
	require.NoError(t, err)
	assert.Equal(t, xray.Normal, final)
	assert.True(t, overridden)
}

func TestConfidentDecisionPassesThrough(t *testing.T) {
	final, overridden, err := Apply(xray.Viral, xray.Probs{0.10, 0.15, 0.75}, 0.65)
	require.NoError(t, err)
	assert.Equal(t, xray.Viral, final)
	assert.False(t, overridden)
}

func TestThresholdIsInclusive(t *testing.T) {
	final, overridden, err := Apply(xray.Bacterial, xray.Probs{0.35, 0.65, 0.0}, 0.65)
	require.NoError(t, err)
	assert.Equal(t, xray.Bacterial, final)
	assert.False(t, overridden)
}

func TestNormalNeverChanged(t *testing.T) {
	final, overridden, err := Apply(xray.Normal, xray.Probs{0.34, 0.33, 0.33}, 0.95)
	require.NoError(t, err)
	assert.Equal(t, xray.Normal, final)
	assert.False(t, overridden)
}

func TestOnlyEverMovesToNormal(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 1000; i++ {
		var p xray.Probs
		for j := range p {
			p[j] = rng.Float64()
		}
		p, err := p.Normalize()
		require.NoError(t, err)

		decision := xray.Class(rng.Intn(xray.NumClasses))
		threshold := MinConfidenceFloor + rng.Float64()*(MinConfidenceCeiling-MinConfidenceFloor)

		final, overridden, err := Apply(decision, p, threshold)
		require.NoError(t, err)
		if overridden {
			assert.True(t, decision.Positive())
			assert.Equal(t, xray.Normal, final)
		} else {
			assert.Equal(t, decision, final)
		}
	}
}

func TestThresholdBounds(t *testing.T) {
	for _, v := range []float64{0.49, 0.96, -1} {
		_, _, err := Apply(xray.Viral, xray.Probs{0, 0, 1}, v)
		require.ErrorIs(t, err, xray.ErrConfiguration, "threshold %v", v)
	}

	_, err := New(Config{MinConfidence: 0.2})
	require.ErrorIs(t, err, xray.ErrConfiguration)

	g, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 0.65, g.MinConfidence())
}

func TestRejectsBadInput(t *testing.T) {
	_, _, err := Apply(xray.Class(5), xray.Probs{0, 0, 1}, 0.65)
	require.ErrorIs(t, err, xray.ErrInvalidInput)

	_, _, err = Apply(xray.Viral, xray.Probs{0.5, 0.5, 0.5}, 0.65)
	require.ErrorIs(t, err, xray.ErrInvalidInput)
}

func TestGateEvaluateUsesConfig(t *testing.T) {
	g, err := New(Config{MinConfidence: 0.8})
	require.NoError(t, err)

	final, overridden, err := g.Evaluate(xray.Viral, xray.Probs{0.1, 0.15, 0.75})
	require.NoError(t, err)
	assert.Equal(t, xray.Normal, final)
	assert.True(t, overridden)
}
