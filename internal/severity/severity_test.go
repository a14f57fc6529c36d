package severity

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/cxrlens/internal/xray"
)

func randomProbs(rng *rand.Rand) xray.Probs {
	var p xray.Probs
	for i := range p {
		p[i] = rng.Float64()
	}
	p, _ = p.Normalize()
	return p
}

func TestNormalForcedToZero(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		sev, err := Score(randomProbs(rng), xray.Normal, true)
		require.NoError(t, err)
		assert.Equal(t, 0, sev)
	}

	est, err := New(DefaultConfig())
	require.NoError(t, err)
	sev, err := est.Score(xray.Probs{0.01, 0.01, 0.98}, xray.Normal)
	require.NoError(t, err)
	assert.Equal(t, 0, sev)
}

func TestNormalWithoutForceIsScored(t *testing.T) {
	sev, err := Score(xray.Probs{0.90, 0.05, 0.05}, xray.Normal, false)
	require.NoError(t, err)
	assert.Equal(t, 6, sev)
}

func TestPositiveWithinRange(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 2000; i++ {
		p := randomProbs(rng)
		for _, class := range []xray.Class{xray.Bacterial, xray.Viral} {
			sev, err := Score(p, class, true)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, sev, 1)
			assert.LessOrEqual(t, sev, 10)
		}
	}
}

func TestKnownScore(t *testing.T) {
	// m=0.875, d=0.625, e~0.6696: raw~0.7076, 10*sqrt(raw)~8.41
	sev, err := Score(xray.Probs{0.125, 0.125, 0.75}, xray.Viral, true)
	require.NoError(t, err)
	assert.Equal(t, 9, sev)
}

func TestPositiveFlooredAtOne(t *testing.T) {
	est, err := New(Config{Weights: Weights{Entropy: 1}, ForceNegativeZero: true})
	require.NoError(t, err)

	sev, err := est.Score(xray.Probs{0.34, 0.33, 0.33}, xray.Bacterial)
	require.NoError(t, err)
	assert.Equal(t, 1, sev)
}

func TestIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 200; i++ {
		p := randomProbs(rng)
		a, err := Score(p, xray.Viral, true)
		require.NoError(t, err)
		b, err := Score(p, xray.Viral, true)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestMonotoneInDiseaseMass(t *testing.T) {
	est, err := New(DefaultConfig())
	require.NoError(t, err)

	for _, fixed := range []Signals{{Margin: 0.1, Entropy: 0.9}, {Margin: 0.5, Entropy: 0.5}, {Margin: 0.9, Entropy: 0.1}} {
		prev := 0
		for m := 0.0; m <= 1.0001; m += 0.01 {
			s := fixed
			s.Mass = m
			sev := est.fromSignals(s, xray.Viral)
			assert.GreaterOrEqual(t, sev, prev, "mass %.2f", m)
			prev = sev
		}
	}
}

func TestTypeMultiplierRaisesBacterial(t *testing.T) {
	est, err := New(Config{
		Weights:           CalibratedWeights(),
		TypeMultipliers:   CalibratedMultipliers(),
		ForceNegativeZero: true,
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(13))
	for i := 0; i < 500; i++ {
		p := randomProbs(rng)
		b, err := est.Score(p, xray.Bacterial)
		require.NoError(t, err)
		v, err := est.Score(p, xray.Viral)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, b, v)
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{Weights: Weights{Mass: -0.1}})
	require.ErrorIs(t, err, xray.ErrConfiguration)

	_, err = New(Config{Weights: DefaultWeights(), TypeMultipliers: map[xray.Class]float64{xray.Normal: 1.1}})
	require.ErrorIs(t, err, xray.ErrConfiguration)

	_, err = New(Config{Weights: DefaultWeights(), TypeMultipliers: map[xray.Class]float64{xray.Viral: 0}})
	require.ErrorIs(t, err, xray.ErrConfiguration)
}

func TestInvalidInput(t *testing.T) {
	_, err := Score(xray.Probs{0.5, 0.5, 0.5}, xray.Viral, true)
	require.ErrorIs(t, err, xray.ErrInvalidInput)

	_, err = Score(xray.Probs{0.2, 0.3, 0.5}, xray.Class(-1), true)
	require.ErrorIs(t, err, xray.ErrInvalidInput)
}

func TestSignals(t *testing.T) {
	s := Compute(xray.Probs{1, 0, 0})
	assert.InDelta(t, 0, s.Mass, 1e-12)
	assert.InDelta(t, 1, s.Margin, 1e-12)
	assert.InDelta(t, 0, s.Entropy, 1e-6)

	uniform := Compute(xray.Probs{1.0 / 3, 1.0 / 3, 1.0 / 3})
	assert.InDelta(t, 1, uniform.Entropy, 1e-9)
	assert.False(t, math.IsNaN(uniform.Entropy))
}

func TestCURB65(t *testing.T) {
	age, rr, sbp, dbp := 70, 32, 85, 70
	urea := 8.5
	assert.Equal(t, 5, CURB65(Vitals{Age: &age, RespiratoryRate: &rr, SystolicBP: &sbp, DiastolicBP: &dbp, Confusion: true, Urea: &urea}))

	young, calm, dia := 40, 16, 60
	assert.Equal(t, 1, CURB65(Vitals{Age: &young, RespiratoryRate: &calm, DiastolicBP: &dia}))
	assert.Equal(t, 0, CURB65(Vitals{}))
}

func TestCombined(t *testing.T) {
	cases := []struct {
		class xray.Class
		curb  int
		want  int
	}{
		{xray.Normal, 5, 0},
		{xray.Viral, 0, 2},
		{xray.Viral, 2, 5},
		{xray.Viral, 4, 8},
		{xray.Bacterial, 1, 3},
		{xray.Bacterial, 2, 6},
		{xray.Bacterial, 5, 9},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Combined(tc.class, tc.curb), "%s curb=%d", tc.class, tc.curb)
	}
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, RiskLow, RiskLevel(0))
	assert.Equal(t, RiskLow, RiskLevel(3))
	assert.Equal(t, RiskModerate, RiskLevel(4))
	assert.Equal(t, RiskModerate, RiskLevel(6))
	assert.Equal(t, RiskHigh, RiskLevel(7))
}
