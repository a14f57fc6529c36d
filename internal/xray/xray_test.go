package xray

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbsValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Probs
		want error
	}{
		{name: "valid", p: Probs{0.2, 0.3, 0.5}},
		{name: "float32 drift", p: Probs{0.2000001, 0.3, 0.5}},
		{name: "negative", p: Probs{-0.1, 0.6, 0.5}, want: ErrInvalidInput},
		{name: "above one", p: Probs{1.2, 0, 0}, want: ErrInvalidInput},
		{name: "nan", p: Probs{math.NaN(), 0.5, 0.5}, want: ErrInvalidInput},
		{name: "not normalized", p: Probs{0.2, 0.2, 0.2}, want: ErrInvalidInput},
		{name: "zero", p: Probs{}, want: ErrNumericDegeneracy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDegenerateMatchesInvalidInput(t *testing.T) {
	err := Probs{}.Validate()
	assert.ErrorIs(t, err, ErrNumericDegeneracy)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.NotErrorIs(t, err, ErrConfiguration)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindDegenerate, kind)
}

func TestConfigurationIsDistinct(t *testing.T) {
	err := Misconfigured("attribute", "layer %q not found", "conv9")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.NotErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "conv9")

	wrapped := errors.Join(errors.New("loading"), err)
	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindConfiguration, kind)
}

func TestFromSlice(t *testing.T) {
	p, err := FromSlice([]float32{0.1, 0.1, 0.8})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, p[Viral], 1e-6)

	_, err = FromSlice([]float64{0.5, 0.5})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestArgmaxAndSorted(t *testing.T) {
	p := Probs{0.3, 0.5, 0.2}
	assert.Equal(t, Bacterial, p.Argmax())
	assert.Equal(t, [NumClasses]float64{0.5, 0.3, 0.2}, p.Sorted())
	assert.Equal(t, Probs{0.3, 0.5, 0.2}, p, "Sorted must not mutate the receiver")

	assert.Equal(t, Normal, Probs{0.4, 0.4, 0.2}.Argmax())
}

func TestNormalize(t *testing.T) {
	p, err := Probs{0.5, 0.25, 0.25}.Normalize()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Sum(), 1e-12)

	_, err = Probs{}.Normalize()
	require.ErrorIs(t, err, ErrNumericDegeneracy)
}

func TestParseClass(t *testing.T) {
	for in, want := range map[string]Class{
		"NORMAL":              Normal,
		"bacterial":           Bacterial,
		"VIRAL_PNEUMONIA":     Viral,
		" 2 ":                 Viral,
		"BACTERIAL_PNEUMONIA": Bacterial,
	} {
		got, err := ParseClass(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseClass("fungal")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestClassLabels(t *testing.T) {
	assert.Equal(t, "NORMAL", Normal.String())
	assert.Equal(t, "VIRAL_PNEUMONIA", Viral.String())
	assert.False(t, Normal.Positive())
	assert.True(t, Bacterial.Positive())
	assert.True(t, Viral.Positive())
	assert.False(t, Class(7).Valid())
	assert.Equal(t, []string{"NORMAL", "BACTERIAL_PNEUMONIA", "VIRAL_PNEUMONIA"}, Labels())
}
