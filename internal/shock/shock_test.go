package shock

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegrid/internal/model"
	"github.com/vk/stagegrid/internal/scope"
)

func emptyChain() scope.Chain { return scope.Chain{scope.Layer{}} }

func mean(values, weights []float64) float64 {
	var m float64
	for i := range values {
		m += values[i] * weights[i]
	}
	return m
}

func TestNormalShock(t *testing.T) {
	s, err := Build(&model.ShockSpec{Name: "eta", Type: "normal", Mu: 0.1, Sigma: 0.25, Points: 7}, emptyChain())
	require.NoError(t, err)
	require.Len(t, s.Values, 7)
	require.Len(t, s.Weights, 7)
	assert.False(t, s.Markov())

	// Equiprobable bins with exact conditional means: the discretized
	// mean matches mu to rounding.
	assert.InDelta(t, 0.1, mean(s.Values, s.Weights), 1e-10)
	for _, w := range s.Weights {
		assert.InDelta(t, 1.0/7, w, 1e-12)
	}
	for i := 1; i < len(s.Values); i++ {
		assert.Greater(t, s.Values[i], s.Values[i-1])
	}
}

func TestLognormalShock(t *testing.T) {
	mu, sigma := -0.02, 0.2
	s, err := Build(&model.ShockSpec{Name: "y", Type: "lognormal", Mu: mu, Sigma: sigma, Points: 9}, emptyChain())
	require.NoError(t, err)

	want := math.Exp(mu + sigma*sigma/2)
	assert.InDelta(t, want, mean(s.Values, s.Weights), 1e-10)
	for _, v := range s.Values {
		assert.Greater(t, v, 0.0)
	}
}

func TestDiscreteShock(t *testing.T) {
	s, err := Build(&model.ShockSpec{
		Name: "z", Type: "discrete",
		Values: []any{0.5, 1.0, 1.5},
		Probs:  []any{0.25, 0.5, 0.25},
	}, emptyChain())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.0, 1.5}, s.Values)
	assert.InDelta(t, 1.0, mean(s.Values, s.Weights), 1e-12)

	t.Run("probs must sum to one", func(t *testing.T) {
		_, err := Build(&model.ShockSpec{
			Name: "z", Type: "discrete",
			Values: []any{0.0, 1.0}, Probs: []any{0.5, 0.6},
		}, emptyChain())
		assert.ErrorContains(t, err, "sum")
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := Build(&model.ShockSpec{
			Name: "z", Type: "discrete",
			Values: []any{0.0, 1.0}, Probs: []any{1.0},
		}, emptyChain())
		assert.Error(t, err)
	})
}

func TestMarkovShock(t *testing.T) {
	s, err := Build(&model.ShockSpec{
		Name: "emp", Type: "markov",
		Values: []any{0.0, 1.0},
		Matrix: [][]any{{0.9, 0.1}, {0.4, 0.6}},
	}, emptyChain())
	require.NoError(t, err)
	assert.True(t, s.Markov())
	assert.Equal(t, 0.9, s.Matrix[0][0])

	t.Run("non-stochastic row rejected", func(t *testing.T) {
		_, err := Build(&model.ShockSpec{
			Name: "emp", Type: "markov",
			Values: []any{0.0, 1.0},
			Matrix: [][]any{{0.9, 0.2}, {0.4, 0.6}},
		}, emptyChain())
		assert.ErrorContains(t, err, "row 0")
	})

	t.Run("shape mismatch rejected", func(t *testing.T) {
		_, err := Build(&model.ShockSpec{
			Name: "emp", Type: "markov",
			Values: []any{0.0, 1.0},
			Matrix: [][]any{{1.0}},
		}, emptyChain())
		assert.Error(t, err)
	})
}

func TestPointMassMix(t *testing.T) {
	s, err := Build(&model.ShockSpec{
		Name: "y", Type: "lognormal", Mu: 0.0, Sigma: 0.1, Points: 5,
		PointMass: &model.PointMass{Value: 0.0, Prob: 0.01},
	}, emptyChain())
	require.NoError(t, err)
	require.Len(t, s.Values, 6)
	assert.Equal(t, 0.0, s.Values[0])
	assert.InDelta(t, 0.01, s.Weights[0], 1e-12)

	var sum float64
	for _, w := range s.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-12)

	t.Run("markov cannot mix", func(t *testing.T) {
		_, err := Build(&model.ShockSpec{
			Name: "emp", Type: "markov",
			Values: []any{0.0, 1.0},
			Matrix: [][]any{{0.9, 0.1}, {0.4, 0.6}},
			PointMass: &model.PointMass{Value: 0.0, Prob: 0.1},
		}, emptyChain())
		assert.Error(t, err)
	})
}

func TestReferenceMarkerFields(t *testing.T) {
	sc := scope.Chain{scope.Layer{"sigma_y": 0.3}}
	s, err := Build(&model.ShockSpec{Name: "y", Type: "normal", Mu: 0.0, Sigma: []any{"sigma_y"}, Points: 3}, sc)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, mean(s.Values, s.Weights), 1e-10)
}
