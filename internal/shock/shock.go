// Package shock discretizes the stochastic processes a stage declares:
// normal and lognormal distributions become equiprobable bins with exact
// conditional means, discrete distributions and Markov chains are taken
// as given, and any continuous kind can be mixed with a point mass.
// Shocks are built once per stage and shared by every referencing mover.
package shock

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/vk/stagegrid/internal/model"
	"github.com/vk/stagegrid/internal/scope"
)

// weightTol is the tolerance on probability mass sums.
const weightTol = 1e-8

// Shock is a discretized stochastic process: realization values with
// either unconditional weights or a Markov transition matrix.
type Shock struct {
	Name   string
	Kind   string
	Values []float64
	// Weights holds unconditional probabilities; nil for markov shocks.
	Weights []float64
	// Matrix is the row-stochastic transition matrix for markov shocks.
	Matrix [][]float64
}

// Markov reports whether realizations carry a transition matrix instead
// of unconditional weights.
func (s *Shock) Markov() bool { return s.Matrix != nil }

// Build discretizes one shock spec, resolving any reference markers in
// its numeric fields through the scope chain.
func Build(spec *model.ShockSpec, sc scope.Chain) (*Shock, error) {
	s := &Shock{Name: spec.Name, Kind: spec.Type}

	var err error
	switch spec.Type {
	case "normal":
		s.Values, s.Weights, err = buildNormal(spec, sc, false)
	case "lognormal":
		s.Values, s.Weights, err = buildNormal(spec, sc, true)
	case "discrete":
		s.Values, s.Weights, err = buildDiscrete(spec, sc)
	case "markov":
		return buildMarkov(s, spec, sc)
	default:
		return nil, fmt.Errorf("shock %q: unknown type %q", spec.Name, spec.Type)
	}
	if err != nil {
		return nil, err
	}

	if spec.PointMass != nil {
		if err := mixPointMass(s, spec, sc); err != nil {
			return nil, err
		}
	}
	return s, checkWeights(s)
}

func checkWeights(s *Shock) error {
	var sum float64
	for _, w := range s.Weights {
		if w < 0 {
			return fmt.Errorf("shock %q: negative probability %v", s.Name, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTol {
		return fmt.Errorf("shock %q: probabilities sum to %v, want 1", s.Name, sum)
	}
	// Kill residual rounding so repeated integration stays mass-preserving.
	for i := range s.Weights {
		s.Weights[i] /= sum
	}
	return nil
}

// buildNormal discretizes N(mu, sigma^2) into equiprobable bins whose
// values are the exact conditional means; the lognormal variant applies
// the closed-form conditional mean of exp(Z), so the discretized mean is
// exp(mu + sigma^2/2) exactly.
func buildNormal(spec *model.ShockSpec, sc scope.Chain, logn bool) ([]float64, []float64, error) {
	n := spec.Points
	if n < 1 {
		return nil, nil, fmt.Errorf("shock %q: points must be at least 1, got %d", spec.Name, n)
	}
	mu := 0.0
	if spec.Mu != nil {
		var err error
		if mu, err = sc.ResolveFloat(spec.Mu); err != nil {
			return nil, nil, fmt.Errorf("shock %q: mu: %w", spec.Name, err)
		}
	}
	sigma := 1.0
	if spec.Sigma != nil {
		var err error
		if sigma, err = sc.ResolveFloat(spec.Sigma); err != nil {
			return nil, nil, fmt.Errorf("shock %q: sigma: %w", spec.Name, err)
		}
	}
	if sigma <= 0 {
		return nil, nil, fmt.Errorf("shock %q: sigma must be positive, got %v", spec.Name, sigma)
	}

	std := distuv.UnitNormal
	values := make([]float64, n)
	weights := make([]float64, n)
	p := 1 / float64(n)
	for i := 0; i < n; i++ {
		weights[i] = p
		lo, hi := math.Inf(-1), math.Inf(1)
		if i > 0 {
			lo = std.Quantile(float64(i) * p)
		}
		if i < n-1 {
			hi = std.Quantile(float64(i+1) * p)
		}
		if logn {
			// E[exp(mu + sigma Z) | lo < Z < hi] with P(bin) = p.
			values[i] = math.Exp(mu+sigma*sigma/2) * (std.CDF(hi-sigma) - std.CDF(lo-sigma)) / p
		} else {
			values[i] = mu + sigma*(pdf(std, lo)-pdf(std, hi))/p
		}
	}
	return values, weights, nil
}

func pdf(std distuv.Normal, x float64) float64 {
	if math.IsInf(x, 0) {
		return 0
	}
	return std.Prob(x)
}

func buildDiscrete(spec *model.ShockSpec, sc scope.Chain) ([]float64, []float64, error) {
	if len(spec.Values) == 0 || len(spec.Probs) != len(spec.Values) {
		return nil, nil, fmt.Errorf("shock %q: discrete shock requires matching values and probs (%d vs %d)",
			spec.Name, len(spec.Values), len(spec.Probs))
	}
	values, err := floatSlice(spec.Values, sc)
	if err != nil {
		return nil, nil, fmt.Errorf("shock %q: values: %w", spec.Name, err)
	}
	probs, err := floatSlice(spec.Probs, sc)
	if err != nil {
		return nil, nil, fmt.Errorf("shock %q: probs: %w", spec.Name, err)
	}
	return values, probs, nil
}

func buildMarkov(s *Shock, spec *model.ShockSpec, sc scope.Chain) (*Shock, error) {
	if spec.PointMass != nil {
		return nil, fmt.Errorf("shock %q: point_mass cannot mix with a markov chain", spec.Name)
	}
	values, err := floatSlice(spec.Values, sc)
	if err != nil {
		return nil, fmt.Errorf("shock %q: values: %w", spec.Name, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("shock %q: markov shock requires values", spec.Name)
	}
	if len(spec.Matrix) != len(values) {
		return nil, fmt.Errorf("shock %q: matrix has %d rows for %d states", spec.Name, len(spec.Matrix), len(values))
	}
	s.Values = values
	s.Matrix = make([][]float64, len(values))
	for i, rawRow := range spec.Matrix {
		row, err := floatSlice(rawRow, sc)
		if err != nil {
			return nil, fmt.Errorf("shock %q: matrix row %d: %w", spec.Name, i, err)
		}
		if len(row) != len(values) {
			return nil, fmt.Errorf("shock %q: matrix row %d has %d entries for %d states",
				spec.Name, i, len(row), len(values))
		}
		var sum float64
		for _, p := range row {
			if p < 0 {
				return nil, fmt.Errorf("shock %q: matrix row %d: negative probability %v", spec.Name, i, p)
			}
			sum += p
		}
		if math.Abs(sum-1) > weightTol {
			return nil, fmt.Errorf("shock %q: matrix row %d sums to %v, want 1", spec.Name, i, sum)
		}
		for j := range row {
			row[j] /= sum
		}
		s.Matrix[i] = row
	}
	return s, nil
}

func mixPointMass(s *Shock, spec *model.ShockSpec, sc scope.Chain) error {
	v, err := sc.ResolveFloat(spec.PointMass.Value)
	if err != nil {
		return fmt.Errorf("shock %q: point_mass value: %w", spec.Name, err)
	}
	p, err := sc.ResolveFloat(spec.PointMass.Prob)
	if err != nil {
		return fmt.Errorf("shock %q: point_mass prob: %w", spec.Name, err)
	}
	if p <= 0 || p >= 1 {
		return fmt.Errorf("shock %q: point_mass prob must be in (0, 1), got %v", spec.Name, p)
	}
	values := make([]float64, 0, len(s.Values)+1)
	weights := make([]float64, 0, len(s.Weights)+1)
	values = append(values, v)
	weights = append(weights, p)
	for i := range s.Values {
		values = append(values, s.Values[i])
		weights = append(weights, (1-p)*s.Weights[i])
	}
	s.Values, s.Weights = values, weights
	return nil
}

func floatSlice(vals []any, sc scope.Chain) ([]float64, error) {
	out := make([]float64, 0, len(vals))
	for i, v := range vals {
		f, err := sc.ResolveFloat(v)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}
