// Package grid builds per-dimension coordinate arrays from grid specs and
// composes them into perch state spaces, either as a full tensor mesh or
// as paired parallel arrays.
package grid

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/vk/stagegrid/internal/fnexpr"
	"github.com/vk/stagegrid/internal/model"
	"github.com/vk/stagegrid/internal/scope"
)

// boundTol is the relative tolerance for the declared-bounds invariant.
const boundTol = 1e-8

// Axis is one generated dimension. Labels is set only for categorical
// axes, whose Points are the label codes 0..n-1.
type Axis struct {
	Name   string
	Points []float64
	Labels []string
}

// Categorical reports whether the axis indexes labels rather than a
// continuous quantity.
func (a *Axis) Categorical() bool { return len(a.Labels) > 0 }

// Build generates the coordinate array for one dimension. Numeric bounds
// may be reference markers resolved through the scope chain; fns supplies
// operators callable from expr-generated grids and transforms.
func Build(name string, spec *model.GridSpec, sc scope.Chain, fns *fnexpr.Registry) (*Axis, error) {
	axis := &Axis{Name: name}

	points := 0
	if spec.Points != nil {
		v, err := sc.ResolveValue(spec.Points)
		if err != nil {
			return nil, fmt.Errorf("grid %q: points: %w", name, err)
		}
		if points, err = scope.Int(v); err != nil {
			return nil, fmt.Errorf("grid %q: points: %w", name, err)
		}
	}

	var err error
	switch spec.Type {
	case "linspace":
		axis.Points, err = buildLinspace(name, spec, sc, points)
	case "geomspace":
		axis.Points, err = buildGeomspace(name, spec, sc, points)
	case "chebyshev":
		axis.Points, err = buildChebyshev(name, spec, sc, points)
	case "range":
		axis.Points, err = buildRange(name, spec, sc)
	case "list":
		axis.Points, err = buildList(name, spec, sc)
	case "categorical":
		axis.Points, axis.Labels, err = buildCategorical(name, spec)
	case "expr":
		axis.Points, err = buildExpr(name, spec, sc, fns, points)
	default:
		return nil, fmt.Errorf("grid %q: unknown type %q", name, spec.Type)
	}
	if err != nil {
		return nil, err
	}

	if spec.Transform != "" {
		op, err := fnexpr.CompileExpr(name+".transform", spec.Transform, []string{"x"}, sc, fns)
		if err != nil {
			return nil, fmt.Errorf("grid %q: %w", name, err)
		}
		out, err := op.Eval(map[string][]float64{"x": axis.Points})
		if err != nil {
			return nil, fmt.Errorf("grid %q: transform: %w", name, err)
		}
		axis.Points = out[name+".transform"]
	}
	return axis, nil
}

func bounds(name string, spec *model.GridSpec, sc scope.Chain) (float64, float64, error) {
	lo, err := sc.ResolveFloat(spec.Min)
	if err != nil {
		return 0, 0, fmt.Errorf("grid %q: min: %w", name, err)
	}
	hi, err := sc.ResolveFloat(spec.Max)
	if err != nil {
		return 0, 0, fmt.Errorf("grid %q: max: %w", name, err)
	}
	if hi <= lo {
		return 0, 0, fmt.Errorf("grid %q: max %v must exceed min %v", name, hi, lo)
	}
	return lo, hi, nil
}

func checkBounds(name string, xs []float64, lo, hi float64) error {
	tol := boundTol * (1 + math.Abs(lo) + math.Abs(hi))
	if math.Abs(xs[0]-lo) > tol || math.Abs(xs[len(xs)-1]-hi) > tol {
		return fmt.Errorf("grid %q: generated bounds [%v, %v] disagree with declared [%v, %v]",
			name, xs[0], xs[len(xs)-1], lo, hi)
	}
	return nil
}

func needPoints(name string, points int) error {
	if points < 2 {
		return fmt.Errorf("grid %q: points must be at least 2, got %d", name, points)
	}
	return nil
}

func buildLinspace(name string, spec *model.GridSpec, sc scope.Chain, points int) ([]float64, error) {
	if err := needPoints(name, points); err != nil {
		return nil, err
	}
	lo, hi, err := bounds(name, spec, sc)
	if err != nil {
		return nil, err
	}
	xs := make([]float64, points)
	floats.Span(xs, lo, hi)
	return xs, checkBounds(name, xs, lo, hi)
}

func buildGeomspace(name string, spec *model.GridSpec, sc scope.Chain, points int) ([]float64, error) {
	if err := needPoints(name, points); err != nil {
		return nil, err
	}
	lo, hi, err := bounds(name, spec, sc)
	if err != nil {
		return nil, err
	}

	if spec.GrowthFactor != nil {
		g, err := sc.ResolveFloat(spec.GrowthFactor)
		if err != nil {
			return nil, fmt.Errorf("grid %q: growth_factor: %w", name, err)
		}
		if g <= 0 {
			return nil, fmt.Errorf("grid %q: growth_factor must be positive, got %v", name, g)
		}
		// Power-growth spacing: step sizes grow by factor (1+g), dense
		// near min where curvature usually lives.
		xs := make([]float64, points)
		denom := math.Pow(1+g, float64(points-1)) - 1
		for i := range xs {
			xs[i] = lo + (hi-lo)*(math.Pow(1+g, float64(i))-1)/denom
		}
		return xs, checkBounds(name, xs, lo, hi)
	}

	// Ratio spacing. An explicit base changes the logarithm used, not the
	// resulting points, so it is accepted and only validated.
	if spec.Base != nil {
		b, err := sc.ResolveFloat(spec.Base)
		if err != nil {
			return nil, fmt.Errorf("grid %q: base: %w", name, err)
		}
		if b <= 0 || b == 1 {
			return nil, fmt.Errorf("grid %q: base must be positive and not 1, got %v", name, b)
		}
	}
	if lo <= 0 {
		return nil, fmt.Errorf("grid %q: geomspace requires min > 0, got %v", name, lo)
	}
	ratio := math.Pow(hi/lo, 1/float64(points-1))
	xs := make([]float64, points)
	for i := range xs {
		xs[i] = lo * math.Pow(ratio, float64(i))
	}
	xs[points-1] = hi // kill accumulated rounding at the top
	return xs, checkBounds(name, xs, lo, hi)
}

func buildChebyshev(name string, spec *model.GridSpec, sc scope.Chain, points int) ([]float64, error) {
	if err := needPoints(name, points); err != nil {
		return nil, err
	}
	lo, hi, err := bounds(name, spec, sc)
	if err != nil {
		return nil, err
	}
	// Chebyshev-Lobatto points: extrema of T_{n-1}, endpoints included so
	// the declared bounds hold exactly. Ascending order.
	mid, half := (lo+hi)/2, (hi-lo)/2
	xs := make([]float64, points)
	for i := range xs {
		xs[i] = mid - half*math.Cos(math.Pi*float64(i)/float64(points-1))
	}
	xs[0], xs[points-1] = lo, hi
	return xs, checkBounds(name, xs, lo, hi)
}

func buildRange(name string, spec *model.GridSpec, sc scope.Chain) ([]float64, error) {
	resolveInt := func(v any, key string) (int, error) {
		r, err := sc.ResolveValue(v)
		if err != nil {
			return 0, fmt.Errorf("grid %q: %s: %w", name, key, err)
		}
		return scope.Int(r)
	}
	start, err := resolveInt(spec.Start, "start")
	if err != nil {
		return nil, err
	}
	stop, err := resolveInt(spec.Stop, "stop")
	if err != nil {
		return nil, err
	}
	step := 1
	if spec.Step != nil {
		if step, err = resolveInt(spec.Step, "step"); err != nil {
			return nil, err
		}
	}
	if step == 0 {
		return nil, fmt.Errorf("grid %q: step must be non-zero", name)
	}
	var xs []float64
	if step > 0 {
		for v := start; v < stop; v += step {
			xs = append(xs, float64(v))
		}
	} else {
		for v := start; v > stop; v += step {
			xs = append(xs, float64(v))
		}
	}
	if len(xs) == 0 {
		return nil, fmt.Errorf("grid %q: empty range [%d, %d) step %d", name, start, stop, step)
	}
	return xs, nil
}

func buildList(name string, spec *model.GridSpec, sc scope.Chain) ([]float64, error) {
	if len(spec.Values) == 0 {
		return nil, fmt.Errorf("grid %q: list grid requires values", name)
	}
	xs := make([]float64, 0, len(spec.Values))
	for i, v := range spec.Values {
		f, err := sc.ResolveFloat(v)
		if err != nil {
			return nil, fmt.Errorf("grid %q: values[%d]: %w", name, i, err)
		}
		xs = append(xs, f)
	}
	return xs, nil
}

func buildCategorical(name string, spec *model.GridSpec) ([]float64, []string, error) {
	if len(spec.Values) == 0 {
		return nil, nil, fmt.Errorf("grid %q: categorical grid requires values", name)
	}
	labels := make([]string, 0, len(spec.Values))
	codes := make([]float64, 0, len(spec.Values))
	for i, v := range spec.Values {
		s, ok := v.(string)
		if !ok {
			return nil, nil, fmt.Errorf("grid %q: categorical values[%d] must be a string, got %T", name, i, v)
		}
		labels = append(labels, s)
		codes = append(codes, float64(i))
	}
	return codes, labels, nil
}

func buildExpr(name string, spec *model.GridSpec, sc scope.Chain, fns *fnexpr.Registry, points int) ([]float64, error) {
	if points < 1 {
		return nil, fmt.Errorf("grid %q: expr grid requires points", name)
	}
	op, err := fnexpr.CompileExpr(name+".expr", spec.Expr, []string{"i"}, sc, fns)
	if err != nil {
		return nil, fmt.Errorf("grid %q: %w", name, err)
	}
	idx := make([]float64, points)
	for i := range idx {
		idx[i] = float64(i)
	}
	out, err := op.Eval(map[string][]float64{"i": idx})
	if err != nil {
		return nil, fmt.Errorf("grid %q: %w", name, err)
	}
	return out[name+".expr"], nil
}
