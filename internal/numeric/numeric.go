// Package numeric holds the small numerical kernel shared by the grid
// factory and the solve operators: finiteness guards, piecewise-linear
// interpolation with linear edge extrapolation, and a bounded scalar
// maximizer.
package numeric

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// Error is a numeric failure with provenance. Stage, mover, and period are
// attached by the solver when it wraps the error; Index is the grid index
// at which the value was produced, -1 when not applicable.
type Error struct {
	Op     string
	Index  int
	Detail string
}

func (e *Error) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("numeric error in %s at grid index %d: %s", e.Op, e.Index, e.Detail)
	}
	return fmt.Sprintf("numeric error in %s: %s", e.Op, e.Detail)
}

// CheckFinite raises on the first non-finite value; invalid numbers must
// never propagate downstream.
func CheckFinite(op string, xs []float64) error {
	for i, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return &Error{Op: op, Index: i, Detail: fmt.Sprintf("non-finite value %v", x)}
		}
	}
	return nil
}

// Interp interpolates piecewise-linearly on a strictly increasing grid,
// extending the edge segments linearly outside the grid's range (gonum's
// predictor clamps, which would flatten marginal values at the edges).
type Interp struct {
	pl         interp.PiecewiseLinear
	x0, x1     float64
	y0, y1     float64
	loSlope    float64
	hiSlope    float64
	singleton  bool
	singletonY float64
}

// NewInterp fits xs→ys. xs must be strictly increasing and len(xs)==len(ys).
func NewInterp(xs, ys []float64) (*Interp, error) {
	if len(xs) != len(ys) {
		return nil, &Error{Op: "interp", Index: -1, Detail: fmt.Sprintf("length mismatch %d vs %d", len(xs), len(ys))}
	}
	if len(xs) == 0 {
		return nil, &Error{Op: "interp", Index: -1, Detail: "empty grid"}
	}
	if len(xs) == 1 {
		return &Interp{singleton: true, singletonY: ys[0]}, nil
	}
	it := &Interp{}
	if err := it.pl.Fit(xs, ys); err != nil {
		return nil, &Error{Op: "interp", Index: -1, Detail: err.Error()}
	}
	n := len(xs)
	it.x0, it.x1 = xs[0], xs[n-1]
	it.y0, it.y1 = ys[0], ys[n-1]
	it.loSlope = (ys[1] - ys[0]) / (xs[1] - xs[0])
	it.hiSlope = (ys[n-1] - ys[n-2]) / (xs[n-1] - xs[n-2])
	return it, nil
}

// At evaluates the interpolant.
func (it *Interp) At(x float64) float64 {
	if it.singleton {
		return it.singletonY
	}
	switch {
	case x < it.x0:
		return it.y0 + it.loSlope*(x-it.x0)
	case x > it.x1:
		return it.y1 + it.hiSlope*(x-it.x1)
	}
	return it.pl.Predict(x)
}

// goldenRatio is the section constant for golden-section search.
var goldenRatio = (math.Sqrt(5) - 1) / 2

// Maximize finds the maximizer of f on [lo, hi] by golden-section search,
// then compares against both endpoints so a boundary optimum is returned
// exactly. tol is the bracket width at which the search stops; a bracket
// still wider than tol after maxIter section steps is a non-convergence
// Error.
func Maximize(f func(float64) (float64, error), lo, hi, tol float64, maxIter int) (float64, float64, error) {
	if hi < lo {
		return 0, 0, &Error{Op: "maximize", Index: -1, Detail: fmt.Sprintf("empty bracket [%v, %v]", lo, hi)}
	}
	a, b := lo, hi
	c := b - goldenRatio*(b-a)
	d := a + goldenRatio*(b-a)
	fc, err := f(c)
	if err != nil {
		return 0, 0, err
	}
	fd, err := f(d)
	if err != nil {
		return 0, 0, err
	}
	for i := 0; i < maxIter && b-a > tol; i++ {
		if fc > fd {
			b, d, fd = d, c, fc
			c = b - goldenRatio*(b-a)
			if fc, err = f(c); err != nil {
				return 0, 0, err
			}
		} else {
			a, c, fc = c, d, fd
			d = a + goldenRatio*(b-a)
			if fd, err = f(d); err != nil {
				return 0, 0, err
			}
		}
	}
	if b-a > tol {
		return 0, 0, &Error{Op: "maximize", Index: -1,
			Detail: fmt.Sprintf("bracket width %v above tolerance %v after %d iterations", b-a, tol, maxIter)}
	}
	xBest := (a + b) / 2
	fBest, err := f(xBest)
	if err != nil {
		return 0, 0, err
	}
	// Endpoint comparison: corner solutions must come back exact.
	for _, x := range []float64{lo, hi} {
		fx, err := f(x)
		if err != nil {
			return 0, 0, err
		}
		if fx >= fBest {
			xBest, fBest = x, fx
		}
	}
	if math.IsNaN(fBest) || math.IsInf(fBest, 0) {
		return 0, 0, &Error{Op: "maximize", Index: -1, Detail: fmt.Sprintf("non-finite objective %v at %v", fBest, xBest)}
	}
	return xBest, fBest, nil
}
