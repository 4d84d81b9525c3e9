package solver

import (
	"fmt"

	"github.com/vk/stagegrid/internal/fnexpr"
	"github.com/vk/stagegrid/internal/numeric"
)

// opOptimize maximizes the mover's objective pointwise on the target grid
// by golden-section search over a scalar control. Bounds come from the
// `lower` and `upper` options, either numbers (markers resolve through the
// mover's scope) or expressions over the target coordinates, so `upper: m`
// expresses a budget constraint. When the objective reads a continuation
// input, the mover's first function maps (state, control) to the source
// coordinate and the named source array is interpolated there.
func opOptimize(oc *OpContext) (map[string][]float64, error) {
	m := oc.Mover
	control, ok := m.Option("control")
	if !ok {
		return nil, fmt.Errorf("optimization requires a control option")
	}
	if m.Objective == nil {
		return nil, fmt.Errorf("optimization requires an objective function")
	}

	tgtAxis, err := m.Target.Space.InterpAxis()
	if err != nil {
		return nil, err
	}
	n := len(oc.Target[tgtAxis.Name])

	lower, err := boundColumn(oc, "lower", 0, n)
	if err != nil {
		return nil, err
	}
	upper, err := boundColumn(oc, "upper", tgtAxis.Points[len(tgtAxis.Points)-1], n)
	if err != nil {
		return nil, err
	}
	tol, err := m.FloatOption("tolerance", 1e-10)
	if err != nil {
		return nil, err
	}
	maxIter, err := m.IntOption("max_iter", 200)
	if err != nil {
		return nil, err
	}

	// Continuation wiring: objective inputs not satisfied by the state and
	// the control must be interpolated source arrays, reached through the
	// transition function.
	cntn, err := continuationInputs(oc, control)
	if err != nil {
		return nil, err
	}

	valueName, ok := m.Option("value")
	if !ok {
		valueName = "vlu"
	}

	ctrl := make([]float64, n)
	best := make([]float64, n)
	for i := 0; i < n; i++ {
		point := map[string]float64{}
		for _, name := range m.Target.Space.Names() {
			point[name] = oc.Target[name][i]
		}
		f := func(x float64) (float64, error) {
			point[control] = x
			for input, c := range cntn {
				coord, err := c.transition.Value(point)
				if err != nil {
					return 0, err
				}
				point[input] = c.interp.At(coord)
			}
			return m.Objective.Value(point)
		}
		x, fx, err := numeric.Maximize(f, lower[i], upper[i], tol, maxIter)
		if err != nil {
			return nil, &numeric.Error{Op: m.Name, Index: i, Detail: err.Error()}
		}
		ctrl[i] = x
		best[i] = fx
	}
	return map[string][]float64{control: ctrl, valueName: best}, nil
}

// boundColumn resolves a bound option into one value per target point.
// String options compile as expressions over the target coordinates.
func boundColumn(oc *OpContext, key string, fallback float64, n int) ([]float64, error) {
	m := oc.Mover
	v, ok := m.Options[key]
	if !ok {
		return constColumn(fallback, n), nil
	}
	if src, isExpr := v.(string); isExpr {
		inputs := m.Target.Space.Names()
		op, err := fnexpr.CompileExpr(m.Name+"."+key, src, inputs, m.Scope, m.Funcs)
		if err != nil {
			return nil, err
		}
		out, err := op.Eval(oc.Target)
		if err != nil {
			return nil, err
		}
		col := out[op.Name]
		if len(col) == 1 && n > 1 {
			return constColumn(col[0], n), nil
		}
		return col, nil
	}
	f, err := m.FloatOption(key, fallback)
	if err != nil {
		return nil, err
	}
	return constColumn(f, n), nil
}

func constColumn(v float64, n int) []float64 {
	col := make([]float64, n)
	for i := range col {
		col[i] = v
	}
	return col
}

type continuation struct {
	transition *fnexpr.Op
	interp     *numeric.Interp
}

// continuationInputs pairs each objective input that is neither a target
// coordinate nor the control with an interpolant over the matching source
// array, reached through the mover's transition function.
func continuationInputs(oc *OpContext, control string) (map[string]continuation, error) {
	m := oc.Mover
	state := map[string]struct{}{control: {}}
	for _, name := range m.Target.Space.Names() {
		state[name] = struct{}{}
	}

	out := map[string]continuation{}
	for _, input := range m.Objective.Inputs {
		if _, ok := state[input]; ok {
			continue
		}
		if len(m.Functions) == 0 {
			return nil, fmt.Errorf("objective input %q needs a transition function to reach the source grid", input)
		}
		if len(m.Source.Space.Axes) != 1 {
			return nil, fmt.Errorf("continuation interpolation supports one-dimensional source perches only")
		}
		srcAxis, err := m.Source.Space.InterpAxis()
		if err != nil {
			return nil, err
		}
		col, ok := oc.Source[input]
		if !ok {
			return nil, fmt.Errorf("objective input %q is not available on perch %s", input, m.Source.ID())
		}
		it, err := numeric.NewInterp(srcAxis.Points, col)
		if err != nil {
			return nil, err
		}
		trans := m.Functions[0]
		if trans.MultiOutput() {
			return nil, fmt.Errorf("transition function %q must be single-output", trans.Name)
		}
		out[input] = continuation{transition: trans, interp: it}
	}
	return out, nil
}
