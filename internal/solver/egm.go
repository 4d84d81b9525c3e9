package solver

import (
	"fmt"
	"sort"

	"github.com/vk/stagegrid/internal/fnexpr"
	"github.com/vk/stagegrid/internal/numeric"
)

// opEGM implements the endogenous grid method. The mover's first function
// is the inversion rule, a multi-output spec evaluated on the source
// (continuation) grid that must produce the control and the target perch's
// interpolation coordinate; the resulting endogenous pairs are interpolated
// back onto the target's exogenous grid. Points below the endogenous grid's
// lower edge are liquidity-constrained and fall back to the `constrained`
// rule, which also serves the terminal period when no continuation arrays
// exist yet. Remaining mover functions run afterwards on the target grid,
// typically producing value and marginal-value columns.
func opEGM(oc *OpContext) (map[string][]float64, error) {
	m := oc.Mover
	if len(m.Source.Space.Axes) != 1 || len(m.Target.Space.Axes) != 1 {
		return nil, fmt.Errorf("egm supports one-dimensional perches only")
	}
	rule := m.Functions[0]
	if !rule.MultiOutput() {
		return nil, fmt.Errorf("egm rule %q must be multi-output", rule.Name)
	}
	control, ok := m.Option("control")
	if !ok {
		return nil, fmt.Errorf("egm requires a control option")
	}

	tgtAxis, err := m.Target.Space.InterpAxis()
	if err != nil {
		return nil, err
	}
	axisName := tgtAxis.Name

	var constrained *fnexpr.Op
	if cname, ok := m.Option("constrained"); ok {
		if constrained, ok = m.Funcs.Op(cname); !ok {
			return nil, fmt.Errorf("constrained rule %q is not a known function", cname)
		}
	}

	terminal := false
	for _, in := range rule.Inputs {
		if _, ok := oc.Source[in]; !ok {
			terminal = true
			break
		}
	}

	cols := copyCols(oc.Target)
	produced := map[string][]float64{}

	if terminal {
		if constrained == nil {
			return nil, fmt.Errorf("no continuation arrays and no constrained rule; cannot start induction")
		}
		out, err := constrained.Eval(cols)
		if err != nil {
			return nil, err
		}
		for name, col := range out {
			produced[name] = col
			cols[name] = col
		}
	} else {
		ruleOut, err := rule.Eval(oc.Source)
		if err != nil {
			return nil, err
		}
		xs, ok := ruleOut[axisName]
		if !ok {
			return nil, fmt.Errorf("egm rule %q does not produce the target coordinate %q", rule.Name, axisName)
		}

		order := make([]int, len(xs))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return xs[order[a]] < xs[order[b]] })
		sorted := func(col []float64) []float64 {
			out := make([]float64, len(col))
			for i, j := range order {
				out[i] = col[j]
			}
			return out
		}
		endoX := sorted(xs)

		for name, col := range ruleOut {
			if name == axisName {
				continue
			}
			it, err := numeric.NewInterp(endoX, sorted(col))
			if err != nil {
				return nil, fmt.Errorf("endogenous grid for %q: %w", name, err)
			}
			re := make([]float64, len(tgtAxis.Points))
			for i, x := range tgtAxis.Points {
				re[i] = it.At(x)
			}
			produced[name] = re
			cols[name] = re
		}

		// Constrained region: below the endogenous lower edge the
		// inversion rule does not apply.
		if constrained != nil && tgtAxis.Points[0] < endoX[0] {
			consOut, err := constrained.Eval(cols)
			if err != nil {
				return nil, err
			}
			for name, col := range consOut {
				dst, ok := produced[name]
				if !ok {
					dst = make([]float64, len(tgtAxis.Points))
					copy(dst, col)
					produced[name] = dst
					cols[name] = dst
					continue
				}
				for i, x := range tgtAxis.Points {
					if x < endoX[0] {
						dst[i] = col[i]
					}
				}
			}
		}
	}

	if _, ok := produced[control]; !ok {
		return nil, fmt.Errorf("egm produced no control column %q", control)
	}

	for _, post := range m.Functions[1:] {
		out, err := post.Eval(cols)
		if err != nil {
			return nil, err
		}
		for name, col := range out {
			produced[name] = col
			cols[name] = col
		}
	}
	return produced, nil
}
