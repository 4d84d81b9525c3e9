package solver

import (
	"fmt"

	"github.com/vk/stagegrid/internal/circuit"
)

// opDiscreteChoice takes the pointwise upper envelope over a list of
// alternatives. With an objective declared, each `choices` entry is a
// control value (numbers or markers resolved through the mover's scope):
// the mover's functions run with the control bound to that value, the
// objective is evaluated per state, and the winning value lands under the
// `value` option name (default vlu) with the chosen control value under
// the control's name. Without an objective the `choices` entries name
// precomputed value columns on the source perch and the winner's index
// lands under the `policy` option name (default choice). Ties resolve to
// the first-listed alternative either way, so declaration order is a
// deliberate part of the model.
func opDiscreteChoice(oc *OpContext) (map[string][]float64, error) {
	if oc.Mover.Objective != nil {
		return discreteObjective(oc)
	}
	return discreteEnvelope(oc)
}

func discreteObjective(oc *OpContext) (map[string][]float64, error) {
	m := oc.Mover
	control, ok := m.Option("control")
	if !ok {
		return nil, fmt.Errorf("discrete_choice with an objective requires a control option")
	}
	vals, err := floatListOption(m, "choices")
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 {
		return nil, fmt.Errorf("discrete_choice requires at least two choices")
	}
	valueName, ok := m.Option("value")
	if !ok {
		valueName = "vlu"
	}

	n := m.Target.Space.Len()

	// Continuation arrays carried on the source perch are visible to the
	// objective when the grids align pointwise.
	base := copyCols(oc.Target)
	for name, col := range oc.Source {
		if _, shadowed := base[name]; !shadowed && len(col) == n {
			base[name] = col
		}
	}

	vlu := make([]float64, n)
	pol := make([]float64, n)
	for j, cv := range vals {
		cols := copyCols(base)
		cols[control] = []float64{cv}
		if _, err := evalPipeline(m, cols); err != nil {
			return nil, err
		}
		out, err := m.Objective.Eval(cols)
		if err != nil {
			return nil, err
		}
		cand := out[m.Objective.Name]
		for i := 0; i < n; i++ {
			v := cand[0]
			if len(cand) > 1 {
				v = cand[i]
			}
			if j == 0 || v > vlu[i] {
				vlu[i] = v
				pol[i] = cv
			}
		}
	}
	return map[string][]float64{valueName: vlu, control: pol}, nil
}

func discreteEnvelope(oc *OpContext) (map[string][]float64, error) {
	m := oc.Mover
	choices, err := listOption(m, "choices")
	if err != nil {
		return nil, err
	}
	if len(choices) < 2 {
		return nil, fmt.Errorf("discrete_choice requires at least two choices")
	}

	valueName, ok := m.Option("value")
	if !ok {
		valueName = "vlu"
	}
	policyName, ok := m.Option("policy")
	if !ok {
		policyName = "choice"
	}

	cols := make([][]float64, len(choices))
	n := -1
	for j, name := range choices {
		col, ok := oc.Source[name]
		if !ok {
			return nil, fmt.Errorf("choice column %q is not available on perch %s", name, m.Source.ID())
		}
		if n == -1 {
			n = len(col)
		} else if len(col) != n {
			return nil, fmt.Errorf("choice column %q has %d values, want %d", name, len(col), n)
		}
		cols[j] = col
	}
	if n != m.Target.Space.Len() {
		return nil, fmt.Errorf("discrete_choice requires matching source and target grids (%d vs %d points)",
			n, m.Target.Space.Len())
	}

	vlu := make([]float64, n)
	policy := make([]float64, n)
	for i := 0; i < n; i++ {
		best, bestJ := cols[0][i], 0
		for j := 1; j < len(cols); j++ {
			if cols[j][i] > best {
				best, bestJ = cols[j][i], j
			}
		}
		vlu[i] = best
		policy[i] = float64(bestJ)
	}
	return map[string][]float64{valueName: vlu, policyName: policy}, nil
}

// floatListOption reads a list operator option of numbers or markers,
// resolving each entry through the mover's scope.
func floatListOption(m *circuit.Mover, key string) ([]float64, error) {
	v, ok := m.Options[key]
	if !ok {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("option %q must be a list of values", key)
	}
	out := make([]float64, 0, len(raw))
	for _, e := range raw {
		f, err := m.Scope.ResolveFloat(e)
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", key, err)
		}
		out = append(out, f)
	}
	return out, nil
}
