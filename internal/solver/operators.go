package solver

import (
	"fmt"

	"github.com/vk/stagegrid/internal/circuit"
	"github.com/vk/stagegrid/internal/numeric"
	"github.com/vk/stagegrid/internal/shock"
)

// distVar names the distribution column simulation movers carry.
const distVar = "dist"

// OpContext is everything one mover application sees: the mover itself,
// its stage, the period, and the variable columns on both perch grids.
// Source combines the source perch's coordinate columns with every array
// already solved there; Target holds the target coordinate columns.
type OpContext struct {
	Mover  *circuit.Mover
	Stage  *circuit.Stage
	Period int
	Source map[string][]float64
	Target map[string][]float64
}

// Operator applies one mover, returning new columns on the target grid.
type Operator func(oc *OpContext) (map[string][]float64, error)

func builtin() map[string]Operator {
	return map[string]Operator{
		"egm":             opEGM,
		"optimization":    opOptimize,
		"integration":     opIntegrate,
		"discrete_choice": opDiscreteChoice,
		"simulation":      opSimulate,
	}
}

// listOption reads a list-of-strings operator option.
func listOption(m *circuit.Mover, key string) ([]string, error) {
	v, ok := m.Options[key]
	if !ok {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("option %q must be a list of names", key)
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("option %q must be a list of names, got %T", key, e)
		}
		out = append(out, s)
	}
	return out, nil
}

func copyCols(cols map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(cols))
	for name, col := range cols {
		out[name] = col
	}
	return out
}

// realization is one discretized shock draw with its probability mass.
type realization struct {
	value  float64
	weight float64
}

// realizations flattens a mover's shocks into a weighted draw list. At most
// one shock per mover; markov shocks are handled by the operators that
// understand conditional rows and are rejected here.
func realizations(m *circuit.Mover) (string, []realization, error) {
	switch len(m.Shocks) {
	case 0:
		return "", []realization{{value: 0, weight: 1}}, nil
	case 1:
	default:
		return "", nil, fmt.Errorf("mover %q attaches %d shocks, want at most one", m.Name, len(m.Shocks))
	}
	sh := m.Shocks[0]
	if sh.Markov() {
		return "", nil, fmt.Errorf("shock %q: markov shocks need a conditioning state dimension", sh.Name)
	}
	draws := make([]realization, len(sh.Values))
	for i := range sh.Values {
		draws[i] = realization{value: sh.Values[i], weight: sh.Weights[i]}
	}
	return sh.Name, draws, nil
}

// evalPipeline evaluates the mover's functions in order over cols, folding
// each function's outputs back in so later functions can read them. The
// returned map holds only the produced columns.
func evalPipeline(m *circuit.Mover, cols map[string][]float64) (map[string][]float64, error) {
	produced := map[string][]float64{}
	for _, op := range m.Functions {
		out, err := op.Eval(cols)
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

// depositColumn pushes probability mass from source grid points onto a
// target grid, splitting each point's mass linearly between the two
// bracketing target points. Mass landing outside the target range piles on
// the nearest edge, so total mass is conserved.
func depositColumn(coords, mass, target []float64) ([]float64, error) {
	if len(coords) != len(mass) {
		return nil, &numeric.Error{Op: "deposit", Index: -1,
			Detail: fmt.Sprintf("coordinate and mass lengths differ: %d vs %d", len(coords), len(mass))}
	}
	out := make([]float64, len(target))
	for i, x := range coords {
		lo, hi, w := bracket(target, x)
		out[lo] += mass[i] * (1 - w)
		out[hi] += mass[i] * w
	}
	return out, nil
}

// bracket finds the target segment containing x and the linear weight of
// its upper point. Out-of-range coordinates clamp to the edge point.
func bracket(target []float64, x float64) (int, int, float64) {
	n := len(target)
	if n == 1 || x <= target[0] {
		return 0, 0, 0
	}
	if x >= target[n-1] {
		return n - 1, n - 1, 0
	}
	lo, hi := 0, n-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if target[mid] <= x {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, hi, (x - target[lo]) / (target[hi] - target[lo])
}

// markovRows resolves a markov shock against a conditioning state column:
// states[i] must be the categorical code indexing the transition row.
func markovRows(sh *shock.Shock, states []float64) ([][]float64, error) {
	rows := make([][]float64, len(states))
	for i, s := range states {
		idx := int(s)
		if float64(idx) != s || idx < 0 || idx >= len(sh.Matrix) {
			return nil, &numeric.Error{Op: "markov." + sh.Name, Index: i,
				Detail: fmt.Sprintf("state code %v does not index a transition row", s)}
		}
		rows[i] = sh.Matrix[idx]
	}
	return rows, nil
}
