package solver

import (
	"fmt"

	"github.com/vk/stagegrid/internal/numeric"
)

// defaultIntegrands are the arrays integration movers carry when the
// `integrands` option is omitted: value and marginal value.
var defaultIntegrands = []string{"vlu", "lambda"}

// opIntegrate computes conditional expectations: for each target grid point
// and shock realization, the mover's functions map (state, shock) to a
// coordinate on the source grid, each integrand array is interpolated
// there, and the results accumulate under the shock's weights. Markov
// shocks condition the weights on a categorical state dimension shared by
// both perches.
func opIntegrate(oc *OpContext) (map[string][]float64, error) {
	m := oc.Mover

	integrands, err := listOption(m, "integrands")
	if err != nil {
		return nil, err
	}
	explicit := integrands != nil
	if !explicit {
		integrands = defaultIntegrands
	}

	srcAxis, err := m.Source.Space.InterpAxis()
	if err != nil {
		return nil, err
	}
	tgtAxis, err := m.Target.Space.InterpAxis()
	if err != nil {
		return nil, err
	}
	n := len(oc.Target[tgtAxis.Name])

	if len(m.Shocks) == 1 && m.Shocks[0].Markov() {
		return integrateMarkov(oc, integrands, explicit, srcAxis.Name)
	}

	shockName, draws, err := realizations(m)
	if err != nil {
		return nil, err
	}

	type integrand struct {
		name string
		it   *numeric.Interp
	}
	var its []integrand
	for _, name := range integrands {
		col, ok := oc.Source[name]
		if !ok {
			if explicit {
				return nil, fmt.Errorf("integrand %q is not available on perch %s", name, m.Source.ID())
			}
			continue
		}
		if len(m.Source.Space.Axes) != 1 {
			return nil, fmt.Errorf("integration supports one-dimensional source perches only")
		}
		it, err := numeric.NewInterp(srcAxis.Points, col)
		if err != nil {
			return nil, fmt.Errorf("integrand %q: %w", name, err)
		}
		its = append(its, integrand{name: name, it: it})
	}
	if len(its) == 0 {
		return nil, fmt.Errorf("no integrand arrays available on perch %s", m.Source.ID())
	}

	out := make(map[string][]float64, len(its))
	for _, ig := range its {
		out[ig.name] = make([]float64, n)
	}

	for _, draw := range draws {
		cols := copyCols(oc.Target)
		if shockName != "" {
			cols[shockName] = []float64{draw.value}
		}
		produced, err := evalPipeline(m, cols)
		if err != nil {
			return nil, err
		}
		coords, ok := produced[srcAxis.Name]
		if !ok {
			return nil, fmt.Errorf("mover functions do not produce the source coordinate %q", srcAxis.Name)
		}
		for _, ig := range its {
			acc := out[ig.name]
			for i := 0; i < n; i++ {
				c := coords[0]
				if len(coords) > 1 {
					c = coords[i]
				}
				acc[i] += draw.weight * ig.it.At(c)
			}
		}
	}
	return out, nil
}

// integrateMarkov conditions on a categorical dimension named after the
// shock: both perches carry it, and each target point's expectation mixes
// the per-state interpolants with its transition row.
func integrateMarkov(oc *OpContext, integrands []string, explicit bool, srcAxisName string) (map[string][]float64, error) {
	m := oc.Mover
	sh := m.Shocks[0]

	srcStates, ok := oc.Source[sh.Name]
	if !ok {
		return nil, fmt.Errorf("markov shock %q needs a matching dimension on perch %s", sh.Name, m.Source.ID())
	}
	tgtStates, ok := oc.Target[sh.Name]
	if !ok {
		return nil, fmt.Errorf("markov shock %q needs a matching dimension on perch %s", sh.Name, m.Target.ID())
	}
	rows, err := markovRows(sh, tgtStates)
	if err != nil {
		return nil, err
	}

	// Per-state interpolants: filter the source mesh by state code. The
	// mesh expansion preserves axis order within each filtered block.
	srcCoord, ok := oc.Source[srcAxisName]
	if !ok {
		return nil, fmt.Errorf("source perch %s has no coordinate column %q", m.Source.ID(), srcAxisName)
	}
	states := len(sh.Matrix)
	type block struct {
		xs map[int][]float64
		ys map[int][]float64
	}

	out := map[string][]float64{}
	n := len(tgtStates)

	for _, name := range integrands {
		col, ok := oc.Source[name]
		if !ok {
			if explicit {
				return nil, fmt.Errorf("integrand %q is not available on perch %s", name, m.Source.ID())
			}
			continue
		}
		b := block{xs: map[int][]float64{}, ys: map[int][]float64{}}
		for i := range col {
			s := int(srcStates[i])
			b.xs[s] = append(b.xs[s], srcCoord[i])
			b.ys[s] = append(b.ys[s], col[i])
		}
		its := make(map[int]*numeric.Interp, states)
		for s := 0; s < states; s++ {
			it, err := numeric.NewInterp(b.xs[s], b.ys[s])
			if err != nil {
				return nil, fmt.Errorf("integrand %q, state %d: %w", name, s, err)
			}
			its[s] = it
		}

		// The shock realizations relabel the conditioning dimension on the
		// way; the mover's functions map the remaining coordinates.
		acc := make([]float64, n)
		for j := 0; j < states; j++ {
			cols := copyCols(oc.Target)
			cols[sh.Name] = []float64{sh.Values[j]}
			produced, err := evalPipeline(m, cols)
			if err != nil {
				return nil, err
			}
			coords, ok := produced[srcAxisName]
			if !ok {
				coords = oc.Target[srcAxisName]
			}
			if coords == nil {
				return nil, fmt.Errorf("mover functions do not produce the source coordinate %q", srcAxisName)
			}
			for i := 0; i < n; i++ {
				c := coords[0]
				if len(coords) > 1 {
					c = coords[i]
				}
				acc[i] += rows[i][j] * its[j].At(c)
			}
		}
		out[name] = acc
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no integrand arrays available on perch %s", m.Source.ID())
	}
	return out, nil
}
