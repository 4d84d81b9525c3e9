package solver

import (
	"fmt"
)

// opSimulate pushes a probability distribution across the mover. The
// source perch carries a `dist` column (defaulting to uniform mass when
// nothing is seeded); the mover's functions map each source point, and each
// shock realization, to a coordinate on the target grid, and the mass is
// deposited there with linear weights so it is conserved exactly.
func opSimulate(oc *OpContext) (map[string][]float64, error) {
	m := oc.Mover
	if len(m.Target.Space.Axes) != 1 {
		return nil, fmt.Errorf("simulation supports one-dimensional target perches only")
	}
	tgtAxis, err := m.Target.Space.InterpAxis()
	if err != nil {
		return nil, err
	}

	n := m.Source.Space.Len()
	dist, ok := oc.Source[distVar]
	if !ok {
		dist = constColumn(1/float64(n), n)
	}
	if len(dist) != n {
		return nil, fmt.Errorf("dist column has %d values for %d source points", len(dist), n)
	}

	shockName, draws, err := realizations(m)
	if err != nil {
		return nil, err
	}

	out := make([]float64, len(tgtAxis.Points))
	for _, draw := range draws {
		cols := copyCols(oc.Source)
		if shockName != "" {
			cols[shockName] = []float64{draw.value}
		}
		produced, err := evalPipeline(m, cols)
		if err != nil {
			return nil, err
		}
		coords, ok := produced[tgtAxis.Name]
		if !ok {
			coords, ok = oc.Source[tgtAxis.Name]
			if !ok {
				return nil, fmt.Errorf("mover functions do not produce the target coordinate %q", tgtAxis.Name)
			}
		}
		mass := make([]float64, n)
		for i := range mass {
			mass[i] = draw.weight * dist[i]
		}
		if len(coords) == 1 && n > 1 {
			coords = constColumn(coords[0], n)
		}
		dep, err := depositColumn(coords, mass, tgtAxis.Points)
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i] += dep[i]
		}
	}
	return map[string][]float64{distVar: out}, nil
}
