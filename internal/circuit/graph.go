package circuit

import (
	"fmt"
	"sort"
)

// validateCoverage checks, for every forward mover, that each dimension of
// the target perch is produced by the mover's operators, carried over from
// a shared source dimension, or delivered by an inbound connection mapping.
// A target dimension nothing accounts for means the transport could never
// place mass on that perch, so assembly fails instead. Backward movers are
// exempt: their operators evaluate pointwise on the exogenous target grid.
func validateCoverage(circ *Circuit) error {
	inbound := map[string]map[string]struct{}{}
	for _, conn := range circ.Connections {
		id := conn.Target.ID()
		if inbound[id] == nil {
			inbound[id] = map[string]struct{}{}
		}
		for _, tgtVar := range conn.Mapping {
			inbound[id][tgtVar] = struct{}{}
		}
	}

	for _, name := range circ.StageNames {
		st := circ.Stages[name]
		for _, m := range st.Movers {
			if m.Direction != Forward {
				continue
			}
			covered := map[string]struct{}{}
			for _, v := range m.Produces() {
				covered[v] = struct{}{}
			}
			for _, d := range m.Source.Space.Names() {
				covered[d] = struct{}{}
			}
			for v := range inbound[m.Target.ID()] {
				covered[v] = struct{}{}
			}
			var missing []string
			for _, d := range m.Target.Space.Names() {
				if _, ok := covered[d]; !ok {
					missing = append(missing, d)
				}
			}
			if len(missing) > 0 {
				sort.Strings(missing)
				return &AssemblyError{Stage: name, Mover: m.Name,
					Detail: fmt.Sprintf("target perch %q dimensions %v are not produced, carried, or mapped in", m.Target.Name, missing)}
			}
		}
	}
	return nil
}

// validateAcyclic checks that the period-expanded graph restricted to one
// direction has no cycles, using DFS with a visiting set.
func validateAcyclic(circ *Circuit, dir Direction) error {
	edges := map[string][]string{}
	var nodes []string

	for t := 0; t < circ.Horizon; t++ {
		for _, name := range circ.StageNames {
			st := circ.Stages[name]
			for _, p := range st.Perches {
				nodes = append(nodes, nodeID(t, p))
			}
			for _, m := range st.Movers {
				if m.Direction != dir {
					continue
				}
				src := nodeID(t, m.Source)
				edges[src] = append(edges[src], nodeID(t, m.Target))
			}
		}
	}
	for _, conn := range circ.Connections {
		if conn.Direction != dir {
			continue
		}
		for _, pair := range conn.Pairs {
			src := nodeID(pair[0], conn.Source)
			edges[src] = append(edges[src], nodeID(pair[1], conn.Target))
		}
	}
	sort.Strings(nodes)

	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		visiting[id] = true
		for _, dep := range edges[id] {
			if visiting[dep] {
				return &AssemblyError{Detail: fmt.Sprintf("%s cycle detected involving %q", dir, dep)}
			}
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		delete(visiting, id)
		visited[id] = true
		return nil
	}

	for _, id := range nodes {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
