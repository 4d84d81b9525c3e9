package grid

import (
	"fmt"
)

// Space is the ordered composition of a perch's axes. With Mesh set the
// axes cross into a full tensor product; without it they are paired
// parallel arrays (simulated panel paths, for example) and must share one
// length. Coordinate columns are expanded once at construction and are
// immutable afterwards.
type Space struct {
	Axes []*Axis
	Mesh bool

	n       int
	index   map[string]int
	columns map[string][]float64
}

// NewSpace composes axes. mesh=false requires equal-length axes.
func NewSpace(axes []*Axis, mesh bool) (*Space, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("state space requires at least one dimension")
	}
	s := &Space{
		Axes:    axes,
		Mesh:    mesh,
		index:   make(map[string]int, len(axes)),
		columns: make(map[string][]float64, len(axes)),
	}
	for i, a := range axes {
		if _, dup := s.index[a.Name]; dup {
			return nil, fmt.Errorf("duplicate dimension %q", a.Name)
		}
		s.index[a.Name] = i
	}

	if !mesh {
		n := len(axes[0].Points)
		for _, a := range axes[1:] {
			if len(a.Points) != n {
				return nil, fmt.Errorf("no_mesh dimensions must pair up: %q has %d points, %q has %d",
					axes[0].Name, n, a.Name, len(a.Points))
			}
		}
		s.n = n
		for _, a := range axes {
			s.columns[a.Name] = a.Points
		}
		return s, nil
	}

	s.n = 1
	for _, a := range axes {
		s.n *= len(a.Points)
	}
	// Row-major expansion: the last axis varies fastest.
	stride := s.n
	for _, a := range axes {
		size := len(a.Points)
		stride /= size
		col := make([]float64, s.n)
		for i := 0; i < s.n; i++ {
			col[i] = a.Points[(i/stride)%size]
		}
		s.columns[a.Name] = col
	}
	return s, nil
}

// Len is the number of states in the space.
func (s *Space) Len() int { return s.n }

// Names lists dimension names in declaration order.
func (s *Space) Names() []string {
	names := make([]string, len(s.Axes))
	for i, a := range s.Axes {
		names[i] = a.Name
	}
	return names
}

// Axis returns the named axis.
func (s *Space) Axis(name string) (*Axis, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.Axes[i], true
}

// Column returns the expanded coordinate column for one dimension; its
// length equals Len().
func (s *Space) Column(name string) ([]float64, bool) {
	col, ok := s.columns[name]
	return col, ok
}

// Columns returns every expanded coordinate column keyed by dimension.
func (s *Space) Columns() map[string][]float64 {
	out := make(map[string][]float64, len(s.columns))
	for k, v := range s.columns {
		out[k] = v
	}
	return out
}

// InterpAxis picks the axis numeric operators interpolate along: the
// first non-categorical dimension.
func (s *Space) InterpAxis() (*Axis, error) {
	for _, a := range s.Axes {
		if !a.Categorical() {
			return a, nil
		}
	}
	return nil, fmt.Errorf("state space has no continuous dimension")
}
