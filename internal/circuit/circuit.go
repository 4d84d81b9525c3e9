// Package circuit assembles the model graph: per-stage perches and movers,
// cross-stage connections, and the period-expanded multi-stage circuit.
// All resolution, compilation, and validation happens here, before any
// numeric work; a circuit that assembles is ready to solve.
package circuit

import (
	"fmt"

	"github.com/vk/stagegrid/internal/fnexpr"
	"github.com/vk/stagegrid/internal/grid"
	"github.com/vk/stagegrid/internal/model"
	"github.com/vk/stagegrid/internal/scope"
	"github.com/vk/stagegrid/internal/shock"
)

// AssemblyError reports an inconsistency found while building the graph,
// identifying the offending stage and mover or connection.
type AssemblyError struct {
	Stage      string
	Mover      string
	Connection string
	Detail     string

	err error
}

func (e *AssemblyError) Error() string {
	switch {
	case e.Mover != "":
		return fmt.Sprintf("assembly failed for mover %q in stage %q: %s", e.Mover, e.Stage, e.Detail)
	case e.Connection != "":
		return fmt.Sprintf("assembly failed for connection %s: %s", e.Connection, e.Detail)
	case e.Stage != "":
		return fmt.Sprintf("assembly failed for stage %q: %s", e.Stage, e.Detail)
	}
	return fmt.Sprintf("assembly failed: %s", e.Detail)
}

// Direction of a mover or connection.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// ParseDirection maps the document's type/direction string.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "forward":
		return Forward, nil
	case "backward":
		return Backward, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Perch is a named state space at one point in a stage's internal flow.
type Perch struct {
	Stage string
	Name  string
	Space *grid.Space
}

// ID is the stable stage-qualified identifier.
func (p *Perch) ID() string { return p.Stage + "." + p.Name }

// Rank orders the perch along the stage flow (arvl=0, dcsn=1, cntn=2).
func (p *Perch) Rank() int { return model.PerchRank(p.Name) }

// Mover is a directed edge between two perches of one stage, carrying
// compiled operators and a numerical method.
type Mover struct {
	Name      string
	Stage     string
	Direction Direction
	Source    *Perch
	Target    *Perch

	Functions []*fnexpr.Op
	Objective *fnexpr.Op
	Shocks    []*shock.Shock
	Method    string
	Options   map[string]any

	RequiredVars  []string
	RequiredGrids []string

	// Scope is the mover's resolution chain (mover → stage → master) and
	// Funcs the operator registry its method draws from.
	Scope scope.Chain
	Funcs *fnexpr.Registry
}

// ID is the stable stage-qualified identifier.
func (m *Mover) ID() string { return m.Stage + "." + m.Name }

// Produces lists every variable the mover's operators yield.
func (m *Mover) Produces() []string {
	var out []string
	seen := map[string]struct{}{}
	for _, op := range m.Functions {
		for _, v := range op.Produces() {
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				out = append(out, v)
			}
		}
	}
	return out
}

// Option returns a string operator option.
func (m *Mover) Option(key string) (string, bool) {
	v, ok := m.Options[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// FloatOption returns a numeric operator option resolved through the
// mover's scope.
func (m *Mover) FloatOption(key string, fallback float64) (float64, error) {
	v, ok := m.Options[key]
	if !ok {
		return fallback, nil
	}
	return m.Scope.ResolveFloat(v)
}

// IntOption returns an integer operator option resolved through the
// mover's scope.
func (m *Mover) IntOption(key string, fallback int) (int, error) {
	v, ok := m.Options[key]
	if !ok {
		return fallback, nil
	}
	r, err := m.Scope.ResolveValue(v)
	if err != nil {
		return 0, err
	}
	return scope.Int(r)
}

// Connection stitches a source perch to a target perch across stages
// and/or periods, renaming variables on the way.
type Connection struct {
	SourceStage string
	TargetStage string
	Source      *Perch
	Target      *Perch
	Direction   Direction
	// Mapping renames source variables to target variables.
	Mapping map[string]string
	// Pairs are resolved (source period, target period) bindings.
	Pairs [][2]int
}

// ID labels the connection for diagnostics.
func (c *Connection) ID() string {
	return fmt.Sprintf("%s.%s->%s.%s", c.SourceStage, c.Source.Name, c.TargetStage, c.Target.Name)
}

// Stage is one period's self-contained sub-model, compiled and immutable.
type Stage struct {
	Name       string
	Scope      scope.Chain
	Params     *scope.Cache
	Funcs      *fnexpr.Registry
	Shocks     map[string]*shock.Shock
	Perches    map[string]*Perch
	Movers     []*Mover
	Stationary bool
}

// Circuit is the fully assembled multi-period, multi-stage model graph.
type Circuit struct {
	Horizon     int
	Stages      map[string]*Stage
	StageNames  []string // deterministic iteration order
	Connections []*Connection
}

// Stage returns the named stage.
func (c *Circuit) Stage(name string) (*Stage, bool) {
	s, ok := c.Stages[name]
	return s, ok
}

// nodeID identifies one perch instance in the period-expanded graph.
func nodeID(period int, p *Perch) string {
	return fmt.Sprintf("p%d.%s", period, p.ID())
}
