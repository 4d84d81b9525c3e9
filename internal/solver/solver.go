// Package solver schedules an assembled circuit: backward induction over
// periods with operator movers, forward distribution simulation, and the
// cross-period array transfers declared by connections. Movers sharing a
// period and tier run concurrently; everything else is sequential and
// deterministic.
package solver

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/vk/stagegrid/internal/circuit"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/numeric"
	"github.com/vk/stagegrid/internal/results"
	"github.com/vk/stagegrid/internal/scope"
)

// SolveError pins a numeric or scheduling failure to its stage, mover, and
// period.
type SolveError struct {
	Stage  string
	Mover  string
	Period int
	Err    error
}

func (e *SolveError) Error() string {
	if e.Mover != "" {
		return fmt.Sprintf("solve failed at period %d in mover %q of stage %q: %v", e.Period, e.Mover, e.Stage, e.Err)
	}
	return fmt.Sprintf("solve failed at period %d in stage %q: %v", e.Period, e.Stage, e.Err)
}

func (e *SolveError) Unwrap() error { return e.Err }

// Solver runs one assembled circuit. Results accumulate in Results and
// survive across passes, so a forward simulation can read the policies the
// backward pass stored.
type Solver struct {
	circ    *circuit.Circuit
	ops     map[string]Operator
	workers int
	Results *results.Set
}

// New builds a solver with the built-in operator set.
func New(circ *circuit.Circuit) *Solver {
	return &Solver{circ: circ, ops: builtin(), Results: results.NewSet()}
}

// SetWorkers caps how many movers run concurrently within a tier.
// Zero or negative means no cap.
func (s *Solver) SetWorkers(n int) { s.workers = n }

// Circuit returns the assembled circuit the solver runs.
func (s *Solver) Circuit() *circuit.Circuit { return s.circ }

// Methods lists dispatchable operator names, for assembly-time validation.
func Methods() map[string]bool {
	out := map[string]bool{}
	for name := range builtin() {
		out[name] = true
	}
	return out
}

// Solve runs the backward pass and then the forward pass.
func (s *Solver) Solve(ctx context.Context) error {
	if err := s.SolveBackward(ctx); err != nil {
		return err
	}
	return s.SolveForward(ctx)
}

// SolveBackward runs backward induction from the terminal period down.
// Within each period, inbound backward connections are applied first, then
// movers run in source-rank order (continuation side first).
func (s *Solver) SolveBackward(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	for t := s.circ.Horizon - 1; t >= 0; t-- {
		logger.Debug("Solver: backward period starting.", "period", t)
		if err := s.applyConnections(circuit.Backward, t); err != nil {
			return err
		}
		for _, rank := range []int{2, 1} {
			if err := s.runTier(ctx, circuit.Backward, rank, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// SolveForward pushes distributions from period 0 up, applying inbound
// forward connections before each period's movers.
func (s *Solver) SolveForward(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	for t := 0; t < s.circ.Horizon; t++ {
		logger.Debug("Solver: forward period starting.", "period", t)
		if err := s.applyConnections(circuit.Forward, t); err != nil {
			return err
		}
		for _, rank := range []int{0, 1} {
			if err := s.runTier(ctx, circuit.Forward, rank, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// runTier runs every mover with the given direction and source rank at
// period t; movers of different stages run concurrently.
func (s *Solver) runTier(ctx context.Context, dir circuit.Direction, rank, t int) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.workers > 0 {
		g.SetLimit(s.workers)
	}
	for _, name := range s.circ.StageNames {
		st := s.circ.Stages[name]
		for _, m := range st.Movers {
			if m.Direction != dir || m.Source.Rank() != rank {
				continue
			}
			m := m
			st := st
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return s.runMover(gctx, st, m, t)
			})
		}
	}
	return g.Wait()
}

func (s *Solver) runMover(ctx context.Context, st *circuit.Stage, m *circuit.Mover, t int) error {
	fail := func(err error) error {
		return &SolveError{Stage: st.Name, Mover: m.Name, Period: t, Err: err}
	}

	op, ok := s.ops[m.Method]
	if !ok {
		return fail(fmt.Errorf("no operator registered for method %q", m.Method))
	}

	source := m.Source.Space.Columns()
	for name, col := range s.Results.Perch(t, st.Name, m.Source.Name) {
		source[name] = col
	}
	for _, v := range m.RequiredVars {
		if _, ok := source[v]; !ok {
			return fail(fmt.Errorf("required variable %q is not available on perch %s", v, m.Source.ID()))
		}
	}

	out, err := op(&OpContext{
		Mover:  m,
		Stage:  st,
		Period: t,
		Source: source,
		Target: m.Target.Space.Columns(),
	})
	if err != nil {
		return fail(err)
	}
	for name, col := range out {
		if err := numeric.CheckFinite(m.Name+"."+name, col); err != nil {
			return fail(err)
		}
	}

	s.Results.PutAll(t, st.Name, m.Target.Name, out)
	ctxlog.FromContext(ctx).Debug("Solver: mover finished.",
		"stage", st.Name, "mover", m.Name, "period", t, "columns", len(out))
	return nil
}

// applyConnections transfers arrays over every connection pair of the given
// direction whose target period is t.
func (s *Solver) applyConnections(dir circuit.Direction, t int) error {
	for _, conn := range s.circ.Connections {
		if conn.Direction != dir {
			continue
		}
		for _, pair := range conn.Pairs {
			if pair[1] != t {
				continue
			}
			if err := s.transfer(conn, pair[0], pair[1]); err != nil {
				return &SolveError{Stage: conn.TargetStage, Period: t,
					Err: fmt.Errorf("connection %s: %w", conn.ID(), err)}
			}
		}
	}
	return nil
}

// transfer moves solved arrays from the source perch at srcT to the target
// perch at tgtT, renaming per the mapping and regridding when the grids
// differ. Distribution columns are re-deposited so mass is conserved;
// everything else is interpolated pointwise.
func (s *Solver) transfer(conn *circuit.Connection, srcT, tgtT int) error {
	src := s.Results.Perch(srcT, conn.SourceStage, conn.Source.Name)
	if src == nil {
		// Nothing solved on the source side yet (terminal period).
		return nil
	}

	renamed := make(map[string][]float64, len(src))
	for name, col := range src {
		if to, ok := conn.Mapping[name]; ok {
			name = to
		}
		renamed[name] = col
	}

	srcAxis, err := conn.Source.Space.InterpAxis()
	if err != nil {
		return err
	}
	tgtAxis, err := conn.Target.Space.InterpAxis()
	if err != nil {
		return err
	}
	if len(conn.Source.Space.Axes) > 1 || len(conn.Target.Space.Axes) > 1 {
		if !sameGrid(srcAxis.Points, tgtAxis.Points) {
			return fmt.Errorf("regridding is only supported across one-dimensional perches")
		}
	}

	out := make(map[string][]float64, len(renamed))
	if sameGrid(srcAxis.Points, tgtAxis.Points) {
		want := conn.Target.Space.Len()
		for name, col := range renamed {
			if len(col) != want {
				return fmt.Errorf("column %q has %d values for %d target grid points", name, len(col), want)
			}
			out[name] = col
		}
	} else {
		for name, col := range renamed {
			if len(col) != len(srcAxis.Points) {
				return fmt.Errorf("column %q has %d values for %d source grid points", name, len(col), len(srcAxis.Points))
			}
			if name == distVar {
				dep, err := depositColumn(srcAxis.Points, col, tgtAxis.Points)
				if err != nil {
					return err
				}
				out[name] = dep
				continue
			}
			it, err := numeric.NewInterp(srcAxis.Points, col)
			if err != nil {
				return fmt.Errorf("column %q: %w", name, err)
			}
			re := make([]float64, len(tgtAxis.Points))
			for i, x := range tgtAxis.Points {
				re[i] = it.At(x)
			}
			out[name] = re
		}
	}

	s.Results.PutAll(tgtT, conn.TargetStage, conn.Target.Name, out)
	return nil
}

func sameGrid(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-12 {
			return false
		}
	}
	return true
}

// SolveStationary iterates one stationary stage at period 0 until its
// decision arrays stop changing. Each sweep feeds the previous iteration's
// arrival arrays back into the continuation perch, renamed per feedback
// (a declared same-period connection would be a backward cycle, so the
// fixed-point loop is closed here instead).
func (s *Solver) SolveStationary(ctx context.Context, stageName string, feedback map[string]string) error {
	st, ok := s.circ.Stage(stageName)
	if !ok {
		return fmt.Errorf("unknown stage %q", stageName)
	}
	if !st.Stationary {
		return fmt.Errorf("stage %q is not stationary", stageName)
	}

	tol := settingFloat(st.Params, "stationary_tolerance", 1e-8)
	maxIter := settingInt(st.Params, "stationary_max_iter", 1000)
	logger := ctxlog.FromContext(ctx)

	loop := &circuit.Connection{
		SourceStage: st.Name,
		TargetStage: st.Name,
		Source:      st.Perches["arvl"],
		Target:      st.Perches["cntn"],
		Direction:   circuit.Backward,
		Mapping:     feedback,
	}

	var prev map[string][]float64
	for iter := 0; iter < maxIter; iter++ {
		if err := s.transfer(loop, 0, 0); err != nil {
			return &SolveError{Stage: st.Name, Period: 0, Err: err}
		}
		for _, rank := range []int{2, 1} {
			if err := s.runTier(ctx, circuit.Backward, rank, 0); err != nil {
				return err
			}
		}

		cur := s.Results.Perch(0, st.Name, "dcsn")
		if prev != nil {
			delta := supDiff(prev, cur)
			logger.Debug("Solver: stationary sweep done.", "stage", stageName, "iter", iter, "delta", delta)
			if delta < tol {
				return nil
			}
		}
		prev = snapshotCols(cur)
	}
	return &SolveError{Stage: stageName, Period: 0,
		Err: &numeric.Error{Op: "stationary." + stageName, Index: -1,
			Detail: fmt.Sprintf("no convergence within %d sweeps", maxIter)}}
}

func snapshotCols(cols map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(cols))
	for name, col := range cols {
		cp := make([]float64, len(col))
		copy(cp, col)
		out[name] = cp
	}
	return out
}

func supDiff(a, b map[string][]float64) float64 {
	var d float64
	for name, ac := range a {
		bc, ok := b[name]
		if !ok || len(bc) != len(ac) {
			return math.Inf(1)
		}
		for i := range ac {
			if diff := math.Abs(ac[i] - bc[i]); diff > d {
				d = diff
			}
		}
	}
	return d
}

func settingFloat(params *scope.Cache, name string, fallback float64) float64 {
	v, err := params.Resolve(name)
	if err != nil {
		return fallback
	}
	f, err := scope.Float(v)
	if err != nil {
		return fallback
	}
	return f
}

func settingInt(params *scope.Cache, name string, fallback int) int {
	v, err := params.Resolve(name)
	if err != nil {
		return fallback
	}
	n, err := scope.Int(v)
	if err != nil {
		return fallback
	}
	return n
}
