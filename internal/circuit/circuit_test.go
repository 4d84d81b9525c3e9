package circuit

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegrid/internal/fnexpr"
	"github.com/vk/stagegrid/internal/model"
)

func allMethods() *Options {
	return &Options{Methods: map[string]bool{
		"egm": true, "integration": true, "simulation": true,
		"optimization": true, "discrete_choice": true,
	}}
}

func consumptionMaster() *model.MasterDoc {
	return &model.MasterDoc{
		Horizon:    3,
		Parameters: map[string]any{"beta": 0.96, "gamma": 2.0, "R": 1.04},
		Functions: []*model.FunctionSpec{
			{Name: "u", Expr: "pow(c, 1 - gamma) / (1 - gamma)", Inputs: []string{"c"}},
		},
	}
}

func linGrid(min, max float64, n int) *model.GridSpec {
	return &model.GridSpec{Type: "linspace", Min: min, Max: max, Points: n}
}

func workStage() *model.StageDoc {
	return &model.StageDoc{
		Name:       "work",
		Parameters: map[string]any{"sigma_eta": 0.1, "tol": 1e-6},
		Functions: []*model.FunctionSpec{
			{Name: "vlu_flow", Expr: "u(c)", Inputs: []string{"c"}},
			{Name: "transition", Outputs: []model.Output{{Name: "a", Expr: "m - c"}}, Inputs: []string{"m", "c"}},
			{Name: "egm_rule", Outputs: []model.Output{
				{Name: "c", Expr: "pow(beta * R * lambda_next, -1 / gamma)"},
				{Name: "m", Expr: "c + a"},
			}, Inputs: []string{"a", "lambda_next"}},
		},
		Shocks: []*model.ShockSpec{
			{Name: "eta", Type: "normal", Mu: 0.0, Sigma: []any{"sigma_eta"}, Points: 5},
		},
		Perches: map[string]*model.PerchSpec{
			"arvl": {Name: "arvl", Dimensions: []model.Dimension{{Name: "m", Grid: linGrid(0.1, 10, 5)}}},
			"dcsn": {Name: "dcsn", Dimensions: []model.Dimension{{Name: "m", Grid: linGrid(0.1, 10, 5)}}},
			"cntn": {Name: "cntn", Dimensions: []model.Dimension{{Name: "a", Grid: linGrid(0, 10, 5)}}},
		},
		Movers: []*model.MoverSpec{
			{Name: "income", Type: "forward", Source: "arvl", Target: "dcsn",
				Functions: []string{"vlu_flow"}, Operator: model.OperatorSpec{Method: "simulation"},
				InheritParameters: true, InheritSettings: true},
			{Name: "save", Type: "forward", Source: "dcsn", Target: "cntn",
				Functions: []string{"transition"}, Operator: model.OperatorSpec{Method: "simulation"},
				InheritParameters: true, InheritSettings: true},
			{Name: "solve_egm", Type: "backward", Source: "cntn", Target: "dcsn",
				Functions: []string{"egm_rule"},
				Operator:  model.OperatorSpec{Method: "egm", Options: map[string]any{"control": "c", "tolerance": []any{"tol"}}},
				InheritParameters: true, InheritSettings: true},
			{Name: "expect", Type: "backward", Source: "dcsn", Target: "arvl",
				Functions: []string{"vlu_flow"}, Shocks: []string{"eta"},
				Operator:          model.OperatorSpec{Method: "integration"},
				InheritParameters: true, InheritSettings: true},
		},
	}
}

func stitchConnections() []*model.ConnectionSpec {
	return []*model.ConnectionSpec{
		{Source: "work", Target: "work", Direction: "forward",
			SourcePerch: "cntn", TargetPerch: "arvl",
			Mapping: map[string]string{"a": "m"}, AllPeriods: true},
		{Source: "work", Target: "work", Direction: "backward",
			SourcePerch: "arvl", TargetPerch: "cntn",
			Mapping: map[string]string{"m": "a"}, AllPeriods: true},
	}
}

func TestAssembleConsumptionSavings(t *testing.T) {
	circ, err := Assemble(context.Background(), consumptionMaster(), []*model.StageDoc{workStage()}, stitchConnections(), allMethods())
	require.NoError(t, err)

	st, ok := circ.Stage("work")
	require.True(t, ok)
	assert.Equal(t, []string{"work"}, circ.StageNames)
	assert.Equal(t, 5, st.Perches["arvl"].Space.Len())
	assert.Len(t, st.Movers, 4)
	require.Contains(t, st.Shocks, "eta")
	assert.Len(t, st.Shocks["eta"].Values, 5)

	t.Run("mover carries compiled operators", func(t *testing.T) {
		egm := st.Movers[2]
		require.Equal(t, "solve_egm", egm.Name)
		require.Len(t, egm.Functions, 1)
		assert.ElementsMatch(t, []string{"c", "m"}, egm.Functions[0].Produces())
		assert.Equal(t, Backward, egm.Direction)

		ctrl, ok := egm.Option("control")
		require.True(t, ok)
		assert.Equal(t, "c", ctrl)

		// Marker options resolve through the mover's scope chain.
		tol, err := egm.FloatOption("tolerance", 0)
		require.NoError(t, err)
		assert.Equal(t, 1e-6, tol)
	})

	t.Run("stage functions can call master functions", func(t *testing.T) {
		op, ok := st.Funcs.Op("vlu_flow")
		require.True(t, ok)
		got, err := op.Value(map[string]float64{"c": 1.0})
		require.NoError(t, err)
		assert.InDelta(t, 1.0/(1-2.0), got, 1e-12)
	})

	t.Run("all-periods connections derive offsets from perch ranks", func(t *testing.T) {
		require.Len(t, circ.Connections, 2)
		fwd, bwd := circ.Connections[0], circ.Connections[1]
		assert.Equal(t, [][2]int{{0, 1}, {1, 2}}, fwd.Pairs)
		assert.Equal(t, [][2]int{{1, 0}, {2, 1}}, bwd.Pairs)
	})
}

func TestMoverLocalParametersShadowStage(t *testing.T) {
	doc := workStage()
	doc.Movers[2].Parameters = map[string]any{"beta": 0.5}

	circ, err := Assemble(context.Background(), consumptionMaster(), []*model.StageDoc{doc}, stitchConnections(), allMethods())
	require.NoError(t, err)

	st := circ.Stages["work"]
	egm := st.Movers[2]
	beta, err := egm.Scope.ResolveFloat([]any{"beta"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, beta)

	// The stage registry keeps the original closure; the mover gets its
	// own compilation.
	assert.NotSame(t, st.Funcs, egm.Funcs)
	stageBeta, err := st.Scope.ResolveFloat([]any{"beta"})
	require.NoError(t, err)
	assert.Equal(t, 0.96, stageBeta)
}

func TestInheritFlagsCutStageLayers(t *testing.T) {
	doc := workStage()
	doc.Movers[0].InheritParameters = false

	circ, err := Assemble(context.Background(), consumptionMaster(), []*model.StageDoc{doc}, stitchConnections(), allMethods())
	require.NoError(t, err)

	m := circ.Stages["work"].Movers[0]
	// Stage parameters are invisible, master parameters remain.
	_, err = m.Scope.ResolveFloat([]any{"sigma_eta"})
	assert.Error(t, err)
	beta, err := m.Scope.ResolveFloat([]any{"beta"})
	require.NoError(t, err)
	assert.Equal(t, 0.96, beta)
}

func TestInheritFlagsRecompileFunctions(t *testing.T) {
	doc := workStage()
	doc.Parameters["beta"] = 0.5 // shadows the master's 0.96
	doc.Movers[2].InheritParameters = false

	circ, err := Assemble(context.Background(), consumptionMaster(), []*model.StageDoc{doc}, stitchConnections(), allMethods())
	require.NoError(t, err)

	st := circ.Stages["work"]
	egm := st.Movers[2]
	require.NotSame(t, st.Funcs, egm.Funcs)

	eval := func(reg *fnexpr.Registry) float64 {
		op, ok := reg.Op("egm_rule")
		require.True(t, ok)
		out, err := op.Eval(map[string][]float64{"a": {0}, "lambda_next": {1}})
		require.NoError(t, err)
		return out["c"][0]
	}
	// The stage registry closes over the shadowing beta; the mover's own
	// compilation resolves beta from the master again, matching its chain.
	assert.InDelta(t, math.Pow(0.5*1.04, -0.5), eval(st.Funcs), 1e-12)
	assert.InDelta(t, math.Pow(0.96*1.04, -0.5), eval(egm.Funcs), 1e-12)
}

func TestAssemblyFailures(t *testing.T) {
	run := func(mutate func(*model.StageDoc, *[]*model.ConnectionSpec)) error {
		doc := workStage()
		conns := stitchConnections()
		mutate(doc, &conns)
		_, err := Assemble(context.Background(), consumptionMaster(), []*model.StageDoc{doc}, conns, allMethods())
		return err
	}

	t.Run("mapping omits target dimension", func(t *testing.T) {
		err := run(func(doc *model.StageDoc, conns *[]*model.ConnectionSpec) {
			(*conns)[0].Mapping = map[string]string{"a": "wealth"}
		})
		var asmErr *AssemblyError
		require.ErrorAs(t, err, &asmErr)
		assert.Contains(t, asmErr.Detail, `"m"`)
		assert.NotEmpty(t, asmErr.Connection)
	})

	t.Run("unknown operator method", func(t *testing.T) {
		err := run(func(doc *model.StageDoc, _ *[]*model.ConnectionSpec) {
			doc.Movers[2].Operator.Method = "newton"
		})
		var asmErr *AssemblyError
		require.ErrorAs(t, err, &asmErr)
		assert.Equal(t, "solve_egm", asmErr.Mover)
	})

	t.Run("mover without functions", func(t *testing.T) {
		err := run(func(doc *model.StageDoc, _ *[]*model.ConnectionSpec) {
			doc.Movers[0].Functions = nil
		})
		assert.ErrorContains(t, err, "no functions")
	})

	t.Run("direction against perch flow", func(t *testing.T) {
		err := run(func(doc *model.StageDoc, _ *[]*model.ConnectionSpec) {
			doc.Movers[0].Type = "backward"
		})
		assert.ErrorContains(t, err, "backward mover")
	})

	t.Run("duplicate edge", func(t *testing.T) {
		err := run(func(doc *model.StageDoc, _ *[]*model.ConnectionSpec) {
			dup := *doc.Movers[0]
			dup.Name = "income_again"
			doc.Movers = append(doc.Movers, &dup)
		})
		assert.ErrorContains(t, err, "duplicate edge")
	})

	t.Run("missing function", func(t *testing.T) {
		err := run(func(doc *model.StageDoc, _ *[]*model.ConnectionSpec) {
			doc.Movers[0].Functions = []string{"ghost"}
		})
		assert.ErrorContains(t, err, `missing function "ghost"`)
	})

	t.Run("missing shock", func(t *testing.T) {
		err := run(func(doc *model.StageDoc, _ *[]*model.ConnectionSpec) {
			doc.Movers[3].Shocks = []string{"zeta"}
		})
		assert.ErrorContains(t, err, `missing shock "zeta"`)
	})

	t.Run("required grid not on either perch", func(t *testing.T) {
		err := run(func(doc *model.StageDoc, _ *[]*model.ConnectionSpec) {
			doc.Movers[2].RequiredGrids = []string{"k"}
		})
		assert.ErrorContains(t, err, `required grid "k"`)
	})

	t.Run("period outside horizon", func(t *testing.T) {
		err := run(func(doc *model.StageDoc, conns *[]*model.ConnectionSpec) {
			(*conns)[0].AllPeriods = false
			(*conns)[0].SourcePeriods = []int{2}
			(*conns)[0].TargetPeriods = []int{3}
		})
		assert.ErrorContains(t, err, "outside horizon")
	})

	t.Run("uncovered target dimension on mover", func(t *testing.T) {
		err := run(func(doc *model.StageDoc, conns *[]*model.ConnectionSpec) {
			doc.Perches["cntn"].Dimensions = append(doc.Perches["cntn"].Dimensions,
				model.Dimension{Name: "h", Grid: linGrid(0, 1, 2)})
			// Drop the connection into cntn so the failure is pinned on
			// the forward mover, not the stitch.
			*conns = (*conns)[:1]
		})
		var asmErr *AssemblyError
		require.ErrorAs(t, err, &asmErr)
		assert.Contains(t, asmErr.Detail, "[h]")
	})
}

func TestDirectionalCycleDetection(t *testing.T) {
	conns := stitchConnections()
	// A same-period forward stitch cntn->arvl closes the loop
	// arvl -> dcsn -> cntn -> arvl within period 0.
	conns[0].AllPeriods = false
	conns[0].SourcePeriods = []int{0}
	conns[0].TargetPeriods = []int{0}

	_, err := Assemble(context.Background(), consumptionMaster(), []*model.StageDoc{workStage()}, conns, allMethods())
	assert.ErrorContains(t, err, "forward cycle")
}

func TestUnknownStagePerchInConnection(t *testing.T) {
	conns := stitchConnections()
	conns[0].Target = "retire"
	_, err := Assemble(context.Background(), consumptionMaster(), []*model.StageDoc{workStage()}, conns, allMethods())
	assert.ErrorContains(t, err, `unknown target stage "retire"`)
}
