package fnexpr

import (
	"fmt"
	"math"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/stagegrid/internal/numeric"
)

// Eval evaluates the operator elementwise over input columns. Each input
// column must have length n or 1 (scalar broadcast); n is the longest
// provided column. Multi-output operators evaluate every output once per
// element; the returned map is keyed by output name (or the operator name
// for single-output specs).
func (op *Op) Eval(cols map[string][]float64) (map[string][]float64, error) {
	n := 1
	for _, in := range op.Inputs {
		col, ok := cols[in]
		if !ok {
			return nil, fmt.Errorf("operator %q: missing input %q", op.Name, in)
		}
		if len(col) == 0 {
			return nil, fmt.Errorf("operator %q: empty input column %q", op.Name, in)
		}
		if len(col) > n {
			n = len(col)
		}
	}
	for _, in := range op.Inputs {
		if l := len(cols[in]); l != 1 && l != n {
			return nil, fmt.Errorf("operator %q: input %q has length %d, want 1 or %d", op.Name, in, l, n)
		}
	}

	names := op.Produces()
	out := make(map[string][]float64, len(names))
	for _, name := range names {
		out[name] = make([]float64, n)
	}

	// ModeFused mutates one shared variable map; ModeEval rebuilds it per
	// element. Numerically identical, the fused path just allocates less.
	var fusedVars map[string]cty.Value
	var fusedCtx *hcl.EvalContext
	if op.mode == ModeFused {
		fusedVars = make(map[string]cty.Value, len(op.vars)+len(op.Inputs)+len(op.outputs))
		for k, v := range op.vars {
			fusedVars[k] = v
		}
		fusedCtx = &hcl.EvalContext{Variables: fusedVars, Functions: op.funcs}
	}

	for i := 0; i < n; i++ {
		var vars map[string]cty.Value
		var ctx *hcl.EvalContext
		if op.mode == ModeFused {
			vars, ctx = fusedVars, fusedCtx
		} else {
			vars = make(map[string]cty.Value, len(op.vars)+len(op.Inputs)+len(op.outputs))
			for k, v := range op.vars {
				vars[k] = v
			}
			ctx = &hcl.EvalContext{Variables: vars, Functions: op.funcs}
		}
		for _, in := range op.Inputs {
			col := cols[in]
			if len(col) == 1 {
				vars[in] = cty.NumberFloatVal(col[0])
			} else {
				vars[in] = cty.NumberFloatVal(col[i])
			}
		}

		if op.MultiOutput() {
			for _, o := range op.outputs {
				v, err := op.evalAt(o.expr, ctx, o.name, i)
				if err != nil {
					return nil, err
				}
				out[o.name][i] = v
				vars[o.name] = cty.NumberFloatVal(v) // later outputs may read it
			}
		} else {
			v, err := op.evalAt(op.single, ctx, op.Name, i)
			if err != nil {
				return nil, err
			}
			out[op.Name][i] = v
		}
	}
	return out, nil
}

// Value evaluates a single-output operator at one point.
func (op *Op) Value(point map[string]float64) (float64, error) {
	if op.MultiOutput() {
		return 0, fmt.Errorf("operator %q: multi-output, use Eval", op.Name)
	}
	vars := make(map[string]cty.Value, len(op.vars)+len(op.Inputs))
	for k, v := range op.vars {
		vars[k] = v
	}
	for _, in := range op.Inputs {
		f, ok := point[in]
		if !ok {
			return 0, fmt.Errorf("operator %q: missing input %q", op.Name, in)
		}
		vars[in] = cty.NumberFloatVal(f)
	}
	ctx := &hcl.EvalContext{Variables: vars, Functions: op.funcs}
	return op.evalAt(op.single, ctx, op.Name, -1)
}

func (op *Op) evalAt(expr hclsyntax.Expression, ctx *hcl.EvalContext, label string, idx int) (float64, error) {
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return 0, &numeric.Error{Op: label, Index: idx, Detail: diags.Error()}
	}
	if val.Type() != cty.Number {
		return 0, &numeric.Error{Op: label, Index: idx,
			Detail: fmt.Sprintf("expression produced %s, want a number", val.Type().FriendlyName())}
	}
	f, _ := val.AsBigFloat().Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &numeric.Error{Op: label, Index: idx, Detail: fmt.Sprintf("non-finite value %v", f)}
	}
	return f, nil
}
