// Package fnexpr compiles FunctionSpecs into callable numeric operators.
// Expression text is HCL expression syntax parsed with hclsyntax; scalar
// parameters from the scope chain are closed over at compile time, and
// compiled single-output operators are injected as functions into their
// callers' evaluation contexts so specs compose. Compilation happens in
// call-dependency order; cycles are rejected.
package fnexpr

import (
	"fmt"
	"math"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/vk/stagegrid/internal/model"
	"github.com/vk/stagegrid/internal/scope"
)

// CompilationError reports a FunctionSpec that cannot be compiled.
type CompilationError struct {
	Fn     string
	Detail string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("cannot compile function %q: %s", e.Fn, e.Detail)
}

// Modes selecting the evaluator strategy. Both produce identical numbers.
const (
	// ModeEval builds a fresh evaluation context per grid point.
	ModeEval = "eval"
	// ModeFused reuses one mutable context across the whole column.
	ModeFused = "fused"
)

type output struct {
	name string
	expr hclsyntax.Expression
}

// Op is a compiled operator: a pure numeric function of its inputs plus
// closed-over parameters, producing one value or a named set of values.
type Op struct {
	Name   string
	Inputs []string

	mode    string
	single  hclsyntax.Expression // nil when multi-output
	outputs []output             // dependency-ordered
	vars    map[string]cty.Value // closed-over scalar/list parameters
	funcs   map[string]function.Function
}

// MultiOutput reports whether the operator produces named outputs.
func (op *Op) MultiOutput() bool { return op.single == nil }

// Produces lists the variable names this operator yields: the output names
// for a multi-output spec, the spec's own name otherwise.
func (op *Op) Produces() []string {
	if !op.MultiOutput() {
		return []string{op.Name}
	}
	names := make([]string, len(op.outputs))
	for i, o := range op.outputs {
		names[i] = o.name
	}
	return names
}

// Registry holds the compiled operators of one scope in compile order.
type Registry struct {
	ops   map[string]*Op
	order []string
}

// Op returns the named operator.
func (r *Registry) Op(name string) (*Op, bool) {
	op, ok := r.ops[name]
	return op, ok
}

// Order returns spec names in the order they were compiled.
func (r *Registry) Order() []string { return r.order }

// Compile compiles specs against the given scope chain. Specs must be
// flat (inheritance already resolved).
func Compile(specs []*model.FunctionSpec, params scope.Chain) (*Registry, error) {
	reg := &Registry{ops: make(map[string]*Op, len(specs))}
	byName := make(map[string]*model.FunctionSpec, len(specs))
	for _, s := range specs {
		if _, dup := byName[s.Name]; dup {
			return nil, &CompilationError{Fn: s.Name, Detail: "duplicate function name"}
		}
		byName[s.Name] = s
	}

	ordered, err := topoOrder(specs, byName)
	if err != nil {
		return nil, err
	}
	for _, s := range ordered {
		op, err := compileSpec(s, params, reg)
		if err != nil {
			return nil, err
		}
		reg.ops[s.Name] = op
		reg.order = append(reg.order, s.Name)
	}
	return reg, nil
}

// CompileExpr compiles a one-off expression (grid generators, transforms)
// with an explicit input list, able to call operators in reg.
func CompileExpr(name, src string, inputs []string, params scope.Chain, reg *Registry) (*Op, error) {
	spec := &model.FunctionSpec{Name: name, Expr: src, Inputs: inputs}
	if reg == nil {
		reg = &Registry{ops: map[string]*Op{}}
	}
	return compileSpec(spec, params, reg)
}

func parse(fn, src string) (hclsyntax.Expression, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), fn, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, &CompilationError{Fn: fn, Detail: diags.Error()}
	}
	return expr, nil
}

// topoOrder sorts specs so every spec compiles after the specs it calls.
func topoOrder(specs []*model.FunctionSpec, byName map[string]*model.FunctionSpec) ([]*model.FunctionSpec, error) {
	deps := make(map[string][]string, len(specs))
	indeg := make(map[string]int, len(specs))
	for _, s := range specs {
		indeg[s.Name] = 0
	}
	for _, s := range specs {
		called := map[string]struct{}{}
		for _, src := range specSources(s) {
			expr, err := parse(s.Name, src)
			if err != nil {
				return nil, err
			}
			collectCalls(expr, called)
		}
		for callee := range called {
			target, ok := byName[callee]
			if !ok {
				continue // builtin or enclosing-scope function; checked at compile
			}
			if target.Name == s.Name {
				return nil, &CompilationError{Fn: s.Name, Detail: "function calls itself"}
			}
			deps[s.Name] = append(deps[s.Name], callee)
			indeg[s.Name]++
		}
	}

	// Kahn's algorithm; ready set kept sorted for deterministic output.
	var ready []string
	for name, d := range indeg {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	dependents := make(map[string][]string)
	for name, ds := range deps {
		for _, d := range ds {
			dependents[d] = append(dependents[d], name)
		}
	}

	var ordered []*model.FunctionSpec
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])
		next := append([]string(nil), dependents[name]...)
		sort.Strings(next)
		for _, dep := range next {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(ordered) != len(specs) {
		var stuck []string
		for name, d := range indeg {
			if d > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &CompilationError{Fn: stuck[0], Detail: fmt.Sprintf("cyclic function dependency involving %v", stuck)}
	}
	return ordered, nil
}

func specSources(s *model.FunctionSpec) []string {
	if !s.MultiOutput() {
		return []string{s.Expr}
	}
	srcs := make([]string, len(s.Outputs))
	for i, o := range s.Outputs {
		srcs[i] = o.Expr
	}
	return srcs
}

func compileSpec(s *model.FunctionSpec, params scope.Chain, reg *Registry) (*Op, error) {
	op := &Op{
		Name:  s.Name,
		mode:  s.Compilation,
		vars:  make(map[string]cty.Value),
		funcs: builtinFuncs(),
	}
	switch op.mode {
	case "", ModeEval:
		op.mode = ModeEval
	case ModeFused:
	default:
		return nil, &CompilationError{Fn: s.Name, Detail: fmt.Sprintf("unknown compilation mode %q", s.Compilation)}
	}

	// Parse everything up front and gather calls and variable roots.
	calls := map[string]struct{}{}
	roots := map[string]struct{}{}
	addExpr := func(src string) (hclsyntax.Expression, error) {
		expr, err := parse(s.Name, src)
		if err != nil {
			return nil, err
		}
		collectCalls(expr, calls)
		for _, trav := range expr.Variables() {
			roots[trav.RootName()] = struct{}{}
		}
		return expr, nil
	}

	if s.MultiOutput() {
		parsed := make([]output, 0, len(s.Outputs))
		for _, o := range s.Outputs {
			expr, err := addExpr(o.Expr)
			if err != nil {
				return nil, err
			}
			parsed = append(parsed, output{name: o.Name, expr: expr})
		}
		ordered, err := orderOutputs(s.Name, parsed)
		if err != nil {
			return nil, err
		}
		op.outputs = ordered
	} else {
		expr, err := addExpr(s.Expr)
		if err != nil {
			return nil, err
		}
		op.single = expr
	}

	// Wire called functions: compiled siblings compose; anything else
	// must be a builtin.
	for callee := range calls {
		if _, ok := op.funcs[callee]; ok {
			continue
		}
		dep, ok := reg.Op(callee)
		if !ok {
			return nil, &CompilationError{Fn: s.Name, Detail: fmt.Sprintf("call to undefined function %q", callee)}
		}
		if dep.MultiOutput() {
			return nil, &CompilationError{Fn: s.Name,
				Detail: fmt.Sprintf("function %q is multi-output and cannot be called inside an expression", callee)}
		}
		op.funcs[callee] = opFunction(dep)
	}

	// Inputs: declared list wins; otherwise free roots not bound to a
	// resolved parameter (and not an earlier output's name).
	declared := map[string]struct{}{}
	for _, in := range s.Inputs {
		declared[in] = struct{}{}
	}
	if len(s.Inputs) > 0 {
		op.Inputs = append([]string(nil), s.Inputs...)
	}
	var inferred []string
	for root := range roots {
		if _, isOut := outputNameSet(op.outputs)[root]; isOut {
			continue
		}
		if _, isDeclared := declared[root]; isDeclared {
			continue
		}
		if v, ok := params.Lookup(root); ok {
			resolved, err := params.ResolveValue(v)
			if err != nil {
				return nil, &CompilationError{Fn: s.Name, Detail: err.Error()}
			}
			ctyVal, err := toCty(resolved)
			if err != nil {
				return nil, &CompilationError{Fn: s.Name, Detail: fmt.Sprintf("parameter %q: %v", root, err)}
			}
			op.vars[root] = ctyVal
			continue
		}
		if len(s.Inputs) > 0 {
			return nil, &CompilationError{Fn: s.Name,
				Detail: fmt.Sprintf("undefined variable %q (not an input, output, or resolvable parameter)", root)}
		}
		inferred = append(inferred, root)
	}
	if len(s.Inputs) == 0 {
		sort.Strings(inferred)
		op.Inputs = inferred
	}
	return op, nil
}

func outputNameSet(outs []output) map[string]struct{} {
	m := make(map[string]struct{}, len(outs))
	for _, o := range outs {
		m[o.name] = struct{}{}
	}
	return m
}

// orderOutputs sorts a multi-output spec's outputs so any output that
// references a sibling output's name evaluates after it.
func orderOutputs(fn string, outs []output) ([]output, error) {
	names := outputNameSet(outs)
	indeg := make(map[string]int, len(outs))
	dependents := make(map[string][]string)
	byName := make(map[string]output, len(outs))
	for _, o := range outs {
		byName[o.name] = o
		indeg[o.name] = 0
	}
	for _, o := range outs {
		for _, trav := range o.expr.Variables() {
			root := trav.RootName()
			if root == o.name {
				return nil, &CompilationError{Fn: fn, Detail: fmt.Sprintf("output %q references itself", o.name)}
			}
			if _, ok := names[root]; ok {
				dependents[root] = append(dependents[root], o.name)
				indeg[o.name]++
			}
		}
	}
	var ready []string
	for name, d := range indeg {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	var ordered []output
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])
		next := append([]string(nil), dependents[name]...)
		sort.Strings(next)
		for _, dep := range next {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(ordered) != len(outs) {
		return nil, &CompilationError{Fn: fn, Detail: "cyclic dependency among outputs"}
	}
	return ordered, nil
}

func toCty(v any) (cty.Value, error) {
	if f, err := scope.Float(v); err == nil {
		return cty.NumberFloatVal(f), nil
	}
	if list, ok := v.([]any); ok {
		vals := make([]cty.Value, 0, len(list))
		for _, e := range list {
			f, err := scope.Float(e)
			if err != nil {
				return cty.NilVal, err
			}
			vals = append(vals, cty.NumberFloatVal(f))
		}
		return cty.TupleVal(vals), nil
	}
	return cty.NilVal, fmt.Errorf("unsupported parameter type %T", v)
}

// opFunction exposes a compiled single-output operator as a positional
// cty function so sibling specs can call it.
func opFunction(op *Op) function.Function {
	params := make([]function.Parameter, len(op.Inputs))
	for i, in := range op.Inputs {
		params[i] = function.Parameter{Name: in, Type: cty.Number}
	}
	return function.New(&function.Spec{
		Params: params,
		Type:   function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			point := make(map[string]float64, len(args))
			for i, a := range args {
				f, _ := a.AsBigFloat().Float64()
				point[op.Inputs[i]] = f
			}
			v, err := op.Value(point)
			if err != nil {
				return cty.NilVal, err
			}
			return cty.NumberFloatVal(v), nil
		},
	})
}

func mathFunc1(name string, f func(float64) float64) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "x", Type: cty.Number}},
		Type:   function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			x, _ := args[0].AsBigFloat().Float64()
			return cty.NumberFloatVal(f(x)), nil
		},
	})
}

func builtinFuncs() map[string]function.Function {
	return map[string]function.Function{
		"pow":   stdlib.PowFunc,
		"abs":   stdlib.AbsoluteFunc,
		"min":   stdlib.MinFunc,
		"max":   stdlib.MaxFunc,
		"ceil":  stdlib.CeilFunc,
		"floor": stdlib.FloorFunc,
		"log":   stdlib.LogFunc, // log(x, base)
		"exp":   mathFunc1("exp", math.Exp),
		"ln":    mathFunc1("ln", math.Log),
		"sqrt":  mathFunc1("sqrt", math.Sqrt),
	}
}

// collectCalls walks the syntax tree gathering function call names
// (Variables() covers traversals but not calls).
func collectCalls(expr hclsyntax.Expression, calls map[string]struct{}) {
	if expr == nil {
		return
	}
	switch e := expr.(type) {
	case *hclsyntax.FunctionCallExpr:
		calls[e.Name] = struct{}{}
		for _, arg := range e.Args {
			collectCalls(arg, calls)
		}
	case *hclsyntax.BinaryOpExpr:
		collectCalls(e.LHS, calls)
		collectCalls(e.RHS, calls)
	case *hclsyntax.UnaryOpExpr:
		collectCalls(e.Val, calls)
	case *hclsyntax.ConditionalExpr:
		collectCalls(e.Condition, calls)
		collectCalls(e.TrueResult, calls)
		collectCalls(e.FalseResult, calls)
	case *hclsyntax.ParenthesesExpr:
		collectCalls(e.Expression, calls)
	case *hclsyntax.TupleConsExpr:
		for _, item := range e.Exprs {
			collectCalls(item, calls)
		}
	case *hclsyntax.IndexExpr:
		collectCalls(e.Collection, calls)
		collectCalls(e.Key, calls)
	case *hclsyntax.TemplateExpr:
		for _, part := range e.Parts {
			collectCalls(part, calls)
		}
	case *hclsyntax.TemplateWrapExpr:
		collectCalls(e.Wrapped, calls)
	}
}
