package circuit

import (
	"context"
	"fmt"

	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/fnexpr"
	"github.com/vk/stagegrid/internal/grid"
	"github.com/vk/stagegrid/internal/model"
	"github.com/vk/stagegrid/internal/scope"
	"github.com/vk/stagegrid/internal/shock"
)

// Options tune assembly.
type Options struct {
	// Methods lists the operator methods the scheduler can dispatch.
	// Nil skips the check.
	Methods map[string]bool
}

// Unwrap exposes the underlying cause of an AssemblyError.
func (e *AssemblyError) Unwrap() error { return e.err }

func wrapStage(stage string, err error) *AssemblyError {
	return &AssemblyError{Stage: stage, Detail: err.Error(), err: err}
}

// Assemble builds and validates the full circuit from decoded documents.
// Every resolution, compilation, and consistency failure is fatal here;
// nothing numeric runs until assembly succeeds.
func Assemble(ctx context.Context, master *model.MasterDoc, stageDocs []*model.StageDoc, connSpecs []*model.ConnectionSpec, opts *Options) (*Circuit, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Assemble: starting circuit construction.", "stages", len(stageDocs), "horizon", master.Horizon)
	if opts == nil {
		opts = &Options{}
	}

	masterChain := scope.Chain{scope.Layer(master.Parameters), scope.Layer(master.Settings)}
	masterFlat, err := model.ResolveInheritance(master.Functions, map[string]*model.FunctionSpec{})
	if err != nil {
		return nil, wrapStage("master", err)
	}
	masterByName := model.Registry(masterFlat)

	circ := &Circuit{
		Horizon: master.Horizon,
		Stages:  make(map[string]*Stage, len(stageDocs)),
	}

	for _, doc := range stageDocs {
		st, err := assembleStage(ctx, doc, masterChain, masterFlat, masterByName, opts)
		if err != nil {
			return nil, err
		}
		if _, dup := circ.Stages[st.Name]; dup {
			return nil, &AssemblyError{Stage: st.Name, Detail: "duplicate stage name"}
		}
		circ.Stages[st.Name] = st
		circ.StageNames = append(circ.StageNames, st.Name)
	}
	logger.Debug("Assemble: stage construction complete.")

	if err := assembleConnections(circ, connSpecs); err != nil {
		return nil, err
	}
	logger.Debug("Assemble: connections resolved.", "count", len(circ.Connections))

	if err := validateCoverage(circ); err != nil {
		return nil, err
	}
	if err := validateAcyclic(circ, Forward); err != nil {
		return nil, err
	}
	if err := validateAcyclic(circ, Backward); err != nil {
		return nil, err
	}
	logger.Debug("Assemble: validation passed.")
	return circ, nil
}

func assembleStage(ctx context.Context, doc *model.StageDoc, masterChain scope.Chain, masterFlat []*model.FunctionSpec, masterByName map[string]*model.FunctionSpec, opts *Options) (*Stage, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Assemble: building stage.", "stage", doc.Name)

	stageChain := masterChain.Push(scope.Layer(doc.Settings)).Push(scope.Layer(doc.Parameters))

	stageFlat, err := model.ResolveInheritance(doc.Functions, masterByName)
	if err != nil {
		return nil, wrapStage(doc.Name, err)
	}
	combined := mergeSpecs(masterFlat, stageFlat)
	reg, err := fnexpr.Compile(combined, stageChain)
	if err != nil {
		return nil, wrapStage(doc.Name, err)
	}

	st := &Stage{
		Name:       doc.Name,
		Scope:      stageChain,
		Params:     scope.NewCache(stageChain),
		Funcs:      reg,
		Shocks:     make(map[string]*shock.Shock, len(doc.Shocks)),
		Perches:    make(map[string]*Perch, len(doc.Perches)),
		Stationary: doc.Stationary,
	}

	for _, spec := range doc.Shocks {
		sh, err := shock.Build(spec, stageChain)
		if err != nil {
			return nil, wrapStage(doc.Name, err)
		}
		st.Shocks[sh.Name] = sh
	}

	for _, name := range []string{model.PerchArvl, model.PerchDcsn, model.PerchCntn} {
		spec := doc.Perches[name]
		if spec == nil {
			return nil, &AssemblyError{Stage: doc.Name, Detail: fmt.Sprintf("missing perch %q", name)}
		}
		axes := make([]*grid.Axis, 0, len(spec.Dimensions))
		for _, dim := range spec.Dimensions {
			axis, err := grid.Build(dim.Name, dim.Grid, stageChain, reg)
			if err != nil {
				return nil, wrapStage(doc.Name, err)
			}
			axes = append(axes, axis)
		}
		space, err := grid.NewSpace(axes, !spec.NoMesh)
		if err != nil {
			return nil, &AssemblyError{Stage: doc.Name, Detail: fmt.Sprintf("perch %q: %v", name, err), err: err}
		}
		st.Perches[name] = &Perch{Stage: doc.Name, Name: name, Space: space}
	}

	seenEdges := map[string]string{}
	for _, spec := range doc.Movers {
		m, err := assembleMover(st, doc, spec, combined, masterChain, opts)
		if err != nil {
			return nil, err
		}
		edge := fmt.Sprintf("%s->%s:%s", m.Source.Name, m.Target.Name, m.Direction)
		if prev, dup := seenEdges[edge]; dup {
			return nil, &AssemblyError{Stage: doc.Name, Mover: spec.Name,
				Detail: fmt.Sprintf("duplicate edge %s already declared by mover %q", edge, prev)}
		}
		seenEdges[edge] = spec.Name
		st.Movers = append(st.Movers, m)
	}
	return st, nil
}

func assembleMover(st *Stage, doc *model.StageDoc, spec *model.MoverSpec, combined []*model.FunctionSpec, masterChain scope.Chain, opts *Options) (*Mover, error) {
	fail := func(detail string) *AssemblyError {
		return &AssemblyError{Stage: doc.Name, Mover: spec.Name, Detail: detail}
	}

	dir, err := ParseDirection(spec.Type)
	if err != nil {
		return nil, fail(err.Error())
	}
	source, ok := st.Perches[spec.Source]
	if !ok {
		return nil, fail(fmt.Sprintf("unknown source perch %q", spec.Source))
	}
	target, ok := st.Perches[spec.Target]
	if !ok {
		return nil, fail(fmt.Sprintf("unknown target perch %q", spec.Target))
	}
	if source.Name == target.Name {
		return nil, fail("source and target perch are the same")
	}

	// Direction must agree with the perch flow: forward progresses
	// arrival-ward to continuation, backward the reverse.
	if dir == Forward && target.Rank() <= source.Rank() {
		return nil, fail(fmt.Sprintf("forward mover must progress %s-ward: %s -> %s",
			model.PerchCntn, spec.Source, spec.Target))
	}
	if dir == Backward && target.Rank() >= source.Rank() {
		return nil, fail(fmt.Sprintf("backward mover must progress %s-ward: %s -> %s",
			model.PerchArvl, spec.Source, spec.Target))
	}

	if len(spec.Functions) == 0 {
		// Implicit sharing with a twin mover is ambiguous; require
		// explicit re-declaration.
		return nil, fail("declares no functions; movers must re-declare their functions explicitly")
	}
	if opts.Methods != nil && !opts.Methods[spec.Operator.Method] {
		return nil, fail(fmt.Sprintf("unknown operator method %q", spec.Operator.Method))
	}

	// Mover-local bindings shadow the stage; the inherit flags cut the
	// stage layers out of the chain entirely, leaving master visible.
	chain := masterChain
	if spec.InheritSettings {
		chain = chain.Push(scope.Layer(doc.Settings))
	}
	if spec.InheritParameters {
		chain = chain.Push(scope.Layer(doc.Parameters))
	}
	chain = chain.Push(scope.Layer(spec.Settings)).Push(scope.Layer(spec.Parameters))

	funcs := st.Funcs
	if len(spec.Parameters) > 0 || len(spec.Settings) > 0 || !spec.InheritParameters || !spec.InheritSettings {
		// The mover's chain differs from the stage's, so the closed-over
		// parameters differ too; the mover gets its own compilation of the
		// stage's specs.
		if funcs, err = fnexpr.Compile(combined, chain); err != nil {
			return nil, &AssemblyError{Stage: doc.Name, Mover: spec.Name, Detail: err.Error(), err: err}
		}
	}

	m := &Mover{
		Name:          spec.Name,
		Stage:         doc.Name,
		Direction:     dir,
		Source:        source,
		Target:        target,
		Method:        spec.Operator.Method,
		Options:       spec.Operator.Options,
		RequiredVars:  spec.RequiredVariables,
		RequiredGrids: spec.RequiredGrids,
		Scope:         chain,
		Funcs:         funcs,
	}

	for _, fname := range spec.Functions {
		op, ok := funcs.Op(fname)
		if !ok {
			return nil, fail(fmt.Sprintf("missing function %q", fname))
		}
		m.Functions = append(m.Functions, op)
	}
	if spec.Objective != "" {
		op, ok := funcs.Op(spec.Objective)
		if !ok {
			return nil, fail(fmt.Sprintf("missing objective function %q", spec.Objective))
		}
		if op.MultiOutput() {
			return nil, fail(fmt.Sprintf("objective %q must be single-output", spec.Objective))
		}
		m.Objective = op
	}
	for _, shName := range spec.Shocks {
		sh, ok := st.Shocks[shName]
		if !ok {
			return nil, fail(fmt.Sprintf("missing shock %q", shName))
		}
		m.Shocks = append(m.Shocks, sh)
	}
	for _, gname := range spec.RequiredGrids {
		if _, inSrc := source.Space.Axis(gname); inSrc {
			continue
		}
		if _, inTgt := target.Space.Axis(gname); inTgt {
			continue
		}
		return nil, fail(fmt.Sprintf("required grid %q is not a dimension of %s or %s", gname, source.Name, target.Name))
	}
	return m, nil
}

// mergeSpecs combines enclosing-scope specs with local ones; local names win.
func mergeSpecs(parent, local []*model.FunctionSpec) []*model.FunctionSpec {
	localNames := make(map[string]struct{}, len(local))
	for _, f := range local {
		localNames[f.Name] = struct{}{}
	}
	out := make([]*model.FunctionSpec, 0, len(parent)+len(local))
	for _, f := range parent {
		if _, shadowed := localNames[f.Name]; !shadowed {
			out = append(out, f)
		}
	}
	return append(out, local...)
}

func assembleConnections(circ *Circuit, specs []*model.ConnectionSpec) error {
	seen := map[string]struct{}{}
	for _, spec := range specs {
		label := fmt.Sprintf("%s.%s->%s.%s", spec.Source, spec.SourcePerch, spec.Target, spec.TargetPerch)
		fail := func(detail string) *AssemblyError {
			return &AssemblyError{Connection: label, Detail: detail}
		}

		srcStage, ok := circ.Stages[spec.Source]
		if !ok {
			return fail(fmt.Sprintf("unknown source stage %q", spec.Source))
		}
		tgtStage, ok := circ.Stages[spec.Target]
		if !ok {
			return fail(fmt.Sprintf("unknown target stage %q", spec.Target))
		}
		srcPerch, ok := srcStage.Perches[spec.SourcePerch]
		if !ok {
			return fail(fmt.Sprintf("unknown source perch %q", spec.SourcePerch))
		}
		tgtPerch, ok := tgtStage.Perches[spec.TargetPerch]
		if !ok {
			return fail(fmt.Sprintf("unknown target perch %q", spec.TargetPerch))
		}
		dir, err := ParseDirection(spec.Direction)
		if err != nil {
			return fail(err.Error())
		}

		// Every target dimension must be the image of some source
		// dimension, either by shared name or through the mapping;
		// otherwise arrays arriving over the wire have no coordinates
		// on the target grid.
		covered := map[string]struct{}{}
		for _, sdim := range srcPerch.Space.Names() {
			name := sdim
			if renamed, ok := spec.Mapping[sdim]; ok {
				name = renamed
			}
			covered[name] = struct{}{}
		}
		for _, tdim := range tgtPerch.Space.Names() {
			if _, ok := covered[tdim]; !ok {
				return fail(fmt.Sprintf("mapping omits target dimension %q of perch %s", tdim, tgtPerch.ID()))
			}
		}

		conn := &Connection{
			SourceStage: spec.Source,
			TargetStage: spec.Target,
			Source:      srcPerch,
			Target:      tgtPerch,
			Direction:   dir,
			Mapping:     spec.Mapping,
		}
		conn.Pairs, err = resolvePeriods(spec, srcPerch, tgtPerch, dir, circ.Horizon)
		if err != nil {
			return fail(err.Error())
		}
		for _, pair := range conn.Pairs {
			key := fmt.Sprintf("%s|%s|%d|%d", srcPerch.ID(), tgtPerch.ID(), pair[0], pair[1])
			if _, dup := seen[key]; dup {
				return fail(fmt.Sprintf("duplicate edge for periods (%d, %d)", pair[0], pair[1]))
			}
			seen[key] = struct{}{}
		}
		circ.Connections = append(circ.Connections, conn)
	}
	return nil
}

// resolvePeriods expands a connection's period bindings. `periods: all`
// derives the offset from the perch pair: continuation-to-arrival stitches
// period t to t+1 (and its backward mirror t to t-1); anything else
// attaches within the same period.
func resolvePeriods(spec *model.ConnectionSpec, src, tgt *Perch, dir Direction, horizon int) ([][2]int, error) {
	if !spec.AllPeriods {
		pairs := make([][2]int, 0, len(spec.SourcePeriods))
		for i := range spec.SourcePeriods {
			s, t := spec.SourcePeriods[i], spec.TargetPeriods[i]
			if s < 0 || s >= horizon || t < 0 || t >= horizon {
				return nil, fmt.Errorf("period pair (%d, %d) outside horizon %d", s, t, horizon)
			}
			pairs = append(pairs, [2]int{s, t})
		}
		return pairs, nil
	}

	var pairs [][2]int
	switch {
	case dir == Forward && src.Rank() == 2 && tgt.Rank() == 0:
		for t := 0; t < horizon-1; t++ {
			pairs = append(pairs, [2]int{t, t + 1})
		}
	case dir == Backward && src.Rank() == 0 && tgt.Rank() == 2:
		for t := 1; t < horizon; t++ {
			pairs = append(pairs, [2]int{t, t - 1})
		}
	default:
		for t := 0; t < horizon; t++ {
			pairs = append(pairs, [2]int{t, t})
		}
	}
	return pairs, nil
}
