package model

import (
	"fmt"
	"sort"

	"github.com/vk/stagegrid/internal/scope"
)

// reserved keys inside a function block; every other string-valued key is
// a named output.
var functionReserved = map[string]bool{
	"expr":        true,
	"inherit":     true,
	"compilation": true,
	"inputs":      true,
	"description": true,
}

// DecodeFunction decodes one function block. Three forms are accepted:
// a bare identifier or reference marker naming a parent spec, or an
// object with expr / named outputs / inherit.
func DecodeFunction(name string, raw any) (*FunctionSpec, error) {
	spec := &FunctionSpec{Name: name}

	if parent, ok := scope.Reference(raw); ok {
		spec.Inherit = &InheritSpec{Kind: Reference, Parent: parent}
		return spec, nil
	}
	if parent, ok := raw.(string); ok {
		spec.Inherit = &InheritSpec{Kind: Reference, Parent: parent}
		return spec, nil
	}

	block, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("function %q: expected object, identifier, or reference marker, got %T", name, raw)
	}

	if inh, present := block["inherit"]; present {
		is := &InheritSpec{Kind: Override}
		switch v := inh.(type) {
		case bool:
			if !v {
				return nil, fmt.Errorf("function %q: inherit: false is meaningless", name)
			}
			is.SameName = true
		case string:
			is.Parent = v
		default:
			if parent, ok := scope.Reference(inh); ok {
				is.Parent = parent
			} else {
				return nil, fmt.Errorf("function %q: inherit must be true, a name, or a reference marker, got %T", name, inh)
			}
		}
		spec.Inherit = is
	}

	if v, present := block["expr"]; present {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("function %q: expr must be a string, got %T", name, v)
		}
		spec.Expr = s
	}
	if v, present := block["compilation"]; present {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("function %q: compilation must be a string, got %T", name, v)
		}
		spec.Compilation = s
	}
	if v, present := block["description"]; present {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("function %q: description must be a string, got %T", name, v)
		}
		spec.Description = s
	}
	if v, present := block["inputs"]; present {
		inputs, err := stringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("function %q: inputs: %w", name, err)
		}
		spec.Inputs = inputs
	}

	// Remaining string-valued keys are named outputs. Sorted for
	// deterministic decode; the compiler reorders by output dependency.
	outNames := make([]string, 0, len(block))
	for k, v := range block {
		if functionReserved[k] {
			continue
		}
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("function %q: output %q must be an expression string, got %T", name, k, v)
		}
		outNames = append(outNames, k)
	}
	sort.Strings(outNames)
	for _, k := range outNames {
		spec.Outputs = append(spec.Outputs, Output{Name: k, Expr: block[k].(string)})
	}

	if spec.Expr != "" && len(spec.Outputs) > 0 {
		return nil, fmt.Errorf("function %q: expr and named outputs are mutually exclusive", name)
	}
	if spec.Expr == "" && len(spec.Outputs) == 0 && spec.Inherit == nil {
		return nil, fmt.Errorf("function %q: no expr, outputs, or inherit given", name)
	}
	return spec, nil
}

// DecodeGrid decodes one grid block.
func DecodeGrid(raw any) (*GridSpec, error) {
	block, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("grid: expected object, got %T", raw)
	}
	g := &GridSpec{}
	typ, ok := block["type"].(string)
	if !ok {
		return nil, fmt.Errorf("grid: missing required key %q", "type")
	}
	g.Type = typ
	g.Min = block["min"]
	g.Max = block["max"]
	g.Start = block["start"]
	g.Stop = block["stop"]
	g.Step = block["step"]
	g.GrowthFactor = block["growth_factor"]
	g.Base = block["base"]
	// points may be a literal or a reference marker; resolved at build time.
	g.Points = block["points"]
	if v, present := block["values"]; present {
		vals, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("grid: values must be a list, got %T", v)
		}
		g.Values = vals
	}
	if v, present := block["expr"]; present {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("grid: expr must be a string, got %T", v)
		}
		g.Expr = s
	}
	if v, present := block["transform"]; present {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("grid: transform must be a string, got %T", v)
		}
		g.Transform = s
	}
	return g, nil
}

// DecodePerch decodes one perch block with its ordered dimension list.
func DecodePerch(name string, raw any) (*PerchSpec, error) {
	block, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("perch %q: expected object, got %T", name, raw)
	}
	p := &PerchSpec{Name: name}
	if v, present := block["no_mesh"]; present {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("perch %q: no_mesh must be a bool, got %T", name, v)
		}
		p.NoMesh = b
	}
	dims, ok := block["dimensions"].([]any)
	if !ok {
		return nil, fmt.Errorf("perch %q: missing required key %q", name, "dimensions")
	}
	for i, d := range dims {
		dm, ok := d.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("perch %q: dimension %d: expected object, got %T", name, i, d)
		}
		dimName, ok := dm["name"].(string)
		if !ok {
			return nil, fmt.Errorf("perch %q: dimension %d: missing required key %q", name, i, "name")
		}
		gridRaw := make(map[string]any, len(dm))
		for k, v := range dm {
			if k != "name" {
				gridRaw[k] = v
			}
		}
		grid, err := DecodeGrid(gridRaw)
		if err != nil {
			return nil, fmt.Errorf("perch %q: dimension %q: %w", name, dimName, err)
		}
		p.Dimensions = append(p.Dimensions, Dimension{Name: dimName, Grid: grid})
	}
	return p, nil
}

// DecodeShock decodes one shock block.
func DecodeShock(name string, raw any) (*ShockSpec, error) {
	block, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("shock %q: expected object, got %T", name, raw)
	}
	s := &ShockSpec{Name: name}
	typ, ok := block["type"].(string)
	if !ok {
		return nil, fmt.Errorf("shock %q: missing required key %q", name, "type")
	}
	s.Type = typ
	s.Mu = block["mu"]
	s.Sigma = block["sigma"]
	if v, present := block["points"]; present {
		n, err := scope.Int(v)
		if err != nil {
			return nil, fmt.Errorf("shock %q: points: %w", name, err)
		}
		s.Points = n
	}
	if v, present := block["values"]; present {
		vals, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("shock %q: values must be a list, got %T", name, v)
		}
		s.Values = vals
	}
	if v, present := block["probs"]; present {
		vals, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("shock %q: probs must be a list, got %T", name, v)
		}
		s.Probs = vals
	}
	if v, present := block["matrix"]; present {
		rows, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("shock %q: matrix must be a list of rows, got %T", name, v)
		}
		for i, r := range rows {
			row, ok := r.([]any)
			if !ok {
				return nil, fmt.Errorf("shock %q: matrix row %d must be a list, got %T", name, i, r)
			}
			s.Matrix = append(s.Matrix, row)
		}
	}
	if v, present := block["point_mass"]; present {
		pm, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("shock %q: point_mass must be an object, got %T", name, v)
		}
		s.PointMass = &PointMass{Value: pm["value"], Prob: pm["prob"]}
	}
	return s, nil
}

// DecodeMover decodes one mover block.
func DecodeMover(name string, raw any) (*MoverSpec, error) {
	block, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mover %q: expected object, got %T", name, raw)
	}
	m := &MoverSpec{Name: name, InheritParameters: true, InheritSettings: true}

	for _, key := range []string{"type", "source", "target"} {
		v, ok := block[key].(string)
		if !ok {
			return nil, fmt.Errorf("mover %q: missing required key %q", name, key)
		}
		switch key {
		case "type":
			m.Type = v
		case "source":
			m.Source = v
		case "target":
			m.Target = v
		}
	}
	if m.Type != "forward" && m.Type != "backward" {
		return nil, fmt.Errorf("mover %q: type must be %q or %q, got %q", name, "forward", "backward", m.Type)
	}

	fns, present := block["functions"]
	if !present {
		return nil, fmt.Errorf("mover %q: missing required key %q", name, "functions")
	}
	names, err := stringSlice(fns)
	if err != nil {
		return nil, fmt.Errorf("mover %q: functions: %w", name, err)
	}
	m.Functions = names

	opRaw, present := block["operator"]
	if !present {
		return nil, fmt.Errorf("mover %q: missing required key %q", name, "operator")
	}
	opBlock, ok := opRaw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mover %q: operator must be an object, got %T", name, opRaw)
	}
	method, ok := opBlock["method"].(string)
	if !ok {
		return nil, fmt.Errorf("mover %q: operator: missing required key %q", name, "method")
	}
	m.Operator.Method = method
	m.Operator.Options = make(map[string]any, len(opBlock)-1)
	for k, v := range opBlock {
		if k != "method" {
			m.Operator.Options[k] = v
		}
	}

	if v, present := block["shocks"]; present {
		shocks, err := stringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("mover %q: shocks: %w", name, err)
		}
		m.Shocks = shocks
	}
	if v, present := block["objective"]; present {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("mover %q: objective must be a string, got %T", name, v)
		}
		m.Objective = s
	}
	if v, present := block["required_variables"]; present {
		vars, err := stringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("mover %q: required_variables: %w", name, err)
		}
		m.RequiredVariables = vars
	}
	if v, present := block["required_grids"]; present {
		grids, err := stringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("mover %q: required_grids: %w", name, err)
		}
		m.RequiredGrids = grids
	}
	if v, present := block["inherit_parameters"]; present {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("mover %q: inherit_parameters must be a bool, got %T", name, v)
		}
		m.InheritParameters = b
	}
	if v, present := block["inherit_settings"]; present {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("mover %q: inherit_settings must be a bool, got %T", name, v)
		}
		m.InheritSettings = b
	}
	if v, present := block["parameters"]; present {
		params, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("mover %q: parameters must be an object, got %T", name, v)
		}
		m.Parameters = params
	}
	if v, present := block["settings"]; present {
		settings, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("mover %q: settings must be an object, got %T", name, v)
		}
		m.Settings = settings
	}
	return m, nil
}

// DecodeConnection decodes one connection block.
func DecodeConnection(raw any) (*ConnectionSpec, error) {
	block, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("connection: expected object, got %T", raw)
	}
	c := &ConnectionSpec{}
	for _, key := range []string{"source", "target", "direction", "source_perch_attr", "target_perch_attr"} {
		v, ok := block[key].(string)
		if !ok {
			return nil, fmt.Errorf("connection: missing required key %q", key)
		}
		switch key {
		case "source":
			c.Source = v
		case "target":
			c.Target = v
		case "direction":
			c.Direction = v
		case "source_perch_attr":
			c.SourcePerch = v
		case "target_perch_attr":
			c.TargetPerch = v
		}
	}
	if c.Direction != "forward" && c.Direction != "backward" {
		return nil, fmt.Errorf("connection %s->%s: direction must be %q or %q, got %q",
			c.Source, c.Target, "forward", "backward", c.Direction)
	}

	mapping, ok := block["mapping"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("connection %s->%s: missing required key %q", c.Source, c.Target, "mapping")
	}
	c.Mapping = make(map[string]string, len(mapping))
	for k, v := range mapping {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("connection %s->%s: mapping[%q] must be a string, got %T", c.Source, c.Target, k, v)
		}
		c.Mapping[k] = s
	}

	if v, present := block["periods"]; present {
		s, ok := v.(string)
		if !ok || s != "all" {
			return nil, fmt.Errorf("connection %s->%s: periods must be %q, got %v", c.Source, c.Target, "all", v)
		}
		c.AllPeriods = true
		return c, nil
	}
	src, srcOK := block["source_periods"]
	tgt, tgtOK := block["target_periods"]
	if !srcOK || !tgtOK {
		return nil, fmt.Errorf("connection %s->%s: requires periods or source_periods/target_periods", c.Source, c.Target)
	}
	var err error
	if c.SourcePeriods, err = intSlice(src); err != nil {
		return nil, fmt.Errorf("connection %s->%s: source_periods: %w", c.Source, c.Target, err)
	}
	if c.TargetPeriods, err = intSlice(tgt); err != nil {
		return nil, fmt.Errorf("connection %s->%s: target_periods: %w", c.Source, c.Target, err)
	}
	if len(c.SourcePeriods) != len(c.TargetPeriods) {
		return nil, fmt.Errorf("connection %s->%s: source_periods and target_periods must pair up (%d vs %d)",
			c.Source, c.Target, len(c.SourcePeriods), len(c.TargetPeriods))
	}
	return c, nil
}

// DecodeConnections decodes the connections document, either a bare list
// or an object with a `connections` key.
func DecodeConnections(doc any) ([]*ConnectionSpec, error) {
	list, ok := doc.([]any)
	if !ok {
		obj, objOK := doc.(map[string]any)
		if !objOK {
			if d, dOK := doc.(Document); dOK {
				obj, objOK = map[string]any(d), true
			}
		}
		if !objOK {
			return nil, fmt.Errorf("connections: expected list or object, got %T", doc)
		}
		list, ok = obj["connections"].([]any)
		if !ok {
			return nil, fmt.Errorf("connections: missing required key %q", "connections")
		}
	}
	out := make([]*ConnectionSpec, 0, len(list))
	for i, raw := range list {
		c, err := DecodeConnection(raw)
		if err != nil {
			return nil, fmt.Errorf("connection %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// DecodeStage decodes one stage document.
func DecodeStage(name string, doc Document) (*StageDoc, error) {
	st := &StageDoc{
		Name:       name,
		Parameters: mapAt(doc, "parameters"),
		Settings:   mapAt(doc, "settings"),
		Perches:    make(map[string]*PerchSpec),
	}
	if v, present := doc["stationary"]; present {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("stage %q: stationary must be a bool, got %T", name, v)
		}
		st.Stationary = b
	}

	fns, err := decodeFunctionMap(doc["functions"])
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", name, err)
	}
	st.Functions = fns

	if raw, present := doc["shocks"]; present {
		shockMap, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("stage %q: shocks must be an object, got %T", name, raw)
		}
		for _, k := range sortedKeys(shockMap) {
			s, err := DecodeShock(k, shockMap[k])
			if err != nil {
				return nil, fmt.Errorf("stage %q: %w", name, err)
			}
			st.Shocks = append(st.Shocks, s)
		}
	}

	perchMap, ok := doc["perches"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stage %q: missing required key %q", name, "perches")
	}
	for _, canonical := range []string{PerchArvl, PerchDcsn, PerchCntn} {
		raw, present := perchMap[canonical]
		if !present {
			return nil, fmt.Errorf("stage %q: missing canonical perch %q", name, canonical)
		}
		p, err := DecodePerch(canonical, raw)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", name, err)
		}
		st.Perches[canonical] = p
	}

	moverMap, ok := doc["movers"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stage %q: missing required key %q", name, "movers")
	}
	for _, k := range sortedKeys(moverMap) {
		m, err := DecodeMover(k, moverMap[k])
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", name, err)
		}
		st.Movers = append(st.Movers, m)
	}
	return st, nil
}

// DecodeMaster decodes the master document.
func DecodeMaster(doc Document) (*MasterDoc, error) {
	m := &MasterDoc{
		Parameters: mapAt(doc, "parameters"),
		Settings:   mapAt(doc, "settings"),
	}
	fns, err := decodeFunctionMap(doc["functions"])
	if err != nil {
		return nil, fmt.Errorf("master: %w", err)
	}
	m.Functions = fns

	if v, present := doc["horizon"]; present {
		n, err := scope.Int(v)
		if err != nil {
			return nil, fmt.Errorf("master: horizon: %w", err)
		}
		m.Horizon = n
	}
	if m.Horizon <= 0 {
		return nil, fmt.Errorf("master: horizon must be a positive integer, got %d", m.Horizon)
	}
	return m, nil
}

func decodeFunctionMap(raw any) ([]*FunctionSpec, error) {
	if raw == nil {
		return nil, nil
	}
	fnMap, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("functions must be an object, got %T", raw)
	}
	out := make([]*FunctionSpec, 0, len(fnMap))
	for _, k := range sortedKeys(fnMap) {
		f, err := DecodeFunction(k, fnMap[k])
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func mapAt(doc Document, key string) map[string]any {
	if m, ok := doc[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringSlice(v any) ([]string, error) {
	switch s := v.(type) {
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for i, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("element %d: expected string, got %T", i, e)
			}
			out = append(out, str)
		}
		return out, nil
	case string:
		return []string{s}, nil
	}
	return nil, fmt.Errorf("expected string list, got %T", v)
}

func intSlice(v any) ([]int, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected integer list, got %T", v)
	}
	out := make([]int, 0, len(list))
	for i, e := range list {
		n, err := scope.Int(e)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}
