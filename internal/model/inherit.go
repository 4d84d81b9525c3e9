package model

import (
	"fmt"

	"github.com/vk/stagegrid/internal/scope"
)

// ResolveInheritance flattens function inheritance against a registry of
// already-flat parent specs (the enclosing scope's functions). Fields are
// copied from the parent first, then overwritten by anything given
// locally; locals always win. The returned specs carry no Inherit link.
func ResolveInheritance(local []*FunctionSpec, parents map[string]*FunctionSpec) ([]*FunctionSpec, error) {
	out := make([]*FunctionSpec, 0, len(local))
	for _, f := range local {
		flat, err := flatten(f, parents)
		if err != nil {
			return nil, err
		}
		out = append(out, flat)
	}
	return out, nil
}

func flatten(f *FunctionSpec, parents map[string]*FunctionSpec) (*FunctionSpec, error) {
	if f.Inherit == nil {
		cp := *f
		return &cp, nil
	}

	parentName := f.Inherit.Parent
	if f.Inherit.SameName {
		parentName = f.Name
	}
	parent, ok := parents[parentName]
	if !ok {
		return nil, fmt.Errorf("function %q: %w", f.Name,
			&scope.ResolutionError{Name: parentName, Detail: "no such function in enclosing scope"})
	}
	if parent.Inherit != nil {
		return nil, fmt.Errorf("function %q: parent %q is not flat", f.Name, parentName)
	}

	flat := &FunctionSpec{
		Name:        f.Name,
		Expr:        parent.Expr,
		Compilation: parent.Compilation,
		Description: parent.Description,
	}
	flat.Outputs = append(flat.Outputs, parent.Outputs...)
	flat.Inputs = append(flat.Inputs, parent.Inputs...)

	// Local overrides. A local expr replaces inherited outputs and vice
	// versa, since the two forms are mutually exclusive.
	if f.Expr != "" {
		flat.Expr = f.Expr
		flat.Outputs = nil
	}
	if len(f.Outputs) > 0 {
		flat.Outputs = mergeOutputs(flat.Outputs, f.Outputs)
		flat.Expr = ""
	}
	if len(f.Inputs) > 0 {
		flat.Inputs = append([]string(nil), f.Inputs...)
	}
	if f.Compilation != "" {
		flat.Compilation = f.Compilation
	}
	if f.Description != "" {
		flat.Description = f.Description
	}

	if flat.Expr != "" && len(flat.Outputs) > 0 {
		return nil, fmt.Errorf("function %q: conflicting inheritance: both expr and named outputs after merge", f.Name)
	}
	return flat, nil
}

// mergeOutputs overwrites parent outputs per name, appending outputs the
// parent did not declare.
func mergeOutputs(parent, local []Output) []Output {
	merged := append([]Output(nil), parent...)
	for _, lo := range local {
		replaced := false
		for i, po := range merged {
			if po.Name == lo.Name {
				merged[i] = lo
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, lo)
		}
	}
	return merged
}

// Registry indexes flat specs by name.
func Registry(specs []*FunctionSpec) map[string]*FunctionSpec {
	m := make(map[string]*FunctionSpec, len(specs))
	for _, f := range specs {
		m[f.Name] = f
	}
	return m
}
