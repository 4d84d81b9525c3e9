// Package model holds the typed document model. An external parser hands
// the system nested key-value documents (one master, one per stage, one for
// connections); this package decodes them into specs with validated keys
// and normalizes the three function-inheritance syntaxes into one tagged
// union, resolved exactly once at assembly time.
package model

// Document is a nested key-value document as delivered by the parser.
type Document map[string]any

// InheritKind tags the three ways a function block may be written.
type InheritKind int

const (
	// Literal: expression text (or named outputs) given inline.
	Literal InheritKind = iota
	// Reference: a bare identifier or a reference marker naming a parent
	// FunctionSpec to copy verbatim.
	Reference
	// Override: an explicit object with an `inherit` key plus zero or
	// more locally overridden fields.
	Override
)

// InheritSpec links a FunctionSpec to a parent in an enclosing scope.
type InheritSpec struct {
	Kind InheritKind
	// Parent names the parent spec. Empty with SameName set means
	// "the parent spec with my own name".
	Parent   string
	SameName bool
}

// Output is one named output of a multi-output FunctionSpec.
type Output struct {
	Name string
	Expr string
}

// FunctionSpec is a named mathematical rule, single-output (Expr) or
// multi-output (Outputs). Once compiled it is a pure numeric function of
// its inputs plus closed-over parameters.
type FunctionSpec struct {
	Name        string
	Expr        string
	Outputs     []Output
	Inputs      []string
	Compilation string
	Description string
	Inherit     *InheritSpec
}

// MultiOutput reports whether the spec declares named outputs.
func (f *FunctionSpec) MultiOutput() bool { return len(f.Outputs) > 0 }

// GridSpec describes one dimension's coordinate array.
type GridSpec struct {
	Type         string
	Min          any
	Max          any
	Points       any
	Start        any
	Stop         any
	Step         any
	Values       []any
	GrowthFactor any
	Base         any
	Expr         string
	Transform    string
}

// Dimension is one named axis of a perch's state space.
type Dimension struct {
	Name string
	Grid *GridSpec
}

// PerchSpec declares a perch's state space. Dimensions combine into a full
// tensor mesh unless NoMesh keeps them as paired parallel arrays.
type PerchSpec struct {
	Name       string
	Dimensions []Dimension
	NoMesh     bool
}

// PointMass mixes a mass point into a discretized continuous shock.
type PointMass struct {
	Value any
	Prob  any
}

// ShockSpec declares a stochastic process attached to a stage.
type ShockSpec struct {
	Name      string
	Type      string
	Mu        any
	Sigma     any
	Points    int
	Values    []any
	Probs     []any
	Matrix    [][]any
	PointMass *PointMass
}

// OperatorSpec selects the numerical method a mover dispatches to, plus
// method-specific options (control, choices, lower, upper, constrained,
// integrands, tolerance, max_iter).
type OperatorSpec struct {
	Method  string
	Options map[string]any
}

// MoverSpec is a directed edge between two perches of one stage.
type MoverSpec struct {
	Name              string
	Type              string // forward | backward
	Source            string
	Target            string
	Functions         []string
	Operator          OperatorSpec
	Shocks            []string
	Objective         string
	RequiredVariables []string
	RequiredGrids     []string
	InheritParameters bool
	InheritSettings   bool
	Parameters        map[string]any
	Settings          map[string]any
}

// ConnectionSpec stitches perches across stages and periods.
type ConnectionSpec struct {
	Source        string
	Target        string
	Direction     string
	SourcePerch   string
	TargetPerch   string
	Mapping       map[string]string
	AllPeriods    bool
	SourcePeriods []int
	TargetPeriods []int
}

// StageDoc is one self-contained period sub-model.
type StageDoc struct {
	Name       string
	Parameters map[string]any
	Settings   map[string]any
	Functions  []*FunctionSpec
	Shocks     []*ShockSpec
	Perches    map[string]*PerchSpec
	Movers     []*MoverSpec
	Stationary bool
}

// MasterDoc carries the outermost scope and the model horizon.
type MasterDoc struct {
	Parameters map[string]any
	Settings   map[string]any
	Functions  []*FunctionSpec
	Horizon    int
}

// Canonical perch names, in forward order.
const (
	PerchArvl = "arvl"
	PerchDcsn = "dcsn"
	PerchCntn = "cntn"
)

// PerchRank orders the canonical perches along a stage's internal flow.
// Unknown names rank -1.
func PerchRank(name string) int {
	switch name {
	case PerchArvl:
		return 0
	case PerchDcsn:
		return 1
	case PerchCntn:
		return 2
	}
	return -1
}
