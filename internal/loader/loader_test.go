package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestParseDocumentNormalizesKeys(t *testing.T) {
	doc, err := ParseDocument([]byte(`
parameters:
  beta: 0.96
  grids:
    points: [5, 10]
`))
	require.NoError(t, err)

	params, ok := doc["parameters"].(map[string]any)
	require.True(t, ok, "nested maps must be string-keyed after normalization")
	assert.Equal(t, 0.96, params["beta"])
	grids, ok := params["grids"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{5, 10}, grids["points"])
}

func TestParseDocumentRejectsNonStringKeys(t *testing.T) {
	_, err := ParseDocument([]byte("1: one\n"))
	assert.ErrorContains(t, err, "not a string")
}

func TestLoadModel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "master.yaml", `
horizon: 3
parameters:
  beta: 0.96
functions:
  u:
    expr: ln(c)
    inputs: [c]
`)
	writeFile(t, dir, "work.yaml", `
name: work
parameters:
  m_top: 10.0
functions:
  rule:
    c: pow(beta * lambda_next, -1)
    m: c + a
    inputs: [a, lambda_next]
shocks:
  y:
    type: discrete
    values: [0.9, 1.1]
    probs: [0.5, 0.5]
perches:
  arvl:
    dimensions:
      - name: m
        type: linspace
        min: 0.1
        max: [m_top]
        points: 5
  dcsn:
    dimensions:
      - name: m
        type: linspace
        min: 0.1
        max: [m_top]
        points: 5
  cntn:
    dimensions:
      - name: a
        type: linspace
        min: 0.0
        max: [m_top]
        points: 5
movers:
  solve:
    type: backward
    source: cntn
    target: dcsn
    functions: [rule]
    operator:
      method: egm
      control: c
`)
	writeFile(t, dir, "connections.yaml", `
connections:
  - source: work
    target: work
    direction: backward
    source_perch_attr: arvl
    target_perch_attr: cntn
    mapping:
      lambda: lambda_next
    periods: all
`)

	m, err := LoadModel(dir)
	require.NoError(t, err)

	assert.Equal(t, 3, m.Master.Horizon)
	assert.Equal(t, 0.96, m.Master.Parameters["beta"])
	require.Len(t, m.Master.Functions, 1)
	assert.Equal(t, "u", m.Master.Functions[0].Name)

	require.Len(t, m.Stages, 1)
	st := m.Stages[0]
	assert.Equal(t, "work", st.Name)
	require.Len(t, st.Functions, 1)
	assert.True(t, st.Functions[0].MultiOutput())
	require.Len(t, st.Movers, 1)
	assert.Equal(t, "egm", st.Movers[0].Operator.Method)
	assert.Equal(t, "c", st.Movers[0].Operator.Options["control"])

	// The reference marker in a grid bound survives the round trip.
	maxVal := st.Perches["arvl"].Dimensions[0].Grid.Max
	assert.Equal(t, []any{"m_top"}, maxVal)

	require.Len(t, m.Connections, 1)
	assert.True(t, m.Connections[0].AllPeriods)
	assert.Equal(t, map[string]string{"lambda": "lambda_next"}, m.Connections[0].Mapping)
}

func TestLoadModelRequiresMaster(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "work.yaml", "name: work\n")
	_, err := LoadModel(dir)
	assert.ErrorContains(t, err, "no master document")
}

func TestStageNameFallsBackToFilename(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "master.yaml", "horizon: 1\n")
	writeFile(t, dir, "retire.yaml", `
functions:
  cons:
    c: m
    inputs: [m]
perches:
  arvl:
    dimensions: [{name: m, type: linspace, min: 0.0, max: 1.0, points: 2}]
  dcsn:
    dimensions: [{name: m, type: linspace, min: 0.0, max: 1.0, points: 2}]
  cntn:
    dimensions: [{name: a, type: linspace, min: 0.0, max: 1.0, points: 2}]
movers:
  solve:
    type: backward
    source: cntn
    target: dcsn
    functions: [cons]
    operator:
      method: egm
      control: c
      constrained: cons
`)

	m, err := LoadModel(dir)
	require.NoError(t, err)
	require.Len(t, m.Stages, 1)
	assert.Equal(t, "retire", m.Stages[0].Name)
}
