package app

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegrid/internal/results"
)

func writeModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	write("master.yaml", `
horizon: 2
parameters:
  beta: 0.95
  gamma: 2.0
  R: 1.03
`)
	write("consav.yaml", `
name: consav
functions:
  rule:
    c: pow(beta * R * lambda_next, -1 / gamma)
    m: c + a
    inputs: [a, lambda_next]
  marg:
    lambda: pow(c, -gamma)
    inputs: [c]
  cons:
    c: m
    inputs: [m]
  m:
    expr: R * a + y
    inputs: [a, y]
shocks:
  y:
    type: discrete
    values: [0.8, 1.2]
    probs: [0.5, 0.5]
perches:
  arvl:
    dimensions: [{name: a, type: linspace, min: 0.0, max: 12.0, points: 20}]
  dcsn:
    dimensions: [{name: m, type: linspace, min: 0.1, max: 15.0, points: 30}]
  cntn:
    dimensions: [{name: a, type: linspace, min: 0.0, max: 12.0, points: 20}]
movers:
  solve_c:
    type: backward
    source: cntn
    target: dcsn
    functions: [rule, marg]
    operator:
      method: egm
      control: c
      constrained: cons
  expect:
    type: backward
    source: dcsn
    target: arvl
    functions: [m]
    shocks: [y]
    operator:
      method: integration
`)
	write("connections.yaml", `
connections:
  - source: consav
    target: consav
    direction: backward
    source_perch_attr: arvl
    target_perch_attr: cntn
    mapping:
      lambda: lambda_next
    periods: all
`)
	return dir
}

func TestNewRequiresModelPath(t *testing.T) {
	_, err := New(io.Discard, &Config{})
	assert.ErrorContains(t, err, "ModelPath")
}

func TestLoggerRespectsConfig(t *testing.T) {
	var buf bytes.Buffer
	newLogger("debug", "json", &buf).Debug("grid built", "points", 30)
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)
	assert.Contains(t, buf.String(), `"points":30`)

	buf.Reset()
	newLogger("warn", "text", &buf).Info("grid built")
	assert.Empty(t, buf.String(), "info is below the configured level")

	// Unknown level strings fall back to info.
	buf.Reset()
	newLogger("verbose", "text", &buf).Info("grid built")
	assert.Contains(t, buf.String(), "grid built")
}

func TestHorizonOverride(t *testing.T) {
	dir := writeModel(t)
	a, err := New(io.Discard, &Config{ModelPath: dir, Horizon: 4, LogLevel: "error"})
	require.NoError(t, err)

	circ, err := a.Assemble(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, circ.Horizon)
	// The decoded documents keep the declared horizon.
	assert.Equal(t, 2, a.Model().Master.Horizon)
}

func TestRunEndToEnd(t *testing.T) {
	dir := writeModel(t)
	dbPath := filepath.Join(dir, "solve.db")

	a, err := New(io.Discard, &Config{
		ModelPath:   dir,
		ResultsPath: dbPath,
		Workers:     2,
		LogLevel:    "error",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Model().Master.Horizon)

	set, err := a.Run(context.Background())
	require.NoError(t, err)

	// The terminal policy consumes the full budget on the exogenous grid.
	c1, ok := set.Get(1, "consav", "dcsn", "c")
	require.True(t, ok)
	circ, err := a.Assemble(context.Background())
	require.NoError(t, err)
	mCol, _ := circ.Stages["consav"].Perches["dcsn"].Space.Column("m")
	assert.Equal(t, mCol, c1)

	// First-period marginal values reached the arrival perch.
	lambda0, ok := set.Get(0, "consav", "arvl", "lambda")
	require.True(t, ok)
	assert.Len(t, lambda0, 20)

	t.Run("persisted results reload", func(t *testing.T) {
		store, err := results.Open(dbPath)
		require.NoError(t, err)
		defer store.Close()

		loaded, err := store.Load()
		require.NoError(t, err)
		got, ok := loaded.Get(1, "consav", "dcsn", "c")
		require.True(t, ok)
		assert.Equal(t, c1, got)
	})
}
