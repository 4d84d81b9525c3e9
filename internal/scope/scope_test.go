package scope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMostLocalWins(t *testing.T) {
	master := Layer{"beta": 0.96, "gamma": 2.0}
	stage := Layer{"beta": 0.99}
	chain := Chain{master}.Push(stage)

	v, err := chain.Resolve("beta")
	require.NoError(t, err)
	assert.Equal(t, 0.99, v)

	v, err = chain.Resolve("gamma")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
}

func TestResolveIdempotent(t *testing.T) {
	chain := Chain{Layer{"r": 0.02}}
	first, err := chain.Resolve("r")
	require.NoError(t, err)
	second, err := chain.Resolve("r")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStageOverrideIsScoped(t *testing.T) {
	master := Layer{"beta": 0.96}
	stageA := Chain{master}.Push(Layer{"beta": 0.5})
	stageB := Chain{master}.Push(Layer{})

	a, err := stageA.Resolve("beta")
	require.NoError(t, err)
	b, err := stageB.Resolve("beta")
	require.NoError(t, err)

	assert.Equal(t, 0.5, a)
	assert.Equal(t, 0.96, b, "override in one stage must not leak into another")
}

func TestReferenceMarker(t *testing.T) {
	t.Run("detection", func(t *testing.T) {
		name, ok := Reference([]any{"beta"})
		require.True(t, ok)
		assert.Equal(t, "beta", name)

		name, ok = Reference([]string{"beta"})
		require.True(t, ok)
		assert.Equal(t, "beta", name)

		_, ok = Reference([]any{"a", "b"})
		assert.False(t, ok, "two-element lists are literals")
		_, ok = Reference([]any{1.0})
		assert.False(t, ok)
		_, ok = Reference("beta")
		assert.False(t, ok)
	})

	t.Run("follows to enclosing layer", func(t *testing.T) {
		master := Layer{"master_rate": 0.03}
		mover := Layer{"rate": []any{"master_rate"}}
		chain := Chain{master}.Push(mover)

		v, err := chain.Resolve("rate")
		require.NoError(t, err)
		assert.Equal(t, 0.03, v)
	})

	t.Run("same name skips declaring layer", func(t *testing.T) {
		master := Layer{"beta": 0.96}
		stage := Layer{"beta": []any{"beta"}}
		chain := Chain{master}.Push(stage)

		v, err := chain.Resolve("beta")
		require.NoError(t, err)
		assert.Equal(t, 0.96, v)
	})

	t.Run("cycle is an error", func(t *testing.T) {
		a := Layer{"x": []any{"y"}}
		b := Layer{"y": []any{"x"}, "x": []any{"y"}}
		chain := Chain{b}.Push(a)

		_, err := chain.Resolve("x")
		var resErr *ResolutionError
		require.ErrorAs(t, err, &resErr)
	})
}

func TestResolveUnknownName(t *testing.T) {
	chain := Chain{Layer{"a": 1}}
	_, err := chain.Resolve("nope")
	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, "nope", resErr.Name)
}

func TestResolveValuePassthrough(t *testing.T) {
	chain := Chain{Layer{"n": 5}}

	v, err := chain.ResolveValue(3.14)
	require.NoError(t, err)
	assert.Equal(t, 3.14, v)

	v, err = chain.ResolveValue([]any{"n"})
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestCoercion(t *testing.T) {
	f, err := Float(3)
	require.NoError(t, err)
	assert.Equal(t, 3.0, f)

	f, err = Float(2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)

	_, err = Float("x")
	assert.Error(t, err)

	n, err := Int(7.0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = Int(7.5)
	assert.Error(t, err)
}

func TestCache(t *testing.T) {
	chain := Chain{Layer{"beta": 0.96}}
	cache := NewCache(chain)

	v, err := cache.Resolve("beta")
	require.NoError(t, err)
	assert.Equal(t, 0.96, v)

	// Second hit comes from the memo and must agree.
	v2, err := cache.Resolve("beta")
	require.NoError(t, err)
	assert.Equal(t, v, v2)

	_, err = cache.Resolve("missing")
	assert.Error(t, err)
}
