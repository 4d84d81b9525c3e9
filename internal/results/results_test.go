package results

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetPutGet(t *testing.T) {
	s := NewSet()
	s.Put(2, "work", "dcsn", "c", []float64{1, 2, 3})
	s.PutAll(2, "work", "dcsn", map[string][]float64{"vlu": {-1, -2, -3}})

	col, ok := s.Get(2, "work", "dcsn", "c")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, col)

	_, ok = s.Get(2, "work", "dcsn", "ghost")
	assert.False(t, ok)
	_, ok = s.Get(0, "work", "dcsn", "c")
	assert.False(t, ok)

	perch := s.Perch(2, "work", "dcsn")
	assert.Len(t, perch, 2)
	assert.Nil(t, s.Perch(0, "work", "arvl"))
}

func TestSetConcurrentWriters(t *testing.T) {
	s := NewSet()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			s.Put(p, "work", "dcsn", "c", []float64{float64(p)})
		}(p)
	}
	wg.Wait()
	assert.Len(t, s.Periods(), 8)
}

func TestSnapshotDetaches(t *testing.T) {
	s := NewSet()
	col := []float64{1, 2}
	s.Put(0, "work", "arvl", "vlu", col)

	snap := s.Snapshot()
	col[0] = 99
	assert.Equal(t, 1.0, snap[0]["work"]["arvl"]["vlu"][0])
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solve.db")
	st, err := Open(path)
	require.NoError(t, err)

	s := NewSet()
	s.Put(0, "work", "dcsn", "c", []float64{0.5, 1.5})
	s.Put(11, "retire", "arvl", "vlu", []float64{-3})
	require.NoError(t, st.Save(s))
	require.NoError(t, st.Close())

	st, err = Open(path)
	require.NoError(t, err)
	defer st.Close()

	loaded, err := st.Load()
	require.NoError(t, err)
	col, ok := loaded.Get(0, "work", "dcsn", "c")
	require.True(t, ok)
	assert.Equal(t, []float64{0.5, 1.5}, col)
	col, ok = loaded.Get(11, "retire", "arvl", "vlu")
	require.True(t, ok)
	assert.Equal(t, []float64{-3}, col)
}
