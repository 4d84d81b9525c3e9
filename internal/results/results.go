// Package results holds solved arrays keyed by period, stage, perch, and
// variable name, safe for concurrent movers, plus a bolt-backed store for
// persisting a finished solve.
package results

import "sync"

// Set is the in-memory result store. Columns are keyed
// period → stage → perch → variable and hold one value per grid point of
// the owning perch.
type Set struct {
	mu   sync.RWMutex
	data map[int]map[string]map[string]map[string][]float64
}

// NewSet returns an empty result set.
func NewSet() *Set {
	return &Set{data: map[int]map[string]map[string]map[string][]float64{}}
}

// Put stores one column, replacing any previous value.
func (s *Set) Put(period int, stage, perch, name string, col []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perchLocked(period, stage, perch)[name] = col
}

// PutAll stores a batch of columns on one perch.
func (s *Set) PutAll(period int, stage, perch string, cols map[string][]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := s.perchLocked(period, stage, perch)
	for name, col := range cols {
		dst[name] = col
	}
}

func (s *Set) perchLocked(period int, stage, perch string) map[string][]float64 {
	st, ok := s.data[period]
	if !ok {
		st = map[string]map[string]map[string][]float64{}
		s.data[period] = st
	}
	pc, ok := st[stage]
	if !ok {
		pc = map[string]map[string][]float64{}
		st[stage] = pc
	}
	cols, ok := pc[perch]
	if !ok {
		cols = map[string][]float64{}
		pc[perch] = cols
	}
	return cols
}

// Get returns one column. The slice is shared; callers must not mutate it.
func (s *Set) Get(period int, stage, perch, name string) ([]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.data[period][stage][perch][name]
	return col, ok
}

// Perch returns a shallow copy of the column map for one perch; nil when
// nothing has been stored there.
func (s *Set) Perch(period int, stage, perch string) map[string][]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.data[period][stage][perch]
	if !ok {
		return nil
	}
	out := make(map[string][]float64, len(src))
	for name, col := range src {
		out[name] = col
	}
	return out
}

// Periods lists periods holding data, unordered.
func (s *Set) Periods() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.data))
	for p := range s.data {
		out = append(out, p)
	}
	return out
}

// Snapshot deep-copies the whole set, detaching it from further writes.
func (s *Set) Snapshot() map[int]map[string]map[string]map[string][]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]map[string]map[string]map[string][]float64, len(s.data))
	for p, stages := range s.data {
		outStages := make(map[string]map[string]map[string][]float64, len(stages))
		for st, perches := range stages {
			outPerches := make(map[string]map[string][]float64, len(perches))
			for pc, cols := range perches {
				outCols := make(map[string][]float64, len(cols))
				for name, col := range cols {
					cp := make([]float64, len(col))
					copy(cp, col)
					outCols[name] = cp
				}
				outPerches[pc] = outCols
			}
			outStages[st] = outPerches
		}
		out[p] = outStages
	}
	return out
}
