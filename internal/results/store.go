package results

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var resultsBucket = []byte("results")

// Store persists result sets in a bolt file, one key per perch holding the
// JSON-encoded column map.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, fmt.Errorf("open results store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init results store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file.
func (st *Store) Close() error { return st.db.Close() }

func perchKey(period int, stage, perch string) []byte {
	return []byte(fmt.Sprintf("p%06d/%s/%s", period, stage, perch))
}

// Save writes a snapshot of the set in one transaction.
func (st *Store) Save(s *Set) error {
	snap := s.Snapshot()
	return st.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resultsBucket)
		for period, stages := range snap {
			for stage, perches := range stages {
				for perch, cols := range perches {
					blob, err := json.Marshal(cols)
					if err != nil {
						return fmt.Errorf("encode %s.%s period %d: %w", stage, perch, period, err)
					}
					if err := b.Put(perchKey(period, stage, perch), blob); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

// Load reads every stored perch back into a fresh set.
func (st *Store) Load() (*Set, error) {
	s := NewSet()
	err := st.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).ForEach(func(k, v []byte) error {
			parts := strings.SplitN(string(k), "/", 3)
			if len(parts) != 3 || len(parts[0]) < 2 || parts[0][0] != 'p' {
				return fmt.Errorf("malformed key %q", k)
			}
			period, err := strconv.Atoi(parts[0][1:])
			if err != nil {
				return fmt.Errorf("malformed key %q: %w", k, err)
			}
			var cols map[string][]float64
			if err := json.Unmarshal(v, &cols); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			s.PutAll(period, parts[1], parts[2], cols)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
