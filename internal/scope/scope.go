// Package scope implements the layered lookup used everywhere a model
// document names a parameter, setting, or function: mover scope first, then
// stage, then master. Layers are plain key-value maps; the chain is ordered
// most-local-first and a binding in an inner layer always wins.
package scope

import (
	"fmt"
	"sync"
)

// maxHops bounds transitive reference-marker resolution so a marker cycle
// surfaces as an error instead of a hang.
const maxHops = 32

// Layer is one level of bindings (master, stage, or mover).
type Layer map[string]any

// Chain is an ordered list of layers, most specific first.
type Chain []Layer

// Push returns a new chain with l as the most local layer. Nil layers are
// skipped so callers can push optional mover-level maps unconditionally.
func (c Chain) Push(l Layer) Chain {
	if l == nil {
		return c
	}
	out := make(Chain, 0, len(c)+1)
	out = append(out, l)
	out = append(out, c...)
	return out
}

// ResolutionError reports a name that could not be bound at any level of
// the chain, or a malformed reference.
type ResolutionError struct {
	Name   string
	Detail string
}

func (e *ResolutionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unresolved reference %q", e.Name)
	}
	return fmt.Sprintf("unresolved reference %q: %s", e.Name, e.Detail)
}

// Reference reports whether v is a reference marker: a single-element list
// whose only element is a string naming a binding in an enclosing scope.
func Reference(v any) (string, bool) {
	switch s := v.(type) {
	case []string:
		if len(s) == 1 {
			return s[0], true
		}
	case []any:
		if len(s) == 1 {
			if name, ok := s[0].(string); ok {
				return name, true
			}
		}
	}
	return "", false
}

// Lookup returns the first raw binding for name, without following
// reference markers.
func (c Chain) Lookup(name string) (any, bool) {
	for _, layer := range c {
		if v, ok := layer[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Resolve walks the chain most-local-first and returns the first binding
// for name, following reference markers through enclosing layers. A scalar
// literal is returned as-is and never re-resolved.
func (c Chain) Resolve(name string) (any, error) {
	return c.resolveFrom(name, 0, 0)
}

// ResolveValue resolves v if it is a reference marker and returns it
// unchanged otherwise.
func (c Chain) ResolveValue(v any) (any, error) {
	if name, ok := Reference(v); ok {
		return c.Resolve(name)
	}
	return v, nil
}

func (c Chain) resolveFrom(name string, start, hops int) (any, error) {
	if hops > maxHops {
		return nil, &ResolutionError{Name: name, Detail: "reference cycle"}
	}
	for i := start; i < len(c); i++ {
		v, ok := c[i][name]
		if !ok {
			continue
		}
		if ref, isRef := Reference(v); isRef {
			// A marker points at the enclosing scope chain, never at
			// the layer that declared it.
			return c.resolveFrom(ref, i+1, hops+1)
		}
		return v, nil
	}
	return nil, &ResolutionError{Name: name}
}

// Float coerces any scalar form a document value may take.
func Float(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// Int coerces an integer-valued document scalar.
func Int(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

// ResolveFloat resolves v through the chain and coerces it to a float.
func (c Chain) ResolveFloat(v any) (float64, error) {
	r, err := c.ResolveValue(v)
	if err != nil {
		return 0, err
	}
	return Float(r)
}

// Cache memoizes resolved lookups against a fixed chain. Resolution is
// idempotent, so the memo is write-once per name.
type Cache struct {
	chain Chain

	mu   sync.RWMutex
	memo map[string]any
}

// NewCache wraps chain with a resolution memo.
func NewCache(chain Chain) *Cache {
	return &Cache{chain: chain, memo: make(map[string]any)}
}

// Chain returns the underlying chain.
func (c *Cache) Chain() Chain { return c.chain }

// Resolve behaves like Chain.Resolve with memoized results.
func (c *Cache) Resolve(name string) (any, error) {
	c.mu.RLock()
	v, ok := c.memo[name]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}
	v, err := c.chain.Resolve(name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.memo[name] = v
	c.mu.Unlock()
	return v, nil
}
