// Package hooks stores the two hook sets attached to every bound object.
//
// Outer hooks are how an object asks the engine to act (send, update the
// receive window, close). Inner hooks are how the callback dispatcher
// delivers engine events into the object (data arrived, peer closed,
// connection accepted). Each set is written once; reading a set that was
// never written is a sequencing defect and fails loudly.
package hooks

import (
	"fmt"
	"sync"

	"github.com/wippyai/wasm-tcpip/errors"
)

type entry[O, I any] struct {
	outer    O
	inner    I
	hasOuter bool
	hasInner bool
}

// Registry maps object identity K to its outer hooks O and inner hooks I.
type Registry[K comparable, O, I any] struct {
	name    string
	entries map[K]*entry[O, I]
	mu      sync.RWMutex
}

// New creates a registry; name appears in error messages.
func New[K comparable, O, I any](name string) *Registry[K, O, I] {
	return &Registry[K, O, I]{
		name:    name,
		entries: make(map[K]*entry[O, I]),
	}
}

func (r *Registry[K, O, I]) ensure(key K) *entry[O, I] {
	e, ok := r.entries[key]
	if !ok {
		e = &entry[O, I]{}
		r.entries[key] = e
	}
	return e
}

// SetOuter attaches outer hooks to key. A second call is an error.
func (r *Registry[K, O, I]) SetOuter(key K, hooks O) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.ensure(key)
	if e.hasOuter {
		return errors.Programmer(errors.PhaseBind, fmt.Sprintf("%s outer hooks already set", r.name))
	}
	e.outer = hooks
	e.hasOuter = true
	return nil
}

// SetInner attaches inner hooks to key. A second call is an error.
func (r *Registry[K, O, I]) SetInner(key K, hooks I) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.ensure(key)
	if e.hasInner {
		return errors.Programmer(errors.PhaseBind, fmt.Sprintf("%s inner hooks already set", r.name))
	}
	e.inner = hooks
	e.hasInner = true
	return nil
}

// Outer returns the outer hooks for key.
func (r *Registry[K, O, I]) Outer(key K) (O, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok || !e.hasOuter {
		var zero O
		return zero, errors.Programmer(errors.PhaseBind, fmt.Sprintf("%s outer hooks not set", r.name))
	}
	return e.outer, nil
}

// Inner returns the inner hooks for key.
func (r *Registry[K, O, I]) Inner(key K) (I, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok || !e.hasInner {
		var zero I
		return zero, errors.Programmer(errors.PhaseBind, fmt.Sprintf("%s inner hooks not set", r.name))
	}
	return e.inner, nil
}

// Delete drops both hook sets for key once the object is torn down.
func (r *Registry[K, O, I]) Delete(key K) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Len returns the number of objects with at least one hook set.
func (r *Registry[K, O, I]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
