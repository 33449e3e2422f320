package resource

import (
	"context"
	"iter"
	"sync"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/errors"
)

type slot[T any] struct {
	value  T
	handle tcpip.Handle
	gen    uint32
	live   bool
}

type waiter[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

// Table maps engine handles to bound objects. Entries live in a dense slot
// arena with a free list; each slot carries a generation that is bumped on
// removal so stale references are detected deterministically.
type Table[T any] struct {
	name      string
	slots     []slot[T]
	free      []uint32
	index     map[tcpip.Handle]uint32
	waiters   map[tcpip.Handle][]*waiter[T]
	observers []Observer
	mu        sync.Mutex
}

// NewTable creates an empty table. name appears in errors.
func NewTable[T any](name string) *Table[T] {
	return &Table[T]{
		name:    name,
		slots:   make([]slot[T], 0, 16),
		free:    make([]uint32, 0, 8),
		index:   make(map[tcpip.Handle]uint32),
		waiters: make(map[tcpip.Handle][]*waiter[T]),
	}
}

// Name returns the table's resource name.
func (t *Table[T]) Name() string {
	return t.name
}

// Subscribe adds an observer for lifecycle events.
func (t *Table[T]) Subscribe(o Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()
}

func (t *Table[T]) notify(obs []Observer, ev Event) {
	for _, o := range obs {
		o(ev)
	}
}

// Insert registers value under h and wakes anyone waiting for h.
// It fails if h is zero or already registered.
func (t *Table[T]) Insert(h tcpip.Handle, value T) (Ref, error) {
	if h == 0 {
		return Ref{}, errors.InvalidInput(errors.PhaseBind, t.name+" handle is NULL")
	}

	t.mu.Lock()
	if _, ok := t.index[h]; ok {
		t.mu.Unlock()
		return Ref{}, errors.Programmer(errors.PhaseBind, t.name+" handle registered twice")
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1)
	}
	s := &t.slots[idx]
	s.gen++
	s.value = value
	s.handle = h
	s.live = true
	t.index[h] = idx
	ref := Ref{Handle: h, slot: idx, gen: s.gen}

	waiters := t.waiters[h]
	delete(t.waiters, h)
	obs := t.observers
	t.mu.Unlock()

	for _, w := range waiters {
		w.value = value
		close(w.ch)
	}
	t.notify(obs, Event{Type: EventInserted, Handle: h, Ref: ref, Value: value})
	return ref, nil
}

// Get returns the value registered under h.
func (t *Table[T]) Get(h tcpip.Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[h]
	if !ok {
		var zero T
		return zero, false
	}
	return t.slots[idx].value, true
}

// Lookup resolves ref, failing if its entry was removed.
func (t *Table[T]) Lookup(ref Ref) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	if !ref.Valid() || int(ref.slot) >= len(t.slots) {
		return zero, false
	}
	s := &t.slots[ref.slot]
	if !s.live || s.gen != ref.gen || s.handle != ref.Handle {
		return zero, false
	}
	return s.value, true
}

// Remove deletes the entry for h. It reports false if h is not registered,
// so each registration is removed exactly once.
func (t *Table[T]) Remove(h tcpip.Handle) (T, bool) {
	t.mu.Lock()
	idx, ok := t.index[h]
	if !ok {
		t.mu.Unlock()
		var zero T
		return zero, false
	}
	v, ref := t.removeLocked(idx)
	obs := t.observers
	t.mu.Unlock()

	t.notify(obs, Event{Type: EventRemoved, Handle: h, Ref: ref, Value: v})
	return v, true
}

// RemoveRef deletes the entry ref points to, if it is still live.
func (t *Table[T]) RemoveRef(ref Ref) (T, bool) {
	t.mu.Lock()
	var zero T
	if !ref.Valid() || int(ref.slot) >= len(t.slots) {
		t.mu.Unlock()
		return zero, false
	}
	s := &t.slots[ref.slot]
	if !s.live || s.gen != ref.gen || s.handle != ref.Handle {
		t.mu.Unlock()
		return zero, false
	}
	v, _ := t.removeLocked(ref.slot)
	obs := t.observers
	t.mu.Unlock()

	t.notify(obs, Event{Type: EventRemoved, Handle: ref.Handle, Ref: ref, Value: v})
	return v, true
}

func (t *Table[T]) removeLocked(idx uint32) (T, Ref) {
	var zero T
	s := &t.slots[idx]
	v := s.value
	ref := Ref{Handle: s.handle, slot: idx, gen: s.gen}
	delete(t.index, s.handle)
	s.value = zero
	s.handle = 0
	s.live = false
	s.gen++
	t.free = append(t.free, idx)
	return v, ref
}

// Wait blocks until h is registered, Abort is called for h, or ctx is done.
func (t *Table[T]) Wait(ctx context.Context, h tcpip.Handle) (T, error) {
	return t.Expect(h).Wait(ctx)
}

// Expect starts waiting for h without blocking. Calling it in the same step
// that obtains h guarantees neither Insert nor Abort for h can be missed.
func (t *Table[T]) Expect(h tcpip.Handle) *Pending[T] {
	w := &waiter[T]{ch: make(chan struct{})}
	t.mu.Lock()
	if idx, ok := t.index[h]; ok {
		w.value = t.slots[idx].value
		close(w.ch)
	} else {
		t.waiters[h] = append(t.waiters[h], w)
	}
	t.mu.Unlock()
	return &Pending[T]{t: t, h: h, w: w}
}

// Pending is a registration wait started by Expect.
type Pending[T any] struct {
	t *Table[T]
	w *waiter[T]
	h tcpip.Handle
}

// Wait blocks until the handle is registered or aborted, or ctx is done.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.w.ch:
		return p.w.value, p.w.err
	case <-ctx.Done():
		p.Cancel()
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel stops waiting. It is a no-op once the wait resolved.
func (p *Pending[T]) Cancel() {
	t := p.t
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters[p.h]
	for i, other := range ws {
		if other == p.w {
			t.waiters[p.h] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(t.waiters[p.h]) == 0 {
		delete(t.waiters, p.h)
	}
}

// Abort fails every pending Wait for h with err. It reports whether anyone
// was waiting.
func (t *Table[T]) Abort(h tcpip.Handle, err error) bool {
	t.mu.Lock()
	waiters := t.waiters[h]
	delete(t.waiters, h)
	obs := t.observers
	t.mu.Unlock()

	for _, w := range waiters {
		w.err = err
		close(w.ch)
	}
	if len(waiters) > 0 {
		t.notify(obs, Event{Type: EventAborted, Handle: h})
	}
	return len(waiters) > 0
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

// All iterates over a snapshot of the live entries in slot order.
func (t *Table[T]) All() iter.Seq2[tcpip.Handle, T] {
	return func(yield func(tcpip.Handle, T) bool) {
		t.mu.Lock()
		type pair struct {
			h tcpip.Handle
			v T
		}
		snapshot := make([]pair, 0, len(t.index))
		for _, s := range t.slots {
			if s.live {
				snapshot = append(snapshot, pair{s.handle, s.value})
			}
		}
		t.mu.Unlock()

		for _, p := range snapshot {
			if !yield(p.h, p.v) {
				return
			}
		}
	}
}
