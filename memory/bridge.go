// Package memory copies byte buffers between Go and engine linear memory.
//
// Memory handed to the engine is owned by a Pointer and must be released
// exactly once. Memory read from the engine is always copied, so callers
// never hold a view into linear memory across a later engine call.
package memory

import (
	"encoding/binary"
	"sync"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/errors"
)

// Bridge moves bytes in and out of engine memory. It is unusable until
// Register supplies the engine's memory and allocator.
type Bridge struct {
	mem   tcpip.Memory
	alloc tcpip.Allocator
	mu    sync.RWMutex
}

// Register makes the bridge ready.
func (b *Bridge) Register(mem tcpip.Memory, alloc tcpip.Allocator) {
	b.mu.Lock()
	b.mem = mem
	b.alloc = alloc
	b.mu.Unlock()
}

// Ready reports whether Register has been called.
func (b *Bridge) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mem != nil && b.alloc != nil
}

func (b *Bridge) get(op string) (tcpip.Memory, tcpip.Allocator, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.mem == nil || b.alloc == nil {
		return nil, nil, errors.NotReady(op)
	}
	return b.mem, b.alloc, nil
}

// CopyToMemory allocates len(data) bytes in engine memory and copies data
// into them. The returned Pointer owns the allocation.
func (b *Bridge) CopyToMemory(data []byte) (*Pointer, error) {
	mem, alloc, err := b.get("copy to memory")
	if err != nil {
		return nil, err
	}

	size := uint32(len(data))
	if size == 0 {
		size = 1
	}
	addr, err := alloc.Alloc(size)
	if err != nil {
		return nil, err
	}
	if err := mem.Write(addr, data); err != nil {
		_ = alloc.Free(addr)
		return nil, err
	}
	return &Pointer{addr: addr, size: uint32(len(data)), alloc: alloc}, nil
}

// CopyHandles copies handles into engine memory as a little-endian u32
// array, the layout the engine expects for handle lists.
func (b *Bridge) CopyHandles(handles []tcpip.Handle) (*Pointer, error) {
	buf := make([]byte, 0, 4*len(handles))
	for _, h := range handles {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(h))
	}
	return b.CopyToMemory(buf)
}

// CopyFromMemory returns an independent copy of length bytes at ptr.
func (b *Bridge) CopyFromMemory(ptr, length uint32) ([]byte, error) {
	mem, _, err := b.get("copy from memory")
	if err != nil {
		return nil, err
	}
	view, err := mem.Read(ptr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// Pointer owns an allocation in engine memory. A nil *Pointer stands for
// NULL and is safe to use.
type Pointer struct {
	alloc    tcpip.Allocator
	addr     uint32
	size     uint32
	released bool
}

// Addr returns the address in engine memory, or 0 for a nil Pointer.
func (p *Pointer) Addr() uint32 {
	if p == nil {
		return 0
	}
	return p.addr
}

// Len returns the number of bytes copied in.
func (p *Pointer) Len() uint32 {
	if p == nil {
		return 0
	}
	return p.size
}

// Offset returns the address n bytes into the allocation.
func (p *Pointer) Offset(n uint32) uint32 {
	return p.Addr() + n
}

// Released reports whether Release has run.
func (p *Pointer) Released() bool {
	return p == nil || p.released
}

// Release frees the allocation. Calls after the first are no-ops.
// Release calls into the engine and must run where engine calls are allowed.
func (p *Pointer) Release() error {
	if p == nil || p.released {
		return nil
	}
	p.released = true
	return p.alloc.Free(p.addr)
}

// Release releases every pointer, returning the first error.
func Release(ptrs ...*Pointer) error {
	var first error
	for _, p := range ptrs {
		if err := p.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
