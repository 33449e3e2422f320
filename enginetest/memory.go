package enginetest

import (
	"encoding/binary"

	"github.com/wippyai/wasm-tcpip/errors"
)

const (
	heapBase  = 1024
	heapAlign = 8
	scribble  = 0xdd
)

// heap is the simulated linear memory together with its allocator. Blocks
// are recycled per rounded size; freed blocks are scribbled so a host that
// keeps reading a pointer after its callback returned sees garbage.
type heap struct {
	mem  []byte
	next uint32
	free map[uint32][]uint32
	live map[uint32]uint32
}

func newHeap(size uint32) *heap {
	return &heap{
		mem:  make([]byte, size),
		next: heapBase,
		free: make(map[uint32][]uint32),
		live: make(map[uint32]uint32),
	}
}

func roundUp(n uint32) uint32 {
	if n == 0 {
		n = 1
	}
	return (n + heapAlign - 1) &^ (heapAlign - 1)
}

func (h *heap) alloc(size uint32) uint32 {
	n := roundUp(size)
	var addr uint32
	if list := h.free[n]; len(list) > 0 {
		addr = list[len(list)-1]
		h.free[n] = list[:len(list)-1]
	} else {
		if uint64(h.next)+uint64(n) > uint64(len(h.mem)) {
			return 0
		}
		addr = h.next
		h.next += n
	}
	clear(h.mem[addr : addr+n])
	h.live[addr] = n
	return addr
}

func (h *heap) release(addr uint32) bool {
	n, ok := h.live[addr]
	if !ok {
		return false
	}
	delete(h.live, addr)
	for i := range h.mem[addr : addr+n] {
		h.mem[addr+uint32(i)] = scribble
	}
	h.free[n] = append(h.free[n], addr)
	return true
}

func (h *heap) bytes(offset, length uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(h.mem)) {
		return nil, false
	}
	return h.mem[offset:end], true
}

// copyOut returns an independent copy of length bytes at offset.
func (h *heap) copyOut(offset, length uint32) ([]byte, bool) {
	view, ok := h.bytes(offset, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}

func (h *heap) addr4(ptr uint32) ([4]byte, bool) {
	var a [4]byte
	view, ok := h.bytes(ptr, 4)
	if !ok {
		return a, false
	}
	copy(a[:], view)
	return a, true
}

// Read implements tcpip.Memory.
func (h *heap) Read(offset, length uint32) ([]byte, error) {
	view, ok := h.bytes(offset, length)
	if !ok {
		return nil, errors.OutOfBounds("read", offset, length)
	}
	return view, nil
}

// Write implements tcpip.Memory.
func (h *heap) Write(offset uint32, data []byte) error {
	view, ok := h.bytes(offset, uint32(len(data)))
	if !ok {
		return errors.OutOfBounds("write", offset, uint32(len(data)))
	}
	copy(view, data)
	return nil
}

// ReadU32 implements tcpip.Memory.
func (h *heap) ReadU32(offset uint32) (uint32, error) {
	view, ok := h.bytes(offset, 4)
	if !ok {
		return 0, errors.OutOfBounds("read", offset, 4)
	}
	return binary.LittleEndian.Uint32(view), nil
}

// WriteU32 implements tcpip.Memory.
func (h *heap) WriteU32(offset uint32, value uint32) error {
	view, ok := h.bytes(offset, 4)
	if !ok {
		return errors.OutOfBounds("write", offset, 4)
	}
	binary.LittleEndian.PutUint32(view, value)
	return nil
}

// Size implements tcpip.Memory.
func (h *heap) Size() uint32 {
	return uint32(len(h.mem))
}
