package memory

import (
	"bytes"
	"testing"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/errors"
)

type fakeMemory struct {
	data []byte
}

func (m *fakeMemory) Read(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(len(m.data)) {
		return nil, errors.OutOfBounds("read", offset, length)
	}
	return m.data[offset : offset+length], nil
}

func (m *fakeMemory) Write(offset uint32, data []byte) error {
	if uint64(offset)+uint64(len(data)) > uint64(len(m.data)) {
		return errors.OutOfBounds("write", offset, uint32(len(data)))
	}
	copy(m.data[offset:], data)
	return nil
}

func (m *fakeMemory) ReadU32(uint32) (uint32, error) { return 0, nil }
func (m *fakeMemory) WriteU32(uint32, uint32) error { return nil }
func (m *fakeMemory) Size() uint32 { return uint32(len(m.data)) }

type fakeAllocator struct {
	next  uint32
	live  map[uint32]bool
	frees int
	limit uint32
}

func (a *fakeAllocator) Alloc(size uint32) (uint32, error) {
	if a.next+size > a.limit {
		return 0, errors.AllocationFailed(size)
	}
	p := a.next
	a.next += size
	a.live[p] = true
	return p, nil
}

func (a *fakeAllocator) Free(ptr uint32) error {
	delete(a.live, ptr)
	a.frees++
	return nil
}

func newBridge() (*Bridge, *fakeMemory, *fakeAllocator) {
	mem := &fakeMemory{data: make([]byte, 256)}
	alloc := &fakeAllocator{next: 16, live: map[uint32]bool{}, limit: 256}
	b := &Bridge{}
	b.Register(mem, alloc)
	return b, mem, alloc
}

func TestBridge_NotReady(t *testing.T) {
	b := &Bridge{}
	if b.Ready() {
		t.Fatal("bridge should not be ready before Register")
	}
	if _, err := b.CopyToMemory([]byte{1}); !errors.IsKind(err, errors.KindNotReady) {
		t.Errorf("CopyToMemory error = %v, want not_ready", err)
	}
	if _, err := b.CopyFromMemory(0, 1); !errors.IsKind(err, errors.KindNotReady) {
		t.Errorf("CopyFromMemory error = %v, want not_ready", err)
	}
}

func TestBridge_CopyToMemory(t *testing.T) {
	b, mem, alloc := newBridge()

	p, err := b.CopyToMemory([]byte("hello"))
	if err != nil {
		t.Fatalf("CopyToMemory failed: %v", err)
	}
	if p.Len() != 5 {
		t.Errorf("Len = %d, want 5", p.Len())
	}
	if got := mem.data[p.Addr() : p.Addr()+5]; !bytes.Equal(got, []byte("hello")) {
		t.Errorf("memory = %q, want hello", got)
	}
	if !alloc.live[p.Addr()] {
		t.Fatal("allocation should be live")
	}

	if err := p.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if alloc.frees != 1 {
		t.Errorf("frees = %d, want exactly 1", alloc.frees)
	}
	if !p.Released() {
		t.Error("Released should report true")
	}
}

func TestBridge_CopyHandles(t *testing.T) {
	b, mem, _ := newBridge()

	p, err := b.CopyHandles([]tcpip.Handle{0x1020, 0xa0b0c0d0})
	if err != nil {
		t.Fatalf("CopyHandles failed: %v", err)
	}
	defer p.Release()
	want := []byte{0x20, 0x10, 0, 0, 0xd0, 0xc0, 0xb0, 0xa0}
	if p.Len() != 8 {
		t.Errorf("Len = %d, want 8", p.Len())
	}
	if got := mem.data[p.Addr() : p.Addr()+8]; !bytes.Equal(got, want) {
		t.Errorf("memory = % x, want % x", got, want)
	}
}

func TestBridge_CopyFromMemoryIsIndependent(t *testing.T) {
	b, mem, _ := newBridge()
	copy(mem.data[32:], "abcd")

	out, err := b.CopyFromMemory(32, 4)
	if err != nil {
		t.Fatalf("CopyFromMemory failed: %v", err)
	}
	copy(mem.data[32:], "zzzz")
	if string(out) != "abcd" {
		t.Errorf("copy aliased engine memory: %q", out)
	}

	if _, err := b.CopyFromMemory(250, 10); !errors.IsKind(err, errors.KindOutOfBounds) {
		t.Errorf("error = %v, want out_of_bounds", err)
	}
}

func TestBridge_AllocationFailure(t *testing.T) {
	b, _, alloc := newBridge()
	if _, err := b.CopyToMemory(make([]byte, 1024)); !errors.IsKind(err, errors.KindAllocation) {
		t.Errorf("error = %v, want allocation", err)
	}
	if len(alloc.live) != 0 {
		t.Errorf("live allocations = %d, want 0", len(alloc.live))
	}
}

func TestPointer_Nil(t *testing.T) {
	var p *Pointer
	if p.Addr() != 0 || p.Len() != 0 || p.Offset(4) != 4 {
		t.Error("nil pointer should behave as NULL")
	}
	if err := p.Release(); err != nil {
		t.Errorf("Release on nil: %v", err)
	}
}

func TestRelease(t *testing.T) {
	b, _, alloc := newBridge()
	p1, _ := b.CopyToMemory([]byte{1})
	p2, _ := b.CopyToMemory([]byte{2})

	if err := Release(p1, nil, p2, p1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if alloc.frees != 2 || len(alloc.live) != 0 {
		t.Errorf("frees=%d live=%d, want 2 and 0", alloc.frees, len(alloc.live))
	}
}
