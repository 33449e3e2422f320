package engine

import (
	"context"
	"errors"
	"testing"

	tcpip "github.com/wippyai/wasm-tcpip"
	tcpiperrors "github.com/wippyai/wasm-tcpip/errors"
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func vec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func section(id byte, body []byte) []byte {
	out := append([]byte{id}, uleb(uint32(len(body)))...)
	return append(out, body...)
}

func body(code ...byte) []byte {
	return append(uleb(uint32(len(code))), code...)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// testModule assembles a reactor with a bump allocator at 1024. With full
// set, it also exports the pump calls and a create_loopback_interface that
// raises register_loopback_interface(4096) before returning 4096.
func testModule(full bool) []byte {
	types := section(1, vec(
		[]byte{0x60, 0x01, 0x7f, 0x01, 0x7f},       // 0: (i32) -> i32
		[]byte{0x60, 0x01, 0x7f, 0x00},             // 1: (i32) -> ()
		[]byte{0x60, 0x00, 0x00},                   // 2: () -> ()
		[]byte{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f}, // 3: (i32, i32) -> i32
	))

	mallocBody := body(0x00, 0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b)
	emptyBody := body(0x00, 0x0b)

	var imports, funcs, exports, code []byte
	if full {
		imports = section(2, vec(cat(name(HostModule), name(ImportRegisterLoopbackInterface), []byte{0x00, 0x01})))
		funcs = section(3, vec([]byte{0}, []byte{1}, []byte{2}, []byte{2}, []byte{3}))
		exports = section(7, vec(
			cat(name(ExportMemory), []byte{0x02, 0x00}),
			cat(name(ExportMalloc), []byte{0x00, 0x01}),
			cat(name(ExportFree), []byte{0x00, 0x02}),
			cat(name(ExportProcessQueuedPackets), []byte{0x00, 0x03}),
			cat(name(ExportProcessTimeouts), []byte{0x00, 0x04}),
			cat(name(ExportCreateLoopbackInterface), []byte{0x00, 0x05}),
		))
		code = section(10, vec(mallocBody, emptyBody, emptyBody, emptyBody,
			body(0x00, 0x41, 0x80, 0x20, 0x10, 0x00, 0x41, 0x80, 0x20, 0x0b)))
	} else {
		funcs = section(3, vec([]byte{0}, []byte{1}))
		exports = section(7, vec(
			cat(name(ExportMemory), []byte{0x02, 0x00}),
			cat(name(ExportMalloc), []byte{0x00, 0x00}),
			cat(name(ExportFree), []byte{0x00, 0x01}),
		))
		code = section(10, vec(mallocBody, emptyBody))
	}

	return cat(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		types,
		imports,
		funcs,
		section(5, vec([]byte{0x00, 0x01})),
		section(6, vec([]byte{0x7f, 0x01, 0x41, 0x80, 0x08, 0x0b})),
		exports,
		code,
	)
}

type recordingCallbacks struct {
	registered []tcpip.Handle
	onRegister func(tcpip.Handle)
}

func (r *recordingCallbacks) RegisterLoopbackInterface(h tcpip.Handle) {
	r.registered = append(r.registered, h)
	if r.onRegister != nil {
		r.onRegister(h)
	}
}
func (r *recordingCallbacks) RegisterTunInterface(tcpip.Handle) {}
func (r *recordingCallbacks) RegisterTapInterface(tcpip.Handle) {}
func (r *recordingCallbacks) ReceivePacket(tcpip.Handle, uint32, uint32) {}
func (r *recordingCallbacks) ReceiveFrame(tcpip.Handle, uint32, uint32) {}
func (r *recordingCallbacks) AcceptTCPConnection(tcpip.Handle, tcpip.Handle) {}
func (r *recordingCallbacks) ConnectedTCPConnection(tcpip.Handle) {}
func (r *recordingCallbacks) ClosedTCPConnection(tcpip.Handle) {}
func (r *recordingCallbacks) ReceiveTCPChunk(tcpip.Handle, uint32, uint32) {}
func (r *recordingCallbacks) SentTCPChunk(tcpip.Handle, uint32) {}
func (r *recordingCallbacks) ReceiveUDPDatagram(tcpip.Handle, uint32, uint16, uint32, uint32) {}

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	if cfg.MemoryLimitPages != 0 {
		t.Errorf("expected default MemoryLimitPages 0, got %d", cfg.MemoryLimitPages)
	}
}

func TestNewWazeroEngine_MissingExports(t *testing.T) {
	ctx := context.Background()

	_, err := NewWazeroEngine(ctx, testModule(false), nil)
	if err == nil {
		t.Fatal("expected missing export error")
	}
	var missing *tcpiperrors.MissingExportsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingExportsError, got %T: %v", err, err)
	}
	if len(missing.Exports) != 2 {
		t.Errorf("missing = %v, want the two pump exports", missing.Exports)
	}
}

func TestNewWazeroEngine_InvalidBinary(t *testing.T) {
	_, err := NewWazeroEngine(context.Background(), []byte("not wasm"), nil)
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !errors.Is(err, &tcpiperrors.Error{Phase: tcpiperrors.PhaseLoad, Kind: tcpiperrors.KindInstantiation}) {
		t.Errorf("unexpected error: %v", err)
	}
}

func loadTestModule(t *testing.T, cb Callbacks, cfg *Config) Module {
	t.Helper()
	ctx := context.Background()

	eng, err := NewWazeroEngine(ctx, testModule(true), cfg)
	if err != nil {
		t.Fatalf("NewWazeroEngine failed: %v", err)
	}
	t.Cleanup(func() { eng.Close(ctx) })

	mod, err := eng.Load(ctx, cb)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(func() { mod.Close(ctx) })
	return mod
}

func TestWazeroEngine_Load(t *testing.T) {
	tests := []struct {
		cfg  *Config
		name string
	}{
		{nil, "nil config"},
		{&Config{}, "default config"},
		{&Config{MemoryLimitPages: 16}, "1MB limit"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mod := loadTestModule(t, &recordingCallbacks{}, tc.cfg)
			if mod.Memory().Size() != 65536 {
				t.Errorf("memory size = %d, want one page", mod.Memory().Size())
			}
		})
	}
}

func TestExports_Alloc(t *testing.T) {
	mod := loadTestModule(t, &recordingCallbacks{}, nil)
	ex := NewExports(context.Background(), mod)

	p1, err := ex.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	p2, err := ex.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if p1 != 1024 || p2 != 1040 {
		t.Errorf("pointers = %d, %d, want 1024, 1040", p1, p2)
	}
	if err := ex.Free(p1); err != nil {
		t.Errorf("Free failed: %v", err)
	}

	if err := ex.Memory().Write(p1, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	v, err := ex.Memory().ReadU32(p1)
	if err != nil {
		t.Fatalf("ReadU32 failed: %v", err)
	}
	if v != 0x04030201 {
		t.Errorf("ReadU32 = %#x", v)
	}

	if _, err := ex.Memory().Read(65535, 2); err == nil {
		t.Error("expected out of bounds read to fail")
	}
	if err := ex.ProcessQueuedPackets(); err != nil {
		t.Errorf("ProcessQueuedPackets failed: %v", err)
	}
	if err := ex.ProcessTimeouts(); err != nil {
		t.Errorf("ProcessTimeouts failed: %v", err)
	}
}

func TestExports_CallbackDuringCall(t *testing.T) {
	cb := &recordingCallbacks{}
	mod := loadTestModule(t, cb, nil)
	ex := NewExports(context.Background(), mod)

	h, err := ex.CreateLoopbackInterface(0, 0)
	if err != nil {
		t.Fatalf("CreateLoopbackInterface failed: %v", err)
	}
	if h != 4096 {
		t.Errorf("handle = %d, want 4096", h)
	}
	if len(cb.registered) != 1 || cb.registered[0] != 4096 {
		t.Errorf("registered = %v, want [4096]", cb.registered)
	}
}

func TestWazeroModule_RejectsReentrantCall(t *testing.T) {
	cb := &recordingCallbacks{}
	mod := loadTestModule(t, cb, nil)

	var nested error
	cb.onRegister = func(tcpip.Handle) {
		_, nested = mod.Call(context.Background(), ExportProcessTimeouts)
	}

	if _, err := mod.Call(context.Background(), ExportCreateLoopbackInterface, 0, 0); err != nil {
		t.Fatalf("outer call failed: %v", err)
	}
	if !tcpiperrors.IsKind(nested, tcpiperrors.KindReentrantCall) {
		t.Errorf("nested call error = %v, want reentrant_call", nested)
	}
}

func TestWazeroModule_UnknownExport(t *testing.T) {
	mod := loadTestModule(t, &recordingCallbacks{}, nil)

	_, err := mod.Call(context.Background(), ExportSendTCPChunk, 1, 2, 3)
	if !tcpiperrors.IsKind(err, tcpiperrors.KindNotFound) {
		t.Errorf("error = %v, want not_found", err)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		raw  uint64
		want Status
		name string
	}{
		{0, StatusOK, "ERR_OK"},
		{0xfffffffc, StatusRoute, "ERR_RTE"},
		{0xfffffff1, StatusClosed, "ERR_CLSD"},
		{0xffffff9c, Status(-100), "err_t(-100)"},
	}
	for _, tt := range tests {
		got := statusFromResult(tt.raw)
		if got != tt.want {
			t.Errorf("statusFromResult(%#x) = %d, want %d", tt.raw, got, tt.want)
		}
		if got.String() != tt.name {
			t.Errorf("String() = %q, want %q", got.String(), tt.name)
		}
	}

	if StatusOK.Err("close") != nil {
		t.Error("StatusOK.Err should be nil")
	}
	if !tcpiperrors.IsKind(StatusInUse.Err("open_udp_socket"), tcpiperrors.KindProtocol) {
		t.Error("non-OK status should map to a protocol error")
	}
}
