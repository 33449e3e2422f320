package enginetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/engine"
	"github.com/wippyai/wasm-tcpip/errors"
)

// Segment and buffer sizes used by the simulated TCP.
const (
	MSS            = 1460
	MaxWindowSize  = 4 * MSS
	SendBufferSize = 4 * MSS
)

// DefaultMemorySize is the simulated linear memory size.
const DefaultMemorySize = 4 << 20

const ephemeralPortStart = 49152

// Config configures simulated modules.
type Config struct {
	// MemorySize is the linear memory size in bytes.
	MemorySize uint32
	// Omit lists exports the simulated module does not provide.
	Omit []string
}

// Engine is an engine.Loader producing simulated modules.
type Engine struct {
	cfg  Config
	mu   sync.Mutex
	last *Module
}

// New creates a simulated engine.
func New(cfg Config) *Engine {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	return &Engine{cfg: cfg}
}

// Load implements engine.Loader.
func (e *Engine) Load(_ context.Context, cb engine.Callbacks) (engine.Module, error) {
	if cb == nil {
		return nil, errors.InvalidInput(errors.PhaseLoad, "callbacks are nil")
	}
	m := newModule(e.cfg, cb)
	e.mu.Lock()
	e.last = m
	e.mu.Unlock()
	return m, nil
}

// Module returns the most recently loaded module, or nil.
func (e *Engine) Module() *Module {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

type exportFunc func(args []uint64) uint64

// Module is a simulated engine instance. It follows the engine contract
// strictly: it records a violation whenever it is entered while already
// running, is handed a handle it never issued, or is asked to free memory
// it never allocated.
type Module struct {
	cb      engine.Callbacks
	heap    *heap
	exports map[string]exportFunc

	netifs    []*netif
	tcp       map[tcpip.Handle]*tcpPCB
	tcpOrder  []*tcpPCB
	syns      []*tcpPCB
	udp       map[tcpip.Handle]*udpPCB
	udpQueue  []udpDelivery
	nextPort  uint16
	nextIPID  uint16
	busy      atomic.Bool
	closed    atomic.Bool
	statsMu   sync.Mutex
	hostAlloc map[uint32]struct{}
	calls     map[string]int
	faults    []string
}

func newModule(cfg Config, cb engine.Callbacks) *Module {
	m := &Module{
		cb:        cb,
		heap:      newHeap(cfg.MemorySize),
		tcp:       make(map[tcpip.Handle]*tcpPCB),
		udp:       make(map[tcpip.Handle]*udpPCB),
		nextPort:  ephemeralPortStart,
		hostAlloc: make(map[uint32]struct{}),
		calls:     make(map[string]int),
	}
	m.exports = map[string]exportFunc{
		engine.ExportMalloc:               m.malloc,
		engine.ExportFree:                 m.free,
		engine.ExportProcessQueuedPackets: m.processQueuedPackets,
		engine.ExportProcessTimeouts:      m.processTimeouts,

		engine.ExportCreateLoopbackInterface: m.createLoopback,
		engine.ExportRemoveLoopbackInterface: m.removeInterface(tcpip.KindLoopback),
		engine.ExportCreateTunInterface:      m.createTun,
		engine.ExportRemoveTunInterface:      m.removeInterface(tcpip.KindTun),
		engine.ExportSendTunInterface:        m.sendTun,
		engine.ExportCreateTapInterface:      m.createTap,
		engine.ExportRemoveTapInterface:      m.removeInterface(tcpip.KindTap),
		engine.ExportSendTapInterface:        m.sendTap,
		engine.ExportEnableTapInterface:      m.setTapUp(true),
		engine.ExportDisableTapInterface:     m.setTapUp(false),
		engine.ExportCreateBridgeInterface:   m.createBridge,
		engine.ExportRemoveBridgeInterface:   m.removeInterface(tcpip.KindBridge),
		engine.ExportGetInterfaceMACAddress:  m.interfaceField(offMAC),
		engine.ExportGetInterfaceIP4Address:  m.interfaceField(offIP),
		engine.ExportGetInterfaceIP4Netmask:  m.interfaceField(offMask),

		engine.ExportCreateTCPListener:      m.createTCPListener,
		engine.ExportCreateTCPConnection:    m.createTCPConnection,
		engine.ExportCloseTCPConnection:     m.closeTCPConnection,
		engine.ExportSendTCPChunk:           m.sendTCPChunk,
		engine.ExportUpdateTCPReceiveBuffer: m.updateTCPReceiveBuffer,

		engine.ExportOpenUDPSocket:   m.openUDPSocket,
		engine.ExportCloseUDPSocket:  m.closeUDPSocket,
		engine.ExportSendUDPDatagram: m.sendUDPDatagram,
	}
	for _, name := range cfg.Omit {
		delete(m.exports, name)
	}
	return m
}

// Memory implements engine.Module.
func (m *Module) Memory() tcpip.Memory {
	return m.heap
}

// Call implements engine.Module.
func (m *Module) Call(_ context.Context, name string, params ...uint64) ([]uint64, error) {
	if m.closed.Load() {
		return nil, errors.Closed("engine module")
	}
	if !m.busy.CompareAndSwap(false, true) {
		m.fault("%s called while the engine was running", name)
		return nil, errors.Reentrant(name)
	}
	defer m.busy.Store(false)

	fn, ok := m.exports[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseCall, "export", name)
	}
	m.statsMu.Lock()
	m.calls[name]++
	m.statsMu.Unlock()
	return []uint64{fn(params)}, nil
}

// Close implements engine.Module.
func (m *Module) Close(context.Context) error {
	m.closed.Store(true)
	return nil
}

// Violations returns every contract violation observed so far.
func (m *Module) Violations() []string {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return slices.Clone(m.faults)
}

// Outstanding returns the number of host allocations not yet freed.
func (m *Module) Outstanding() int {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return len(m.hostAlloc)
}

// Calls returns how many times the export name was called.
func (m *Module) Calls(name string) int {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.calls[name]
}

func (m *Module) fault(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.statsMu.Lock()
	m.faults = append(m.faults, msg)
	m.statsMu.Unlock()
}

func arg(args []uint64, i int) uint32 {
	if i >= len(args) {
		return 0
	}
	return uint32(args[i])
}

func status(s engine.Status) uint64 {
	return uint64(uint32(int32(s)))
}

// withBuffer copies data into a temporary engine allocation that lives only
// for the duration of fn.
func (m *Module) withBuffer(data []byte, fn func(ptr uint32)) {
	ptr := m.heap.alloc(uint32(len(data)))
	if ptr == 0 {
		m.fault("out of memory allocating %d byte buffer", len(data))
		return
	}
	_ = m.heap.Write(ptr, data)
	fn(ptr)
	m.heap.release(ptr)
}

func (m *Module) malloc(args []uint64) uint64 {
	ptr := m.heap.alloc(arg(args, 0))
	if ptr != 0 {
		m.statsMu.Lock()
		m.hostAlloc[ptr] = struct{}{}
		m.statsMu.Unlock()
	}
	return uint64(ptr)
}

func (m *Module) free(args []uint64) uint64 {
	ptr := arg(args, 0)
	if ptr == 0 {
		return 0
	}
	m.statsMu.Lock()
	_, ok := m.hostAlloc[ptr]
	delete(m.hostAlloc, ptr)
	m.statsMu.Unlock()
	if !ok || !m.heap.release(ptr) {
		m.fault("free of unallocated pointer %#x", ptr)
	}
	return 0
}

func (m *Module) processQueuedPackets([]uint64) uint64 {
	m.processSYNs()
	m.processTCPTransfers()
	m.processFINs()
	m.processUDPQueue()
	return 0
}

func (m *Module) processTimeouts([]uint64) uint64 {
	return 0
}

func (m *Module) ephemeralPort(inUse func(uint16) bool) uint16 {
	for range 1 << 14 {
		p := m.nextPort
		m.nextPort++
		if m.nextPort == 0 {
			m.nextPort = ephemeralPortStart
		}
		if !inUse(p) {
			return p
		}
	}
	return 0
}
