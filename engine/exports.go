package engine

import (
	"context"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/errors"
)

// Exports is the typed export table of an engine module. It also serves as
// the tcpip.Allocator backing the memory bridge.
//
// Every method calls into the engine and must run on the goroutine that owns
// the module.
type Exports struct {
	ctx context.Context
	mod Module
}

// NewExports binds mod's exports. ctx is passed to every engine call.
func NewExports(ctx context.Context, mod Module) *Exports {
	return &Exports{ctx: context.WithoutCancel(ctx), mod: mod}
}

// Module returns the underlying engine module.
func (e *Exports) Module() Module {
	return e.mod
}

// Memory returns the engine's linear memory.
func (e *Exports) Memory() tcpip.Memory {
	return e.mod.Memory()
}

func (e *Exports) call(name string, params ...uint64) (uint64, error) {
	results, err := e.mod.Call(e.ctx, name, params...)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0], nil
}

func (e *Exports) callHandle(name string, params ...uint64) (tcpip.Handle, error) {
	v, err := e.call(name, params...)
	return tcpip.Handle(uint32(v)), err
}

func (e *Exports) callStatus(name string, params ...uint64) (Status, error) {
	v, err := e.call(name, params...)
	if err != nil {
		return 0, err
	}
	return statusFromResult(v), nil
}

func (e *Exports) callVoid(name string, params ...uint64) error {
	_, err := e.call(name, params...)
	return err
}

// Alloc implements tcpip.Allocator using the engine's malloc.
func (e *Exports) Alloc(size uint32) (uint32, error) {
	v, err := e.call(ExportMalloc, uint64(size))
	if err != nil {
		return 0, err
	}
	ptr := uint32(v)
	if ptr == 0 {
		return 0, errors.AllocationFailed(size)
	}
	return ptr, nil
}

// Free implements tcpip.Allocator using the engine's free.
func (e *Exports) Free(ptr uint32) error {
	return e.callVoid(ExportFree, uint64(ptr))
}

func (e *Exports) ProcessQueuedPackets() error {
	return e.callVoid(ExportProcessQueuedPackets)
}

func (e *Exports) ProcessTimeouts() error {
	return e.callVoid(ExportProcessTimeouts)
}

// Interfaces

func (e *Exports) CreateLoopbackInterface(ip, netmask uint32) (tcpip.Handle, error) {
	return e.callHandle(ExportCreateLoopbackInterface, uint64(ip), uint64(netmask))
}

func (e *Exports) RemoveLoopbackInterface(h tcpip.Handle) error {
	return e.callVoid(ExportRemoveLoopbackInterface, uint64(h))
}

func (e *Exports) CreateTunInterface(ip, netmask uint32) (tcpip.Handle, error) {
	return e.callHandle(ExportCreateTunInterface, uint64(ip), uint64(netmask))
}

func (e *Exports) RemoveTunInterface(h tcpip.Handle) error {
	return e.callVoid(ExportRemoveTunInterface, uint64(h))
}

func (e *Exports) SendTunInterface(h tcpip.Handle, ptr, length uint32) error {
	return e.callVoid(ExportSendTunInterface, uint64(h), uint64(ptr), uint64(length))
}

func (e *Exports) CreateTapInterface(mac, ip, netmask uint32) (tcpip.Handle, error) {
	return e.callHandle(ExportCreateTapInterface, uint64(mac), uint64(ip), uint64(netmask))
}

func (e *Exports) RemoveTapInterface(h tcpip.Handle) error {
	return e.callVoid(ExportRemoveTapInterface, uint64(h))
}

func (e *Exports) SendTapInterface(h tcpip.Handle, ptr, length uint32) (Status, error) {
	return e.callStatus(ExportSendTapInterface, uint64(h), uint64(ptr), uint64(length))
}

func (e *Exports) EnableTapInterface(h tcpip.Handle) error {
	return e.callVoid(ExportEnableTapInterface, uint64(h))
}

func (e *Exports) DisableTapInterface(h tcpip.Handle) error {
	return e.callVoid(ExportDisableTapInterface, uint64(h))
}

// CreateBridgeInterface bridges the Tap interfaces whose handles are stored
// as a little-endian u32 array of n entries at ports.
func (e *Exports) CreateBridgeInterface(mac, ip, netmask, ports, n uint32) (tcpip.Handle, error) {
	return e.callHandle(ExportCreateBridgeInterface, uint64(mac), uint64(ip), uint64(netmask), uint64(ports), uint64(n))
}

func (e *Exports) RemoveBridgeInterface(h tcpip.Handle) error {
	return e.callVoid(ExportRemoveBridgeInterface, uint64(h))
}

// GetInterfaceMACAddress returns a pointer to the 6-byte hardware address.
func (e *Exports) GetInterfaceMACAddress(h tcpip.Handle) (uint32, error) {
	v, err := e.call(ExportGetInterfaceMACAddress, uint64(h))
	return uint32(v), err
}

// GetInterfaceIP4Address returns a pointer to the 4-byte address, or 0 if unset.
func (e *Exports) GetInterfaceIP4Address(h tcpip.Handle) (uint32, error) {
	v, err := e.call(ExportGetInterfaceIP4Address, uint64(h))
	return uint32(v), err
}

// GetInterfaceIP4Netmask returns a pointer to the 4-byte netmask, or 0 if unset.
func (e *Exports) GetInterfaceIP4Netmask(h tcpip.Handle) (uint32, error) {
	v, err := e.call(ExportGetInterfaceIP4Netmask, uint64(h))
	return uint32(v), err
}

// TCP

// CreateTCPListener binds a listener. host may be 0 for any address.
// A zero handle means the bind failed.
func (e *Exports) CreateTCPListener(host uint32, port uint16) (tcpip.Handle, error) {
	return e.callHandle(ExportCreateTCPListener, uint64(host), uint64(port))
}

// CreateTCPConnection starts a connect. The connection is usable only after
// the engine raises ConnectedTCPConnection for the returned handle.
func (e *Exports) CreateTCPConnection(host uint32, port uint16) (tcpip.Handle, error) {
	return e.callHandle(ExportCreateTCPConnection, uint64(host), uint64(port))
}

func (e *Exports) CloseTCPConnection(h tcpip.Handle) (Status, error) {
	return e.callStatus(ExportCloseTCPConnection, uint64(h))
}

// SendTCPChunk queues up to length bytes and returns how many were accepted.
func (e *Exports) SendTCPChunk(h tcpip.Handle, ptr, length uint32) (uint32, error) {
	v, err := e.call(ExportSendTCPChunk, uint64(h), uint64(ptr), uint64(length))
	return uint32(v) & 0xffff, err
}

// UpdateTCPReceiveBuffer grants length bytes of receive window back to the peer.
func (e *Exports) UpdateTCPReceiveBuffer(h tcpip.Handle, length uint32) error {
	return e.callVoid(ExportUpdateTCPReceiveBuffer, uint64(h), uint64(length))
}

// UDP

// OpenUDPSocket binds a socket. host may be 0 for any address.
// A zero handle means the bind failed.
func (e *Exports) OpenUDPSocket(host uint32, port uint16) (tcpip.Handle, error) {
	return e.callHandle(ExportOpenUDPSocket, uint64(host), uint64(port))
}

func (e *Exports) CloseUDPSocket(h tcpip.Handle) error {
	return e.callVoid(ExportCloseUDPSocket, uint64(h))
}

func (e *Exports) SendUDPDatagram(h tcpip.Handle, addr uint32, port uint16, ptr, length uint32) (Status, error) {
	return e.callStatus(ExportSendUDPDatagram, uint64(h), uint64(addr), uint64(port), uint64(ptr), uint64(length))
}
