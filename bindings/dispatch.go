package bindings

import (
	"net/netip"

	"go.uber.org/zap"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/engine"
)

// Dispatcher routes engine callbacks to the bindings. Every callback copies
// what it needs out of engine memory before returning; the bindings defer
// all bookkeeping until the engine call has unwound.
type Dispatcher struct {
	env *Env
	ifs *Interfaces
	tcp *TCP
	udp *UDP
}

var _ engine.Callbacks = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher for the given bindings.
func NewDispatcher(env *Env, ifs *Interfaces, tcp *TCP, udp *UDP) *Dispatcher {
	return &Dispatcher{env: env, ifs: ifs, tcp: tcp, udp: udp}
}

func (d *Dispatcher) copy(what string, h tcpip.Handle, ptr, length uint32) ([]byte, bool) {
	data, err := d.env.Bridge.CopyFromMemory(ptr, length)
	if err != nil {
		d.env.Log.Warn("copying callback data failed",
			zap.String("callback", what),
			zap.Uint32("handle", uint32(h)),
			zap.Error(err))
		return nil, false
	}
	return data, true
}

func (d *Dispatcher) RegisterLoopbackInterface(h tcpip.Handle) {
	d.ifs.registered(tcpip.KindLoopback, h)
}

func (d *Dispatcher) RegisterTunInterface(h tcpip.Handle) {
	d.ifs.registered(tcpip.KindTun, h)
}

func (d *Dispatcher) RegisterTapInterface(h tcpip.Handle) {
	d.ifs.registered(tcpip.KindTap, h)
}

func (d *Dispatcher) ReceivePacket(h tcpip.Handle, ptr, length uint32) {
	if data, ok := d.copy("receive_packet", h, ptr, length); ok {
		d.ifs.received(h, data)
	}
}

func (d *Dispatcher) ReceiveFrame(h tcpip.Handle, ptr, length uint32) {
	if data, ok := d.copy("receive_frame", h, ptr, length); ok {
		d.ifs.received(h, data)
	}
}

func (d *Dispatcher) AcceptTCPConnection(listener, conn tcpip.Handle) {
	d.tcp.accepted(listener, conn)
}

func (d *Dispatcher) ConnectedTCPConnection(conn tcpip.Handle) {
	d.tcp.connected(conn)
}

func (d *Dispatcher) ClosedTCPConnection(conn tcpip.Handle) {
	d.tcp.closed(conn)
}

func (d *Dispatcher) ReceiveTCPChunk(conn tcpip.Handle, ptr, length uint32) {
	if data, ok := d.copy("receive_tcp_chunk", conn, ptr, length); ok {
		d.tcp.receivedChunk(conn, data)
	}
}

func (d *Dispatcher) SentTCPChunk(conn tcpip.Handle, length uint32) {
	d.tcp.sentChunk(conn, length)
}

func (d *Dispatcher) ReceiveUDPDatagram(socket tcpip.Handle, addrPtr uint32, port uint16, ptr, length uint32) {
	addr, err := d.env.Bridge.CopyFromMemory(addrPtr, 4)
	if err != nil {
		d.env.Log.Warn("copying datagram address failed", zap.Uint32("handle", uint32(socket)), zap.Error(err))
		return
	}
	data, ok := d.copy("receive_udp_datagram", socket, ptr, length)
	if !ok {
		return
	}
	d.udp.receivedDatagram(socket, tcpip.Datagram{
		Addr: netip.AddrFrom4([4]byte(addr)),
		Port: port,
		Data: data,
	})
}
