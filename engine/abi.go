package engine

import (
	"context"

	tcpip "github.com/wippyai/wasm-tcpip"
)

// HostModule is the import namespace the engine resolves callbacks from.
const HostModule = "env"

// Engine exports.
const (
	ExportMemory = "memory"
	ExportMalloc = "malloc"
	ExportFree   = "free"

	ExportProcessQueuedPackets = "process_queued_packets"
	ExportProcessTimeouts      = "process_timeouts"

	ExportCreateLoopbackInterface = "create_loopback_interface"
	ExportRemoveLoopbackInterface = "remove_loopback_interface"
	ExportCreateTunInterface      = "create_tun_interface"
	ExportRemoveTunInterface      = "remove_tun_interface"
	ExportSendTunInterface        = "send_tun_interface"
	ExportCreateTapInterface      = "create_tap_interface"
	ExportRemoveTapInterface      = "remove_tap_interface"
	ExportSendTapInterface        = "send_tap_interface"
	ExportEnableTapInterface      = "enable_tap_interface"
	ExportDisableTapInterface     = "disable_tap_interface"
	ExportCreateBridgeInterface   = "create_bridge_interface"
	ExportRemoveBridgeInterface   = "remove_bridge_interface"

	ExportGetInterfaceMACAddress = "get_interface_mac_address"
	ExportGetInterfaceIP4Address = "get_interface_ip4_address"
	ExportGetInterfaceIP4Netmask = "get_interface_ip4_netmask"

	ExportCreateTCPListener      = "create_tcp_listener"
	ExportCreateTCPConnection    = "create_tcp_connection"
	ExportCloseTCPConnection     = "close_tcp_connection"
	ExportSendTCPChunk           = "send_tcp_chunk"
	ExportUpdateTCPReceiveBuffer = "update_tcp_receive_buffer"

	ExportOpenUDPSocket   = "open_udp_socket"
	ExportCloseUDPSocket  = "close_udp_socket"
	ExportSendUDPDatagram = "send_udp_datagram"
)

// Engine imports, resolved from HostModule.
const (
	ImportRegisterLoopbackInterface = "register_loopback_interface"
	ImportRegisterTunInterface      = "register_tun_interface"
	ImportRegisterTapInterface      = "register_tap_interface"
	ImportReceivePacket             = "receive_packet"
	ImportReceiveFrame              = "receive_frame"
	ImportAcceptTCPConnection       = "accept_tcp_connection"
	ImportConnectedTCPConnection    = "connected_tcp_connection"
	ImportClosedTCPConnection       = "closed_tcp_connection"
	ImportReceiveTCPChunk           = "receive_tcp_chunk"
	ImportSentTCPChunk              = "sent_tcp_chunk"
	ImportReceiveUDPDatagram        = "receive_udp_datagram"
)

// RequiredExports must be present for a module to be usable.
var RequiredExports = []string{
	ExportMemory,
	ExportMalloc,
	ExportFree,
	ExportProcessQueuedPackets,
	ExportProcessTimeouts,
}

// Callbacks receives the events an engine raises while one of its exports
// is executing. Pointer arguments are only valid until the callback returns.
// Implementations must not call back into the engine.
type Callbacks interface {
	RegisterLoopbackInterface(iface tcpip.Handle)
	RegisterTunInterface(iface tcpip.Handle)
	RegisterTapInterface(iface tcpip.Handle)
	ReceivePacket(iface tcpip.Handle, ptr, length uint32)
	ReceiveFrame(iface tcpip.Handle, ptr, length uint32)
	AcceptTCPConnection(listener, conn tcpip.Handle)
	ConnectedTCPConnection(conn tcpip.Handle)
	ClosedTCPConnection(conn tcpip.Handle)
	ReceiveTCPChunk(conn tcpip.Handle, ptr, length uint32)
	SentTCPChunk(conn tcpip.Handle, length uint32)
	ReceiveUDPDatagram(socket tcpip.Handle, addrPtr uint32, port uint16, ptr, length uint32)
}

// Module is an instantiated engine. It is not safe for concurrent use and
// must not be called from inside one of its own callbacks.
type Module interface {
	Memory() tcpip.Memory
	Call(ctx context.Context, name string, params ...uint64) ([]uint64, error)
	Close(ctx context.Context) error
}

// Loader instantiates engine modules wired to a set of callbacks.
type Loader interface {
	Load(ctx context.Context, cb Callbacks) (Module, error)
}
