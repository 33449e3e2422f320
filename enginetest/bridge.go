package enginetest

import (
	"encoding/binary"

	"github.com/soypat/seqs/eth"

	tcpip "github.com/wippyai/wasm-tcpip"
)

// createBridge implements create_bridge_interface. Like lwIP's bridgeif it
// raises no register callback: the host learns the handle from the return
// value alone.
func (m *Module) createBridge(args []uint64) uint64 {
	macPtr := arg(args, 0)
	if macPtr == 0 {
		m.fault("create_bridge_interface called without a MAC address")
		return 0
	}
	view, ok := m.heap.bytes(macPtr, 6)
	if !ok {
		m.fault("create_bridge_interface MAC pointer %#x out of bounds", macPtr)
		return 0
	}
	var mac [6]byte
	copy(mac[:], view)

	count := arg(args, 4) & 0xff
	raw, ok := m.heap.copyOut(arg(args, 3), 4*count)
	if !ok {
		m.fault("create_bridge_interface port list out of bounds")
		return 0
	}
	ports := make([]*netif, 0, count)
	for i := range count {
		h := tcpip.Handle(binary.LittleEndian.Uint32(raw[4*i:]))
		p := m.lookupNetif(h)
		if p == nil || p.kind != tcpip.KindTap {
			m.fault("create_bridge_interface port %#x is not a tap interface", uint32(h))
			return 0
		}
		if p.bridge != nil {
			m.fault("create_bridge_interface port %#x is already bridged", uint32(h))
			return 0
		}
		ports = append(ports, p)
	}

	br := m.createNetif(tcpip.KindBridge, mac, arg(args, 1), arg(args, 2))
	if br == nil {
		return 0
	}
	br.ports = ports
	br.fdb = make(map[[6]byte]*netif)
	for _, p := range ports {
		p.bridge = br
	}
	m.netifs = append(m.netifs, br)
	return uint64(br.handle)
}

// unbridge detaches n from whatever bridge relation it is part of.
func (m *Module) unbridge(n *netif) {
	for _, p := range n.ports {
		p.bridge = nil
	}
	n.ports = nil
	if br := n.bridge; br != nil {
		for i, p := range br.ports {
			if p == n {
				br.ports = append(br.ports[:i], br.ports[i+1:]...)
				break
			}
		}
		for mac, p := range br.fdb {
			if p == n {
				delete(br.fdb, mac)
			}
		}
		n.bridge = nil
	}
}

// bridgeInput handles a frame that arrived on port in of br. The source
// address is learned, then the frame goes to the bridge itself, to the
// port that owns the destination, or to every other port.
func (m *Module) bridgeInput(br, in *netif, frame []byte) {
	if len(frame) < eth.SizeEthernetHeader {
		return
	}
	hdr := eth.DecodeEthernetHeader(frame)
	if hdr.Source != broadcastMAC {
		br.fdb[hdr.Source] = in
	}
	switch hdr.Destination {
	case br.mac:
		m.ethInput(br, frame)
	case broadcastMAC:
		m.bridgeOutput(br, in, frame)
		m.ethInput(br, frame)
	default:
		m.bridgeOutput(br, in, frame)
	}
}

// bridgeOutput forwards frame out of br's ports, skipping the port it came
// in on. A learned destination goes to its port only.
func (m *Module) bridgeOutput(br, in *netif, frame []byte) {
	dst := eth.DecodeEthernetHeader(frame).Destination
	if p, ok := br.fdb[dst]; ok && dst != broadcastMAC {
		if p != in && p.up {
			m.transmit(p, frame)
		}
		return
	}
	for _, p := range br.ports {
		if p != in && p.up {
			m.transmit(p, frame)
		}
	}
}
