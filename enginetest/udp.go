package enginetest

import (
	"github.com/soypat/seqs/eth"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/engine"
)

const udpBlock = 16

type udpPCB struct {
	handle tcpip.Handle
	ip     [4]byte
	port   uint16
}

type udpDelivery struct {
	src     [4]byte
	dst     [4]byte
	data    []byte
	srcPort uint16
	dstPort uint16
}

func (m *Module) udpPortInUse(port uint16) bool {
	for _, s := range m.udp {
		if s.port == port {
			return true
		}
	}
	return false
}

func (m *Module) openUDPSocket(args []uint64) uint64 {
	var ip [4]byte
	if hostPtr := arg(args, 0); hostPtr != 0 {
		var ok bool
		if ip, ok = m.heap.addr4(hostPtr); !ok {
			m.fault("open_udp_socket host pointer %#x out of bounds", hostPtr)
			return 0
		}
	}
	port := uint16(arg(args, 1))
	if port == 0 {
		port = m.ephemeralPort(m.udpPortInUse)
	} else {
		for _, s := range m.udp {
			if s.port == port && (s.ip == ip || s.ip == [4]byte{} || ip == [4]byte{}) {
				return 0
			}
		}
	}
	h := m.heap.alloc(udpBlock)
	if h == 0 {
		return 0
	}
	s := &udpPCB{handle: tcpip.Handle(h), ip: ip, port: port}
	m.udp[s.handle] = s
	return uint64(h)
}

func (m *Module) closeUDPSocket(args []uint64) uint64 {
	h := tcpip.Handle(arg(args, 0))
	if _, ok := m.udp[h]; !ok {
		m.fault("close_udp_socket called with unknown handle %#x", uint32(h))
		return 0
	}
	delete(m.udp, h)
	m.heap.release(uint32(h))
	return 0
}

func (m *Module) sendUDPDatagram(args []uint64) uint64 {
	s, ok := m.udp[tcpip.Handle(arg(args, 0))]
	if !ok {
		m.fault("send_udp_datagram called with unknown handle %#x", arg(args, 0))
		return status(engine.StatusArg)
	}
	dst, ok := m.heap.addr4(arg(args, 1))
	if !ok {
		m.fault("send_udp_datagram address pointer out of bounds")
		return status(engine.StatusArg)
	}
	dstPort := uint16(arg(args, 2))
	data, ok := m.heap.copyOut(arg(args, 3), arg(args, 4)&0xffff)
	if !ok {
		m.fault("send_udp_datagram payload out of bounds")
		return status(engine.StatusArg)
	}

	if dst == broadcastIP {
		for _, n := range m.netifs {
			if n.up && n.ethernet() {
				m.ipOutput(n, n.ip, dst, protoUDP, udpPacket(s.port, dstPort, data))
			}
		}
		return status(engine.StatusOK)
	}

	n, local := m.route(dst)
	if n == nil {
		return status(engine.StatusRoute)
	}
	src := s.ip
	if src == ([4]byte{}) {
		src = n.ip
	}
	if local {
		if n.kind == tcpip.KindLoopback && dst[0] == 127 && !n.hasIP() {
			src = dst
		}
		m.udpQueue = append(m.udpQueue, udpDelivery{
			src:     src,
			srcPort: s.port,
			dst:     dst,
			dstPort: dstPort,
			data:    data,
		})
		return status(engine.StatusOK)
	}
	m.ipOutput(n, src, dst, protoUDP, udpPacket(s.port, dstPort, data))
	return status(engine.StatusOK)
}

func udpPacket(srcPort, dstPort uint16, data []byte) []byte {
	hdr := eth.UDPHeader{
		SourcePort:      srcPort,
		DestinationPort: dstPort,
		Length:          uint16(eth.SizeUDPHeader + len(data)),
	}
	buf := make([]byte, eth.SizeUDPHeader+len(data))
	hdr.Put(buf)
	copy(buf[eth.SizeUDPHeader:], data)
	return buf
}

func (m *Module) processUDPQueue() {
	queue := m.udpQueue
	m.udpQueue = nil
	for _, d := range queue {
		m.deliverUDP(d)
	}
}

func (m *Module) deliverUDP(d udpDelivery) {
	var target *udpPCB
	for _, s := range m.udp {
		if s.port != d.dstPort {
			continue
		}
		if s.ip == d.dst || s.ip == ([4]byte{}) || d.dst == broadcastIP {
			target = s
			break
		}
	}
	if target == nil {
		return
	}
	m.withBuffer(d.src[:], func(addrPtr uint32) {
		m.withBuffer(d.data, func(ptr uint32) {
			m.cb.ReceiveUDPDatagram(target.handle, addrPtr, d.srcPort, ptr, uint32(len(d.data)))
		})
	})
}
