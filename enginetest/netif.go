package enginetest

import (
	"github.com/soypat/seqs/eth"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/engine"
)

// Layout of the interface block a handle points at.
const (
	offMAC     = 0
	offIP      = 8
	offMask    = 12
	netifBlock = 16
)

const (
	protoICMP = 1
	protoUDP  = 17
)

var (
	broadcastIP  = [4]byte{255, 255, 255, 255}
	broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

type netif struct {
	handle  tcpip.Handle
	kind    tcpip.Kind
	ip      [4]byte
	mask    [4]byte
	mac     [6]byte
	up      bool
	arp     map[[4]byte][6]byte
	waiting map[[4]byte][]byte

	// bridge is set on a Tap enslaved to a bridge; ports and fdb on the
	// bridge itself.
	bridge *netif
	ports  []*netif
	fdb    map[[6]byte]*netif
}

func (n *netif) hasIP() bool {
	return n.ip != [4]byte{}
}

// routable reports whether n takes part in IP routing. Bridge ports only
// carry frames for their bridge.
func (n *netif) routable() bool {
	return n.up && n.bridge == nil
}

// ethernet reports whether n speaks Ethernet with ARP on its own behalf.
func (n *netif) ethernet() bool {
	return (n.kind == tcpip.KindTap && n.bridge == nil) || n.kind == tcpip.KindBridge
}

func (n *netif) onLink(dst [4]byte) bool {
	if !n.hasIP() {
		return false
	}
	for i := range dst {
		if dst[i]&n.mask[i] != n.ip[i]&n.mask[i] {
			return false
		}
	}
	return true
}

func (n *netif) subnetBroadcast() [4]byte {
	var b [4]byte
	for i := range b {
		b[i] = n.ip[i] | ^n.mask[i]
	}
	return b
}

func (m *Module) lookupNetif(h tcpip.Handle) *netif {
	for _, n := range m.netifs {
		if n.handle == h {
			return n
		}
	}
	return nil
}

func (m *Module) createNetif(kind tcpip.Kind, mac [6]byte, ipPtr, maskPtr uint32) *netif {
	n := &netif{kind: kind, mac: mac, up: true}
	if ipPtr != 0 {
		n.ip, _ = m.heap.addr4(ipPtr)
	}
	if maskPtr != 0 {
		n.mask, _ = m.heap.addr4(maskPtr)
	}
	h := m.heap.alloc(netifBlock)
	if h == 0 {
		return nil
	}
	_ = m.heap.Write(h+offMAC, mac[:])
	_ = m.heap.Write(h+offIP, n.ip[:])
	_ = m.heap.Write(h+offMask, n.mask[:])
	n.handle = tcpip.Handle(h)
	if kind == tcpip.KindTap || kind == tcpip.KindBridge {
		n.arp = make(map[[4]byte][6]byte)
		n.waiting = make(map[[4]byte][]byte)
	}
	return n
}

func (m *Module) createLoopback(args []uint64) uint64 {
	n := m.createNetif(tcpip.KindLoopback, [6]byte{}, arg(args, 0), arg(args, 1))
	if n == nil {
		return 0
	}
	m.cb.RegisterLoopbackInterface(n.handle)
	m.netifs = append(m.netifs, n)
	return uint64(n.handle)
}

func (m *Module) createTun(args []uint64) uint64 {
	n := m.createNetif(tcpip.KindTun, [6]byte{}, arg(args, 0), arg(args, 1))
	if n == nil {
		return 0
	}
	m.cb.RegisterTunInterface(n.handle)
	m.netifs = append(m.netifs, n)
	return uint64(n.handle)
}

func (m *Module) createTap(args []uint64) uint64 {
	macPtr := arg(args, 0)
	if macPtr == 0 {
		m.fault("create_tap_interface called without a MAC address")
		return 0
	}
	var mac [6]byte
	view, ok := m.heap.bytes(macPtr, 6)
	if !ok {
		m.fault("create_tap_interface MAC pointer %#x out of bounds", macPtr)
		return 0
	}
	copy(mac[:], view)
	n := m.createNetif(tcpip.KindTap, mac, arg(args, 1), arg(args, 2))
	if n == nil {
		return 0
	}
	m.cb.RegisterTapInterface(n.handle)
	m.netifs = append(m.netifs, n)
	return uint64(n.handle)
}

func (m *Module) removeInterface(kind tcpip.Kind) exportFunc {
	return func(args []uint64) uint64 {
		h := tcpip.Handle(arg(args, 0))
		for i, n := range m.netifs {
			if n.handle != h {
				continue
			}
			if n.kind != kind {
				m.fault("remove_%s_interface called on a %s interface", kind, n.kind)
				return 0
			}
			m.netifs = append(m.netifs[:i], m.netifs[i+1:]...)
			m.unbridge(n)
			m.heap.release(uint32(h))
			return 0
		}
		m.fault("remove_%s_interface called with unknown handle %#x", kind, uint32(h))
		return 0
	}
}

func (m *Module) setTapUp(up bool) exportFunc {
	return func(args []uint64) uint64 {
		n := m.lookupNetif(tcpip.Handle(arg(args, 0)))
		if n == nil || n.kind != tcpip.KindTap {
			m.fault("tap enable/disable called with unknown handle %#x", arg(args, 0))
			return 0
		}
		n.up = up
		return 0
	}
}

func (m *Module) interfaceField(off uint32) exportFunc {
	return func(args []uint64) uint64 {
		h := arg(args, 0)
		if m.lookupNetif(tcpip.Handle(h)) == nil {
			m.fault("interface getter called with unknown handle %#x", h)
			return 0
		}
		return uint64(h + off)
	}
}

func (m *Module) sendTun(args []uint64) uint64 {
	n := m.lookupNetif(tcpip.Handle(arg(args, 0)))
	if n == nil || n.kind != tcpip.KindTun {
		m.fault("send_tun_interface called with unknown handle %#x", arg(args, 0))
		return 0
	}
	pkt, ok := m.heap.copyOut(arg(args, 1), arg(args, 2)&0xffff)
	if !ok {
		m.fault("send_tun_interface packet out of bounds")
		return 0
	}
	m.ipInput(n, pkt)
	return 0
}

func (m *Module) sendTap(args []uint64) uint64 {
	n := m.lookupNetif(tcpip.Handle(arg(args, 0)))
	if n == nil || n.kind != tcpip.KindTap {
		m.fault("send_tap_interface called with unknown handle %#x", arg(args, 0))
		return status(engine.StatusArg)
	}
	if !n.up {
		return status(engine.StatusInterface)
	}
	frame, ok := m.heap.copyOut(arg(args, 1), arg(args, 2)&0xffff)
	if !ok {
		m.fault("send_tap_interface frame out of bounds")
		return status(engine.StatusArg)
	}
	if n.bridge != nil {
		m.bridgeInput(n.bridge, n, frame)
		return status(engine.StatusOK)
	}
	m.ethInput(n, frame)
	return status(engine.StatusOK)
}

// localNetif returns the interface owning dst, if dst is one of ours.
func (m *Module) localNetif(dst [4]byte) *netif {
	for _, n := range m.netifs {
		if n.routable() && n.hasIP() && n.ip == dst {
			return n
		}
	}
	if dst[0] == 127 {
		for _, n := range m.netifs {
			if n.routable() && n.kind == tcpip.KindLoopback {
				return n
			}
		}
	}
	return nil
}

// route picks the interface for dst. local is true when dst is delivered
// within the stack. There is no default route.
func (m *Module) route(dst [4]byte) (n *netif, local bool) {
	if n := m.localNetif(dst); n != nil {
		return n, true
	}
	for _, n := range m.netifs {
		if n.routable() && n.kind != tcpip.KindLoopback && n.onLink(dst) {
			return n, false
		}
	}
	return nil, false
}

func (m *Module) ethInput(n *netif, frame []byte) {
	if len(frame) < eth.SizeEthernetHeader {
		return
	}
	hdr := eth.DecodeEthernetHeader(frame)
	if hdr.Destination != n.mac && hdr.Destination != broadcastMAC {
		return
	}
	payload := frame[eth.SizeEthernetHeader:]
	switch hdr.AssertType() {
	case eth.EtherTypeARP:
		if len(payload) < eth.SizeARPv4Header {
			return
		}
		m.arpInput(n, eth.DecodeARPv4Header(payload))
	case eth.EtherTypeIPv4:
		m.ipInput(n, payload)
	}
}

func (m *Module) arpInput(n *netif, a eth.ARPv4Header) {
	n.arp[a.ProtoSender] = a.HardwareSender
	if pkt, ok := n.waiting[a.ProtoSender]; ok {
		delete(n.waiting, a.ProtoSender)
		m.emitFrame(n, a.HardwareSender, eth.EtherTypeIPv4, pkt)
	}
	if a.Operation != 1 || !n.hasIP() || a.ProtoTarget != n.ip {
		return
	}
	reply := eth.ARPv4Header{
		HardwareType:   1,
		ProtoType:      uint16(eth.EtherTypeIPv4),
		HardwareLength: 6,
		ProtoLength:    4,
		Operation:      2,
		HardwareSender: n.mac,
		ProtoSender:    n.ip,
		HardwareTarget: a.HardwareSender,
		ProtoTarget:    a.ProtoSender,
	}
	buf := make([]byte, eth.SizeARPv4Header)
	reply.Put(buf)
	m.emitFrame(n, a.HardwareSender, eth.EtherTypeARP, buf)
}

func (m *Module) ipInput(n *netif, pkt []byte) {
	if len(pkt) < eth.SizeIPv4Header {
		return
	}
	hdr, off := eth.DecodeIPv4Header(pkt)
	ihl := int(off)
	total := int(hdr.TotalLength)
	if hdr.Version() != 4 || ihl < eth.SizeIPv4Header || total < ihl || total > len(pkt) {
		return
	}
	dst := hdr.Destination
	if dst != broadcastIP && (!n.hasIP() || (dst != n.ip && dst != n.subnetBroadcast())) {
		return
	}
	payload := pkt[ihl:total]

	switch hdr.Protocol {
	case protoICMP:
		msg, err := icmp.ParseMessage(protoICMP, payload)
		if err != nil || msg.Type != ipv4.ICMPTypeEcho || dst != n.ip {
			return
		}
		reply := icmp.Message{Type: ipv4.ICMPTypeEchoReply, Code: 0, Body: msg.Body}
		b, err := reply.Marshal(nil)
		if err != nil {
			return
		}
		m.ipOutput(n, n.ip, hdr.Source, protoICMP, b)
	case protoUDP:
		if len(payload) < eth.SizeUDPHeader {
			return
		}
		uh := eth.DecodeUDPHeader(payload)
		end := int(uh.Length)
		if end < eth.SizeUDPHeader || end > len(payload) {
			return
		}
		m.deliverUDP(udpDelivery{
			src:     hdr.Source,
			srcPort: uh.SourcePort,
			dst:     dst,
			dstPort: uh.DestinationPort,
			data:    payload[eth.SizeUDPHeader:end],
		})
	}
}

// ipOutput wraps payload in an IPv4 header and sends it out of n.
func (m *Module) ipOutput(n *netif, src, dst [4]byte, proto uint8, payload []byte) {
	m.nextIPID++
	hdr := eth.IPv4Header{
		VersionAndIHL: 5,
		TotalLength:   uint16(eth.SizeIPv4Header + len(payload)),
		ID:            m.nextIPID,
		TTL:           64,
		Protocol:      proto,
		Source:        src,
		Destination:   dst,
	}
	hdr.Checksum = hdr.CalculateChecksum()
	pkt := make([]byte, eth.SizeIPv4Header+len(payload))
	hdr.Put(pkt)
	copy(pkt[eth.SizeIPv4Header:], payload)

	switch n.kind {
	case tcpip.KindTun:
		m.withBuffer(pkt, func(ptr uint32) {
			m.cb.ReceivePacket(n.handle, ptr, uint32(len(pkt)))
		})
	case tcpip.KindTap, tcpip.KindBridge:
		if dst == broadcastIP || dst == n.subnetBroadcast() {
			m.emitFrame(n, broadcastMAC, eth.EtherTypeIPv4, pkt)
			return
		}
		if mac, ok := n.arp[dst]; ok {
			m.emitFrame(n, mac, eth.EtherTypeIPv4, pkt)
			return
		}
		// Hold one packet per destination until it resolves.
		n.waiting[dst] = pkt
		m.arpRequest(n, dst)
	}
}

func (m *Module) arpRequest(n *netif, target [4]byte) {
	req := eth.ARPv4Header{
		HardwareType:   1,
		ProtoType:      uint16(eth.EtherTypeIPv4),
		HardwareLength: 6,
		ProtoLength:    4,
		Operation:      1,
		HardwareSender: n.mac,
		ProtoSender:    n.ip,
		ProtoTarget:    target,
	}
	buf := make([]byte, eth.SizeARPv4Header)
	req.Put(buf)
	m.emitFrame(n, broadcastMAC, eth.EtherTypeARP, buf)
}

func (m *Module) emitFrame(n *netif, dst [6]byte, typ eth.EtherType, payload []byte) {
	hdr := eth.EthernetHeader{
		Destination:     dst,
		Source:          n.mac,
		SizeOrEtherType: uint16(typ),
	}
	frame := make([]byte, eth.SizeEthernetHeader+len(payload))
	hdr.Put(frame)
	copy(frame[eth.SizeEthernetHeader:], payload)
	if n.kind == tcpip.KindBridge {
		m.bridgeOutput(n, nil, frame)
		return
	}
	m.transmit(n, frame)
}

// transmit hands frame to the host as leaving n.
func (m *Module) transmit(n *netif, frame []byte) {
	m.withBuffer(frame, func(ptr uint32) {
		m.cb.ReceiveFrame(n.handle, ptr, uint32(len(frame)))
	})
}
