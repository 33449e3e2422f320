package enginetest

import (
	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/engine"
)

const pcbBlock = 32

type tcpState int

const (
	tcpListen tcpState = iota
	tcpSynSent
	tcpEstablished
	tcpCloseWait
	tcpClosing
	tcpClosed
)

type tcpPCB struct {
	handle     tcpip.Handle
	state      tcpState
	localIP    [4]byte
	localPort  uint16
	remoteIP   [4]byte
	remotePort uint16
	peer       *tcpPCB
	sendQ      []byte
	rcvWnd     int
	// detached is set once the host closed the handle; no further
	// callbacks are raised for it.
	detached bool
}

func (m *Module) newPCB(state tcpState) *tcpPCB {
	h := m.heap.alloc(pcbBlock)
	if h == 0 {
		return nil
	}
	p := &tcpPCB{handle: tcpip.Handle(h), state: state, rcvWnd: MaxWindowSize}
	m.tcp[p.handle] = p
	m.tcpOrder = append(m.tcpOrder, p)
	return p
}

// dropPCB forgets p and frees its handle.
func (m *Module) dropPCB(p *tcpPCB) {
	if m.tcp[p.handle] == p {
		delete(m.tcp, p.handle)
		m.heap.release(uint32(p.handle))
	}
	p.state = tcpClosed
	for i, q := range m.tcpOrder {
		if q == p {
			m.tcpOrder = append(m.tcpOrder[:i], m.tcpOrder[i+1:]...)
			break
		}
	}
}

func (m *Module) lookupPCB(op string, h uint32) *tcpPCB {
	p, ok := m.tcp[tcpip.Handle(h)]
	if !ok {
		m.fault("%s called with unknown handle %#x", op, h)
		return nil
	}
	return p
}

func (m *Module) tcpPortInUse(port uint16) bool {
	for _, p := range m.tcp {
		if p.localPort == port && p.state != tcpClosed {
			return true
		}
	}
	return false
}

func (m *Module) listenerFor(port uint16) *tcpPCB {
	for _, p := range m.tcpOrder {
		if p.state == tcpListen && p.localPort == port {
			return p
		}
	}
	return nil
}

func (m *Module) createTCPListener(args []uint64) uint64 {
	port := uint16(arg(args, 1))
	if port == 0 {
		port = m.ephemeralPort(m.tcpPortInUse)
	} else if m.listenerFor(port) != nil {
		return 0
	}
	p := m.newPCB(tcpListen)
	if p == nil {
		return 0
	}
	p.localPort = port
	return uint64(p.handle)
}

func (m *Module) createTCPConnection(args []uint64) uint64 {
	hostPtr := arg(args, 0)
	if hostPtr == 0 {
		m.fault("create_tcp_connection called without a host")
		return 0
	}
	dst, ok := m.heap.addr4(hostPtr)
	if !ok {
		m.fault("create_tcp_connection host pointer %#x out of bounds", hostPtr)
		return 0
	}
	n, _ := m.route(dst)
	if n == nil {
		return 0
	}
	p := m.newPCB(tcpSynSent)
	if p == nil {
		return 0
	}
	p.localIP = n.ip
	p.localPort = m.ephemeralPort(m.tcpPortInUse)
	p.remoteIP = dst
	p.remotePort = uint16(arg(args, 1))
	m.syns = append(m.syns, p)
	return uint64(p.handle)
}

func (m *Module) closeTCPConnection(args []uint64) uint64 {
	p := m.lookupPCB(engine.ExportCloseTCPConnection, arg(args, 0))
	if p == nil {
		return status(engine.StatusArg)
	}
	p.detached = true
	switch p.state {
	case tcpEstablished, tcpCloseWait:
		if p.peer == nil {
			m.dropPCB(p)
			break
		}
		// The FIN goes out once queued data has been delivered.
		p.state = tcpClosing
		delete(m.tcp, p.handle)
		m.heap.release(uint32(p.handle))
	default:
		m.dropPCB(p)
	}
	return status(engine.StatusOK)
}

func (m *Module) sendTCPChunk(args []uint64) uint64 {
	p := m.lookupPCB(engine.ExportSendTCPChunk, arg(args, 0))
	if p == nil {
		return 0
	}
	if p.state != tcpEstablished && p.state != tcpCloseWait {
		return 0
	}
	n := int(arg(args, 2) & 0xffff)
	n = min(n, SendBufferSize-len(p.sendQ))
	if n <= 0 {
		return 0
	}
	chunk, ok := m.heap.bytes(arg(args, 1), uint32(n))
	if !ok {
		m.fault("send_tcp_chunk buffer out of bounds")
		return 0
	}
	p.sendQ = append(p.sendQ, chunk...)
	return uint64(n)
}

func (m *Module) updateTCPReceiveBuffer(args []uint64) uint64 {
	p := m.lookupPCB(engine.ExportUpdateTCPReceiveBuffer, arg(args, 0))
	if p == nil {
		return 0
	}
	p.rcvWnd = min(p.rcvWnd+int(arg(args, 1)&0xffff), MaxWindowSize)
	return 0
}

func (m *Module) processSYNs() {
	syns := m.syns
	m.syns = nil
	for _, c := range syns {
		if c.state != tcpSynSent {
			continue
		}
		var l *tcpPCB
		if m.localNetif(c.remoteIP) != nil {
			l = m.listenerFor(c.remotePort)
		}
		if l == nil {
			// Refused, or addressed off-stack where nothing answers.
			h := c.handle
			m.dropPCB(c)
			m.cb.ClosedTCPConnection(h)
			continue
		}
		s := m.newPCB(tcpEstablished)
		if s == nil {
			h := c.handle
			m.dropPCB(c)
			m.cb.ClosedTCPConnection(h)
			continue
		}
		s.localIP, s.localPort = c.remoteIP, c.remotePort
		s.remoteIP, s.remotePort = c.localIP, c.localPort
		s.peer, c.peer = c, s
		c.state = tcpEstablished

		m.cb.AcceptTCPConnection(l.handle, s.handle)
		m.cb.ConnectedTCPConnection(c.handle)
	}
}

func (m *Module) processTCPTransfers() {
	for _, p := range m.tcpOrder {
		if len(p.sendQ) == 0 {
			continue
		}
		q := p.peer
		if q == nil || q.state == tcpClosed {
			// Nobody left to receive it.
			sent := len(p.sendQ)
			p.sendQ = nil
			if !p.detached {
				m.cb.SentTCPChunk(p.handle, uint32(sent))
			}
			continue
		}
		n := min(len(p.sendQ), q.rcvWnd)
		for off := 0; off < n; off += MSS {
			seg := p.sendQ[off:min(off+MSS, n)]
			q.rcvWnd -= len(seg)
			if q.detached {
				continue
			}
			m.withBuffer(seg, func(ptr uint32) {
				m.cb.ReceiveTCPChunk(q.handle, ptr, uint32(len(seg)))
			})
		}
		p.sendQ = p.sendQ[n:]
		if n > 0 && !p.detached {
			m.cb.SentTCPChunk(p.handle, uint32(n))
		}
	}
}

func (m *Module) processFINs() {
	for _, p := range append([]*tcpPCB(nil), m.tcpOrder...) {
		if p.state != tcpClosing || len(p.sendQ) > 0 {
			continue
		}
		q := p.peer
		m.dropPCB(p)
		if q == nil {
			continue
		}
		q.peer = nil
		if q.detached {
			m.dropPCB(q)
			continue
		}
		if q.state == tcpEstablished {
			q.state = tcpCloseWait
			m.cb.ClosedTCPConnection(q.handle)
		}
	}
}
