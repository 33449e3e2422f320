package bindings

import (
	"context"
	"fmt"
	"iter"
	"net/netip"
	"slices"
	"sync"

	"go.uber.org/zap"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/errors"
	"github.com/wippyai/wasm-tcpip/hooks"
	"github.com/wippyai/wasm-tcpip/loop"
	"github.com/wippyai/wasm-tcpip/memory"
	"github.com/wippyai/wasm-tcpip/resource"
	"github.com/wippyai/wasm-tcpip/stream"
)

// UDPOptions configures a socket. Zero values bind the wildcard address and
// an ephemeral port. A non-literal Host goes through the stack resolver.
type UDPOptions struct {
	Host string
	Port uint16
}

type socketOuter interface {
	send(addr netip.Addr, port uint16, data []byte) error
	close() error
}

type socketInner interface {
	received(d tcpip.Datagram)
}

// UDP binds datagram sockets.
type UDP struct {
	env     *Env
	sockets *resource.Table[*Socket]
	hooks   *hooks.Registry[*Socket, socketOuter, socketInner]
}

// NewUDP creates the UDP binding.
func NewUDP(env *Env) *UDP {
	return &UDP{
		env:     env,
		sockets: resource.NewTable[*Socket]("udp socket"),
		hooks:   hooks.New[*Socket, socketOuter, socketInner]("udp socket"),
	}
}

// Sockets exposes the socket table.
func (u *UDP) Sockets() *resource.Table[*Socket] {
	return u.sockets
}

// Open opens a socket.
func (u *UDP) Open(ctx context.Context, opts UDPOptions) (*Socket, error) {
	host, err := u.env.bindAddr(ctx, opts.Host)
	if err != nil {
		return nil, err
	}
	const op = "open udp socket"
	return loop.Call(ctx, u.env.Loop, func() (*Socket, error) {
		ex, err := u.env.engine(op)
		if err != nil {
			return nil, err
		}
		hostPtr, err := u.env.copyAddr(host)
		if err != nil {
			return nil, err
		}
		defer func() { _ = hostPtr.Release() }()

		h, err := ex.OpenUDPSocket(hostPtr.Addr(), opts.Port)
		if err != nil {
			return nil, err
		}
		if h == 0 {
			return nil, errors.ProtocolFailure(op, fmt.Sprintf("failed to open udp socket on port %d", opts.Port))
		}
		s := newSocket(u, h)
		if err := u.hooks.SetOuter(s, socketEngine{env: u.env, handle: h}); err != nil {
			_ = ex.CloseUDPSocket(h)
			return nil, err
		}
		if err := u.hooks.SetInner(s, s); err != nil {
			u.hooks.Delete(s)
			_ = ex.CloseUDPSocket(h)
			return nil, err
		}
		ref, err := u.sockets.Insert(h, s)
		if err != nil {
			u.hooks.Delete(s)
			_ = ex.CloseUDPSocket(h)
			return nil, err
		}
		s.ref = ref
		u.env.Log.Debug("udp socket opened",
			zap.Uint32("handle", uint32(h)),
			zap.Stringer("host", host),
			zap.Uint16("port", opts.Port))
		return s, nil
	})
}

// receivedDatagram handles receive_udp_datagram. d.Data is already a copy.
func (u *UDP) receivedDatagram(h tcpip.Handle, d tcpip.Datagram) {
	u.env.later(func() {
		s, ok := u.sockets.Get(h)
		if !ok {
			u.env.Log.Warn("datagram for unknown socket dropped",
				zap.Error(errors.UnknownHandle(errors.PhaseCallback, "udp socket", uint32(h))))
			return
		}
		in, err := u.hooks.Inner(s)
		if err != nil {
			u.env.Log.Error("udp socket has no inner hooks", zap.Error(err))
			return
		}
		in.received(d)
	})
}

type socketEngine struct {
	env    *Env
	handle tcpip.Handle
}

func (o socketEngine) send(addr netip.Addr, port uint16, data []byte) error {
	const op = "send udp datagram"
	ex, err := o.env.engine(op)
	if err != nil {
		return err
	}
	addrPtr, err := o.env.copyAddr(addr)
	if err != nil {
		return err
	}
	dataPtr, err := o.env.Bridge.CopyToMemory(data)
	if err != nil {
		_ = addrPtr.Release()
		return err
	}
	defer func() { _ = memory.Release(addrPtr, dataPtr) }()

	st, err := ex.SendUDPDatagram(o.handle, addrPtr.Addr(), port, dataPtr.Addr(), dataPtr.Len())
	if err != nil {
		return err
	}
	return st.Err(op)
}

func (o socketEngine) close() error {
	ex, err := o.env.engine("close udp socket")
	if err != nil {
		return err
	}
	return ex.CloseUDPSocket(o.handle)
}

// Socket is an unconnected UDP socket. Its readable side yields inbound
// datagrams in arrival order; its writable side sends one datagram per write.
type Socket struct {
	udp      *UDP
	handle   tcpip.Handle
	ref      resource.Ref
	readable *stream.Readable[tcpip.Datagram]
	writable *stream.Writable[tcpip.Datagram]
	closed   bool // loop only

	rdMu sync.Mutex
	rd   *stream.Reader[tcpip.Datagram]
}

func newSocket(u *UDP, h tcpip.Handle) *Socket {
	s := &Socket{udp: u, handle: h}
	s.readable = stream.NewReadable(stream.ReadableOptions[tcpip.Datagram]{
		HighWaterMark: stream.Unbounded,
	})
	s.writable = stream.NewWritable(stream.WritableOptions[tcpip.Datagram]{
		Write: s.send,
	})
	return s
}

// Handle returns the engine handle.
func (s *Socket) Handle() tcpip.Handle { return s.handle }

// Readable returns the receive side.
func (s *Socket) Readable() *stream.Readable[tcpip.Datagram] { return s.readable }

// Writable returns the send side.
func (s *Socket) Writable() *stream.Writable[tcpip.Datagram] { return s.writable }

func (s *Socket) received(d tcpip.Datagram) {
	if s.closed {
		return
	}
	_ = s.readable.Enqueue(d)
}

func (s *Socket) send(ctx context.Context, d tcpip.Datagram) error {
	if len(d.Data) > 0xffff {
		return errors.InvalidInput(errors.PhaseBind, fmt.Sprintf("%d byte datagram exceeds 65535", len(d.Data)))
	}
	if !d.Addr.Unmap().Is4() {
		return errors.InvalidAddress(errors.PhaseBind, d.Addr.String(), fmt.Errorf("only IPv4 is supported"))
	}
	return s.udp.env.Loop.Do(ctx, func() error {
		if s.closed {
			return errors.Closed("udp socket")
		}
		outer, err := s.udp.hooks.Outer(s)
		if err != nil {
			return err
		}
		return outer.send(d.Addr.Unmap(), d.Port, d.Data)
	})
}

// Send sends one datagram. It bypasses the writable lock, so it may be used
// alongside a locked writer.
func (s *Socket) Send(ctx context.Context, d tcpip.Datagram) error {
	if err := s.writable.Err(); err != nil {
		return err
	}
	return s.send(ctx, d)
}

// SendTo resolves host and sends data to it.
func (s *Socket) SendTo(ctx context.Context, host string, port uint16, data []byte) error {
	addr, err := s.udp.env.resolve(ctx, host)
	if err != nil {
		return err
	}
	return s.Send(ctx, tcpip.Datagram{Addr: addr, Port: port, Data: slices.Clone(data)})
}

// Receive waits for the next datagram.
func (s *Socket) Receive(ctx context.Context) (tcpip.Datagram, error) {
	s.rdMu.Lock()
	if s.rd == nil {
		rd, err := s.readable.GetReader()
		if err != nil {
			s.rdMu.Unlock()
			return tcpip.Datagram{}, err
		}
		s.rd = rd
	}
	rd := s.rd
	s.rdMu.Unlock()
	return rd.Read(ctx)
}

// All iterates over inbound datagrams. It locks the readable side.
func (s *Socket) All(ctx context.Context) iter.Seq2[tcpip.Datagram, error] {
	return s.readable.All(ctx)
}

// Close closes the socket. Closing twice is a no-op.
func (s *Socket) Close() error {
	return s.udp.env.Loop.Do(context.Background(), func() error {
		if s.closed {
			return nil
		}
		s.closed = true
		outer, outerErr := s.udp.hooks.Outer(s)
		if cur, ok := s.udp.sockets.Lookup(s.ref); ok && cur == s {
			s.udp.sockets.RemoveRef(s.ref)
		}
		s.udp.hooks.Delete(s)

		err := errors.Closed("udp socket")
		s.readable.Error(err)
		s.writable.Error(err)
		if outerErr != nil {
			return outerErr
		}
		return outer.close()
	})
}
