package bindings

import (
	"context"
	"fmt"
	"iter"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/engine"
	"github.com/wippyai/wasm-tcpip/errors"
	"github.com/wippyai/wasm-tcpip/hooks"
	"github.com/wippyai/wasm-tcpip/loop"
	"github.com/wippyai/wasm-tcpip/resource"
	"github.com/wippyai/wasm-tcpip/stream"
)

// Engine TCP parameters. The receive side of a connection buffers at most
// ReadableHighWaterMark bytes in its readable stream; anything beyond that
// stays staged and is not credited back to the peer's window.
const (
	MSS                   = 1460
	MaxWindowSize         = 4 * MSS
	SendBufferSize        = 4 * MSS
	ReadableHighWaterMark = MSS
)

// ListenOptions configures a listener. Host is resolved like a connect
// target and logged, but the engine always binds the wildcard address.
type ListenOptions struct {
	Host string
	Port uint16
}

// ConnectOptions names the remote end of a connection.
type ConnectOptions struct {
	Host string
	Port uint16
}

// connOuter is how a connection asks the engine to act.
type connOuter interface {
	sendChunk(ptr, length uint32) (uint32, error)
	updateReceiveBuffer(n uint32) error
	close() (engine.Status, error)
}

// connInner is how engine events reach a connection.
type connInner interface {
	received(data []byte)
	sent(n uint32)
	peerClosed()
}

// dial tracks one outbound connection attempt. Loop only.
type dial struct {
	target  string
	handle  tcpip.Handle
	pending *resource.Pending[*Conn]
	conn    *Conn
}

// TCP binds listeners and connections.
type TCP struct {
	env        *Env
	listeners  *resource.Table[*Listener]
	conns      *resource.Table[*Conn]
	hooks      *hooks.Registry[*Conn, connOuter, connInner]
	acks       map[tcpip.Handle]chan uint32
	connecting map[tcpip.Handle]*dial
}

// NewTCP creates the TCP binding.
func NewTCP(env *Env) *TCP {
	return &TCP{
		env:        env,
		listeners:  resource.NewTable[*Listener]("tcp listener"),
		conns:      resource.NewTable[*Conn]("tcp connection"),
		hooks:      hooks.New[*Conn, connOuter, connInner]("tcp connection"),
		acks:       make(map[tcpip.Handle]chan uint32),
		connecting: make(map[tcpip.Handle]*dial),
	}
}

// Listeners exposes the listener table.
func (t *TCP) Listeners() *resource.Table[*Listener] {
	return t.listeners
}

// Conns exposes the connection table.
func (t *TCP) Conns() *resource.Table[*Conn] {
	return t.conns
}

// Listen starts listening on opts.Port.
func (t *TCP) Listen(ctx context.Context, opts ListenOptions) (*Listener, error) {
	host, err := t.env.bindAddr(ctx, opts.Host)
	if err != nil {
		return nil, err
	}
	const op = "create tcp listener"
	return loop.Call(ctx, t.env.Loop, func() (*Listener, error) {
		ex, err := t.env.engine(op)
		if err != nil {
			return nil, err
		}
		hostPtr, err := t.env.copyAddr(host)
		if err != nil {
			return nil, err
		}
		defer func() { _ = hostPtr.Release() }()

		h, err := ex.CreateTCPListener(hostPtr.Addr(), opts.Port)
		if err != nil {
			return nil, err
		}
		if h == 0 {
			return nil, errors.ProtocolFailure(op, fmt.Sprintf("failed to listen on port %d", opts.Port))
		}
		l := newListener(t, h, opts.Port)
		ref, err := t.listeners.Insert(h, l)
		if err != nil {
			_, _ = ex.CloseTCPConnection(h)
			return nil, err
		}
		l.ref = ref
		t.env.Log.Debug("tcp listening",
			zap.Uint32("handle", uint32(h)),
			zap.Stringer("host", host),
			zap.Uint16("port", opts.Port))
		return l, nil
	})
}

// Connect opens a connection and waits for the handshake. There is no
// built-in timeout; bound ctx to get one.
func (t *TCP) Connect(ctx context.Context, opts ConnectOptions) (*Conn, error) {
	addr, err := t.env.resolve(ctx, opts.Host)
	if err != nil {
		return nil, err
	}
	d := &dial{target: netip.AddrPortFrom(addr, opts.Port).String()}

	const op = "create tcp connection"
	p, err := loop.Call(ctx, t.env.Loop, func() (*resource.Pending[*Conn], error) {
		ex, err := t.env.engine(op)
		if err != nil {
			return nil, err
		}
		hostPtr, err := t.env.copyAddr(addr)
		if err != nil {
			return nil, err
		}
		defer func() { _ = hostPtr.Release() }()

		h, err := ex.CreateTCPConnection(hostPtr.Addr(), opts.Port)
		if err != nil {
			return nil, err
		}
		if h == 0 {
			return nil, errors.ConnectFailed(d.target, errors.ProtocolFailure(op, "engine returned a NULL connection"))
		}
		d.handle = h
		d.pending = t.conns.Expect(h)
		t.connecting[h] = d
		return d.pending, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			t.env.Loop.Post(func() { t.abandon(d) })
		}
		return nil, err
	}

	c, err := p.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			t.env.Loop.Post(func() { t.abandon(d) })
		}
		return nil, err
	}
	return c, nil
}

// abandon undoes a connection attempt whose caller went away. Loop only.
func (t *TCP) abandon(d *dial) {
	if d.handle == 0 {
		return
	}
	if t.connecting[d.handle] == d {
		delete(t.connecting, d.handle)
		d.pending.Cancel()
		if ex, err := t.env.engine("close tcp connection"); err == nil {
			_, _ = ex.CloseTCPConnection(d.handle)
		}
		return
	}
	if d.conn != nil {
		d.conn.shutdown()
	}
}

// expectAck opens the single ack slot for h. Loop only.
func (t *TCP) expectAck(h tcpip.Handle) (chan uint32, error) {
	if _, ok := t.acks[h]; ok {
		return nil, errors.Programmer(errors.PhaseCall, fmt.Sprintf("tcp connection %#x already has a pending send", uint32(h)))
	}
	ch := make(chan uint32, 1)
	t.acks[h] = ch
	return ch, nil
}

// dropAck clears h's slot if it is still ch. Loop only.
func (t *TCP) dropAck(h tcpip.Handle, ch chan uint32) {
	if cur, ok := t.acks[h]; ok && (ch == nil || cur == ch) {
		delete(t.acks, h)
	}
}

func (t *TCP) newConn(h tcpip.Handle, remote string) (*Conn, error) {
	c := newConn(t, h, remote)
	// Hooks go in before the handle is published to waiters.
	if err := t.hooks.SetOuter(c, connEngine{env: t.env, handle: h}); err != nil {
		return nil, err
	}
	if err := t.hooks.SetInner(c, c); err != nil {
		t.hooks.Delete(c)
		return nil, err
	}
	ref, err := t.conns.Insert(h, c)
	if err != nil {
		t.hooks.Delete(c)
		return nil, err
	}
	c.ref = ref
	return c, nil
}

// closeOrphan closes a handle the binding has no object for. Loop only.
func (t *TCP) closeOrphan(h tcpip.Handle) {
	ex, err := t.env.engine("close tcp connection")
	if err != nil {
		return
	}
	if st, err := ex.CloseTCPConnection(h); err != nil || st != engine.StatusOK {
		t.env.Log.Warn("closing orphan tcp connection failed",
			zap.Uint32("handle", uint32(h)),
			zap.Stringer("status", st),
			zap.Error(err))
	}
}

// accepted handles accept_tcp_connection.
func (t *TCP) accepted(lh, ch tcpip.Handle) {
	t.env.later(func() {
		l, ok := t.listeners.Get(lh)
		if !ok || l.closed {
			t.env.Log.Warn("accept on unknown listener",
				zap.Error(errors.UnknownHandle(errors.PhaseCallback, "tcp listener", uint32(lh))),
				zap.Uint32("conn", uint32(ch)))
			t.closeOrphan(ch)
			return
		}
		c, err := t.newConn(ch, "")
		if err != nil {
			t.env.Log.Error("registering accepted connection failed", zap.Error(err))
			t.closeOrphan(ch)
			return
		}
		if err := l.accepts.Enqueue(c); err != nil {
			c.shutdown()
		}
	})
}

// connected handles connected_tcp_connection.
func (t *TCP) connected(h tcpip.Handle) {
	t.env.later(func() {
		d, ok := t.connecting[h]
		if !ok {
			// Accepted connections may be reported connected as well.
			if _, known := t.conns.Get(h); !known {
				t.env.Log.Warn("connected event dropped",
					zap.Error(errors.UnknownHandle(errors.PhaseCallback, "tcp connection", uint32(h))))
			}
			return
		}
		delete(t.connecting, h)
		c, err := t.newConn(h, d.target)
		if err != nil {
			t.env.Log.Error("registering connection failed", zap.Error(err))
			t.conns.Abort(h, errors.ConnectFailed(d.target, err))
			t.closeOrphan(h)
			return
		}
		d.conn = c
		t.env.Log.Debug("tcp connected", zap.Uint32("handle", uint32(h)), zap.String("remote", d.target))
	})
}

// closed handles closed_tcp_connection.
func (t *TCP) closed(h tcpip.Handle) {
	t.env.later(func() {
		if d, ok := t.connecting[h]; ok {
			delete(t.connecting, h)
			t.conns.Abort(h, errors.ConnectFailed(d.target, errors.Closed("tcp connection")))
			return
		}
		t.dispatch(h, "closed", func(in connInner) { in.peerClosed() })
	})
}

// receivedChunk handles receive_tcp_chunk. data is already a copy.
func (t *TCP) receivedChunk(h tcpip.Handle, data []byte) {
	t.env.later(func() {
		t.dispatch(h, "receive", func(in connInner) { in.received(data) })
	})
}

// sentChunk handles sent_tcp_chunk.
func (t *TCP) sentChunk(h tcpip.Handle, n uint32) {
	t.env.later(func() {
		t.dispatch(h, "sent", func(in connInner) { in.sent(n) })
	})
}

func (t *TCP) dispatch(h tcpip.Handle, event string, fn func(connInner)) {
	c, ok := t.conns.Get(h)
	if !ok {
		t.env.Log.Warn("tcp event for unknown connection dropped",
			zap.String("event", event),
			zap.Error(errors.UnknownHandle(errors.PhaseCallback, "tcp connection", uint32(h))))
		return
	}
	in, err := t.hooks.Inner(c)
	if err != nil {
		t.env.Log.Error("tcp connection has no inner hooks", zap.Error(err))
		return
	}
	fn(in)
}

// connEngine is the outer hook set of a connection.
type connEngine struct {
	env    *Env
	handle tcpip.Handle
}

func (o connEngine) sendChunk(ptr, length uint32) (uint32, error) {
	ex, err := o.env.engine("send tcp chunk")
	if err != nil {
		return 0, err
	}
	return ex.SendTCPChunk(o.handle, ptr, length)
}

func (o connEngine) updateReceiveBuffer(n uint32) error {
	ex, err := o.env.engine("update tcp receive buffer")
	if err != nil {
		return err
	}
	return ex.UpdateTCPReceiveBuffer(o.handle, n)
}

func (o connEngine) close() (engine.Status, error) {
	ex, err := o.env.engine("close tcp connection")
	if err != nil {
		return 0, err
	}
	return ex.CloseTCPConnection(o.handle)
}

// Listener yields inbound connections.
type Listener struct {
	tcp     *TCP
	handle  tcpip.Handle
	ref     resource.Ref
	port    uint16
	accepts *stream.Readable[*Conn]
	closed  bool // loop only
	rdOnce  sync.Once
	rd      *stream.Reader[*Conn]
	rdErr   error
}

func newListener(t *TCP, h tcpip.Handle, port uint16) *Listener {
	return &Listener{
		tcp:     t,
		handle:  h,
		port:    port,
		accepts: stream.NewReadable(stream.ReadableOptions[*Conn]{HighWaterMark: stream.Unbounded}),
	}
}

// Handle returns the engine handle.
func (l *Listener) Handle() tcpip.Handle { return l.handle }

// Port returns the listening port.
func (l *Listener) Port() uint16 { return l.port }

// Accept waits for the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	l.rdOnce.Do(func() {
		l.rd, l.rdErr = l.accepts.GetReader()
	})
	if l.rdErr != nil {
		return nil, l.rdErr
	}
	return l.rd.Read(ctx)
}

// All iterates over inbound connections until the listener is closed or
// ctx is done.
func (l *Listener) All(ctx context.Context) iter.Seq2[*Conn, error] {
	return func(yield func(*Conn, error) bool) {
		for {
			c, err := l.Accept(ctx)
			if err != nil {
				if !errors.IsClosed(err) {
					yield(nil, err)
				}
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Close stops listening. Connections not yet accepted are closed.
func (l *Listener) Close() error {
	return l.tcp.env.Loop.Do(context.Background(), func() error {
		if l.closed {
			return nil
		}
		l.closed = true
		l.tcp.listeners.RemoveRef(l.ref)
		for _, c := range l.accepts.Abort(errors.Closed("tcp listener")) {
			c.shutdown()
		}
		ex, err := l.tcp.env.engine("close tcp listener")
		if err != nil {
			return err
		}
		st, err := ex.CloseTCPConnection(l.handle)
		if err != nil {
			return err
		}
		return st.Err("close tcp listener")
	})
}
