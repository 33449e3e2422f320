package bindings

import (
	"context"
	"fmt"
	"iter"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go4.org/netipx"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/engine"
	"github.com/wippyai/wasm-tcpip/errors"
	"github.com/wippyai/wasm-tcpip/hooks"
	"github.com/wippyai/wasm-tcpip/loop"
	"github.com/wippyai/wasm-tcpip/memory"
	"github.com/wippyai/wasm-tcpip/resource"
	"github.com/wippyai/wasm-tcpip/stream"
)

// InterfaceOptions configures a new interface.
type InterfaceOptions struct {
	// IP is the interface address and prefix. The zero value leaves the
	// interface unaddressed.
	IP netip.Prefix
	// MAC is the Tap or bridge hardware address. The zero value picks a
	// random locally administered address. Ignored for other kinds.
	MAC tcpip.MAC
	// Ports are the Tap interfaces a bridge forwards between. Required for
	// bridges, ignored for other kinds.
	Ports []*Interface
}

// MaxBridgePorts is the most ports one bridge can join.
const MaxBridgePorts = 255

// ifaceOuter is how an interface asks the engine to act.
type ifaceOuter interface {
	send(data *memory.Pointer) error
	remove() error
	setEnabled(enabled bool) error
}

// ifaceInner is how engine events reach an interface.
type ifaceInner interface {
	received(data []byte)
}

// Interfaces binds loopback, Tun, Tap and bridge interfaces.
type Interfaces struct {
	env     *Env
	table   *resource.Table[*Interface]
	hooks   *hooks.Registry[*Interface, ifaceOuter, ifaceInner]
	pending []registration
	bridged map[*Interface]*Interface // port -> bridge, loop only
	order   []*Interface
	mu      sync.Mutex
}

type registration struct {
	kind   tcpip.Kind
	handle tcpip.Handle
}

// NewInterfaces creates the interface binding.
func NewInterfaces(env *Env) *Interfaces {
	return &Interfaces{
		env:     env,
		table:   resource.NewTable[*Interface]("interface"),
		hooks:   hooks.New[*Interface, ifaceOuter, ifaceInner]("interface"),
		bridged: make(map[*Interface]*Interface),
	}
}

// Table exposes the handle table, mainly for observers.
func (b *Interfaces) Table() *resource.Table[*Interface] {
	return b.table
}

// registered records a register_* callback raised while a create call is
// running. The create call publishes the interface itself.
func (b *Interfaces) registered(kind tcpip.Kind, h tcpip.Handle) {
	b.pending = append(b.pending, registration{kind: kind, handle: h})
}

// received copies nothing: data was already copied out of engine memory.
func (b *Interfaces) received(h tcpip.Handle, data []byte) {
	b.env.later(func() {
		iface, ok := b.table.Get(h)
		if !ok {
			b.env.Log.Warn("frame for unknown interface dropped",
				zap.Error(errors.UnknownHandle(errors.PhaseCallback, "interface", uint32(h))))
			return
		}
		inner, err := b.hooks.Inner(iface)
		if err != nil {
			b.env.Log.Error("interface has no inner hooks", zap.Error(err))
			return
		}
		inner.received(data)
	})
}

// Create creates an interface of the given kind.
func (b *Interfaces) Create(ctx context.Context, kind tcpip.Kind, opts InterfaceOptions) (*Interface, error) {
	op := fmt.Sprintf("create %s interface", kind)
	return loop.Call(ctx, b.env.Loop, func() (*Interface, error) {
		ex, err := b.env.engine(op)
		if err != nil {
			return nil, err
		}

		var ports []*Interface
		if kind == tcpip.KindBridge {
			if ports, err = b.bridgePorts(opts.Ports); err != nil {
				return nil, err
			}
		}

		var ipPtr, maskPtr, macPtr, portsPtr *memory.Pointer
		defer func() { _ = memory.Release(ipPtr, maskPtr, macPtr, portsPtr) }()

		if opts.IP.IsValid() {
			if ipPtr, err = b.env.copyAddr(opts.IP.Addr()); err != nil {
				return nil, err
			}
			mask := tcpip.Netmask(opts.IP.Bits())
			if maskPtr, err = b.env.Bridge.CopyToMemory(mask[:]); err != nil {
				return nil, err
			}
		}

		b.pending = b.pending[:0]
		var h tcpip.Handle
		switch kind {
		case tcpip.KindLoopback:
			h, err = ex.CreateLoopbackInterface(ipPtr.Addr(), maskPtr.Addr())
		case tcpip.KindTun:
			h, err = ex.CreateTunInterface(ipPtr.Addr(), maskPtr.Addr())
		case tcpip.KindTap:
			if macPtr, err = b.copyMAC(opts.MAC); err != nil {
				return nil, err
			}
			h, err = ex.CreateTapInterface(macPtr.Addr(), ipPtr.Addr(), maskPtr.Addr())
		case tcpip.KindBridge:
			if macPtr, err = b.copyMAC(opts.MAC); err != nil {
				return nil, err
			}
			handles := make([]tcpip.Handle, len(ports))
			for i, port := range ports {
				handles[i] = port.handle
			}
			if portsPtr, err = b.env.Bridge.CopyHandles(handles); err != nil {
				return nil, err
			}
			h, err = ex.CreateBridgeInterface(macPtr.Addr(), ipPtr.Addr(), maskPtr.Addr(),
				portsPtr.Addr(), uint32(len(ports)))
		default:
			return nil, errors.InvalidInput(errors.PhaseBind, fmt.Sprintf("unknown interface kind %q", kind))
		}
		regs := slices.Clone(b.pending)
		b.pending = b.pending[:0]
		if err != nil {
			return nil, err
		}
		if h == 0 {
			return nil, errors.ProtocolFailure(op, "engine returned a NULL interface")
		}

		outer := ifaceEngine{env: b.env, kind: kind, handle: h}
		// Bridges have no register import; every other kind registers
		// exactly itself.
		want := []registration{{kind: kind, handle: h}}
		if kind == tcpip.KindBridge {
			want = nil
		}
		if !slices.Equal(regs, want) {
			_ = outer.remove()
			return nil, errors.ProtocolFailure(op,
				fmt.Sprintf("engine registered %v while creating %#x", regs, uint32(h)))
		}

		iface := newInterface(b, kind, h)
		iface.load(ex)
		if err := b.publish(iface, outer); err != nil {
			_ = outer.remove()
			return nil, err
		}
		iface.ports = ports
		for _, port := range ports {
			b.bridged[port] = iface
		}

		b.mu.Lock()
		b.order = append(b.order, iface)
		b.mu.Unlock()
		b.env.Log.Debug("interface created",
			zap.String("kind", string(kind)),
			zap.Uint32("handle", uint32(h)),
			zap.Stringer("prefix", opts.IP))
		return iface, nil
	})
}

// copyMAC copies mac, or a random address when it is zero, into engine
// memory.
func (b *Interfaces) copyMAC(mac tcpip.MAC) (*memory.Pointer, error) {
	if mac.IsZero() {
		mac = tcpip.RandomMAC()
	}
	return b.env.Bridge.CopyToMemory(mac[:])
}

// bridgePorts checks that ports are distinct live Tap interfaces of this
// binding that no other bridge holds. Loop only.
func (b *Interfaces) bridgePorts(ports []*Interface) ([]*Interface, error) {
	if len(ports) == 0 {
		return nil, errors.InvalidInput(errors.PhaseBind, "a bridge needs at least one port")
	}
	if len(ports) > MaxBridgePorts {
		return nil, errors.InvalidInput(errors.PhaseBind,
			fmt.Sprintf("%d bridge ports exceed %d", len(ports), MaxBridgePorts))
	}
	seen := make(map[*Interface]bool, len(ports))
	for _, port := range ports {
		if port == nil {
			return nil, errors.InvalidInput(errors.PhaseBind, "bridge port is nil")
		}
		if cur, ok := b.table.Lookup(port.ref); !ok || cur != port {
			return nil, errors.UnknownHandle(errors.PhaseBind, "interface", uint32(port.handle))
		}
		if port.kind != tcpip.KindTap {
			return nil, errors.InvalidInput(errors.PhaseBind,
				fmt.Sprintf("bridge ports must be tap interfaces, got %s", port))
		}
		if seen[port] {
			return nil, errors.InvalidInput(errors.PhaseBind, fmt.Sprintf("%s listed twice", port))
		}
		if br, ok := b.bridged[port]; ok {
			return nil, errors.InvalidInput(errors.PhaseBind, fmt.Sprintf("%s is already a port of %s", port, br))
		}
		seen[port] = true
	}
	return slices.Clone(ports), nil
}

// publish attaches iface's hooks and then makes its handle visible. Loop
// only.
func (b *Interfaces) publish(iface *Interface, outer ifaceOuter) error {
	if err := b.hooks.SetOuter(iface, outer); err != nil {
		return err
	}
	if err := b.hooks.SetInner(iface, iface); err != nil {
		b.hooks.Delete(iface)
		return err
	}
	ref, err := b.table.Insert(iface.handle, iface)
	if err != nil {
		b.hooks.Delete(iface)
		return err
	}
	iface.ref = ref
	return nil
}

// Remove removes iface. Removing an interface twice, or one this binding
// never created, fails with an unknown handle error and touches nothing.
func (b *Interfaces) Remove(ctx context.Context, iface *Interface) error {
	if iface == nil {
		return errors.InvalidInput(errors.PhaseBind, "interface is nil")
	}
	return b.env.Loop.Do(ctx, func() error {
		cur, ok := b.table.Lookup(iface.ref)
		if !ok || cur != iface {
			return errors.UnknownHandle(errors.PhaseBind, "interface", uint32(iface.handle))
		}
		if br, ok := b.bridged[iface]; ok {
			return errors.InvalidInput(errors.PhaseBind,
				fmt.Sprintf("%s is a port of %s; remove the bridge first", iface, br))
		}
		outer, err := b.hooks.Outer(iface)
		if err != nil {
			return err
		}
		b.table.RemoveRef(iface.ref)
		b.hooks.Delete(iface)
		for _, port := range iface.ports {
			delete(b.bridged, port)
		}

		b.mu.Lock()
		b.order = slices.DeleteFunc(b.order, func(other *Interface) bool { return other == iface })
		b.mu.Unlock()

		iface.shutdown(errors.New(errors.PhaseStream, errors.KindClosed).Detail("interface removed").Build())
		return outer.remove()
	})
}

// All lists live interfaces in creation order.
func (b *Interfaces) All() []*Interface {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.order)
}

// ifaceEngine is the outer hook set of an interface.
type ifaceEngine struct {
	env    *Env
	kind   tcpip.Kind
	handle tcpip.Handle
}

func (o ifaceEngine) send(data *memory.Pointer) error {
	ex, err := o.env.engine("send interface")
	if err != nil {
		return err
	}
	switch o.kind {
	case tcpip.KindTun:
		return ex.SendTunInterface(o.handle, data.Addr(), data.Len())
	case tcpip.KindTap:
		st, err := ex.SendTapInterface(o.handle, data.Addr(), data.Len())
		if err != nil {
			return err
		}
		return st.Err("send tap interface")
	}
	return errors.Unsupported(errors.PhaseBind, fmt.Sprintf("%s interfaces do not accept frames", o.kind))
}

func (o ifaceEngine) remove() error {
	ex, err := o.env.engine("remove interface")
	if err != nil {
		return err
	}
	switch o.kind {
	case tcpip.KindLoopback:
		return ex.RemoveLoopbackInterface(o.handle)
	case tcpip.KindTun:
		return ex.RemoveTunInterface(o.handle)
	case tcpip.KindBridge:
		return ex.RemoveBridgeInterface(o.handle)
	}
	return ex.RemoveTapInterface(o.handle)
}

func (o ifaceEngine) setEnabled(enabled bool) error {
	if o.kind != tcpip.KindTap {
		return errors.Unsupported(errors.PhaseBind, fmt.Sprintf("%s interfaces cannot be enabled or disabled", o.kind))
	}
	ex, err := o.env.engine("set tap enabled")
	if err != nil {
		return err
	}
	if enabled {
		return ex.EnableTapInterface(o.handle)
	}
	return ex.DisableTapInterface(o.handle)
}

// Interface is a virtual network interface. Tap interfaces carry Ethernet
// frames, Tun interfaces carry IPv4 packets. Loopback and bridge interfaces
// carry nothing; their streams exist but stay empty and reject writes. A
// bridge's traffic leaves through its ports.
//
// Inbound traffic is dropped until a consumer shows read intent by locking
// the readable side.
type Interface struct {
	ifs       *Interfaces
	kind      tcpip.Kind
	handle    tcpip.Handle
	ref       resource.Ref
	mac       tcpip.MAC
	ip        netip.Addr
	mask      netip.Addr
	ports     []*Interface
	readable  *stream.Readable[[]byte]
	writable  *stream.Writable[[]byte]
	listening atomic.Bool
	dropped   atomic.Uint64
	wrOnce    sync.Once
	wr        *stream.Writer[[]byte]
	wrErr     error
}

func newInterface(b *Interfaces, kind tcpip.Kind, h tcpip.Handle) *Interface {
	iface := &Interface{ifs: b, kind: kind, handle: h}
	iface.readable = stream.NewReadable(stream.ReadableOptions[[]byte]{
		HighWaterMark: stream.Unbounded,
		OnLock:        func() { iface.listening.Store(true) },
	})
	iface.writable = stream.NewWritable(stream.WritableOptions[[]byte]{
		Write: iface.write,
	})
	return iface
}

// load reads the interface's addresses back from the engine.
func (i *Interface) load(ex *engine.Exports) {
	if i.kind == tcpip.KindTap || i.kind == tcpip.KindBridge {
		if ptr, err := ex.GetInterfaceMACAddress(i.handle); err == nil && ptr != 0 {
			if b, err := i.ifs.env.Bridge.CopyFromMemory(ptr, 6); err == nil {
				copy(i.mac[:], b)
			}
		}
	}
	if ptr, err := ex.GetInterfaceIP4Address(i.handle); err == nil {
		i.ip, _ = i.ifs.env.readAddr(ptr)
	}
	if ptr, err := ex.GetInterfaceIP4Netmask(i.handle); err == nil {
		i.mask, _ = i.ifs.env.readAddr(ptr)
	}
}

func (i *Interface) received(data []byte) {
	if !i.listening.Load() {
		n := i.dropped.Add(1)
		i.ifs.env.Log.Debug("inbound traffic dropped before read intent",
			zap.String("kind", string(i.kind)),
			zap.Uint32("handle", uint32(i.handle)),
			zap.Uint64("dropped", n))
		return
	}
	_ = i.readable.Enqueue(data)
}

func (i *Interface) write(ctx context.Context, data []byte) error {
	if len(data) > 0xffff {
		return errors.InvalidInput(errors.PhaseBind, fmt.Sprintf("%d byte frame exceeds 65535", len(data)))
	}
	env := i.ifs.env
	return env.Loop.Do(ctx, func() error {
		outer, err := i.ifs.hooks.Outer(i)
		if err != nil {
			// Removed while the write was queued.
			if rerr := i.readable.Err(); rerr != nil {
				return rerr
			}
			return err
		}
		ptr, err := env.Bridge.CopyToMemory(data)
		if err != nil {
			return err
		}
		defer func() { _ = ptr.Release() }()
		return outer.send(ptr)
	})
}

func (i *Interface) shutdown(err error) {
	i.readable.Error(err)
	i.writable.Error(err)
}

// Kind returns the interface kind.
func (i *Interface) Kind() tcpip.Kind { return i.kind }

// Handle returns the engine handle.
func (i *Interface) Handle() tcpip.Handle { return i.handle }

// MAC returns the hardware address. It is zero for loopback and Tun
// interfaces.
func (i *Interface) MAC() tcpip.MAC { return i.mac }

// Ports returns a bridge's ports in the order they were given.
func (i *Interface) Ports() []*Interface { return slices.Clone(i.ports) }

// IP returns the interface address, if it has one.
func (i *Interface) IP() (netip.Addr, bool) {
	return i.ip, i.ip.IsValid()
}

// Netmask returns the interface netmask, if it has one.
func (i *Interface) Netmask() (netip.Addr, bool) {
	return i.mask, i.mask.IsValid()
}

// Prefix returns the interface address together with its prefix length.
func (i *Interface) Prefix() (netip.Prefix, bool) {
	if !i.ip.IsValid() {
		return netip.Prefix{}, false
	}
	bits := 32
	if i.mask.IsValid() {
		var ok bool
		if bits, ok = tcpip.MaskBits(i.mask.As4()); !ok {
			return netip.Prefix{}, false
		}
	}
	return netip.PrefixFrom(i.ip, bits), true
}

// Broadcast returns the directed broadcast address of the interface subnet.
func (i *Interface) Broadcast() (netip.Addr, bool) {
	p, ok := i.Prefix()
	if !ok {
		return netip.Addr{}, false
	}
	return netipx.PrefixLastIP(p.Masked()), true
}

// Dropped returns how many inbound frames or packets were discarded because
// nobody was reading yet.
func (i *Interface) Dropped() uint64 { return i.dropped.Load() }

// Readable returns the inbound side.
func (i *Interface) Readable() *stream.Readable[[]byte] { return i.readable }

// Writable returns the outbound side.
func (i *Interface) Writable() *stream.Writable[[]byte] { return i.writable }

// All iterates over inbound frames or packets. It locks the readable side.
func (i *Interface) All(ctx context.Context) iter.Seq2[[]byte, error] {
	return i.readable.All(ctx)
}

// Send writes one frame or packet through an internal writer. It fails if
// another writer holds the writable side.
func (i *Interface) Send(ctx context.Context, data []byte) error {
	i.wrOnce.Do(func() {
		i.wr, i.wrErr = i.writable.GetWriter()
	})
	if i.wrErr != nil {
		return i.wrErr
	}
	return i.wr.Write(ctx, slices.Clone(data))
}

// SetEnabled brings a Tap interface up or down.
func (i *Interface) SetEnabled(ctx context.Context, enabled bool) error {
	return i.ifs.env.Loop.Do(ctx, func() error {
		outer, err := i.ifs.hooks.Outer(i)
		if err != nil {
			return errors.UnknownHandle(errors.PhaseBind, "interface", uint32(i.handle))
		}
		return outer.setEnabled(enabled)
	})
}

func (i *Interface) String() string {
	if p, ok := i.Prefix(); ok {
		return fmt.Sprintf("%s(%#x %s)", i.kind, uint32(i.handle), p)
	}
	return fmt.Sprintf("%s(%#x)", i.kind, uint32(i.handle))
}
