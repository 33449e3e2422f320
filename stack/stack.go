package stack

import (
	"context"
	stderrors "errors"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/bindings"
	"github.com/wippyai/wasm-tcpip/engine"
	"github.com/wippyai/wasm-tcpip/errors"
	"github.com/wippyai/wasm-tcpip/loop"
	"github.com/wippyai/wasm-tcpip/resource"
)

// DefaultPumpInterval is how often the engine's timers and packet queues
// are processed.
const DefaultPumpInterval = 100 * time.Millisecond

// DefaultLoopback is the address of the loopback interface New creates.
var DefaultLoopback = netip.MustParsePrefix("127.0.0.1/8")

// Config configures a Stack.
type Config struct {
	// Engine instantiates the protocol engine. Required.
	Engine engine.Loader

	// Resolver resolves host names for ConnectTCP and UDP sends. Nil accepts
	// IPv4 literals only.
	Resolver bindings.Resolver

	// Logger receives stack logs. Nil uses bindings.Logger().
	Logger *zap.Logger

	// PumpInterval overrides DefaultPumpInterval.
	PumpInterval time.Duration

	// SkipLoopback disables the default 127.0.0.1/8 loopback interface.
	SkipLoopback bool
}

// Stack is one engine instance together with its bindings.
type Stack struct {
	id       string
	log      *zap.Logger
	loop     *loop.Loop
	env      *bindings.Env
	ifs      *bindings.Interfaces
	tcp      *bindings.TCP
	udp      *bindings.UDP
	mod      engine.Module
	exports  *engine.Exports
	group    *errgroup.Group
	cancel   context.CancelFunc
	loopback *bindings.Interface

	closeOnce sync.Once
	closeErr  error
}

// New loads the engine, starts the control loop and the pump, and creates
// the default loopback interface unless cfg.SkipLoopback is set.
func New(ctx context.Context, cfg Config) (*Stack, error) {
	if cfg.Engine == nil {
		return nil, errors.InvalidInput(errors.PhaseConfig, "engine loader is required")
	}
	interval := cfg.PumpInterval
	if interval <= 0 {
		interval = DefaultPumpInterval
	}
	log := cfg.Logger
	if log == nil {
		log = bindings.Logger()
	}
	id := uuid.NewString()
	log = log.With(zap.String("stack", id))

	l := loop.New(log)
	env := bindings.NewEnv(l, log)
	s := &Stack{
		id:   id,
		log:  log,
		loop: l,
		env:  env,
		ifs:  bindings.NewInterfaces(env),
		tcp:  bindings.NewTCP(env),
		udp:  bindings.NewUDP(env),
	}
	if cfg.Resolver != nil {
		env.SetResolver(cfg.Resolver)
	}

	mod, err := cfg.Engine.Load(ctx, bindings.NewDispatcher(env, s.ifs, s.tcp, s.udp))
	if err != nil {
		return nil, err
	}
	s.mod = mod

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.exports = engine.NewExports(runCtx, mod)
	env.Register(s.exports)
	s.observe()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return l.Run(gctx) })
	g.Go(func() error { return l.Every(gctx, interval, s.pump) })
	s.group = g

	if !cfg.SkipLoopback {
		lo, err := s.CreateLoopbackInterface(ctx, DefaultLoopback)
		if err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
			return nil, err
		}
		s.loopback = lo
	}
	log.Info("stack started", zap.Duration("pump_interval", interval))
	return s, nil
}

func (s *Stack) observe() {
	logEvents := func(ev resource.Event) {
		s.log.Debug("resource event",
			zap.Stringer("event", ev.Type),
			zap.Uint32("handle", uint32(ev.Handle)))
	}
	s.ifs.Table().Subscribe(logEvents)
	s.tcp.Listeners().Subscribe(logEvents)
	s.tcp.Conns().Subscribe(logEvents)
	s.udp.Sockets().Subscribe(logEvents)
}

// pump runs on the loop.
func (s *Stack) pump() {
	if err := s.exports.ProcessQueuedPackets(); err != nil {
		s.log.Warn("processing queued packets failed", zap.Error(err))
	}
	if err := s.exports.ProcessTimeouts(); err != nil {
		s.log.Warn("processing timeouts failed", zap.Error(err))
	}
}

// Pump runs one pump cycle now instead of waiting for the next tick.
func (s *Stack) Pump(ctx context.Context) error {
	return s.loop.Do(ctx, func() error {
		s.pump()
		return nil
	})
}

// ID returns the stack's instance ID.
func (s *Stack) ID() string { return s.id }

// Logger returns the stack's logger.
func (s *Stack) Logger() *zap.Logger { return s.log }

// Module returns the engine module.
func (s *Stack) Module() engine.Module { return s.mod }

// Loopback returns the default loopback interface, or nil.
func (s *Stack) Loopback() *bindings.Interface { return s.loopback }

// SetResolver replaces the host name resolver.
func (s *Stack) SetResolver(r bindings.Resolver) {
	s.env.SetResolver(r)
}

// CreateLoopbackInterface adds a loopback interface with the given address.
func (s *Stack) CreateLoopbackInterface(ctx context.Context, ip netip.Prefix) (*bindings.Interface, error) {
	return s.ifs.Create(ctx, tcpip.KindLoopback, bindings.InterfaceOptions{IP: ip})
}

// CreateTunInterface adds a Tun interface carrying raw IPv4 packets.
func (s *Stack) CreateTunInterface(ctx context.Context, ip netip.Prefix) (*bindings.Interface, error) {
	return s.ifs.Create(ctx, tcpip.KindTun, bindings.InterfaceOptions{IP: ip})
}

// CreateTapInterface adds a Tap interface carrying Ethernet frames. A zero
// mac picks a random one.
func (s *Stack) CreateTapInterface(ctx context.Context, ip netip.Prefix, mac tcpip.MAC) (*bindings.Interface, error) {
	return s.ifs.Create(ctx, tcpip.KindTap, bindings.InterfaceOptions{IP: ip, MAC: mac})
}

// CreateBridgeInterface bridges the given Tap interfaces of this stack. The
// bridge answers on ip itself and forwards frames between its ports. A zero
// mac picks a random one. Ports stay bridged until the bridge is removed,
// and cannot be removed before it.
func (s *Stack) CreateBridgeInterface(ctx context.Context, ip netip.Prefix, mac tcpip.MAC, ports ...*bindings.Interface) (*bindings.Interface, error) {
	return s.ifs.Create(ctx, tcpip.KindBridge, bindings.InterfaceOptions{IP: ip, MAC: mac, Ports: ports})
}

// RemoveInterface removes iface.
func (s *Stack) RemoveInterface(ctx context.Context, iface *bindings.Interface) error {
	err := s.ifs.Remove(ctx, iface)
	if err == nil && iface == s.loopback {
		s.loopback = nil
	}
	return err
}

// Interfaces lists live interfaces in creation order.
func (s *Stack) Interfaces() []*bindings.Interface {
	return s.ifs.All()
}

// ListenTCP starts a TCP listener.
func (s *Stack) ListenTCP(ctx context.Context, opts bindings.ListenOptions) (*bindings.Listener, error) {
	return s.tcp.Listen(ctx, opts)
}

// ConnectTCP opens a TCP connection and waits for the handshake.
func (s *Stack) ConnectTCP(ctx context.Context, opts bindings.ConnectOptions) (*bindings.Conn, error) {
	return s.tcp.Connect(ctx, opts)
}

// OpenUDP opens a UDP socket.
func (s *Stack) OpenUDP(ctx context.Context, opts bindings.UDPOptions) (*bindings.Socket, error) {
	return s.udp.Open(ctx, opts)
}

// Close closes every live object, stops the loop and releases the engine.
// Later calls return the first result.
func (s *Stack) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs error
		for _, c := range s.tcp.Conns().All() {
			errs = multierr.Append(errs, ignoreClosed(c.Close()))
		}
		for _, l := range s.tcp.Listeners().All() {
			errs = multierr.Append(errs, ignoreClosed(l.Close()))
		}
		for _, sock := range s.udp.Sockets().All() {
			errs = multierr.Append(errs, ignoreClosed(sock.Close()))
		}
		// Newest first, so bridges go before their ports.
		for _, iface := range slices.Backward(s.ifs.All()) {
			errs = multierr.Append(errs, ignoreClosed(s.ifs.Remove(ctx, iface)))
		}

		s.loop.Close()
		s.cancel()
		if err := s.group.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
			errs = multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, s.mod.Close(ctx))
		s.closeErr = errs
		s.log.Info("stack closed", zap.Error(errs))
	})
	return s.closeErr
}

func ignoreClosed(err error) error {
	if errors.IsClosed(err) {
		return nil
	}
	return err
}
