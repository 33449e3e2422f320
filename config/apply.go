package config

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"slices"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/bindings"
	"github.com/wippyai/wasm-tcpip/echo"
	"github.com/wippyai/wasm-tcpip/errors"
	"github.com/wippyai/wasm-tcpip/resolver"
	"github.com/wippyai/wasm-tcpip/stack"
	"github.com/wippyai/wasm-tcpip/wsrelay"
)

// Runtime holds what Apply created on a stack.
type Runtime struct {
	log       *zap.Logger
	stack     *stack.Stack
	cancel    context.CancelFunc
	group     *errgroup.Group
	ifaces    map[string]*bindings.Interface
	created   []*bindings.Interface
	relays    map[string]net.Addr
	servers   []*http.Server
	listeners []*bindings.Listener
	sockets   []*bindings.Socket
	resolver  bindings.Resolver
}

// Apply creates the configured interfaces, relays, resolver and services on
// s. On failure everything created so far is torn down.
func (c *Config) Apply(ctx context.Context, s *stack.Stack) (*Runtime, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, runCtx := errgroup.WithContext(runCtx)
	rt := &Runtime{
		log:    s.Logger().Named("config"),
		stack:  s,
		cancel: cancel,
		group:  g,
		ifaces: make(map[string]*bindings.Interface),
		relays: make(map[string]net.Addr),
	}
	fail := func(err error) (*Runtime, error) {
		return nil, multierr.Append(err, rt.Close(context.Background()))
	}

	for _, ic := range c.Interfaces {
		iface, err := rt.createInterface(ctx, ic)
		if err != nil {
			return fail(err)
		}
		if ic.Relay != "" {
			if err := rt.relay(runCtx, ic.Relay, iface); err != nil {
				return fail(err)
			}
		}
	}

	if c.DNS != nil {
		r, err := c.DNS.resolver(s, rt.log)
		if err != nil {
			return fail(err)
		}
		rt.resolver = r
		s.SetResolver(r)
	}

	for _, sc := range c.Services {
		if err := rt.serve(ctx, runCtx, sc); err != nil {
			return fail(err)
		}
	}
	return rt, nil
}

func (rt *Runtime) createInterface(ctx context.Context, ic InterfaceConfig) (*bindings.Interface, error) {
	kind, err := ic.kind()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "interface "+ic.Name)
	}
	prefix, err := ic.prefix()
	if err != nil {
		return nil, errors.InvalidAddress(errors.PhaseConfig, ic.Address, err)
	}
	mac, err := ic.mac()
	if err != nil {
		return nil, errors.InvalidAddress(errors.PhaseConfig, ic.MAC, err)
	}

	var iface *bindings.Interface
	switch kind {
	case tcpip.KindLoopback:
		iface, err = rt.stack.CreateLoopbackInterface(ctx, prefix)
	case tcpip.KindTun:
		iface, err = rt.stack.CreateTunInterface(ctx, prefix)
	case tcpip.KindTap:
		iface, err = rt.stack.CreateTapInterface(ctx, prefix, mac)
	case tcpip.KindBridge:
		ports := make([]*bindings.Interface, 0, len(ic.Ports))
		for _, name := range ic.Ports {
			port, ok := rt.ifaces[name]
			if !ok {
				return nil, errors.NotFound(errors.PhaseConfig, "bridge port", name)
			}
			ports = append(ports, port)
		}
		iface, err = rt.stack.CreateBridgeInterface(ctx, prefix, mac, ports...)
	}
	if err != nil {
		return nil, err
	}
	rt.created = append(rt.created, iface)
	if ic.Name != "" {
		rt.ifaces[ic.Name] = iface
	}
	if ic.Disabled {
		if err := iface.SetEnabled(ctx, false); err != nil {
			return nil, err
		}
	}
	rt.log.Info("interface created",
		zap.String("name", ic.Name),
		zap.Stringer("interface", iface))
	return iface, nil
}

func (rt *Runtime) relay(ctx context.Context, addr string, iface *bindings.Interface) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidAddress, err, "listen for relay on "+addr)
	}
	log := rt.log.With(zap.Stringer("interface", iface), zap.Stringer("relay", ln.Addr()))
	srv := &http.Server{
		Handler:           &wsrelay.Handler{Link: iface, Log: log},
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	rt.servers = append(rt.servers, srv)
	rt.relays[addr] = ln.Addr()
	rt.group.Go(func() error {
		err := srv.Serve(ln)
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	log.Info("relay listening")
	return nil
}

func (rt *Runtime) serve(ctx, runCtx context.Context, sc ServiceConfig) error {
	log := rt.log.With(zap.String("service", sc.Type), zap.String("protocol", sc.Protocol), zap.Uint16("port", sc.Port))
	switch sc.Protocol {
	case "tcp":
		l, err := rt.stack.ListenTCP(ctx, bindings.ListenOptions{Port: sc.Port})
		if err != nil {
			return err
		}
		rt.listeners = append(rt.listeners, l)
		rt.group.Go(func() error { return echo.ServeTCP(runCtx, l, log) })
	case "udp":
		sock, err := rt.stack.OpenUDP(ctx, bindings.UDPOptions{Port: sc.Port})
		if err != nil {
			return err
		}
		rt.sockets = append(rt.sockets, sock)
		rt.group.Go(func() error { return echo.ServeUDP(runCtx, sock, log) })
	default:
		return invalid("unknown protocol %q", sc.Protocol)
	}
	log.Info("service started")
	return nil
}

func (d *DNSConfig) resolver(s *stack.Stack, log *zap.Logger) (bindings.Resolver, error) {
	hosts, err := d.hosts()
	if err != nil {
		return nil, err
	}
	chain := resolver.Chain{resolver.Literal{}}
	if len(hosts) > 0 {
		chain = append(chain, resolver.Static(hosts))
	}
	if d.Server != "" {
		server, err := d.server()
		if err != nil {
			return nil, err
		}
		dns := resolver.NewDNS(s, server)
		dns.Timeout = time.Duration(d.Timeout)
		dns.Log = log.Named("dns")
		chain = append(chain, dns)
	}
	return chain, nil
}

// Interface returns the interface created under name.
func (rt *Runtime) Interface(name string) (*bindings.Interface, bool) {
	iface, ok := rt.ifaces[name]
	return iface, ok
}

// RelayAddr returns the address a relay configured as addr is bound to.
func (rt *Runtime) RelayAddr(addr string) (net.Addr, bool) {
	a, ok := rt.relays[addr]
	return a, ok
}

// Resolver returns the configured resolver, or nil without a dns section.
func (rt *Runtime) Resolver() bindings.Resolver { return rt.resolver }

// Listeners returns the TCP service listeners.
func (rt *Runtime) Listeners() []*bindings.Listener { return rt.listeners }

// Sockets returns the UDP service sockets.
func (rt *Runtime) Sockets() []*bindings.Socket { return rt.sockets }

// Close stops services and relays and removes the interfaces Apply created.
func (rt *Runtime) Close(ctx context.Context) error {
	var err error
	for _, l := range rt.listeners {
		err = multierr.Append(err, ignoreClosed(l.Close()))
	}
	for _, s := range rt.sockets {
		err = multierr.Append(err, ignoreClosed(s.Close()))
	}
	for _, srv := range rt.servers {
		err = multierr.Append(err, srv.Shutdown(ctx))
	}
	for _, iface := range slices.Backward(rt.created) {
		err = multierr.Append(err, ignoreClosed(rt.stack.RemoveInterface(ctx, iface)))
	}
	rt.cancel()
	return multierr.Append(err, rt.group.Wait())
}

func ignoreClosed(err error) error {
	if errors.IsClosed(err) || errors.IsKind(err, errors.KindUnknownHandle) {
		return nil
	}
	return err
}
