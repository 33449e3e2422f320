package resolver

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/bindings"
	"github.com/wippyai/wasm-tcpip/errors"
)

// DefaultTimeout bounds one DNS exchange when the caller's context has no
// earlier deadline.
const DefaultTimeout = 5 * time.Second

// Opener opens UDP sockets on a stack. *stack.Stack implements it.
type Opener interface {
	OpenUDP(ctx context.Context, opts bindings.UDPOptions) (*bindings.Socket, error)
}

type record struct {
	addr   netip.Addr
	expire time.Time
}

// DNS resolves A records by querying Server through sockets opened with
// Net. Answers are cached for their TTL.
type DNS struct {
	Net     Opener
	Server  netip.AddrPort
	Timeout time.Duration
	Log     *zap.Logger

	mu    sync.Mutex
	cache map[string]record
	now   func() time.Time
}

// NewDNS creates a DNS resolver.
func NewDNS(net Opener, server netip.AddrPort) *DNS {
	return &DNS{Net: net, Server: server}
}

func (d *DNS) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func (d *DNS) logger() *zap.Logger {
	if d.Log != nil {
		return d.Log
	}
	return zap.NewNop()
}

func (d *DNS) cached(name string) (netip.Addr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.cache[name]
	if !ok {
		return netip.Addr{}, false
	}
	if d.clock().After(r.expire) {
		delete(d.cache, name)
		return netip.Addr{}, false
	}
	return r.addr, true
}

func (d *DNS) store(name string, addr netip.Addr, ttl uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache == nil {
		d.cache = make(map[string]record)
	}
	d.cache[name] = record{addr: addr, expire: d.clock().Add(time.Duration(ttl) * time.Second)}
}

// LookupIPv4 returns the first A record for host. IPv4 literals are returned
// as is.
func (d *DNS) LookupIPv4(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := (Literal{}).LookupIPv4(ctx, host); err == nil {
		return addr, nil
	}
	name := dns.Fqdn(canonical(host))
	if addr, ok := d.cached(name); ok {
		return addr, nil
	}
	if d.Net == nil || !d.Server.IsValid() {
		return netip.Addr{}, errors.InvalidInput(errors.PhaseResolve, "dns resolver has no network or server")
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr, ttl, err := d.exchange(ctx, name)
	if err != nil {
		d.logger().Debug("dns lookup failed", zap.String("host", host), zap.Error(err))
		return netip.Addr{}, err
	}
	d.store(name, addr, ttl)
	return addr, nil
}

func (d *DNS) exchange(ctx context.Context, name string) (netip.Addr, uint32, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	m.RecursionDesired = true
	query, err := m.Pack()
	if err != nil {
		return netip.Addr{}, 0, errors.Wrap(errors.PhaseResolve, errors.KindInvalidInput, err, "pack dns query")
	}

	sock, err := d.Net.OpenUDP(ctx, bindings.UDPOptions{})
	if err != nil {
		return netip.Addr{}, 0, err
	}
	defer func() { _ = sock.Close() }()

	err = sock.Send(ctx, tcpip.Datagram{Addr: d.Server.Addr(), Port: d.Server.Port(), Data: query})
	if err != nil {
		return netip.Addr{}, 0, err
	}

	for {
		dg, err := sock.Receive(ctx)
		if err != nil {
			return netip.Addr{}, 0, err
		}
		if dg.AddrPort() != d.Server {
			continue
		}
		resp := new(dns.Msg)
		if err := resp.Unpack(dg.Data); err != nil || resp.Id != m.Id || !resp.Response {
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			return netip.Addr{}, 0, errors.NotFound(errors.PhaseResolve, "host",
				name+" ("+dns.RcodeToString[resp.Rcode]+")")
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
					return addr, a.Hdr.Ttl, nil
				}
			}
		}
		return netip.Addr{}, 0, errors.NotFound(errors.PhaseResolve, "A record", name)
	}
}
