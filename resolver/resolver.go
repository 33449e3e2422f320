// Package resolver turns host names into IPv4 addresses for the stack.
//
// Literal accepts dotted-quad addresses only, Static serves a fixed host
// table, and DNS queries a name server over a UDP socket opened on the stack
// itself. Chain tries several resolvers in order.
package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/wippyai/wasm-tcpip/bindings"
	"github.com/wippyai/wasm-tcpip/errors"
)

// Resolver is the bindings.Resolver contract.
type Resolver = bindings.Resolver

// Literal resolves IPv4 literals and nothing else.
type Literal struct{}

func (Literal) LookupIPv4(_ context.Context, host string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, errors.InvalidAddress(errors.PhaseResolve, host, err)
	}
	if addr = addr.Unmap(); !addr.Is4() {
		return netip.Addr{}, errors.InvalidAddress(errors.PhaseResolve, host, fmt.Errorf("only IPv4 is supported"))
	}
	return addr, nil
}

// Static resolves names from a fixed table keyed by lower-case names.
// Lookups ignore case and a trailing dot.
type Static map[string]netip.Addr

func (s Static) LookupIPv4(_ context.Context, host string) (netip.Addr, error) {
	if addr, ok := s[canonical(host)]; ok {
		return addr, nil
	}
	return netip.Addr{}, errors.NotFound(errors.PhaseResolve, "host", host)
}

func canonical(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// Chain asks each resolver in turn and returns the first answer. When all
// fail, the last error is returned.
type Chain []Resolver

func (c Chain) LookupIPv4(ctx context.Context, host string) (netip.Addr, error) {
	err := error(errors.NotFound(errors.PhaseResolve, "host", host))
	for _, r := range c {
		addr, lerr := r.LookupIPv4(ctx, host)
		if lerr == nil {
			return addr, nil
		}
		if ctx.Err() != nil {
			return netip.Addr{}, ctx.Err()
		}
		err = lerr
	}
	return netip.Addr{}, err
}
