package bindings

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"

	"go.uber.org/zap"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/engine"
	"github.com/wippyai/wasm-tcpip/errors"
	"github.com/wippyai/wasm-tcpip/loop"
	"github.com/wippyai/wasm-tcpip/memory"
)

// Resolver turns a host name into an IPv4 address.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (netip.Addr, error)
}

type resolverBox struct {
	r Resolver
}

// Env is the state shared by every binding of one stack: the control loop
// that owns the engine, the memory bridge and the engine's export table.
type Env struct {
	Loop     *loop.Loop
	Bridge   *memory.Bridge
	Log      *zap.Logger
	exports  atomic.Pointer[engine.Exports]
	resolver atomic.Pointer[resolverBox]
}

// NewEnv creates an environment around l. log may be nil.
func NewEnv(l *loop.Loop, log *zap.Logger) *Env {
	if log == nil {
		log = Logger()
	}
	return &Env{Loop: l, Bridge: &memory.Bridge{}, Log: log}
}

// Register makes the engine's exports available to the bindings and readies
// the memory bridge.
func (e *Env) Register(ex *engine.Exports) {
	e.Bridge.Register(ex.Memory(), ex)
	e.exports.Store(ex)
}

// Ready reports whether Register has been called.
func (e *Env) Ready() bool {
	return e.exports.Load() != nil
}

// SetResolver installs the resolver used for non-literal hosts.
func (e *Env) SetResolver(r Resolver) {
	if r == nil {
		e.resolver.Store(nil)
		return
	}
	e.resolver.Store(&resolverBox{r: r})
}

func (e *Env) engine(op string) (*engine.Exports, error) {
	ex := e.exports.Load()
	if ex == nil {
		return nil, errors.NotReady(op)
	}
	return ex, nil
}

// resolve returns the IPv4 address for host. Literals never hit the resolver.
func (e *Env) resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Unmap().Is4() {
			return netip.Addr{}, errors.InvalidAddress(errors.PhaseResolve, host, fmt.Errorf("only IPv4 is supported"))
		}
		return addr.Unmap(), nil
	}
	box := e.resolver.Load()
	if box == nil {
		return netip.Addr{}, errors.InvalidAddress(errors.PhaseResolve, host, fmt.Errorf("no resolver configured"))
	}
	addr, err := box.r.LookupIPv4(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr, nil
}

// copyAddr copies the 4-byte form of addr into engine memory. An invalid
// addr yields a nil Pointer, which the engine reads as NULL.
func (e *Env) copyAddr(addr netip.Addr) (*memory.Pointer, error) {
	if !addr.IsValid() {
		return nil, nil
	}
	b, err := tcpip.IPv4Bytes(addr)
	if err != nil {
		return nil, errors.InvalidAddress(errors.PhaseBind, addr.String(), err)
	}
	return e.Bridge.CopyToMemory(b[:])
}

// readAddr reads a 4-byte address from engine memory. A NULL pointer or
// the unspecified address reports false.
func (e *Env) readAddr(ptr uint32) (netip.Addr, bool) {
	if ptr == 0 {
		return netip.Addr{}, false
	}
	b, err := e.Bridge.CopyFromMemory(ptr, 4)
	if err != nil {
		return netip.Addr{}, false
	}
	addr := netip.AddrFrom4([4]byte(b))
	if addr.IsUnspecified() {
		return netip.Addr{}, false
	}
	return addr, true
}

// bindAddr resolves an optional bind host. An empty host is the wildcard.
func (e *Env) bindAddr(ctx context.Context, host string) (netip.Addr, error) {
	if host == "" {
		return netip.Addr{}, nil
	}
	return e.resolve(ctx, host)
}

// later schedules fn to run once the current engine call has unwound.
func (e *Env) later(fn func()) {
	e.Loop.Defer(fn)
}
