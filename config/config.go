// Package config describes a stack deployment in a file: interfaces to
// create, name resolution, relays and the services to run on top.
//
// Files are YAML, JSON or TOML. All three are converted to JSON and decoded
// into Config, so field names are the same in every format.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/engine"
	"github.com/wippyai/wasm-tcpip/errors"
	"github.com/wippyai/wasm-tcpip/stack"
)

// Config is the top level of a configuration file.
type Config struct {
	// Engine is the path of the compiled engine module. The command line
	// flag takes precedence.
	Engine       string            `json:"engine"`
	PumpInterval Duration          `json:"pumpInterval"`
	SkipLoopback bool              `json:"skipLoopback"`
	Log          LogConfig         `json:"log"`
	DNS          *DNSConfig        `json:"dns"`
	Interfaces   []InterfaceConfig `json:"interfaces"`
	Services     []ServiceConfig   `json:"services"`
}

// LogConfig selects the logger built by Logger.
type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// DNSConfig configures name resolution. Hosts are consulted before Server.
type DNSConfig struct {
	Server  string            `json:"server"`
	Timeout Duration          `json:"timeout"`
	Hosts   map[string]string `json:"hosts"`
}

// InterfaceConfig describes one interface to create.
type InterfaceConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Address string `json:"address"`
	MAC     string `json:"mac"`
	// Relay is an HTTP listen address. When set, the interface's traffic is
	// relayed to one WebSocket peer connecting there.
	Relay string `json:"relay"`
	// Disabled brings a tap interface's link down after creation.
	Disabled bool `json:"disabled"`
	// Ports names the tap interfaces a bridge joins. They must be declared
	// before the bridge.
	Ports []string `json:"ports"`
}

// ServiceConfig describes a service bound to a stack port.
type ServiceConfig struct {
	Type     string `json:"type"`
	Protocol string `json:"protocol"`
	Port     uint16 `json:"port"`
}

// Service types.
const (
	ServiceEcho = "echo"
)

// Duration is a time.Duration written as a Go duration string ("250ms") or
// as a number of nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(v)
	case string:
		p, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(p)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Validate checks every entry and reports all problems at once.
func (c *Config) Validate() error {
	var err error
	if c.PumpInterval < 0 {
		err = multierr.Append(err, invalid("pumpInterval must not be negative"))
	}
	if _, lerr := c.Log.level(); lerr != nil {
		err = multierr.Append(err, lerr)
	}

	names := make(map[string]tcpip.Kind)
	relays := make(map[string]bool)
	bridged := make(map[string]bool)
	for i, ic := range c.Interfaces {
		where := fmt.Sprintf("interfaces[%d]", i)
		if ierr := ic.validate(); ierr != nil {
			err = multierr.Append(err, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, ierr, where))
		}
		for _, port := range ic.Ports {
			switch kind, ok := names[port]; {
			case !ok:
				err = multierr.Append(err, invalid("%s: bridge port %q is not an earlier interface", where, port))
			case kind != tcpip.KindTap:
				err = multierr.Append(err, invalid("%s: bridge port %q is not a tap interface", where, port))
			case bridged[port]:
				err = multierr.Append(err, invalid("%s: tap interface %q is bridged more than once", where, port))
			}
			bridged[port] = true
		}
		if ic.Name != "" {
			if _, ok := names[ic.Name]; ok {
				err = multierr.Append(err, invalid("duplicate interface name %q", ic.Name))
			}
			kind, _ := ic.kind()
			names[ic.Name] = kind
		}
		if ic.Relay != "" {
			if relays[ic.Relay] {
				err = multierr.Append(err, invalid("duplicate relay address %q", ic.Relay))
			}
			relays[ic.Relay] = true
		}
	}

	if c.DNS != nil {
		if derr := c.DNS.validate(); derr != nil {
			err = multierr.Append(err, derr)
		}
	}

	ports := make(map[string]bool)
	for i, sc := range c.Services {
		if serr := sc.validate(); serr != nil {
			err = multierr.Append(err, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, serr,
				fmt.Sprintf("services[%d]", i)))
			continue
		}
		key := fmt.Sprintf("%s/%d", sc.Protocol, sc.Port)
		if ports[key] {
			err = multierr.Append(err, invalid("port %s is used by more than one service", key))
		}
		ports[key] = true
	}
	return err
}

// StackConfig returns the stack settings carried by c. The resolver is set
// later by Apply since DNS needs the stack itself.
func (c *Config) StackConfig(eng engine.Loader, log *zap.Logger) stack.Config {
	return stack.Config{
		Engine:       eng,
		Logger:       log,
		PumpInterval: time.Duration(c.PumpInterval),
		SkipLoopback: c.SkipLoopback,
	}
}

// Logger builds the logger described by the log section.
func (c *Config) Logger(opts ...zap.Option) (*zap.Logger, error) {
	lvl, err := c.Log.level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build(opts...)
}

func (l LogConfig) level() (zap.AtomicLevel, error) {
	if l.Level == "" {
		return zap.NewAtomicLevelAt(zap.InfoLevel), nil
	}
	lvl, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return lvl, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log.level")
	}
	return lvl, nil
}

func (ic InterfaceConfig) kind() (tcpip.Kind, error) {
	switch k := tcpip.Kind(strings.ToLower(ic.Kind)); k {
	case tcpip.KindLoopback, tcpip.KindTun, tcpip.KindTap, tcpip.KindBridge:
		return k, nil
	}
	return "", fmt.Errorf("unknown interface kind %q", ic.Kind)
}

func (ic InterfaceConfig) prefix() (netip.Prefix, error) {
	if ic.Address == "" {
		return netip.Prefix{}, nil
	}
	p, err := netip.ParsePrefix(ic.Address)
	if err != nil {
		return p, err
	}
	if !p.Addr().Is4() {
		return p, fmt.Errorf("address %s is not IPv4", ic.Address)
	}
	return p, nil
}

func (ic InterfaceConfig) mac() (tcpip.MAC, error) {
	if ic.MAC == "" {
		return tcpip.MAC{}, nil
	}
	return tcpip.ParseMAC(ic.MAC)
}

func (ic InterfaceConfig) validate() error {
	kind, err := ic.kind()
	if err != nil {
		return err
	}
	if _, err := ic.prefix(); err != nil {
		return err
	}
	if ic.MAC != "" && kind != tcpip.KindTap && kind != tcpip.KindBridge {
		return fmt.Errorf("mac is only valid for tap and bridge interfaces")
	}
	if _, err := ic.mac(); err != nil {
		return err
	}
	if ic.Disabled && kind != tcpip.KindTap {
		return fmt.Errorf("only tap interfaces can be disabled")
	}
	if ic.Relay != "" && (kind == tcpip.KindLoopback || kind == tcpip.KindBridge) {
		return fmt.Errorf("%s interfaces cannot be relayed", kind)
	}
	if kind == tcpip.KindBridge && len(ic.Ports) == 0 {
		return fmt.Errorf("a bridge needs at least one port")
	}
	if kind != tcpip.KindBridge && len(ic.Ports) > 0 {
		return fmt.Errorf("ports are only valid for bridge interfaces")
	}
	return nil
}

func (d *DNSConfig) server() (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(d.Server); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(d.Server)
	if err != nil {
		return netip.AddrPort{}, errors.InvalidAddress(errors.PhaseConfig, d.Server, err)
	}
	return netip.AddrPortFrom(addr, 53), nil
}

func (d *DNSConfig) hosts() (map[string]netip.Addr, error) {
	out := make(map[string]netip.Addr, len(d.Hosts))
	for name, v := range d.Hosts {
		addr, err := netip.ParseAddr(v)
		if err == nil && !addr.Is4() {
			err = fmt.Errorf("only IPv4 is supported")
		}
		if err != nil {
			return nil, errors.InvalidAddress(errors.PhaseConfig, v, err)
		}
		out[strings.TrimSuffix(strings.ToLower(name), ".")] = addr
	}
	return out, nil
}

func (d *DNSConfig) validate() error {
	var err error
	if d.Server != "" {
		if _, serr := d.server(); serr != nil {
			err = multierr.Append(err, serr)
		}
	}
	if d.Timeout < 0 {
		err = multierr.Append(err, invalid("dns.timeout must not be negative"))
	}
	if _, herr := d.hosts(); herr != nil {
		err = multierr.Append(err, herr)
	}
	return err
}

func (sc ServiceConfig) validate() error {
	if sc.Type != ServiceEcho {
		return fmt.Errorf("unknown service type %q", sc.Type)
	}
	if sc.Protocol != "tcp" && sc.Protocol != "udp" {
		return fmt.Errorf("unknown protocol %q", sc.Protocol)
	}
	if sc.Port == 0 {
		return fmt.Errorf("port is required")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf(format, args...))
}
