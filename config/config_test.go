package config

import (
	"context"
	"io"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/bindings"
	"github.com/wippyai/wasm-tcpip/enginetest"
	"github.com/wippyai/wasm-tcpip/errors"
	"github.com/wippyai/wasm-tcpip/stack"
)

const yamlConfig = `
pumpInterval: 5ms
log:
  level: debug
dns:
  server: 10.0.0.1
  hosts:
    Echo.Local.: "127.0.0.1"
interfaces:
  - name: uplink
    kind: tun
    address: 10.0.0.2/24
  - name: lan
    kind: tap
    address: 192.168.7.1/24
    mac: "02:00:00:00:00:01"
    disabled: true
services:
  - type: echo
    protocol: tcp
    port: 7
  - type: echo
    protocol: udp
    port: 7
`

const tomlConfig = `
pumpInterval = "5ms"

[log]
level = "debug"

[dns]
server = "10.0.0.1"

[dns.hosts]
"Echo.Local." = "127.0.0.1"

[[interfaces]]
name = "uplink"
kind = "tun"
address = "10.0.0.2/24"

[[interfaces]]
name = "lan"
kind = "tap"
address = "192.168.7.1/24"
mac = "02:00:00:00:00:01"
disabled = true

[[services]]
type = "echo"
protocol = "tcp"
port = 7

[[services]]
type = "echo"
protocol = "udp"
port = 7
`

const jsonConfig = `{
  "pumpInterval": "5ms",
  "log": {"level": "debug"},
  "dns": {"server": "10.0.0.1", "hosts": {"Echo.Local.": "127.0.0.1"}},
  "interfaces": [
    {"name": "uplink", "kind": "tun", "address": "10.0.0.2/24"},
    {"name": "lan", "kind": "tap", "address": "192.168.7.1/24", "mac": "02:00:00:00:00:01", "disabled": true}
  ],
  "services": [
    {"type": "echo", "protocol": "tcp", "port": 7},
    {"type": "echo", "protocol": "udp", "port": 7}
  ]
}`

func wantConfig() *Config {
	return &Config{
		PumpInterval: Duration(5 * time.Millisecond),
		Log:          LogConfig{Level: "debug"},
		DNS: &DNSConfig{
			Server: "10.0.0.1",
			Hosts:  map[string]string{"Echo.Local.": "127.0.0.1"},
		},
		Interfaces: []InterfaceConfig{
			{Name: "uplink", Kind: "tun", Address: "10.0.0.2/24"},
			{Name: "lan", Kind: "tap", Address: "192.168.7.1/24", MAC: "02:00:00:00:00:01", Disabled: true},
		},
		Services: []ServiceConfig{
			{Type: ServiceEcho, Protocol: "tcp", Port: 7},
			{Type: ServiceEcho, Protocol: "udp", Port: 7},
		},
	}
}

func TestDecode_Formats(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		input  string
	}{
		{"yaml", FormatYAML, yamlConfig},
		{"toml", FormatTOML, tomlConfig},
		{"json", FormatJSON, jsonConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(strings.NewReader(tt.input), tt.format)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if diff := cmp.Diff(wantConfig(), got); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		input   string
		wantMsg string
	}{
		{"syntax position", FormatJSON, "{\n  \"skipLoopback\": true,\n  ,\n}", "line 3"},
		{"unknown field", FormatYAML, "interfaces:\n  - kind: tun\n    colour: red\n", "unknown field"},
		{"bad duration", FormatYAML, "pumpInterval: soon\n", "invalid duration"},
		{"bad toml", FormatTOML, "pumpInterval = \n", "toml"},
		{"unknown format", Format("ini"), "", "unsupported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input), tt.format)
			if err == nil {
				t.Fatal("Decode() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Decode() error = %q, want it to contain %q", err, tt.wantMsg)
			}
			if !strings.HasPrefix(err.Error(), "[config]") {
				t.Errorf("Decode() error = %q, want config phase", err)
			}
		})
	}
}

func TestDuration_Number(t *testing.T) {
	c, err := Decode(strings.NewReader(`{"pumpInterval": 1000000}`), FormatJSON)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := time.Duration(c.PumpInterval); got != time.Millisecond {
		t.Errorf("PumpInterval = %v, want 1ms", got)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	c := &Config{
		Log: LogConfig{Level: "loud"},
		DNS: &DNSConfig{Server: "resolver", Hosts: map[string]string{"a": "::1"}},
		Interfaces: []InterfaceConfig{
			{Name: "a", Kind: "ppp"},
			{Name: "a", Kind: "tun", MAC: "02:00:00:00:00:01"},
			{Kind: "loopback", Relay: ":0"},
			{Name: "br0", Kind: "bridge", Ports: []string{"a", "later"}},
			{Kind: "bridge"},
			{Kind: "tun", Ports: []string{"br0"}},
			{Name: "tap0", Kind: "tap"},
			{Kind: "bridge", Ports: []string{"tap0"}},
			{Kind: "bridge", Ports: []string{"tap0"}},
		},
		Services: []ServiceConfig{
			{Type: ServiceEcho, Protocol: "tcp", Port: 7},
			{Type: ServiceEcho, Protocol: "tcp", Port: 7},
			{Type: "chargen", Protocol: "tcp", Port: 19},
			{Type: ServiceEcho, Protocol: "sctp", Port: 9},
		},
	}
	err := c.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	for _, want := range []string{
		"log.level",
		"invalid address \"resolver\"",
		"invalid address \"::1\"",
		"unknown interface kind \"ppp\"",
		"duplicate interface name \"a\"",
		"mac is only valid for tap and bridge interfaces",
		"loopback interfaces cannot be relayed",
		"bridge port \"a\" is not a tap interface",
		"bridge port \"later\" is not an earlier interface",
		"a bridge needs at least one port",
		"ports are only valid for bridge interfaces",
		"tap interface \"tap0\" is bridged more than once",
		"port tcp/7 is used by more than one service",
		"unknown service type \"chargen\"",
		"unknown protocol \"sctp\"",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %q\nwant it to contain %q", err, want)
		}
	}
}

func TestLoad_PicksFormatByExtension(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"stack.yaml": yamlConfig,
		"stack.toml": tomlConfig,
		"stack.json": jsonConfig,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s) error = %v", name, err)
		}
		if diff := cmp.Diff(wantConfig(), got); diff != "" {
			t.Errorf("Load(%s) mismatch (-want +got):\n%s", name, diff)
		}
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("Load(missing) error = %v, want not_found", err)
	}
}

func TestLogger(t *testing.T) {
	c := &Config{Log: LogConfig{Level: "warn", Development: true}}
	log, err := c.Logger()
	if err != nil {
		t.Fatalf("Logger() error = %v", err)
	}
	if log.Core().Enabled(-1) {
		t.Error("debug level enabled, want warn")
	}
}

func newStack(t *testing.T, c *Config) (*stack.Stack, context.Context) {
	t.Helper()
	s, err := stack.New(context.Background(), c.StackConfig(enginetest.New(enginetest.Config{}), nil))
	if err != nil {
		t.Fatalf("stack.New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(func() {
		cancel()
		if err := s.Close(context.Background()); err != nil {
			t.Errorf("stack Close() error = %v", err)
		}
	})
	return s, ctx
}

func TestApply(t *testing.T) {
	c := wantConfig()
	c.DNS.Server = ""
	s, ctx := newStack(t, c)

	rt, err := c.Apply(ctx, s)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	uplink, ok := rt.Interface("uplink")
	if !ok {
		t.Fatal("Interface(uplink) not found")
	}
	if uplink.Kind() != tcpip.KindTun {
		t.Errorf("uplink kind = %s, want tun", uplink.Kind())
	}
	lan, _ := rt.Interface("lan")
	if want := (tcpip.MAC{2, 0, 0, 0, 0, 1}); lan.MAC() != want {
		t.Errorf("lan MAC = %v, want %v", lan.MAC(), want)
	}
	if got := len(s.Interfaces()); got != 3 {
		t.Errorf("len(Interfaces()) = %d, want 3 with loopback", got)
	}

	addr, err := rt.Resolver().LookupIPv4(ctx, "echo.local")
	if err != nil {
		t.Fatalf("LookupIPv4() error = %v", err)
	}
	if addr != netip.MustParseAddr("127.0.0.1") {
		t.Errorf("LookupIPv4() = %v, want 127.0.0.1", addr)
	}

	conn, err := s.ConnectTCP(ctx, bindings.ConnectOptions{Host: "echo.local", Port: 7})
	if err != nil {
		t.Fatalf("ConnectTCP() error = %v", err)
	}
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got := make([]byte, 4)
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("echo = %q, want ping", got)
	}

	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("Runtime Close() error = %v", err)
	}
	if got := len(s.Interfaces()); got != 1 {
		t.Errorf("len(Interfaces()) after Close = %d, want only loopback", got)
	}
	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("echo connection still open after Runtime Close")
	}
}

func TestApply_Bridge(t *testing.T) {
	c := &Config{
		SkipLoopback: true,
		Interfaces: []InterfaceConfig{
			{Name: "port1", Kind: "tap"},
			{Name: "port2", Kind: "tap"},
			{Name: "br0", Kind: "bridge", Address: "192.168.1.1/24", MAC: "02:00:00:00:00:10", Ports: []string{"port1", "port2"}},
		},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	s, ctx := newStack(t, c)
	rt, err := c.Apply(ctx, s)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	br, _ := rt.Interface("br0")
	port1, _ := rt.Interface("port1")
	port2, _ := rt.Interface("port2")
	if br.Kind() != tcpip.KindBridge {
		t.Errorf("br0 kind = %s, want bridge", br.Kind())
	}
	if ports := br.Ports(); len(ports) != 2 || ports[0] != port1 || ports[1] != port2 {
		t.Errorf("Ports() = %v, want [%v %v]", ports, port1, port2)
	}
	if want := (tcpip.MAC{2, 0, 0, 0, 0, 0x10}); br.MAC() != want {
		t.Errorf("br0 MAC = %v, want %v", br.MAC(), want)
	}
	if err := s.RemoveInterface(ctx, port1); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("RemoveInterface(bridged port) error = %v, want invalid input", err)
	}

	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("Runtime Close() error = %v", err)
	}
	if got := len(s.Interfaces()); got != 0 {
		t.Errorf("len(Interfaces()) after Close = %d, want 0", got)
	}
}

func TestApply_Relay(t *testing.T) {
	c := &Config{
		SkipLoopback: true,
		Interfaces:   []InterfaceConfig{{Name: "tun", Kind: "tun", Address: "10.1.0.1/24", Relay: "127.0.0.1:0"}},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	s, ctx := newStack(t, c)
	rt, err := c.Apply(ctx, s)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	defer rt.Close(context.Background())

	addr, ok := rt.RelayAddr("127.0.0.1:0")
	if !ok {
		t.Fatal("RelayAddr() not found")
	}
	resp, err := http.Get("http://" + addr.String() + "/")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("plain GET status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestApply_RollsBackOnFailure(t *testing.T) {
	c := &Config{
		Interfaces: []InterfaceConfig{{Name: "tun", Kind: "tun", Address: "10.2.0.1/24"}},
		Services: []ServiceConfig{
			{Type: ServiceEcho, Protocol: "tcp", Port: 7},
			{Type: ServiceEcho, Protocol: "tcp", Port: 7},
		},
	}
	s, ctx := newStack(t, c)
	if _, err := c.Apply(ctx, s); err == nil {
		t.Fatal("Apply() error = nil, want duplicate listen failure")
	}
	if got := len(s.Interfaces()); got != 1 {
		t.Errorf("len(Interfaces()) = %d, want only loopback after rollback", got)
	}
}
