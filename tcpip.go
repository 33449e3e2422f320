package tcpip

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/netip"
)

// Memory represents engine linear memory.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU32(offset uint32) (uint32, error)
	WriteU32(offset uint32, value uint32) error
	Size() uint32
}

// Allocator allocates memory in engine linear memory.
type Allocator interface {
	Alloc(size uint32) (uint32, error)
	Free(ptr uint32) error
}

// Handle identifies an engine-side resource (interface, listener,
// connection or socket). Zero is never a live handle.
type Handle uint32

// Kind is the kind of a virtual network interface.
type Kind string

const (
	KindLoopback Kind = "loopback"
	KindTun      Kind = "tun"
	KindTap      Kind = "tap"
	KindBridge   Kind = "bridge"
)

// Datagram is a single UDP payload together with its remote endpoint.
// Data is never sliced across datagram boundaries.
type Datagram struct {
	Addr netip.Addr
	Port uint16
	Data []byte
}

// AddrPort returns the datagram's remote endpoint.
func (d Datagram) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(d.Addr, d.Port)
}

// MAC is an Ethernet hardware address.
type MAC [6]byte

// ParseMAC parses a colon or dash separated 48-bit hardware address.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	hw, err := net.ParseMAC(s)
	if err != nil {
		return m, err
	}
	if len(hw) != len(m) {
		return m, fmt.Errorf("invalid MAC address length %d: %s", len(hw), s)
	}
	copy(m[:], hw)
	return m, nil
}

// RandomMAC returns a random locally administered unicast address.
func RandomMAC() MAC {
	var m MAC
	_, _ = rand.Read(m[:])
	m[0] = (m[0] | 0x02) &^ 0x01
	return m
}

// IsZero reports whether m is the all-zero address.
func (m MAC) IsZero() bool {
	return m == MAC{}
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IPv4Bytes returns the 4-byte form of addr as stored in engine memory.
func IPv4Bytes(addr netip.Addr) ([4]byte, error) {
	if !addr.Is4() && !addr.Is4In6() {
		return [4]byte{}, fmt.Errorf("not an IPv4 address: %s", addr)
	}
	return addr.Unmap().As4(), nil
}

// Netmask returns the dotted netmask of an IPv4 prefix length.
func Netmask(bits int) [4]byte {
	var m [4]byte
	for i := 0; i < 4; i++ {
		switch {
		case bits >= 8:
			m[i] = 0xff
			bits -= 8
		case bits > 0:
			m[i] = byte(0xff << (8 - bits))
			bits = 0
		}
	}
	return m
}

// MaskBits returns the prefix length of a contiguous IPv4 netmask.
func MaskBits(mask [4]byte) (int, bool) {
	ones, bits := net.IPMask(mask[:]).Size()
	if bits == 0 {
		return 0, false
	}
	return ones, true
}
