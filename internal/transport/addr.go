// Package transport wraps the host UDP sockets used by the bridge: the
// agent/trap listening pair, IPv4 address translation and the outbound sender.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrNotIPv4 is returned when a peer address cannot be expressed as IPv4.
var ErrNotIPv4 = errors.New("address is not IPv4")

// Addr is an IPv4 peer. IP is kept in network order as it appears on the
// wire; Port is a host order value.
type Addr struct {
	IP   [4]byte
	Port uint16
}

// AddrFrom converts a netip address, unmapping IPv4-in-IPv6 forms.
func AddrFrom(ap netip.AddrPort) (Addr, error) {
	ip := ap.Addr().Unmap()
	if !ip.Is4() {
		return Addr{}, fmt.Errorf("%s: %w", ap, ErrNotIPv4)
	}
	return Addr{IP: ip.As4(), Port: ap.Port()}, nil
}

// AddrFromNet builds an Addr from a port in network byte order, the form a
// sockaddr_in carries it in.
func AddrFromNet(ip [4]byte, netPort uint16) Addr {
	return Addr{IP: ip, Port: Ntohs(netPort)}
}

// ParseAddr parses "a.b.c.d:port".
func ParseAddr(s string) (Addr, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Addr{}, err
	}
	return AddrFrom(ap)
}

// NetPort returns the port in network byte order.
func (a Addr) NetPort() uint16 {
	return Htons(a.Port)
}

// AddrPort converts back to a netip address.
func (a Addr) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(a.IP), a.Port)
}

func (a Addr) String() string {
	return a.AddrPort().String()
}

// Htons converts a host order port to network order.
func Htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

// Ntohs converts a network order port to host order.
func Ntohs(v uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], v)
	return binary.BigEndian.Uint16(b[:])
}
