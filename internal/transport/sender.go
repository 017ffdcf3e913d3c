package transport

import (
	"errors"
	"net/netip"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/metrics"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/pbuf"
)

// ErrNoRoute is returned for a zero Token.
var ErrNoRoute = errors.New("reply token has no socket")

// Role names which listening socket a token refers to.
type Role int

const (
	RoleAgent Role = iota
	RoleTrap
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleTrap:
		return "trap"
	default:
		return "unknown"
	}
}

// PacketWriter is the part of *net.UDPConn the sender needs.
type PacketWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Token routes a reply back out of the socket a request arrived on. The
// engine treats it as opaque.
type Token struct {
	w     PacketWriter
	role  Role
	local netip.AddrPort
}

// NewToken binds a writer to a role. local is the socket's bound address.
func NewToken(w PacketWriter, role Role, local netip.AddrPort) Token {
	return Token{w: w, role: role, local: local}
}

func (t Token) Role() Role { return t.role }

// Valid reports whether the token refers to a socket.
func (t Token) Valid() bool { return t.w != nil }

// LocalIPFor returns the local IPv4 address replies to dst would leave from.
// Only a socket bound to a specific address can answer; wildcard binds
// report false.
func LocalIPFor(t Token, dst Addr) ([4]byte, bool) {
	ip := t.local.Addr().Unmap()
	if !t.Valid() || !ip.Is4() || ip.IsUnspecified() {
		return [4]byte{}, false
	}
	return ip.As4(), true
}

// Sender writes engine buffers to the network. It is stateless apart from
// metrics and safe for concurrent use.
type Sender struct {
	metrics *metrics.Metrics
}

func NewSender(m *metrics.Metrics) *Sender {
	return &Sender{metrics: m}
}

// SendTo performs exactly one send of buf to dst through the token's socket
// and returns the transport result unchanged. It does not retry, fragment or
// queue. Chained buffers are flattened into one datagram.
func (s *Sender) SendTo(t Token, dst Addr, buf *pbuf.Buffer) (int, error) {
	if !t.Valid() {
		s.metrics.RecordSend("error")
		return -1, ErrNoRoute
	}
	n, err := t.w.WriteToUDPAddrPort(buf.Bytes(), dst.AddrPort())
	if err != nil {
		s.metrics.RecordSend("error")
		return n, err
	}
	s.metrics.RecordSend("ok")
	return n, nil
}
