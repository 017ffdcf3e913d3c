package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// SocketConfig describes the agent/trap listening pair.
type SocketConfig struct {
	Listen     string
	AgentPort  int
	TrapPort   int
	RecvBuffer int // SO_RCVBUF/SO_SNDBUF in bytes, 0 keeps the kernel default
}

// Sockets is the fixed listening set. Agent serves queries; Trap originates
// notifications but is polled as well.
type Sockets struct {
	Agent *net.UDPConn
	Trap  *net.UDPConn
}

// OpenSockets binds both sockets. If either fails, whatever was opened is
// closed again and an error is returned: the pair is all or nothing.
func OpenSockets(ctx context.Context, cfg SocketConfig) (*Sockets, error) {
	agent, err := listenUDP(ctx, cfg.Listen, cfg.AgentPort, cfg.RecvBuffer)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on agent port %d: %w", cfg.AgentPort, err)
	}

	trap, err := listenUDP(ctx, cfg.Listen, cfg.TrapPort, cfg.RecvBuffer)
	if err != nil {
		if cerr := agent.Close(); cerr != nil {
			log.Printf("Error closing agent socket: %v", cerr)
		}
		return nil, fmt.Errorf("failed to listen on trap port %d: %w", cfg.TrapPort, err)
	}

	return &Sockets{Agent: agent, Trap: trap}, nil
}

// Conns returns the sockets in fixed order: agent, trap.
func (s *Sockets) Conns() []*net.UDPConn {
	return []*net.UDPConn{s.Agent, s.Trap}
}

// AgentToken is the reply token for the agent socket.
func (s *Sockets) AgentToken() Token {
	return NewToken(s.Agent, RoleAgent, localAddrPort(s.Agent))
}

// TrapToken is the reply token used for all outgoing traps.
func (s *Sockets) TrapToken() Token {
	return NewToken(s.Trap, RoleTrap, localAddrPort(s.Trap))
}

// TokenFor returns the token for the socket at index i of Conns.
func (s *Sockets) TokenFor(i int) Token {
	if i == 0 {
		return s.AgentToken()
	}
	return s.TrapToken()
}

// Close closes both sockets and returns the first error.
func (s *Sockets) Close() error {
	var first error
	for _, c := range s.Conns() {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func listenUDP(ctx context.Context, host string, port int, bufSize int) (*net.UDPConn, error) {
	cfg := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = setSocketOptions(int(fd), bufSize)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	pc, err := cfg.ListenPacket(ctx, "udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// setSocketOptions configures the socket before bind.
func setSocketOptions(fd int, bufSize int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if bufSize <= 0 {
		return nil
	}

	// Absorb bursts while the worker is busy with a slow send
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bufSize); err != nil {
		return fmt.Errorf("failed to set SO_RCVBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bufSize); err != nil {
		return fmt.Errorf("failed to set SO_SNDBUF: %w", err)
	}
	return nil
}

func localAddrPort(c *net.UDPConn) netip.AddrPort {
	if ua, ok := c.LocalAddr().(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	return netip.AddrPort{}
}

// WaitForInterface blocks until the named interface is up, the timeout
// expires or ctx is cancelled. An empty name returns immediately.
func WaitForInterface(ctx context.Context, name string, timeout time.Duration) error {
	if name == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		iface, err := net.InterfaceByName(name)
		if err == nil && iface.Flags&net.FlagUp != 0 {
			log.Printf("Interface %s is up", name)
			return nil
		}
		if err != nil {
			log.Printf("Waiting for interface %s: %v", name, err)
		} else {
			log.Printf("Waiting for interface %s to come up", name)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("interface %s not up after %s", name, timeout)
		case <-tick.C:
		}
	}
}
