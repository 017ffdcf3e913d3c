// Package notifier waits for readability on the listening sockets and moves
// each arriving datagram into the slot pool.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/metrics"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/slots"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/transport"
	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Poll once a listening socket has been closed.
var ErrClosed = errors.New("listening socket closed")

// ReadyFunc raises the completion signal for a filled slot. A slot refilled
// before its signal was consumed is covered by the outstanding signal and is
// not signalled twice.
type ReadyFunc func(slot int)

// Options tune the notifier. Zero values take defaults.
type Options struct {
	// PollInterval bounds each readiness wait so Run can notice cancellation.
	// It never interrupts a read in progress.
	PollInterval time.Duration
	// OnRead, if set, is called once per completed read with the slot index.
	OnRead  func(slot int)
	Metrics *metrics.Metrics
}

// Notifier owns the I/O side of the pipeline. It is not safe to call Poll
// from more than one goroutine.
type Notifier struct {
	pool    *slots.Pool
	conns   []*net.UDPConn
	tokens  []transport.Token
	pollFds []unix.PollFd
	ready   ReadyFunc
	scratch []byte

	interval time.Duration
	onRead   func(slot int)
	metrics  *metrics.Metrics
}

// New prepares a notifier over the fixed socket set.
func New(pool *slots.Pool, socks *transport.Sockets, ready ReadyFunc, opts Options) (*Notifier, error) {
	if ready == nil {
		return nil, fmt.Errorf("ready callback is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	n := &Notifier{
		pool:     pool,
		conns:    socks.Conns(),
		ready:    ready,
		scratch:  make([]byte, pool.Size()),
		interval: opts.PollInterval,
		onRead:   opts.OnRead,
		metrics:  opts.Metrics,
	}

	for i, c := range n.conns {
		fd, err := socketFd(c)
		if err != nil {
			return nil, fmt.Errorf("socket %d: %w", i, err)
		}
		n.pollFds = append(n.pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		n.tokens = append(n.tokens, socks.TokenFor(i))
	}
	return n, nil
}

func socketFd(c *net.UDPConn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// Run polls until ctx is cancelled or a socket is closed underneath it.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := n.Poll(n.interval); err != nil {
			if errors.Is(err, ErrClosed) && ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Poll waits up to timeout for any socket to become readable, then reads one
// datagram from each readable socket. It returns how many slots were filled.
func (n *Notifier) Poll(timeout time.Duration) (int, error) {
	for i := range n.pollFds {
		n.pollFds[i].Revents = 0
	}

	ready, err := unix.Poll(n.pollFds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if ready == 0 {
		return 0, nil
	}

	filled := 0
	for i, pfd := range n.pollFds {
		if pfd.Revents&unix.POLLNVAL != 0 {
			return filled, ErrClosed
		}
		if pfd.Revents&(unix.POLLIN|unix.POLLERR) == 0 {
			continue
		}
		ok, err := n.readOne(i)
		if err != nil {
			return filled, err
		}
		if ok {
			filled++
		}
	}
	return filled, nil
}

// readOne drains exactly one datagram from socket i. Failed or empty reads
// leave the pool untouched and raise no signal.
func (n *Notifier) readOne(i int) (bool, error) {
	conn := n.conns[i]
	role := n.tokens[i].Role().String()

	size, _, flags, from, err := conn.ReadMsgUDPAddrPort(n.scratch, nil)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return false, ErrClosed
		}
		log.Printf("Error reading from %s socket: %v", role, err)
		n.metrics.RecordSpuriousWake()
		return false, nil
	}
	if size == 0 {
		n.metrics.RecordSpuriousWake()
		return false, nil
	}
	if flags&unix.MSG_TRUNC != 0 {
		log.Printf("Dropping truncated datagram from %s on %s socket (slot size %d)", from, role, n.pool.Size())
		n.metrics.RecordDrop("truncated")
		return false, nil
	}

	addr, err := transport.AddrFrom(from)
	if err != nil {
		n.metrics.RecordDrop("not_ipv4")
		return false, nil
	}

	idx, signal, err := n.pool.Fill(n.scratch[:size], addr, n.tokens[i])
	if err != nil {
		if !errors.Is(err, slots.ErrSlotBusy) {
			log.Printf("Dropping datagram from %s: %v", addr, err)
		}
		return false, nil
	}
	n.metrics.RecordDatagram(role)

	if n.onRead != nil {
		n.onRead(idx)
	}
	if signal {
		n.ready(idx)
	}
	return true, nil
}
