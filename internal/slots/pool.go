// Package slots implements the fixed pool of receive buffers shared between
// the notifier, which fills them, and the dispatcher, which drains them.
package slots

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/metrics"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/pbuf"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/transport"
)

var (
	// ErrSlotBusy is returned under PolicyDrop when the next slot still holds
	// an unconsumed datagram.
	ErrSlotBusy = errors.New("receive slot still holds an unconsumed datagram")

	ErrEmpty    = errors.New("empty datagram")
	ErrTooLarge = errors.New("datagram exceeds slot capacity")
)

// Policy decides what happens when the notifier reaches a slot the
// dispatcher has not drained yet.
type Policy int

const (
	// PolicyOverwrite replaces the old datagram, last writer wins. The loss is
	// counted but not otherwise surfaced.
	PolicyOverwrite Policy = iota
	// PolicyDrop keeps the old datagram and discards the new one. The cursor
	// stays put until the slot is drained.
	PolicyDrop
)

func (p Policy) String() string {
	if p == PolicyDrop {
		return "drop"
	}
	return "overwrite"
}

// ParsePolicy accepts "overwrite" or "drop". Empty means overwrite.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overwrite":
		return PolicyOverwrite, nil
	case "drop":
		return PolicyDrop, nil
	default:
		return PolicyOverwrite, fmt.Errorf("invalid slot policy %q (want overwrite or drop)", s)
	}
}

// slot holds one in-flight datagram. length 0 means free.
type slot struct {
	mu      sync.Mutex
	buf     []byte
	length  int
	from    transport.Addr
	origin  transport.Token
	pending bool // a completion signal is outstanding
}

// Datagram is a drained slot: a private copy of the payload plus the
// metadata recorded when it was read.
type Datagram struct {
	Slot   int
	Buf    *pbuf.Buffer
	From   transport.Addr
	Origin transport.Token
}

// Pool is a fixed set of slots written in round-robin order.
type Pool struct {
	slots   []*slot
	size    int
	policy  Policy
	cursor  atomic.Uint64
	metrics *metrics.Metrics

	overwrites atomic.Uint64
	drops      atomic.Uint64
}

// NewPool allocates n slots of size bytes each.
func NewPool(n, size int, policy Policy, m *metrics.Metrics) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("slot count must be positive")
	}
	if size <= 0 {
		return nil, fmt.Errorf("slot size must be positive")
	}

	p := &Pool{
		slots:   make([]*slot, n),
		size:    size,
		policy:  policy,
		metrics: m,
	}
	for i := range p.slots {
		p.slots[i] = &slot{buf: make([]byte, size)}
	}
	return p, nil
}

// Len is the number of slots.
func (p *Pool) Len() int { return len(p.slots) }

// Size is the capacity of every slot in bytes.
func (p *Pool) Size() int { return p.size }

func (p *Pool) Policy() Policy { return p.policy }

// Cursor is the index the next Fill will write to.
func (p *Pool) Cursor() int {
	return int(p.cursor.Load() % uint64(len(p.slots)))
}

// Fill copies data into the slot at the cursor and records its origin.
// It returns the slot index and whether a completion signal must be raised;
// a slot whose previous signal is still outstanding needs no second one.
//
// Under PolicyOverwrite the cursor advances unconditionally and an
// unconsumed datagram in the target slot is lost.
func (p *Pool) Fill(data []byte, from transport.Addr, origin transport.Token) (int, bool, error) {
	if len(data) == 0 {
		return -1, false, ErrEmpty
	}
	if len(data) > p.size {
		return -1, false, fmt.Errorf("%d bytes: %w", len(data), ErrTooLarge)
	}

	idx := int(p.cursor.Load() % uint64(len(p.slots)))
	s := p.slots[idx]

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.length > 0 {
		if p.policy == PolicyDrop {
			p.drops.Add(1)
			p.metrics.RecordDrop("slot_busy")
			return idx, false, ErrSlotBusy
		}
		p.overwrites.Add(1)
		p.metrics.RecordOverwrite()
	}
	p.cursor.Add(1)

	s.length = copy(s.buf, data)
	s.from = from
	s.origin = origin

	signal := !s.pending
	s.pending = true
	return idx, signal, nil
}

// Take drains slot idx. It returns false if the slot is empty, which is the
// case for stale or duplicate signals. The slot is free again on return.
func (p *Pool) Take(idx int) (Datagram, bool) {
	if idx < 0 || idx >= len(p.slots) {
		return Datagram{}, false
	}
	s := p.slots[idx]

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = false
	if s.length == 0 {
		return Datagram{}, false
	}

	buf := pbuf.Alloc(s.length, pbuf.POOL)
	copy(buf.Payload, s.buf[:s.length])
	d := Datagram{Slot: idx, Buf: buf, From: s.from, Origin: s.origin}
	s.length = 0
	return d, true
}

// Length reports how many bytes slot idx holds. Zero means free.
func (p *Pool) Length(idx int) int {
	s := p.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// Overwrites counts datagrams lost to PolicyOverwrite.
func (p *Pool) Overwrites() uint64 { return p.overwrites.Load() }

// Drops counts datagrams refused under PolicyDrop.
func (p *Pool) Drops() uint64 { return p.drops.Load() }

// Reset frees every slot and forgets outstanding signals. It returns the
// number of unconsumed datagrams discarded.
func (p *Pool) Reset() int {
	discarded := 0
	for _, s := range p.slots {
		s.mu.Lock()
		if s.length > 0 {
			discarded++
			p.metrics.RecordDrop("reset")
		}
		s.length = 0
		s.pending = false
		s.origin = transport.Token{}
		s.mu.Unlock()
	}
	return discarded
}
