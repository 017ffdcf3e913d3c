// Package pbuf provides the packet buffer handed to the SNMP engine.
package pbuf

import (
	"sync"
	"sync/atomic"
)

// Type tags where a buffer's memory came from.
type Type uint8

const (
	RAM  Type = iota // payload owned by the buffer, recycled on free
	ROM              // payload is immutable caller memory
	REF              // payload references volatile caller memory
	POOL             // payload drawn from the receive pool
)

func (t Type) String() string {
	switch t {
	case RAM:
		return "ram"
	case ROM:
		return "rom"
	case REF:
		return "ref"
	case POOL:
		return "pool"
	default:
		return "unknown"
	}
}

// PoolSize is the capacity of pooled payloads. Larger allocations bypass the pool.
const PoolSize = 1472

var payloads = sync.Pool{
	New: func() interface{} {
		b := make([]byte, PoolSize)
		return &b
	},
}

// Buffer is one segment of a (possibly chained) packet.
//
// For non-queue chains TotLen == Len + Next.TotLen. Received datagrams are
// always a single segment with Next == nil.
type Buffer struct {
	Next    *Buffer
	Payload []byte
	TotLen  int
	Len     int
	Type    Type

	ref    atomic.Int32
	pooled *[]byte
}

// Alloc returns a single segment buffer of n bytes with a reference count of one.
func Alloc(n int, t Type) *Buffer {
	b := &Buffer{TotLen: n, Len: n, Type: t}
	if n <= PoolSize && (t == RAM || t == POOL) {
		p := payloads.Get().(*[]byte)
		b.pooled = p
		b.Payload = (*p)[:n]
	} else {
		b.Payload = make([]byte, n)
	}
	b.ref.Store(1)
	return b
}

// Copy allocates a RAM buffer holding a copy of data.
func Copy(data []byte) *Buffer {
	b := Alloc(len(data), RAM)
	copy(b.Payload, data)
	return b
}

// Wrap returns a REF buffer pointing at data without copying it.
func Wrap(data []byte) *Buffer {
	b := &Buffer{Payload: data, TotLen: len(data), Len: len(data), Type: REF}
	b.ref.Store(1)
	return b
}

// Ref reports the current reference count.
func (b *Buffer) Ref() int {
	return int(b.ref.Load())
}

// Retain adds a reference.
func (b *Buffer) Retain() {
	b.ref.Add(1)
}

// Free drops one reference from every segment in the chain and returns the
// number of segments that were released.
func Free(b *Buffer) int {
	released := 0
	for b != nil {
		if b.ref.Add(-1) != 0 {
			break
		}
		next := b.Next
		if b.pooled != nil {
			payloads.Put(b.pooled)
			b.pooled = nil
		}
		b.Payload = nil
		b.Next = nil
		released++
		b = next
	}
	return released
}

// Chain appends tail to b and updates TotLen along the chain.
func Chain(b, tail *Buffer) {
	for p := b; ; p = p.Next {
		p.TotLen += tail.TotLen
		if p.Next == nil {
			p.Next = tail
			return
		}
	}
}

// Bytes flattens the chain into a single slice. A single segment is
// returned without copying.
func (b *Buffer) Bytes() []byte {
	if b.Next == nil {
		return b.Payload[:b.Len]
	}
	out := make([]byte, 0, b.TotLen)
	for p := b; p != nil; p = p.Next {
		out = append(out, p.Payload[:p.Len]...)
	}
	return out
}
