// Package dispatch drains filled receive slots on a single worker goroutine
// and feeds them to the protocol engine.
package dispatch

import (
	"context"
	"log"
	"runtime/debug"
	"sync/atomic"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/metrics"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/pbuf"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/slots"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/transport"
)

// Engine is the protocol engine's receive entry point. Processing errors are
// the engine's concern and are not reported back. The engine owns buf for
// the duration of the call only; it must Retain it to keep it longer.
type Engine interface {
	Receive(buf *pbuf.Buffer, from transport.Addr, token transport.Token)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(buf *pbuf.Buffer, from transport.Addr, token transport.Token)

func (f EngineFunc) Receive(buf *pbuf.Buffer, from transport.Addr, token transport.Token) {
	f(buf, from, token)
}

// Dispatcher serializes engine calls. Only Run (or Handle) touches the engine.
type Dispatcher struct {
	pool    *slots.Pool
	engine  Engine
	signals chan int
	metrics *metrics.Metrics

	handled atomic.Uint64
}

// New creates a dispatcher whose signal queue holds one entry per slot. The
// pool never has more than that many signals outstanding.
func New(pool *slots.Pool, engine Engine, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		pool:    pool,
		engine:  engine,
		signals: make(chan int, pool.Len()),
		metrics: m,
	}
}

// Ready queues a completion signal for slot idx. It never blocks the I/O
// side; a signal that does not fit is dropped and the slot is picked up by
// the one already queued for it.
func (d *Dispatcher) Ready(idx int) {
	select {
	case d.signals <- idx:
	default:
		log.Printf("Dispatcher signal queue full; dropping signal for slot %d", idx)
		d.metrics.RecordDrop("signal_overflow")
	}
}

// Run consumes signals until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case idx := <-d.signals:
			d.Handle(idx)
		}
	}
}

// Handle processes one signal: drain the slot, hand the payload to the
// engine, then release the buffer. A signal for an empty slot is a no-op and
// returns false.
func (d *Dispatcher) Handle(idx int) bool {
	dg, ok := d.pool.Take(idx)
	if !ok {
		d.metrics.RecordStaleSignal()
		return false
	}

	defer pbuf.Free(dg.Buf)
	defer func() {
		// Engine failures stay on this side of the pipeline
		if r := recover(); r != nil {
			log.Printf("panic in engine for datagram from %s: %v\n%s", dg.From, r, debug.Stack())
			d.metrics.RecordPanic()
		}
	}()

	d.metrics.RecordDispatch()
	d.handled.Add(1)
	d.engine.Receive(dg.Buf, dg.From, dg.Origin)
	return true
}

// Handled is the number of datagrams passed to the engine.
func (d *Dispatcher) Handled() uint64 {
	return d.handled.Load()
}

// Pending is the number of queued signals.
func (d *Dispatcher) Pending() int {
	return len(d.signals)
}

// Drain discards queued signals and returns how many there were. It must not
// race with Run.
func (d *Dispatcher) Drain() int {
	n := 0
	for {
		select {
		case <-d.signals:
			n++
		default:
			return n
		}
	}
}
