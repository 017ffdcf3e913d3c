// Package metrics holds the Prometheus collectors for the receive pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector used by the bridge. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	datagramsTotal   *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	overwritesTotal  prometheus.Counter
	spuriousTotal    prometheus.Counter
	dispatchedTotal  prometheus.Counter
	staleTotal       prometheus.Counter
	panicsTotal      prometheus.Counter
	requestsTotal    *prometheus.CounterVec
	rejectedTotal    *prometheus.CounterVec
	callbacksTotal   *prometheus.CounterVec
	sendsTotal       *prometheus.CounterVec
	trapsTotal       *prometheus.CounterVec
	ready            prometheus.Gauge
	latencyHistogram *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Passing a nil
// registerer leaves them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		datagramsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snmpbridge_datagrams_total",
				Help: "Datagrams read into a receive slot",
			},
			[]string{"role"},
		),
		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snmpbridge_datagrams_dropped_total",
				Help: "Datagrams discarded before reaching the engine",
			},
			[]string{"reason"},
		),
		overwritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snmpbridge_slot_overwrites_total",
			Help: "Unconsumed slots overwritten by a newer datagram",
		}),
		spuriousTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snmpbridge_spurious_wakes_total",
			Help: "Readiness wakes that yielded no datagram",
		}),
		dispatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snmpbridge_engine_invocations_total",
			Help: "Datagrams handed to the protocol engine",
		}),
		staleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snmpbridge_stale_signals_total",
			Help: "Completion signals for slots that were already empty",
		}),
		panicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snmpbridge_engine_panics_total",
			Help: "Engine panics recovered by the dispatcher",
		}),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snmpbridge_requests_total",
				Help: "SNMP requests decoded by the engine",
			},
			[]string{"pdu"},
		),
		rejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snmpbridge_requests_rejected_total",
				Help: "SNMP requests dropped by the engine",
			},
			[]string{"reason"},
		),
		callbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snmpbridge_callback_dispatch_total",
				Help: "Callback registry lookups by outcome",
			},
			[]string{"result"},
		),
		sendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snmpbridge_sends_total",
				Help: "Outbound send calls by result",
			},
			[]string{"result"},
		),
		trapsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snmpbridge_traps_total",
				Help: "Trap notifications by status",
			},
			[]string{"status"},
		),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snmpbridge_ready",
			Help: "1 once both listening sockets are open",
		}),
		latencyHistogram: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "snmpbridge_engine_latency_seconds",
				Help:    "Time spent inside the protocol engine per datagram",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pdu"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.datagramsTotal,
			m.droppedTotal,
			m.overwritesTotal,
			m.spuriousTotal,
			m.dispatchedTotal,
			m.staleTotal,
			m.panicsTotal,
			m.requestsTotal,
			m.rejectedTotal,
			m.callbacksTotal,
			m.sendsTotal,
			m.trapsTotal,
			m.ready,
			m.latencyHistogram,
		)
	}
	return m
}

// RecordDatagram counts a datagram accepted into a slot.
func (m *Metrics) RecordDatagram(role string) {
	if m == nil {
		return
	}
	m.datagramsTotal.WithLabelValues(role).Inc()
}

// RecordDrop counts a datagram discarded by the notifier or dispatcher.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Inc()
}

// RecordOverwrite counts a slot lost to a newer datagram.
func (m *Metrics) RecordOverwrite() {
	if m == nil {
		return
	}
	m.overwritesTotal.Inc()
}

func (m *Metrics) RecordSpuriousWake() {
	if m == nil {
		return
	}
	m.spuriousTotal.Inc()
}

func (m *Metrics) RecordDispatch() {
	if m == nil {
		return
	}
	m.dispatchedTotal.Inc()
}

func (m *Metrics) RecordStaleSignal() {
	if m == nil {
		return
	}
	m.staleTotal.Inc()
}

func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.panicsTotal.Inc()
}

// RecordRequest counts a decoded request and its engine latency.
func (m *Metrics) RecordRequest(pdu string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(pdu).Inc()
	m.latencyHistogram.WithLabelValues(pdu).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

// RecordCallback counts a registry lookup: "hit", "miss" or "no_value".
func (m *Metrics) RecordCallback(result string) {
	if m == nil {
		return
	}
	m.callbacksTotal.WithLabelValues(result).Inc()
}

// RecordSend counts an outbound send by result ("ok" or "error").
func (m *Metrics) RecordSend(result string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(result).Inc()
}

// RecordTrap counts a trap by status ("sent", "failed", "dropped").
func (m *Metrics) RecordTrap(status string) {
	if m == nil {
		return
	}
	m.trapsTotal.WithLabelValues(status).Inc()
}

// SetReady flips the readiness gauge.
func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.ready.Set(1)
	} else {
		m.ready.Set(0)
	}
}
