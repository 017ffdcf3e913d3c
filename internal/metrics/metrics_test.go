package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordDatagram("agent")
	m.RecordDrop("busy")
	m.RecordOverwrite()
	m.RecordRequest("get", time.Millisecond)
	m.SetReady(true)
}

func TestCountersRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordDatagram("agent")
	m.RecordDatagram("agent")
	m.RecordDatagram("trap")
	m.RecordOverwrite()
	m.RecordCallback("miss")
	m.SetReady(true)

	if got := testutil.ToFloat64(m.datagramsTotal.WithLabelValues("agent")); got != 2 {
		t.Fatalf("agent datagrams = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.overwritesTotal); got != 1 {
		t.Fatalf("overwrites = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ready); got != 1 {
		t.Fatalf("ready = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.callbacksTotal); n != 1 {
		t.Fatalf("callback series = %d, want 1", n)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}
}
