package server

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/callback"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/config"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/transport"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/traps"
	"github.com/gosnmp/gosnmp"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Listen:       "127.0.0.1",
		AgentPort:    -1,
		TrapPort:     -1,
		PollInterval: 20 * time.Millisecond,
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, reg *callback.Registry) (*Server, context.CancelFunc) {
	t.Helper()
	s, err := New(cfg, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
		s.Stop()
	})
	return s, cancel
}

func TestGetThroughFullStack(t *testing.T) {
	reg := callback.NewRegistry()
	if _, err := reg.Register("1.3.6.1.4.1.9999.2.*", callback.Constant(100)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s, _ := startServer(t, testConfig(t), reg)

	addr := s.AgentAddr()
	client := &gosnmp.GoSNMP{
		Target:    addr.Addr().String(),
		Port:      addr.Port(),
		Community: "public",
		Version:   gosnmp.Version2c,
		Timeout:   2 * time.Second,
		Retries:   1,
	}
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{".1.3.6.1.4.1.9999.2.1", ".1.3.6.1.2.1.1.5.0"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(result.Variables) != 2 {
		t.Fatalf("got %d varbinds, want 2", len(result.Variables))
	}
	if v, ok := result.Variables[0].Value.(int); !ok || v != 100 {
		t.Fatalf("callback value = %v (%T), want 100", result.Variables[0].Value, result.Variables[0].Value)
	}
	if result.Variables[1].Type != gosnmp.OctetString {
		t.Fatalf("sysName type = %v, want OctetString", result.Variables[1].Type)
	}
}

func TestOnReceiveFiresOncePerRead(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reads := make(chan int, 4)
	s.OnReceive(func(slot int) { reads <- slot })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		s.Stop()
	}()

	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(s.AgentAddr()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Not SNMP; the engine discards both after the pipeline hands them over.
	for _, size := range []int{48, 12} {
		if _, err := conn.Write(make([]byte, size)); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case <-reads:
		case <-time.After(2 * time.Second):
			t.Fatalf("no read for %d-byte datagram", size)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Statistics()["handled"].(uint64) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("handled = %v, want 2", s.Statistics()["handled"])
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.Statistics()["reads"].(uint64); got != 2 {
		t.Fatalf("reads = %d, want 2", got)
	}
}

func TestStartIsIdempotentAndFreezesRegistry(t *testing.T) {
	s, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	if _, err := s.Registry().Register("1.3.6.1.4.1.9999.3", callback.Constant(1)); err != nil {
		t.Fatalf("Register before start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := s.AgentAddr()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if s.AgentAddr() != first {
		t.Fatalf("second Start rebound: %s != %s", s.AgentAddr(), first)
	}
	if !s.Ready() {
		t.Fatal("Ready() = false after Start")
	}
	if _, err := s.Registry().Register("1.3.6.1.4.1.9999.4", callback.Constant(1)); !errors.Is(err, callback.ErrFrozen) {
		t.Fatalf("Register after start = %v, want ErrFrozen", err)
	}
}

func TestStartFailureLeavesNothingBound(t *testing.T) {
	busy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	cfg := testConfig(t)
	cfg.TrapPort = busy.LocalAddr().(*net.UDPAddr).Port

	s, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("Start succeeded with trap port in use")
	}
	if s.Ready() {
		t.Fatal("Ready() = true after failed Start")
	}
	if s.AgentAddr().IsValid() {
		t.Fatalf("agent socket left bound at %s", s.AgentAddr())
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Run = %v, want ErrNotReady", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Stop()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()
	if s.Ready() {
		t.Fatal("Ready() = true after Stop")
	}
}

func TestColdStartTrapLeavesTrapSocket(t *testing.T) {
	collector, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer collector.Close()

	cfg := testConfig(t)
	cfg.Traps.Targets = []string{"127.0.0.1:" + strconv.Itoa(collector.LocalAddr().(*net.UDPAddr).Port)}
	cfg.Traps.ColdStart = true
	s, _ := startServer(t, cfg, nil)

	buf := make([]byte, 1500)
	collector.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := collector.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("read trap: %v", err)
	}
	if from.Port() != s.TrapAddr().Port() {
		t.Fatalf("trap sent from port %d, want trap socket %d", from.Port(), s.TrapAddr().Port())
	}

	pkt, err := (&gosnmp.GoSNMP{}).SnmpDecodePacket(buf[:n])
	if err != nil {
		t.Fatalf("decode trap: %v", err)
	}
	if pkt.PDUType != gosnmp.SNMPv2Trap {
		t.Fatalf("PDU type = %v, want SNMPv2Trap", pkt.PDUType)
	}
	if got := pkt.Variables[1].Value; got != "."+traps.TrapOIDColdStart {
		t.Fatalf("snmpTrapOID = %v, want .%s", got, traps.TrapOIDColdStart)
	}
}

func TestNewRejectsBadHandlerFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.HandlerFile = t.TempDir() + "/missing.yaml"
	if _, err := New(cfg, nil, nil); err == nil {
		t.Fatal("New succeeded with missing handler file")
	}
}

func TestObjectFileFeedsStaticTree(t *testing.T) {
	path := t.TempDir() + "/static.snmprec"
	if err := os.WriteFile(path, []byte("1.3.6.1.4.1.9999.7.0|gauge32|12\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig(t)
	cfg.ObjectFile = path

	s, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := s.Agent().Lookup(".1.3.6.1.4.1.9999.7.0")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if v.Type != gosnmp.Gauge32 || v.Value != uint32(12) {
		t.Fatalf("Lookup = %+v, want Gauge32 12", v)
	}
}

func TestNewRejectsBadHousekeepingBeforeSideEffects(t *testing.T) {
	cfg := testConfig(t)
	cfg.Housekeeping = "not a cron spec"
	value := int32(5)
	cfg.Handlers = []callback.Rule{{Pattern: "1.3.6.1.4.1.9999.9", Value: &value}}

	reg := callback.NewRegistry()
	if _, err := New(cfg, reg, nil); err == nil {
		t.Fatal("New succeeded with an invalid housekeeping spec")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry has %d entries after failed New, want 0", reg.Len())
	}
}

func TestRunWithHousekeepingReturnsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Housekeeping = "@every 1h"
	s, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Statistics()["running"].(bool) {
		if time.Now().After(deadline) {
			t.Fatal("Run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.Statistics()["running"].(bool) {
		t.Fatal("running still reported after Run returned")
	}
}

func TestStopEndsActiveRun(t *testing.T) {
	s, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Statistics()["running"].(bool) {
		if time.Now().After(deadline) {
			t.Fatal("Run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if s.AgentAddr().IsValid() {
		t.Fatal("sockets still bound after Stop")
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Run after Stop = %v, want ErrNotReady", err)
	}
}

func TestStopDiscardsQueuedDatagrams(t *testing.T) {
	s, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.mu.Lock()
	token := s.sockets.AgentToken()
	s.mu.Unlock()
	idx, signal, err := s.pool.Fill([]byte("queued before stop"), transport.Addr{IP: [4]byte{127, 0, 0, 1}, Port: 9}, token)
	if err != nil || !signal {
		t.Fatalf("Fill: idx=%d signal=%v err=%v", idx, signal, err)
	}
	s.dispatcher.Ready(idx)

	s.Stop()
	if s.pool.Length(idx) != 0 {
		t.Fatalf("slot %d still holds a datagram after Stop", idx)
	}
	if s.dispatcher.Pending() != 0 {
		t.Fatalf("Pending() = %d after Stop, want 0", s.dispatcher.Pending())
	}

	// A restarted server begins with an empty pipeline.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.Stop()
	if got := s.Statistics()["handled"].(uint64); got != 0 {
		t.Fatalf("handled = %d after restart, want 0", got)
	}
}
