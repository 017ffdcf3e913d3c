// Package traps queues unsolicited notifications and hands them to the
// engine one at a time.
package traps

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/metrics"
	"github.com/gosnmp/gosnmp"
	"github.com/robfig/cron/v3"
)

const (
	enterpriseOID = "1.3.6.1.4.1.57447"

	// TrapOIDHeartbeat is sent by cron schedules.
	TrapOIDHeartbeat = enterpriseOID + ".0.1"
	// TrapOIDColdStart is SNMPv2-MIB coldStart.
	TrapOIDColdStart = "1.3.6.1.6.3.1.1.5.1"
)

// Originator builds and sends a trap. The agent implements it.
type Originator interface {
	SendTrap(trapOID string, vars []gosnmp.SnmpPDU) error
}

type Config struct {
	QueueSize int
	CronSpecs []string
	ColdStart bool
}

type message struct {
	trapOID string
	vars    []gosnmp.SnmpPDU
}

// Manager drains a bounded queue on a single goroutine so a slow send never
// blocks the code raising the event.
type Manager struct {
	origin  Originator
	metrics *metrics.Metrics
	config  Config

	queue chan message
	cron  *cron.Cron

	mu   sync.Mutex
	sent int
}

func NewManager(origin Originator, cfg Config, m *metrics.Metrics) (*Manager, error) {
	if origin == nil {
		return nil, fmt.Errorf("trap originator is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	mgr := &Manager{
		origin:  origin,
		metrics: m,
		config:  cfg,
		queue:   make(chan message, cfg.QueueSize),
	}

	if len(cfg.CronSpecs) > 0 {
		mgr.cron = cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
		for _, spec := range cfg.CronSpecs {
			s := strings.TrimSpace(spec)
			if s == "" {
				continue
			}
			if _, err := mgr.cron.AddFunc(s, func() {
				mgr.EnqueueCronEvent(s)
			}); err != nil {
				return nil, fmt.Errorf("invalid cron spec %q: %w", s, err)
			}
		}
	}
	return mgr, nil
}

// Run sends queued traps until ctx is cancelled. A cold-start trap, when
// configured, is queued first.
func (m *Manager) Run(ctx context.Context) error {
	if m.config.ColdStart {
		m.Enqueue(TrapOIDColdStart, nil)
	}
	if m.cron != nil {
		m.cron.Start()
		defer func() {
			<-m.cron.Stop().Done()
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-m.queue:
			if err := m.origin.SendTrap(msg.trapOID, msg.vars); err != nil {
				log.Printf("trap send failed: %v", err)
				continue
			}
			m.mu.Lock()
			m.sent++
			m.mu.Unlock()
		}
	}
}

// Enqueue queues a trap, dropping it when the queue is full.
func (m *Manager) Enqueue(trapOID string, vars []gosnmp.SnmpPDU) bool {
	select {
	case m.queue <- message{trapOID: trapOID, vars: vars}:
		return true
	default:
		log.Printf("trap queue full; dropping event %s", trapOID)
		m.metrics.RecordTrap("dropped")
		return false
	}
}

// EnqueueCronEvent queues a heartbeat naming the schedule that fired.
func (m *Manager) EnqueueCronEvent(spec string) bool {
	vars := []gosnmp.SnmpPDU{
		{Name: "." + enterpriseOID + ".1.1.0", Type: gosnmp.OctetString, Value: "cron"},
		{Name: "." + enterpriseOID + ".1.2.0", Type: gosnmp.OctetString, Value: spec},
	}
	return m.Enqueue(TrapOIDHeartbeat, vars)
}

// Sent is the number of traps handed off without error.
func (m *Manager) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}
