// Package server wires the listening sockets, slot pool, notifier,
// dispatcher and engine together and owns their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/agent"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/callback"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/config"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/dispatch"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/metrics"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/notifier"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/slots"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/transport"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/traps"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotReady is returned by Run before a successful Start.
	ErrNotReady = errors.New("server not started")
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("server already running")
)

// Server is the receive path plus the SNMP engine behind it.
type Server struct {
	cfg      *config.Config
	registry *callback.Registry
	metrics  *metrics.Metrics

	pool       *slots.Pool
	sender     *transport.Sender
	agent      *agent.Agent
	dispatcher *dispatch.Dispatcher
	traps      *traps.Manager

	housekeeping cron.Schedule

	mu        sync.Mutex
	sockets   *transport.Sockets
	notifier  *notifier.Notifier
	cancelRun context.CancelFunc
	runDone   chan struct{}

	ready     atomic.Bool
	running   atomic.Bool
	reads     atomic.Uint64
	onReceive atomic.Pointer[func(int)]
}

// New builds every component that does not need a socket. Handlers from the
// configuration are appended to registry after those already registered.
func New(cfg *config.Config, registry *callback.Registry, m *metrics.Metrics) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if registry == nil {
		registry = callback.NewRegistry()
	}

	var housekeeping cron.Schedule
	if cfg.Housekeeping != "" {
		sched, err := cron.ParseStandard(cfg.Housekeeping)
		if err != nil {
			return nil, fmt.Errorf("invalid housekeeping spec %q: %w", cfg.Housekeeping, err)
		}
		housekeeping = sched
	}

	if err := registry.AddRules(cfg.Handlers); err != nil {
		return nil, fmt.Errorf("config handlers: %w", err)
	}
	if cfg.HandlerFile != "" {
		if err := callback.LoadFromFile(registry, cfg.HandlerFile); err != nil {
			return nil, err
		}
	}

	objects := cfg.Objects
	if cfg.ObjectFile != "" {
		fromFile, err := config.ReadObjectFile(cfg.ObjectFile)
		if err != nil {
			return nil, err
		}
		objects = append(append([]config.Object(nil), objects...), fromFile...)
	}

	policy, err := slots.ParsePolicy(cfg.SlotPolicy)
	if err != nil {
		return nil, err
	}
	pool, err := slots.NewPool(cfg.Slots, cfg.SlotSize, policy, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create slot pool: %w", err)
	}

	sender := transport.NewSender(m)
	ag, err := agent.New(agent.Options{
		Community:     cfg.Community,
		System:        cfg.System,
		Objects:       objects,
		TrapCommunity: cfg.Traps.Community,
		TrapTargets:   cfg.Traps.Targets,
		Registry:      registry,
		Sender:        sender,
		Metrics:       m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	tm, err := traps.NewManager(ag, traps.Config{
		QueueSize: cfg.Traps.QueueSize,
		CronSpecs: cfg.Traps.CronSpecs,
		ColdStart: cfg.Traps.ColdStart,
	}, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create trap manager: %w", err)
	}

	return &Server{
		cfg:        cfg,
		registry:   registry,
		metrics:    m,
		pool:       pool,
		sender:     sender,
		agent:      ag,
		dispatcher: dispatch.New(pool, ag, m),
		traps:      tm,

		housekeeping: housekeeping,
	}, nil
}

// Registry returns the callback registry. Registration fails once Start has
// succeeded.
func (s *Server) Registry() *callback.Registry { return s.registry }

// Agent returns the engine.
func (s *Server) Agent() *agent.Agent { return s.agent }

// Traps returns the trap queue.
func (s *Server) Traps() *traps.Manager { return s.traps }

// OnReceive installs a hook called once per completed read with the slot
// index, on the notifier goroutine. It must not block.
func (s *Server) OnReceive(fn func(slot int)) {
	if fn == nil {
		s.onReceive.Store(nil)
		return
	}
	s.onReceive.Store(&fn)
}

// Start binds both sockets and readies the pipeline. Calling it again after
// success is a no-op; after a failure nothing is left bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready.Load() {
		return nil
	}

	if err := transport.WaitForInterface(ctx, s.cfg.Interface, s.cfg.InterfaceWait); err != nil {
		return err
	}

	socks, err := transport.OpenSockets(ctx, transport.SocketConfig{
		Listen:     s.cfg.Listen,
		AgentPort:  config.BindPort(s.cfg.AgentPort),
		TrapPort:   config.BindPort(s.cfg.TrapPort),
		RecvBuffer: s.cfg.RecvBuffer,
	})
	if err != nil {
		return err
	}

	n, err := notifier.New(s.pool, socks, s.dispatcher.Ready, notifier.Options{
		PollInterval: s.cfg.PollInterval,
		OnRead:       s.handleRead,
		Metrics:      s.metrics,
	})
	if err != nil {
		if cerr := socks.Close(); cerr != nil {
			log.Printf("Error closing sockets: %v", cerr)
		}
		return fmt.Errorf("failed to create notifier: %w", err)
	}

	s.registry.Freeze()
	s.agent.SetTrapToken(socks.TrapToken())
	s.sockets = socks
	s.notifier = n
	s.ready.Store(true)
	s.metrics.SetReady(true)

	log.Printf("Listening on %s (agent) and %s (trap), %d slots of %d bytes, policy %s",
		socks.Agent.LocalAddr(), socks.Trap.LocalAddr(), s.pool.Len(), s.pool.Size(), s.pool.Policy())
	return nil
}

func (s *Server) handleRead(slot int) {
	s.reads.Add(1)
	if fn := s.onReceive.Load(); fn != nil {
		(*fn)(slot)
	}
}

// Ready reports whether Start has succeeded and Stop has not been called.
func (s *Server) Ready() bool { return s.ready.Load() }

// Run drives the notifier, dispatcher, trap queue and housekeeping job until
// ctx is cancelled, Stop is called, or one of them fails. Only one Run may be
// active at a time.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	n := s.notifier
	if !s.ready.Load() || n == nil {
		s.mu.Unlock()
		return ErrNotReady
	}
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancelRun = cancel
	s.runDone = done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.running.Store(false)
		close(done)
	}()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return n.Run(gctx)
	})
	g.Go(func() error {
		return s.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return s.traps.Run(gctx)
	})
	if s.housekeeping != nil {
		c := cron.New()
		c.Schedule(s.housekeeping, cron.FuncJob(s.logStatistics))
		c.Start()
		g.Go(func() error {
			<-gctx.Done()
			<-c.Stop().Done()
			return nil
		})
	}

	return g.Wait()
}

func (s *Server) logStatistics() {
	st := s.Statistics()
	log.Printf("stats: reads=%v handled=%v overwrites=%v drops=%v pending=%v polls=%v traps_sent=%v",
		st["reads"], st["handled"], st["overwrites"], st["drops"], st["pending"], st["poll_count"], st["traps_sent"])
}

// Stop ends an active Run, waits for its goroutines to exit, then closes both
// sockets. Datagrams still queued for the engine are discarded since their
// reply socket is gone. Stop is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready.CompareAndSwap(true, false) {
		return
	}
	s.metrics.SetReady(false)

	if s.cancelRun != nil {
		s.cancelRun()
		<-s.runDone
		s.cancelRun = nil
		s.runDone = nil
	}

	signals := s.dispatcher.Drain()
	discarded := s.pool.Reset()
	if discarded > 0 {
		log.Printf("Discarded %d unconsumed datagrams (%d queued signals)", discarded, signals)
	}

	if err := s.sockets.Close(); err != nil {
		log.Printf("Error closing sockets: %v", err)
	}
	s.sockets = nil
	s.notifier = nil
	log.Printf("Server stopped")
}

// AgentAddr is the bound agent socket address, or the zero value before Start.
func (s *Server) AgentAddr() netip.AddrPort {
	return s.localAddr(func(socks *transport.Sockets) *net.UDPConn { return socks.Agent })
}

// TrapAddr is the bound trap socket address, or the zero value before Start.
func (s *Server) TrapAddr() netip.AddrPort {
	return s.localAddr(func(socks *transport.Sockets) *net.UDPConn { return socks.Trap })
}

func (s *Server) localAddr(pick func(*transport.Sockets) *net.UDPConn) netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sockets == nil {
		return netip.AddrPort{}
	}
	ua, ok := pick(s.sockets).LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	return ua.AddrPort()
}

// Statistics returns pipeline and engine counters.
func (s *Server) Statistics() map[string]interface{} {
	stats := map[string]interface{}{
		"ready":      s.ready.Load(),
		"running":    s.running.Load(),
		"slots":      s.pool.Len(),
		"slot_size":  s.pool.Size(),
		"policy":     s.pool.Policy().String(),
		"reads":      s.reads.Load(),
		"handled":    s.dispatcher.Handled(),
		"pending":    s.dispatcher.Pending(),
		"overwrites": s.pool.Overwrites(),
		"drops":      s.pool.Drops(),
		"traps_sent": s.traps.Sent(),
	}
	for k, v := range s.agent.Statistics() {
		stats[k] = v
	}
	return stats
}
