package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/config"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/metrics"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type flags struct {
	configFile  string
	listen      string
	agentPort   int
	trapPort    int
	community   string
	slots       int
	slotPolicy  string
	metricsAddr string
}

func main() {
	var f flags
	flag.StringVar(&f.configFile, "config", "", "Path to YAML configuration file")
	flag.StringVar(&f.listen, "listen", "", "Listen address (default 0.0.0.0)")
	flag.IntVar(&f.agentPort, "agent-port", 0, "UDP port for SNMP requests (default 161)")
	flag.IntVar(&f.trapPort, "trap-port", 0, "UDP port traps are sent from (default 162)")
	flag.StringVar(&f.community, "community", "", "Read community (default public)")
	flag.IntVar(&f.slots, "slots", 0, "Number of receive slots (default 2)")
	flag.StringVar(&f.slotPolicy, "slot-policy", "", "Busy slot policy: overwrite or drop")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "Address for /metrics and /health, empty disables")
	flag.Parse()

	cfg, err := loadConfig(f)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	srv, err := server.New(cfg, nil, m)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newMux(reg, srv),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("Starting metrics server on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	if err := server.NotifyReady(); err != nil {
		log.Printf("Warning: %v", err)
	}
	if err := server.NotifyStatus(fmt.Sprintf("serving on %s", srv.AgentAddr())); err != nil {
		log.Printf("Warning: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		log.Printf("Server error: %v", err)
	}

	log.Printf("Shutting down...")
	if err := server.NotifyStopping(); err != nil {
		log.Printf("Warning: %v", err)
	}
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}
		shutdownCancel()
	}
	srv.Stop()
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads the config file, if any, then applies flags that were set
// on the command line.
func loadConfig(f flags) (*config.Config, error) {
	cfg := &config.Config{}
	if f.configFile != "" {
		loaded, err := config.Load(f.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.agentPort != 0 {
		cfg.AgentPort = f.agentPort
	}
	if f.trapPort != 0 {
		cfg.TrapPort = f.trapPort
	}
	if f.community != "" {
		cfg.Community = f.community
	}
	if f.slots != 0 {
		cfg.Slots = f.slots
	}
	if f.slotPolicy != "" {
		cfg.SlotPolicy = f.slotPolicy
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newMux(g prometheus.Gatherer, srv *server.Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := "ok"
		if !srv.Ready() {
			status = "starting"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"stats":  srv.Statistics(),
		})
	})
	return mux
}
