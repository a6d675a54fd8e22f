// Command mongolinkd is the admin daemon for mongolink: it holds one
// connection pool per configured profile, tracks their health, exposes
// Prometheus metrics, and serves a REST API for managing profiles.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mongolink/mongolink/internal/api"
	"github.com/mongolink/mongolink/internal/clientset"
	"github.com/mongolink/mongolink/internal/config"
	"github.com/mongolink/mongolink/internal/health"
	"github.com/mongolink/mongolink/internal/metrics"
	"github.com/mongolink/mongolink/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/mongolinkd.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("mongolinkd starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (%d profiles)", *configPath, len(cfg.Profiles))

	// Initialize components, in the order each one's dependencies
	// become available: metrics before health (health reports into it),
	// router before clientset (clientset dials against what the router
	// already knows), health after both (it pings through the clientset).
	m := metrics.New()
	r := router.New(cfg)
	cs := clientset.New(cfg.Defaults, slog.Default())
	cs.SetOnExhausted(func(profile string) { m.PoolExhausted(profile) })
	hc := health.NewChecker(r, m, cfg.HealthCheck)
	hc.SetClientProvider(func(profile string) (health.Pinger, bool) {
		return cs.Pinger(profile)
	})

	// Eagerly connect every configured profile so the first health check
	// and the first admin API request don't pay the dial cost, and so a
	// misconfigured profile is surfaced at startup rather than silently
	// reported unhealthy later.
	for name, pc := range cfg.Profiles {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := cs.GetOrCreate(ctx, name, pc); err != nil {
			log.Printf("Warning: profile %s failed initial connect: %v", name, err)
		}
		cancel()
	}

	// Start periodic pool stats reporting to Prometheus.
	go reportPoolStats(cs, m, 5*time.Second)

	hc.Start()

	apiServer := api.NewServer(r, cs, hc, m, cfg.Listen)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		r.Reload(newCfg)
		cs.UpdateDefaults(newCfg.Defaults)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("mongolinkd ready - API:%d profiles:%d", cfg.Listen.APIPort, len(cfg.Profiles))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	hc.Stop()
	cs.Close()

	log.Printf("mongolinkd stopped")
}

func reportPoolStats(cs *clientset.ClientSet, m *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		for profile, s := range cs.AllStats() {
			m.UpdatePoolStats(profile, s.Active, s.Idle, s.Total, s.Waiting)
		}
	}
}
