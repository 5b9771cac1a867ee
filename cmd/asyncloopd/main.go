package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asyncloop/asyncloop/internal/api"
	"github.com/asyncloop/asyncloop/internal/config"
	"github.com/asyncloop/asyncloop/internal/health"
	"github.com/asyncloop/asyncloop/internal/loop"
	"github.com/asyncloop/asyncloop/internal/metrics"
	"github.com/asyncloop/asyncloop/internal/mysql"
	"github.com/asyncloop/asyncloop/internal/pool"
)

func main() {
	configPath := flag.String("config", "configs/asyncloop.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("asyncloop starting...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s", *configPath)

	// Initialize components
	m := metrics.New()

	l, err := loop.New(loop.Tuning{
		MinSleep:            cfg.Loop.MinSleep,
		MaxSlice:            cfg.Loop.MaxSlice,
		MaintenanceInterval: cfg.Loop.MaintenanceInterval,
	})
	if err != nil {
		log.Fatalf("Failed to create event loop: %v", err)
	}
	l.HTTP().SetDefaults(loop.HTTPDefaults{
		Timeout:         cfg.HTTP.Timeout,
		ConnectTimeout:  cfg.HTTP.ConnectTimeout,
		UserAgent:       cfg.HTTP.UserAgent,
		VerifyTLS:       cfg.HTTP.EffectiveVerifyTLS(),
		FollowRedirects: cfg.HTTP.EffectiveFollowRedirects(),
	})
	l.Files().SetWatchInterval(cfg.Files.WatchInterval)

	p := pool.New(l, mysql.Config{
		Host:        cfg.MySQL.Host,
		Port:        cfg.MySQL.Port,
		Username:    cfg.MySQL.Username,
		Password:    cfg.MySQL.Password,
		DBName:      cfg.MySQL.DBName,
		Charset:     cfg.MySQL.Charset,
		DialTimeout: cfg.Pool.DialTimeout,
	}, pool.Config{
		MaxConnections: cfg.Pool.MaxConnections,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		MaxLifetime:    cfg.Pool.MaxLifetime,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	})

	// Wire up pool exhaustion metric
	p.SetOnExhausted(m.PoolExhausted)

	// Fold loop and pool stats into Prometheus on the maintenance cadence
	l.OnMaintenance(func() {
		ls := l.Stats()
		m.UpdateLoopStats(ls.Iterations, ls.TimersFired, ls.TicksRun, ls.IOEventsFired,
			ls.PendingTimers, ls.ActiveFibers)
		ps := p.Stats()
		m.UpdatePoolStats(ps.Active, ps.Idle, ps.Total, ps.Waiting)
		m.SetHTTPInflight(l.HTTP().Inflight())
	})

	// Start health checker
	hc := health.NewChecker(cfg.MySQL, m, cfg.Health)
	hc.Start()

	// Start REST API
	apiServer := api.NewServer(l, p, hc, m, cfg.API)
	if err := apiServer.Start(); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	// Set up config hot-reload for the tunables that apply at runtime
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		l.Submit(func() {
			l.HTTP().SetDefaults(loop.HTTPDefaults{
				Timeout:         newCfg.HTTP.Timeout,
				ConnectTimeout:  newCfg.HTTP.ConnectTimeout,
				UserAgent:       newCfg.HTTP.UserAgent,
				VerifyTLS:       newCfg.HTTP.EffectiveVerifyTLS(),
				FollowRedirects: newCfg.HTTP.EffectiveFollowRedirects(),
			})
			l.Files().SetWatchInterval(newCfg.Files.WatchInterval)
		})
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	// Run the event loop on its own goroutine; a heartbeat timer keeps it
	// alive until shutdown.
	loopDone := make(chan error, 1)
	go func() {
		var heartbeat func()
		heartbeat = func() {
			l.AddTimer(time.Second, heartbeat)
		}
		heartbeat()
		loopDone <- l.Run()
	}()

	log.Printf("asyncloop ready - API %s:%d", cfg.API.Bind, cfg.API.Port)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	// Graceful shutdown: drain the pool on the loop, then stop the loop.
	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	hc.Stop()

	l.Submit(func() {
		p.Close().Finally(func() error {
			l.Stop()
			return nil
		})
	})

	select {
	case err := <-loopDone:
		if err != nil {
			log.Printf("loop exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		log.Printf("loop did not stop in time, forcing exit")
		l.Stop()
	}
	l.Close()

	log.Printf("asyncloop stopped")
}
