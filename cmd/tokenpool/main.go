// Package main is the entrypoint for the token-authenticated connection pool.
// It loads configuration, signs connect tokens with the AWS credential chain,
// initializes the pool manager, health checks and metrics, and sets up
// graceful shutdown handling.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joao-brasil/poc-token-pooling/internal/bootstrap"
	"github.com/joao-brasil/poc-token-pooling/internal/config"
	"github.com/joao-brasil/poc-token-pooling/internal/coordinator"
	"github.com/joao-brasil/poc-token-pooling/internal/health"
	"github.com/joao-brasil/poc-token-pooling/internal/manager"
	"github.com/joao-brasil/poc-token-pooling/internal/metrics"
	"github.com/joao-brasil/poc-token-pooling/internal/rotation"
)

var configPath = flag.String("config", "configs/tokenpool.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting token pooling service")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*configPath, os.LookupEnv)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: %s@%s:%d/%s (driver=%s, strategy=%s, token_ttl=%s, instance=%s)",
		cfg.Cluster.User, cfg.Cluster.Host, cfg.Cluster.Port, cfg.Cluster.Database,
		cfg.Driver, cfg.Rotation.Strategy, cfg.TokenTTL(), cfg.Server.InstanceID)

	ctx := context.Background()

	// ─── Token Source ─────────────────────────────────────────────────
	src, err := bootstrap.NewSource(ctx, cfg)
	if err != nil {
		log.Fatalf("[main] Failed to create token source: %v", err)
	}

	// ─── Redis Coordinator (optional) ─────────────────────────────────
	var (
		rc    *coordinator.RedisCoordinator
		lease rotation.LeaseFunc
		opts  []manager.Option
	)
	if cfg.Redis.Enabled {
		log.Println("[main] Initializing Redis coordinator...")
		rc, err = coordinator.NewRedisCoordinator(ctx, cfg)
		if err != nil {
			log.Fatalf("[main] Failed to initialize Redis coordinator: %v", err)
		}
		if rc.IsFallback() {
			log.Println("[main] ⚠️  Coordinator started in FALLBACK mode (Redis unavailable)")
		} else {
			log.Println("[main] Coordinator ready (Redis connected)")
		}
		lease = bootstrap.LeaseFunc(rc, cfg.Rotation.LeaseTTL)
		opts = append(opts, manager.WithRotationHook(bootstrap.RotationHook(rc)))
	}

	// ─── Pool Manager ─────────────────────────────────────────────────
	mgr := manager.New(src, opts...)
	if err := mgr.Initialize(ctx, bootstrap.ManagerConfig(cfg, lease)); err != nil {
		log.Fatalf("[main] Failed to initialize pool manager: %v", err)
	}
	s := mgr.Stats()
	log.Printf("[main] Pool manager ready: pool=%s idle=%d active=%d max=%d", s.Name, s.Idle, s.Active, s.Max)

	var hb *coordinator.Heartbeat
	if rc != nil {
		hb = coordinator.NewHeartbeat(rc, bootstrap.StatsFunc(mgr))
		hb.Start(ctx)
	}

	// ─── Metrics ──────────────────────────────────────────────────────
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Health Checks ────────────────────────────────────────────────
	var coord health.Coordinator
	if rc != nil {
		coord = rc
	}
	checker := health.NewChecker(cfg.Server.InstanceID, cfg.Server.HealthCheckPort, mgr, coord)
	healthServer := checker.ServeHTTP(ctx)

	watchCtx, stopWatch := context.WithCancel(ctx)
	go checker.Watch(watchCtx, cfg.Server.HealthCheckInterval)

	report := checker.Check(ctx)
	for _, comp := range report.Components {
		status := "✅"
		if comp.Status == health.StatusUnhealthy {
			status = "❌"
		}
		log.Printf("[main]   %s %s: %s (latency: %s)", status, comp.Name, comp.Message, comp.Latency)
	}
	log.Printf("[main] Overall health: %s", report.Status)

	// ─── Graceful Shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] Ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown in reverse order
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(0)

	stopWatch()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	if hb != nil {
		hb.Stop()
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Pool manager shutdown error: %v", err)
	}
	if rc != nil {
		if err := rc.Close(shutdownCtx); err != nil {
			log.Printf("[main] Coordinator close error: %v", err)
		}
	}

	log.Println("[main] Shutdown complete.")
}
