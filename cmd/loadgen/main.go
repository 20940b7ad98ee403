// Package main is the entrypoint for the load generator.
// It builds the same pool manager as the service and drives concurrent
// acquire / query / release cycles against it, optionally forcing rotations,
// and prints pool statistics while it runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joao-brasil/poc-token-pooling/internal/bootstrap"
	"github.com/joao-brasil/poc-token-pooling/internal/config"
	"github.com/joao-brasil/poc-token-pooling/internal/errs"
	"github.com/joao-brasil/poc-token-pooling/internal/manager"
)

var (
	configPath  = flag.String("config", "configs/tokenpool.yaml", "Path to configuration file")
	workers     = flag.Int("workers", 20, "Concurrent workers")
	duration    = flag.Duration("duration", time.Minute, "How long to run")
	query       = flag.String("query", "SELECT 1", "Statement each worker runs per cycle")
	hold        = flag.Duration("hold", 10*time.Millisecond, "How long a worker holds a connection after its query")
	rotateEvery = flag.Duration("rotate-every", 0, "Force a pool rotation at this interval (0 disables)")
	report      = flag.Duration("report", 5*time.Second, "Stats print interval")
)

// counters aggregates worker outcomes.
type counters struct {
	ok          atomic.Int64
	timeouts    atomic.Int64
	credentials atomic.Int64
	issuance    atomic.Int64
	other       atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (c *counters) record(err error, wait time.Duration) {
	switch {
	case err == nil:
		c.ok.Add(1)
		c.mu.Lock()
		c.latencies = append(c.latencies, wait)
		c.mu.Unlock()
	case errs.IsAcquireTimeout(err):
		c.timeouts.Add(1)
	case errs.IsCredential(err):
		c.credentials.Add(1)
	case errs.IsTokenIssuance(err):
		c.issuance.Add(1)
	default:
		c.other.Add(1)
	}
}

// percentile returns the p-th percentile (0-100) of the recorded acquire waits.
func (c *counters) percentile(p float64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), c.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load(*configPath, os.LookupEnv)
	if err != nil {
		log.Fatalf("[loadgen] Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := buildManager(ctx, cfg)
	if err != nil {
		log.Fatalf("[loadgen] %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	log.Printf("[loadgen] Running %d workers for %s against %s (max_size=%d)",
		*workers, *duration, cfg.Cluster.Host, cfg.Pool.MaxSize)

	var c counters
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(runCtx, mgr, &c)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runReporter(runCtx, mgr, &c)
	}()

	if *rotateEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRotations(runCtx, mgr)
		}()
	}

	wg.Wait()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutCancel()
	if err := mgr.Shutdown(shutCtx); err != nil {
		log.Printf("[loadgen] Shutdown error: %v", err)
	}

	fmt.Println("─── Summary ───────────────────────────────────────")
	fmt.Printf("ok=%d acquire_timeouts=%d credential_errors=%d issuance_errors=%d other=%d\n",
		c.ok.Load(), c.timeouts.Load(), c.credentials.Load(), c.issuance.Load(), c.other.Load())
	fmt.Printf("acquire wait p50=%s p95=%s p99=%s\n",
		c.percentile(50), c.percentile(95), c.percentile(99))
	fmt.Printf("pool generations=%d\n", mgr.Generation())
}

func buildManager(ctx context.Context, cfg *config.Config) (*manager.Manager, error) {
	src, err := bootstrap.NewSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Rotations are driven by -rotate-every, never by the scheduler.
	mc := bootstrap.ManagerConfig(cfg, nil)
	mc.Pool.Name = "loadgen"
	mc.Strategy = manager.StrategyPerConnection

	mgr := manager.New(src)
	if err := mgr.Initialize(ctx, mc); err != nil {
		return nil, fmt.Errorf("initializing pool manager: %w", err)
	}
	return mgr, nil
}

func runWorker(ctx context.Context, mgr *manager.Manager, c *counters) {
	for ctx.Err() == nil {
		start := time.Now()
		conn, err := mgr.Acquire(ctx)
		wait := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.record(err, wait)
			continue
		}

		if err := conn.Session().Exec(ctx, *query); err != nil {
			conn.Discard()
			if ctx.Err() != nil {
				return
			}
			c.record(err, wait)
			continue
		}
		if *hold > 0 {
			time.Sleep(*hold)
		}
		conn.Release()
		c.record(nil, wait)
	}
}

func runReporter(ctx context.Context, mgr *manager.Manager, c *counters) {
	ticker := time.NewTicker(*report)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := mgr.Stats()
			log.Printf("[loadgen] gen=%d total=%d active=%d idle=%d waiting=%d | ok=%d timeouts=%d errors=%d p95=%s",
				mgr.Generation(), s.Total, s.Active, s.Idle, s.Waiting,
				c.ok.Load(), c.timeouts.Load(), c.credentials.Load()+c.issuance.Load()+c.other.Load(),
				c.percentile(95))
		}
	}
}

func runRotations(ctx context.Context, mgr *manager.Manager) {
	ticker := time.NewTicker(*rotateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := mgr.Rotate(ctx); err != nil {
				log.Printf("[loadgen] Rotation failed: %v", err)
				continue
			}
			log.Printf("[loadgen] Rotated to generation %d in %s", mgr.Generation(), time.Since(start).Round(time.Millisecond))
		}
	}
}
