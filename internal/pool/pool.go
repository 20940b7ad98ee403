package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/poc-token-pooling/internal/errs"
	"github.com/joao-brasil/poc-token-pooling/internal/metrics"
)

// ErrClosed is returned by Acquire on a pool that is closed or draining.
var ErrClosed = errors.New("pool closed")

// Config holds the pool limits. Immutable after New.
type Config struct {
	Name                   string
	MaxSize                int
	MinIdle                int
	ConnectionTimeout      time.Duration
	IdleTimeout            time.Duration
	MaxLifetime            time.Duration
	LeakDetectionThreshold time.Duration
	ValidationQuery        string
	ValidationTimeout      time.Duration
	MaintenanceInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.ValidationQuery == "" {
		c.ValidationQuery = "SELECT 1"
	}
	if c.ValidationTimeout == 0 {
		c.ValidationTimeout = 5 * time.Second
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	return c
}

func (c Config) validate() error {
	if c.MaxSize <= 0 {
		return &errs.ConfigError{Field: "max_size", Message: "must be > 0"}
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxSize {
		return &errs.ConfigError{Field: "min_idle", Message: fmt.Sprintf("must be within [0, %d]", c.MaxSize)}
	}
	return nil
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock replaces time.Now for lifetime and expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool manages a bounded set of physical connections.
type Pool struct {
	mu sync.Mutex

	cfg    Config
	opener Opener
	now    func() time.Time

	// idle holds connections available for reuse, most recently used last.
	idle []*Conn

	// active tracks borrowed connections keyed by ID.
	active map[uint64]*Conn

	// pending counts slots reserved by opens in flight.
	pending int

	nextID atomic.Uint64

	closed   bool
	draining bool

	// drained is closed once a draining pool has no borrowed connections.
	drained     chan struct{}
	drainedDone bool

	// waiters is a FIFO of callers blocked on a full pool.
	waiters []chan *Conn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool and eagerly opens MinIdle connections. Warm-up failures
// are logged, not returned; Validate tells whether the pool can serve.
func New(ctx context.Context, cfg Config, opener Opener, opts ...Option) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:     cfg,
		opener:  opener,
		now:     time.Now,
		idle:    make([]*Conn, 0, cfg.MaxSize),
		active:  make(map[uint64]*Conn),
		drained: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.MinIdle; i++ {
		conn, err := p.open(ctx)
		if err != nil {
			log.Printf("[pool] WARNING: pool %s — failed to create warm connection %d/%d: %v",
				cfg.Name, i+1, cfg.MinIdle, err)
			break
		}
		p.idle = append(p.idle, conn)
	}

	metrics.ConnectionsMax.WithLabelValues(cfg.Name).Set(float64(cfg.MaxSize))
	p.updateMetrics()
	log.Printf("[pool] Pool %s — initialized: %d idle, max=%d", cfg.Name, len(p.idle), cfg.MaxSize)

	p.wg.Add(1)
	go p.maintenanceLoop()

	return p, nil
}

// Name returns the pool name used in logs and metric labels.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Acquire borrows a connection. When the pool is at MaxSize the caller waits
// FIFO up to ConnectionTimeout and then fails with errs.AcquireTimeoutError.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed || p.draining {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	conn, stale := p.popIdle()
	if conn != nil {
		p.checkout(conn)
		p.mu.Unlock()
		closeAll(stale)
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, "acquired").Inc()
		return conn, nil
	}

	if p.totalLocked() < p.cfg.MaxSize {
		p.pending++
		p.mu.Unlock()
		closeAll(stale)

		conn, err := p.open(ctx)
		p.mu.Lock()
		p.pending--
		if err != nil {
			p.updateMetrics()
			p.mu.Unlock()
			p.replenishForWaiters()
			p.checkDrained()
			return nil, err
		}
		if p.closed || p.draining {
			p.mu.Unlock()
			conn.close()
			p.checkDrained()
			return nil, ErrClosed
		}
		p.checkout(conn)
		p.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, "acquired").Inc()
		return conn, nil
	}

	// Pool is full: enter wait queue.
	waiterCh := make(chan *Conn, 1)
	p.waiters = append(p.waiters, waiterCh)
	metrics.Waiting.WithLabelValues(p.cfg.Name).Set(float64(len(p.waiters)))
	p.mu.Unlock()
	closeAll(stale)

	timer := time.NewTimer(p.cfg.ConnectionTimeout)
	defer timer.Stop()

	select {
	case conn := <-waiterCh:
		if conn == nil {
			return nil, ErrClosed
		}
		metrics.AcquireWaitDuration.WithLabelValues(p.cfg.Name).Observe(time.Since(start).Seconds())
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, "acquired").Inc()
		return conn, nil

	case <-timer.C:
		if !p.removeWaiter(waiterCh) {
			// A connection was handed over concurrently with the timeout.
			if conn := <-waiterCh; conn != nil {
				return conn, nil
			}
			return nil, ErrClosed
		}
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, "timeout").Inc()
		metrics.AcquireWaitDuration.WithLabelValues(p.cfg.Name).Observe(time.Since(start).Seconds())
		return nil, &errs.AcquireTimeoutError{Pool: p.cfg.Name, Timeout: p.cfg.ConnectionTimeout}

	case <-ctx.Done():
		if !p.removeWaiter(waiterCh) {
			if conn := <-waiterCh; conn != nil {
				conn.Release()
			}
		}
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// release returns a borrowed connection. Connections past their lifetime or
// credential expiry are closed instead of reused.
func (p *Pool) release(conn *Conn) {
	if conn == nil || !conn.isActive() {
		return
	}

	p.mu.Lock()
	if _, ok := p.active[conn.id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, conn.id)
	if p.closed || p.draining {
		p.updateMetrics()
		p.mu.Unlock()
		conn.close()
		p.checkDrained()
		return
	}
	now := p.now()
	if p.expired(conn, now) {
		p.updateMetrics()
		p.mu.Unlock()
		conn.close()
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, "retired").Inc()
		p.replenishForWaiters()
		return
	}

	conn.markIdle(now)
	waiter := p.putLocked(conn)
	p.mu.Unlock()
	if waiter != nil {
		waiter <- conn
	}
	metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, "released").Inc()
}

// discard removes a connection permanently.
func (p *Pool) discard(conn *Conn) {
	if conn == nil || !conn.isActive() {
		return
	}
	p.mu.Lock()
	delete(p.active, conn.id)
	p.updateMetrics()
	p.mu.Unlock()

	conn.close()
	metrics.ConnectionErrors.WithLabelValues(p.cfg.Name, "discarded").Inc()
	p.replenishForWaiters()
	p.checkDrained()
}

// Drain stops handing out connections, waits for borrowed connections to be
// returned (or ctx to end) and then closes the pool.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	var idle []*Conn
	if !p.draining {
		p.draining = true
		for _, w := range p.waiters {
			close(w)
		}
		p.waiters = nil
		idle = p.idle
		p.idle = nil
		p.updateMetrics()
	}
	p.markDrainedLocked()
	done := p.drained
	borrowed := len(p.active)
	p.mu.Unlock()

	closeAll(idle)
	log.Printf("[pool] Pool %s — draining, %d connections still borrowed", p.cfg.Name, borrowed)

	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[pool] Pool %s — drain interrupted (%v), closing borrowed connections", p.cfg.Name, ctx.Err())
	}
	return p.Close()
}

// Close shuts down the pool, closing all connections and failing waiters.
// Calling Close more than once is harmless.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)

	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil

	conns := make([]*Conn, 0, len(p.idle)+len(p.active))
	conns = append(conns, p.idle...)
	for _, c := range p.active {
		conns = append(conns, c)
	}
	p.idle = nil
	p.active = make(map[uint64]*Conn)
	if !p.drainedDone {
		p.drainedDone = true
		close(p.drained)
	}
	p.mu.Unlock()

	closeAll(conns)
	p.wg.Wait()

	metrics.ConnectionsActive.DeleteLabelValues(p.cfg.Name)
	metrics.ConnectionsIdle.DeleteLabelValues(p.cfg.Name)
	metrics.ConnectionsMax.DeleteLabelValues(p.cfg.Name)
	metrics.Waiting.DeleteLabelValues(p.cfg.Name)

	log.Printf("[pool] Pool %s — closed", p.cfg.Name)
	return nil
}

// Closed reports whether Close has run.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Name    string `json:"name"`
	Total   int    `json:"total"`
	Active  int    `json:"active"`
	Idle    int    `json:"idle"`
	Waiting int    `json:"waiting"`
	Max     int    `json:"max"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:    p.cfg.Name,
		Total:   p.totalLocked(),
		Active:  len(p.active),
		Idle:    len(p.idle),
		Waiting: len(p.waiters),
		Max:     p.cfg.MaxSize,
	}
}

// ── Internal helpers ─────────────────────────────────────────────────────

// open creates a new physical connection through the opener, bounded by
// ConnectionTimeout.
func (p *Pool) open(ctx context.Context) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	session, cred, err := p.opener.Open(ctx)
	if err != nil {
		metrics.ConnectionErrors.WithLabelValues(p.cfg.Name, "create_failed").Inc()
		return nil, fmt.Errorf("opening connection for pool %s: %w", p.cfg.Name, err)
	}
	metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, "created").Inc()
	return newConn(p, p.nextID.Add(1), session, cred, p.now()), nil
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.active) + p.pending
}

func (p *Pool) checkout(conn *Conn) {
	conn.markAcquired(p.now())
	p.active[conn.id] = conn
	p.updateMetrics()
}

// putLocked hands conn to the oldest waiter, or parks it as idle. It returns
// the waiter channel the caller must send on after unlocking.
func (p *Pool) putLocked(conn *Conn) chan *Conn {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		metrics.Waiting.WithLabelValues(p.cfg.Name).Set(float64(len(p.waiters)))
		p.checkout(conn)
		return w
	}
	p.idle = append(p.idle, conn)
	p.updateMetrics()
	return nil
}

// expired reports whether conn must not be handed out again.
func (p *Pool) expired(conn *Conn, now time.Time) bool {
	if conn.cred.Expired(now) {
		return true
	}
	return p.cfg.MaxLifetime > 0 && now.Sub(conn.createdAt) >= p.cfg.MaxLifetime
}

// popIdle removes and returns the most recently used usable idle connection.
// Stale connections it skips are returned for closing outside the lock.
func (p *Pool) popIdle() (*Conn, []*Conn) {
	now := p.now()
	var stale []*Conn
	for len(p.idle) > 0 {
		n := len(p.idle) - 1
		conn := p.idle[n]
		p.idle = p.idle[:n]

		if p.expired(conn, now) ||
			(p.cfg.IdleTimeout > 0 && conn.idleDuration(now) > p.cfg.IdleTimeout) {
			stale = append(stale, conn)
			continue
		}
		return conn, stale
	}
	return nil, stale
}

// removeWaiter removes ch from the wait queue. It returns false when ch was
// already dequeued by a release, meaning a connection is on its way.
func (p *Pool) removeWaiter(ch chan *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			metrics.Waiting.WithLabelValues(p.cfg.Name).Set(float64(len(p.waiters)))
			return true
		}
	}
	return false
}

// replenishForWaiters opens connections for queued callers when capacity was
// freed without a connection being returned (discard, retirement, failed open).
func (p *Pool) replenishForWaiters() {
	p.mu.Lock()
	if p.closed || p.draining {
		p.mu.Unlock()
		return
	}
	n := len(p.waiters)
	if headroom := p.cfg.MaxSize - p.totalLocked(); n > headroom {
		n = headroom
	}
	if n <= 0 {
		p.mu.Unlock()
		return
	}
	p.pending += n
	p.wg.Add(n)
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		go func() {
			defer p.wg.Done()
			conn, err := p.open(context.Background())

			p.mu.Lock()
			p.pending--
			if err != nil {
				p.updateMetrics()
				p.markDrainedLocked()
				p.mu.Unlock()
				log.Printf("[pool] Pool %s — failed to open connection for waiter: %v", p.cfg.Name, err)
				return
			}
			if p.closed || p.draining {
				p.mu.Unlock()
				conn.close()
				p.checkDrained()
				return
			}
			waiter := p.putLocked(conn)
			p.mu.Unlock()
			if waiter != nil {
				waiter <- conn
			}
		}()
	}
}

func (p *Pool) checkDrained() {
	p.mu.Lock()
	p.markDrainedLocked()
	p.mu.Unlock()
}

func (p *Pool) markDrainedLocked() {
	if p.draining && !p.drainedDone && len(p.active) == 0 && p.pending == 0 {
		p.drainedDone = true
		close(p.drained)
	}
}

// updateMetrics refreshes Prometheus gauges for this pool.
func (p *Pool) updateMetrics() {
	metrics.ConnectionsActive.WithLabelValues(p.cfg.Name).Set(float64(len(p.active)))
	metrics.ConnectionsIdle.WithLabelValues(p.cfg.Name).Set(float64(len(p.idle)))
}

func closeAll(conns []*Conn) {
	for _, c := range conns {
		c.close()
	}
}

// maintenanceLoop runs periodic eviction, health checks and leak detection.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictStale()
			p.HealthCheck()
			p.detectLeaks()
			p.ensureMinIdle()
		}
	}
}

// evictStale removes idle connections past idle timeout, max lifetime or
// credential expiry.
func (p *Pool) evictStale() {
	now := p.now()

	p.mu.Lock()
	remaining := make([]*Conn, 0, len(p.idle))
	var evicted []*Conn
	for _, conn := range p.idle {
		if p.expired(conn, now) ||
			(p.cfg.IdleTimeout > 0 && conn.idleDuration(now) > p.cfg.IdleTimeout) {
			evicted = append(evicted, conn)
		} else {
			remaining = append(remaining, conn)
		}
	}
	p.idle = remaining
	if len(evicted) > 0 {
		p.updateMetrics()
	}
	p.mu.Unlock()

	if len(evicted) > 0 {
		closeAll(evicted)
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, "evicted").Add(float64(len(evicted)))
		log.Printf("[pool] Pool %s — evicted %d stale connections", p.cfg.Name, len(evicted))
	}
}

// detectLeaks logs borrows held longer than LeakDetectionThreshold, once per borrow.
func (p *Pool) detectLeaks() {
	if p.cfg.LeakDetectionThreshold <= 0 {
		return
	}
	now := p.now()

	p.mu.Lock()
	active := make([]*Conn, 0, len(p.active))
	for _, c := range p.active {
		active = append(active, c)
	}
	p.mu.Unlock()

	for _, c := range active {
		if held, leaked := c.reportLeak(now, p.cfg.LeakDetectionThreshold); leaked {
			metrics.LeaksDetected.WithLabelValues(p.cfg.Name).Inc()
			log.Printf("[pool] Pool %s — possible leak: conn %d borrowed for %s (threshold %s)",
				p.cfg.Name, c.id, held.Round(time.Millisecond), p.cfg.LeakDetectionThreshold)
		}
	}
}

// ensureMinIdle opens connections to keep MinIdle idle ones, within MaxSize.
func (p *Pool) ensureMinIdle() {
	p.mu.Lock()
	if p.closed || p.draining {
		p.mu.Unlock()
		return
	}
	deficit := p.cfg.MinIdle - len(p.idle)
	if headroom := p.cfg.MaxSize - p.totalLocked(); deficit > headroom {
		deficit = headroom
	}
	if deficit <= 0 {
		p.mu.Unlock()
		return
	}
	p.pending += deficit
	p.mu.Unlock()

	created := 0
	for i := 0; i < deficit; i++ {
		conn, err := p.open(context.Background())

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.pending -= deficit - i - 1
			p.updateMetrics()
			p.markDrainedLocked()
			p.mu.Unlock()
			log.Printf("[pool] Pool %s — failed to create min_idle connection: %v", p.cfg.Name, err)
			break
		}
		if p.closed || p.draining {
			p.pending -= deficit - i - 1
			p.markDrainedLocked()
			p.mu.Unlock()
			conn.close()
			break
		}
		waiter := p.putLocked(conn)
		p.mu.Unlock()
		if waiter != nil {
			waiter <- conn
		}
		created++
	}

	if created > 0 {
		log.Printf("[pool] Pool %s — replenished %d idle connections", p.cfg.Name, created)
	}
}
