// Package manager is the process-facing façade over the token-authenticated
// pool: it owns the one active pool, builds it on Initialize, swaps it for a
// fresh one on rotation and tears everything down on Shutdown.
//
// There is no package-level instance; create one Manager per process and pass
// it to whatever needs connections.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/poc-token-pooling/internal/errs"
	"github.com/joao-brasil/poc-token-pooling/internal/metrics"
	"github.com/joao-brasil/poc-token-pooling/internal/pool"
	"github.com/joao-brasil/poc-token-pooling/internal/rotation"
	"github.com/joao-brasil/poc-token-pooling/internal/token"
)

// State is the manager lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateRotating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateRotating:
		return "rotating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HealthStatus is the result of Health.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
)

// Strategy selects how credentials are refreshed.
type Strategy string

const (
	// StrategyPerConnection relies on MaxLifetime retiring connections; each
	// replacement is opened with a fresh token.
	StrategyPerConnection Strategy = "per_connection"
	// StrategyScheduled additionally swaps the whole pool on a timer.
	StrategyScheduled Strategy = "scheduled"
)

// Config is consumed by Initialize.
type Config struct {
	Pool     pool.Config
	TokenTTL time.Duration
	Strategy Strategy
	// Rotation configures the scheduler under StrategyScheduled. A zero
	// Period means two thirds of TokenTTL.
	Rotation rotation.Config
	// DrainTimeout bounds how long a replaced pool waits for borrowed
	// connections before closing them.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TokenTTL == 0 {
		c.TokenTTL = token.DefaultTTL
	}
	if c.Strategy == "" {
		c.Strategy = StrategyPerConnection
	}
	if c.Pool.Name == "" {
		c.Pool.Name = "tokenpool"
	}
	if c.Pool.MaxLifetime == 0 {
		c.Pool.MaxLifetime = c.TokenTTL * 2 / 3
	}
	if c.Rotation.Period == 0 {
		c.Rotation.Period = rotation.DefaultPeriod(c.TokenTTL)
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

func (c Config) validate() error {
	if c.Pool.MaxSize <= 0 {
		return &errs.ConfigError{Field: "max_size", Message: "must be greater than zero"}
	}
	if c.Pool.MinIdle < 0 || c.Pool.MinIdle > c.Pool.MaxSize {
		return &errs.ConfigError{Field: "min_idle", Message: fmt.Sprintf("must be between 0 and max_size (%d)", c.Pool.MaxSize)}
	}
	if c.Pool.MaxLifetime >= c.TokenTTL {
		return &errs.ConfigError{Field: "max_lifetime", Message: fmt.Sprintf("%s must be shorter than the token TTL %s", c.Pool.MaxLifetime, c.TokenTTL)}
	}
	if c.Pool.IdleTimeout >= c.TokenTTL {
		return &errs.ConfigError{Field: "idle_timeout", Message: fmt.Sprintf("%s must be shorter than the token TTL %s", c.Pool.IdleTimeout, c.TokenTTL)}
	}
	switch c.Strategy {
	case StrategyPerConnection:
	case StrategyScheduled:
		if c.Rotation.Period >= c.TokenTTL {
			return &errs.ConfigError{Field: "rotation_period", Message: fmt.Sprintf("%s must be shorter than the token TTL %s", c.Rotation.Period, c.TokenTTL)}
		}
	default:
		return &errs.ConfigError{Field: "strategy", Message: fmt.Sprintf("unsupported strategy %q", c.Strategy)}
	}
	return nil
}

// RotationResult describes one pool swap attempt.
type RotationResult struct {
	Generation uint64
	StartedAt  time.Time
	Duration   time.Duration
	Err        error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now in the manager and the pools it builds.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRotationHook is called after every rotation attempt.
func WithRotationHook(fn func(context.Context, RotationResult)) Option {
	return func(m *Manager) { m.onRotate = fn }
}

// Manager owns the active pool.
type Manager struct {
	opener   pool.Opener
	now      func() time.Time
	onRotate func(context.Context, RotationResult)

	// state and active are read without locks on the acquire path.
	state  atomic.Int32
	active atomic.Pointer[pool.Pool]

	// mu guards lifecycle transitions and the fields below.
	mu           sync.Mutex
	cfg          Config
	scheduler    *rotation.Scheduler
	generation   uint64
	rotations    uint64
	lastRotation *RotationResult
	draining     map[*pool.Pool]struct{}

	// rotateMu serializes rotations; Shutdown takes it to await one in flight.
	rotateMu sync.Mutex
	drainWG  sync.WaitGroup

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// New returns an uninitialized manager whose pools open connections through opener.
func New(opener pool.Opener, opts ...Option) *Manager {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	m := &Manager{
		opener:     opener,
		now:        time.Now,
		draining:   make(map[*pool.Pool]struct{}),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	metrics.PoolState.Set(float64(s))
}

// Initialize builds and validates the first pool. Calls after a successful
// Initialize return nil without building anything; concurrent callers wait
// for the one build in progress. After Shutdown it fails with
// errs.AlreadyClosedError.
func (m *Manager) Initialize(ctx context.Context, cfg Config) error {
	if err := m.initializedOrClosed(); err != errNotYet {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.initializedOrClosed(); err != errNotYet {
		return err
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	m.generation++
	p, err := m.buildPool(ctx, cfg, m.generation)
	if err != nil {
		return fmt.Errorf("initializing pool: %w", err)
	}

	m.cfg = cfg
	m.active.Store(p)
	m.setState(StateActive)

	if cfg.Strategy == StrategyScheduled {
		m.scheduler = rotation.New(cfg.Rotation, rotation.RotatorFunc(m.Rotate))
		m.scheduler.Start()
	}

	log.Printf("[manager] Initialized: pool=%s, strategy=%s, token_ttl=%s, max_lifetime=%s",
		p.Name(), cfg.Strategy, cfg.TokenTTL, cfg.Pool.MaxLifetime)
	return nil
}

var errNotYet = errors.New("not initialized yet")

func (m *Manager) initializedOrClosed() error {
	switch m.State() {
	case StateActive, StateRotating:
		return nil
	case StateClosed:
		return &errs.AlreadyClosedError{Operation: "initialize"}
	default:
		return errNotYet
	}
}

// buildPool creates a pool generation and confirms it can serve the
// validation query. A pool that fails validation is closed.
func (m *Manager) buildPool(ctx context.Context, cfg Config, gen uint64) (*pool.Pool, error) {
	pc := cfg.Pool
	pc.Name = cfg.Pool.Name + "-g" + strconv.FormatUint(gen, 10)

	p, err := pool.New(ctx, pc, m.opener, pool.WithClock(m.now))
	if err != nil {
		return nil, err
	}
	if err := p.Validate(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("validating pool %s: %w", pc.Name, err)
	}
	return p, nil
}

// Acquire borrows a connection from the active pool. It fails with
// errs.NotInitializedError before Initialize and errs.AlreadyClosedError
// after Shutdown, and never blocks longer than the pool's ConnectionTimeout.
func (m *Manager) Acquire(ctx context.Context) (*pool.Conn, error) {
	// A rotation may swap the pool between loading the pointer and borrowing
	// from it; the replaced pool answers ErrClosed and the next pass sees the
	// new one.
	for attempt := 0; attempt < 3; attempt++ {
		if err := m.usable("acquire"); err != nil {
			return nil, err
		}
		p := m.active.Load()
		if p == nil {
			continue
		}

		conn, err := p.Acquire(ctx)
		if errors.Is(err, pool.ErrClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if m.State() == StateClosed {
			conn.Release()
			return nil, &errs.AlreadyClosedError{Operation: "acquire"}
		}
		return conn, nil
	}

	if err := m.usable("acquire"); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("acquire: %w", pool.ErrClosed)
}

func (m *Manager) usable(op string) error {
	switch m.State() {
	case StateUninitialized:
		return &errs.NotInitializedError{Operation: op}
	case StateClosed:
		return &errs.AlreadyClosedError{Operation: op}
	default:
		return nil
	}
}

// Health runs the validation query on a borrowed connection. It never
// panics and never returns an error; any failure is Unhealthy.
func (m *Manager) Health(ctx context.Context) (status HealthStatus) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[manager] Health check panicked: %v", r)
			status = Unhealthy
		}
	}()

	if m.usable("health") != nil {
		return Unhealthy
	}
	p := m.active.Load()
	if p == nil {
		return Unhealthy
	}
	if err := p.Validate(ctx); err != nil {
		if !errors.Is(err, pool.ErrClosed) {
			log.Printf("[manager] Health check failed: %v", err)
			return Unhealthy
		}
		// Swapped mid-check; judge the replacement.
		if p = m.active.Load(); p == nil || p.Validate(ctx) != nil {
			return Unhealthy
		}
	}
	return Healthy
}

// Stats returns a snapshot of the active pool. Fields may be mutually
// inconsistent under concurrent activity.
func (m *Manager) Stats() pool.Stats {
	p := m.active.Load()
	if p == nil {
		return pool.Stats{}
	}
	return p.Stats()
}

// RotationInfo summarizes the last rotation attempt.
type RotationInfo struct {
	Generation uint64    `json:"generation"`
	At         time.Time `json:"at"`
	Duration   string    `json:"duration"`
	Error      string    `json:"error,omitempty"`
}

// Report is the operational view exposed by the health endpoints.
type Report struct {
	State         string        `json:"state"`
	Health        string        `json:"health"`
	Strategy      string        `json:"strategy,omitempty"`
	Generation    uint64        `json:"generation"`
	Pool          pool.Stats    `json:"pool"`
	DrainingPools int           `json:"draining_pools"`
	Rotations     uint64        `json:"rotations"`
	LastRotation  *RotationInfo `json:"last_rotation,omitempty"`
}

// Report combines Health, Stats and rotation history. A failed last rotation
// is reported here while the previous pool keeps serving.
func (m *Manager) Report(ctx context.Context) Report {
	r := Report{
		State:  m.State().String(),
		Health: string(m.Health(ctx)),
		Pool:   m.Stats(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r.Strategy = string(m.cfg.Strategy)
	r.Generation = m.generation
	r.DrainingPools = len(m.draining)
	r.Rotations = m.rotations
	if lr := m.lastRotation; lr != nil {
		r.LastRotation = &RotationInfo{
			Generation: lr.Generation,
			At:         lr.StartedAt,
			Duration:   lr.Duration.String(),
		}
		if lr.Err != nil {
			r.LastRotation.Error = lr.Err.Error()
		}
	}
	return r
}

// Generation returns the number of pools built so far.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Rotate swaps the active pool for a freshly built one (make-before-break).
// The replacement is built and validated outside any lock; only the pointer
// swap is exclusive. If building or validating fails, the current pool stays
// active and the error is returned and recorded. The old pool drains in the
// background.
func (m *Manager) Rotate(ctx context.Context) error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	if !m.state.CompareAndSwap(int32(StateActive), int32(StateRotating)) {
		if err := m.usable("rotate"); err != nil {
			return err
		}
		return fmt.Errorf("rotate: unexpected state %s", m.State())
	}
	metrics.PoolState.Set(float64(StateRotating))

	// Shutdown aborts an in-flight build through lifeCtx.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.lifeCtx, cancel)
	defer stop()

	m.mu.Lock()
	m.generation++
	gen := m.generation
	cfg := m.cfg
	m.mu.Unlock()

	started := m.now()
	next, err := m.buildPool(ctx, cfg, gen)
	if err != nil {
		if m.state.CompareAndSwap(int32(StateRotating), int32(StateActive)) {
			metrics.PoolState.Set(float64(StateActive))
		}
		err = fmt.Errorf("rotating to generation %d: %w", gen, err)
		m.finishRotation(ctx, RotationResult{Generation: gen, StartedAt: started, Duration: m.now().Sub(started), Err: err})
		log.Printf("[manager] Rotation failed, keeping current pool: %v", err)
		return err
	}

	m.mu.Lock()
	if m.State() != StateRotating {
		m.mu.Unlock()
		next.Close()
		return &errs.AlreadyClosedError{Operation: "rotate"}
	}
	old := m.active.Swap(next)
	m.setState(StateActive)
	if old != nil {
		m.draining[old] = struct{}{}
		m.drainWG.Add(1)
	}
	drainTimeout := cfg.DrainTimeout
	m.mu.Unlock()

	if old != nil {
		go m.drain(old, drainTimeout)
	}

	m.finishRotation(ctx, RotationResult{Generation: gen, StartedAt: started, Duration: m.now().Sub(started)})
	log.Printf("[manager] Rotated to pool %s", next.Name())
	return nil
}

func (m *Manager) finishRotation(ctx context.Context, res RotationResult) {
	status := "success"
	if res.Err != nil {
		status = "failure"
	}
	metrics.Rotations.WithLabelValues(status).Inc()

	m.mu.Lock()
	m.rotations++
	m.lastRotation = &res
	m.mu.Unlock()

	if m.onRotate != nil {
		m.onRotate(context.WithoutCancel(ctx), res)
	}
}

// drain lets borrowed connections of a replaced pool finish, then closes it.
func (m *Manager) drain(old *pool.Pool, timeout time.Duration) {
	defer m.drainWG.Done()

	ctx, cancel := context.WithTimeout(m.lifeCtx, timeout)
	defer cancel()

	if err := old.Drain(ctx); err != nil {
		log.Printf("[manager] Draining pool %s: %v", old.Name(), err)
	}

	m.mu.Lock()
	delete(m.draining, old)
	m.mu.Unlock()
}

// Shutdown stops the scheduler (waiting for it), aborts or awaits an
// in-flight rotation, and closes the active pool and any pool still
// draining. It is idempotent, safe without Initialize, and never fails.
// Once it returns no Acquire on this manager succeeds.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	prev := State(m.state.Swap(int32(StateClosed)))
	metrics.PoolState.Set(float64(StateClosed))
	if prev == StateClosed {
		m.mu.Unlock()
		return nil
	}
	sched := m.scheduler
	m.scheduler = nil
	active := m.active.Swap(nil)
	m.mu.Unlock()

	m.lifeCancel()

	if sched != nil {
		sched.Stop()
	}

	// A manual Rotate still in flight finishes first; its build was cancelled above.
	m.rotateMu.Lock()
	if active != nil {
		if err := active.Close(); err != nil {
			log.Printf("[manager] Closing pool %s: %v", active.Name(), err)
		}
	}
	m.rotateMu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.drainWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		log.Printf("[manager] Shutdown deadline reached with pools still draining: %v", ctx.Err())
	}

	if prev != StateUninitialized {
		log.Printf("[manager] Shut down")
	}
	return nil
}
