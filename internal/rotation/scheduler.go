// Package rotation runs the scheduled credential rotation: every period (plus
// a random jitter so a fleet does not rotate in lockstep) it asks the Rotator
// to replace the pool with one built on fresh tokens.
package rotation

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"
)

// Rotator replaces the live pool.
type Rotator interface {
	Rotate(ctx context.Context) error
}

// RotatorFunc adapts a function to Rotator.
type RotatorFunc func(ctx context.Context) error

// Rotate calls f.
func (f RotatorFunc) Rotate(ctx context.Context) error {
	return f(ctx)
}

// Lease is a held fleet-wide rotation slot.
type Lease interface {
	Release(ctx context.Context) error
}

// LeaseFunc tries to take the rotation slot. A nil Lease with a nil error
// means a peer holds it.
type LeaseFunc func(ctx context.Context) (Lease, error)

// Config controls the scheduler.
type Config struct {
	Period time.Duration
	// Jitter adds a random [0, Jitter) delay to every period.
	Jitter time.Duration
	// Lease, when set, serializes rotations across instances.
	Lease LeaseFunc
	// LeaseWait bounds how long to wait for a peer before rotating anyway.
	LeaseWait time.Duration
	// LeasePoll is the retry interval while a peer holds the lease.
	LeasePoll time.Duration
}

// Scheduler triggers rotations in the background.
type Scheduler struct {
	cfg     Config
	rotator Rotator

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New returns a stopped scheduler.
func New(cfg Config, rotator Rotator) *Scheduler {
	if cfg.LeasePoll == 0 {
		cfg.LeasePoll = time.Second
	}
	return &Scheduler{cfg: cfg, rotator: rotator}
}

// Start launches the loop. Calling Start on a running or stopped scheduler
// does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil || s.stopped {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	log.Printf("[rotation] Scheduler started: period=%s, jitter=%s", s.cfg.Period, s.cfg.Jitter)
}

// Stop cancels the loop, including an in-flight rotation, and waits for it to
// exit. Safe to call more than once or without Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[rotation] Scheduler stopped")
			return
		case <-timer.C:
			s.runOnce(ctx)
			timer.Reset(s.nextDelay())
		}
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	d := s.cfg.Period
	if s.cfg.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.cfg.Jitter)))
	}
	return d
}

// runOnce performs one rotation. Failures are logged and the previous pool
// stays in service; the loop keeps going.
func (s *Scheduler) runOnce(ctx context.Context) {
	release := s.acquireLease(ctx)
	if ctx.Err() != nil {
		if release != nil {
			s.releaseLease(release)
		}
		return
	}

	start := time.Now()
	err := s.rotator.Rotate(ctx)
	if release != nil {
		s.releaseLease(release)
	}

	if err != nil {
		log.Printf("[rotation] Rotation failed after %s, keeping current pool: %v", time.Since(start).Round(time.Millisecond), err)
		return
	}
	log.Printf("[rotation] Rotation completed in %s", time.Since(start).Round(time.Millisecond))
}

func (s *Scheduler) acquireLease(ctx context.Context) Lease {
	if s.cfg.Lease == nil {
		return nil
	}

	deadline := time.Now().Add(s.cfg.LeaseWait)
	for {
		lease, err := s.cfg.Lease(ctx)
		if err != nil {
			log.Printf("[rotation] Lease unavailable, rotating without it: %v", err)
			return nil
		}
		if lease != nil {
			return lease
		}
		if !time.Now().Before(deadline) {
			log.Printf("[rotation] Lease still held by a peer after %s, rotating anyway", s.cfg.LeaseWait)
			return nil
		}

		timer := time.NewTimer(s.cfg.LeasePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Scheduler) releaseLease(l Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		log.Printf("[rotation] Failed to release lease: %v", err)
	}
}

// DefaultPeriod is the scheduled period for a token TTL: two thirds of it,
// leaving a third of the validity window for the swap and drain.
func DefaultPeriod(ttl time.Duration) time.Duration {
	return ttl * 2 / 3
}
