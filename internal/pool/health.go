package pool

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joao-brasil/poc-token-pooling/internal/metrics"
)

// Validate borrows a connection, runs the validation query under
// ValidationTimeout and returns it. A connection that fails validation is
// discarded.
func (p *Pool) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
	defer cancel()

	conn, err := p.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("validating pool %s: %w", p.cfg.Name, err)
	}
	if err := conn.session.Exec(ctx, p.cfg.ValidationQuery); err != nil {
		conn.Discard()
		return fmt.Errorf("validating pool %s: %q failed: %w", p.cfg.Name, p.cfg.ValidationQuery, err)
	}
	conn.Release()
	return nil
}

// HealthCheck pings every idle connection and discards the ones that fail.
// It is called periodically by the maintenance loop. Connections under check
// are taken out of the idle list and counted as pending, so Acquire never
// hands one out while it is being pinged.
func (p *Pool) HealthCheck() {
	p.mu.Lock()
	if p.closed || p.draining || len(p.idle) == 0 {
		p.mu.Unlock()
		return
	}
	conns := p.idle
	p.idle = nil
	p.pending += len(conns)
	p.updateMetrics()
	p.mu.Unlock()

	var removed []*Conn
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidationTimeout)
		err := conn.session.Ping(ctx)
		cancel()

		p.mu.Lock()
		p.pending--
		if p.closed || p.draining {
			p.markDrainedLocked()
			p.mu.Unlock()
			conn.close()
			continue
		}
		if err != nil {
			p.updateMetrics()
			p.mu.Unlock()
			log.Printf("[pool] Pool %s — health check failed for conn %d: %v", p.cfg.Name, conn.id, err)
			conn.close()
			removed = append(removed, conn)
			continue
		}

		conn.mu.Lock()
		conn.lastHealthOK = time.Now()
		conn.mu.Unlock()

		waiter := p.putLocked(conn)
		p.mu.Unlock()
		if waiter != nil {
			waiter <- conn
		}
	}

	if len(removed) == 0 {
		return
	}
	metrics.ConnectionErrors.WithLabelValues(p.cfg.Name, "health_check_failed").Add(float64(len(removed)))
	log.Printf("[pool] Pool %s — health check: removed %d unhealthy connections", p.cfg.Name, len(removed))
	p.replenishForWaiters()
}
