// Package pool provides the bounded connection pool used by the manager.
// Physical connections come from an Opener, so every new connection can be
// authenticated with its own short-lived credential. The pool retires
// connections before their credential expires, evicts idle ones, keeps a warm
// minimum, flags leaked borrows and can drain gracefully during a swap.
package pool

import (
	"context"
	"sync"
	"time"
)

// Session is a physical database connection.
type Session interface {
	// Exec runs a statement and discards any result.
	Exec(ctx context.Context, query string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Credential describes the token a physical connection authenticated with.
// A zero ExpiresAt means the credential does not expire.
type Credential struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its validity at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Opener creates physical connections for the pool.
type Opener interface {
	Open(ctx context.Context) (Session, Credential, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Session, Credential, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context) (Session, Credential, error) {
	return f(ctx)
}

// ConnState represents the lifecycle state of a pooled connection.
type ConnState int

const (
	ConnStateIdle   ConnState = iota // available in the pool
	ConnStateActive                  // borrowed by a caller
	ConnStateClosed                  // removed from the pool
)

// Conn is a borrowed (or idle) physical connection with pool bookkeeping.
// Callers own it between Acquire and Release/Discard.
type Conn struct {
	mu sync.Mutex

	session Session
	pool    *Pool
	id      uint64
	cred    Credential

	state        ConnState
	createdAt    time.Time
	lastUsedAt   time.Time
	borrowedAt   time.Time
	lastHealthOK time.Time
	useCount     uint64
	leakReported bool
}

func newConn(p *Pool, id uint64, s Session, cred Credential, now time.Time) *Conn {
	return &Conn{
		session:      s,
		pool:         p,
		id:           id,
		cred:         cred,
		state:        ConnStateIdle,
		createdAt:    now,
		lastUsedAt:   now,
		lastHealthOK: now,
	}
}

// Session returns the underlying physical connection.
func (c *Conn) Session() Session {
	return c.session
}

// ID returns the connection identifier, unique within its pool.
func (c *Conn) ID() uint64 {
	return c.id
}

// Credential returns the credential the connection authenticated with.
func (c *Conn) Credential() Credential {
	return c.cred
}

// CreatedAt returns when the physical connection was opened.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UseCount returns how many times the connection was borrowed.
func (c *Conn) UseCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCount
}

// Release returns the connection to its pool. Releasing twice is a no-op.
func (c *Conn) Release() {
	c.pool.release(c)
}

// Discard closes the connection and removes it from its pool permanently,
// e.g. after a broken query.
func (c *Conn) Discard() {
	c.pool.discard(c)
}

func (c *Conn) markAcquired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateActive
	c.lastUsedAt = now
	c.borrowedAt = now
	c.leakReported = false
	c.useCount++
}

func (c *Conn) markIdle(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateIdle
	c.lastUsedAt = now
	c.borrowedAt = time.Time{}
}

// isActive reports whether the connection is currently borrowed.
func (c *Conn) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ConnStateActive
}

func (c *Conn) idleDuration(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastUsedAt)
}

// reportLeak marks the borrow as reported and returns true the first time the
// borrow has exceeded threshold.
func (c *Conn) reportLeak(now time.Time, threshold time.Duration) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ConnStateActive || c.leakReported {
		return 0, false
	}
	held := now.Sub(c.borrowedAt)
	if held < threshold {
		return 0, false
	}
	c.leakReported = true
	return held, true
}

// close closes the physical connection. Safe to call more than once.
func (c *Conn) close() error {
	c.mu.Lock()
	if c.state == ConnStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = ConnStateClosed
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.session.Close(ctx)
}
