// Package postgres opens token-authenticated PostgreSQL connections with pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/joao-brasil/poc-token-pooling/internal/errs"
	"github.com/joao-brasil/poc-token-pooling/internal/pool"
	"github.com/joao-brasil/poc-token-pooling/pkg/endpoint"
)

// SQLSTATE codes the server uses to reject a login.
const (
	codeInvalidAuthorization = "28000"
	codeInvalidPassword      = "28P01"
)

// Connector dials one pgx connection per call, using the given token as the password.
type Connector struct {
	base *pgx.ConnConfig
}

// New parses the endpoint DSN once; each Connect works on a copy.
func New(e endpoint.Endpoint) (*Connector, error) {
	cfg, err := pgx.ParseConfig(e.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config for %s: %w", e.Addr(), err)
	}
	return &Connector{base: cfg}, nil
}

// Connect implements source.Connector.
func (c *Connector) Connect(ctx context.Context, credential string) (pool.Session, error) {
	cfg := c.base.Copy()
	cfg.Password = credential

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, Classify(cfg.User, err)
	}
	return &Session{conn: conn}, nil
}

// Classify turns authentication rejections into errs.CredentialError and
// returns every other error unchanged.
func Classify(user string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeInvalidAuthorization || pgErr.Code == codeInvalidPassword) {
		return &errs.CredentialError{Principal: user, Reason: "rejected by server (" + pgErr.Code + ")", Cause: err}
	}
	return err
}

// Session wraps a *pgx.Conn as a pool.Session.
type Session struct {
	conn *pgx.Conn
}

func (s *Session) Exec(ctx context.Context, query string) error {
	_, err := s.conn.Exec(ctx, query)
	return err
}

func (s *Session) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *Session) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// Conn exposes the underlying pgx connection.
func (s *Session) Conn() *pgx.Conn {
	return s.conn
}

// From returns the pgx connection behind a pooled connection, or false when
// the pool is backed by another driver.
func From(c *pool.Conn) (*pgx.Conn, bool) {
	s, ok := c.Session().(*Session)
	if !ok {
		return nil, false
	}
	return s.conn, true
}
