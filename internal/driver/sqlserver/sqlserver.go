// Package sqlserver opens token-authenticated SQL Server connections with
// go-mssqldb's access-token connector.
package sqlserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/poc-token-pooling/internal/errs"
	"github.com/joao-brasil/poc-token-pooling/internal/pool"
	"github.com/joao-brasil/poc-token-pooling/pkg/endpoint"
)

// errLoginFailed is the server error number for a rejected login.
const errLoginFailed = 18456

// errTokenConsumed is returned when database/sql tries to redial with a token
// that was already used for this session.
var errTokenConsumed = errors.New("access token already used for this session")

// Connector dials one SQL Server session per call.
type Connector struct {
	dsn  string
	user string
}

// New returns a Connector for the endpoint.
func New(e endpoint.Endpoint) *Connector {
	return &Connector{dsn: e.SQLServerDSN(), user: e.User}
}

// Connect implements source.Connector. The token is handed to exactly one
// physical login; if the session drops it is not replayed.
func (c *Connector) Connect(ctx context.Context, credential string) (pool.Session, error) {
	var used atomic.Bool
	connector, err := mssql.NewAccessTokenConnector(c.dsn, func() (string, error) {
		if used.Swap(true) {
			return "", errTokenConsumed
		}
		return credential, nil
	})
	if err != nil {
		return nil, fmt.Errorf("building access token connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Classify(c.user, err)
	}
	return &Session{db: db}, nil
}

// Classify turns login failures into errs.CredentialError.
func Classify(user string, err error) error {
	var msErr mssql.Error
	if errors.As(err, &msErr) && msErr.Number == errLoginFailed {
		return &errs.CredentialError{Principal: user, Reason: "login failed", Cause: err}
	}
	if errors.Is(err, errTokenConsumed) {
		return &errs.CredentialError{Principal: user, Reason: "session token consumed", Cause: err}
	}
	return err
}

// Session is a single SQL Server login held by a one-connection *sql.DB.
type Session struct {
	db *sql.DB
}

func (s *Session) Exec(ctx context.Context, query string) error {
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *Session) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Session) Close(context.Context) error {
	return s.db.Close()
}

// DB exposes the underlying handle.
func (s *Session) DB() *sql.DB {
	return s.db
}
