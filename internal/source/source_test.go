package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/poc-token-pooling/internal/errs"
	"github.com/joao-brasil/poc-token-pooling/internal/pool"
	"github.com/joao-brasil/poc-token-pooling/internal/token"
	"github.com/joao-brasil/poc-token-pooling/pkg/endpoint"
)

type fakeSession struct {
	credential string
	execs      []string
	execErr    error
	closed     bool
}

func (s *fakeSession) Exec(_ context.Context, q string) error {
	s.execs = append(s.execs, q)
	return s.execErr
}
func (s *fakeSession) Ping(context.Context) error  { return nil }
func (s *fakeSession) Close(context.Context) error { s.closed = true; return nil }

type fakeConnector struct {
	mu       sync.Mutex
	dialed   []string
	sessions []*fakeSession
	err      error
	execErr  error
}

func (c *fakeConnector) Connect(_ context.Context, credential string) (pool.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialed = append(c.dialed, credential)
	if c.err != nil {
		return nil, c.err
	}
	s := &fakeSession{credential: credential, execErr: c.execErr}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// countingProvider issues a distinct token per call.
type countingProvider struct {
	mu    sync.Mutex
	calls int
	fail  int // number of leading calls that fail
	now   func() time.Time
	ttl   time.Duration
	// permanent makes the failing calls rejections rather than throttling.
	permanent bool
}

func (p *countingProvider) IssueToken(_ context.Context, req token.Request) (*token.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fail {
		if p.permanent {
			return nil, &errs.TokenIssuanceError{Host: req.Host, Principal: req.Principal.Name, Cause: errors.New("class mismatch"), Permanent: true}
		}
		return nil, &errs.TokenIssuanceError{Host: req.Host, Principal: req.Principal.Name, Cause: errors.New("throttled")}
	}
	ttl := p.ttl
	if ttl == 0 {
		ttl = req.EffectiveTTL()
	}
	now := time.Now()
	if p.now != nil {
		now = p.now()
	}
	return &token.Token{Value: fmt.Sprintf("tok-%d", p.calls), Principal: req.Principal, IssuedAt: now, TTL: ttl}, nil
}

type noDelay struct{}

func (noDelay) BackoffDelay(int, error) (time.Duration, error) { return 0, nil }

func testEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Host: "abc.dsql.us-east-1.on.aws", Port: 5432, Region: "us-east-1", Database: "postgres", User: "app"}
}

func newTestSource(cfg Config, p token.Provider, c Connector) *Source {
	if cfg.Endpoint.Host == "" {
		cfg.Endpoint = testEndpoint()
	}
	if cfg.Principal.Name == "" {
		cfg.Principal = token.PrincipalFor("app")
	}
	s := New(cfg, p, c)
	s.backoff = noDelay{}
	return s
}

func TestEachConnectionGetsItsOwnToken(t *testing.T) {
	provider := &countingProvider{}
	conn := &fakeConnector{}
	s := newTestSource(Config{}, provider, conn)

	for i := 0; i < 3; i++ {
		session, cred, err := s.Open(context.Background())
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, token.DefaultTTL, cred.ExpiresAt.Sub(cred.IssuedAt))
	}
	assert.Equal(t, []string{"tok-1", "tok-2", "tok-3"}, conn.dialed)
}

func TestExplicitExpiredTokenFailsWithoutDialing(t *testing.T) {
	provider := &countingProvider{}
	conn := &fakeConnector{}
	s := newTestSource(Config{}, provider, conn)

	issued := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := issued
	s.now = func() time.Time { return now }

	tok := &token.Token{Value: "short", Principal: token.PrincipalFor("app"), IssuedAt: issued, TTL: 10 * time.Second}

	_, cred, err := s.OpenConnection(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, issued.Add(10*time.Second), cred.ExpiresAt)

	now = issued.Add(11 * time.Second)
	_, _, err = s.OpenConnection(context.Background(), tok)
	require.Error(t, err)
	assert.True(t, errs.IsCredential(err))

	assert.Equal(t, []string{"short"}, conn.dialed)
	assert.Zero(t, provider.calls)
}

func TestPinnedTokenBypassesIssuance(t *testing.T) {
	provider := &countingProvider{}
	conn := &fakeConnector{}
	pinned := &token.Token{Value: "static", Principal: token.PrincipalFor("app"), IssuedAt: time.Now()}
	s := newTestSource(Config{Pinned: pinned}, provider, conn)

	_, cred, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.True(t, cred.ExpiresAt.IsZero())
	assert.Zero(t, provider.calls)
}

func TestIssuanceRetriesAreBounded(t *testing.T) {
	provider := &countingProvider{fail: 10}
	conn := &fakeConnector{}
	s := newTestSource(Config{IssueRetries: 2}, provider, conn)

	_, _, err := s.Open(context.Background())
	require.Error(t, err)

	var tie *errs.TokenIssuanceError
	require.ErrorAs(t, err, &tie)
	assert.Equal(t, 3, tie.Attempts)
	assert.False(t, errs.IsCredential(err))
	assert.Equal(t, 3, provider.calls)
	assert.Empty(t, conn.dialed)
}

func TestRejectedRequestIsNotRetried(t *testing.T) {
	provider := &countingProvider{fail: 10, permanent: true}
	conn := &fakeConnector{}
	s := newTestSource(Config{IssueRetries: 3}, provider, conn)

	_, _, err := s.Open(context.Background())
	require.Error(t, err)

	var tie *errs.TokenIssuanceError
	require.ErrorAs(t, err, &tie)
	assert.True(t, tie.Permanent)
	assert.Equal(t, 1, tie.Attempts)
	assert.Equal(t, 1, provider.calls)
	assert.Empty(t, conn.dialed)
}

func TestIssuanceRecoversAfterTransientFailure(t *testing.T) {
	provider := &countingProvider{fail: 1}
	conn := &fakeConnector{}
	s := newTestSource(Config{IssueRetries: 2}, provider, conn)

	_, _, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-2"}, conn.dialed)
}

func TestIssuanceTimeoutIsCredentialError(t *testing.T) {
	unblock := make(chan struct{})
	t.Cleanup(func() { close(unblock) })
	hung := token.ProviderFunc(func(context.Context, token.Request) (*token.Token, error) {
		<-unblock // ignores ctx
		return nil, errors.New("released")
	})
	s := newTestSource(Config{IssueTimeout: 50 * time.Millisecond}, hung, &fakeConnector{})

	start := time.Now()
	_, _, err := s.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsCredential(err))
	assert.True(t, errs.IsTokenIssuance(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSchemaInitRunsForStandardPrincipalsOnly(t *testing.T) {
	conn := &fakeConnector{}
	s := newTestSource(Config{SchemaInitStatement: "SET search_path = app"}, &countingProvider{}, conn)
	_, _, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SET search_path = app"}, conn.sessions[0].execs)

	adminConn := &fakeConnector{}
	admin := newTestSource(Config{
		Principal:           token.PrincipalFor("admin"),
		SchemaInitStatement: "SET search_path = app",
	}, &countingProvider{}, adminConn)
	_, _, err = admin.Open(context.Background())
	require.NoError(t, err)
	assert.Empty(t, adminConn.sessions[0].execs)
}

func TestSchemaInitFailureClosesSession(t *testing.T) {
	conn := &fakeConnector{execErr: errors.New("schema missing")}
	s := newTestSource(Config{SchemaInitStatement: "SET search_path = app"}, &countingProvider{}, conn)

	_, _, err := s.Open(context.Background())
	require.Error(t, err)
	assert.True(t, conn.sessions[0].closed)
}

func TestConnectorCredentialErrorPropagates(t *testing.T) {
	rejected := &errs.CredentialError{Principal: "app", Reason: "password authentication failed"}
	s := newTestSource(Config{}, &countingProvider{}, &fakeConnector{err: rejected})

	_, _, err := s.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsCredential(err))
	assert.Contains(t, err.Error(), "abc.dsql.us-east-1.on.aws:5432")
}

func TestProviderReturningExpiredTokenIsRejected(t *testing.T) {
	provider := &countingProvider{ttl: time.Nanosecond, now: func() time.Time { return time.Now().Add(-time.Hour) }}
	conn := &fakeConnector{}
	s := newTestSource(Config{IssueRetries: 1}, provider, conn)

	_, _, err := s.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsTokenIssuance(err))
	assert.Empty(t, conn.dialed)
}
