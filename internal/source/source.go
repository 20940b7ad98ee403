// Package source adapts a token.Provider into the pool's Opener: every
// physical connection is opened with its own freshly issued token, unless an
// explicit credential was pinned.
package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/retry"

	"github.com/joao-brasil/poc-token-pooling/internal/errs"
	"github.com/joao-brasil/poc-token-pooling/internal/pool"
	"github.com/joao-brasil/poc-token-pooling/internal/token"
	"github.com/joao-brasil/poc-token-pooling/pkg/endpoint"
)

// Connector opens a physical connection using credential as the password.
// Implementations report authentication rejections as errs.CredentialError.
type Connector interface {
	Connect(ctx context.Context, credential string) (pool.Session, error)
}

// Config controls token issuance for new connections.
type Config struct {
	Endpoint  endpoint.Endpoint
	Principal token.Principal
	// TokenTTL is requested for each token; zero uses token.DefaultTTL.
	TokenTTL time.Duration
	// IssueTimeout bounds the whole issuance, retries included.
	IssueTimeout time.Duration
	// IssueRetries is how many times a failed signing call is retried.
	IssueRetries int
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// SchemaInitStatement runs after connect for standard principals.
	SchemaInitStatement string
	// Pinned, when set, is used for every connection instead of issuing tokens.
	Pinned *token.Token
}

func (c Config) withDefaults() Config {
	if c.IssueTimeout == 0 {
		c.IssueTimeout = 5 * time.Second
	}
	if c.IssueRetries < 0 {
		c.IssueRetries = 0
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = time.Second
	}
	return c
}

type backoffDelayer interface {
	BackoffDelay(attempt int, err error) (time.Duration, error)
}

// Source is the pool.Opener backed by a token provider.
type Source struct {
	cfg       Config
	provider  token.Provider
	connector Connector
	now       func() time.Time
	backoff   backoffDelayer
}

// New returns a Source.
func New(cfg Config, provider token.Provider, connector Connector) *Source {
	cfg = cfg.withDefaults()
	return &Source{
		cfg:       cfg,
		provider:  provider,
		connector: connector,
		now:       time.Now,
		backoff:   retry.NewExponentialJitterBackoff(cfg.MaxBackoff),
	}
}

// Principal returns the identity connections authenticate as.
func (s *Source) Principal() token.Principal {
	return s.cfg.Principal
}

// Open implements pool.Opener.
func (s *Source) Open(ctx context.Context) (pool.Session, pool.Credential, error) {
	return s.OpenConnection(ctx, s.cfg.Pinned)
}

// OpenConnection opens one physical connection. With an explicit credential
// token issuance is skipped; an expired explicit credential fails with
// errs.CredentialError before dialing. Otherwise a fresh token is issued for
// this connection alone.
func (s *Source) OpenConnection(ctx context.Context, explicit *token.Token) (pool.Session, pool.Credential, error) {
	tok := explicit
	if tok != nil {
		if tok.Expired(s.now()) {
			return nil, pool.Credential{}, &errs.CredentialError{
				Principal: tok.Principal.Name,
				Reason:    fmt.Sprintf("explicit token expired at %s", tok.ExpiresAt().Format(time.RFC3339)),
			}
		}
	} else {
		var err error
		tok, err = s.issue(ctx)
		if err != nil {
			return nil, pool.Credential{}, err
		}
	}

	session, err := s.connector.Connect(ctx, tok.Value)
	if err != nil {
		return nil, pool.Credential{}, fmt.Errorf("connecting to %s as %s: %w", s.cfg.Endpoint.Addr(), tok.Principal.Name, err)
	}

	if s.cfg.SchemaInitStatement != "" && tok.Principal.Class == token.ClassStandard {
		if err := session.Exec(ctx, s.cfg.SchemaInitStatement); err != nil {
			session.Close(ctx)
			return nil, pool.Credential{}, fmt.Errorf("running schema init statement: %w", err)
		}
	}

	cred := pool.Credential{IssuedAt: tok.IssuedAt}
	if tok.TTL > 0 {
		cred.ExpiresAt = tok.ExpiresAt()
	}
	return session, cred, nil
}

type issueResult struct {
	tok *token.Token
	err error
}

// issue asks the provider for a token, retrying failed signing calls a bounded
// number of times with jittered backoff, all within IssueTimeout. Rejected
// requests are returned after the first attempt.
func (s *Source) issue(ctx context.Context) (*token.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IssueTimeout)
	defer cancel()

	req := token.Request{
		Host:      s.cfg.Endpoint.Host,
		Region:    s.cfg.Endpoint.Region,
		Principal: s.cfg.Principal,
		TTL:       s.cfg.TokenTTL,
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.cfg.IssueRetries+1; attempt++ {
		attempts = attempt

		// The provider runs aside so a call that ignores ctx cannot hang the caller.
		resCh := make(chan issueResult, 1)
		go func() {
			tok, err := s.provider.IssueToken(ctx, req)
			resCh <- issueResult{tok: tok, err: err}
		}()

		var res issueResult
		select {
		case res = <-resCh:
		case <-ctx.Done():
			return nil, s.timedOut(ctx, lastErr, attempts)
		}

		if res.err == nil {
			if res.tok.Expired(s.now()) {
				res.err = fmt.Errorf("provider returned a token that expired at %s", res.tok.ExpiresAt().Format(time.RFC3339))
			} else {
				return res.tok, nil
			}
		}
		lastErr = res.err

		if attempt > s.cfg.IssueRetries || errs.IsPermanentIssuance(lastErr) {
			break
		}
		delay, err := s.backoff.BackoffDelay(attempt, lastErr)
		if err != nil {
			break
		}
		log.Printf("[source] Token issuance for %s attempt %d/%d failed, retrying in %s: %v",
			s.cfg.Principal.Name, attempt, s.cfg.IssueRetries+1, delay.Round(time.Millisecond), lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, s.timedOut(ctx, lastErr, attempts)
		}
	}

	var tie *errs.TokenIssuanceError
	if errors.As(lastErr, &tie) {
		out := *tie
		out.Attempts = attempts
		return nil, &out
	}
	return nil, &errs.TokenIssuanceError{
		Host:      s.cfg.Endpoint.Host,
		Principal: s.cfg.Principal.Name,
		Attempts:  attempts,
		Cause:     lastErr,
	}
}

func (s *Source) timedOut(ctx context.Context, lastErr error, attempts int) error {
	cause := lastErr
	if cause == nil {
		cause = ctx.Err()
	}
	return &errs.CredentialError{
		Principal: s.cfg.Principal.Name,
		Reason:    fmt.Sprintf("token issuance did not complete within %s", s.cfg.IssueTimeout),
		Cause: &errs.TokenIssuanceError{
			Host:      s.cfg.Endpoint.Host,
			Principal: s.cfg.Principal.Name,
			Attempts:  attempts,
			Cause:     cause,
		},
	}
}
