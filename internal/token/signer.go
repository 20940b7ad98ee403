package token

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"

	"github.com/joao-brasil/poc-token-pooling/internal/errs"
	"github.com/joao-brasil/poc-token-pooling/internal/metrics"
)

// signFunc matches the dsql auth helpers.
type signFunc func(ctx context.Context, endpoint, region string, creds aws.CredentialsProvider, optFns ...func(*auth.TokenOptions)) (string, error)

// Signer issues Aurora DSQL connect tokens with SigV4 presigning.
type Signer struct {
	creds aws.CredentialsProvider
	now   func() time.Time

	admin    signFunc
	standard signFunc
}

// NewSigner returns a Signer that signs with creds.
func NewSigner(creds aws.CredentialsProvider) *Signer {
	return &Signer{
		creds:    creds,
		now:      time.Now,
		admin:    auth.GenerateDBConnectAdminAuthToken,
		standard: auth.GenerateDbConnectAuthToken,
	}
}

// IssueToken signs a fresh token for req. The signing operation is chosen by
// the principal class; a principal whose class disagrees with its role fails
// without signing anything.
func (s *Signer) IssueToken(ctx context.Context, req Request) (*Token, error) {
	class := req.Principal.Class.String()
	if err := req.Principal.Check(); err != nil {
		metrics.TokenIssuance.WithLabelValues(class, "rejected").Inc()
		return nil, &errs.TokenIssuanceError{Host: req.Host, Principal: req.Principal.Name, Attempts: 1, Cause: err, Permanent: true}
	}
	if req.Host == "" || req.Region == "" {
		metrics.TokenIssuance.WithLabelValues(class, "rejected").Inc()
		return nil, &errs.TokenIssuanceError{Host: req.Host, Principal: req.Principal.Name, Attempts: 1,
			Cause: fmt.Errorf("host and region are required"), Permanent: true}
	}

	sign := s.standard
	if req.Principal.Class == ClassAdmin {
		sign = s.admin
	}

	ttl := req.EffectiveTTL()
	issuedAt := s.now()
	start := time.Now()
	value, err := sign(ctx, req.Host, req.Region, s.creds, func(o *auth.TokenOptions) {
		o.ExpiresIn = ttl
	})
	metrics.TokenIssuanceDuration.WithLabelValues(class).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TokenIssuance.WithLabelValues(class, "error").Inc()
		return nil, &errs.TokenIssuanceError{Host: req.Host, Principal: req.Principal.Name, Attempts: 1, Cause: err}
	}
	metrics.TokenIssuance.WithLabelValues(class, "ok").Inc()

	return &Token{
		Value:     value,
		Principal: req.Principal,
		IssuedAt:  issuedAt,
		TTL:       ttl,
	}, nil
}
