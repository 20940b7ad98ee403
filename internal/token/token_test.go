package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/poc-token-pooling/internal/errs"
)

func staticCreds() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret", Source: "test"}, nil
	})
}

func TestTokenExpiry(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := &Token{Value: "v", Principal: PrincipalFor("admin"), IssuedAt: issued, TTL: 10 * time.Second}

	assert.Equal(t, issued.Add(10*time.Second), tok.ExpiresAt())
	assert.False(t, tok.Expired(issued.Add(9*time.Second)))
	assert.True(t, tok.Expired(issued.Add(10*time.Second)))
	assert.Equal(t, time.Second, tok.Remaining(issued.Add(9*time.Second)))
	assert.Zero(t, tok.Remaining(issued.Add(11*time.Second)))
	assert.NotContains(t, tok.String(), "v,")

	static := &Token{Value: "pw", Principal: PrincipalFor("app"), IssuedAt: issued}
	assert.False(t, static.Expired(issued.Add(24*time.Hour)))
}

func TestPrincipalCheck(t *testing.T) {
	tests := []struct {
		name      string
		principal Principal
		wantErr   bool
	}{
		{name: "admin", principal: PrincipalFor("admin")},
		{name: "standard", principal: PrincipalFor("app_reader")},
		{name: "admin class on standard role", principal: Principal{Name: "app_reader", Class: ClassAdmin}, wantErr: true},
		{name: "standard class on admin role", principal: Principal{Name: "admin", Class: ClassStandard}, wantErr: true},
		{name: "empty", principal: Principal{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.principal.Check()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSignerSelectsOperationByClass(t *testing.T) {
	var called []string
	s := NewSigner(staticCreds())
	s.admin = func(ctx context.Context, endpoint, region string, creds aws.CredentialsProvider, optFns ...func(*auth.TokenOptions)) (string, error) {
		called = append(called, "admin")
		return "admin-token", nil
	}
	s.standard = func(ctx context.Context, endpoint, region string, creds aws.CredentialsProvider, optFns ...func(*auth.TokenOptions)) (string, error) {
		var o auth.TokenOptions
		for _, fn := range optFns {
			fn(&o)
		}
		assert.Equal(t, 10*time.Minute, o.ExpiresIn)
		called = append(called, "standard")
		return "standard-token", nil
	}

	ctx := context.Background()
	tok, err := s.IssueToken(ctx, Request{Host: "h", Region: "us-east-1", Principal: PrincipalFor("admin")})
	require.NoError(t, err)
	assert.Equal(t, "admin-token", tok.Value)
	assert.Equal(t, DefaultTTL, tok.TTL)

	tok, err = s.IssueToken(ctx, Request{Host: "h", Region: "us-east-1", Principal: PrincipalFor("app"), TTL: 10 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "standard-token", tok.Value)
	assert.Equal(t, ClassStandard, tok.Principal.Class)

	assert.Equal(t, []string{"admin", "standard"}, called)
}

func TestSignerRejectsMismatchedClass(t *testing.T) {
	s := NewSigner(staticCreds())
	signed := false
	s.admin = func(context.Context, string, string, aws.CredentialsProvider, ...func(*auth.TokenOptions)) (string, error) {
		signed = true
		return "x", nil
	}

	_, err := s.IssueToken(context.Background(), Request{
		Host: "h", Region: "us-east-1", Principal: Principal{Name: "app", Class: ClassAdmin},
	})
	require.Error(t, err)
	assert.True(t, errs.IsTokenIssuance(err))
	assert.True(t, errs.IsPermanentIssuance(err))
	assert.False(t, signed)
}

func TestSignerRejectsMissingRegion(t *testing.T) {
	s := NewSigner(staticCreds())
	_, err := s.IssueToken(context.Background(), Request{Host: "h", Principal: PrincipalFor("app")})
	require.Error(t, err)
	assert.True(t, errs.IsPermanentIssuance(err))
}

func TestSignerWrapsSigningFailure(t *testing.T) {
	s := NewSigner(staticCreds())
	boom := errors.New("throttled")
	s.standard = func(context.Context, string, string, aws.CredentialsProvider, ...func(*auth.TokenOptions)) (string, error) {
		return "", boom
	}

	_, err := s.IssueToken(context.Background(), Request{Host: "h", Region: "r", Principal: PrincipalFor("app")})
	require.Error(t, err)
	assert.True(t, errs.IsTokenIssuance(err))
	assert.False(t, errs.IsPermanentIssuance(err))
	assert.ErrorIs(t, err, boom)
}

func TestSignerProducesPresignedToken(t *testing.T) {
	s := NewSigner(staticCreds())
	ctx := context.Background()

	admin, err := s.IssueToken(ctx, Request{Host: "abc.dsql.us-east-1.on.aws", Region: "us-east-1", Principal: PrincipalFor("admin")})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(admin.Value, "abc.dsql.us-east-1.on.aws"))
	assert.Contains(t, admin.Value, "Action=DbConnectAdmin")

	std, err := s.IssueToken(ctx, Request{Host: "abc.dsql.us-east-1.on.aws", Region: "us-east-1", Principal: PrincipalFor("app")})
	require.NoError(t, err)
	assert.Contains(t, std.Value, "Action=DbConnect&")
	assert.NotEqual(t, admin.Value, std.Value)
}
