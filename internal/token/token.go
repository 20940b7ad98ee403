// Package token issues short-lived signed authentication tokens that stand in
// for database passwords.
//
// A Provider never caches: every IssueToken call signs a new token. Reuse
// policy belongs to the caller (see package source).
package token

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL is the validity window requested when a Request has none.
const DefaultTTL = 15 * time.Minute

// AdminRole is the database role that authenticates as the administrative principal.
const AdminRole = "admin"

// Class selects which signing operation a principal needs.
type Class int

const (
	ClassStandard Class = iota
	ClassAdmin
)

func (c Class) String() string {
	switch c {
	case ClassAdmin:
		return "admin"
	case ClassStandard:
		return "standard"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ClassFor returns the class a role name authenticates as.
func ClassFor(role string) Class {
	if role == AdminRole {
		return ClassAdmin
	}
	return ClassStandard
}

// Principal is the identity a connection authenticates as.
type Principal struct {
	Name  string
	Class Class
}

// PrincipalFor builds a Principal whose class is derived from the role name.
func PrincipalFor(role string) Principal {
	return Principal{Name: role, Class: ClassFor(role)}
}

// Check rejects principals whose declared class disagrees with the role, so a
// token is never signed with elevated or reduced privilege.
func (p Principal) Check() error {
	if p.Name == "" {
		return fmt.Errorf("principal name is required")
	}
	if want := ClassFor(p.Name); want != p.Class {
		return fmt.Errorf("principal %q declared as %s but requires %s signing", p.Name, p.Class, want)
	}
	return nil
}

func (p Principal) String() string {
	return p.Name + "(" + p.Class.String() + ")"
}

// Token is an issued credential. Immutable once issued. A non-positive TTL
// marks a static credential that never expires.
type Token struct {
	Value     string
	Principal Principal
	IssuedAt  time.Time
	TTL       time.Duration
}

// ExpiresAt returns the instant the token stops being accepted.
func (t *Token) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.TTL)
}

// Expired reports whether the token is past its TTL at now.
func (t *Token) Expired(now time.Time) bool {
	if t.TTL <= 0 {
		return false
	}
	return !now.Before(t.ExpiresAt())
}

// Remaining returns the validity left at now, never negative. Static
// credentials report zero.
func (t *Token) Remaining(now time.Time) time.Duration {
	if t.TTL <= 0 {
		return 0
	}
	if d := t.ExpiresAt().Sub(now); d > 0 {
		return d
	}
	return 0
}

// String describes the token without revealing its value.
func (t *Token) String() string {
	return fmt.Sprintf("token(%s, issued=%s, ttl=%s)", t.Principal, t.IssuedAt.Format(time.RFC3339), t.TTL)
}

// Request describes what to sign.
type Request struct {
	Host      string
	Region    string
	Principal Principal
	// TTL overrides DefaultTTL when positive.
	TTL time.Duration
}

// EffectiveTTL returns the TTL the request asks for.
func (r Request) EffectiveTTL() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return DefaultTTL
}

// Provider issues tokens.
type Provider interface {
	IssueToken(ctx context.Context, req Request) (*Token, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (*Token, error)

// IssueToken calls f.
func (f ProviderFunc) IssueToken(ctx context.Context, req Request) (*Token, error) {
	return f(ctx, req)
}
