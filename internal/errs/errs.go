// Package errs defines the typed failures returned by the token pool.
// Callers distinguish them with the IsX helpers (errors.As under the hood),
// so wrapping with fmt.Errorf("...: %w") keeps them recognizable.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// TokenIssuanceError means the signing call for an authentication token failed
// (network, throttling, invalid AWS credentials, wrong principal class).
type TokenIssuanceError struct {
	Host      string
	Principal string
	Attempts  int
	Cause     error
	// Permanent marks a rejected request (principal class mismatch, missing
	// host or region) that no retry can fix.
	Permanent bool
}

func (e *TokenIssuanceError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("token issuance for %s@%s failed after %d attempts: %v",
			e.Principal, e.Host, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("token issuance for %s@%s failed: %v", e.Principal, e.Host, e.Cause)
}

func (e *TokenIssuanceError) Unwrap() error { return e.Cause }

// IsTokenIssuance reports whether err is a TokenIssuanceError.
func IsTokenIssuance(err error) bool {
	var target *TokenIssuanceError
	return errors.As(err, &target)
}

// IsPermanentIssuance reports whether err is a TokenIssuanceError that must
// not be retried.
func IsPermanentIssuance(err error) bool {
	var target *TokenIssuanceError
	return errors.As(err, &target) && target.Permanent
}

// CredentialError means a credential was obtained but cannot be used: the
// database rejected it, it expired before use, or issuance did not finish in
// time. Callers may react by forcing a rotation instead of retrying blindly.
type CredentialError struct {
	Principal string
	Reason    string
	Cause     error
}

func (e *CredentialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("credential for %s unusable: %s: %v", e.Principal, e.Reason, e.Cause)
	}
	return fmt.Sprintf("credential for %s unusable: %s", e.Principal, e.Reason)
}

func (e *CredentialError) Unwrap() error { return e.Cause }

// IsCredential reports whether err is a CredentialError.
func IsCredential(err error) bool {
	var target *CredentialError
	return errors.As(err, &target)
}

// AcquireTimeoutError means no connection became available within the
// configured connection timeout. The pool stays usable.
type AcquireTimeoutError struct {
	Pool    string
	Timeout time.Duration
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("pool %s: no connection available within %v", e.Pool, e.Timeout)
}

// IsAcquireTimeout reports whether err is an AcquireTimeoutError.
func IsAcquireTimeout(err error) bool {
	var target *AcquireTimeoutError
	return errors.As(err, &target)
}

// NotInitializedError is returned when the manager is used before Initialize.
type NotInitializedError struct {
	Operation string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("%s: pool manager not initialized", e.Operation)
}

// IsNotInitialized reports whether err is a NotInitializedError.
func IsNotInitialized(err error) bool {
	var target *NotInitializedError
	return errors.As(err, &target)
}

// AlreadyClosedError is returned when the manager or a pool is used after shutdown.
type AlreadyClosedError struct {
	Operation string
}

func (e *AlreadyClosedError) Error() string {
	return fmt.Sprintf("%s: pool manager already closed", e.Operation)
}

// IsAlreadyClosed reports whether err is an AlreadyClosedError.
func IsAlreadyClosed(err error) bool {
	var target *AlreadyClosedError
	return errors.As(err, &target)
}

// ConfigError is a permanent configuration problem; retrying will not help.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid config %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid config: %s", e.Message)
}

// IsConfig reports whether err is a ConfigError.
func IsConfig(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// IsSequencing reports whether err is a usage-sequencing failure that must
// never be retried.
func IsSequencing(err error) bool {
	return IsNotInitialized(err) || IsAlreadyClosed(err)
}
