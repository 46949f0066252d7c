package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrCryptoValidation    = errors.New("crypto validation failed")
	ErrCredentialsMissing  = errors.New("credentials missing")
	ErrRefreshFailed       = errors.New("refresh failed")
	ErrInvalidGrant        = errors.New("invalid_grant")
	ErrRateLimited         = errors.New("platform rate limited")
	ErrUnavailable         = errors.New("platform unavailable")
	ErrSchemaValidation    = errors.New("schema validation failed")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrOrganizationMissing = errors.New("organization missing")
	ErrMigrationMissing    = errors.New("migration missing")
	ErrNotFound            = errors.New("not found")
)

// Kind categorizes a platform error.
type Kind string

const (
	KindCrypto      Kind = "crypto"
	KindCredentials Kind = "credentials"
	KindRefresh     Kind = "refresh"
	KindRateLimit   Kind = "rate_limit"
	KindUnavailable Kind = "unavailable"
	KindSchema      Kind = "schema"
	KindNotFound    Kind = "not_found"
	KindMigration   Kind = "migration"
	KindInternal    Kind = "internal"
)

// PlatformError is a structured error for platform and lifecycle operations.
type PlatformError struct {
	Kind         Kind
	Op           string // Operation that failed (e.g., "refresh_token", "list_automations")
	ConnectionID string
	Platform     string
	Err          error
	StatusCode   int
	RetryAfter   time.Duration // Set when the platform told us when to retry
	Timestamp    time.Time
	Retryable    bool
}

func (e *PlatformError) Error() string {
	if e.ConnectionID != "" {
		return fmt.Sprintf("%s failed for connection %s (%s): %v", e.Op, e.ConnectionID, e.Platform, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for the sentinel error types.
func (e *PlatformError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrCryptoValidation:
		return e.Kind == KindCrypto
	case ErrCredentialsMissing:
		return e.Kind == KindCredentials
	case ErrRefreshFailed:
		return e.Kind == KindRefresh
	case ErrRateLimited:
		return e.Kind == KindRateLimit
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrSchemaValidation:
		return e.Kind == KindSchema
	case ErrConnectionNotFound, ErrNotFound:
		return e.Kind == KindNotFound
	case ErrMigrationMissing:
		return e.Kind == KindMigration
	}

	return errors.Is(e.Err, target)
}

// New creates a PlatformError with retryability derived from its kind.
func New(kind Kind, op, connectionID string, err error) *PlatformError {
	return &PlatformError{
		Kind:         kind,
		Op:           op,
		ConnectionID: connectionID,
		Err:          err,
		Timestamp:    time.Now(),
		Retryable:    isRetryable(kind, err),
	}
}

// WithPlatform adds the platform type to the error.
func (e *PlatformError) WithPlatform(platform string) *PlatformError {
	e.Platform = platform
	return e
}

// WithStatusCode adds an HTTP status code and re-derives retryability.
func (e *PlatformError) WithStatusCode(code int) *PlatformError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// WithRetryAfter records the platform's Retry-After hint.
func (e *PlatformError) WithRetryAfter(d time.Duration) *PlatformError {
	e.RetryAfter = d
	e.Retryable = true
	return e
}

func isRetryable(kind Kind, err error) bool {
	switch kind {
	case KindRateLimit, KindUnavailable:
		return true
	case KindCrypto, KindCredentials, KindSchema, KindNotFound, KindMigration:
		return false
	case KindRefresh:
		// invalid_grant is permanent; everything else gets retried
		return !errors.Is(err, ErrInvalidGrant)
	default:
		return false
	}
}

// Helper constructors

// WrapRefreshError wraps a token refresh failure with connection context.
func WrapRefreshError(connectionID, platform string, err error) error {
	return New(KindRefresh, "refresh_token", connectionID, err).WithPlatform(platform)
}

// WrapRateLimit wraps a 429 with the platform's Retry-After hint.
func WrapRateLimit(op, connectionID string, retryAfter time.Duration) error {
	return New(KindRateLimit, op, connectionID, ErrRateLimited).
		WithStatusCode(429).
		WithRetryAfter(retryAfter)
}

// IsRetryable checks whether an error should be retried.
func IsRetryable(err error) bool {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// IsInvalidGrant reports whether an error chain contains a revoked or expired
// refresh token. These are never retried; the user must re-authenticate.
func IsInvalidGrant(err error) bool {
	return errors.Is(err, ErrInvalidGrant)
}

// RetryAfter extracts the platform's Retry-After hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var pe *PlatformError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}
