package domain

import (
	"errors"
	"fmt"
	"time"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// AuthError means the provider credential is missing or rejected.
// It is never retried and is the only error class surfaced directly
// to callers of the resolver: there is nothing to fall back to.
type AuthError struct {
	Provider string
	Reason   string
}

func (e *AuthError) Error() string {
	return "auth error [" + e.Provider + "]: " + e.Reason
}

func (e *AuthError) IsRetriable() bool {
	return false
}

// ProviderError wraps a non-2xx provider response.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: HTTP %d: %s", e.Provider, e.Status, e.Message)
}

func (e *ProviderError) IsRetriable() bool {
	return e.Status == 429 || e.Status >= 500
}

// RateLimitedError is raised on HTTP 429 or a local limiter veto.
// RetryAfter hints when the next attempt may succeed.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited [%s]: retry after %s", e.Provider, e.RetryAfter)
}

func (e *RateLimitedError) IsRetriable() bool {
	return true
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "fetch")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// StoreError wraps a shared-store failure. The resolver treats failed
// reads as empty and logs failed writes; it never aborts a resolution.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "store error [" + e.Op + "]: " + e.Err.Error()
}

func (e *StoreError) IsRetriable() bool {
	return true
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
