// Package errs defines the error taxonomy shared across the reconciliation
// pipeline and the retry classification built on top of it.
//
// Propagation policy:
//   - transient provider errors and timeouts are retried with bounded
//     exponential backoff; exhaustion degrades to an unresolved-gap entry
//   - permanent provider errors and unsupported frequencies abort the whole
//     request (caller mistakes, not runtime conditions)
//   - timezone and data-quality errors are per-bar: the offending bar is
//     quarantined and the rest of the batch proceeds
//   - storage errors are always fatal and surfaced
package errs

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ProviderErrorKind classifies a provider failure for retry decisions.
type ProviderErrorKind string

const (
	// ProviderTransient marks retryable failures: network errors, timeouts,
	// 5xx-equivalents, and throttling responses.
	ProviderTransient ProviderErrorKind = "transient"
	// ProviderPermanent marks non-retryable failures such as an unknown
	// ticker or rejected credentials.
	ProviderPermanent ProviderErrorKind = "permanent"
)

// ProviderError wraps a failure reported by an upstream provider client.
// Clients must classify each failure as transient or permanent; a throttling
// response additionally carries the provider's backoff hint in RetryAfter so
// the rate limiter can widen its window.
type ProviderError struct {
	Provider   string
	Kind       ProviderErrorKind
	Throttle   bool
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the failure should be retried.
func (e *ProviderError) Transient() bool { return e.Kind == ProviderTransient }

// Throttled reports whether the provider signalled rate limiting. RetryAfter
// may still be zero: providers are not required to send a backoff hint.
func (e *ProviderError) Throttled() bool { return e.Throttle }

// NewTransientProviderError wraps a retryable provider failure.
func NewTransientProviderError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: ProviderTransient, Err: err}
}

// NewPermanentProviderError wraps a non-retryable provider failure.
func NewPermanentProviderError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: ProviderPermanent, Err: err}
}

// NewThrottledProviderError wraps a throttling response together with the
// provider's suggested backoff. Throttling is transient by definition.
func NewThrottledProviderError(provider string, retryAfter time.Duration, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: ProviderTransient, Throttle: true, RetryAfter: retryAfter, Err: err}
}

// TimezoneError reports that a provider bar's source zone could not be
// resolved. Such bars are dropped from the batch rather than stored with a
// wrong timestamp; the slot remains an open gap.
type TimezoneError struct {
	Zone string
	Err  error
}

func (e *TimezoneError) Error() string {
	return fmt.Sprintf("cannot resolve timezone %q: %v", e.Zone, e.Err)
}

func (e *TimezoneError) Unwrap() error { return e.Err }

// UnsupportedFrequencyError reports a provider-native frequency label with
// no canonical mapping. This is batch-fatal: the whole fetch is rejected
// rather than silently mis-tagged.
type UnsupportedFrequencyError struct {
	Provider string
	Label    string
}

func (e *UnsupportedFrequencyError) Error() string {
	return fmt.Sprintf("provider %s: unsupported frequency label %q", e.Provider, e.Label)
}

// DataQualityError reports an anomalous bar that failed a quality check.
// Per-bar and non-fatal: the bar is quarantined, the batch proceeds.
type DataQualityError struct {
	Check  string
	Detail string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality check %s failed: %s", e.Check, e.Detail)
}

// ErrBadRequest marks request-level misconfiguration (empty ticker, invalid
// range, unknown frequency). These are caller errors and abort the request.
var ErrBadRequest = errors.New("bad request")

// BadRequest wraps a caller mistake so it matches ErrBadRequest.
func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Retryable reports whether err should be retried under the propagation
// policy above. Unclassified errors are not retried.
func Retryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return false
}

// RetryConfig bounds the local retry loop around provider calls.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig mirrors the values used for exchange fetches elsewhere
// in the codebase: 3 attempts, 500ms initial, 30s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// NewBackoff builds the exponential backoff used between retry attempts.
// MaxElapsedTime is disabled; the attempt count is the only bound.
func NewBackoff(cfg RetryConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = 0
	retries := cfg.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}
