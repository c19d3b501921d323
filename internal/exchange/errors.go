package exchange

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is checks across the service.
var (
	// ErrInvalidCredentials means the provider rejected the API key or
	// signature. Terminal - never retried.
	ErrInvalidCredentials = errors.New("invalid API credentials")

	// ErrIPNotWhitelisted means the key is valid but the caller IP is not
	// on the key's whitelist. Terminal.
	ErrIPNotWhitelisted = errors.New("request IP is not whitelisted for this API key; add it in the exchange API settings")

	// ErrRateLimited means the provider asked us to slow down.
	ErrRateLimited = errors.New("rate limited by exchange")

	// ErrClockDrift means the request timestamp fell outside the recv
	// window. Resolved by resyncing server time and retrying once.
	ErrClockDrift = errors.New("request timestamp outside recv window")

	// ErrTransient covers network-level failures worth a backoff retry.
	ErrTransient = errors.New("transient network error")
)

// RateLimitedError carries the provider-supplied retry-after hint.
type RateLimitedError struct {
	Exchange   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Exchange, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Exchange)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// ClockDriftError is returned when the provider reports timestamp drift.
type ClockDriftError struct {
	Exchange string
	Code     int
}

func (e *ClockDriftError) Error() string {
	return fmt.Sprintf("%s: timestamp outside recv window (code %d)", e.Exchange, e.Code)
}

func (e *ClockDriftError) Is(target error) bool { return target == ErrClockDrift }

// ProtocolError is a provider-specific rejection of the request shape.
type ProtocolError struct {
	Exchange string
	Code     int
	Message  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: provider error %d: %s", e.Exchange, e.Code, e.Message)
}

// TransientError wraps a network-level failure.
type TransientError struct {
	Exchange string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Exchange, e.Err)
}

func (e *TransientError) Unwrap() error        { return e.Err }
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// IsTerminal reports whether err should never be retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrIPNotWhitelisted)
}
