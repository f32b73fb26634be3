package taskerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a task failure. The classification is decided once, at the
// boundary where the external call is made, and carried with the error so
// downstream code never re-infers it from status codes or message text.
type Kind int

const (
	// Permanent failures are never retried at the action level.
	Permanent Kind = iota
	// Transient failures (connection reset, timeout) release any held
	// action lock and let the enclosing job retry.
	Transient
	// RateLimited is transient with an explicit retry-after hint from the
	// upstream service.
	RateLimited
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	default:
		return "permanent"
	}
}

type Error struct {
	Kind       Kind
	RetryAfter time.Duration // only meaningful when Kind == RateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == RateLimited {
		return fmt.Sprintf("%s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewPermanent(err error) *Error {
	return &Error{Kind: Permanent, Err: err}
}

func NewTransient(err error) *Error {
	return &Error{Kind: Transient, Err: err}
}

func NewRateLimited(err error, retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, RetryAfter: retryAfter, Err: err}
}

// KindOf reports the kind of err. Errors without a taskerr.Error in their
// chain are treated as permanent.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Permanent
}

// IsRetryable reports whether err should release locks and requeue rather
// than being recorded as a permanent failure.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == Transient || k == RateLimited
}

// RetryAfter extracts the rate-limit hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var te *Error
	if errors.As(err, &te) && te.Kind == RateLimited {
		return te.RetryAfter, true
	}
	return 0, false
}
