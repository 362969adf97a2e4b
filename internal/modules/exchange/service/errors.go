package service

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrorClass decides what the adapter does with a failed call.
type ErrorClass uint8

const (
	// ClassRetriable: transient transport/server trouble, retry with backoff.
	ClassRetriable ErrorClass = iota
	// ClassNonRetriable: business/validation rejection, surface immediately.
	ClassNonRetriable
	// ClassSystem: cancellation/shutdown, neither retried nor counted
	// against the circuit breaker.
	ClassSystem
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetriable:
		return "retriable"
	case ClassNonRetriable:
		return "non_retriable"
	}
	return "system"
}

type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

type TimeoutError struct{ Op string }

func (e *TimeoutError) Error() string { return "timeout: " + e.Op }

// RateLimitError carries the server retry-after hint when the exchange
// provides one.
type RateLimitError struct {
	Msg        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return "rate limited: " + e.Msg }

type AuthError struct{ Msg string }

func (e *AuthError) Error() string { return "auth error: " + e.Msg }

type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return "validation error: " + e.Msg }

type InsufficientFundsError struct{ Msg string }

func (e *InsufficientFundsError) Error() string { return "insufficient funds: " + e.Msg }

// ExchangeStateError means local and remote truth diverged (order vanished,
// unknown position, duplicate client id). It is handled by reconciliation,
// never retried blindly.
type ExchangeStateError struct{ Msg string }

func (e *ExchangeStateError) Error() string { return "exchange state error: " + e.Msg }

type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: http %d: %s", e.Status, e.Body)
}

// ErrBreakerOpen is returned when a category breaker fails the call fast.
type BreakerOpenError struct {
	Category   Category
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry after %s", e.Category, e.RetryAfter)
}

var retriableFragments = []string{
	"connection reset", "connection refused", "broken pipe", "eof",
	"service unavailable", "bad gateway", "gateway timeout",
	"internal server error", "too many requests",
}

// Classify maps a raw failure into a class the retry loop and the breaker
// understand. Typed errors win; string matching is the fallback for errors
// bubbling up from transports we do not control.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassSystem
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassSystem
	}

	var (
		netErr     *NetworkError
		timeoutErr *TimeoutError
		rateErr    *RateLimitError
		serverErr  *ServerError
		authErr    *AuthError
		valErr     *ValidationError
		fundsErr   *InsufficientFundsError
		stateErr   *ExchangeStateError
		brkErr     *BreakerOpenError
	)
	switch {
	case errors.As(err, &netErr), errors.As(err, &timeoutErr),
		errors.As(err, &rateErr), errors.As(err, &serverErr):
		return ClassRetriable
	case errors.As(err, &authErr), errors.As(err, &valErr),
		errors.As(err, &fundsErr), errors.As(err, &stateErr):
		return ClassNonRetriable
	case errors.As(err, &brkErr):
		return ClassSystem
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return ClassRetriable
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range retriableFragments {
		if strings.Contains(msg, frag) {
			return ClassRetriable
		}
	}
	// Unknown errors are treated as non-retriable: blind retries against an
	// order endpoint can double a position.
	return ClassNonRetriable
}

// CountsForBreaker reports whether a failure should advance the breaker.
// Business rejections and shutdown noise do not open circuits.
func CountsForBreaker(err error) bool {
	return Classify(err) == ClassRetriable
}

// RetryAfterHint extracts a server-provided delay, zero if absent.
func RetryAfterHint(err error) time.Duration {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter
	}
	return 0
}
