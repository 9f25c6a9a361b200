// Package errors provides structured error types for netpool.
// All errors are designed to be safe to show to operators without
// exposing internal implementation details.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - Error wrapping with context preservation
//   - Predicates for classifying errors across package boundaries
package errors

import (
	"errors"
	"fmt"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a resource already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrRateLimited indicates a rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrNotOpen indicates a resource is not open.
	ErrNotOpen = errors.New("not open")

	// ErrAlreadyOpen indicates a resource is already open.
	ErrAlreadyOpen = errors.New("already open")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Dialer-specific errors
var (
	// ErrDialThrottled indicates a dial was rejected by rate limiting.
	ErrDialThrottled = fmt.Errorf("dialer: %w", ErrRateLimited)

	// ErrDialTargetInvalid indicates a dial target failed validation.
	ErrDialTargetInvalid = fmt.Errorf("dialer: %w", ErrInvalidInput)

	// ErrDialRejected indicates a dial was rejected by an open circuit.
	ErrDialRejected = fmt.Errorf("dialer: %w", ErrCircuitOpen)
)

// Wrap annotates an error with an operator-safe message.
// The original error is preserved for errors.Is/As; nil stays nil.
func Wrap(message string, err error) error {
	if err == nil {
		return nil
	}
	log.WithError(err).Debug("wrapping error")
	return fmt.Errorf("%s: %w", message, err)
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable returns true if the error indicates a service is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRateLimited returns true if the error indicates rate limiting.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsInvalidInput returns true if the error indicates invalid input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsInvalidState returns true if the error indicates an invalid state.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsCircuitOpen returns true if the error indicates an open circuit breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
