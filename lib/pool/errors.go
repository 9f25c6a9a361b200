package pool

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below match these through errors.Is,
// so callers can branch on the condition without caring about the
// carried detail.
var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool: pool is closed")
	// ErrPoolExhausted is returned when the pool is at capacity and no
	// time remains to wait for a release.
	ErrPoolExhausted = errors.New("pool: connection pool exhausted")
	// ErrInvalidConnection is returned when a connection cannot serve
	// the request it was created for.
	ErrInvalidConnection = errors.New("pool: connection is invalid")
	// ErrTimeout is returned when acquiring a connection times out.
	ErrTimeout = errors.New("pool: connection acquisition timeout")
	// ErrConnectionClosed is returned when using a closed connection
	// or a released handle.
	ErrConnectionClosed = errors.New("pool: connection is closed")
	// ErrConnectionFailed is returned when creating a connection fails.
	ErrConnectionFailed = errors.New("pool: connection creation failed")
	// ErrConnectionUnhealthy marks a connection that failed its health
	// check.
	ErrConnectionUnhealthy = errors.New("pool: connection is unhealthy")
	// ErrConnectionLeaked marks a connection held past the leak timeout.
	ErrConnectionLeaked = errors.New("pool: connection leaked")
	// ErrInvalidConfig is returned for configurations that cannot run.
	ErrInvalidConfig = errors.New("pool: invalid configuration")
)

// TimeoutError reports an acquisition that ran out its deadline. It
// carries the configured timeout and how long the caller actually
// waited.
type TimeoutError struct {
	Timeout time.Duration
	Waited  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pool: acquisition timed out after %v (timeout %v)", e.Waited, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExhaustedError reports that the pool was at capacity with no time
// left to wait for a release.
type ExhaustedError struct {
	Current int
	Max     int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("pool: connection pool exhausted: %d/%d in use", e.Current, e.Max)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

// CreateError wraps the cause of a failed connection creation, whether
// from the dialer, the acceptor or the on-created hook.
type CreateError struct {
	Err error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("pool: connection creation failed: %v", e.Err)
}

func (e *CreateError) Is(target error) bool { return target == ErrConnectionFailed }

func (e *CreateError) Unwrap() error { return e.Err }

// InvalidConnectionError reports a connection that cannot serve the
// request, such as a freshly created connection whose detected
// protocol or IP family contradicts the caller's constraint.
type InvalidConnectionError struct {
	ID     uint64
	Reason string
}

func (e *InvalidConnectionError) Error() string {
	return fmt.Sprintf("pool: invalid connection %d: %s", e.ID, e.Reason)
}

func (e *InvalidConnectionError) Is(target error) bool { return target == ErrInvalidConnection }

// ConnectionClosedError reports use of a connection that is closed or
// of a handle that was already released.
type ConnectionClosedError struct {
	ID uint64
}

func (e *ConnectionClosedError) Error() string {
	return fmt.Sprintf("pool: connection %d is closed", e.ID)
}

func (e *ConnectionClosedError) Is(target error) bool { return target == ErrConnectionClosed }

// UnhealthyError reports a connection that failed its health check.
type UnhealthyError struct {
	ID uint64
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("pool: connection %d is unhealthy", e.ID)
}

func (e *UnhealthyError) Is(target error) bool { return target == ErrConnectionUnhealthy }

// LeakedError reports a connection held in use longer than the leak
// timeout.
type LeakedError struct {
	ID      uint64
	Timeout time.Duration
}

func (e *LeakedError) Error() string {
	return fmt.Sprintf("pool: connection %d leaked (held longer than %v)", e.ID, e.Timeout)
}

func (e *LeakedError) Is(target error) bool { return target == ErrConnectionLeaked }

// ConfigError reports a configuration that fails validation.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pool: invalid configuration: %s", e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }
