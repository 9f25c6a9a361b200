// Package validation provides reusable input validation for netpool
// configuration and tooling. All validators follow a consistent
// pattern: they return nil on success and a descriptive error on
// failure. Errors are designed to be safe to show to operators (no
// internal details).
package validation

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"
)

// Common validation errors. These are sentinel errors that can be checked with errors.Is().
var (
	// ErrRequired indicates a required field is missing or empty.
	ErrRequired = errors.New("field is required")

	// ErrTooLong indicates a string exceeds the maximum length.
	ErrTooLong = errors.New("value exceeds maximum length")

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = errors.New("value out of range")

	// ErrInvalidDuration indicates an invalid duration string.
	ErrInvalidDuration = errors.New("invalid duration")
)

// Constraints for common field types.
const (
	// MaxEndpointLength is the maximum length for dial target addresses.
	MaxEndpointLength = 256

	// MinDuration is the minimum duration for time-based options.
	MinDuration = time.Millisecond

	// MaxDuration is the maximum duration for time-based options (1 year).
	MaxDuration = 365 * 24 * time.Hour
)

// Result represents a validation result with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying error for errors.Is() support.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string doesn't exceed the maximum length.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d characters", max), ErrTooLong)
	}
	return nil
}

// IntRange validates that an integer is within the given range (inclusive).
func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return NewResult(field, fmt.Sprintf("must be between %d and %d", min, max), ErrOutOfRange)
	}
	return nil
}

// Positive validates that an integer is positive (> 0).
func Positive(field string, value int) error {
	if value <= 0 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// NonNegative validates that an integer is non-negative (>= 0).
func NonNegative(field string, value int) error {
	if value < 0 {
		return NewResult(field, "must be non-negative", ErrOutOfRange)
	}
	return nil
}

// Duration validates a duration string and returns the parsed duration.
// Returns an error if the duration is invalid or negative.
func Duration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil // Empty is valid (will use default)
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, NewResult(field, "invalid duration format", ErrInvalidDuration)
	}

	if d < 0 {
		return 0, NewResult(field, "duration cannot be negative", ErrOutOfRange)
	}

	return d, nil
}

// DurationRange validates a duration string and checks it's within bounds.
func DurationRange(field, value string, min, max time.Duration) (time.Duration, error) {
	d, err := Duration(field, value)
	if err != nil {
		return 0, err
	}

	if d != 0 && (d < min || d > max) {
		return 0, NewResult(field,
			fmt.Sprintf("must be between %s and %s", min, max),
			ErrOutOfRange)
	}

	return d, nil
}

// PositiveDuration validates that a duration is positive (> 0).
func PositiveDuration(field string, value time.Duration) error {
	if value <= 0 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// NonNegativeDuration validates that a duration is non-negative (>= 0).
func NonNegativeDuration(field string, value time.Duration) error {
	if value < 0 {
		return NewResult(field, "must be non-negative", ErrOutOfRange)
	}
	return nil
}

// HostPort validates a host:port address.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}

	_, _, err := net.SplitHostPort(value)
	if err != nil {
		return NewResult(field, "must be in host:port format", ErrInvalidFormat)
	}

	return nil
}

// Port validates a network port number.
func Port(field string, value int) error {
	if value < 1 || value > 65535 {
		return NewResult(field, "must be between 1 and 65535", ErrOutOfRange)
	}
	return nil
}

// Network validates a dial network name as accepted by net.Dial:
// "tcp", "tcp4", "tcp6", "udp", "udp4" or "udp6".
func Network(field, value string) error {
	switch value {
	case "tcp", "tcp4", "tcp6", "udp", "udp4", "udp6":
		return nil
	}
	return NewResult(field, "must be one of tcp, tcp4, tcp6, udp, udp4, udp6", ErrInvalidFormat)
}

// All runs multiple validation functions and returns the first error.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects multiple validation errors.
type Errors []error

// Add appends an error to the collection (nil errors are ignored).
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors returns true if any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Error returns all errors as a single error message.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// First returns the first error, or nil if none.
func (e Errors) First() error {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}
