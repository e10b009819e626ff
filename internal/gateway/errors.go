package gateway

import (
	"errors"
	"fmt"
)

// Error classes. Callers never branch on error strings; they use the
// Is* helpers. Stale data means a venue returned a missing or zero
// price/balance/rate that must not flow into arithmetic.
var (
	ErrTransient = errors.New("transient gateway error")
	ErrRejected  = errors.New("order rejected")
	ErrStaleData = errors.New("stale or missing venue data")
)

// Transient wraps a network/timeout class failure. Eligible for bounded
// retry inside Throttled.
func Transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Rejected wraps a venue refusal. Never retried; the coordinator rolls
// back the sibling leg.
func Rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// Stale wraps a missing-data condition. The caller skips the current
// evaluation cycle instead of defaulting the value to zero.
func Stale(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStaleData, fmt.Sprintf(format, args...))
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsRejected(err error) bool  { return errors.Is(err, ErrRejected) }
func IsStale(err error) bool     { return errors.Is(err, ErrStaleData) }
