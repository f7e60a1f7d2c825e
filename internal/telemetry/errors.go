package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// ErrStale matches any *StaleError via errors.Is.
var ErrStale = errors.New("stale snapshot")

// CollectError reports a collector failure with no snapshot to fall back on.
type CollectError struct {
	Source string
	Err    error
}

func (e *CollectError) Error() string {
	return fmt.Sprintf("collect %s: %v", e.Source, e.Err)
}

func (e *CollectError) Unwrap() error {
	return e.Err
}

// StaleError accompanies a previous snapshot returned because the refresh
// that should have replaced it failed.
type StaleError struct {
	Source     string
	CapturedAt time.Time
	Err        error
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("collect %s: serving snapshot from %s: %v",
		e.Source, e.CapturedAt.Format(time.RFC3339Nano), e.Err)
}

func (e *StaleError) Unwrap() error {
	return e.Err
}

// Is reports ErrStale so callers can branch without a type assertion.
func (e *StaleError) Is(target error) bool {
	return target == ErrStale
}

// IsStale reports whether err only signals that a stale value was served.
func IsStale(err error) bool {
	return errors.Is(err, ErrStale)
}
