// Package types provides shared type definitions used across multiple packages.
package types

import (
	"errors"
	"time"
)

// ErrInvalidEndTime is returned when a task deadline has no calendar
// representation.
var ErrInvalidEndTime = errors.New("invalid task end time")

// Deadlines outside this range cannot be represented as a calendar date.
var (
	minEndTime = time.Date(-262144, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxEndTime = time.Date(262143, time.December, 31, 23, 59, 59, 999_000_000, time.UTC)
)

// InvalidTaskError is a delivered task that could not be decoded. The
// control plane has already handed it out, so it still needs a report.
type InvalidTaskError struct {
	TaskID string
	Err    error
}

func (e *InvalidTaskError) Error() string {
	return "task " + e.TaskID + ": " + e.Err.Error()
}

func (e *InvalidTaskError) Unwrap() error {
	return e.Err
}

// Task is a unit of sandboxed work assigned by the control plane. Wasm is the
// component binary, Args its argument vector without the program name.
type Task struct {
	ID      string
	Wasm    []byte
	Args    []string
	EndTime time.Time
}

// TaskFromMillis builds a Task whose deadline is given in Unix milliseconds.
// Zero and negative deadlines are valid and already expired.
func TaskFromMillis(id string, wasm []byte, args []string, endTimeMs int64) (Task, error) {
	if endTimeMs < minEndTime.UnixMilli() || endTimeMs > maxEndTime.UnixMilli() {
		return Task{ID: id}, &InvalidTaskError{TaskID: id, Err: ErrInvalidEndTime}
	}
	return Task{
		ID:      id,
		Wasm:    wasm,
		Args:    args,
		EndTime: time.UnixMilli(endTimeMs),
	}, nil
}

// Expired reports whether the task deadline is at or before now.
func (t Task) Expired(now time.Time) bool {
	return !t.EndTime.After(now)
}
