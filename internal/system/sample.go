package system

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/optimatist/psh/internal/telemetry"
)

// samplePair takes two fresh samples from cache separated by interval. The
// wait is abandoned with ctx.Err() when ctx ends first.
func samplePair[T any](ctx context.Context, cache *telemetry.Cache[T], interval time.Duration) (before, after telemetry.Snapshot[T], err error) {
	before, err = cache.Get(0)
	if err != nil {
		return before, after, err
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return before, after, ctx.Err()
	case <-timer.C:
	}

	after, err = cache.Get(0)
	return before, after, err
}

// elapsed returns the time between two samples, or interval when the clock
// gives no usable gap.
func elapsed[T any](before, after telemetry.Snapshot[T], interval time.Duration) time.Duration {
	if d := after.CapturedAt.Sub(before.CapturedAt); d > 0 {
		return d
	}
	return interval
}

// pointSample reads from cache, tolerating a stale snapshot.
func pointSample[T any](cache *telemetry.Cache[T], maxAge time.Duration) (T, error) {
	value, err := cache.GetOrRefresh(maxAge)
	if telemetry.IsStale(err) {
		logStale(err)
		return value, nil
	}
	return value, err
}

func logStale(err error) {
	slog.Warn("serving stale telemetry snapshot", "component", "system", "error", err)
}

// saturatingSub returns after-before, or zero when a counter wrapped or was
// reset between samples.
func saturatingSub(after, before uint64) uint64 {
	if after < before {
		return 0
	}
	return after - before
}

// readSysfsString returns the trimmed content of path, or "" when the file
// is missing or unreadable.
func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readOptionalString is readSysfsString that distinguishes a missing file.
func readOptionalString(path string) *string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	s := strings.TrimSpace(string(data))
	return &s
}
