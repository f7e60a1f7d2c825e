// Package telemetry provides the staleness-bounded snapshot cache shared by
// every kernel counter source.
//
// A Cache holds the last collected value of a counter source together with
// the time it was captured. Callers ask for a value no older than a max age;
// the cache either hands back the current snapshot or runs the collector to
// replace it. A *Cache is the handle: every holder of the pointer observes the
// same snapshot and refresh policy.
package telemetry

import (
	"context"
	"sync"
	"time"

	pshotel "github.com/optimatist/psh/internal/otel"
)

// Snapshot is an immutable capture of a counter source. A refresh never
// mutates an existing Snapshot; it replaces it.
type Snapshot[T any] struct {
	Value      T
	CapturedAt time.Time
}

// Age returns how old the snapshot is at now.
func (s Snapshot[T]) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// Cache is a concurrency-safe holder of the latest Snapshot of type T.
//
// Refreshes are serialized: the collector runs with the refresh lock held,
// and callers queued behind an in-flight refresh re-check staleness once they
// acquire the lock, so a burst of concurrent readers causes one collection.
type Cache[T any] struct {
	name    string
	collect func() (T, error)

	refreshMu sync.Mutex

	mu       sync.RWMutex
	snapshot *Snapshot[T]

	nowFunc func() time.Time
}

// New creates a cache named name around collect. The collector is not
// invoked until the first GetOrRefresh.
func New[T any](name string, collect func() (T, error)) *Cache[T] {
	return &Cache[T]{
		name:    name,
		collect: collect,
		nowFunc: time.Now,
	}
}

// Name returns the counter source name used in errors and metrics.
func (c *Cache[T]) Name() string {
	return c.name
}

// SetNowFunc replaces the time source. It must be called before the cache
// is shared.
func (c *Cache[T]) SetNowFunc(now func() time.Time) {
	c.nowFunc = now
}

// Snapshot returns the current snapshot without refreshing.
func (c *Cache[T]) Snapshot() (Snapshot[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return Snapshot[T]{}, false
	}
	return *c.snapshot, true
}

// GetOrRefresh returns a value captured no more than maxAge ago, running the
// collector when the current snapshot is missing or too old.
//
// When the collector fails and no snapshot exists, the zero value and a
// *CollectError are returned. When a previous snapshot exists it stays in
// place and is returned together with a *StaleError wrapping the failure;
// callers that tolerate staleness use the value, others treat the error as
// fatal.
func (c *Cache[T]) GetOrRefresh(maxAge time.Duration) (T, error) {
	snapshot, err := c.Get(maxAge)
	return snapshot.Value, err
}

// Get is GetOrRefresh returning the whole snapshot, so that callers can see
// when the value was captured.
func (c *Cache[T]) Get(maxAge time.Duration) (Snapshot[T], error) {
	return c.get(maxAge, c.collect)
}

// GetOrRefreshWith is GetOrRefresh with collect standing in for the cache's
// collector on this call. It lets a caller bound the collection by its own
// context; the result replaces the shared snapshot as usual.
func (c *Cache[T]) GetOrRefreshWith(maxAge time.Duration, collect func() (T, error)) (T, error) {
	snapshot, err := c.get(maxAge, collect)
	return snapshot.Value, err
}

func (c *Cache[T]) get(maxAge time.Duration, collect func() (T, error)) (Snapshot[T], error) {
	if snapshot, ok := c.fresh(maxAge); ok {
		return snapshot, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if snapshot, ok := c.fresh(maxAge); ok {
		return snapshot, nil
	}

	start := c.nowFunc()
	value, err := collect()
	pshotel.GetGlobalMetrics().RecordCacheRefresh(context.Background(), c.name, err == nil, c.nowFunc().Sub(start))
	if err != nil {
		previous, ok := c.Snapshot()
		if !ok {
			return Snapshot[T]{}, &CollectError{Source: c.name, Err: err}
		}
		return previous, &StaleError{
			Source:     c.name,
			CapturedAt: previous.CapturedAt,
			Err:        err,
		}
	}

	snapshot := &Snapshot[T]{Value: value, CapturedAt: c.nowFunc()}
	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()

	return *snapshot, nil
}

func (c *Cache[T]) fresh(maxAge time.Duration) (Snapshot[T], bool) {
	c.mu.RLock()
	snapshot := c.snapshot
	c.mu.RUnlock()

	if snapshot == nil || snapshot.Age(c.nowFunc()) > maxAge {
		return Snapshot[T]{}, false
	}
	return *snapshot, true
}
