package telemetry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedCache[T any](collect func() (T, error)) (*Cache[T], *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache := New("test", collect)
	cache.SetNowFunc(clock.Now)
	return cache, clock
}

func TestGetOrRefresh_FirstCallCollects(t *testing.T) {
	var calls atomic.Int64
	cache, _ := newClockedCache(func() (int, error) {
		return int(calls.Add(1)), nil
	})

	value, err := cache.GetOrRefresh(time.Second)
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if value != 1 {
		t.Fatalf("expected value 1, got %d", value)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 collection, got %d", calls.Load())
	}
}

func TestGetOrRefresh_ServesFreshSnapshot(t *testing.T) {
	var calls atomic.Int64
	cache, clock := newClockedCache(func() (int, error) {
		return int(calls.Add(1)), nil
	})

	cache.GetOrRefresh(time.Second)
	clock.Advance(500 * time.Millisecond)

	value, err := cache.GetOrRefresh(time.Second)
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if value != 1 || calls.Load() != 1 {
		t.Fatalf("expected cached value 1 with 1 collection, got value=%d calls=%d", value, calls.Load())
	}
}

func TestGetOrRefresh_RefreshesWhenOlderThanMaxAge(t *testing.T) {
	var calls atomic.Int64
	cache, clock := newClockedCache(func() (int, error) {
		return int(calls.Add(1)), nil
	})

	cache.GetOrRefresh(time.Second)

	// Exactly maxAge old is still fresh.
	clock.Advance(time.Second)
	if value, _ := cache.GetOrRefresh(time.Second); value != 1 {
		t.Fatalf("expected snapshot at exactly max age to be served, got %d", value)
	}

	clock.Advance(time.Nanosecond)
	value, err := cache.GetOrRefresh(time.Second)
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if value != 2 {
		t.Fatalf("expected refreshed value 2, got %d", value)
	}

	snapshot, ok := cache.Snapshot()
	if !ok {
		t.Fatal("expected snapshot after refresh")
	}
	if !snapshot.CapturedAt.Equal(clock.Now()) {
		t.Fatalf("expected capture time %v, got %v", clock.Now(), snapshot.CapturedAt)
	}
}

func TestGetOrRefresh_ZeroMaxAgeAlwaysCollects(t *testing.T) {
	var calls atomic.Int64
	cache, clock := newClockedCache(func() (int, error) {
		return int(calls.Add(1)), nil
	})

	for i := 0; i < 3; i++ {
		clock.Advance(time.Millisecond)
		cache.GetOrRefresh(0)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 collections, got %d", calls.Load())
	}
}

func TestGetOrRefresh_ConcurrentCallersShareOneRefresh(t *testing.T) {
	var calls atomic.Int64
	var inFlight atomic.Int64
	var maxInFlight atomic.Int64
	release := make(chan struct{})

	cache := New("concurrent", func() (int, error) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			seen := maxInFlight.Load()
			if current <= seen || maxInFlight.CompareAndSwap(seen, current) {
				break
			}
		}
		<-release
		return int(calls.Add(1)), nil
	})

	const callers = 32
	var wg sync.WaitGroup
	values := make([]int, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = cache.GetOrRefresh(time.Minute)
		}(i)
	}

	// Let the callers pile up behind the first collection.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 collection, got %d", calls.Load())
	}
	if maxInFlight.Load() != 1 {
		t.Fatalf("expected at most 1 concurrent collection, got %d", maxInFlight.Load())
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error %v", i, errs[i])
		}
		if values[i] != 1 {
			t.Fatalf("caller %d: expected value 1, got %d", i, values[i])
		}
	}
}

func TestGetOrRefresh_RefreshesAreSerialized(t *testing.T) {
	var inFlight atomic.Int64
	var overlapped atomic.Bool

	cache := New("serialized", func() (int, error) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return 0, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				cache.GetOrRefresh(0)
			}
		}()
	}
	wg.Wait()

	if overlapped.Load() {
		t.Fatal("collector invocations overlapped")
	}
}

func TestGetOrRefresh_FirstFailureIsCollectError(t *testing.T) {
	cause := errors.New("permission denied")
	cache, _ := newClockedCache(func() (int, error) {
		return 0, cause
	})

	_, err := cache.GetOrRefresh(time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	var collectErr *CollectError
	if !errors.As(err, &collectErr) {
		t.Fatalf("expected *CollectError, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected error to wrap cause, got %v", err)
	}
	if IsStale(err) {
		t.Fatal("first failure must not be reported as stale")
	}
	if _, ok := cache.Snapshot(); ok {
		t.Fatal("failed collection must not store a snapshot")
	}
}

func TestGetOrRefresh_FailureKeepsPreviousSnapshot(t *testing.T) {
	cause := errors.New("source unreadable")
	fail := false
	cache, clock := newClockedCache(func() (int, error) {
		if fail {
			return 0, cause
		}
		return 42, nil
	})

	cache.GetOrRefresh(time.Second)
	first, _ := cache.Snapshot()

	fail = true
	clock.Advance(2 * time.Second)

	value, err := cache.GetOrRefresh(time.Second)
	if value != 42 {
		t.Fatalf("expected stale value 42, got %d", value)
	}
	if !IsStale(err) {
		t.Fatalf("expected stale error, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected stale error to wrap cause, got %v", err)
	}
	var staleErr *StaleError
	if !errors.As(err, &staleErr) || !staleErr.CapturedAt.Equal(first.CapturedAt) {
		t.Fatalf("expected stale error carrying capture time %v, got %v", first.CapturedAt, err)
	}

	after, _ := cache.Snapshot()
	if !after.CapturedAt.Equal(first.CapturedAt) {
		t.Fatal("failed refresh replaced the previous snapshot")
	}

	fail = false
	value, err = cache.GetOrRefresh(time.Second)
	if err != nil || value != 42 {
		t.Fatalf("expected recovery, got value=%d err=%v", value, err)
	}
	recovered, _ := cache.Snapshot()
	if !recovered.CapturedAt.After(first.CapturedAt) {
		t.Fatal("expected recovered refresh to store a new snapshot")
	}
}

func TestGet_ReturnsCaptureTime(t *testing.T) {
	cache, clock := newClockedCache(func() (int, error) { return 7, nil })

	first, err := cache.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.Value != 7 || !first.CapturedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected snapshot %+v", first)
	}

	clock.Advance(3 * time.Second)
	second, err := cache.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := second.CapturedAt.Sub(first.CapturedAt); got != 3*time.Second {
		t.Fatalf("expected captures 3s apart, got %v", got)
	}
}

func TestGetOrRefreshWith_UsesCallerCollector(t *testing.T) {
	var shared atomic.Int64
	cache, clock := newClockedCache(func() (int, error) {
		return int(shared.Add(1)), nil
	})

	value, err := cache.GetOrRefreshWith(time.Second, func() (int, error) { return 99, nil })
	if err != nil || value != 99 {
		t.Fatalf("expected 99 from the call's collector, got %d (%v)", value, err)
	}
	if shared.Load() != 0 {
		t.Fatal("cache collector ran in place of the caller's")
	}

	clock.Advance(500 * time.Millisecond)
	if value, _ := cache.GetOrRefresh(time.Second); value != 99 {
		t.Fatalf("expected the stored snapshot 99, got %d", value)
	}

	cause := errors.New("deadline")
	clock.Advance(2 * time.Second)
	value, err = cache.GetOrRefreshWith(time.Second, func() (int, error) { return 0, cause })
	if !IsStale(err) || !errors.Is(err, cause) || value != 99 {
		t.Fatalf("expected stale 99 wrapping cause, got %d (%v)", value, err)
	}
}
