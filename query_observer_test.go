package querycache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitForChange(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for onChange")
	}
}

func newChangeSignal() (func(), chan struct{}) {
	ch := make(chan struct{}, 64)
	return func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}, ch
}

func TestQueryObserverExecuteSuccess(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 1)
	onChange, changed := newChangeSignal()

	obs := c.NewQueryObserver(QueryOptions{
		QueryKey: k,
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			return "hello", nil
		},
	}, onChange)
	defer obs.Dispose()

	obs.Execute(context.Background(), false)
	waitForChange(t, changed)

	data, ok := obs.Data()
	if !ok || data != "hello" {
		t.Fatalf("got (%v, %v), want (\"hello\", true)", data, ok)
	}
	if obs.Status() != Success {
		t.Fatalf("expected Success status, got %v", obs.Status())
	}
	if obs.Error() != nil {
		t.Fatalf("expected no error, got %v", obs.Error())
	}
}

func TestQueryObserverRetriesThenSucceeds(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 2)
	onChange, changed := newChangeSignal()

	var attempts int32
	retry := 5
	obs := c.NewQueryObserver(QueryOptions{
		QueryKey: k,
		Retry:    &retry,
		RetryDelayFn: func(attemptIndex int) time.Duration { return time.Millisecond },
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	}, onChange)
	defer obs.Dispose()

	obs.Execute(context.Background(), false)
	waitForChange(t, changed)

	data, ok := obs.Data()
	if !ok || data != "ok" {
		t.Fatalf("got (%v, %v), want (\"ok\", true)", data, ok)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestQueryObserverExhaustsRetries(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 3)
	onChange, changed := newChangeSignal()

	boom := errors.New("boom")
	retry := 2
	obs := c.NewQueryObserver(QueryOptions{
		QueryKey: k,
		Retry:    &retry,
		RetryDelayFn: func(attemptIndex int) time.Duration { return time.Millisecond },
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			return nil, boom
		},
	}, onChange)
	defer obs.Dispose()

	obs.Execute(context.Background(), false)
	waitForChange(t, changed)

	if obs.Status() != Error {
		t.Fatalf("expected Error status, got %v", obs.Status())
	}
	if !errors.Is(obs.Error(), boom) {
		t.Fatalf("expected boom, got %v", obs.Error())
	}
	if obs.FailureCount() != 3 {
		t.Fatalf("expected 3 total failures (initial + 2 retries), got %d", obs.FailureCount())
	}
}

func TestQueryObserverExplicitZeroRetryMakesExactlyOneCall(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 8)
	onChange, changed := newChangeSignal()

	var attempts int32
	boom := errors.New("boom")
	retry := 0
	obs := c.NewQueryObserver(QueryOptions{
		QueryKey: k,
		Retry:    &retry,
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, boom
		},
	}, onChange)
	defer obs.Dispose()

	obs.Execute(context.Background(), false)
	waitForChange(t, changed)

	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected exactly one network call for Retry=0, got %d", got)
	}
	if obs.FailureCount() != 1 {
		t.Fatalf("expected failureCount=1, got %d", obs.FailureCount())
	}
	if !errors.Is(obs.Error(), boom) {
		t.Fatalf("expected the error to be set, got %v", obs.Error())
	}
}

func TestQueryObserverStatsCountsFetchesAndRetries(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 9)
	onChange, changed := newChangeSignal()

	var attempts int32
	retry := 2
	obs := c.NewQueryObserver(QueryOptions{
		QueryKey:     k,
		Retry:        &retry,
		RetryDelayFn: func(attemptIndex int) time.Duration { return time.Millisecond },
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	}, onChange)
	defer obs.Dispose()

	obs.Execute(context.Background(), false)
	waitForChange(t, changed)

	stats := obs.Stats()
	if stats.FetchCount != 3 {
		t.Fatalf("expected FetchCount=3 (1 initial + 2 retries), got %d", stats.FetchCount)
	}
	if stats.RetryCount != 2 {
		t.Fatalf("expected RetryCount=2, got %d", stats.RetryCount)
	}
}

func TestQueryObserverInitialData(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 4)

	obs := c.NewQueryObserver(QueryOptions{
		QueryKey:    k,
		InitialData: "seeded",
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			t.Fatalf("queryFn must not run before data is consumed as fresh")
			return nil, nil
		},
	}, nil)
	defer obs.Dispose()

	data, ok := obs.Data()
	if !ok || data != "seeded" {
		t.Fatalf("got (%v, %v), want (\"seeded\", true)", data, ok)
	}
	if obs.Status() != Success {
		t.Fatalf("expected Success status from initial data, got %v", obs.Status())
	}
}

func TestQueryObserverPausesWhenOfflineAndOnlineModeDefault(t *testing.T) {
	c := NewClient()
	c.Online().SetOnline(false)
	k := MustNew("widget", 5)
	onChange, changed := newChangeSignal()

	obs := c.NewQueryObserver(QueryOptions{
		QueryKey: k,
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			t.Fatalf("queryFn must not run while offline under default NetworkMode")
			return nil, nil
		},
	}, onChange)
	defer obs.Dispose()

	obs.Execute(context.Background(), false)
	waitForChange(t, changed)

	if obs.Status() != Pending {
		t.Fatalf("expected Pending status while paused offline, got %v", obs.Status())
	}
}

func TestQueryObserverNotifyCancelledRevertsToPreFetch(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 6)
	Set(c.Cache(), k, "before")

	obs := c.NewQueryObserver(QueryOptions{
		QueryKey: k,
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, nil)
	defer obs.Dispose()

	go obs.Execute(context.Background(), false)
	time.Sleep(20 * time.Millisecond)

	obs.notifyCancelled(map[string]bool{k.String(): true}, CancelOptions{Revert: true})

	data, ok := obs.Data()
	if !ok || data != "before" {
		t.Fatalf("expected revert to pre-fetch data \"before\", got (%v, %v)", data, ok)
	}
}

func TestQueryObserverNotifyInvalidatedTriggersRefetch(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 7)
	onChange, changed := newChangeSignal()

	var calls int32
	obs := c.NewQueryObserver(QueryOptions{
		QueryKey: k,
		Enabled:  true,
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return "fresh", nil
		},
	}, onChange)
	defer obs.Dispose()

	obs.Execute(context.Background(), false)
	waitForChange(t, changed)

	// Client.InvalidateQueries marks the entry stale before notifying;
	// without that the entry is still fresh and Execute skips the fetch.
	c.Cache().markStale(k)
	obs.notifyInvalidated(map[string]bool{k.String(): true})
	waitForChange(t, changed)

	// The refetch runs on its own goroutine; give it time to reach queryFn.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&calls); got < 2 {
		t.Fatalf("expected invalidation to trigger at least one additional fetch, got %d calls", got)
	}
}
