package querycache

import (
	"context"
	"testing"
	"time"

	"github.com/coalesce-dev/querycache/events"
)

func TestPrefetchPopulatesCache(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 1)

	v, err := Prefetch[string](context.Background(), c, QueryOptions{
		QueryKey: k,
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			return "prefetched", nil
		},
	})
	if err != nil || v != "prefetched" {
		t.Fatalf("got (%q, %v), want (\"prefetched\", nil)", v, err)
	}

	cached, ok := Get[string](c.Cache(), k)
	if !ok || cached != "prefetched" {
		t.Fatalf("expected the cache to be populated by Prefetch")
	}
}

func TestSetAndGetDefaultQueryFn(t *testing.T) {
	c := NewClient()
	SetDefaultQueryFn[int](c, func(ctx context.Context, fc Context) (int, error) {
		return 42, nil
	})

	fn, ok := GetDefaultQueryFn[int](c)
	if !ok {
		t.Fatalf("expected a registered default fetcher for int")
	}
	v, err := fn(context.Background(), Context{})
	if err != nil || v.(int) != 42 {
		t.Fatalf("got (%v, %v), want (42, nil)", v, err)
	}

	if _, ok := GetDefaultQueryFn[string](c); ok {
		t.Fatalf("expected no registered default fetcher for string")
	}
}

func TestInvalidateQueriesMarksStaleAndNotifies(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 1)
	Set(c.Cache(), k, "v1")

	obs := c.NewQueryObserver(QueryOptions{
		QueryKey: k,
		Enabled:  true,
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			return "v2", nil
		},
	}, nil)
	defer obs.Dispose()

	if err := c.InvalidateQueries(QueryFilters{QueryKey: k, HasKey: true, Exact: true}); err != nil {
		t.Fatalf("InvalidateQueries: %v", err)
	}

	snap, ok := c.Cache().GetEntry(k)
	if !ok || !snap.Invalidated {
		t.Fatalf("expected the entry to be marked invalidated: %+v", snap)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if data, _ := obs.Data(); data == "v2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the notified observer to refetch \"v2\"")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCancelQueriesEmitsEvent(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 2)

	var gotCancel *events.Cancelled
	c.OnEvent(func(e events.Event) {
		if ce, ok := e.(events.Cancelled); ok {
			gotCancel = &ce
		}
	})

	obs := c.NewQueryObserver(QueryOptions{QueryKey: k}, nil)
	defer obs.Dispose()
	Set(c.Cache(), k, "v")

	if err := c.CancelQueries(QueryFilters{QueryKey: k, HasKey: true, Exact: true}, DefaultCancelOptions()); err != nil {
		t.Fatalf("CancelQueries: %v", err)
	}
	if gotCancel == nil {
		t.Fatalf("expected a Cancelled event to be emitted")
	}
}

func TestStaleFilterUsesAttachedObserverStaleTime(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 4)

	// Fetched 5s ago; an observer watching with a 1h StaleTime must count
	// this as fresh, not stale, even though the cache entry has no notion
	// of staleTime on its own.
	seedWithTime(c.Cache(), k, "v", time.Now().Add(-5*time.Second))

	obs := c.NewQueryObserver(QueryOptions{
		QueryKey:  k,
		StaleTime: time.Hour,
		QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
			return "v2", nil
		},
	}, nil)
	defer obs.Dispose()

	fresh, err := c.matchingKeys(QueryFilters{QueryKey: k, HasKey: true, Exact: true, Stale: False})
	if err != nil {
		t.Fatalf("matchingKeys: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("expected the key to match Stale:False given the observer's 1h StaleTime, got %v", fresh)
	}

	stale, err := c.matchingKeys(QueryFilters{QueryKey: k, HasKey: true, Exact: true, Stale: True})
	if err != nil {
		t.Fatalf("matchingKeys: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected the key not to match Stale:True given the observer's 1h StaleTime, got %v", stale)
	}
}

func TestResetQueriesRemovesEntry(t *testing.T) {
	c := NewClient()
	k := MustNew("widget", 3)
	Set(c.Cache(), k, "v")

	if err := c.ResetQueries(QueryFilters{QueryKey: k, HasKey: true, Exact: true}); err != nil {
		t.Fatalf("ResetQueries: %v", err)
	}
	if _, ok := c.Cache().GetEntry(k); ok {
		t.Fatalf("expected the entry to be removed")
	}
}

func TestFetchingCountTracksBeginEndFetch(t *testing.T) {
	c := NewClient()
	if c.FetchingCount() != 0 {
		t.Fatalf("expected 0 fetching at start")
	}
	c.beginFetch()
	if c.FetchingCount() != 1 {
		t.Fatalf("expected 1 fetching after beginFetch")
	}
	c.endFetch()
	if c.FetchingCount() != 0 {
		t.Fatalf("expected 0 fetching after endFetch")
	}
}

func TestInspectReturnsEveryCacheEntry(t *testing.T) {
	c := NewClient()
	Set(c.Cache(), MustNew("widget", 10), "a")
	Set(c.Cache(), MustNew("widget", 11), "b")

	snaps := c.Inspect()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 entry snapshots, got %d", len(snaps))
	}
	seen := map[string]bool{}
	for _, s := range snaps {
		seen[s.Key.String()] = true
	}
	if !seen[MustNew("widget", 10).String()] || !seen[MustNew("widget", 11).String()] {
		t.Fatalf("expected both seeded keys present in Inspect(), got %+v", snaps)
	}
}

func TestGetScopeSemaphoreReusesChannel(t *testing.T) {
	c := NewClient()
	a := c.GetScopeSemaphore("scope-1")
	b := c.GetScopeSemaphore("scope-1")
	if a != b {
		t.Fatalf("expected the same channel for the same scope id")
	}
	other := c.GetScopeSemaphore("scope-2")
	if a == other {
		t.Fatalf("expected distinct channels for distinct scope ids")
	}
}
