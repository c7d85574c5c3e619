package querycache

import (
	"context"
	"errors"
	"testing"
)

func pageParam(page int) interface{} { return page }

func TestInfiniteObserverExecuteSeedsFirstPage(t *testing.T) {
	c := NewClient()
	k := MustNew("feed", 1)

	obs := NewInfiniteObserver(c, InfiniteQueryOptions{
		QueryOptions: QueryOptions{
			QueryKey: k,
			QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
				return fc.PageParam, nil
			},
		},
		InitialPageParam: 0,
	}, nil)

	if err := obs.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pages := obs.Pages()
	if len(pages) != 1 || pages[0] != 0 {
		t.Fatalf("expected a single seeded page [0], got %v", pages)
	}
}

func TestInfiniteObserverFetchNextPage(t *testing.T) {
	c := NewClient()
	k := MustNew("feed", 2)

	obs := NewInfiniteObserver(c, InfiniteQueryOptions{
		QueryOptions: QueryOptions{
			QueryKey: k,
			QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
				return fc.PageParam, nil
			},
		},
		InitialPageParam: 0,
		GetNextPageParam: func(lastPage interface{}, pages []interface{}, lastParam interface{}) (interface{}, bool) {
			n := lastParam.(int)
			if n >= 2 {
				return nil, false
			}
			return n + 1, true
		},
	}, nil)

	if err := obs.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := obs.FetchNextPage(context.Background()); err != nil {
		t.Fatalf("fetchNextPage: %v", err)
	}
	if err := obs.FetchNextPage(context.Background()); err != nil {
		t.Fatalf("fetchNextPage: %v", err)
	}

	pages := obs.Pages()
	if len(pages) != 3 || pages[0] != 0 || pages[1] != 1 || pages[2] != 2 {
		t.Fatalf("expected pages [0 1 2], got %v", pages)
	}
	if obs.HasNextPage() {
		t.Fatalf("expected no next page once GetNextPageParam reports false")
	}
}

func TestInfiniteObserverFetchPreviousPage(t *testing.T) {
	c := NewClient()
	k := MustNew("feed", 3)

	obs := NewInfiniteObserver(c, InfiniteQueryOptions{
		QueryOptions: QueryOptions{
			QueryKey: k,
			QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
				return fc.PageParam, nil
			},
		},
		InitialPageParam: 5,
		GetPreviousPageParam: func(firstPage interface{}, pages []interface{}, firstParam interface{}) (interface{}, bool) {
			n := firstParam.(int)
			if n <= 3 {
				return nil, false
			}
			return n - 1, true
		},
	}, nil)

	if err := obs.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := obs.FetchPreviousPage(context.Background()); err != nil {
		t.Fatalf("fetchPreviousPage: %v", err)
	}

	pages := obs.Pages()
	if len(pages) != 2 || pages[0] != 4 || pages[1] != 5 {
		t.Fatalf("expected pages [4 5], got %v", pages)
	}
}

func TestInfiniteObserverMaxPagesTrimsFromFront(t *testing.T) {
	c := NewClient()
	k := MustNew("feed", 4)

	obs := NewInfiniteObserver(c, InfiniteQueryOptions{
		QueryOptions: QueryOptions{
			QueryKey: k,
			QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
				return fc.PageParam, nil
			},
		},
		InitialPageParam: 0,
		MaxPages:         2,
		GetNextPageParam: func(lastPage interface{}, pages []interface{}, lastParam interface{}) (interface{}, bool) {
			return lastParam.(int) + 1, true
		},
	}, nil)

	obs.Execute(context.Background())
	obs.FetchNextPage(context.Background())
	obs.FetchNextPage(context.Background())

	pages := obs.Pages()
	if len(pages) != 2 || pages[0] != 1 || pages[1] != 2 {
		t.Fatalf("expected the oldest page trimmed, leaving [1 2], got %v", pages)
	}
}

func TestInfiniteObserverCancelRefetchFalseRejected(t *testing.T) {
	c := NewClient()
	k := MustNew("feed", 5)
	noCancel := false

	obs := NewInfiniteObserver(c, InfiniteQueryOptions{
		QueryOptions: QueryOptions{
			QueryKey: k,
			QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
				return fc.PageParam, nil
			},
		},
		InitialPageParam: 0,
		CancelRefetch:    &noCancel,
		GetNextPageParam: func(lastPage interface{}, pages []interface{}, lastParam interface{}) (interface{}, bool) {
			return lastParam.(int) + 1, true
		},
	}, nil)

	err := obs.FetchNextPage(context.Background())
	var cfgErr configurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected a configurationError rejecting CancelRefetch=false, got %v", err)
	}
}

func TestInfiniteObserverFetchNextWithoutConfig(t *testing.T) {
	c := NewClient()
	k := MustNew("feed", 6)

	obs := NewInfiniteObserver(c, InfiniteQueryOptions{
		QueryOptions: QueryOptions{
			QueryKey: k,
			QueryFn: func(ctx context.Context, fc Context) (interface{}, error) {
				return fc.PageParam, nil
			},
		},
	}, nil)

	if err := obs.FetchNextPage(context.Background()); err == nil {
		t.Fatalf("expected an error calling FetchNextPage without GetNextPageParam")
	}
}
