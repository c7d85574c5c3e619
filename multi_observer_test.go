package querycache

import (
	"context"
	"testing"
)

func TestMultiObserverExecuteAllAndCombined(t *testing.T) {
	c := NewClient()
	k1 := MustNew("widget", 1)
	k2 := MustNew("widget", 2)

	m := NewMultiObserver(c, nil, func(children []*QueryObserver) interface{} {
		sum := 0
		for _, child := range children {
			if v, ok := child.Data(); ok {
				sum += v.(int)
			}
		}
		return sum
	})
	defer m.Dispose()

	m.SetQueries([]QueryOptions{
		{QueryKey: k1, QueryFn: func(ctx context.Context, fc Context) (interface{}, error) { return 1, nil }},
		{QueryKey: k2, QueryFn: func(ctx context.Context, fc Context) (interface{}, error) { return 2, nil }},
	})

	if len(m.Children()) != 2 {
		t.Fatalf("expected 2 children, got %d", len(m.Children()))
	}

	m.ExecuteAll(context.Background())

	if got := m.Combined(); got != 3 {
		t.Fatalf("got combined=%v, want 3", got)
	}
}

func TestMultiObserverSetQueriesDisposesPriorChildren(t *testing.T) {
	c := NewClient()
	k1 := MustNew("widget", 1)
	k2 := MustNew("widget", 2)

	m := NewMultiObserver(c, nil, nil)
	m.SetQueries([]QueryOptions{
		{QueryKey: k1, QueryFn: func(ctx context.Context, fc Context) (interface{}, error) { return 1, nil }},
	})
	first := m.Children()[0]

	m.SetQueries([]QueryOptions{
		{QueryKey: k2, QueryFn: func(ctx context.Context, fc Context) (interface{}, error) { return 2, nil }},
	})

	if c.isActive(k1) {
		t.Fatalf("expected the prior child's key to no longer be active after disposal")
	}
	_ = first
	m.Dispose()
}

func TestMultiObserverCombinedNilWithoutReduce(t *testing.T) {
	c := NewClient()
	m := NewMultiObserver(c, nil, nil)
	if got := m.Combined(); got != nil {
		t.Fatalf("expected nil Combined without a ReduceFunc, got %v", got)
	}
}
