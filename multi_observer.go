package querycache

import (
	"context"
	"sync"
)

// ReduceFunc combines every child QueryObserver's current snapshot into one
// value, recomputed lazily whenever Combined is read.
type ReduceFunc func(children []*QueryObserver) interface{}

// MultiObserver manages a dynamic list of QueryObservers sharing one
// consumer-visible change notification, bubbling each child's onChange
// upward rather than coalescing them synthetically.
type MultiObserver struct {
	client *Client

	mu       sync.RWMutex
	children []*QueryObserver

	reduce   ReduceFunc
	onChange func()
}

// NewMultiObserver constructs an empty MultiObserver. Use SetQueries to
// populate it.
func NewMultiObserver(client *Client, onChange func(), reduce ReduceFunc) *MultiObserver {
	if onChange == nil {
		onChange = func() {}
	}
	return &MultiObserver{client: client, onChange: onChange, reduce: reduce}
}

// SetQueries disposes the prior child list and creates one QueryObserver
// per entry in optsList.
func (m *MultiObserver) SetQueries(optsList []QueryOptions) {
	m.mu.Lock()
	prior := m.children
	next := make([]*QueryObserver, 0, len(optsList))
	for _, opts := range optsList {
		next = append(next, m.client.NewQueryObserver(opts, m.onChange))
	}
	m.children = next
	m.mu.Unlock()

	for _, c := range prior {
		c.Dispose()
	}
}

// Children returns a snapshot of the current child observers, in the order
// passed to SetQueries.
func (m *MultiObserver) Children() []*QueryObserver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*QueryObserver, len(m.children))
	copy(out, m.children)
	return out
}

// Combined recomputes the reducing function over the current children,
// returning nil if none was supplied to NewMultiObserver; callers that
// don't need combination should use Children directly.
func (m *MultiObserver) Combined() interface{} {
	if m.reduce == nil {
		return nil
	}
	return m.reduce(m.Children())
}

// ExecuteAll fans Execute(ctx, false) out to every child concurrently and
// waits for them all to return.
func (m *MultiObserver) ExecuteAll(ctx context.Context) {
	m.fanOut(func(c *QueryObserver) { c.Execute(ctx, false) })
}

// RefetchAll fans Refetch(ctx) out to every child concurrently.
func (m *MultiObserver) RefetchAll(ctx context.Context) {
	m.fanOut(func(c *QueryObserver) { c.Refetch(ctx) })
}

func (m *MultiObserver) fanOut(fn func(*QueryObserver)) {
	children := m.Children()
	var wg sync.WaitGroup
	wg.Add(len(children))
	for _, c := range children {
		c := c
		go func() {
			defer wg.Done()
			fn(c)
		}()
	}
	wg.Wait()
}

// Dispose disposes every current child observer.
func (m *MultiObserver) Dispose() {
	m.mu.Lock()
	children := m.children
	m.children = nil
	m.mu.Unlock()
	for _, c := range children {
		c.Dispose()
	}
}
