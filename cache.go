package querycache

import (
	"context"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/pkg/errors"
)

// ErrCancelled is returned by FetchCoalesced when a fetch was aborted by
// its context rather than failing outright. QueryObserver's retry loop
// does not count it as a failure: it pauses the observer (or, under
// NetworkMode Always, just stops). It is never stored as a cache entry's error,
// mirroring the teacher's treatment of dep.ErrStopped/context.Canceled in
// view.fetch.
var ErrCancelled = errors.New("fetch cancelled")

// entry is the per-key cache record: data, error, fetch timestamp, and the
// at-most-one in-flight fetch singleton, as specified in §3.
type entry struct {
	mu        sync.Mutex
	hasData   bool
	data      interface{}
	hasError  bool
	err       error
	fetchTime time.Time
	ongoing   *ongoingFetch
}

// ongoingFetch is the shared future a cache entry's concurrent callers all
// await, so that only one fetch per key ever crosses the network — the Go
// analog of the teacher's consul agent cache entry.Waiter channel.
type ongoingFetch struct {
	done chan struct{}
	data interface{}
	err  error
}

// invalidatedSentinel is the distant-past fetch timestamp Client.
// InvalidateQueries stamps onto an entry to mark it stale without
// discarding its data, as distinct from Cache.Invalidate which removes the
// entry outright.
var invalidatedSentinel = time.Unix(0, 0)

// EntrySnapshot is a read-only view of a cache entry, used by filters and
// diagnostics so callers never see the live, lockable entry.
type EntrySnapshot struct {
	Key       Key
	HasData   bool
	Data      interface{}
	HasError  bool
	Error     error
	FetchTime time.Time
	Fetching  bool
	Invalidated bool
}

// Cache is a concurrency-safe, keyed store of query results. It never
// evicts on its own (Non-goal); entries live until explicitly removed.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	keys    map[string]Key
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		keys:    make(map[string]Key),
	}
}

func (c *Cache) getOrCreate(k Key) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k.String()]
	if !ok {
		e = &entry{}
		c.entries[k.String()] = e
		c.keys[k.String()] = k
	}
	return e
}

func (c *Cache) lookup(k Key) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[k.String()]
	return e, ok
}

// Get returns the typed data stored for k, if any is present and assignable
// to T.
func Get[T any](c *Cache, k Key) (T, bool) {
	var zero T
	e, ok := c.lookup(k)
	if !ok {
		return zero, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasData {
		return zero, false
	}
	v, ok := e.data.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set writes data for k, clears any error, and stamps FetchTime = now, per
// the invariant that a success always clears the prior error.
func Set[T any](c *Cache, k Key, v T) {
	e := c.getOrCreate(k)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = v
	e.hasData = true
	e.hasError = false
	e.err = nil
	e.fetchTime = time.Now()
	metrics.IncrCounter([]string{"querycache", "cache", "set"}, 1)
}

// seedWithTime writes data for k exactly like Set, but stamps fetchTime
// explicitly instead of time.Now(), for QueryObserver's initialData seeding
// where the consumer supplies initialDataUpdatedAt.
func seedWithTime[T any](c *Cache, k Key, v T, fetchTime time.Time) {
	e := c.getOrCreate(k)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = v
	e.hasData = true
	e.hasError = false
	e.err = nil
	e.fetchTime = fetchTime
}

// Invalidate removes k's entry entirely. After Invalidate, GetEntry(k)
// reports no entry.
func (c *Cache) Invalidate(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k.String())
	delete(c.keys, k.String())
}

// markStale stamps k's fetch time with the invalidation sentinel without
// discarding data, used by Client.InvalidateQueries.
func (c *Cache) markStale(k Key) bool {
	e, ok := c.lookup(k)
	if !ok {
		return false
	}
	e.mu.Lock()
	e.fetchTime = invalidatedSentinel
	e.mu.Unlock()
	return true
}

// GetEntry returns a read-only snapshot of k's raw entry.
func (c *Cache) GetEntry(k Key) (EntrySnapshot, bool) {
	e, ok := c.lookup(k)
	if !ok {
		return EntrySnapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return EntrySnapshot{
		Key:         k,
		HasData:     e.hasData,
		Data:        e.data,
		HasError:    e.hasError,
		Error:       e.err,
		FetchTime:   e.fetchTime,
		Fetching:    e.ongoing != nil,
		Invalidated: e.fetchTime.Equal(invalidatedSentinel),
	}, true
}

// Keys returns every key currently tracked by the cache, in no particular
// order.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Key, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, k)
	}
	return out
}

// isStale reports whether an entry's data must be considered stale given
// staleTime, per §4.3.5: empty entries and invalidated entries are always
// stale, otherwise staleTime measures elapsed time since fetchTime.
func isStale(hasData bool, fetchTime time.Time, staleTime time.Duration) bool {
	if !hasData {
		return true
	}
	if fetchTime.Equal(invalidatedSentinel) {
		return true
	}
	if staleTime > 0 && time.Since(fetchTime) > staleTime {
		return true
	}
	return false
}

// FetchCoalesced implements the cache's singleton-fetch protocol from
// §4.2: return fresh cached data immediately; join an in-flight fetch for
// this key if one exists; otherwise perform the fetch and publish its
// result to any other concurrent callers.
func FetchCoalesced[T any](ctx context.Context, c *Cache, k Key, staleTime time.Duration, fetchFn func(context.Context) (T, error)) (T, error) {
	var zero T

	e := c.getOrCreate(k)

	e.mu.Lock()
	if e.hasData && !e.hasError {
		if v, ok := e.data.(T); ok && !isStale(true, e.fetchTime, staleTime) {
			e.mu.Unlock()
			metrics.IncrCounter([]string{"querycache", "cache", "hit"}, 1)
			return v, nil
		}
	}

	if waiting := e.ongoing; waiting != nil {
		e.mu.Unlock()
		select {
		case <-waiting.done:
			if waiting.err != nil {
				return zero, waiting.err
			}
			v, _ := waiting.data.(T)
			return v, nil
		case <-ctx.Done():
			return zero, ErrCancelled
		}
	}

	og := &ongoingFetch{done: make(chan struct{})}
	e.ongoing = og
	e.mu.Unlock()
	metrics.IncrCounter([]string{"querycache", "cache", "miss"}, 1)

	data, err := fetchFn(ctx)

	e.mu.Lock()
	e.ongoing = nil
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		// Cancellation never becomes a persisted error (§7): leave the
		// entry's error field untouched and surface a fresh cancellation.
		e.mu.Unlock()
		og.err = ErrCancelled
		close(og.done)
		return zero, ErrCancelled
	case err != nil:
		e.hasError = true
		e.err = err
		e.mu.Unlock()
		metrics.IncrCounter([]string{"querycache", "cache", "fetch_error"}, 1)
		og.err = err
		close(og.done)
		return zero, err
	default:
		e.data = data
		e.hasData = true
		e.hasError = false
		e.err = nil
		e.fetchTime = time.Now()
		e.mu.Unlock()
		metrics.IncrCounter([]string{"querycache", "cache", "fetch_success"}, 1)
		og.data = data
		close(og.done)
		return data, nil
	}
}
