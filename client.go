package querycache

import (
	"context"
	"log"
	"reflect"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/pkg/errors"

	"github.com/coalesce-dev/querycache/events"
)

// observerHandle is the slice of a QueryObserver's API the Client needs in
// order to track which keys are "active" and to broadcast invalidate/
// cancel events, mirroring the way the teacher's Watcher only depends on
// the small Looker/Dependency surface rather than the full view type.
type observerHandle interface {
	key() Key
	fetchStatus() FetchStatus
	staleTime() time.Duration
	notifyInvalidated(keys map[string]bool)
	notifyCancelled(keys map[string]bool, opts CancelOptions)
}

// ClientConfig holds the defaults a Client falls back to when an
// individual QueryOptions value is left at its zero value. It can be
// populated programmatically or via LoadConfig from YAML/TOML.
type ClientConfig struct {
	DefaultStaleTime     time.Duration `yaml:"default_stale_time" toml:"default_stale_time"`
	DefaultRetry         int           `yaml:"default_retry" toml:"default_retry"`
	DefaultMaxRetryDelay time.Duration `yaml:"default_max_retry_delay" toml:"default_max_retry_delay"`
	DefaultNetworkMode   NetworkMode   `yaml:"-" toml:"-"`
}

// Client composes the Cache with focus/online observability and exposes
// the filter-based bulk operations (invalidate, cancel, prefetch, …), the
// global fetching counter, mutation scope semaphores, and type-default
// fetchers described in §4.2. Multiple Clients may coexist; nothing here
// is process-global (§9).
type Client struct {
	cache  *Cache
	focus  *FocusSource
	online *OnlineSource
	config ClientConfig

	mu            sync.RWMutex
	observers     map[string]map[observerHandle]bool
	defaultFetchers map[reflect.Type]interface{}

	scopeMu   sync.Mutex
	scopes    map[string]chan struct{}

	fetchingMu    sync.Mutex
	fetchingCount int

	eventMu sync.RWMutex
	emit    events.Handler
}

// NewClient constructs a Client with its own Cache and, unless overridden,
// default FocusSource/OnlineSource instances that start focused/online.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		cache:           NewCache(),
		focus:           NewFocusSource(),
		online:          NewOnlineSource(),
		observers:       make(map[string]map[observerHandle]bool),
		defaultFetchers: make(map[reflect.Type]interface{}),
		scopes:          make(map[string]chan struct{}),
		emit:            func(events.Event) {},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithCache overrides the Client's Cache (rare; mostly for tests wanting
// to pre-seed data).
func WithCache(cache *Cache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// WithFocusSource overrides the Client's FocusSource.
func WithFocusSource(f *FocusSource) ClientOption {
	return func(c *Client) { c.focus = f }
}

// WithOnlineSource overrides the Client's OnlineSource.
func WithOnlineSource(o *OnlineSource) ClientOption {
	return func(c *Client) { c.online = o }
}

// WithConfig seeds the Client's defaults directly, bypassing LoadConfig.
func WithConfig(cfg ClientConfig) ClientOption {
	return func(c *Client) { c.config = cfg }
}

// WithEventHandler registers the callback invoked for every client- and
// observer-level event (fetch lifecycle, pause/resume, invalidation,
// cancellation, fetching-counter transitions).
func WithEventHandler(h events.Handler) ClientOption {
	return func(c *Client) { c.emit = h }
}

// OnEvent replaces the Client's event handler after construction.
func (c *Client) OnEvent(h events.Handler) {
	if h == nil {
		h = func(events.Event) {}
	}
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.emit = h
}

func (c *Client) emitEvent(e events.Event) {
	c.eventMu.RLock()
	h := c.emit
	c.eventMu.RUnlock()
	if h != nil {
		h(e)
	}
}

// NewQueryObserver constructs a QueryObserver bound to this client, wiring
// its onChange and event callbacks through onChange and the client's own
// event handler.
func (c *Client) NewQueryObserver(opts QueryOptions, onChange func()) *QueryObserver {
	return NewQueryObserver(c, c.applyDefaults(opts), onChange, c.emitEvent)
}

// Cache returns the Client's underlying Cache.
func (c *Client) Cache() *Cache { return c.cache }

// Focus returns the Client's FocusSource.
func (c *Client) Focus() *FocusSource { return c.focus }

// Online returns the Client's OnlineSource.
func (c *Client) Online() *OnlineSource { return c.online }

// Config returns the Client's current defaults.
func (c *Client) Config() ClientConfig { return c.config }

// attach registers an observer as watching key, making that key "active"
// for filtering purposes.
func (c *Client) attach(o observerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := o.key().String()
	set, ok := c.observers[k]
	if !ok {
		set = make(map[observerHandle]bool)
		c.observers[k] = set
	}
	set[o] = true
}

// detach removes an observer's registration, called from QueryObserver.
// Dispose.
func (c *Client) detach(o observerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := o.key().String()
	set, ok := c.observers[k]
	if !ok {
		return
	}
	delete(set, o)
	if len(set) == 0 {
		delete(c.observers, k)
	}
}

func (c *Client) observersFor(k Key) []observerHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.observers[k.String()]
	out := make([]observerHandle, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	return out
}

func (c *Client) isActive(k Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.observers[k.String()]) > 0
}

// aggregateFetchStatus derives a key's FetchStatus for filtering: Fetching
// if any attached observer is fetching, else Paused if any is paused,
// else Idle.
func (c *Client) aggregateFetchStatus(k Key) FetchStatus {
	observers := c.observersFor(k)
	status := Idle
	for _, o := range observers {
		switch o.fetchStatus() {
		case Fetching:
			return Fetching
		case Paused:
			status = Paused
		}
	}
	return status
}

// aggregateStaleTime derives the StaleTime the Stale filter criterion
// should use for k: the minimum StaleTime among attached observers, the
// same "any observer watching this key disagreeing makes it active"
// reasoning aggregateFetchStatus applies to fetch state. A key with no
// attached observers has no observed StaleTime, so it falls back to 0,
// under which isStale reports an entry stale only when it has no data or
// has been invalidated.
func (c *Client) aggregateStaleTime(k Key) time.Duration {
	observers := c.observersFor(k)
	if len(observers) == 0 {
		return 0
	}
	st := observers[0].staleTime()
	for _, o := range observers[1:] {
		if d := o.staleTime(); d < st {
			st = d
		}
	}
	return st
}

// Inspect returns a read-only snapshot of every cache entry, for tooling
// and diagnostics (devtools panels, metrics scrapers) rather than for
// application logic — application code should use filter-based operations
// or a QueryObserver instead.
func (c *Client) Inspect() []EntrySnapshot {
	keys := c.cache.Keys()
	out := make([]EntrySnapshot, 0, len(keys))
	for _, k := range keys {
		if snap, ok := c.cache.GetEntry(k); ok {
			out = append(out, snap)
		}
	}
	return out
}

// matchingKeys enumerates every cache key satisfying filters.
func (c *Client) matchingKeys(filters QueryFilters) ([]Key, error) {
	var out []Key
	for _, k := range c.cache.Keys() {
		snap, ok := c.cache.GetEntry(k)
		if !ok {
			continue
		}
		staleTime := c.aggregateStaleTime(k)
		cand := candidate{
			snapshot:    snap,
			active:      c.isActive(k),
			fetchStatus: c.aggregateFetchStatus(k),
			staleTime:   func() time.Duration { return staleTime },
		}
		ok2, err := matchFilters(filters, cand)
		if err != nil {
			return nil, err
		}
		if ok2 {
			out = append(out, k)
		}
	}
	return out, nil
}

// InvalidateQueries marks every matching entry stale (fetchTime set to the
// sentinel) without discarding its data, then notifies attached observers
// so active ones refetch in the background.
func (c *Client) InvalidateQueries(filters QueryFilters) error {
	keys, err := c.matchingKeys(filters)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	keySet := make(map[string]bool, len(keys))
	keyStrs := make([]string, 0, len(keys))
	for _, k := range keys {
		c.cache.markStale(k)
		keySet[k.String()] = true
		keyStrs = append(keyStrs, k.String())
	}
	for _, k := range keys {
		for _, o := range c.observersFor(k) {
			o.notifyInvalidated(keySet)
		}
	}
	c.emitEvent(events.Invalidated{Keys: keyStrs})
	log.Printf("[TRACE] (client) invalidated %d quer(y/ies)", len(keys))
	return nil
}

// RefetchQueries is a thin alias over InvalidateQueries: invalidating an
// active, enabled observer's key always triggers its background refetch.
func (c *Client) RefetchQueries(filters QueryFilters) error {
	return c.InvalidateQueries(filters)
}

// CancelQueries asks every attached observer on a matching key to cancel
// its in-flight fetch.
func (c *Client) CancelQueries(filters QueryFilters, opts CancelOptions) error {
	keys, err := c.matchingKeys(filters)
	if err != nil {
		return err
	}
	keySet := make(map[string]bool, len(keys))
	keyStrs := make([]string, 0, len(keys))
	for _, k := range keys {
		keySet[k.String()] = true
		keyStrs = append(keyStrs, k.String())
	}
	for _, k := range keys {
		for _, o := range c.observersFor(k) {
			o.notifyCancelled(keySet, opts)
		}
	}
	c.emitEvent(events.Cancelled{Keys: keyStrs, Silent: opts.Silent, Revert: opts.Revert})
	return nil
}

// ResetQueries removes matching entries from the cache entirely and
// invalidates them, causing active observers to refetch from scratch.
func (c *Client) ResetQueries(filters QueryFilters) error {
	keys, err := c.matchingKeys(filters)
	if err != nil {
		return err
	}
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k.String()] = true
	}
	for _, k := range keys {
		c.cache.Invalidate(k)
		for _, o := range c.observersFor(k) {
			o.notifyInvalidated(keySet)
		}
	}
	return nil
}

// RemoveQueries removes matching entries from the cache without notifying
// observers; intended for entries known to be inactive.
func (c *Client) RemoveQueries(filters QueryFilters) error {
	keys, err := c.matchingKeys(filters)
	if err != nil {
		return err
	}
	for _, k := range keys {
		c.cache.Invalidate(k)
	}
	return nil
}

// Prefetch runs the cache's coalesced fetch for opts without attaching an
// observer, useful for warming the cache ahead of a component mounting.
func Prefetch[T any](ctx context.Context, c *Client, opts QueryOptions) (T, error) {
	var zero T
	opts = c.applyDefaults(opts)
	if opts.QueryFn == nil {
		fn, ok := GetDefaultQueryFn[T](c)
		if !ok {
			return zero, errors.New("querycache: prefetch without a queryFn and no default registered")
		}
		opts.QueryFn = fn
	}
	fetchCtx := Context{Key: opts.QueryKey, Meta: opts.Meta, Client: c}
	return FetchCoalesced(ctx, c.cache, opts.QueryKey, opts.StaleTime, func(ctx context.Context) (T, error) {
		v, err := opts.QueryFn(ctx, fetchCtx)
		if err != nil {
			var zero2 T
			return zero2, err
		}
		typed, ok := v.(T)
		if !ok {
			var zero2 T
			return zero2, errors.Errorf("querycache: queryFn returned %T, want %T", v, zero2)
		}
		return typed, nil
	})
}

// SetDefaultQueryFn registers the fetcher used when a QueryOptions of type
// T omits QueryFn. The type parameter T is the explicit type witness; its
// reflect.Type is the key of the client's fetcher map.
func SetDefaultQueryFn[T any](c *Client, fn func(ctx context.Context, fetchCtx Context) (T, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := reflect.TypeOf((*T)(nil)).Elem()
	c.defaultFetchers[t] = QueryFn(func(ctx context.Context, fetchCtx Context) (interface{}, error) {
		return fn(ctx, fetchCtx)
	})
}

// GetDefaultQueryFn retrieves the fetcher registered for T, if any.
func GetDefaultQueryFn[T any](c *Client) (QueryFn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := reflect.TypeOf((*T)(nil)).Elem()
	fn, ok := c.defaultFetchers[t]
	if !ok {
		return nil, false
	}
	return fn.(QueryFn), true
}

// GetScopeSemaphore returns the binary (size-1) semaphore shared by every
// mutation with this scope id, creating it on first use.
func (c *Client) GetScopeSemaphore(scopeID string) chan struct{} {
	c.scopeMu.Lock()
	defer c.scopeMu.Unlock()
	sem, ok := c.scopes[scopeID]
	if !ok {
		sem = make(chan struct{}, 1)
		c.scopes[scopeID] = sem
	}
	return sem
}

// beginFetch increments the global fetching counter, emitting
// OnFetchingChanged on the 0->1 transition.
func (c *Client) beginFetch() {
	c.fetchingMu.Lock()
	c.fetchingCount++
	n := c.fetchingCount
	c.fetchingMu.Unlock()
	metrics.SetGauge([]string{"querycache", "client", "fetching"}, float32(n))
	if n == 1 {
		c.onFetchingChanged(n)
	}
}

// endFetch decrements the global fetching counter, emitting
// OnFetchingChanged on the N->0 transition.
func (c *Client) endFetch() {
	c.fetchingMu.Lock()
	c.fetchingCount--
	n := c.fetchingCount
	c.fetchingMu.Unlock()
	metrics.SetGauge([]string{"querycache", "client", "fetching"}, float32(n))
	if n == 0 {
		c.onFetchingChanged(n)
	}
}

// FetchingCount returns the number of fetches currently in flight across
// every query and infinite observer attached to this client; mutations
// are not counted.
func (c *Client) FetchingCount() int {
	c.fetchingMu.Lock()
	defer c.fetchingMu.Unlock()
	return c.fetchingCount
}

func (c *Client) onFetchingChanged(n int) {
	c.emitEvent(events.FetchingChanged{Count: n})
}
