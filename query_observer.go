package querycache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coalesce-dev/querycache/events"
)

// ObserverStats are read-only diagnostic counters for one observer,
// incremented alongside the state machine at the same points its onChange
// fires for the underlying fetchStatus/failureCount transitions. Purely
// additive instrumentation: nothing here changes an observer's externally
// observable Data/Error/Status.
type ObserverStats struct {
	FetchCount int64
	RetryCount int64
	PauseCount int64
}

// observerSnapshot is the set of observable fields QueryObserver compares
// before firing OnChange, so that reentrant consumer callbacks never see a
// notification for a field that didn't actually move.
type observerSnapshot struct {
	hasData              bool
	data                 interface{}
	hasError             bool
	err                  error
	failureCount         int
	status               Status
	fetchStatus          FetchStatus
	isPlaceholder        bool
	isFetchingBackground bool
	isRefetchError       bool
}

// QueryObserver is one live observation of a key: it owns the fetch
// coroutine, the retry/backoff loop, the stale and interval timers, and the
// focus/online/invalidate/cancel event subscriptions for that key.
type QueryObserver struct {
	client *Client
	emit   events.Handler

	fetchMu sync.Mutex // serializes execute; at most one fetch coroutine per observer

	stateMu  sync.RWMutex
	optsVal  QueryOptions
	snapshot observerSnapshot
	lastErr  error

	cancelFetch context.CancelFunc

	staleMu    sync.Mutex
	staleTimer *time.Timer

	intervalMu   sync.Mutex
	intervalStop chan struct{}

	pauseMu        sync.Mutex
	pauseCh        chan struct{}
	waitingOnPause bool

	preFetchMu  sync.Mutex
	preFetch    interface{}
	hasPreFetch bool

	unsubFocus       func()
	unsubOnline      func()

	statsFetch int64
	statsRetry int64
	statsPause int64

	disposeMu sync.Mutex
	disposed  bool

	onChange func()
}

// NewQueryObserver constructs an observer for opts bound to client,
// performing the initial-state computation from §4.3: resolving
// networkMode, seeding or surfacing initial/placeholder data, starting the
// interval poll, and subscribing to client/platform events.
func NewQueryObserver(client *Client, opts QueryOptions, onChange func(), emit events.Handler) *QueryObserver {
	if onChange == nil {
		onChange = func() {}
	}
	if emit == nil {
		emit = func(events.Event) {}
	}
	o := &QueryObserver{
		client:   client,
		emit:     emit,
		optsVal:  opts,
		onChange: onChange,
		pauseCh:  make(chan struct{}, 1),
	}

	if data, ok := resolveInitialData(opts); ok {
		fetchTime := opts.InitialDataUpdatedAt
		if fetchTime.IsZero() {
			fetchTime = time.Now()
		}
		if _, exists := client.Cache().GetEntry(opts.QueryKey); !exists {
			seedWithTime(client.Cache(), opts.QueryKey, data, fetchTime)
		}
		o.snapshot.hasData = true
		o.snapshot.data = data
		o.snapshot.status = Success
	} else if data, ok := resolvePlaceholderData(opts, nil, nil); ok {
		o.snapshot.hasData = true
		o.snapshot.data = data
		o.snapshot.isPlaceholder = true
		o.snapshot.status = Pending
	} else if snap, ok := client.Cache().GetEntry(opts.QueryKey); ok && snap.HasData {
		o.snapshot.hasData = true
		o.snapshot.data = snap.Data
		o.snapshot.status = Success
	}

	client.attach(o)
	o.unsubFocus = client.Focus().Subscribe(o.onFocusChange)
	o.unsubOnline = client.Online().Subscribe(o.onOnlineChange)

	if opts.RefetchInterval > 0 && opts.Enabled {
		o.startInterval(opts.RefetchInterval)
	}

	return o
}

func resolveInitialData(opts QueryOptions) (interface{}, bool) {
	if opts.InitialDataFn != nil {
		if v := opts.InitialDataFn(); v != nil {
			return v, true
		}
		return nil, false
	}
	return opts.InitialData, opts.InitialData != nil
}

func resolvePlaceholderData(opts QueryOptions, prevData interface{}, prevOpts *QueryOptions) (interface{}, bool) {
	if opts.PlaceholderDataFn != nil {
		if v := opts.PlaceholderDataFn(prevData, prevOpts); v != nil {
			return v, true
		}
		return nil, false
	}
	return opts.PlaceholderData, opts.PlaceholderData != nil
}

// Options returns a copy of the observer's current options.
func (o *QueryObserver) Options() QueryOptions {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.optsVal
}

// SetOptions replaces the observer's options, applied on the next
// execute/tick. Toggling Enabled or RefetchInterval takes effect
// immediately for the interval timer.
func (o *QueryObserver) SetOptions(opts QueryOptions) {
	o.stateMu.Lock()
	prev := o.optsVal
	o.optsVal = opts
	o.stateMu.Unlock()

	if opts.RefetchInterval != prev.RefetchInterval || opts.Enabled != prev.Enabled {
		o.stopInterval()
		if opts.RefetchInterval > 0 && opts.Enabled {
			o.startInterval(opts.RefetchInterval)
		}
	}
}

func (o *QueryObserver) key() Key { return o.Options().QueryKey }

func (o *QueryObserver) fetchStatus() FetchStatus {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.snapshot.fetchStatus
}

func (o *QueryObserver) staleTime() time.Duration {
	return o.Options().StaleTime
}

// Stats returns a snapshot of this observer's diagnostic counters.
func (o *QueryObserver) Stats() ObserverStats {
	return ObserverStats{
		FetchCount: atomic.LoadInt64(&o.statsFetch),
		RetryCount: atomic.LoadInt64(&o.statsRetry),
		PauseCount: atomic.LoadInt64(&o.statsPause),
	}
}

// Data returns the observer's current data and whether any is present.
func (o *QueryObserver) Data() (interface{}, bool) {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.snapshot.data, o.snapshot.hasData
}

// Error returns the observer's current terminal error, if any.
func (o *QueryObserver) Error() error {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	if o.snapshot.hasError {
		return o.snapshot.err
	}
	return nil
}

// Status returns Pending/Success/Error per §3.
func (o *QueryObserver) Status() Status {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.snapshot.status
}

// IsLoading is status=Pending with network activity in flight or paused.
func (o *QueryObserver) IsLoading() bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.snapshot.status == Pending && (o.snapshot.fetchStatus == Fetching || o.snapshot.fetchStatus == Paused)
}

// IsFetchingBackground reports a refetch in flight while stale data is
// already present.
func (o *QueryObserver) IsFetchingBackground() bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.snapshot.isFetchingBackground
}

// IsPlaceholder reports whether the current data came from placeholderData
// rather than a real fetch or cache entry.
func (o *QueryObserver) IsPlaceholder() bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.snapshot.isPlaceholder
}

// FailureCount returns the number of consecutive failures in the current
// attempt sequence.
func (o *QueryObserver) FailureCount() int {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.snapshot.failureCount
}

// FailureReason returns the most recently observed error, including one
// superseded by a later successful retry.
func (o *QueryObserver) FailureReason() error {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.lastErr
}

// IsRefetchError reports whether the current terminal error occurred
// during a refetch (as opposed to the initial fetch).
func (o *QueryObserver) IsRefetchError() bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.snapshot.isRefetchError
}

func (o *QueryObserver) updateSnapshot(mutate func(*observerSnapshot)) {
	o.stateMu.Lock()
	before := o.snapshot
	mutate(&o.snapshot)
	after := o.snapshot
	o.stateMu.Unlock()
	if !snapshotEqual(before, after) {
		o.onChange()
	}
}

// snapshotEqual implements §4.3's "equality compared by value for errors,
// reference-or-equal for data" change-notification rule. Observer data is
// arbitrary consumer-supplied interface{} and frequently a slice or map,
// which the == operator cannot compare without panicking, so those two
// fields go through a recover-guarded comparison that treats an
// uncomparable pair as always-changed.
func snapshotEqual(a, b observerSnapshot) bool {
	return a.hasData == b.hasData &&
		a.hasError == b.hasError &&
		a.failureCount == b.failureCount &&
		a.status == b.status &&
		a.fetchStatus == b.fetchStatus &&
		a.isPlaceholder == b.isPlaceholder &&
		a.isFetchingBackground == b.isFetchingBackground &&
		a.isRefetchError == b.isRefetchError &&
		safeInterfaceEqual(a.data, b.data) &&
		safeInterfaceEqual(a.err, b.err)
}

func safeInterfaceEqual(a, b interface{}) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// Execute runs the fetch algorithm in §4.3. isRefetch controls whether
// failureCount/lastError reset and whether the stale timer is rearmed.
func (o *QueryObserver) Execute(ctx context.Context, isRefetch bool) {
	o.fetchMu.Lock()
	defer o.fetchMu.Unlock()

	o.stopStaleTimer()

	if o.cancelFetch != nil {
		o.cancelFetch()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	o.cancelFetch = cancel
	defer func() {
		o.cancelFetch = nil
		cancel()
	}()

	opts := o.Options()

	if snap, ok := o.client.Cache().GetEntry(opts.QueryKey); ok && snap.HasData {
		o.updateSnapshot(func(s *observerSnapshot) {
			s.hasData = true
			s.data = snap.Data
		})
		o.preFetchMu.Lock()
		o.preFetch, o.hasPreFetch = snap.Data, true
		o.preFetchMu.Unlock()
	} else {
		o.preFetchMu.Lock()
		o.hasPreFetch = false
		o.preFetchMu.Unlock()
	}

	stale := o.isStale(opts)

	if opts.NetworkMode != Always && !o.client.Online().Online() {
		if opts.NetworkMode == OfflineFirst {
			if _, ok := o.client.Cache().GetEntry(opts.QueryKey); !ok {
				// mode-semantic "first try always": fall through.
				goto attempt
			}
		}
		atomic.AddInt64(&o.statsPause, 1)
		o.updateSnapshot(func(s *observerSnapshot) { s.fetchStatus = Paused })
		return
	}

	if !stale {
		return
	}

attempt:
	hadData, _ := o.Data()
	if hadData != nil && stale {
		o.updateSnapshot(func(s *observerSnapshot) { s.isFetchingBackground = true })
	}
	o.updateSnapshot(func(s *observerSnapshot) {
		s.fetchStatus = Fetching
		if !isRefetch {
			s.failureCount = 0
			s.isRefetchError = false
		}
	})
	if !isRefetch {
		o.stateMu.Lock()
		o.lastErr = nil
		o.stateMu.Unlock()
	}

	o.retryLoop(fetchCtx, opts, isRefetch)

	o.updateSnapshot(func(s *observerSnapshot) {
		if !isRefetch {
			s.isFetchingBackground = false
		}
		if s.fetchStatus != Paused {
			s.fetchStatus = Idle
		}
	})
}

// retryLoop is step 10 of §4.3's execute algorithm: attemptIndex starts at
// -1 for the initial try, incrementing on every failure that earns a
// retry, with pause/resume instead of abandonment while offline.
func (o *QueryObserver) retryLoop(ctx context.Context, opts QueryOptions, isRefetch bool) {
	keyStr := opts.QueryKey.String()
	o.emit(events.FetchStart{Key: keyStr})
	attemptIndex := -1
	for {
		fetchCtx := Context{Key: opts.QueryKey, Meta: opts.Meta, Client: o.client}
		queryFn := opts.QueryFn
		if queryFn == nil {
			if fn, ok := defaultQueryFnFor(o.client, opts.QueryKey); ok {
				queryFn = fn
			}
		}

		atomic.AddInt64(&o.statsFetch, 1)
		data, err := FetchCoalesced[interface{}](ctx, o.client.Cache(), opts.QueryKey, opts.StaleTime, func(c context.Context) (interface{}, error) {
			o.client.beginFetch()
			defer o.client.endFetch()
			if queryFn == nil {
				return nil, errConfigurationError("observer has no queryFn and no default is registered")
			}
			return queryFn(c, fetchCtx)
		})

		if err == nil {
			o.emit(events.FetchSuccess{Key: keyStr})
			o.updateSnapshot(func(s *observerSnapshot) {
				s.hasData = true
				s.data = data
				s.hasError = false
				s.err = nil
				s.status = Success
			})
			if opts.StaleTime > 0 && !isRefetch {
				o.armStaleTimer(opts.StaleTime)
			}
			return
		}

		if err == ErrCancelled || ctx.Err() != nil {
			if opts.NetworkMode != Always {
				atomic.AddInt64(&o.statsPause, 1)
				o.emit(events.Paused{Key: keyStr})
				o.updateSnapshot(func(s *observerSnapshot) {
					s.fetchStatus = Paused
					s.isFetchingBackground = false
				})
				return
			}
			return
		}

		o.emit(events.FetchError{Key: keyStr, Error: err})
		o.stateMu.Lock()
		o.lastErr = err
		o.stateMu.Unlock()
		o.updateSnapshot(func(s *observerSnapshot) { s.failureCount++ })
		attemptIndex++

		if !shouldRetry(attemptIndex, err, opts.RetryInfinite, opts.retryCap(), opts.RetryFn) {
			o.emit(events.MaxRetries{Key: keyStr, Count: attemptIndex + 1})
			o.updateSnapshot(func(s *observerSnapshot) {
				s.hasError = true
				s.err = err
				s.status = Error
				s.isRefetchError = isRefetch
			})
			return
		}
		atomic.AddInt64(&o.statsRetry, 1)

		if opts.NetworkMode != Always && !o.client.Online().Online() {
			atomic.AddInt64(&o.statsPause, 1)
			o.emit(events.Paused{Key: keyStr})
			if o.awaitResume(ctx) {
				o.emit(events.Resumed{Key: keyStr})
				continue // same attemptIndex: continuation, not restart
			}
			return
		}

		delay := resolveRetryDelay(attemptIndex, opts.RetryDelayFn, opts.RetryDelay, opts.MaxRetryDelay)
		o.emit(events.RetryAttempt{Key: keyStr, Attempt: attemptIndex, Delay: delay, Error: err})
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			if opts.NetworkMode != Always && !o.client.Online().Online() {
				if o.awaitResume(ctx) {
					o.emit(events.Resumed{Key: keyStr})
					continue
				}
			}
			return
		}
	}
}

// awaitResume parks on the pause semaphore until an online transition
// releases it or ctx is cancelled, returning true iff the observer should
// resume the retry loop at the same attemptIndex.
func (o *QueryObserver) awaitResume(ctx context.Context) bool {
	o.updateSnapshot(func(s *observerSnapshot) { s.fetchStatus = Paused })
	o.pauseMu.Lock()
	o.waitingOnPause = true
	o.pauseMu.Unlock()

	select {
	case <-o.pauseCh:
	case <-ctx.Done():
		o.pauseMu.Lock()
		o.waitingOnPause = false
		o.pauseMu.Unlock()
		return false
	}

	o.pauseMu.Lock()
	o.waitingOnPause = false
	o.pauseMu.Unlock()

	if ctx.Err() != nil || !o.client.Online().Online() {
		o.updateSnapshot(func(s *observerSnapshot) { s.fetchStatus = Paused })
		return false
	}
	o.updateSnapshot(func(s *observerSnapshot) { s.fetchStatus = Fetching })
	return true
}

func (o *QueryObserver) isStale(opts QueryOptions) bool {
	snap, ok := o.client.Cache().GetEntry(opts.QueryKey)
	if !ok {
		return true
	}
	return isStale(snap.HasData, snap.FetchTime, opts.StaleTime) || snap.Invalidated
}

// Refetch invalidates the cache entry then executes with isRefetch=true,
// bypassing Enabled per §4.3's "manual refetch" rule.
func (o *QueryObserver) Refetch(ctx context.Context) {
	o.client.Cache().markStale(o.Options().QueryKey)
	o.Execute(ctx, true)
}

func (o *QueryObserver) armStaleTimer(d time.Duration) {
	o.staleMu.Lock()
	defer o.staleMu.Unlock()
	if o.staleTimer != nil {
		o.staleTimer.Stop()
	}
	o.staleTimer = time.AfterFunc(d, func() {
		opts := o.Options()
		if o.client.Online().Online() && o.fetchStatus() == Idle && opts.Enabled {
			go o.Execute(context.Background(), true)
		}
	})
}

func (o *QueryObserver) stopStaleTimer() {
	o.staleMu.Lock()
	defer o.staleMu.Unlock()
	if o.staleTimer != nil {
		o.staleTimer.Stop()
		o.staleTimer = nil
	}
}

func (o *QueryObserver) startInterval(d time.Duration) {
	o.intervalMu.Lock()
	defer o.intervalMu.Unlock()
	if o.intervalStop != nil {
		return
	}
	stop := make(chan struct{})
	o.intervalStop = stop
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				opts := o.Options()
				if o.client.Online().Online() && opts.Enabled && o.fetchStatus() != Fetching {
					o.Execute(context.Background(), true)
				}
			}
		}
	}()
}

func (o *QueryObserver) stopInterval() {
	o.intervalMu.Lock()
	defer o.intervalMu.Unlock()
	if o.intervalStop != nil {
		close(o.intervalStop)
		o.intervalStop = nil
	}
}

// onFocusChange implements the "focus refresh" rule: a regained focus
// triggers a background refetch of a stale, enabled query.
func (o *QueryObserver) onFocusChange(focused bool) {
	if !focused {
		return
	}
	opts := o.Options()
	if !opts.refetchOnWindowFocus() || !opts.Enabled {
		return
	}
	if o.isStale(opts) {
		go o.Execute(context.Background(), true)
	}
}

// onOnlineChange implements §4.3's "online refresh vs resume": releasing a
// parked retry takes precedence over starting a brand new fetch.
func (o *QueryObserver) onOnlineChange(online bool) {
	if !online {
		return
	}
	o.pauseMu.Lock()
	waiting := o.waitingOnPause
	o.pauseMu.Unlock()
	if waiting {
		select {
		case o.pauseCh <- struct{}{}:
		default:
		}
		return
	}

	opts := o.Options()
	if opts.refetchOnReconnect() && opts.Enabled && o.isStale(opts) {
		go o.Execute(context.Background(), true)
	}
}

// notifyInvalidated implements the observerHandle contract backing
// Client.OnQueriesInvalidated: an enabled observer whose key was
// invalidated starts a background refetch.
func (o *QueryObserver) notifyInvalidated(keys map[string]bool) {
	if !keys[o.Options().QueryKey.String()] {
		return
	}
	opts := o.Options()
	if opts.Enabled {
		go o.Execute(context.Background(), true)
	}
}

// notifyCancelled implements the observerHandle contract backing
// Client.OnQueriesCancelled.
func (o *QueryObserver) notifyCancelled(keys map[string]bool, opts CancelOptions) {
	if !keys[o.Options().QueryKey.String()] {
		return
	}
	if o.cancelFetch != nil {
		o.cancelFetch()
	}
	if opts.Revert {
		o.preFetchMu.Lock()
		data, ok := o.preFetch, o.hasPreFetch
		o.preFetchMu.Unlock()
		if ok {
			o.updateSnapshot(func(s *observerSnapshot) { s.data = data })
			return
		}
	}
	if !opts.Silent {
		o.updateSnapshot(func(s *observerSnapshot) {
			s.hasError = true
			s.err = ErrCancelled
			s.status = Error
		})
	}
}

// Dispose releases everything the observer owns: event subscriptions,
// timers, and the client registration. Post-dispose calls are no-ops.
func (o *QueryObserver) Dispose() {
	o.disposeMu.Lock()
	if o.disposed {
		o.disposeMu.Unlock()
		return
	}
	o.disposed = true
	o.disposeMu.Unlock()

	if o.cancelFetch != nil {
		o.cancelFetch()
	}
	o.stopStaleTimer()
	o.stopInterval()
	if o.unsubFocus != nil {
		o.unsubFocus()
	}
	if o.unsubOnline != nil {
		o.unsubOnline()
	}
	o.client.detach(o)
}

// defaultQueryFnFor looks up the type-keyed default fetcher registered via
// SetDefaultQueryFn. Since QueryFn always returns interface{}, any
// registered default for any T satisfies an untyped observer; callers that
// need a specific T use GetDefaultQueryFn directly instead.
func defaultQueryFnFor(c *Client, k Key) (QueryFn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, fn := range c.defaultFetchers {
		if qfn, ok := fn.(QueryFn); ok {
			return qfn, true
		}
	}
	return nil, false
}

type configurationError string

func (e configurationError) Error() string { return string(e) }

func errConfigurationError(msg string) error { return configurationError(msg) }
