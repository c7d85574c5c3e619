package querycache

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// InfiniteObserver manages an ordered chain of pages fetched forward and/or
// backward from InitialPageParam, per §4.5. All four operations
// (execute/fetchNextPage/fetchPreviousPage/refetch) are serialized by a
// single mutex, matching the spec's "globally serialized within that
// observer" concurrency rule.
type InfiniteObserver struct {
	client *Client
	opts   InfiniteQueryOptions

	opMu sync.Mutex // serializes execute/fetchNextPage/fetchPreviousPage/refetch
	busy bool

	dataMu     sync.RWMutex
	pages      []interface{}
	pageParams []interface{}
	hasError   bool
	err        error

	onChange func()
}

// NewInfiniteObserver constructs an InfiniteObserver for opts. A
// GetNextPageParam/GetPreviousPageParam of nil is allowed at construction
// (pages can still be fetched in the other direction); calling the
// corresponding fetch method without one is a ConfigurationError.
func NewInfiniteObserver(client *Client, opts InfiniteQueryOptions, onChange func()) *InfiniteObserver {
	if onChange == nil {
		onChange = func() {}
	}
	return &InfiniteObserver{client: client, opts: opts, onChange: onChange}
}

// Pages and PageParams return copies of the observer's current ordered
// state.
func (o *InfiniteObserver) Pages() []interface{} {
	o.dataMu.RLock()
	defer o.dataMu.RUnlock()
	out := make([]interface{}, len(o.pages))
	copy(out, o.pages)
	return out
}

func (o *InfiniteObserver) PageParams() []interface{} {
	o.dataMu.RLock()
	defer o.dataMu.RUnlock()
	out := make([]interface{}, len(o.pageParams))
	copy(out, o.pageParams)
	return out
}

// Error returns the most recent page-fetch error, if any.
func (o *InfiniteObserver) Error() error {
	o.dataMu.RLock()
	defer o.dataMu.RUnlock()
	if o.hasError {
		return o.err
	}
	return nil
}

// HasNextPage reports whether GetNextPageParam yields a param given the
// current last page.
func (o *InfiniteObserver) HasNextPage() bool {
	o.dataMu.RLock()
	defer o.dataMu.RUnlock()
	if o.opts.GetNextPageParam == nil || len(o.pages) == 0 {
		return false
	}
	_, ok := o.opts.GetNextPageParam(o.pages[len(o.pages)-1], o.pages, o.pageParams[len(o.pageParams)-1])
	return ok
}

// HasPreviousPage is the symmetric check for GetPreviousPageParam.
func (o *InfiniteObserver) HasPreviousPage() bool {
	o.dataMu.RLock()
	defer o.dataMu.RUnlock()
	if o.opts.GetPreviousPageParam == nil || len(o.pages) == 0 {
		return false
	}
	_, ok := o.opts.GetPreviousPageParam(o.pages[0], o.pages, o.pageParams[0])
	return ok
}

func (o *InfiniteObserver) isBusy() bool {
	o.dataMu.RLock()
	defer o.dataMu.RUnlock()
	return o.busy
}

func (o *InfiniteObserver) fetchOne(ctx context.Context, param interface{}, direction Direction) (interface{}, error) {
	queryFn := o.opts.QueryFn
	if queryFn == nil {
		return nil, errConfigurationError("infinite observer has no queryFn")
	}
	fetchCtx := Context{
		Key:       o.opts.QueryKey,
		Meta:      o.opts.Meta,
		PageParam: param,
		Direction: direction,
		Client:    o.client,
	}
	o.client.beginFetch()
	defer o.client.endFetch()
	return queryFn(ctx, fetchCtx)
}

// Execute refetches page 0 only, resetting pages/pageParams to a single
// entry seeded from InitialPageParam.
func (o *InfiniteObserver) Execute(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	page, err := o.fetchOne(ctx, o.opts.InitialPageParam, DirectionNone)
	o.dataMu.Lock()
	if err != nil {
		o.hasError, o.err = true, err
		o.dataMu.Unlock()
		o.onChange()
		return err
	}
	o.pages = []interface{}{page}
	o.pageParams = []interface{}{o.opts.InitialPageParam}
	o.hasError, o.err = false, nil
	o.dataMu.Unlock()
	o.onChange()
	return nil
}

// FetchNextPage computes the next page param and, if present, fetches and
// appends a page, trimming from the front when MaxPages is exceeded.
func (o *InfiniteObserver) FetchNextPage(ctx context.Context) error {
	if o.opts.GetNextPageParam == nil {
		return errConfigurationError("fetchNextPage without GetNextPageParam")
	}
	if !o.opts.cancelRefetch() {
		return errConfigurationError("infinite observer: CancelRefetch=false (queueing) is out of scope, use the default")
	}
	if o.isBusy() {
		return nil
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.dataMu.RLock()
	if len(o.pages) == 0 {
		o.dataMu.RUnlock()
		return o.Execute(ctx)
	}
	lastPage := o.pages[len(o.pages)-1]
	lastParam := o.pageParams[len(o.pageParams)-1]
	pagesCopy := append([]interface{}{}, o.pages...)
	o.dataMu.RUnlock()

	nextParam, ok := o.opts.GetNextPageParam(lastPage, pagesCopy, lastParam)
	if !ok {
		return nil
	}

	o.dataMu.Lock()
	o.busy = true
	o.dataMu.Unlock()
	page, err := o.fetchOne(ctx, nextParam, Forward)
	o.dataMu.Lock()
	o.busy = false
	if err != nil {
		o.hasError, o.err = true, err
		o.dataMu.Unlock()
		o.onChange()
		return err
	}
	o.pages = append(o.pages, page)
	o.pageParams = append(o.pageParams, nextParam)
	if o.opts.MaxPages > 0 && len(o.pages) > o.opts.MaxPages {
		drop := len(o.pages) - o.opts.MaxPages
		o.pages = append([]interface{}{}, o.pages[drop:]...)
		o.pageParams = append([]interface{}{}, o.pageParams[drop:]...)
	}
	o.hasError, o.err = false, nil
	o.dataMu.Unlock()
	o.onChange()
	return nil
}

// FetchPreviousPage is the symmetric operation for the front of the chain.
func (o *InfiniteObserver) FetchPreviousPage(ctx context.Context) error {
	if o.opts.GetPreviousPageParam == nil {
		return errConfigurationError("fetchPreviousPage without GetPreviousPageParam")
	}
	if !o.opts.cancelRefetch() {
		return errConfigurationError("infinite observer: CancelRefetch=false (queueing) is out of scope, use the default")
	}
	if o.isBusy() {
		return nil
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.dataMu.RLock()
	if len(o.pages) == 0 {
		o.dataMu.RUnlock()
		return o.Execute(ctx)
	}
	firstPage := o.pages[0]
	firstParam := o.pageParams[0]
	pagesCopy := append([]interface{}{}, o.pages...)
	o.dataMu.RUnlock()

	prevParam, ok := o.opts.GetPreviousPageParam(firstPage, pagesCopy, firstParam)
	if !ok {
		return nil
	}

	o.dataMu.Lock()
	o.busy = true
	o.dataMu.Unlock()
	page, err := o.fetchOne(ctx, prevParam, Backward)
	o.dataMu.Lock()
	o.busy = false
	if err != nil {
		o.hasError, o.err = true, err
		o.dataMu.Unlock()
		o.onChange()
		return err
	}
	o.pages = append([]interface{}{page}, o.pages...)
	o.pageParams = append([]interface{}{prevParam}, o.pageParams...)
	if o.opts.MaxPages > 0 && len(o.pages) > o.opts.MaxPages {
		o.pages = append([]interface{}{}, o.pages[:o.opts.MaxPages]...)
		o.pageParams = append([]interface{}{}, o.pageParams[:o.opts.MaxPages]...)
	}
	o.hasError, o.err = false, nil
	o.dataMu.Unlock()
	o.onChange()
	return nil
}

// Refetch re-runs queryFn for every pageParam currently in the chain, in
// order, then swaps pages/pageParams atomically — guaranteeing consistent
// ordering even if the underlying cursors have since changed.
func (o *InfiniteObserver) Refetch(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	params := o.PageParams()
	if len(params) == 0 {
		params = []interface{}{o.opts.InitialPageParam}
	}

	newPages := make([]interface{}, 0, len(params))
	for i, p := range params {
		direction := DirectionNone
		if i > 0 {
			direction = Forward
		}
		page, err := o.fetchOne(ctx, p, direction)
		if err != nil {
			o.dataMu.Lock()
			o.hasError, o.err = true, err
			o.dataMu.Unlock()
			o.onChange()
			return errors.Wrapf(err, "querycache: refetch failed at page %d", i)
		}
		newPages = append(newPages, page)
	}

	o.dataMu.Lock()
	o.pages = newPages
	o.pageParams = params
	o.hasError, o.err = false, nil
	o.dataMu.Unlock()
	o.onChange()
	return nil
}
