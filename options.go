package querycache

import (
	"context"
	"time"
)

// NetworkMode controls how an observer or mutation reacts to the client
// being offline.
type NetworkMode int

const (
	// Online pauses fetching/retrying while offline.
	Online NetworkMode = iota
	// OfflineFirst attempts once even while offline, then pauses between
	// retries if still offline.
	OfflineFirst
	// Always ignores online state entirely.
	Always
)

func (m NetworkMode) String() string {
	switch m {
	case Online:
		return "online"
	case OfflineFirst:
		return "offline-first"
	case Always:
		return "always"
	default:
		return "unknown"
	}
}

// Status is the three-way classification of an observer's result.
type Status int

const (
	Pending Status = iota
	Success
	Error
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// FetchStatus describes whether an observer currently has network activity
// in flight.
type FetchStatus int

const (
	Idle FetchStatus = iota
	Fetching
	Paused
)

func (s FetchStatus) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Direction is passed to an infinite query's QueryFn via Context to
// indicate which end of the page chain is being extended.
type Direction int

const (
	DirectionNone Direction = iota
	Forward
	Backward
)

// Context is handed to every QueryFn invocation.
type Context struct {
	Key  Key
	Meta map[string]interface{}
	// PageParam is set only for infinite-query fetches.
	PageParam interface{}
	// Direction is set only for infinite-query page fetches.
	Direction Direction
	Client    *Client
}

// QueryFn fetches the data for a key. ctx carries cancellation; fetchCtx
// carries the key/meta/pagination context described in §4.3.10.1.
type QueryFn func(ctx context.Context, fetchCtx Context) (interface{}, error)

// QueryOptions configures one QueryObserver. See GLOSSARY and §6 for the
// semantics of each field.
type QueryOptions struct {
	QueryKey Key
	QueryFn  QueryFn

	StaleTime            time.Duration
	NetworkMode          NetworkMode
	RefetchOnReconnect   *bool // nil means "default true, forced false under Always"
	RefetchOnWindowFocus *bool // nil means default true
	RefetchInterval      time.Duration

	// Retry is the maximum retry count; nil means "use the default of 3".
	// An explicit pointer to 0 means no retries, distinct from leaving it
	// unset, the same nil-means-default idiom used by RefetchOnReconnect.
	Retry         *int
	RetryInfinite bool
	RetryFn       RetryDecisionFunc
	RetryDelay    time.Duration
	RetryDelayFn  RetryDelayFunc
	MaxRetryDelay time.Duration

	Enabled bool
	Meta    map[string]interface{}

	InitialData          interface{}
	InitialDataFn         func() interface{}
	InitialDataUpdatedAt time.Time

	PlaceholderData   interface{}
	PlaceholderDataFn func(prevData interface{}, prevOptions *QueryOptions) interface{}
}

func (o QueryOptions) refetchOnReconnect() bool {
	if o.NetworkMode == Always {
		return false
	}
	if o.RefetchOnReconnect == nil {
		return true
	}
	return *o.RefetchOnReconnect
}

func (o QueryOptions) refetchOnWindowFocus() bool {
	if o.RefetchOnWindowFocus == nil {
		return true
	}
	return *o.RefetchOnWindowFocus
}

func (o QueryOptions) retryCap() int {
	if o.Retry != nil {
		return *o.Retry
	}
	if o.RetryFn == nil && !o.RetryInfinite {
		return defaultRetryCount
	}
	return 0
}

// defaultRetryCount mirrors the option set's documented default of 3.
const defaultRetryCount = 3

// InfiniteQueryOptions configures an InfiniteObserver.
type InfiniteQueryOptions struct {
	QueryOptions
	InitialPageParam  interface{}
	GetNextPageParam  func(lastPage interface{}, pages []interface{}, lastParam interface{}) (interface{}, bool)
	GetPreviousPageParam func(firstPage interface{}, pages []interface{}, firstParam interface{}) (interface{}, bool)
	MaxPages         int
	CancelRefetch    *bool // nil means default true
}

func (o InfiniteQueryOptions) cancelRefetch() bool {
	if o.CancelRefetch == nil {
		return true
	}
	return *o.CancelRefetch
}

// MutationFn performs the side-effecting operation for a mutation.
type MutationFn func(ctx context.Context, variables interface{}) (interface{}, error)

// MutationScope serializes all mutations sharing the same Id through the
// client's scope semaphore map.
type MutationScope struct {
	ID string
}

// MutationCallbacks are the option-level (apply to every call) or per-call
// (apply only to the call that registered them, and only while it remains
// the latest call) lifecycle hooks described in §6.
type MutationCallbacks struct {
	OnMutate  func(variables interface{}) (interface{}, error)
	OnSuccess func(data, variables, onMutateResult interface{})
	OnError   func(err error, variables, onMutateResult interface{})
	OnSettled func(data interface{}, err error, variables, onMutateResult interface{})
}

// MutationOptions configures a MutationObserver.
type MutationOptions struct {
	MutationFn  MutationFn
	MutationKey string
	Retry       int
	RetryDelay  time.Duration
	RetryDelayFn RetryDelayFunc
	MaxRetryDelay time.Duration
	NetworkMode NetworkMode
	Meta        map[string]interface{}
	Scope       *MutationScope

	MutationCallbacks
}

// QueryFilterType selects active/inactive/all queries for filter-based
// client operations.
type QueryFilterType int

const (
	All QueryFilterType = iota
	Active
	Inactive
)

// TriState distinguishes "unset" from an explicit true/false for filters
// where absence of the criterion must not match anything in particular.
type TriState int

const (
	Unset TriState = iota
	True
	False
)

// QueryFilters selects cache entries for invalidate/cancel/refetch/reset/
// remove/prefetch operations. All present criteria AND together.
type QueryFilters struct {
	QueryKey   Key
	HasKey     bool
	Exact      bool
	Type       QueryFilterType
	Stale      TriState
	FetchState FetchStatus
	HasFetchState bool
	Predicate  func(Key) bool
	// Expression is a go-bexpr boolean expression evaluated against a
	// bexprTarget view of each entry; see filter.go.
	Expression string
}

// CancelOptions configures Client.CancelQueries / observer-level cancel
// propagation.
type CancelOptions struct {
	Silent bool
	Revert bool
}

// DefaultCancelOptions mirrors the documented defaults (Silent=false,
// Revert=true).
func DefaultCancelOptions() CancelOptions {
	return CancelOptions{Revert: true}
}
