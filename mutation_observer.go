package querycache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coalesce-dev/querycache/events"
)

// MutationStatus is the four-way lifecycle state of a MutationObserver,
// distinct from the query Status enum because mutations have an Idle
// resting state between calls.
type MutationStatus int

const (
	MutationIdle MutationStatus = iota
	MutationPending
	MutationSuccess
	MutationError
)

func (s MutationStatus) String() string {
	switch s {
	case MutationIdle:
		return "idle"
	case MutationPending:
		return "pending"
	case MutationSuccess:
		return "success"
	case MutationError:
		return "error"
	default:
		return "unknown"
	}
}

// MutationObserver runs a user-provided mutation with retry, lifecycle
// callbacks, and optional scope serialization, mirroring the execution
// shape of QueryObserver.retryLoop but without backoff-pause/resume or the
// cache's own storage (a mutation's cache writes, if any, are the
// consumer's onSuccess's responsibility).
type MutationObserver struct {
	client *Client
	opts   MutationOptions
	emit   events.Handler

	mu          sync.RWMutex
	variables   interface{}
	data        interface{}
	err         error
	status      MutationStatus
	failureCount int
	submittedAt time.Time
	isPaused    bool

	mutationID int64

	onChange func()
}

// NewMutationObserver constructs a MutationObserver for opts bound to
// client.
func NewMutationObserver(client *Client, opts MutationOptions, onChange func()) *MutationObserver {
	if onChange == nil {
		onChange = func() {}
	}
	return &MutationObserver{
		client:   client,
		opts:     opts,
		emit:     client.emitEvent,
		onChange: onChange,
	}
}

// Variables, Data, Error, Status, FailureCount, SubmittedAt, and IsPaused
// always reflect the most recent mutate/mutateAsync call, per §4.4.
func (m *MutationObserver) Variables() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.variables
}

func (m *MutationObserver) Data() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

func (m *MutationObserver) Error() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *MutationObserver) Status() MutationStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *MutationObserver) FailureCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failureCount
}

func (m *MutationObserver) SubmittedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.submittedAt
}

func (m *MutationObserver) IsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isPaused
}

// Reset returns the observer to Idle and clears data/error/variables.
func (m *MutationObserver) Reset() {
	m.mu.Lock()
	m.variables, m.data, m.err = nil, nil, nil
	m.status = MutationIdle
	m.failureCount = 0
	m.isPaused = false
	m.mu.Unlock()
	m.onChange()
}

// Mutate fires the mutation and swallows any terminal error; callers
// interested in the result use the per-call callbacks or MutateAsync.
func (m *MutationObserver) Mutate(ctx context.Context, variables interface{}, perCall *MutationCallbacks) {
	go func() { _, _ = m.run(ctx, variables, perCall) }()
}

// MutateAsync runs the mutation and blocks for its terminal outcome.
func (m *MutationObserver) MutateAsync(ctx context.Context, variables interface{}, perCall *MutationCallbacks) (interface{}, error) {
	return m.run(ctx, variables, perCall)
}

// run implements the mutate protocol from §4.4.
func (m *MutationObserver) run(ctx context.Context, variables interface{}, perCall *MutationCallbacks) (interface{}, error) {
	id := atomic.AddInt64(&m.mutationID, 1)

	m.mu.Lock()
	m.variables = variables
	m.err = nil
	m.status = MutationPending
	m.failureCount = 0
	m.submittedAt = time.Now()
	m.isPaused = false
	m.mu.Unlock()
	m.onChange()

	opts := m.opts
	keyStr := opts.MutationKey

	if opts.NetworkMode == Online && !m.client.Online().Online() {
		m.mu.Lock()
		m.isPaused = true
		m.status = MutationError
		m.err = ErrOffline
		m.mu.Unlock()
		m.onChange()
		m.runCallbacks(id, nil, ErrOffline, variables, nil, perCall)
		return nil, ErrOffline
	}

	var onMutateResult interface{}
	if opts.OnMutate != nil {
		res, err := opts.OnMutate(variables)
		if err != nil {
			m.finishError(id, err, variables, nil, perCall)
			return nil, err
		}
		onMutateResult = res
	}

	var sem chan struct{}
	if opts.Scope != nil && opts.Scope.ID != "" {
		sem = m.client.GetScopeSemaphore(opts.Scope.ID)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			err := ctx.Err()
			m.finishError(id, err, variables, onMutateResult, perCall)
			return nil, err
		}
		defer func() { <-sem }()
	}

	attemptIndex := -1
	for {
		if keyStr != "" {
			m.emit(events.FetchStart{Key: keyStr})
		}
		data, err := opts.MutationFn(ctx, variables)
		if err == nil {
			if keyStr != "" {
				m.emit(events.FetchSuccess{Key: keyStr})
			}
			m.mu.Lock()
			m.data = data
			m.status = MutationSuccess
			m.mu.Unlock()
			m.onChange()

			if opts.OnSuccess != nil {
				opts.OnSuccess(data, variables, onMutateResult)
			}
			if perCall != nil && perCall.OnSuccess != nil && atomic.LoadInt64(&m.mutationID) == id {
				perCall.OnSuccess(data, variables, onMutateResult)
			}
			if opts.OnSettled != nil {
				opts.OnSettled(data, nil, variables, onMutateResult)
			}
			if perCall != nil && perCall.OnSettled != nil && atomic.LoadInt64(&m.mutationID) == id {
				perCall.OnSettled(data, nil, variables, onMutateResult)
			}
			return data, nil
		}

		if keyStr != "" {
			m.emit(events.FetchError{Key: keyStr, Error: err})
		}
		m.mu.Lock()
		m.failureCount++
		m.mu.Unlock()
		m.onChange()
		attemptIndex++

		if !shouldRetry(attemptIndex, err, false, opts.Retry, nil) {
			m.finishError(id, err, variables, onMutateResult, perCall)
			return nil, err
		}

		delay := resolveRetryDelay(attemptIndex, opts.RetryDelayFn, opts.RetryDelay, opts.MaxRetryDelay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			err := ctx.Err()
			m.finishError(id, err, variables, onMutateResult, perCall)
			return nil, err
		}
	}
}

func (m *MutationObserver) finishError(id int64, err error, variables, onMutateResult interface{}, perCall *MutationCallbacks) {
	m.mu.Lock()
	m.err = err
	m.status = MutationError
	m.mu.Unlock()
	m.onChange()
	m.runCallbacks(id, nil, err, variables, onMutateResult, perCall)
}

func (m *MutationObserver) runCallbacks(id int64, data interface{}, err error, variables, onMutateResult interface{}, perCall *MutationCallbacks) {
	opts := m.opts
	if opts.OnError != nil {
		opts.OnError(err, variables, onMutateResult)
	}
	if perCall != nil && perCall.OnError != nil && atomic.LoadInt64(&m.mutationID) == id {
		perCall.OnError(err, variables, onMutateResult)
	}
	if opts.OnSettled != nil {
		opts.OnSettled(data, err, variables, onMutateResult)
	}
	if perCall != nil && perCall.OnSettled != nil && atomic.LoadInt64(&m.mutationID) == id {
		perCall.OnSettled(data, err, variables, onMutateResult)
	}
}

// ErrOffline is returned/stored when a MutationOptions.NetworkMode=Online
// mutation is attempted while the client is offline.
var ErrOffline = configurationError("querycache: client is offline")
