package querycache

import "sync"

// FocusSource is an observable boolean lifecycle for window/app focus. The
// concrete event producer (a windowing toolkit, a browser visibilitychange
// listener) is a consumer-supplied collaborator per §1's Non-goals; this
// type is the broadcast plumbing every concrete producer feeds into.
type FocusSource struct {
	mu        sync.Mutex
	focused   bool
	listeners map[int]func(bool)
	nextID    int
}

// NewFocusSource creates a FocusSource that starts focused, matching the
// common case of a freshly-loaded page/window.
func NewFocusSource() *FocusSource {
	return &FocusSource{focused: true, listeners: make(map[int]func(bool))}
}

// Focused reports the current focus state.
func (f *FocusSource) Focused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused
}

// Subscribe registers a listener invoked on every focus transition.
// Returns an unsubscribe function.
func (f *FocusSource) Subscribe(fn func(focused bool)) (unsubscribe func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

// SetFocused updates the focus state and, if it changed, notifies every
// subscriber. This is the call a platform event producer makes.
func (f *FocusSource) SetFocused(focused bool) {
	f.mu.Lock()
	if f.focused == focused {
		f.mu.Unlock()
		return
	}
	f.focused = focused
	listeners := f.snapshotListeners()
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(focused)
	}
}

// broadcastCurrent re-announces the current focus state to every
// subscriber regardless of whether it changed, for heartbeat-driven
// producers like NewManualFocusSource.
func (f *FocusSource) broadcastCurrent() {
	f.mu.Lock()
	focused := f.focused
	listeners := f.snapshotListeners()
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(focused)
	}
}

// snapshotListeners returns the registered listeners; callers must hold f.mu.
func (f *FocusSource) snapshotListeners() []func(bool) {
	listeners := make([]func(bool), 0, len(f.listeners))
	for _, fn := range f.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}
