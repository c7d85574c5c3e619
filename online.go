package querycache

import "sync"

// OnlineSource is an observable boolean lifecycle for network reachability.
// Like FocusSource, the concrete transport is a consumer-supplied
// collaborator; this is the broadcast plumbing it feeds into.
type OnlineSource struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	nextID    int
}

// NewOnlineSource creates an OnlineSource that starts online, the common
// default absent better information.
func NewOnlineSource() *OnlineSource {
	return &OnlineSource{online: true, listeners: make(map[int]func(bool))}
}

// Online reports the current reachability state.
func (o *OnlineSource) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Subscribe registers a listener invoked on every online/offline
// transition. Returns an unsubscribe function.
func (o *OnlineSource) Subscribe(fn func(online bool)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// SetOnline updates the reachability state and, if it changed, notifies
// every subscriber. This is the call a platform event producer makes.
func (o *OnlineSource) SetOnline(online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	listeners := make([]func(bool), 0, len(o.listeners))
	for _, fn := range o.listeners {
		listeners = append(listeners, fn)
	}
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}
