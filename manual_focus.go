package querycache

import "time"

// NewManualFocusSource builds a FocusSource driven by explicit SetFocused
// calls, plus a ticker-driven heartbeat that re-announces the current focus
// state to every subscriber on each tick. This is a minimal stand-in for a
// windowing toolkit's periodic focus poll (out of scope per the engine's
// own design, §1) for consumers who don't want to wire a platform-specific
// event producer themselves, the same "sample concrete producer, not an
// engine dependency" role NewSockaddrOnlineSource plays for OnlineSource.
func NewManualFocusSource(heartbeat time.Duration) (*FocusSource, func()) {
	f := NewFocusSource()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.broadcastCurrent()
			}
		}
	}()

	return f, func() { close(stop) }
}
