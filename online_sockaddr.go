package querycache

import (
	"time"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

// NewSockaddrOnlineSource builds an OnlineSource whose producer polls the
// host's default route interface every interval, treating "no private or
// public IP on the default interface" as offline. This is a sample
// platform-specific event producer (out of scope per the engine's own
// design, §1) rather than something the engine depends on.
func NewSockaddrOnlineSource(interval time.Duration) (*OnlineSource, func()) {
	o := NewOnlineSource()
	o.SetOnline(sockaddrHasRoute())

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.SetOnline(sockaddrHasRoute())
			}
		}
	}()

	return o, func() { close(stop) }
}

func sockaddrHasRoute() bool {
	ifAddrs, err := sockaddr.GetDefaultInterfaces()
	if err != nil {
		return false
	}
	for _, ifAddr := range ifAddrs {
		if ifAddr.SockAddr != nil {
			return true
		}
	}
	return false
}
