package kernel

import (
	"context"
	"os"
	"time"
)

// DefaultParentPollInterval is how often WatchParent checks the parent pid.
const DefaultParentPollInterval = time.Second

var getppid = os.Getppid

// WatchParent returns a channel that is closed once this process is no
// longer a child of ppid, which happens when the parent exits and the
// process is reparented. The watch ends without closing the channel when
// ctx is done.
func WatchParent(ctx context.Context, ppid int, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultParentPollInterval
	}
	gone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if getppid() != ppid {
				close(gone)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return gone
}
