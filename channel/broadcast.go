package channel

import (
	"sync/atomic"
	"time"

	"github.com/zhubert/plural-kernel/message"
)

// flushPollInterval is how often Flush checks whether its marker task ran.
const flushPollInterval = 10 * time.Millisecond

// BroadcastChannel receives everything the kernel publishes: input echoes,
// results, errors and stream output.
type BroadcastChannel struct {
	*SocketChannel
	dispatcher
}

// NewBroadcastChannel returns a broadcast channel for addr.
func NewBroadcastChannel(addr Address, session *message.Session, opts Options) *BroadcastChannel {
	c := &BroadcastChannel{}
	c.SocketChannel = newSocketChannel("broadcast", addr, session, Readable|Error, opts)
	c.SocketChannel.callHandlers = c.dispatch
	return c
}

// Flush waits until every message received before the call has been handed
// to the handlers, or until timeout elapses. It runs two passes of a no-op
// task through the channel goroutine, since a single task can be scheduled
// ahead of a read that is already under way. It reports whether both passes
// completed in time.
func (c *BroadcastChannel) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for range 2 {
		var flushed atomic.Bool
		c.schedule(func() { flushed.Store(true) })
		for !flushed.Load() {
			if !time.Now().Before(deadline) {
				c.log.Debug("flush timed out", "timeout", timeout)
				return false
			}
			time.Sleep(flushPollInterval)
		}
	}
	return true
}
