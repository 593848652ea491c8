package channel

import (
	"context"
	"sync"

	"github.com/zhubert/plural-kernel/message"
)

// Collector is a Handler that queues messages for a caller that prefers to
// pull them. Register it with SetHandler or Handle.
type Collector struct {
	mu     sync.Mutex
	msgs   []*message.Message
	notify chan struct{}
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{notify: make(chan struct{}, 1)}
}

func (c *Collector) OnMessage(m *message.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Get blocks until a message is available or ctx is done.
func (c *Collector) Get(ctx context.Context) (*message.Message, error) {
	for {
		c.mu.Lock()
		if len(c.msgs) > 0 {
			m := c.msgs[0]
			c.msgs = c.msgs[1:]
			c.mu.Unlock()
			return m, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drain returns every queued message and empties the queue.
func (c *Collector) Drain() []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.msgs
	c.msgs = nil
	return msgs
}

// Ready reports whether a message is queued.
func (c *Collector) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs) > 0
}

// Len returns the number of queued messages.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}
