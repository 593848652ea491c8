package channel

import (
	"sync"

	"github.com/zhubert/plural-kernel/message"
)

// Queue is a FIFO of outbound messages, safe for concurrent Push and Pop.
type Queue struct {
	mu    sync.Mutex
	items []*message.Message
}

// Push appends m.
func (q *Queue) Push(m *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, m)
}

// Pop removes and returns the oldest message.
func (q *Queue) Pop() (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m, true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// mailbox is the actor inbox: tasks posted from any goroutine and run, in
// order, on the channel goroutine.
type mailbox struct {
	mu     sync.Mutex
	tasks  []func()
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (b *mailbox) post(fn func()) {
	b.mu.Lock()
	b.tasks = append(b.tasks, fn)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *mailbox) take() []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	tasks := b.tasks
	b.tasks = nil
	return tasks
}
