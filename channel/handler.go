package channel

import (
	"sync"

	"github.com/zhubert/plural-kernel/message"
)

// Handler receives messages delivered by a channel. OnMessage runs on the
// channel goroutine; handing work to another goroutine is up to the
// implementation.
type Handler interface {
	OnMessage(m *message.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(m *message.Message)

func (f HandlerFunc) OnMessage(m *message.Message) {
	f(m)
}

// dispatcher delivers each message to the generic handler and then to the
// handler registered for its type, if any.
type dispatcher struct {
	mu      sync.RWMutex
	generic Handler
	byType  map[message.Type]Handler
}

// SetHandler installs the handler that receives every message.
func (d *dispatcher) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generic = h
}

// Handle installs the handler for messages of type t. A nil handler removes
// the registration.
func (d *dispatcher) Handle(t message.Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byType == nil {
		d.byType = make(map[message.Type]Handler)
	}
	if h == nil {
		delete(d.byType, t)
		return
	}
	d.byType[t] = h
}

func (d *dispatcher) dispatch(m *message.Message) {
	d.mu.RLock()
	generic := d.generic
	specific := d.byType[m.Type]
	d.mu.RUnlock()

	if generic != nil {
		generic.OnMessage(m)
	}
	if specific != nil {
		specific.OnMessage(m)
	}
}
