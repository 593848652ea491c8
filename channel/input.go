package channel

import (
	"sync"

	"github.com/zhubert/plural-kernel/message"
)

// InputChannel carries the kernel's requests for user input and the
// controller's answers. A handler registered for input_request computes the
// value and calls Input.
type InputChannel struct {
	*SocketChannel
	dispatcher

	mu      sync.Mutex
	request *message.Message
}

// NewInputChannel returns an input channel for addr.
func NewInputChannel(addr Address, session *message.Session, opts Options) *InputChannel {
	c := &InputChannel{}
	c.SocketChannel = newSocketChannel("input", addr, session, Readable|Error, opts)
	c.SocketChannel.callHandlers = c.callHandlers
	return c
}

// Input answers the outstanding input request with value.
func (c *InputChannel) Input(value string) error {
	c.mu.Lock()
	req := c.request
	c.request = nil
	c.mu.Unlock()

	if req == nil {
		return ErrNoInputRequest
	}

	m, err := c.session.Msg(message.TypeInputReply, message.InputReply{Value: &value}, req)
	if err != nil {
		return err
	}
	c.send(m)
	return nil
}

// Outstanding returns the input request waiting for an answer, or nil.
func (c *InputChannel) Outstanding() *message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request
}

func (c *InputChannel) callHandlers(m *message.Message) {
	if m.Type == message.TypeInputRequest {
		c.mu.Lock()
		c.request = m
		c.mu.Unlock()
	}
	c.dispatch(m)
}
