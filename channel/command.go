package channel

import (
	"github.com/zhubert/plural-kernel/message"
)

// CommandChannel sends requests to the kernel and receives their replies.
// Every request method returns the id of the request immediately; the reply
// arrives later through the registered handlers with that id as its parent.
type CommandChannel struct {
	*SocketChannel
	dispatcher

	pending *PendingSet
}

// NewCommandChannel returns a command channel for addr. It does not connect
// until Start.
func NewCommandChannel(addr Address, session *message.Session, opts Options) *CommandChannel {
	c := &CommandChannel{pending: NewPendingSet()}
	c.SocketChannel = newSocketChannel("command", addr, session, Readable|Error, opts)
	c.SocketChannel.callHandlers = c.callHandlers
	return c
}

// Execute asks the kernel to run code.
func (c *CommandChannel) Execute(code string, silent bool) (string, error) {
	return c.request(message.TypeExecuteRequest, message.ExecuteRequest{Code: code, Silent: silent})
}

// Complete asks for completions of text typed at cursorPos within line. A
// negative cursorPos places the cursor at the end of text.
func (c *CommandChannel) Complete(text, line string, cursorPos int, block string) (string, error) {
	content := message.CompleteRequest{Text: text, Line: line, Block: block}
	if cursorPos >= 0 {
		content.CursorPos = &cursorPos
	}
	return c.request(message.TypeCompleteRequest, content)
}

// ObjectInfo asks for the docstring of the object named oname.
func (c *CommandChannel) ObjectInfo(oname string) (string, error) {
	return c.request(message.TypeObjectInfoRequest, message.ObjectInfoRequest{OName: oname})
}

// History asks for input history. A negative index returns the whole history.
func (c *CommandChannel) History(index int, raw, output bool) (string, error) {
	return c.request(message.TypeHistoryRequest, message.HistoryRequest{Index: index, Raw: raw, Output: output})
}

// Prompt asks for the next prompt.
func (c *CommandChannel) Prompt() (string, error) {
	return c.request(message.TypePromptRequest, nil)
}

// Pending returns the ids of requests that have not been answered yet.
func (c *CommandChannel) Pending() []string {
	return c.pending.IDs()
}

// IsPending reports whether the request with id is still unanswered.
func (c *CommandChannel) IsPending(id string) bool {
	return c.pending.Contains(id)
}

func (c *CommandChannel) request(t message.Type, content any) (string, error) {
	m, err := c.session.Msg(t, content, nil)
	if err != nil {
		return "", err
	}
	c.pending.Add(m.ID, t)
	c.send(m)
	return m.ID, nil
}

func (c *CommandChannel) callHandlers(m *message.Message) {
	if parent := m.ParentID(); parent != "" {
		if _, ok := c.pending.Resolve(parent); !ok {
			c.log.Debug("reply for unknown request", "type", m.Type, "parent", parent)
		}
	}
	c.dispatch(m)
}
