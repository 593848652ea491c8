package kernel

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/zhubert/plural-kernel/message"
)

// ErrNoController is returned when input is requested but no controller is
// connected to the input endpoint.
var ErrNoController = errors.New("no controller connected to the input channel")

// inputRequester asks the connected controller for input on behalf of a
// running request. The most recently connected controller is the one asked.
type inputRequester struct {
	session *message.Session
	log     *slog.Logger

	mu      sync.Mutex
	active  *conn
	replies chan *message.Message
}

func newInputRequester(session *message.Session, log *slog.Logger) *inputRequester {
	return &inputRequester{
		session: session,
		log:     log,
		replies: make(chan *message.Message, 1),
	}
}

// serve reads input replies from c for as long as it stays connected.
func (r *inputRequester) serve(c *conn) {
	r.mu.Lock()
	r.active = c
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.active == c {
			r.active = nil
		}
		r.mu.Unlock()
	}()

	for {
		m, err := c.r.Read()
		if err != nil {
			if errors.Is(err, message.ErrMalformedFrame) {
				r.log.Warn("dropping malformed input frame", "error", err)
				continue
			}
			return
		}
		if m.Type != message.TypeInputReply {
			r.log.Warn("unexpected message on input channel", "type", m.Type)
			continue
		}
		select {
		case r.replies <- m:
		default:
			r.log.Warn("dropping unsolicited input reply", "id", m.ID, "parent", m.ParentID())
		}
	}
}

func (r *inputRequester) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// request sends an input request with parent as its parent and waits for the
// matching reply. A reply without a value yields "".
func (r *inputRequester) request(ctx context.Context, parent *message.Message, prompt string) (string, error) {
	r.mu.Lock()
	c := r.active
	r.mu.Unlock()
	if c == nil {
		return "", ErrNoController
	}

	req, err := r.session.Msg(message.TypeInputRequest, message.InputRequest{Prompt: prompt}, parent)
	if err != nil {
		return "", err
	}
	if err := c.w.Write(req); err != nil {
		return "", err
	}
	r.log.Debug("input requested", "id", req.ID, "parent", parent.ID)

	for {
		select {
		case m := <-r.replies:
			if m.ParentID() != req.ID {
				r.log.Warn("discarding stale input reply", "parent", m.ParentID(), "want", req.ID)
				continue
			}
			var reply message.InputReply
			if err := m.Decode(&reply); err != nil || reply.Value == nil {
				r.log.Warn("input reply has no value", "id", m.ID)
				return "", nil
			}
			return *reply.Value, nil
		case <-c.done:
			return "", ErrNoController
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
