package kernel

import (
	"io"
	"log/slog"
	"sync"

	"github.com/zhubert/plural-kernel/message"
)

// Publisher fans every broadcast message out to all connected subscribers.
// A subscriber whose write fails is dropped.
type Publisher struct {
	session *message.Session
	log     *slog.Logger

	mu   sync.Mutex
	subs map[*conn]struct{}
}

func newPublisher(session *message.Session, log *slog.Logger) *Publisher {
	return &Publisher{
		session: session,
		log:     log,
		subs:    make(map[*conn]struct{}),
	}
}

// Publish sends a message of type t to every subscriber. parent may be nil.
func (p *Publisher) Publish(t message.Type, content any, parent *message.Message) error {
	m, err := p.session.Msg(t, content, parent)
	if err != nil {
		return err
	}

	p.mu.Lock()
	subs := make([]*conn, 0, len(p.subs))
	for c := range p.subs {
		subs = append(subs, c)
	}
	p.mu.Unlock()

	for _, c := range subs {
		if err := c.w.Write(m); err != nil {
			p.log.Warn("dropping subscriber", "remote", c.RemoteAddr().String(), "error", err)
			p.detach(c)
			c.Close()
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Publisher) attach(c *conn) {
	p.mu.Lock()
	p.subs[c] = struct{}{}
	p.mu.Unlock()
}

func (p *Publisher) detach(c *conn) {
	p.mu.Lock()
	delete(p.subs, c)
	p.mu.Unlock()
}

// serve keeps a subscriber attached until it disconnects. Anything a
// subscriber writes is discarded.
func (p *Publisher) serve(c *conn) {
	p.attach(c)
	defer p.detach(c)
	io.Copy(io.Discard, c)
}
