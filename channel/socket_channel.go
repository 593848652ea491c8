// Package channel implements the controller side of the three kernel
// channels. Each channel owns one TCP connection and one goroutine that acts
// on it; other goroutines talk to that goroutine only through its mailbox
// and its outbound queue.
package channel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/plural-kernel/logger"
	"github.com/zhubert/plural-kernel/message"
)

// IOState is a set of I/O conditions a channel is interested in.
type IOState uint8

const (
	Readable IOState = 1 << iota
	Writable
	Error
)

func (s IOState) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	if s&Readable != 0 {
		parts = append(parts, "readable")
	}
	if s&Writable != 0 {
		parts = append(parts, "writable")
	}
	if s&Error != 0 {
		parts = append(parts, "error")
	}
	return strings.Join(parts, "|")
}

// Channel timing defaults
const (
	// DefaultDialTimeout bounds connecting to a kernel endpoint
	DefaultDialTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds writing one message
	DefaultWriteTimeout = 10 * time.Second

	// incomingBuffer is how many decoded messages may wait for the channel goroutine
	incomingBuffer = 64
)

// Options tunes a channel's socket.
type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultOptions returns the default channel options.
func DefaultOptions() Options {
	return Options{
		DialTimeout:  DefaultDialTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// SocketChannel bridges one connection to one goroutine. Concrete channels
// embed it and install callHandlers.
type SocketChannel struct {
	name    string
	session *message.Session
	opts    Options
	log     *slog.Logger

	outbound *Queue
	tasks    *mailbox

	// Owned by the channel goroutine once started.
	state        IOState
	callHandlers func(m *message.Message)

	mu      sync.Mutex
	addr    Address
	started bool
	stopped bool
	conn    net.Conn
	writer  *message.Writer
	err     error
	onError func(err error)

	incoming chan *message.Message
	readErr  chan error
	stopCh   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func newSocketChannel(name string, addr Address, session *message.Session, initial IOState, opts Options) *SocketChannel {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &SocketChannel{
		name:     name,
		session:  session,
		opts:     opts,
		log:      logger.WithSession(session.Token()).With("component", "channel", "channel", name),
		outbound: &Queue{},
		tasks:    newMailbox(),
		state:    initial,
		addr:     addr,
		incoming: make(chan *message.Message, incomingBuffer),
		readErr:  make(chan error, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name returns the channel name used in logs and errors.
func (c *SocketChannel) Name() string {
	return c.name
}

// Address returns the endpoint the channel connects to.
func (c *SocketChannel) Address() Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// SetAddress changes the endpoint of a channel that has not started yet.
func (c *SocketChannel) SetAddress(addr Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return fmt.Errorf("%s channel: cannot change address after start", c.name)
	}
	c.addr = addr
	return nil
}

// SetErrorHandler installs fn to be called, on the channel goroutine, when the
// channel fails with a transport error.
func (c *SocketChannel) SetErrorHandler(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Start connects to the channel address and runs the channel goroutine.
func (c *SocketChannel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrChannelClosed
	}
	if c.started {
		return nil
	}
	if c.addr.Port == 0 {
		return &ConfigError{Channel: c.name, Field: "port", Value: "0", Reason: "port must be resolved before the channel starts"}
	}

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.Dial("tcp", c.addr.String())
	if err != nil {
		c.log.Error("dial failed", "addr", c.addr.String(), "error", err)
		return &TransportError{Channel: c.name, Addr: c.addr, Err: err}
	}

	c.conn = conn
	c.writer = message.NewWriter(conn, c.opts.WriteTimeout)
	c.started = true

	c.log.Info("channel started", "addr", c.addr.String())

	c.wg.Go(func() { c.readLoop(conn) })
	c.wg.Go(c.run)
	return nil
}

// Stop ends the channel goroutine and waits for it to exit. A channel that
// was never started is left untouched.
func (c *SocketChannel) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	conn := c.conn
	c.mu.Unlock()

	conn.Close()
	c.wg.Wait()
	c.log.Info("channel stopped")
}

// IsAlive reports whether the channel goroutine is running.
func (c *SocketChannel) IsAlive() bool {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Err returns the transport error that ended the channel, if any.
func (c *SocketChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// AddIOState asks the channel goroutine to add s to its interest set.
func (c *SocketChannel) AddIOState(s IOState) {
	c.tasks.post(func() { c.state |= s })
}

// DropIOState asks the channel goroutine to remove s from its interest set.
func (c *SocketChannel) DropIOState(s IOState) {
	c.tasks.post(func() { c.state &^= s })
}

// schedule runs fn on the channel goroutine after every message received
// before it has been handled.
func (c *SocketChannel) schedule(fn func()) {
	c.tasks.post(fn)
}

// send queues m for the channel goroutine to write.
func (c *SocketChannel) send(m *message.Message) {
	c.outbound.Push(m)
	c.AddIOState(Writable)
}

// Queued returns the number of outbound messages not yet written.
func (c *SocketChannel) Queued() int {
	return c.outbound.Len()
}

func (c *SocketChannel) readLoop(conn net.Conn) {
	r := message.NewReader(conn)
	for {
		m, err := r.Read()
		if err != nil {
			if errors.Is(err, message.ErrMalformedFrame) {
				c.log.Warn("dropping malformed frame", "error", err)
				continue
			}
			select {
			case c.readErr <- err:
			case <-c.done:
			}
			return
		}
		select {
		case c.incoming <- m:
		case <-c.done:
			return
		}
	}
}

func (c *SocketChannel) run() {
	defer close(c.done)

	for {
		c.drainIncoming()

		if c.state&Writable != 0 {
			if err := c.handleSend(); err != nil && c.handleErr(err) {
				return
			}
		}

		var in <-chan *message.Message
		if c.state&Readable != 0 {
			in = c.incoming
		}

		select {
		case <-c.stopCh:
			return
		case <-c.tasks.notify:
			c.drainIncoming()
			for _, task := range c.tasks.take() {
				task()
			}
		case m := <-in:
			c.handle(m)
		case err := <-c.readErr:
			c.drainIncoming()
			if c.handleErr(err) {
				return
			}
		}
	}
}

// drainIncoming handles every message already received, so tasks posted
// after those messages arrived run after they are handled.
func (c *SocketChannel) drainIncoming() {
	for c.state&Readable != 0 {
		select {
		case m := <-c.incoming:
			c.handle(m)
		default:
			return
		}
	}
}

func (c *SocketChannel) handle(m *message.Message) {
	c.log.Debug("received", "type", m.Type, "id", m.ID, "parent", m.ParentID())
	if c.callHandlers != nil {
		c.callHandlers(m)
	}
}

// handleSend writes every queued message and drops Writable once the queue
// is empty.
func (c *SocketChannel) handleSend() error {
	for {
		m, ok := c.outbound.Pop()
		if !ok {
			c.state &^= Writable
			return nil
		}
		if err := c.writer.Write(m); err != nil {
			return err
		}
		c.log.Debug("sent", "type", m.Type, "id", m.ID)
	}
}

// handleErr reports whether err ended the channel.
func (c *SocketChannel) handleErr(err error) bool {
	select {
	case <-c.stopCh:
		return true
	default:
	}

	if c.state&Error == 0 {
		c.log.Warn("socket error ignored", "error", err)
		return false
	}

	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("connection closed by kernel: %w", err)
	}
	terr := &TransportError{Channel: c.name, Addr: c.Address(), Err: err}
	c.log.Error("channel failed", "error", err)

	c.mu.Lock()
	c.err = terr
	onError := c.onError
	conn := c.conn
	c.mu.Unlock()

	conn.Close()
	if onError != nil {
		onError(terr)
	}
	return true
}

// ioState reads the interest set on the channel goroutine. Used by tests.
func (c *SocketChannel) ioState(timeout time.Duration) (IOState, bool) {
	result := make(chan IOState, 1)
	c.schedule(func() { result <- c.state })
	select {
	case s := <-result:
		return s, true
	case <-time.After(timeout):
		return 0, false
	}
}
