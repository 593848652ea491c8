package kernel

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/zhubert/plural-kernel/message"
)

// conn is one accepted controller connection.
type conn struct {
	net.Conn
	r    *message.Reader
	w    *message.Writer
	done chan struct{}
}

// endpoint accepts controller connections on one port and runs handle for
// each of them.
type endpoint struct {
	name     string
	listener net.Listener
	log      *slog.Logger
	timeout  time.Duration
	handle   func(c *conn)

	closed   bool
	closedMu sync.RWMutex
	wg       sync.WaitGroup
	readyCh  chan struct{}

	connsMu sync.Mutex
	conns   map[*conn]struct{}
}

func listen(name, host string, port int, writeTimeout time.Duration, log *slog.Logger, handle func(c *conn)) (*endpoint, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	e := &endpoint{
		name:     name,
		listener: listener,
		log:      log.With("endpoint", name),
		timeout:  writeTimeout,
		handle:   handle,
		readyCh:  make(chan struct{}),
		conns:    make(map[*conn]struct{}),
	}
	e.log.Info("listening", "addr", listener.Addr().String())
	return e, nil
}

// Port returns the bound port.
func (e *endpoint) Port() int {
	if addr, ok := e.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Start runs the accept loop in a goroutine.
func (e *endpoint) Start() {
	e.wg.Go(e.run)
}

// WaitReady blocks until the accept loop is running.
func (e *endpoint) WaitReady() {
	<-e.readyCh
}

func (e *endpoint) isClosed() bool {
	e.closedMu.RLock()
	defer e.closedMu.RUnlock()
	return e.closed
}

func (e *endpoint) run() {
	close(e.readyCh)

	for {
		if e.isClosed() {
			return
		}

		nc, err := e.listener.Accept()
		if err != nil {
			if e.isClosed() || errors.Is(err, net.ErrClosed) {
				e.log.Debug("listener closed, stopping")
				return
			}
			e.log.Warn("accept error (continuing)", "error", err)
			continue
		}

		c := &conn{
			Conn: nc,
			r:    message.NewReader(nc),
			w:    message.NewWriter(nc, e.timeout),
			done: make(chan struct{}),
		}
		if !e.track(c) {
			nc.Close()
			return
		}
		e.log.Debug("connection accepted", "remote", nc.RemoteAddr().String())

		e.wg.Go(func() {
			defer e.untrack(c)
			e.handle(c)
		})
	}
}

func (e *endpoint) track(c *conn) bool {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	if e.isClosed() {
		return false
	}
	e.conns[c] = struct{}{}
	return true
}

func (e *endpoint) untrack(c *conn) {
	e.connsMu.Lock()
	delete(e.conns, c)
	e.connsMu.Unlock()
	close(c.done)
	c.Close()
}

// Close stops accepting, closes every connection and waits for their
// handlers to return.
func (e *endpoint) Close() {
	e.closedMu.Lock()
	if e.closed {
		e.closedMu.Unlock()
		return
	}
	e.closed = true
	e.closedMu.Unlock()

	e.listener.Close()

	e.connsMu.Lock()
	for c := range e.conns {
		c.Close()
	}
	e.connsMu.Unlock()

	e.wg.Wait()
	e.log.Debug("endpoint closed")
}
