// Package kernel implements the execution side of the protocol. A Kernel
// listens on three loop-back ports, runs requests from the command port one
// at a time through a Shell, publishes side effects on the broadcast port and
// asks for user input on the input port.
//
// After a handler fails the kernel enters an aborting state: every request
// already queued is answered with status "aborted" until a poll of the queue
// finds it empty.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/plural-kernel/logger"
	"github.com/zhubert/plural-kernel/message"
)

// Kernel defaults
const (
	// DefaultHost is the interface kernels bind to.
	DefaultHost = "127.0.0.1"

	// DefaultAbortPollInterval is the pause after each aborted request, which
	// gives requests still in flight time to arrive and be aborted too.
	DefaultAbortPollInterval = 100 * time.Millisecond

	// DefaultWriteTimeout bounds writing one message to a controller.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultQueueSize is the number of decoded command frames that may wait
	// for the dispatch loop.
	DefaultQueueSize = 64
)

// Options configures a Kernel.
type Options struct {
	Host              string
	Ports             Ports
	Username          string
	AbortPollInterval time.Duration
	WriteTimeout      time.Duration
	QueueSize         int

	// Session stamps every message the kernel sends. Nil means a new
	// session owned by Username.
	Session *message.Session
}

// DefaultOptions returns options binding ephemeral loop-back ports.
func DefaultOptions() Options {
	return Options{
		Host:              DefaultHost,
		Username:          "kernel",
		AbortPollInterval: DefaultAbortPollInterval,
		WriteTimeout:      DefaultWriteTimeout,
		QueueSize:         DefaultQueueSize,
	}
}

type loopState int

const (
	stateNormal loopState = iota
	stateAborting
)

func (s loopState) String() string {
	if s == stateAborting {
		return "aborting"
	}
	return "normal"
}

// request is one raw frame read from a command connection, with the
// connection its reply goes back to.
type request struct {
	frame []byte
	conn  *conn
}

// handlerFunc answers one request. A non-nil content is sent as the reply
// even when err is set; otherwise a failure is answered with an error reply
// built from err.
type handlerFunc func(ctx context.Context, m *message.Message) (any, error)

// Kernel is the execution process side of the protocol.
type Kernel struct {
	opts    Options
	session *message.Session
	shell   Shell
	log     *slog.Logger

	command   *endpoint
	broadcast *endpoint
	input     *endpoint

	pub   *Publisher
	stdin *inputRequester

	requests chan request
	closing  chan struct{}
	handlers map[message.Type]handlerFunc

	mu      sync.Mutex
	state   loopState
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// New binds the kernel's three ports. Nothing is accepted until Serve runs.
func New(shell Shell, opts Options) (*Kernel, error) {
	if shell == nil {
		return nil, errors.New("kernel requires a shell")
	}
	def := DefaultOptions()
	if opts.Host == "" {
		opts.Host = def.Host
	}
	if opts.Username == "" {
		opts.Username = def.Username
	}
	if opts.AbortPollInterval <= 0 {
		opts.AbortPollInterval = def.AbortPollInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}

	session := opts.Session
	if session == nil {
		session = message.NewSession(opts.Username)
	}
	log := logger.WithSession(session.Token()).With("component", "kernel")

	k := &Kernel{
		opts:     opts,
		session:  session,
		shell:    shell,
		log:      log,
		pub:      newPublisher(session, log.With("endpoint", "broadcast")),
		stdin:    newInputRequester(session, log.With("endpoint", "input")),
		requests: make(chan request, opts.QueueSize),
		closing:  make(chan struct{}),
	}
	k.handlers = map[message.Type]handlerFunc{
		message.TypeExecuteRequest:    k.executeRequest,
		message.TypeCompleteRequest:   k.completeRequest,
		message.TypeObjectInfoRequest: k.objectInfoRequest,
		message.TypePromptRequest:     k.promptRequest,
		message.TypeHistoryRequest:    k.historyRequest,
	}

	var err error
	if k.command, err = listen("command", opts.Host, opts.Ports.Command, opts.WriteTimeout, log, k.readCommands); err != nil {
		return nil, fmt.Errorf("failed to bind command port: %w", err)
	}
	if k.broadcast, err = listen("broadcast", opts.Host, opts.Ports.Broadcast, opts.WriteTimeout, log, k.pub.serve); err != nil {
		k.command.Close()
		return nil, fmt.Errorf("failed to bind broadcast port: %w", err)
	}
	if k.input, err = listen("input", opts.Host, opts.Ports.Input, opts.WriteTimeout, log, k.stdin.serve); err != nil {
		k.command.Close()
		k.broadcast.Close()
		return nil, fmt.Errorf("failed to bind input port: %w", err)
	}
	return k, nil
}

// Ports returns the bound ports.
func (k *Kernel) Ports() Ports {
	return Ports{
		Command:   k.command.Port(),
		Broadcast: k.broadcast.Port(),
		Input:     k.input.Port(),
	}
}

// Session returns the session stamped on every message the kernel sends.
func (k *Kernel) Session() *message.Session {
	return k.session
}

// Publisher returns the broadcast publisher.
func (k *Kernel) Publisher() *Publisher {
	return k.pub
}

// Serve accepts controllers and runs the dispatch loop until ctx is done or
// Close is called. The kernel cannot be served twice; serving a closed kernel
// returns immediately.
func (k *Kernel) Serve(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	if k.started {
		k.mu.Unlock()
		return errors.New("kernel already served")
	}
	k.started = true
	k.mu.Unlock()

	defer k.Close()

	for _, e := range []*endpoint{k.command, k.broadcast, k.input} {
		e.Start()
		e.WaitReady()
	}
	k.log.Info("kernel serving", "ports", k.Ports())

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-k.closing:
			stop()
		case <-ctx.Done():
		}
	}()

	for {
		switch k.loopState() {
		case stateNormal:
			select {
			case <-ctx.Done():
				return nil
			case req := <-k.requests:
				if k.dispatch(ctx, req) {
					k.setLoopState(stateAborting)
				}
			}
		case stateAborting:
			if !k.abortNext() {
				k.setLoopState(stateNormal)
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(k.opts.AbortPollInterval):
			}
		}
	}
}

// Interrupt cancels the request currently being handled. It reports whether
// there was one.
func (k *Kernel) Interrupt() bool {
	k.mu.Lock()
	cancel := k.cancel
	k.mu.Unlock()
	if cancel == nil {
		return false
	}
	k.log.Info("interrupting current request")
	cancel()
	return true
}

// Close stops the dispatch loop and closes every port.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.closing)
	k.mu.Unlock()

	k.command.Close()
	k.broadcast.Close()
	k.input.Close()
	k.log.Info("kernel closed")
	return nil
}

func (k *Kernel) loopState() loopState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *Kernel) setLoopState(s loopState) {
	k.mu.Lock()
	prev := k.state
	k.state = s
	k.mu.Unlock()
	if prev != s {
		k.log.Debug("dispatch state changed", "from", prev, "to", s)
	}
}

// readCommands feeds frames from one command connection into the shared
// request queue.
func (k *Kernel) readCommands(c *conn) {
	for {
		frame, err := c.r.ReadFrame()
		if err != nil {
			if errors.Is(err, message.ErrFrameTooLarge) {
				k.log.Error("command frame too large, closing connection", "remote", c.RemoteAddr().String())
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		select {
		case k.requests <- request{frame: frame, conn: c}:
		case <-k.closing:
			return
		}
	}
}

// decode parses and validates a frame. It returns nil for anything that must
// not be answered.
func (k *Kernel) decode(req request) *message.Message {
	m, err := message.Decode(req.frame)
	if err != nil {
		k.log.Warn("dropping malformed request", "error", err)
		return nil
	}
	if err := message.Validate(m); err != nil {
		k.log.Warn("dropping invalid request", "error", err, "id", m.ID)
		return nil
	}
	if _, ok := k.handlers[m.Type]; !ok {
		k.log.Warn("unknown message type", "type", m.Type, "id", m.ID)
		return nil
	}
	return m
}

// dispatch answers one request and reports whether its handler failed.
func (k *Kernel) dispatch(ctx context.Context, req request) bool {
	m := k.decode(req)
	if m == nil {
		return false
	}
	k.log.Debug("handling request", "type", m.Type, "id", m.ID)

	hctx, cancel := context.WithCancel(ctx)
	k.mu.Lock()
	k.cancel = cancel
	k.mu.Unlock()

	content, err := k.handlers[m.Type](hctx, m)

	k.mu.Lock()
	k.cancel = nil
	k.mu.Unlock()
	cancel()

	if err == nil {
		k.reply(req.conn, message.ReplyType(m.Type), content, m)
		return false
	}

	errContent := errorContent(err)
	if content == nil {
		content = errContent
	}
	k.log.Warn("request failed", "type", m.Type, "id", m.ID, "error", err)
	k.reply(req.conn, message.ReplyType(m.Type), content, m)
	k.pub.Publish(message.TypePyerr, message.Pyerr{
		EName:     errContent.EName,
		EValue:    errContent.EValue,
		Traceback: errContent.Traceback,
	}, m)
	return true
}

// abortNext answers one queued request with status aborted without blocking.
// It reports whether the queue had anything in it.
func (k *Kernel) abortNext() bool {
	select {
	case req := <-k.requests:
		if m := k.decode(req); m != nil {
			k.log.Info("aborting request", "type", m.Type, "id", m.ID)
			k.reply(req.conn, message.ReplyType(m.Type), message.AbortedContent{Status: message.StatusAborted}, m)
		}
		return true
	default:
		return false
	}
}

func (k *Kernel) reply(c *conn, t message.Type, content any, parent *message.Message) {
	m, err := k.session.Msg(t, content, parent)
	if err != nil {
		k.log.Error("failed to build reply", "type", t, "error", err)
		return
	}
	if err := c.w.Write(m); err != nil {
		k.log.Warn("failed to send reply", "type", t, "parent", parent.ID, "error", err)
		return
	}
	k.log.Debug("replied", "type", t, "id", m.ID, "parent", parent.ID)
}
