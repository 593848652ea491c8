// Package manager owns a kernel's lifecycle and the controller's three
// channels to it. It launches the kernel on loop-back ports, resolves the
// ports the kernel chose, and starts and stops the channels as a group.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/zhubert/plural-kernel/channel"
	"github.com/zhubert/plural-kernel/kernel"
	"github.com/zhubert/plural-kernel/logger"
	"github.com/zhubert/plural-kernel/message"
)

var (
	// ErrNoKernel is returned by operations that need a kernel when this
	// manager has not launched one.
	ErrNoKernel = errors.New("no kernel is running")

	// ErrNeverStarted is returned by RestartKernel before StartKernel.
	ErrNeverStarted = errors.New("kernel was never started")

	// ErrKernelRunning is returned by StartKernel while a kernel is running.
	ErrKernelRunning = errors.New("kernel is already running")
)

// KernelManager manages one kernel and the channels connected to it.
// Channels are created on first use and recreated after StopChannels, so
// handlers registered on a channel must be registered again once the
// channels have been stopped.
type KernelManager struct {
	mu sync.Mutex

	session  *message.Session
	launcher Launcher
	chanOpts channel.Options
	log      *slog.Logger

	host  string
	ports kernel.Ports

	launch *LaunchOptions
	proc   Process

	command   *channel.CommandChannel
	broadcast *channel.BroadcastChannel
	input     *channel.InputChannel

	onStarted func()
	onStopped func()
	onError   func(name string, err error)
}

// Option configures a KernelManager.
type Option func(*KernelManager)

// WithLauncher sets how kernels are started. The default runs the
// plural-kernel executable.
func WithLauncher(l Launcher) Option {
	return func(m *KernelManager) {
		m.launcher = l
	}
}

// WithSession sets the session stamped on every request.
func WithSession(s *message.Session) Option {
	return func(m *KernelManager) {
		m.session = s
	}
}

// WithChannelOptions sets socket options for the channels.
func WithChannelOptions(opts channel.Options) Option {
	return func(m *KernelManager) {
		m.chanOpts = opts
	}
}

// WithAddresses sets the kernel host and ports. A zero port is assigned
// when the kernel is launched.
func WithAddresses(host string, ports kernel.Ports) Option {
	return func(m *KernelManager) {
		m.host = host
		m.ports = ports
	}
}

// WithChannelHooks sets functions called after the channels have been
// started together and after they have been stopped.
func WithChannelHooks(started, stopped func()) Option {
	return func(m *KernelManager) {
		m.onStarted = started
		m.onStopped = stopped
	}
}

// WithChannelErrorHandler sets a function called when a channel fails with
// a transport error.
func WithChannelErrorHandler(fn func(name string, err error)) Option {
	return func(m *KernelManager) {
		m.onError = fn
	}
}

// New returns a manager with no kernel and no channels.
func New(opts ...Option) *KernelManager {
	m := &KernelManager{
		host:     channel.LocalHost,
		chanOpts: channel.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.session == nil {
		m.session = message.NewSession(currentUser())
	}
	if m.launcher == nil {
		m.launcher = NewExecLauncher(DefaultStartTimeout)
	}
	m.log = logger.WithSession(m.session.Token()).With("component", "manager")
	return m
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "controller"
}

// Session returns the session shared by the three channels.
func (m *KernelManager) Session() *message.Session {
	return m.session
}

// Host returns the kernel host.
func (m *KernelManager) Host() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

// Ports returns the kernel ports. Zero ports have not been resolved yet.
func (m *KernelManager) Ports() kernel.Ports {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ports
}

// StartKernel launches a kernel on the configured host. Zero ports are
// replaced by the ports the kernel bound, and the options are kept for
// RestartKernel. Only loop-back hosts are accepted.
func (m *KernelManager) StartKernel(ctx context.Context, opts LaunchOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc != nil && !exited(m.proc) {
		return ErrKernelRunning
	}
	addr := channel.Address{Host: m.host}
	if !addr.IsLoopback() {
		return &channel.ConfigError{
			Channel: "manager",
			Field:   "host",
			Value:   m.host,
			Reason:  "kernels can only be launched on a loop-back address",
		}
	}

	if err := m.launchLocked(ctx, opts); err != nil {
		return err
	}
	stored := opts
	m.launch = &stored
	return nil
}

func (m *KernelManager) launchLocked(ctx context.Context, opts LaunchOptions) error {
	m.log.Info("launching kernel", "host", m.host, "ports", m.ports)
	proc, err := m.launcher.Launch(ctx, LaunchSpec{LaunchOptions: opts, Host: m.host, Ports: m.ports})
	if err != nil {
		m.log.Error("kernel launch failed", "error", err)
		return fmt.Errorf("failed to launch kernel: %w", err)
	}
	m.proc = proc
	m.ports = proc.Ports()

	// Channels created before the launch still point at zero ports.
	m.retargetLocked()
	m.log.Info("kernel launched", "pid", proc.Pid(), "ports", m.ports)
	return nil
}

func (m *KernelManager) retargetLocked() {
	for _, c := range []interface {
		SetAddress(channel.Address) error
		Name() string
	}{m.commandLocked(), m.broadcastLocked(), m.inputLocked()} {
		if err := c.SetAddress(m.addressLocked(c.Name())); err != nil {
			m.log.Debug("channel keeps its address", "channel", c.Name(), "error", err)
		}
	}
}

func (m *KernelManager) addressLocked(name string) channel.Address {
	port := 0
	switch name {
	case "command":
		port = m.ports.Command
	case "broadcast":
		port = m.ports.Broadcast
	case "input":
		port = m.ports.Input
	}
	return channel.Address{Host: m.host, Port: port}
}

// RestartKernel kills the running kernel, if any, and launches a new one
// with the options and ports of the previous launch.
func (m *KernelManager) RestartKernel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.launch == nil {
		return ErrNeverStarted
	}
	if m.proc != nil {
		if err := m.proc.Kill(); err != nil {
			m.log.Warn("failed to kill kernel before restart", "error", err)
		}
		m.proc = nil
	}
	return m.launchLocked(ctx, *m.launch)
}

// KillKernel kills the kernel and forgets it.
func (m *KernelManager) KillKernel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc == nil {
		return ErrNoKernel
	}
	err := m.proc.Kill()
	m.proc = nil
	m.log.Info("kernel killed", "error", err)
	return err
}

// SignalKernel sends sig to the kernel. os.Interrupt interrupts the request
// it is running.
func (m *KernelManager) SignalKernel(sig os.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc == nil {
		return ErrNoKernel
	}
	return m.proc.Signal(sig)
}

// HasKernel reports whether this manager launched a kernel it has not
// killed.
func (m *KernelManager) HasKernel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil
}

// IsAlive reports whether the kernel is still running. Without a kernel
// handle the answer is unknown and IsAlive returns true.
func (m *KernelManager) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return true
	}
	return !exited(m.proc)
}

// StartChannels connects all three channels. Every port must be resolved.
// If one channel fails to start, the ones already started are stopped.
func (m *KernelManager) StartChannels() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range []string{"command", "broadcast", "input"} {
		if addr := m.addressLocked(name); addr.Port == 0 {
			return &channel.ConfigError{Channel: name, Field: "port", Value: "0", Reason: "port must be resolved before the channels start"}
		}
	}

	starters := []interface {
		Start() error
		Stop()
		Name() string
	}{m.commandLocked(), m.broadcastLocked(), m.inputLocked()}

	for i, c := range starters {
		if err := c.Start(); err != nil {
			for _, started := range starters[:i] {
				started.Stop()
			}
			m.discardLocked()
			return err
		}
	}
	m.log.Info("channels started", "ports", m.ports)

	if m.onStarted != nil {
		m.onStarted()
	}
	return nil
}

// StopChannels stops every running channel. The next accessor call creates
// fresh channels.
func (m *KernelManager) StopChannels() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopChannelsLocked()
}

func (m *KernelManager) stopChannelsLocked() {
	running := m.anyChannelAliveLocked()
	if m.command != nil {
		m.command.Stop()
	}
	if m.broadcast != nil {
		m.broadcast.Stop()
	}
	if m.input != nil {
		m.input.Stop()
	}
	m.discardLocked()

	if running {
		m.log.Info("channels stopped")
		if m.onStopped != nil {
			m.onStopped()
		}
	}
}

func (m *KernelManager) discardLocked() {
	m.command = nil
	m.broadcast = nil
	m.input = nil
}

// ChannelsRunning reports whether all three channels are running. It turns
// false as soon as one of them stops or fails.
func (m *KernelManager) ChannelsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelsRunningLocked()
}

func (m *KernelManager) channelsRunningLocked() bool {
	return m.command != nil && m.command.IsAlive() &&
		m.broadcast != nil && m.broadcast.IsAlive() &&
		m.input != nil && m.input.IsAlive()
}

func (m *KernelManager) anyChannelAliveLocked() bool {
	return (m.command != nil && m.command.IsAlive()) ||
		(m.broadcast != nil && m.broadcast.IsAlive()) ||
		(m.input != nil && m.input.IsAlive())
}

// Shutdown stops the channels and kills the kernel.
func (m *KernelManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopChannelsLocked()
	if m.proc == nil {
		return nil
	}
	err := m.proc.Kill()
	m.proc = nil
	return err
}

// CommandChannel returns the command channel, creating it if needed.
func (m *KernelManager) CommandChannel() *channel.CommandChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commandLocked()
}

// BroadcastChannel returns the broadcast channel, creating it if needed.
func (m *KernelManager) BroadcastChannel() *channel.BroadcastChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcastLocked()
}

// InputChannel returns the input channel, creating it if needed.
func (m *KernelManager) InputChannel() *channel.InputChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputLocked()
}

func (m *KernelManager) commandLocked() *channel.CommandChannel {
	if m.command == nil {
		m.command = channel.NewCommandChannel(m.addressLocked("command"), m.session, m.chanOpts)
		m.command.SetErrorHandler(m.channelFailed("command"))
	}
	return m.command
}

func (m *KernelManager) broadcastLocked() *channel.BroadcastChannel {
	if m.broadcast == nil {
		m.broadcast = channel.NewBroadcastChannel(m.addressLocked("broadcast"), m.session, m.chanOpts)
		m.broadcast.SetErrorHandler(m.channelFailed("broadcast"))
	}
	return m.broadcast
}

func (m *KernelManager) inputLocked() *channel.InputChannel {
	if m.input == nil {
		m.input = channel.NewInputChannel(m.addressLocked("input"), m.session, m.chanOpts)
		m.input.SetErrorHandler(m.channelFailed("input"))
	}
	return m.input
}

func (m *KernelManager) channelFailed(name string) func(error) {
	return func(err error) {
		m.log.Error("channel failed", "channel", name, "error", err)
		if m.onError != nil {
			m.onError(name, err)
		}
	}
}
