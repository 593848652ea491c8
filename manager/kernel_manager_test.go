package manager

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/zhubert/plural-kernel/channel"
	"github.com/zhubert/plural-kernel/kernel"
	"github.com/zhubert/plural-kernel/message"
)

func TestStartKernel_ResolvesPorts(t *testing.T) {
	fl := newFakeLauncher()
	m := New(WithLauncher(fl))

	if err := m.StartKernel(context.Background(), LaunchOptions{Command: "k"}); err != nil {
		t.Fatalf("StartKernel failed: %v", err)
	}

	want := kernel.Ports{Command: 5001, Broadcast: 5002, Input: 5003}
	if got := m.Ports(); got != want {
		t.Errorf("Ports() = %+v, want %+v", got, want)
	}
	if got := m.CommandChannel().Address(); got != channel.LocalAddress(5001) {
		t.Errorf("command address = %v, want port 5001", got)
	}
	if got := m.BroadcastChannel().Address().Port; got != 5002 {
		t.Errorf("broadcast port = %d, want 5002", got)
	}
	if got := m.InputChannel().Address().Port; got != 5003 {
		t.Errorf("input port = %d, want 5003", got)
	}

	specs := fl.launches()
	if len(specs) != 1 {
		t.Fatalf("launches = %d, want 1", len(specs))
	}
	if specs[0].Ports != (kernel.Ports{}) {
		t.Errorf("launch ports = %+v, want all zero", specs[0].Ports)
	}
	if specs[0].Host != channel.LocalHost {
		t.Errorf("launch host = %q, want %q", specs[0].Host, channel.LocalHost)
	}
	if !m.HasKernel() {
		t.Error("HasKernel() = false after StartKernel")
	}
}

func TestStartKernel_KeepsConfiguredPorts(t *testing.T) {
	fl := newFakeLauncher()
	m := New(WithLauncher(fl), WithAddresses("localhost", kernel.Ports{Command: 7001}))

	if err := m.StartKernel(context.Background(), LaunchOptions{}); err != nil {
		t.Fatalf("StartKernel failed: %v", err)
	}

	want := kernel.Ports{Command: 7001, Broadcast: 5002, Input: 5003}
	if got := m.Ports(); got != want {
		t.Errorf("Ports() = %+v, want %+v", got, want)
	}
	if got := fl.launches()[0].Host; got != "localhost" {
		t.Errorf("launch host = %q, want localhost", got)
	}
}

func TestStartKernel_NonLoopbackHost(t *testing.T) {
	fl := newFakeLauncher()
	m := New(WithLauncher(fl), WithAddresses("10.1.2.3", kernel.Ports{}))

	err := m.StartKernel(context.Background(), LaunchOptions{})
	var cfgErr *channel.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("StartKernel error = %v, want *channel.ConfigError", err)
	}
	if cfgErr.Field != "host" {
		t.Errorf("ConfigError.Field = %q, want host", cfgErr.Field)
	}
	if n := len(fl.launches()); n != 0 {
		t.Errorf("launches = %d, want 0", n)
	}
	if m.HasKernel() {
		t.Error("HasKernel() = true after rejected start")
	}
}

func TestStartKernel_AlreadyRunning(t *testing.T) {
	fl := newFakeLauncher()
	m := New(WithLauncher(fl))
	ctx := context.Background()

	if err := m.StartKernel(ctx, LaunchOptions{}); err != nil {
		t.Fatalf("StartKernel failed: %v", err)
	}
	if err := m.StartKernel(ctx, LaunchOptions{}); !errors.Is(err, ErrKernelRunning) {
		t.Errorf("second StartKernel error = %v, want ErrKernelRunning", err)
	}

	// Once the kernel has exited a new one may be started.
	fl.process(0).exit()
	if err := m.StartKernel(ctx, LaunchOptions{}); err != nil {
		t.Errorf("StartKernel after exit failed: %v", err)
	}
	if n := len(fl.launches()); n != 2 {
		t.Errorf("launches = %d, want 2", n)
	}
}

func TestStartKernel_LaunchFailure(t *testing.T) {
	fl := newFakeLauncher()
	fl.err = errors.New("no such binary")
	m := New(WithLauncher(fl))

	err := m.StartKernel(context.Background(), LaunchOptions{})
	if err == nil || !strings.Contains(err.Error(), "no such binary") {
		t.Fatalf("StartKernel error = %v, want launch failure", err)
	}
	if m.HasKernel() {
		t.Error("HasKernel() = true after failed launch")
	}
	if err := m.RestartKernel(context.Background()); !errors.Is(err, ErrNeverStarted) {
		t.Errorf("RestartKernel error = %v, want ErrNeverStarted", err)
	}
}

func TestStartChannels_UnresolvedPort(t *testing.T) {
	m := New(WithLauncher(newFakeLauncher()))

	err := m.StartChannels()
	var cfgErr *channel.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("StartChannels error = %v, want *channel.ConfigError", err)
	}
	if cfgErr.Field != "port" {
		t.Errorf("ConfigError.Field = %q, want port", cfgErr.Field)
	}
	if m.ChannelsRunning() {
		t.Error("ChannelsRunning() = true after rejected start")
	}
}

func TestStartChannels_PartiallyResolved(t *testing.T) {
	m := New(WithAddresses(channel.LocalHost, kernel.Ports{Command: 5001, Broadcast: 5002}))

	err := m.StartChannels()
	var cfgErr *channel.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("StartChannels error = %v, want *channel.ConfigError", err)
	}
	if cfgErr.Channel != "input" {
		t.Errorf("ConfigError.Channel = %q, want input", cfgErr.Channel)
	}
	if m.ChannelsRunning() {
		t.Error("ChannelsRunning() = true after rejected start")
	}
}

func TestStartChannels_DialFailureRollsBack(t *testing.T) {
	// Nothing listens on the fake launcher's ports.
	var stopped atomic.Int32
	m := New(WithLauncher(newFakeLauncher()), WithChannelHooks(nil, func() { stopped.Add(1) }),
		WithChannelOptions(channel.Options{DialTimeout: 200 * time.Millisecond}))
	if err := m.StartKernel(context.Background(), LaunchOptions{}); err != nil {
		t.Fatalf("StartKernel failed: %v", err)
	}

	err := m.StartChannels()
	var tErr *channel.TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("StartChannels error = %v, want *channel.TransportError", err)
	}
	if m.ChannelsRunning() {
		t.Error("ChannelsRunning() = true after failed start")
	}
	if stopped.Load() != 0 {
		t.Errorf("stopped hook ran %d times, want 0", stopped.Load())
	}
}

func TestKillKernel(t *testing.T) {
	fl := newFakeLauncher()
	m := New(WithLauncher(fl))
	if err := m.StartKernel(context.Background(), LaunchOptions{}); err != nil {
		t.Fatalf("StartKernel failed: %v", err)
	}

	if err := m.KillKernel(); err != nil {
		t.Fatalf("KillKernel failed: %v", err)
	}
	if !fl.process(0).wasKilled() {
		t.Error("process was not killed")
	}
	if m.HasKernel() {
		t.Error("HasKernel() = true after KillKernel")
	}
	if err := m.SignalKernel(os.Interrupt); !errors.Is(err, ErrNoKernel) {
		t.Errorf("SignalKernel error = %v, want ErrNoKernel", err)
	}
	if err := m.KillKernel(); !errors.Is(err, ErrNoKernel) {
		t.Errorf("second KillKernel error = %v, want ErrNoKernel", err)
	}
}

func TestSignalKernel(t *testing.T) {
	fl := newFakeLauncher()
	m := New(WithLauncher(fl))

	if err := m.SignalKernel(os.Interrupt); !errors.Is(err, ErrNoKernel) {
		t.Errorf("SignalKernel before start error = %v, want ErrNoKernel", err)
	}
	if err := m.StartKernel(context.Background(), LaunchOptions{}); err != nil {
		t.Fatalf("StartKernel failed: %v", err)
	}
	if err := m.SignalKernel(syscall.SIGTERM); err != nil {
		t.Fatalf("SignalKernel failed: %v", err)
	}

	p := fl.process(0)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !slices.Equal(p.signals, []os.Signal{syscall.SIGTERM}) {
		t.Errorf("signals = %v, want [SIGTERM]", p.signals)
	}
}

func TestIsAlive(t *testing.T) {
	fl := newFakeLauncher()
	m := New(WithLauncher(fl))

	if !m.IsAlive() {
		t.Error("IsAlive() = false without a kernel handle, want true")
	}
	if err := m.StartKernel(context.Background(), LaunchOptions{}); err != nil {
		t.Fatalf("StartKernel failed: %v", err)
	}
	if !m.IsAlive() {
		t.Error("IsAlive() = false for a running kernel")
	}

	fl.process(0).exit()
	if m.IsAlive() {
		t.Error("IsAlive() = true after the kernel exited")
	}
	if !m.HasKernel() {
		t.Error("HasKernel() = false for an exited but unkilled kernel")
	}
}

func TestRestartKernel_NeverStarted(t *testing.T) {
	m := New(WithLauncher(newFakeLauncher()))
	if err := m.RestartKernel(context.Background()); !errors.Is(err, ErrNeverStarted) {
		t.Errorf("RestartKernel error = %v, want ErrNeverStarted", err)
	}
}

func TestRestartKernel_ReusesPortsAndOptions(t *testing.T) {
	fl := newFakeLauncher()
	m := New(WithLauncher(fl))
	ctx := context.Background()
	opts := LaunchOptions{Command: "my-kernel", Args: []string{"kernel", "--debug"}}

	if err := m.StartKernel(ctx, opts); err != nil {
		t.Fatalf("StartKernel failed: %v", err)
	}
	resolved := m.Ports()

	if err := m.RestartKernel(ctx); err != nil {
		t.Fatalf("RestartKernel failed: %v", err)
	}

	specs := fl.launches()
	if len(specs) != 2 {
		t.Fatalf("launches = %d, want 2", len(specs))
	}
	if specs[1].Ports != resolved {
		t.Errorf("restart ports = %+v, want %+v", specs[1].Ports, resolved)
	}
	if specs[1].Command != "my-kernel" || !slices.Equal(specs[1].Args, opts.Args) {
		t.Errorf("restart options = %+v, want %+v", specs[1].LaunchOptions, opts)
	}
	if !fl.process(0).wasKilled() {
		t.Error("first kernel was not killed on restart")
	}
	if !m.HasKernel() || !m.IsAlive() {
		t.Error("restarted kernel should be owned and alive")
	}
}

func TestRestartKernel_AfterKill(t *testing.T) {
	fl := newFakeLauncher()
	m := New(WithLauncher(fl))
	ctx := context.Background()

	if err := m.StartKernel(ctx, LaunchOptions{}); err != nil {
		t.Fatalf("StartKernel failed: %v", err)
	}
	if err := m.KillKernel(); err != nil {
		t.Fatalf("KillKernel failed: %v", err)
	}
	if err := m.RestartKernel(ctx); err != nil {
		t.Fatalf("RestartKernel failed: %v", err)
	}
	if !m.HasKernel() {
		t.Error("HasKernel() = false after restart")
	}
}

func TestStopChannels_NotStarted(t *testing.T) {
	var stopped atomic.Int32
	m := New(WithChannelHooks(nil, func() { stopped.Add(1) }))

	m.StopChannels()
	if stopped.Load() != 0 {
		t.Errorf("stopped hook ran %d times for idle channels, want 0", stopped.Load())
	}
	if err := m.Shutdown(); err != nil {
		t.Errorf("Shutdown without kernel failed: %v", err)
	}
}

// startInProcess starts an in-process kernel and its channels.
func startInProcess(t *testing.T, opts ...Option) *KernelManager {
	t.Helper()
	l := NewInProcessLauncher()
	l.Options.AbortPollInterval = 20 * time.Millisecond
	m := New(append([]Option{WithLauncher(l)}, opts...)...)

	if err := m.StartKernel(context.Background(), LaunchOptions{}); err != nil {
		t.Fatalf("StartKernel failed: %v", err)
	}
	t.Cleanup(func() { m.Shutdown() })
	return m
}

func getMsg(t *testing.T, c *channel.Collector, want message.Type) *message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		m, err := c.Get(ctx)
		if err != nil {
			t.Fatalf("timed out waiting for %s", want)
		}
		if m.Type == want {
			return m
		}
	}
}

func TestKernelManager_InProcessRoundTrip(t *testing.T) {
	var started, stopped atomic.Int32
	m := startInProcess(t, WithChannelHooks(func() { started.Add(1) }, func() { stopped.Add(1) }))

	ports := m.Ports()
	if !ports.Resolved() {
		t.Fatalf("Ports() = %+v, want every port resolved", ports)
	}

	replies := channel.NewCollector()
	broadcasts := channel.NewCollector()
	in := m.InputChannel()
	m.CommandChannel().SetHandler(replies)
	m.BroadcastChannel().SetHandler(broadcasts)
	in.Handle(message.TypeInputRequest, channel.HandlerFunc(func(req *message.Message) {
		if err := in.Input("42"); err != nil {
			t.Errorf("Input failed: %v", err)
		}
	}))

	if err := m.StartChannels(); err != nil {
		t.Fatalf("StartChannels failed: %v", err)
	}
	if started.Load() != 1 {
		t.Errorf("started hook ran %d times, want 1", started.Load())
	}
	if !m.ChannelsRunning() {
		t.Error("ChannelsRunning() = false after StartChannels")
	}

	id, err := m.CommandChannel().Execute("input \"? \" -> x\nx + \"!\"", false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	reply := getMsg(t, replies, message.TypeExecuteReply)
	if reply.ParentID() != id {
		t.Errorf("reply parent = %q, want %q", reply.ParentID(), id)
	}
	if reply.Status() != message.StatusOK {
		t.Errorf("reply status = %q, want ok", reply.Status())
	}

	pyout := getMsg(t, broadcasts, message.TypePyout)
	var out message.Pyout
	if err := pyout.Decode(&out); err != nil {
		t.Fatalf("Decode pyout failed: %v", err)
	}
	if out.Data != `"42!"` {
		t.Errorf("pyout data = %q, want %q", out.Data, `"42!"`)
	}
	if pyout.ParentID() != id {
		t.Errorf("pyout parent = %q, want %q", pyout.ParentID(), id)
	}

	m.StopChannels()
	if m.ChannelsRunning() {
		t.Error("ChannelsRunning() = true after StopChannels")
	}
	if stopped.Load() != 1 {
		t.Errorf("stopped hook ran %d times, want 1", stopped.Load())
	}

	// Fresh channels are created after a stop and connect again.
	if err := m.StartChannels(); err != nil {
		t.Fatalf("second StartChannels failed: %v", err)
	}
	if !m.ChannelsRunning() {
		t.Error("ChannelsRunning() = false after restarting channels")
	}
}

func TestChannelsRunning_OneChannelStopped(t *testing.T) {
	var stopped atomic.Int32
	m := startInProcess(t, WithChannelHooks(nil, func() { stopped.Add(1) }))
	if err := m.StartChannels(); err != nil {
		t.Fatalf("StartChannels failed: %v", err)
	}

	m.InputChannel().Stop()
	if m.InputChannel().IsAlive() {
		t.Fatal("input channel still alive after Stop")
	}
	if !m.CommandChannel().IsAlive() {
		t.Fatal("command channel stopped with the input channel")
	}
	if m.ChannelsRunning() {
		t.Error("ChannelsRunning() = true with the input channel stopped, want false")
	}

	m.StopChannels()
	if stopped.Load() != 1 {
		t.Errorf("stopped hook ran %d times after a partial failure, want 1", stopped.Load())
	}
}

func TestKernelManager_InterruptInProcess(t *testing.T) {
	m := startInProcess(t)

	replies := channel.NewCollector()
	m.CommandChannel().SetHandler(replies)
	if err := m.StartChannels(); err != nil {
		t.Fatalf("StartChannels failed: %v", err)
	}

	if _, err := m.CommandChannel().Execute("sleep 30", false); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	// Give the kernel time to start running the request.
	time.Sleep(100 * time.Millisecond)
	if err := m.SignalKernel(os.Interrupt); err != nil {
		t.Fatalf("SignalKernel failed: %v", err)
	}

	reply := getMsg(t, replies, message.TypeExecuteReply)
	if reply.Status() != message.StatusError {
		t.Errorf("reply status = %q, want error", reply.Status())
	}
	var content message.ExecuteReply
	if err := reply.Decode(&content); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if content.EName != "Interrupted" {
		t.Errorf("ename = %q, want Interrupted", content.EName)
	}
}

func TestKernelManager_RestartInProcess(t *testing.T) {
	m := startInProcess(t)
	before := m.Ports()

	if err := m.RestartKernel(context.Background()); err != nil {
		t.Fatalf("RestartKernel failed: %v", err)
	}
	if got := m.Ports(); got != before {
		t.Errorf("Ports() after restart = %+v, want %+v", got, before)
	}

	replies := channel.NewCollector()
	m.CommandChannel().SetHandler(replies)
	if err := m.StartChannels(); err != nil {
		t.Fatalf("StartChannels after restart failed: %v", err)
	}
	if _, err := m.CommandChannel().Prompt(); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	reply := getMsg(t, replies, message.TypePromptReply)
	var content message.PromptReply
	if err := reply.Decode(&content); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if content.PromptNumber != 1 {
		t.Errorf("prompt_number = %d, want 1 on a fresh kernel", content.PromptNumber)
	}
}

func TestKernelManager_ChannelErrorHandler(t *testing.T) {
	failed := make(chan string, 3)
	m := startInProcess(t, WithChannelErrorHandler(func(name string, err error) {
		failed <- name
	}))
	if err := m.StartChannels(); err != nil {
		t.Fatalf("StartChannels failed: %v", err)
	}

	if err := m.KillKernel(); err != nil {
		t.Fatalf("KillKernel failed: %v", err)
	}

	select {
	case name := <-failed:
		if !slices.Contains([]string{"command", "broadcast", "input"}, name) {
			t.Errorf("failed channel = %q", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no channel reported the lost kernel")
	}
}
