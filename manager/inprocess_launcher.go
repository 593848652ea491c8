package manager

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/zhubert/plural-kernel/kernel"
	"github.com/zhubert/plural-kernel/logger"
	"github.com/zhubert/plural-kernel/shell"
)

// InProcessLauncher runs each kernel inside this process. LaunchOptions are
// ignored apart from the address.
type InProcessLauncher struct {
	// NewShell returns the shell for a new kernel. Nil means the built-in
	// line shell.
	NewShell func() kernel.Shell

	// Options are the base kernel options; host and ports come from the
	// launch spec.
	Options kernel.Options
}

// NewInProcessLauncher returns a launcher running the built-in shell with
// default kernel options.
func NewInProcessLauncher() *InProcessLauncher {
	return &InProcessLauncher{Options: kernel.DefaultOptions()}
}

func (l *InProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sh kernel.Shell
	if l.NewShell != nil {
		sh = l.NewShell()
	} else {
		sh = shell.New()
	}

	opts := l.Options
	opts.Host = spec.Host
	opts.Ports = spec.Ports
	k, err := kernel.New(sh, opts)
	if err != nil {
		return nil, err
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	p := &inProcess{kernel: k, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		if err := k.Serve(serveCtx); err != nil {
			logger.WithComponent("launcher").Error("in-process kernel failed", "error", err)
		}
	}()
	return p, nil
}

type inProcess struct {
	kernel *kernel.Kernel
	cancel context.CancelFunc
	done   chan struct{}
}

// Kernel returns the running kernel.
func (p *inProcess) Kernel() *kernel.Kernel {
	return p.kernel
}

func (p *inProcess) Ports() kernel.Ports {
	return p.kernel.Ports()
}

func (p *inProcess) Pid() int {
	return 0
}

// Signal maps os.Interrupt to an interrupt of the running request and
// SIGTERM or SIGKILL to Kill.
func (p *inProcess) Signal(sig os.Signal) error {
	if exited(p) {
		return os.ErrProcessDone
	}
	switch sig {
	case os.Interrupt:
		p.kernel.Interrupt()
		return nil
	case syscall.SIGTERM, os.Kill:
		return p.Kill()
	}
	return fmt.Errorf("signal %v is not supported by in-process kernels", sig)
}

func (p *inProcess) Kill() error {
	p.cancel()
	p.kernel.Close()
	<-p.done
	return nil
}

func (p *inProcess) Exited() <-chan struct{} {
	return p.done
}
