package manager

import (
	"context"
	"os"

	"github.com/zhubert/plural-kernel/kernel"
)

// DefaultKernelCommand is the executable ExecLauncher runs when LaunchOptions
// names none.
const DefaultKernelCommand = "plural-kernel"

// LaunchOptions describe how to start a kernel process. They are stored by
// StartKernel and reused by RestartKernel.
type LaunchOptions struct {
	// Command is the kernel executable. Empty means DefaultKernelCommand.
	Command string

	// Args come before the address flags. Nil means ["kernel"].
	Args []string

	// Env is added to the inherited environment.
	Env []string

	// Dir is the working directory of the kernel process.
	Dir string
}

// LaunchSpec is everything a Launcher needs to start one kernel.
type LaunchSpec struct {
	LaunchOptions

	Host  string
	Ports kernel.Ports
}

// Launcher starts kernels.
type Launcher interface {
	// Launch starts a kernel bound to spec.Host and spec.Ports and returns
	// once the kernel has reported the ports it actually bound.
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// Process is a handle on a launched kernel.
type Process interface {
	// Ports returns the ports the kernel bound.
	Ports() kernel.Ports

	// Pid returns the operating system process id, or 0 when the kernel
	// runs inside this process.
	Pid() int

	// Signal delivers sig to the kernel.
	Signal(sig os.Signal) error

	// Kill stops the kernel and waits for it to exit.
	Kill() error

	// Exited is closed once the kernel has exited.
	Exited() <-chan struct{}
}

func exited(p Process) bool {
	select {
	case <-p.Exited():
		return true
	default:
		return false
	}
}
