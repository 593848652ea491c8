package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/plural-kernel/kernel"
	"github.com/zhubert/plural-kernel/logger"
)

// DefaultStartTimeout bounds how long a launched kernel may take to report
// its ports.
const DefaultStartTimeout = 10 * time.Second

// ExecLauncher runs each kernel as a child process. The child announces its
// ports as one JSON line on stdout; everything else it writes is logged.
type ExecLauncher struct {
	StartTimeout time.Duration
	log          *slog.Logger
}

// NewExecLauncher returns a launcher waiting at most startTimeout for a
// kernel to report its ports. Zero means DefaultStartTimeout.
func NewExecLauncher(startTimeout time.Duration) *ExecLauncher {
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	return &ExecLauncher{
		StartTimeout: startTimeout,
		log:          logger.WithComponent("launcher"),
	}
}

// BuildKernelArgs builds the command line arguments for a kernel process.
// The parent flag lets the kernel exit when this process goes away.
func BuildKernelArgs(spec LaunchSpec) []string {
	args := spec.Args
	if args == nil {
		args = []string{"kernel"}
	}
	args = append(append([]string(nil), args...),
		"--ip", spec.Host,
		"--command-port", strconv.Itoa(spec.Ports.Command),
		"--broadcast-port", strconv.Itoa(spec.Ports.Broadcast),
		"--input-port", strconv.Itoa(spec.Ports.Input),
		"--parent", strconv.Itoa(os.Getpid()),
	)
	return args
}

// Launch starts the kernel process and waits for its ports line.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	command := spec.Command
	if command == "" {
		command = DefaultKernelCommand
	}
	args := BuildKernelArgs(spec)

	l.log.Debug("starting kernel", "command", command+" "+strings.Join(args, " "))
	startTime := time.Now()

	cmd := exec.Command(command, args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start kernel: %w", err)
	}

	p := &execProcess{
		cmd:        cmd,
		log:        l.log.With("pid", cmd.Process.Pid),
		waitDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	portsCh := make(chan kernel.Ports, 1)
	portsErr := make(chan error, 1)

	p.wg.Go(func() { p.readOutput(stdout, portsCh, portsErr) })
	p.wg.Go(func() { p.drainStderr(stderr) })
	go p.monitorExit()

	timer := time.NewTimer(l.StartTimeout)
	defer timer.Stop()

	select {
	case ports := <-portsCh:
		p.ports = ports
		l.log.Info("kernel started", "pid", cmd.Process.Pid, "ports", ports, "elapsed", time.Since(startTime))
		return p, nil
	case err := <-portsErr:
		p.Kill()
		return nil, fmt.Errorf("kernel did not report its ports: %w", err)
	case <-p.waitDone:
		<-p.stderrDone
		return nil, fmt.Errorf("kernel exited during startup: %w%s", p.exitErr(), p.stderrSuffix())
	case <-timer.C:
		p.Kill()
		return nil, fmt.Errorf("kernel did not report its ports within %v", l.StartTimeout)
	case <-ctx.Done():
		p.Kill()
		return nil, ctx.Err()
	}
}

type execProcess struct {
	cmd   *exec.Cmd
	log   *slog.Logger
	ports kernel.Ports

	// waitDone is closed by monitorExit, the only caller of cmd.Wait.
	waitDone   chan struct{}
	stderrDone chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	err     error
	stderrs []string
}

func (p *execProcess) Ports() kernel.Ports {
	return p.ports
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	if exited(p) {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if !exited(p) {
		p.log.Debug("killing kernel")
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	<-p.waitDone
	p.wg.Wait()
	return nil
}

func (p *execProcess) Exited() <-chan struct{} {
	return p.waitDone
}

func (p *execProcess) readOutput(stdout io.Reader, portsCh chan<- kernel.Ports, portsErr chan<- error) {
	scanner := bufio.NewScanner(stdout)
	if scanner.Scan() {
		ports, err := kernel.ParsePorts(scanner.Bytes())
		if err != nil {
			portsErr <- err
		} else {
			portsCh <- ports
		}
	}
	for scanner.Scan() {
		p.log.Debug("kernel stdout", "line", scanner.Text())
	}
}

func (p *execProcess) drainStderr(stderr io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		p.log.Debug("kernel stderr", "line", line)
		p.mu.Lock()
		p.stderrs = append(p.stderrs, line)
		if len(p.stderrs) > 20 {
			p.stderrs = p.stderrs[1:]
		}
		p.mu.Unlock()
	}
}

func (p *execProcess) monitorExit() {
	p.wg.Wait()
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.log.Info("kernel exited", "error", err)
	close(p.waitDone)
}

func (p *execProcess) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		return errors.New("exit status 0")
	}
	return p.err
}

func (p *execProcess) stderrSuffix() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.stderrs) == 0 {
		return ""
	}
	return "\n" + strings.Join(p.stderrs, "\n")
}
