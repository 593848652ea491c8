// Package process finds and cleans up kernel processes left behind by a
// controller that crashed before it could kill them.
package process

import (
	"errors"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/zhubert/plural-kernel/logger"
)

// kernelPattern matches the command line of a kernel started by
// ExecLauncher.
const kernelPattern = "plural-kernel.* kernel .*--parent"

// KernelProcess is a kernel process found on the system.
type KernelProcess struct {
	PID     int    // Process ID
	Parent  int    // Controller PID from the --parent flag, 0 if absent
	Command string // Full command line
}

// Commands the package shells out to. Tests replace them.
var (
	listKernels = pgrepKernels
	processArgs = psArgs
	isRunning   = pidRunning
)

// FindKernelProcesses finds all running kernel processes on the system.
func FindKernelProcesses() ([]KernelProcess, error) {
	var processes []KernelProcess
	log := logger.WithComponent("process")

	pids, err := listKernels()
	if err != nil {
		return nil, err
	}
	for _, pid := range pids {
		cmdLine, err := processArgs(pid)
		if err != nil {
			// Exited between the two lookups.
			continue
		}
		processes = append(processes, KernelProcess{
			PID:     pid,
			Parent:  extractParentPID(cmdLine),
			Command: cmdLine,
		})
	}

	log.Debug("found kernel processes", "count", len(processes))
	return processes, nil
}

func pgrepKernels() ([]int, error) {
	switch runtime.GOOS {
	case "darwin", "linux":
	default:
		return nil, nil
	}

	output, err := exec.Command("pgrep", "-f", kernelPattern).Output()
	if err != nil {
		// pgrep returns exit code 1 if no processes found
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}

	var pids []int
	for _, field := range strings.Fields(string(output)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func psArgs(pid int) (string, error) {
	output, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "args=").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

func pidRunning(pid int) bool {
	return exec.Command("ps", "-p", strconv.Itoa(pid)).Run() == nil
}

// extractParentPID returns the value of --parent in a kernel command line.
func extractParentPID(cmdLine string) int {
	_, after, ok := strings.Cut(cmdLine, "--parent")
	if !ok {
		return 0
	}
	fields := strings.Fields(strings.TrimLeft(after, " ="))
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return pid
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		cmd := exec.Command("kill", "-9", strconv.Itoa(pid))
		return cmd.Run()
	case "windows":
		cmd := exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid))
		return cmd.Run()
	}
	return nil
}

// FindOrphanedKernels finds kernels whose controller is no longer running.
// Kernels without a --parent flag are never reported.
func FindOrphanedKernels() ([]KernelProcess, error) {
	all, err := FindKernelProcesses()
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []KernelProcess
	for _, proc := range all {
		if proc.Parent == 0 || isRunning(proc.Parent) {
			continue
		}
		orphans = append(orphans, proc)
		log.Info("found orphaned kernel", "pid", proc.PID, "parent", proc.Parent)
	}
	return orphans, nil
}

// CleanupOrphanedKernels kills every orphaned kernel and returns how many
// were killed.
func CleanupOrphanedKernels() (int, error) {
	orphans, err := FindOrphanedKernels()
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned kernel", "pid", proc.PID)
		if err := KillProcess(proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}
