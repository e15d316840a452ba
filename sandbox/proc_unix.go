//go:build linux || darwin

package sandbox

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime/debug"
	"syscall"

	"golang.org/x/sys/unix"
)

const maxOpenFiles = 64

// applyLimits sets the kernel resource limits of the worker before any
// untrusted code runs. The address-space cap is only applied to Python:
// the Go runtime reserves far more virtual memory than it uses, so the
// JavaScript worker is held by a soft heap limit and the RSS watchdog.
func applyLimits(spec WorkerSpec) error {
	if spec.CPUSeconds > 0 {
		cpu := uint64(spec.CPUSeconds)
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: cpu, Max: cpu + 1}); err != nil {
			return fmt.Errorf("RLIMIT_CPU: %w", err)
		}
	}
	if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("RLIMIT_FSIZE: %w", err)
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: maxOpenFiles, Max: maxOpenFiles}); err != nil {
		return fmt.Errorf("RLIMIT_NOFILE: %w", err)
	}
	if spec.MemoryBytes <= 0 {
		return nil
	}
	if spec.Language == LanguagePython {
		mem := uint64(spec.MemoryBytes)
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: mem, Max: mem}); err != nil {
			return fmt.Errorf("RLIMIT_AS: %w", err)
		}
		return nil
	}
	debug.SetMemoryLimit(spec.MemoryBytes)
	return nil
}

// execPython replaces the worker with the interpreter. The limits applied
// by applyLimits survive the exec.
func execPython(interpreter string) error {
	if interpreter == "" {
		interpreter = "python3"
	}
	path, err := exec.LookPath(interpreter)
	if err != nil {
		return err
	}
	return unix.Exec(path, pythonArgs(path), []string{workerPath})
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the worker and everything it spawned.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// signalOf returns the signal that terminated the process, if any.
func signalOf(err error) (string, bool) {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return "", false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return "", false
	}
	switch status.Signal() {
	case syscall.SIGXCPU:
		return KindCPULimit, true
	case syscall.SIGKILL:
		return "SIGKILL", true
	default:
		return status.Signal().String(), true
	}
}
