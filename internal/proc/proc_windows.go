//go:build windows

package proc

import (
	"os"
	"os/exec"
)

// SetProcAttr is a no-op on Windows.
// Windows uses job objects instead of POSIX process groups.
// Context cancellation adequately handles process termination on Windows.
func SetProcAttr(cmd *exec.Cmd) {
	// No-op on Windows
}

// processExists checks if a process with the given PID exists.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

// terminateProcess kills the direct child process. Windows has no
// SIGTERM equivalent for console processes spawned this way.
func terminateProcess(pid int) error {
	return killProcess(pid)
}

// killProcess kills the direct child process.
func killProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
