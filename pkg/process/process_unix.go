//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setupProcessAttributes configures Unix-specific process attributes: a
// new process group, so a signal to -pid reaches the whole worker tree.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// WaitStatus is a non-blocking wait probe of a direct child. It returns
// (status, true, nil) when the child has been reaped, (_, false, nil)
// while it is still running, and an error when the probe itself fails
// (e.g. the pid is not our child).
func WaitStatus(pid int) (unix.WaitStatus, bool, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return ws, false, err
	}
	if wpid == 0 {
		return ws, false, nil
	}
	return ws, true, nil
}

// SendTermination sends SIGTERM to the process group of pid.
func SendTermination(pid int) error {
	return unix.Kill(-pid, unix.SIGTERM)
}

// KillGroup sends SIGKILL to the process group of pid.
func KillGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}

// IsProcessRunning reports whether a process with the given pid exists.
//
// On Unix, FindProcess always succeeds regardless of whether the process
// exists, so existence is probed with signal 0.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, unix.ESRCH
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if err.Error() == "os: process already finished" {
		return false, nil
	}
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false, err
	}
	switch errno {
	case syscall.ESRCH:
		return false, nil
	case syscall.EPERM:
		return true, nil
	}
	return false, err
}
