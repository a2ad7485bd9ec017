//go:build windows

package sandbox

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// setupProcessTree starts the child in a new process group and makes
// context cancellation kill the whole tree through taskkill.
func setupProcessTree(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	cmd.Cancel = func() error {
		return killTree(cmd.Process)
	}
}

func killProcessTree(cmd *exec.Cmd) {
	_ = killTree(cmd.Process)
}

func killTree(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(p.Pid))
	if err := kill.Run(); err != nil {
		// taskkill fails when the process already exited; fall back to the root.
		return terminate(uint32(p.Pid))
	}
	return nil
}

func terminate(pid uint32) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, pid)
	if err != nil {
		return os.ErrProcessDone
	}
	defer windows.CloseHandle(h) //nolint:errcheck
	if err := windows.TerminateProcess(h, 1); err != nil {
		return os.ErrProcessDone
	}
	return nil
}
