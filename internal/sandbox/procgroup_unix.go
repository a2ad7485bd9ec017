//go:build unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// setupProcessTree starts the child in its own session so the whole tree
// shares one process group, and makes context cancellation kill that group.
func setupProcessTree(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process)
	}
}

// killProcessTree kills the group and ignores errors: the tree may be gone.
func killProcessTree(cmd *exec.Cmd) {
	_ = killGroup(cmd.Process)
}

func killGroup(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	// kill(-1) would signal every process we may signal; kill(0) our own group.
	if p.Pid <= 1 {
		return os.ErrProcessDone
	}
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}
