//go:build unix

package transcribe

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts the engine in its own process group and kills the
// whole group on cancellation, so helpers it forked do not outlive it.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
