//go:build unix

package shell

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes cancellation kill the whole pipeline, not just the shell.
// Without it a killed "bash -c 'a | b'" leaves b holding the output pipes open.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
