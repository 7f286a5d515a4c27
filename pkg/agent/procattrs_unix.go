//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// setProcAttrs gives the command its own process group so a timeout
// kill takes its children with it.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
