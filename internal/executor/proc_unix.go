//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcAttrs gives the child its own process group and wires the
// context cancel to a group-wide SIGKILL so stragglers die with their parent.
func configureProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
