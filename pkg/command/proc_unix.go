//go:build !windows

package command

import (
	"os/exec"
	"syscall"
)

// setProcAttr places the child in its own process group so a kill
// reaches any grandchildren (pip spawning compilers, git spawning
// remote helpers).
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if err == syscall.ESRCH {
			return
		}
		// Group kill failed; fall back to the process itself.
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
