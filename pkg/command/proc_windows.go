//go:build windows

package command

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {}

func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
