//go:build linux

package proc

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so signals
// aimed at it do not stray to the parent, and grandchildren go down
// with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}
