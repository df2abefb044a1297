//go:build !windows

package ffprobe

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the subprocess in its own process group so a timeout
// kill reaches any children ffprobe may have spawned.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
