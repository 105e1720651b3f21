//go:build !windows

package ocrgate

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// prepareCommand 让引擎在独立的进程组里运行, 取消时先给整个进程组发 SIGTERM.
// WaitDelay 到期后 exec 会强制 kill.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
