//go:build windows

package ocrgate

import "os/exec"

// Windows 没有 SIGTERM, 直接结束进程
func prepareCommand(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}

func killGroup(cmd *exec.Cmd) {}
