//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

func shellCommand(commandLine string) (string, []string) {
	return "/bin/sh", []string{"-c", commandLine}
}

// configureProcess puts the shell in its own process group so that stopping
// it also stops the commands it spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}
