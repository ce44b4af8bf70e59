//go:build windows

package runner

import "os/exec"

func shellCommand(commandLine string) (string, []string) {
	return "cmd", []string{"/C", commandLine}
}

func configureProcess(*exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
