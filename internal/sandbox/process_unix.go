//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup gives the child its own process group so stop, continue,
// and kill reach every process the player spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}

func stopGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGSTOP)
}

func continueGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGCONT)
}

func killGroup(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGKILL)
}
