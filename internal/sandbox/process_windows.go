//go:build windows

package sandbox

import (
	"os/exec"

	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
)

func setProcessGroup(cmd *exec.Cmd) {}

// Windows has no stop/continue signals; pause and resume degrade and the
// match runs without per-turn freezing.
func stopGroup(cmd *exec.Cmd) error {
	return arbiterErrors.ErrUnsupported
}

func continueGroup(cmd *exec.Cmd) error {
	return arbiterErrors.ErrUnsupported
}

func killGroup(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}
