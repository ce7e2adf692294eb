// Package runner wraps external-process invocation behind an interface so
// that the block-device façade, bootloader install step, and filesystem
// finalize step can all be driven by a fake in tests.
package runner

import (
	"os/exec"
	"strings"

	"github.com/rsturla/bootc/internal/logx"
)

// Runner abstracts process execution.
type Runner interface {
	InitCmd(command string, args ...string) *exec.Cmd
	RunCmd(cmd *exec.Cmd) ([]byte, error)
	Run(command string, args ...string) ([]byte, error)
}

// RealRunner executes processes for real via os/exec.
type RealRunner struct {
	Logger *logx.Logger
}

func (r RealRunner) InitCmd(command string, args ...string) *exec.Cmd {
	return exec.Command(command, args...)
}

func (r RealRunner) RunCmd(cmd *exec.Cmd) ([]byte, error) {
	return cmd.CombinedOutput()
}

func (r RealRunner) Run(command string, args ...string) ([]byte, error) {
	cmd := r.InitCmd(command, args...)
	if r.Logger != nil {
		r.Logger.Debugf("running: %s %s", command, strings.Join(args, " "))
	}
	return r.RunCmd(cmd)
}
