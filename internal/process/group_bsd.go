//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"
)

// isolate gives the engine its own process group. There is no parent death
// signal here, so orphans are only reaped by an explicit cancel.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
