//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// isolate gives the engine its own process group and asks the kernel to
// SIGTERM it if opcode dies first.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGTERM}
}
