//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"
)

func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// signalGroup maps the stop signals onto taskkill over the process tree.
// Without /F taskkill posts WM_CLOSE, the nearest thing to SIGTERM.
func signalGroup(pid int, sig stopSignal) error {
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if sig == stopKill {
		args = append([]string{"/F"}, args...)
	}
	return exec.Command("taskkill", args...).Run()
}
