//go:build !windows

package process

import (
	"os"
	"syscall"
)

// exitDetails reports the exit code and signal name for a finished process.
// Signal deaths map to 128+signal like a shell would report them.
func exitDetails(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return state.ExitCode(), ""
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal()), ws.Signal().String()
	}
	return ws.ExitStatus(), ""
}
