//go:build windows

package process

import "os"

// exitDetails reports the exit code for a finished process. Windows has no
// signal deaths.
func exitDetails(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	return state.ExitCode(), ""
}
