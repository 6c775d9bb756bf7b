//go:build unix

package process

import (
	"errors"
	"syscall"
)

// signalGroup delivers sig to the whole group led by pid, so helpers the
// engine spawned stop with it. A group that is already gone is not an error.
func signalGroup(pid int, sig stopSignal) error {
	s := syscall.SIGTERM
	if sig == stopKill {
		s = syscall.SIGKILL
	}
	if err := syscall.Kill(-pid, s); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
