package process

// stopSignal is the platform-neutral form of the two signals the supervisor
// sends: a polite request to exit and a forced kill.
type stopSignal int

const (
	stopTerm stopSignal = iota
	stopKill
)

func (s stopSignal) String() string {
	if s == stopKill {
		return "SIGKILL"
	}
	return "SIGTERM"
}
