package remote

// State is the lifecycle state of one endpoint's remote server.
type State string

const (
	StateUnconnected State = "unconnected"
	StateConnected   State = "connected"
	StateInstalled   State = "installed"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
)

// stateRank orders states by lifecycle progress. Stopped ranks past Installed
// so a stopped server is never reinstalled on restart.
func stateRank(s State) int {
	switch s {
	case StateConnected:
		return 1
	case StateInstalled:
		return 2
	case StateRunning:
		return 3
	case StateStopped:
		return 4
	default:
		return 0
	}
}

// atLeastInstalled reports whether the server binary is already in place.
func atLeastInstalled(s State) bool {
	return stateRank(s) >= stateRank(StateInstalled)
}
