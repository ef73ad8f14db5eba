package server

// State is the lifecycle state of a Server.
type State int

const (
	// StateInitialized means New assembled the server and Start was not
	// called yet.
	StateInitialized State = iota

	// StateRunning means the event loop runs and the transport is bound.
	StateRunning

	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// CanStart returns true if Start can be called in this state.
func (s State) CanStart() bool { return s == StateInitialized }

// CanStop returns true if Stop can be called in this state.
func (s State) CanStop() bool { return s == StateRunning }
