package conversation

// State is the position of a conversation in the run state machine.
type State string

const (
	StateIdle           State = "idle"
	StateSubmitted      State = "submitted"
	StatePolling        State = "polling"
	StateRequiresAction State = "requires_action"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// Busy reports whether a run is in flight.
func (s State) Busy() bool {
	switch s {
	case StateSubmitted, StatePolling, StateRequiresAction:
		return true
	default:
		return false
	}
}
