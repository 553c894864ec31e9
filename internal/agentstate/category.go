package agentstate

// Category decides whether a hook state can go stale.
type Category int

const (
	// Transient states describe in-flight activity and expire.
	Transient Category = iota
	// Blocking states wait on the user and persist until replaced.
	Blocking
	// Terminal states describe finished work and persist until replaced.
	Terminal
)

func (c Category) String() string {
	switch c {
	case Blocking:
		return "blocking"
	case Terminal:
		return "terminal"
	default:
		return "transient"
	}
}

// CategoryOf classifies a state name.
func CategoryOf(state string) Category {
	switch state {
	case StateTaskComplete, StateSessionEnded, StateWorkDelivered:
		return Terminal
	case StateAwaitingInput, StateAwaitingApproval, StateNeedsPermission, StateError, StateIdle:
		return Blocking
	default:
		return Transient
	}
}
