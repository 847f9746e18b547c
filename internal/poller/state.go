package poller

// State is the lifecycle state of one data type's poller.
//
//	Idle → Scheduled → Firing → Scheduled → ...
//	Scheduled ⇄ Paused, Scheduled ⇄ Disabled, any → Stopped
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateFiring
	StatePaused
	StateDisabled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateFiring:
		return "firing"
	case StatePaused:
		return "paused"
	case StateDisabled:
		return "disabled"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
