package service

import "fmt"

// State is the lifecycle state of an Instance.
type State int

const (
	StateUnknown State = iota
	StateStopped
	StateStarting
	StateRunning
	StateBackoff
	StateStopping
	StateExited
	StateFatal
)

var states = []State{
	StateStopped,
	StateStarting,
	StateRunning,
	StateBackoff,
	StateStopping,
	StateExited,
	StateFatal,
}

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateBackoff:
		return "BACKOFF"
	case StateStopping:
		return "STOPPING"
	case StateExited:
		return "EXITED"
	case StateFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for _, st := range states {
		if st.String() == s {
			return st, true
		}
	}
	return StateUnknown, false
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	st, ok := ParseState(string(b))
	if !ok {
		return fmt.Errorf("unknown state %q", b)
	}
	*s = st
	return nil
}
