package adaround

import "fmt"

// State is a layer's position in the calibration lifecycle. Transitions only
// ever move forward: Float → Observing → Tuning → Committed.
type State uint8

const (
	StateFloat State = iota
	StateObserving
	StateTuning
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateFloat:
		return "float"
	case StateObserving:
		return "observing"
	case StateTuning:
		return "tuning"
	case StateCommitted:
		return "committed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := StateFloat; c <= StateCommitted; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}
