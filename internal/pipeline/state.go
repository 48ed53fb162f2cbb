// SPDX-License-Identifier: MPL-2.0

package pipeline

import "fmt"

const (
	// StatePending is a stage that has not started.
	StatePending State = iota
	// StateRunning is a stage being built.
	StateRunning
	// StateCommitted is a stage whose image exists (terminal state).
	StateCommitted
	// StateFailed is a stage whose build failed (terminal state).
	StateFailed
)

// State is a stage's lifecycle state.
type State int32

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{StatePending, StateRunning, StateCommitted, StateFailed} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown stage state %q", b)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// canTransition allows pending -> running -> committed | failed.
func (s State) canTransition(to State) bool {
	switch s {
	case StatePending:
		return to == StateRunning
	case StateRunning:
		return to == StateCommitted || to == StateFailed
	default:
		return false
	}
}
