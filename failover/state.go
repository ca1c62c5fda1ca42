package failover

import (
	"fmt"
	"time"
)

// State is the lifecycle phase of a failover operation.
type State int

const (
	StateIdle State = iota
	StateDetecting
	StateValidating
	StateInitiating
	StatePromoting
	StateSwitching
	StateVerifying
	StateCompleted
	StateFailed
	StateRollingBack
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StateValidating:
		return "validating"
	case StateInitiating:
		return "initiating"
	case StatePromoting:
		return "promoting"
	case StateSwitching:
		return "switching"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateRollingBack:
		return "rolling-back"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateRollingBack; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown failover state %q", text)
}

// StepStatus is the outcome of one step of a failover operation.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepInProgress
	StepCompleted
	StepFailed
)

// String returns a human-readable representation of the step status.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepInProgress:
		return "in-progress"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s StepStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StepStatus) UnmarshalText(text []byte) error {
	for st := StepPending; st <= StepFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown step status %q", text)
}

// Step records one stage of a failover operation.
type Step struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Operation records one failover attempt end to end: which shard moved,
// between which nodes, and how far each step got.
type Operation struct {
	ID         string    `json:"id"`
	ShardID    string    `json:"shard_id"`
	OldPrimary string    `json:"old_primary,omitempty"`
	NewPrimary string    `json:"new_primary,omitempty"`
	Reason     string    `json:"reason"`
	Manual     bool      `json:"manual,omitempty"`
	State      State     `json:"state"`
	Steps      []*Step   `json:"steps"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (op *Operation) step(name string) *Step {
	for _, st := range op.Steps {
		if st.Name == name {
			return st
		}
	}
	st := &Step{Name: name}
	op.Steps = append(op.Steps, st)
	return st
}

// Duration returns how long the operation ran.
func (op *Operation) Duration() time.Duration {
	if op.FinishedAt.IsZero() {
		return 0
	}
	return op.FinishedAt.Sub(op.StartedAt)
}
