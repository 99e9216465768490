package domain

import (
	"fmt"
	"time"
)

// Phase is a state of the Observe/Orient/Decide/Act loop.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseObserving Phase = "Observing"
	PhaseOrienting Phase = "Orienting"
	PhaseDeciding  Phase = "Deciding"
	PhaseActing    Phase = "Acting"
	PhaseCompleted Phase = "Completed"
	PhaseFailed    Phase = "Failed"
)

var allowedTransitions = map[Phase][]Phase{
	PhaseIdle:      {PhaseObserving},
	PhaseObserving: {PhaseOrienting},
	PhaseOrienting: {PhaseDeciding},
	PhaseDeciding:  {PhaseActing},
	PhaseActing:    {PhaseCompleted},
}

// Step returns the verb form used in timeout reasons, e.g. Decide.
func (p Phase) Step() string {
	switch p {
	case PhaseObserving:
		return "Observe"
	case PhaseOrienting:
		return "Orient"
	case PhaseDeciding:
		return "Decide"
	case PhaseActing:
		return "Act"
	}
	return string(p)
}

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// CanTransition reports whether from -> to is allowed. Any non-terminal
// phase may fail.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidStateTransition for a forbidden move.
func ValidateTransition(from, to Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	return nil
}

// LoopState is the per-cycle state owned by one decision loop.
type LoopState struct {
	CycleID        string                  `json:"cycle_id"`
	Symbol         string                  `json:"symbol"`
	Phase          Phase                   `json:"phase"`
	PhaseEnteredAt map[Phase]time.Time     `json:"phase_entered_at"`
	PhaseDurations map[Phase]time.Duration `json:"phase_durations"`
	StartedAt      time.Time               `json:"started_at"`
	Elapsed        time.Duration           `json:"elapsed"`
	LastError      string                  `json:"last_error,omitempty"`
	FailureReason  string                  `json:"failure_reason,omitempty"`
}

// Clone copies the maps so readers never share them with the writer.
func (s LoopState) Clone() LoopState {
	c := s
	c.PhaseEnteredAt = make(map[Phase]time.Time, len(s.PhaseEnteredAt))
	for k, v := range s.PhaseEnteredAt {
		c.PhaseEnteredAt[k] = v
	}
	c.PhaseDurations = make(map[Phase]time.Duration, len(s.PhaseDurations))
	for k, v := range s.PhaseDurations {
		c.PhaseDurations[k] = v
	}
	return c
}
