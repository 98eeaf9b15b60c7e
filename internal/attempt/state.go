// Package attempt holds the mutable state of one exam attempt, the pure
// reducer over student actions and the Store that owns phase transitions and
// the session cache.
package attempt

import (
	"errors"
	"fmt"
	"sort"
)

// Phase is the lifecycle stage of an attempt.
type Phase string

const (
	PhaseCreated    Phase = "created"
	PhaseActive     Phase = "active"
	PhaseSuspended  Phase = "suspended"
	PhaseSubmitting Phase = "submitting"
	PhaseSubmitted  Phase = "submitted"
	PhaseExpired    Phase = "expired"
	PhaseAborted    Phase = "aborted"
)

// Terminal reports whether no transition may leave p.
func (p Phase) Terminal() bool {
	return p == PhaseSubmitted || p == PhaseAborted
}

var transitions = map[Phase][]Phase{
	PhaseCreated:    {PhaseActive},
	PhaseActive:     {PhaseSuspended, PhaseExpired, PhaseSubmitting},
	PhaseSuspended:  {PhaseActive, PhaseExpired, PhaseSubmitting},
	PhaseExpired:    {PhaseSubmitting},
	PhaseSubmitting: {PhaseSubmitted, PhaseAborted},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

var (
	ErrNotActive         = errors.New("attempt is not active")
	ErrUnknownQuestion   = errors.New("unknown question")
	ErrUnknownOption     = errors.New("unknown option")
	ErrIndexOutOfRange   = errors.New("question index out of range")
	ErrNegativeDelta     = errors.New("time delta must not be negative")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrSnapshotMismatch  = errors.New("snapshot belongs to another attempt")
)

func invalidTransition(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// State is the attempt's mutable data. Values returned by the Store are
// copies; mutating them has no effect on the attempt.
type State struct {
	Phase            Phase
	Answers          map[string]string
	Flagged          map[string]struct{}
	TimeSpent        map[string]int
	CurrentIndex     int
	RemainingSeconds int
	ViolationCount   int
}

// NewState returns an empty state in PhaseCreated.
func NewState(durationSeconds int) State {
	return State{
		Phase:            PhaseCreated,
		Answers:          make(map[string]string),
		Flagged:          make(map[string]struct{}),
		TimeSpent:        make(map[string]int),
		RemainingSeconds: durationSeconds,
	}
}

// Clone deep-copies s.
func (s State) Clone() State {
	out := s
	out.Answers = make(map[string]string, len(s.Answers))
	for k, v := range s.Answers {
		out.Answers[k] = v
	}
	out.Flagged = make(map[string]struct{}, len(s.Flagged))
	for k := range s.Flagged {
		out.Flagged[k] = struct{}{}
	}
	out.TimeSpent = make(map[string]int, len(s.TimeSpent))
	for k, v := range s.TimeSpent {
		out.TimeSpent[k] = v
	}
	return out
}

// IsAnswered reports whether questionID has an answer.
func (s State) IsAnswered(questionID string) bool {
	_, ok := s.Answers[questionID]
	return ok
}

// IsFlagged reports whether questionID is flagged.
func (s State) IsFlagged(questionID string) bool {
	_, ok := s.Flagged[questionID]
	return ok
}

// FlaggedIDs returns the flagged question ids sorted.
func (s State) FlaggedIDs() []string {
	ids := make([]string, 0, len(s.Flagged))
	for id := range s.Flagged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TotalTimeSpent sums the per-question time.
func (s State) TotalTimeSpent() int {
	total := 0
	for _, v := range s.TimeSpent {
		total += v
	}
	return total
}
