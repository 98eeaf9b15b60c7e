package attempt

import (
	"fmt"

	"github.com/stemsi/exstem-attempt/internal/model"
)

// Action is a student mutation of the attempt state.
type Action interface {
	Name() string
}

type SelectOption struct {
	QuestionID string
	OptionID   string
}

type ToggleFlag struct {
	QuestionID string
}

type ClearAnswer struct {
	QuestionID string
}

type SetCurrent struct {
	Index int
}

// Tick adds DeltaSeconds of time spent to a question.
type Tick struct {
	QuestionID   string
	DeltaSeconds int
}

func (SelectOption) Name() string { return "select_option" }
func (ToggleFlag) Name() string   { return "toggle_flag" }
func (ClearAnswer) Name() string  { return "clear_answer" }
func (SetCurrent) Name() string   { return "set_current" }
func (Tick) Name() string         { return "tick" }

// Reduce applies a to s and returns the new state. s is never modified.
// Every action is rejected unless the attempt is active.
func Reduce(exam *model.ExamDefinition, s State, a Action) (State, error) {
	if s.Phase != PhaseActive {
		return s, fmt.Errorf("%s: %w (phase %s)", a.Name(), ErrNotActive, s.Phase)
	}

	switch act := a.(type) {
	case SelectOption:
		if !exam.HasQuestion(act.QuestionID) {
			return s, fmt.Errorf("%s: %w: %s", a.Name(), ErrUnknownQuestion, act.QuestionID)
		}
		if !exam.HasOption(act.QuestionID, act.OptionID) {
			return s, fmt.Errorf("%s: %w: %s/%s", a.Name(), ErrUnknownOption, act.QuestionID, act.OptionID)
		}
		next := s.Clone()
		next.Answers[act.QuestionID] = act.OptionID
		return next, nil

	case ToggleFlag:
		if !exam.HasQuestion(act.QuestionID) {
			return s, fmt.Errorf("%s: %w: %s", a.Name(), ErrUnknownQuestion, act.QuestionID)
		}
		next := s.Clone()
		if next.IsFlagged(act.QuestionID) {
			delete(next.Flagged, act.QuestionID)
		} else {
			next.Flagged[act.QuestionID] = struct{}{}
		}
		return next, nil

	case ClearAnswer:
		if !exam.HasQuestion(act.QuestionID) {
			return s, fmt.Errorf("%s: %w: %s", a.Name(), ErrUnknownQuestion, act.QuestionID)
		}
		next := s.Clone()
		delete(next.Answers, act.QuestionID)
		return next, nil

	case SetCurrent:
		if act.Index < 0 || act.Index >= exam.QuestionCount() {
			return s, fmt.Errorf("%s: %w: %d", a.Name(), ErrIndexOutOfRange, act.Index)
		}
		next := s.Clone()
		next.CurrentIndex = act.Index
		return next, nil

	case Tick:
		if !exam.HasQuestion(act.QuestionID) {
			return s, fmt.Errorf("%s: %w: %s", a.Name(), ErrUnknownQuestion, act.QuestionID)
		}
		if act.DeltaSeconds < 0 {
			return s, fmt.Errorf("%s: %w", a.Name(), ErrNegativeDelta)
		}
		if act.DeltaSeconds == 0 {
			return s, nil
		}
		next := s.Clone()
		next.TimeSpent[act.QuestionID] += act.DeltaSeconds
		return next, nil
	}

	return s, fmt.Errorf("unsupported action %T", a)
}
