// Package navigator derives the question pointer moves and the grid view
// from an attempt's state. Everything here is pure.
package navigator

import (
	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Status is the primary grid color of a question.
type Status string

const (
	StatusCurrent    Status = "current"
	StatusAnswered   Status = "answered"
	StatusFlagged    Status = "flagged"
	StatusUnanswered Status = "unanswered"
)

// GoTo returns index when it is a valid move away from current. Out of range
// indexes and the current index are rejected with ok=false.
func GoTo(current, index, count int) (int, bool) {
	if index < 0 || index >= count || index == current {
		return current, false
	}
	return index, true
}

// Next moves forward one question, stopping at the last.
func Next(current, count int) (int, bool) {
	if !CanNext(current, count) {
		return current, false
	}
	return current + 1, true
}

// Previous moves back one question, stopping at the first.
func Previous(current, count int) (int, bool) {
	if !CanPrevious(current, count) {
		return current, false
	}
	return current - 1, true
}

func CanNext(current, count int) bool {
	return current >= 0 && current < count-1
}

func CanPrevious(current, count int) bool {
	return current > 0 && current < count
}

// StatusOf resolves the status of the question at index with precedence
// current, answered, flagged, unanswered.
func StatusOf(exam *model.ExamDefinition, st attempt.State, index int) Status {
	if index == st.CurrentIndex {
		return StatusCurrent
	}
	q, err := exam.QuestionAt(index)
	if err != nil {
		return StatusUnanswered
	}
	if st.IsAnswered(q.ID) {
		return StatusAnswered
	}
	if st.IsFlagged(q.ID) {
		return StatusFlagged
	}
	return StatusUnanswered
}

// Cell is one entry of the question grid.
type Cell struct {
	Index      int
	QuestionID string
	Status     Status
	// Flagged is tracked apart from Status for the flag-review list.
	Flagged bool
}

// Grid returns one cell per question in paper order.
func Grid(exam *model.ExamDefinition, st attempt.State) []Cell {
	cells := make([]Cell, exam.QuestionCount())
	for i, q := range exam.Questions {
		cells[i] = Cell{
			Index:      i,
			QuestionID: q.ID,
			Status:     StatusOf(exam, st, i),
			Flagged:    st.IsFlagged(q.ID),
		}
	}
	return cells
}

// FlaggedIndexes lists flagged question positions in paper order.
func FlaggedIndexes(exam *model.ExamDefinition, st attempt.State) []int {
	var out []int
	for i, q := range exam.Questions {
		if st.IsFlagged(q.ID) {
			out = append(out, i)
		}
	}
	return out
}

// Progress returns answered and total question counts.
func Progress(exam *model.ExamDefinition, st attempt.State) (answered, total int) {
	for _, q := range exam.Questions {
		if st.IsAnswered(q.ID) {
			answered++
		}
	}
	return answered, exam.QuestionCount()
}
