package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates server-side attempt states.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitted  AttemptStatus = "SUBMITTED"
)

// PaperOrder is the per-attempt frozen order of questions and their options.
type PaperOrder struct {
	Questions []string            `json:"questions"`
	Options   map[string][]string `json:"options"`
}

// Attempt represents a student's attempt row.
type Attempt struct {
	ID             uuid.UUID     `json:"id"`
	ExamID         uuid.UUID     `json:"exam_id"`
	StudentID      int           `json:"student_id"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	SubmittedAt    *time.Time    `json:"submitted_at,omitempty"`
	Status         AttemptStatus `json:"status"`
	QuestionOrder  *PaperOrder   `json:"question_order,omitempty"`
	ViolationCount int           `json:"violation_count"`
	SubmittedLate  bool          `json:"submitted_late"`
	FinalScore     *float64      `json:"final_score,omitempty"`
}

// Deadline is the authoritative end of the attempt. An attempt that was never
// opened has no deadline yet and returns the zero time.
func (a *Attempt) Deadline(durationSeconds int) time.Time {
	if a.StartedAt == nil {
		return time.Time{}
	}
	return a.StartedAt.Add(time.Duration(durationSeconds) * time.Second)
}

// Submitted reports whether the attempt is closed.
func (a *Attempt) Submitted() bool {
	return a.Status == AttemptStatusSubmitted
}

// AttemptAnswer is one persisted answer.
type AttemptAnswer struct {
	QuestionID uuid.UUID `json:"question_id"`
	OptionID   string    `json:"option_id,omitempty"`
	TimeSpent  int       `json:"time_spent"`
}

// AttemptSubmission is everything the repository writes on a terminal submit.
type AttemptSubmission struct {
	AttemptID      uuid.UUID
	Answers        []AttemptAnswer
	ViolationCount int
	Reason         SubmitReason
	SubmittedAt    time.Time
	Late           bool
}

// ViolationEvent is one audited integrity violation as queued for persistence.
type ViolationEvent struct {
	AttemptID  string        `json:"attempt_id"`
	StudentID  int           `json:"student_id"`
	Kind       ViolationKind `json:"kind"`
	Count      int           `json:"count"`
	OccurredAt int64         `json:"occurred_at"` // unix millis
}
