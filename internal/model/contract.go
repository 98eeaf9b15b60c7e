package model

import "time"

// ExamPaper is the payload of GET exam-for-attempt.
type ExamPaper struct {
	AttemptID         string     `json:"attemptId"`
	ExamID            string     `json:"examId"`
	Title             string     `json:"title"`
	Mode              ExamMode   `json:"mode"`
	DurationSeconds   int        `json:"durationSeconds"`
	TotalQuestions    int        `json:"totalQuestions"`
	PointsTotal       float64    `json:"pointsTotal"`
	Shuffle           bool       `json:"shuffle"`
	ProctoringEnabled bool       `json:"proctoringEnabled"`
	AutoSubmit        bool       `json:"autoSubmit"`
	RequireFullscreen bool       `json:"requireFullscreen"`
	StartedAt         time.Time  `json:"startedAt"`
	Deadline          time.Time  `json:"deadline"`
	ServerTime        time.Time  `json:"serverTime"`
	RemainingSeconds  *int       `json:"remainingSeconds,omitempty"`
	Questions         []Question `json:"questions"`
}

// SubmitReason records which trigger ended the attempt.
type SubmitReason string

const (
	SubmitReasonManual    SubmitReason = "manual"
	SubmitReasonTimeout   SubmitReason = "timeout"
	SubmitReasonViolation SubmitReason = "violation"
)

// Valid reports whether r is one of the known submit reasons.
func (r SubmitReason) Valid() bool {
	switch r {
	case SubmitReasonManual, SubmitReasonTimeout, SubmitReasonViolation:
		return true
	}
	return false
}

// SubmitRequest is the body of POST submit-attempt.
type SubmitRequest struct {
	AttemptID      string            `json:"attemptId" binding:"required,uuid"`
	Answers        map[string]string `json:"answers" binding:"omitempty,dive,keys,required,endkeys,required"`
	TimeSpent      map[string]int    `json:"timeSpent" binding:"omitempty,dive,keys,required,endkeys,min=0"`
	ViolationCount int               `json:"violationCount" binding:"min=0"`
	Reason         SubmitReason      `json:"reason" binding:"omitempty,submit_reason"`
}

// SubmitResponse is the reply of POST submit-attempt.
type SubmitResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ViolationKind classifies an integrity signal reported for audit.
type ViolationKind string

const (
	ViolationBlur           ViolationKind = "window_blur"
	ViolationHidden         ViolationKind = "tab_switch"
	ViolationFullscreenExit ViolationKind = "fullscreen_exit"
	ViolationNavigateAway   ViolationKind = "navigate_away"
)

// Valid reports whether k is a known violation kind.
func (k ViolationKind) Valid() bool {
	switch k {
	case ViolationBlur, ViolationHidden, ViolationFullscreenExit, ViolationNavigateAway:
		return true
	}
	return false
}
