package model

import "time"

// AttemptSnapshot is the session-local copy of an attempt's mutable state.
// RemainingSeconds is informational; a resumed attempt always re-derives it
// from the server deadline.
type AttemptSnapshot struct {
	AttemptID        string            `json:"attemptId"`
	Phase            string            `json:"phase"`
	Answers          map[string]string `json:"answers"`
	Flagged          []string          `json:"flagged"`
	TimeSpent        map[string]int    `json:"timeSpent"`
	CurrentIndex     int               `json:"currentIndex"`
	ViolationCount   int               `json:"violationCount"`
	RemainingSeconds int               `json:"remainingSeconds"`
	SavedAt          time.Time         `json:"savedAt"`
}
