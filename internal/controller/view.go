package controller

import (
	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/navigator"
)

// Screen is the top-level thing the student is looking at.
type Screen string

const (
	ScreenIdle      Screen = "idle"
	ScreenLoading   Screen = "loading"
	ScreenExam      Screen = "exam"
	ScreenSubmitted Screen = "submitted"
	ScreenAborted   Screen = "aborted"
	ScreenError     Screen = "error"
)

// Warning is the resumable integrity dialog.
type Warning struct {
	Kind  model.ViolationKind
	Count int
}

// View is a read-only projection of the controller for rendering.
type View struct {
	Screen Screen
	Phase  attempt.Phase

	Title string
	Mode  model.ExamMode

	Index    int
	Total    int
	Question *model.Question
	Selected string
	Flagged  bool

	Grid           []navigator.Cell
	FlaggedIndexes []int
	Answered       int

	RemainingSeconds int
	ViolationCount   int

	CanNext     bool
	CanPrevious bool
	// InputLocked is set whenever answer and navigation input is refused.
	InputLocked bool
	Warning     *Warning
	// FullscreenLock is the blocking modal shown until fullscreen is re-entered.
	FullscreenLock bool
	// Recovered is set when a previous submission was aborted and can be retried.
	Recovered bool

	// Status is a transient, non-blocking notice ("Submitting...", retries).
	Status string
	// Message is the plain-language text of a terminal screen.
	Message string
}
