package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExamMode selects the integrity policy applied to an attempt.
type ExamMode string

const (
	ExamModePractice ExamMode = "practice"
	ExamModeMock     ExamMode = "mock"
	ExamModeLive     ExamMode = "live"
)

// Valid reports whether m is a known mode.
func (m ExamMode) Valid() bool {
	switch m {
	case ExamModePractice, ExamModeMock, ExamModeLive:
		return true
	}
	return false
}

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// Exam is the server-side exam row.
type Exam struct {
	ID                uuid.UUID  `json:"id"`
	Title             string     `json:"title"`
	Mode              ExamMode   `json:"mode"`
	DurationSeconds   int        `json:"duration_seconds"`
	ProctoringEnabled bool       `json:"proctoring_enabled"`
	AutoSubmit        bool       `json:"auto_submit"`
	RequireFullscreen bool       `json:"require_fullscreen"`
	Shuffle           bool       `json:"shuffle"`
	ScheduledStart    *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd      *time.Time `json:"scheduled_end,omitempty"`
	Status            ExamStatus `json:"status"`
}

// InWindow reports whether t falls inside the exam's schedule. Open-ended
// bounds are unbounded.
func (e *Exam) InWindow(t time.Time) bool {
	if e.ScheduledStart != nil && t.Before(*e.ScheduledStart) {
		return false
	}
	if e.ScheduledEnd != nil && t.After(*e.ScheduledEnd) {
		return false
	}
	return true
}

var (
	ErrNoQuestions        = errors.New("exam has no questions")
	ErrInvalidDuration    = errors.New("exam duration must be positive")
	ErrDuplicateQuestion  = errors.New("duplicate question id")
	ErrDuplicateOption    = errors.New("duplicate option id")
	ErrInvalidExamMode    = errors.New("invalid exam mode")
	ErrMissingQuestionID  = errors.New("question id is required")
	ErrQuestionNoOptions  = errors.New("question has no options")
	ErrMissingAttemptID   = errors.New("attempt id is required")
	ErrQuestionOutOfRange = errors.New("question index out of range")
)

// ExamDefinition is the immutable exam as seen by one attempt. The question
// and option order is final for the whole attempt.
type ExamDefinition struct {
	AttemptID         string
	ExamID            string
	Title             string
	Mode              ExamMode
	DurationSeconds   int
	PointsTotal       float64
	ProctoringEnabled bool
	AutoSubmit        bool
	RequireFullscreen bool
	Shuffle           bool
	Questions         []Question

	index   map[string]int
	options map[string]map[string]struct{}
}

// NewExamDefinition validates a delivered paper and indexes it.
func NewExamDefinition(p *ExamPaper) (*ExamDefinition, error) {
	if p.AttemptID == "" {
		return nil, ErrMissingAttemptID
	}
	if p.DurationSeconds <= 0 {
		return nil, ErrInvalidDuration
	}
	if len(p.Questions) == 0 {
		return nil, ErrNoQuestions
	}
	mode := p.Mode
	if mode == "" {
		mode = ExamModePractice
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidExamMode, p.Mode)
	}

	def := &ExamDefinition{
		AttemptID:         p.AttemptID,
		ExamID:            p.ExamID,
		Title:             p.Title,
		Mode:              mode,
		DurationSeconds:   p.DurationSeconds,
		PointsTotal:       p.PointsTotal,
		ProctoringEnabled: p.ProctoringEnabled,
		AutoSubmit:        p.AutoSubmit,
		RequireFullscreen: p.RequireFullscreen,
		Shuffle:           p.Shuffle,
		Questions:         make([]Question, len(p.Questions)),
		index:             make(map[string]int, len(p.Questions)),
		options:           make(map[string]map[string]struct{}, len(p.Questions)),
	}

	var points float64
	for i, q := range p.Questions {
		if q.ID == "" {
			return nil, ErrMissingQuestionID
		}
		if _, dup := def.index[q.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateQuestion, q.ID)
		}
		if len(q.Options) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrQuestionNoOptions, q.ID)
		}
		opts := make(map[string]struct{}, len(q.Options))
		for _, o := range q.Options {
			if _, dup := opts[o.ID]; dup {
				return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateOption, q.ID, o.ID)
			}
			opts[o.ID] = struct{}{}
		}
		q.Options = append([]Option(nil), q.Options...)
		def.Questions[i] = q
		def.index[q.ID] = i
		def.options[q.ID] = opts
		points += q.Points
	}
	if def.PointsTotal == 0 {
		def.PointsTotal = points
	}

	return def, nil
}

// QuestionCount returns the number of questions.
func (d *ExamDefinition) QuestionCount() int { return len(d.Questions) }

// IndexOf returns the position of a question.
func (d *ExamDefinition) IndexOf(questionID string) (int, bool) {
	i, ok := d.index[questionID]
	return i, ok
}

// HasQuestion reports whether questionID belongs to the exam.
func (d *ExamDefinition) HasQuestion(questionID string) bool {
	_, ok := d.index[questionID]
	return ok
}

// HasOption reports whether optionID is one of the question's options.
func (d *ExamDefinition) HasOption(questionID, optionID string) bool {
	opts, ok := d.options[questionID]
	if !ok {
		return false
	}
	_, ok = opts[optionID]
	return ok
}

// QuestionAt returns the question at index i.
func (d *ExamDefinition) QuestionAt(i int) (Question, error) {
	if i < 0 || i >= len(d.Questions) {
		return Question{}, ErrQuestionOutOfRange
	}
	return d.Questions[i], nil
}

// Duration returns the exam duration.
func (d *ExamDefinition) Duration() time.Duration {
	return time.Duration(d.DurationSeconds) * time.Second
}
