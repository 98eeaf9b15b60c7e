package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stemsi/exstem-attempt/internal/controller"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/navigator"
)

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "00:00", formatRemaining(-3))
	assert.Equal(t, "01:05", formatRemaining(65))
	assert.Equal(t, "90:00", formatRemaining(5400))
}

func TestGridLine(t *testing.T) {
	cells := []navigator.Cell{
		{Status: navigator.StatusAnswered},
		{Status: navigator.StatusCurrent, Flagged: true},
		{Status: navigator.StatusUnanswered, Flagged: true},
		{Status: navigator.StatusUnanswered},
	}
	assert.Equal(t, "#>?.", gridLine(cells))
}

func TestRenderExamMarksSelection(t *testing.T) {
	var buf bytes.Buffer
	render(&buf, controller.View{
		Screen: controller.ScreenExam,
		Title:  "Physics",
		Mode:   model.ExamModeLive,
		Index:  0,
		Total:  1,
		Question: &model.Question{
			ID:      "q1",
			Text:    "2+2?",
			Options: []model.Option{{ID: "o1", Text: "3"}, {ID: "o2", Text: "4"}},
		},
		Selected:         "o2",
		RemainingSeconds: 61,
	}, "")

	out := buf.String()
	assert.Contains(t, out, "01:01 left")
	assert.Contains(t, out, "[ ] 1) 3")
	assert.Contains(t, out, "[x] 2) 4")
}

func TestRenderFullscreenLockHidesQuestion(t *testing.T) {
	var buf bytes.Buffer
	render(&buf, controller.View{
		Screen:         controller.ScreenExam,
		FullscreenLock: true,
		Question:       &model.Question{Text: "hidden"},
	}, "")
	assert.Contains(t, buf.String(), "Return to full screen")
	assert.NotContains(t, buf.String(), "hidden")
}
