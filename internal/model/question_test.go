package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	q1, q2, q3 := uuid.New(), uuid.New(), uuid.New()
	questions := []StoredQuestion{
		{ID: q1, CorrectOption: "A", Points: 1},
		{ID: q2, CorrectOption: "B", Points: 2.5},
		{ID: q3, CorrectOption: "C", Points: 4},
	}

	tests := []struct {
		name    string
		answers map[uuid.UUID]string
		want    float64
	}{
		{"nothing answered", nil, 0},
		{"all correct", map[uuid.UUID]string{q1: "A", q2: "B", q3: "C"}, 7.5},
		{"weighted partial", map[uuid.UUID]string{q1: "B", q2: "B", q3: "A"}, 2.5},
		{"cleared answer", map[uuid.UUID]string{q3: ""}, 0},
		{"foreign question ignored", map[uuid.UUID]string{uuid.New(): "A", q1: "A"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(questions, tt.answers))
		})
	}
}

func TestStoredQuestion_ForStudentHidesKey(t *testing.T) {
	q := StoredQuestion{ID: uuid.New(), Text: "2+2", Options: []Option{{ID: "A", Text: "4"}}, CorrectOption: "A", Points: 1}
	s := q.ForStudent()
	assert.Equal(t, q.ID.String(), s.ID)
	assert.True(t, q.HasOption("A"))
	assert.False(t, q.HasOption("B"))

	// The student copy does not alias the stored options.
	s.Options[0].Text = "5"
	assert.Equal(t, "4", q.Options[0].Text)
}
