package model

import (
	"github.com/google/uuid"
)

// Option is one selectable answer of a question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question is a question as delivered to the student (no answer key).
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Points  float64  `json:"points,omitempty"`
	Options []Option `json:"options"`
}

// StoredQuestion is the server-side question row including its answer key.
type StoredQuestion struct {
	ID            uuid.UUID `json:"id"`
	ExamID        uuid.UUID `json:"exam_id"`
	Text          string    `json:"text"`
	Options       []Option  `json:"options"`
	CorrectOption string    `json:"correct_option"`
	Points        float64   `json:"points"`
	OrderNum      int       `json:"order_num"`
}

// ForStudent strips the answer key.
func (q StoredQuestion) ForStudent() Question {
	return Question{
		ID:      q.ID.String(),
		Text:    q.Text,
		Points:  q.Points,
		Options: append([]Option(nil), q.Options...),
	}
}

// Score sums the points of every correctly answered question. Answers to
// questions outside the set are ignored.
func Score(questions []StoredQuestion, answers map[uuid.UUID]string) float64 {
	var score float64
	for _, q := range questions {
		if opt, ok := answers[q.ID]; ok && opt != "" && opt == q.CorrectOption {
			score += q.Points
		}
	}
	return score
}

// HasOption reports whether optionID is one of the question's options.
func (q StoredQuestion) HasOption(optionID string) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}
