package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-attempt/internal/model"
)

func storedQuestions(n int) []model.StoredQuestion {
	qs := make([]model.StoredQuestion, n)
	for i := range qs {
		qs[i] = model.StoredQuestion{
			ID:            uuid.New(),
			Text:          "q",
			Options:       []model.Option{{ID: "A"}, {ID: "B"}, {ID: "C"}, {ID: "D"}, {ID: "E"}},
			CorrectOption: "A",
			Points:        1,
			OrderNum:      i,
		}
	}
	return qs
}

func TestNewPaperOrder_DeterministicPerAttempt(t *testing.T) {
	qs := storedQuestions(20)
	id := uuid.New()

	a := newPaperOrder(id, qs)
	b := newPaperOrder(id, qs)
	assert.Equal(t, a, b)

	other := newPaperOrder(uuid.New(), qs)
	assert.NotEqual(t, a.Questions, other.Questions, "20! orders make a collision practically impossible")
	assert.Len(t, a.Options, 20)
}

func TestApplyOrder(t *testing.T) {
	qs := storedQuestions(3)
	ids := []string{qs[0].ID.String(), qs[1].ID.String(), qs[2].ID.String()}

	t.Run("nil order keeps authoring order", func(t *testing.T) {
		out := applyOrder(qs, nil)
		require.Len(t, out, 3)
		assert.Equal(t, ids[0], out[0].ID)
		assert.Equal(t, "A", out[0].Options[0].ID)
	})

	t.Run("frozen order wins", func(t *testing.T) {
		order := &model.PaperOrder{
			Questions: []string{ids[2], ids[0], ids[1]},
			Options:   map[string][]string{ids[2]: {"E", "D", "C", "B", "A"}},
		}
		out := applyOrder(qs, order)
		require.Len(t, out, 3)
		assert.Equal(t, []string{ids[2], ids[0], ids[1]}, []string{out[0].ID, out[1].ID, out[2].ID})
		assert.Equal(t, "E", out[0].Options[0].ID)
		assert.Equal(t, "A", out[1].Options[0].ID)
	})

	t.Run("stale ids skipped and new questions appended", func(t *testing.T) {
		order := &model.PaperOrder{
			Questions: []string{ids[1], uuid.NewString(), ids[1]},
			Options:   map[string][]string{ids[1]: {"X", "B"}},
		}
		out := applyOrder(qs, order)
		require.Len(t, out, 3)
		assert.Equal(t, []string{ids[1], ids[0], ids[2]}, []string{out[0].ID, out[1].ID, out[2].ID})
		assert.Equal(t, []model.Option{{ID: "B"}, {ID: "A"}, {ID: "C"}, {ID: "D"}, {ID: "E"}}, out[0].Options)
	})
}

func TestRemainingSeconds(t *testing.T) {
	assert.Equal(t, 0, remainingSeconds(-5, 60))
	assert.Equal(t, 0, remainingSeconds(0, 60))
	assert.Equal(t, 1, remainingSeconds(1, 60))
	assert.Equal(t, 60, remainingSeconds(90e9, 60))
}
