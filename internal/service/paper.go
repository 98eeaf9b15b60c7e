package service

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-attempt/internal/model"
)

// newPaperOrder shuffles questions and their options with a generator seeded
// from the attempt id, so regenerating for the same attempt yields the same
// paper.
func newPaperOrder(attemptID uuid.UUID, questions []model.StoredQuestion) *model.PaperOrder {
	rng := rand.New(rand.NewPCG(
		binary.BigEndian.Uint64(attemptID[:8]),
		binary.BigEndian.Uint64(attemptID[8:]),
	))

	order := &model.PaperOrder{
		Questions: make([]string, len(questions)),
		Options:   make(map[string][]string, len(questions)),
	}
	for i, q := range questions {
		order.Questions[i] = q.ID.String()

		opts := make([]string, len(q.Options))
		for j, o := range q.Options {
			opts[j] = o.ID
		}
		rng.Shuffle(len(opts), func(a, b int) { opts[a], opts[b] = opts[b], opts[a] })
		order.Options[order.Questions[i]] = opts
	}
	rng.Shuffle(len(order.Questions), func(a, b int) {
		order.Questions[a], order.Questions[b] = order.Questions[b], order.Questions[a]
	})
	return order
}

// applyOrder renders the student view of questions in the frozen order. Ids
// in the order that no longer exist are skipped and questions added after the
// freeze are appended in authoring order. A nil order keeps authoring order.
func applyOrder(questions []model.StoredQuestion, order *model.PaperOrder) []model.Question {
	if order == nil {
		out := make([]model.Question, len(questions))
		for i, q := range questions {
			out[i] = q.ForStudent()
		}
		return out
	}

	byID := make(map[string]model.StoredQuestion, len(questions))
	for _, q := range questions {
		byID[q.ID.String()] = q
	}

	out := make([]model.Question, 0, len(questions))
	placed := make(map[string]bool, len(questions))
	for _, id := range order.Questions {
		q, ok := byID[id]
		if !ok || placed[id] {
			continue
		}
		placed[id] = true
		out = append(out, orderOptions(q.ForStudent(), order.Options[id]))
	}
	for _, q := range questions {
		if id := q.ID.String(); !placed[id] {
			out = append(out, q.ForStudent())
		}
	}
	return out
}

func orderOptions(q model.Question, ids []string) model.Question {
	if len(ids) == 0 {
		return q
	}
	byID := make(map[string]model.Option, len(q.Options))
	for _, o := range q.Options {
		byID[o.ID] = o
	}
	opts := make([]model.Option, 0, len(q.Options))
	placed := make(map[string]bool, len(q.Options))
	for _, id := range ids {
		o, ok := byID[id]
		if !ok || placed[id] {
			continue
		}
		placed[id] = true
		opts = append(opts, o)
	}
	for _, o := range q.Options {
		if !placed[o.ID] {
			opts = append(opts, o)
		}
	}
	q.Options = opts
	return q
}
