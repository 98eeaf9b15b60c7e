package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const (
	ScoreBatchSize    = 50
	ScoreBatchTimeout = 2 * time.Second
	ScorePollTimeout  = 1 * time.Second
)

// ScoringWorker scores submitted attempts with per-question points.
type ScoringWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewScoringWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ScoringWorker {
	return &ScoringWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "scoring_worker").Logger(),
	}
}

type scoreJob struct {
	AttemptID string `json:"attempt_id"`
}

// scoreRow is one question of one attempt with the chosen option, if any.
type scoreRow struct {
	AttemptID     uuid.UUID
	QuestionID    uuid.UUID
	CorrectOption string
	Points        float64
	OptionID      *string
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *ScoringWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ScoringWorker started")

	batch := make([]uuid.UUID, 0, ScoreBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= ScoreBatchSize || time.Since(lastFlush) >= ScoreBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch)
			cancel()
			return

		default:
			item, err := w.rdb.BLPop(ctx, ScorePollTimeout, config.WorkerKey.ScoreAttemptsQueue).Result()
			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
					sleepCtx(ctx, time.Second)
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var job scoreJob
			if err := json.Unmarshal([]byte(item[1]), &job); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}
			id, err := uuid.Parse(job.AttemptID)
			if err != nil {
				w.log.Error().Err(err).Str("attempt_id", job.AttemptID).Msg("Invalid attempt id")
				continue
			}

			batch = append(batch, id)
		}
	}
}

// ----------------------------------------------------------------
// Scoring and persistence
// ----------------------------------------------------------------

func (w *ScoringWorker) flushSafe(ctx context.Context, batch []uuid.UUID) {
	if len(batch) == 0 {
		return
	}

	rows, err := w.loadRows(ctx, batch)
	if err == nil {
		scores := tally(rows)
		err = w.bulkUpdateScores(ctx, scores)
		if err == nil {
			w.log.Info().Int("count", len(scores)).Msg("Attempts scored")
			return
		}
	}

	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Scoring batch failed, requeueing")
	pipe := w.rdb.Pipeline()
	for _, id := range batch {
		raw, _ := json.Marshal(scoreJob{AttemptID: id.String()})
		pipe.RPush(ctx, config.WorkerKey.ScoreAttemptsQueue, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue scoring jobs")
		return
	}
	sleepCtx(ctx, 2*time.Second)
}

func (w *ScoringWorker) loadRows(ctx context.Context, ids []uuid.UUID) ([]scoreRow, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT a.id, q.id, q.correct_option, q.points, aa.option_id
		 FROM attempts a
		 JOIN questions q ON q.exam_id = a.exam_id
		 LEFT JOIN attempt_answers aa ON aa.attempt_id = a.id AND aa.question_id = q.id
		 WHERE a.id = ANY($1) AND a.status = $2`,
		ids, model.AttemptStatusSubmitted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scoreRow
	for rows.Next() {
		var r scoreRow
		if err := rows.Scan(&r.AttemptID, &r.QuestionID, &r.CorrectOption, &r.Points, &r.OptionID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------
// BULK PostgreSQL UPDATE using UNNEST + alias
// ----------------------------------------------------------------

func (w *ScoringWorker) bulkUpdateScores(ctx context.Context, scores map[uuid.UUID]float64) error {
	if len(scores) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(scores))
	values := make([]float64, 0, len(scores))
	for id, score := range scores {
		ids = append(ids, id)
		values = append(values, score)
	}

	_, err := w.pool.Exec(ctx, `
		UPDATE attempts AS a
		SET final_score = t.score
		FROM UNNEST($1::uuid[], $2::float8[]) AS t (id, score)
		WHERE a.id = t.id`,
		ids, values,
	)
	return err
}

// tally groups rows per attempt and scores each with model.Score.
func tally(rows []scoreRow) map[uuid.UUID]float64 {
	questions := make(map[uuid.UUID][]model.StoredQuestion)
	answers := make(map[uuid.UUID]map[uuid.UUID]string)
	for _, r := range rows {
		questions[r.AttemptID] = append(questions[r.AttemptID], model.StoredQuestion{
			ID:            r.QuestionID,
			CorrectOption: r.CorrectOption,
			Points:        r.Points,
		})
		if r.OptionID != nil {
			if answers[r.AttemptID] == nil {
				answers[r.AttemptID] = make(map[uuid.UUID]string)
			}
			answers[r.AttemptID][r.QuestionID] = *r.OptionID
		}
	}

	scores := make(map[uuid.UUID]float64, len(questions))
	for id, qs := range questions {
		scores[id] = model.Score(qs, answers[id])
	}
	return scores
}
