package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-attempt/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadySubmitted is returned by Submit when the row lock finds the
	// attempt already closed.
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	// ErrOrderFrozen is returned by SaveOrder when another request froze the
	// paper order first.
	ErrOrderFrozen = errors.New("paper order already frozen")
)

// AttemptRepository handles attempt, exam and question data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// GetAttempt retrieves an attempt by ID.
func (r *AttemptRepository) GetAttempt(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, exam_id, student_id, started_at, submitted_at, status,
		        question_order, violation_count, submitted_late, final_score
		 FROM attempts WHERE id = $1`, id,
	).Scan(&a.ID, &a.ExamID, &a.StudentID, &a.StartedAt, &a.SubmittedAt, &a.Status,
		&a.QuestionOrder, &a.ViolationCount, &a.SubmittedLate, &a.FinalScore)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// GetExam retrieves an exam by ID.
func (r *AttemptRepository) GetExam(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, mode, duration_seconds, proctoring_enabled, auto_submit,
		        require_fullscreen, shuffle, scheduled_start, scheduled_end, status
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.Mode, &e.DurationSeconds, &e.ProctoringEnabled, &e.AutoSubmit,
		&e.RequireFullscreen, &e.Shuffle, &e.ScheduledStart, &e.ScheduledEnd, &e.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// ListQuestions retrieves all questions of an exam in authoring order,
// answer key included.
func (r *AttemptRepository) ListQuestions(ctx context.Context, examID uuid.UUID) ([]model.StoredQuestion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, question_text, options, correct_option, points, order_num
		 FROM questions WHERE exam_id = $1
		 ORDER BY order_num, id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.StoredQuestion
	for rows.Next() {
		var q model.StoredQuestion
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Text, &q.Options, &q.CorrectOption, &q.Points, &q.OrderNum); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// MarkStarted stamps started_at on first open and returns the stored value
// on every later call.
func (r *AttemptRepository) MarkStarted(ctx context.Context, id uuid.UUID) (time.Time, error) {
	var startedAt time.Time
	err := r.pool.QueryRow(ctx,
		`UPDATE attempts SET started_at = COALESCE(started_at, NOW())
		 WHERE id = $1
		 RETURNING started_at`, id,
	).Scan(&startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return startedAt, err
}

// SaveOrder freezes the paper order. It never overwrites an existing order.
func (r *AttemptRepository) SaveOrder(ctx context.Context, id uuid.UUID, order *model.PaperOrder) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts SET question_order = $2
		 WHERE id = $1 AND question_order IS NULL`, id, order,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderFrozen
	}
	return nil
}

// Submit closes an attempt and stores its answers in one transaction. The
// attempt row is locked first so concurrent submits serialize on it.
func (r *AttemptRepository) Submit(ctx context.Context, sub *model.AttemptSubmission) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status model.AttemptStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM attempts WHERE id = $1 FOR UPDATE`, sub.AttemptID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock attempt: %w", err)
	}
	if status == model.AttemptStatusSubmitted {
		return ErrAlreadySubmitted
	}

	_, err = tx.Exec(ctx,
		`UPDATE attempts
		 SET status = $2, submitted_at = $3, violation_count = $4,
		     submitted_late = $5, submit_reason = $6
		 WHERE id = $1`,
		sub.AttemptID, model.AttemptStatusSubmitted, sub.SubmittedAt, sub.ViolationCount,
		sub.Late, string(sub.Reason),
	)
	if err != nil {
		return fmt.Errorf("close attempt: %w", err)
	}

	if len(sub.Answers) > 0 {
		rows := make([][]interface{}, 0, len(sub.Answers))
		for _, a := range sub.Answers {
			var option *string
			if a.OptionID != "" {
				opt := a.OptionID
				option = &opt
			}
			rows = append(rows, []interface{}{sub.AttemptID, a.QuestionID, option, a.TimeSpent})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"attempt_answers"},
			[]string{"attempt_id", "question_id", "option_id", "time_spent"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy answers: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
