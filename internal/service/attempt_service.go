package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

// Submit reply messages.
const (
	MessageSubmitted        = "submitted"
	MessageSubmittedLate    = "submitted after the deadline"
	MessageAlreadySubmitted = "already submitted"
)

// violationCountTTL keeps the streamed count around long enough for any exam
// to be submitted.
const violationCountTTL = 24 * time.Hour

var (
	// releaseLockScript deletes the lock only if this request still owns it.
	releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	// raiseCountScript stores ARGV[1] only if it is above the current value
	// and returns the value now stored.
	raiseCountScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
if n > cur then
	redis.call("SET", KEYS[1], n, "EX", ARGV[2])
	return n
end
return cur`)
)

// ErrInvalidViolation is returned for a violation with an unknown kind or a
// non-positive count.
var ErrInvalidViolation = errors.New("invalid violation")

// AttemptRepository is the persistence the attempt service needs.
type AttemptRepository interface {
	GetAttempt(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetExam(ctx context.Context, id uuid.UUID) (*model.Exam, error)
	ListQuestions(ctx context.Context, examID uuid.UUID) ([]model.StoredQuestion, error)
	MarkStarted(ctx context.Context, id uuid.UUID) (time.Time, error)
	SaveOrder(ctx context.Context, id uuid.UUID, order *model.PaperOrder) error
	Submit(ctx context.Context, sub *model.AttemptSubmission) error
}

// AttemptService serves exam papers and accepts submissions.
type AttemptService struct {
	repo     AttemptRepository
	rdb      *redis.Client
	grace    time.Duration
	lockTTL  time.Duration
	paperTTL time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(repo AttemptRepository, rdb *redis.Client, cfg *config.ServerConfig, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		repo:     repo,
		rdb:      rdb,
		grace:    cfg.SubmitGrace,
		lockTTL:  cfg.SubmitLockTTL,
		paperTTL: cfg.PaperCacheTTL,
		log:      log.With().Str("component", "attempt_service").Logger(),
		now:      time.Now,
	}
}

// GetExamForAttempt returns the attempt's paper with the authoritative
// remaining time. The first call starts the attempt's clock.
func (s *AttemptService) GetExamForAttempt(ctx context.Context, attemptID uuid.UUID, studentID int) (*model.ExamPaper, error) {
	now := s.now()

	a, err := s.loadOwned(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}
	if a.Submitted() {
		return nil, ErrAlreadySubmitted
	}

	exam, err := s.repo.GetExam(ctx, a.ExamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if !available(exam, a, now) {
		return nil, ErrExamNotAvailable
	}

	questions, err := s.paperQuestions(ctx, a, exam)
	if err != nil {
		return nil, err
	}

	startedAt := now
	if a.StartedAt != nil {
		startedAt = *a.StartedAt
	} else {
		startedAt, err = s.repo.MarkStarted(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("mark started: %w", err)
		}
		s.log.Info().Str("attempt_id", a.ID.String()).Int("student_id", studentID).Msg("Attempt started")
	}

	deadline := startedAt.Add(time.Duration(exam.DurationSeconds) * time.Second)
	remaining := remainingSeconds(deadline.Sub(now), exam.DurationSeconds)

	var points float64
	for _, q := range questions {
		points += q.Points
	}

	return &model.ExamPaper{
		AttemptID:         a.ID.String(),
		ExamID:            exam.ID.String(),
		Title:             exam.Title,
		Mode:              exam.Mode,
		DurationSeconds:   exam.DurationSeconds,
		TotalQuestions:    len(questions),
		PointsTotal:       points,
		Shuffle:           exam.Shuffle,
		ProctoringEnabled: exam.ProctoringEnabled,
		AutoSubmit:        exam.AutoSubmit,
		RequireFullscreen: exam.RequireFullscreen,
		StartedAt:         startedAt.UTC(),
		Deadline:          deadline.UTC(),
		ServerTime:        now.UTC(),
		RemainingSeconds:  &remaining,
		Questions:         questions,
	}, nil
}

// Submit closes the attempt with the client's final answers. Repeating a
// submit for a closed attempt succeeds without touching stored answers.
func (s *AttemptService) Submit(ctx context.Context, attemptID uuid.UUID, studentID int, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	bodyID, err := uuid.Parse(req.AttemptID)
	if err != nil || bodyID != attemptID {
		return nil, ErrAttemptMismatch
	}

	a, err := s.loadOwned(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}
	log := s.log.With().Str("attempt_id", a.ID.String()).Int("student_id", studentID).Logger()

	if a.Submitted() {
		log.Info().Msg("Duplicate submit acknowledged")
		return &model.SubmitResponse{Success: true, Message: MessageAlreadySubmitted}, nil
	}

	lockKey := config.CacheKey.AttemptSubmitLockKey(a.ID.String())
	token := uuid.NewString()
	acquired, err := s.rdb.SetNX(ctx, lockKey, token, s.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire submit lock: %w", err)
	}
	if !acquired {
		return nil, ErrSubmitInProgress
	}
	defer func() {
		if err := releaseLockScript.Run(context.WithoutCancel(ctx), s.rdb, []string{lockKey}, token).Err(); err != nil {
			log.Warn().Err(err).Msg("Failed to release submit lock")
		}
	}()

	exam, err := s.repo.GetExam(ctx, a.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	questions, err := s.questionSet(ctx, exam.ID)
	if err != nil {
		return nil, err
	}

	answers, dropped := collectAnswers(questions, req)
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("Ignoring answers outside the paper")
	}

	violations := req.ViolationCount
	if streamed, err := s.rdb.Get(ctx, config.CacheKey.AttemptViolationCountKey(a.ID.String())).Int(); err == nil && streamed > violations {
		violations = streamed
	}

	reason := req.Reason
	if reason == "" {
		reason = model.SubmitReasonManual
	}

	now := s.now()
	late := a.StartedAt != nil && now.After(a.Deadline(exam.DurationSeconds).Add(s.grace))

	err = s.repo.Submit(ctx, &model.AttemptSubmission{
		AttemptID:      a.ID,
		Answers:        answers,
		ViolationCount: violations,
		Reason:         reason,
		SubmittedAt:    now,
		Late:           late,
	})
	if err != nil {
		if errors.Is(err, repository.ErrAlreadySubmitted) {
			log.Info().Msg("Attempt closed by a concurrent submit")
			return &model.SubmitResponse{Success: true, Message: MessageAlreadySubmitted}, nil
		}
		return nil, fmt.Errorf("submit attempt: %w", err)
	}

	s.afterSubmit(ctx, log, a.ID)

	log.Info().
		Str("reason", string(reason)).
		Int("answers", len(answers)).
		Int("violations", violations).
		Bool("late", late).
		Msg("Attempt submitted")

	msg := MessageSubmitted
	if late {
		msg = MessageSubmittedLate
	}
	return &model.SubmitResponse{Success: true, Message: msg}, nil
}

// VerifyActiveAttempt checks the attempt belongs to the student and is open.
func (s *AttemptService) VerifyActiveAttempt(ctx context.Context, attemptID uuid.UUID, studentID int) error {
	a, err := s.loadOwned(ctx, attemptID, studentID)
	if err != nil {
		return err
	}
	if a.Submitted() {
		return ErrAlreadySubmitted
	}
	return nil
}

// RecordViolation queues one streamed violation for audit and raises the
// attempt's running count. It returns the count now stored.
func (s *AttemptService) RecordViolation(ctx context.Context, attemptID uuid.UUID, studentID int, kind model.ViolationKind, count int, occurredAt int64) (int, error) {
	if !kind.Valid() || count < 1 {
		return 0, ErrInvalidViolation
	}
	if occurredAt == 0 {
		occurredAt = s.now().UnixMilli()
	}

	payload, err := json.Marshal(model.ViolationEvent{
		AttemptID:  attemptID.String(),
		StudentID:  studentID,
		Kind:       kind,
		Count:      count,
		OccurredAt: occurredAt,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal violation: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload).Err(); err != nil {
		return 0, fmt.Errorf("queue violation: %w", err)
	}

	stored, err := raiseCountScript.Run(ctx, s.rdb,
		[]string{config.CacheKey.AttemptViolationCountKey(attemptID.String())},
		count, int(violationCountTTL.Seconds()),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("raise violation count: %w", err)
	}
	return stored, nil
}

func (s *AttemptService) loadOwned(ctx context.Context, attemptID uuid.UUID, studentID int) (*model.Attempt, error) {
	a, err := s.repo.GetAttempt(ctx, attemptID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	// Someone else's attempt looks exactly like a missing one.
	if a.StudentID != studentID {
		return nil, ErrAttemptNotFound
	}
	return a, nil
}

// paperQuestions returns the ordered student view, from Redis when cached.
func (s *AttemptService) paperQuestions(ctx context.Context, a *model.Attempt, exam *model.Exam) ([]model.Question, error) {
	key := config.CacheKey.AttemptPaperKey(a.ID.String())
	if raw, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var cached []model.Question
		if err := json.Unmarshal(raw, &cached); err == nil && len(cached) > 0 {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("key", key).Msg("Paper cache read failed, rebuilding")
	}

	questions, err := s.questionSet(ctx, exam.ID)
	if err != nil {
		return nil, err
	}

	order, err := s.paperOrder(ctx, a, exam, questions)
	if err != nil {
		return nil, err
	}
	paper := applyOrder(questions, order)

	if raw, err := json.Marshal(paper); err == nil {
		if err := s.rdb.Set(ctx, key, raw, s.paperTTL).Err(); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Paper cache write failed")
		}
	}
	return paper, nil
}

// paperOrder returns the frozen order, generating and freezing it on the
// first shuffled fetch.
func (s *AttemptService) paperOrder(ctx context.Context, a *model.Attempt, exam *model.Exam, questions []model.StoredQuestion) (*model.PaperOrder, error) {
	if !exam.Shuffle {
		return nil, nil
	}
	if a.QuestionOrder != nil {
		return a.QuestionOrder, nil
	}

	order := newPaperOrder(a.ID, questions)
	err := s.repo.SaveOrder(ctx, a.ID, order)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, repository.ErrOrderFrozen) {
		return nil, fmt.Errorf("freeze paper order: %w", err)
	}

	// Lost the race to a concurrent fetch: use what it stored.
	fresh, err := s.repo.GetAttempt(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("reload attempt: %w", err)
	}
	if fresh.QuestionOrder == nil {
		return order, nil
	}
	return fresh.QuestionOrder, nil
}

// questionSet returns the exam's questions with answer keys, cached in Redis.
func (s *AttemptService) questionSet(ctx context.Context, examID uuid.UUID) ([]model.StoredQuestion, error) {
	key := config.CacheKey.ExamQuestionsKey(examID.String())
	if raw, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var cached []model.StoredQuestion
		if err := json.Unmarshal(raw, &cached); err == nil && len(cached) > 0 {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("key", key).Msg("Question cache read failed, falling back to database")
	}

	questions, err := s.repo.ListQuestions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	if raw, err := json.Marshal(questions); err == nil {
		if err := s.rdb.Set(ctx, key, raw, s.paperTTL).Err(); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Question cache write failed")
		}
	}
	return questions, nil
}

// afterSubmit queues scoring and drops per-attempt keys. Failures are logged:
// the submission itself is already durable.
func (s *AttemptService) afterSubmit(ctx context.Context, log zerolog.Logger, attemptID uuid.UUID) {
	job, _ := json.Marshal(map[string]interface{}{
		"attempt_id": attemptID.String(),
	})

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, config.WorkerKey.ScoreAttemptsQueue, job)
	pipe.Del(ctx,
		config.CacheKey.AttemptPaperKey(attemptID.String()),
		config.CacheKey.AttemptViolationCountKey(attemptID.String()),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to queue scoring")
	}
}

// available decides whether the paper may be served. The schedule window
// gates opening an attempt; an attempt already started runs to its own
// deadline.
func available(exam *model.Exam, a *model.Attempt, now time.Time) bool {
	if exam.Status != model.ExamStatusPublished {
		return false
	}
	if a.StartedAt != nil {
		return true
	}
	return exam.InWindow(now)
}

// collectAnswers keeps answers and time for questions on the paper. An
// option that does not belong to its question is discarded. dropped counts
// the answers that were not kept.
func collectAnswers(questions []model.StoredQuestion, req *model.SubmitRequest) (answers []model.AttemptAnswer, dropped int) {
	kept := 0
	for _, q := range questions {
		id := q.ID.String()
		opt := req.Answers[id]
		if opt != "" && !q.HasOption(opt) {
			opt = ""
		}
		spent := req.TimeSpent[id]
		if spent < 0 {
			spent = 0
		}
		if opt == "" && spent == 0 {
			continue
		}
		if opt != "" {
			kept++
		}
		answers = append(answers, model.AttemptAnswer{QuestionID: q.ID, OptionID: opt, TimeSpent: spent})
	}

	submitted := 0
	for _, opt := range req.Answers {
		if opt != "" {
			submitted++
		}
	}
	return answers, submitted - kept
}

// remainingSeconds rounds up and clamps into [0, duration].
func remainingSeconds(d time.Duration, durationSeconds int) int {
	if d <= 0 {
		return 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs > durationSeconds {
		return durationSeconds
	}
	return secs
}
