package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

type fakeRepo struct {
	mu          sync.Mutex
	attempts    map[uuid.UUID]*model.Attempt
	exams       map[uuid.UUID]*model.Exam
	questions   map[uuid.UUID][]model.StoredQuestion
	submissions []*model.AttemptSubmission
	listCalls   int
	startedAt   time.Time
}

func (r *fakeRepo) GetAttempt(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) GetExam(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	e, ok := r.exams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (r *fakeRepo) ListQuestions(_ context.Context, examID uuid.UUID) ([]model.StoredQuestion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	return r.questions[examID], nil
}

func (r *fakeRepo) MarkStarted(_ context.Context, id uuid.UUID) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.attempts[id]
	if a.StartedAt == nil {
		t := r.startedAt
		a.StartedAt = &t
	}
	return *a.StartedAt, nil
}

func (r *fakeRepo) SaveOrder(_ context.Context, id uuid.UUID, order *model.PaperOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.attempts[id]
	if a.QuestionOrder != nil {
		return repository.ErrOrderFrozen
	}
	a.QuestionOrder = order
	return nil
}

func (r *fakeRepo) Submit(_ context.Context, sub *model.AttemptSubmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.attempts[sub.AttemptID]
	if a.Status == model.AttemptStatusSubmitted {
		return repository.ErrAlreadySubmitted
	}
	a.Status = model.AttemptStatusSubmitted
	a.SubmittedLate = sub.Late
	a.ViolationCount = sub.ViolationCount
	r.submissions = append(r.submissions, sub)
	return nil
}

type fixture struct {
	svc     *AttemptService
	repo    *fakeRepo
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	now     time.Time
	exam    *model.Exam
	attempt *model.Attempt
	qids    []uuid.UUID
}

const studentID = 42

func newFixture(t *testing.T, shuffle bool) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	exam := &model.Exam{
		ID:              uuid.New(),
		Title:           "Physics",
		Mode:            model.ExamModeLive,
		DurationSeconds: 1800,
		Shuffle:         shuffle,
		Status:          model.ExamStatusPublished,
		AutoSubmit:      true,
	}
	var questions []model.StoredQuestion
	var qids []uuid.UUID
	for i := 0; i < 5; i++ {
		id := uuid.New()
		qids = append(qids, id)
		questions = append(questions, model.StoredQuestion{
			ID:     id,
			ExamID: exam.ID,
			Text:   "question",
			Options: []model.Option{
				{ID: "A", Text: "a"}, {ID: "B", Text: "b"}, {ID: "C", Text: "c"}, {ID: "D", Text: "d"},
			},
			CorrectOption: "B",
			Points:        2,
			OrderNum:      i + 1,
		})
	}
	attempt := &model.Attempt{
		ID:        uuid.New(),
		ExamID:    exam.ID,
		StudentID: studentID,
		Status:    model.AttemptStatusInProgress,
	}
	repo := &fakeRepo{
		attempts:  map[uuid.UUID]*model.Attempt{attempt.ID: attempt},
		exams:     map[uuid.UUID]*model.Exam{exam.ID: exam},
		questions: map[uuid.UUID][]model.StoredQuestion{exam.ID: questions},
		startedAt: now,
	}

	cfg := &config.ServerConfig{SubmitGrace: 30 * time.Second, SubmitLockTTL: 15 * time.Second, PaperCacheTTL: time.Hour}
	svc := NewAttemptService(repo, rdb, cfg, zerolog.Nop())
	f := &fixture{svc: svc, repo: repo, mr: mr, rdb: rdb, now: now, exam: exam, attempt: attempt, qids: qids}
	svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) request(answers map[string]string) *model.SubmitRequest {
	return &model.SubmitRequest{AttemptID: f.attempt.ID.String(), Answers: answers}
}

func TestGetExamForAttempt_StartsClockAndComputesRemaining(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	paper, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, 5, paper.TotalQuestions)
	assert.Equal(t, 10.0, paper.PointsTotal)
	require.NotNil(t, paper.RemainingSeconds)
	assert.Equal(t, 1800, *paper.RemainingSeconds)
	assert.Equal(t, f.now.Add(30*time.Minute), paper.Deadline)
	assert.Equal(t, f.qids[0].String(), paper.Questions[0].ID, "unshuffled exams keep authoring order")

	// Ten minutes and a half later the server still counts from the first open.
	f.now = f.now.Add(10*time.Minute + 500*time.Millisecond)
	paper, err = f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, 1200, *paper.RemainingSeconds)

	f.now = f.now.Add(time.Hour)
	paper, err = f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, 0, *paper.RemainingSeconds)
}

func TestGetExamForAttempt_NoAnswerKeyLeaks(t *testing.T) {
	f := newFixture(t, false)

	paper, err := f.svc.GetExamForAttempt(context.Background(), f.attempt.ID, studentID)
	require.NoError(t, err)

	raw, err := json.Marshal(paper)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "correct")
}

func TestGetExamForAttempt_ShuffleIsFrozen(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
	require.NoError(t, err)
	require.NotNil(t, f.repo.attempts[f.attempt.ID].QuestionOrder, "order persisted on the attempt")

	// Drop the paper cache so the second fetch rebuilds from the stored order.
	f.mr.Del(config.CacheKey.AttemptPaperKey(f.attempt.ID.String()))
	second, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, first.Questions, second.Questions)

	ids := make([]string, 0, len(first.Questions))
	for _, q := range first.Questions {
		ids = append(ids, q.ID)
		assert.Len(t, q.Options, 4)
	}
	want := make([]string, 0, len(f.qids))
	for _, id := range f.qids {
		want = append(want, id.String())
	}
	assert.ElementsMatch(t, want, ids)
}

func TestGetExamForAttempt_ServesCachedPaper(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
	require.NoError(t, err)
	_, err = f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.repo.listCalls)
	assert.True(t, f.mr.Exists(config.CacheKey.AttemptPaperKey(f.attempt.ID.String())))
}

func TestGetExamForAttempt_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown attempt", func(t *testing.T) {
		f := newFixture(t, false)
		_, err := f.svc.GetExamForAttempt(ctx, uuid.New(), studentID)
		assert.ErrorIs(t, err, ErrAttemptNotFound)
	})

	t.Run("someone else's attempt", func(t *testing.T) {
		f := newFixture(t, false)
		_, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID+1)
		assert.ErrorIs(t, err, ErrAttemptNotFound)
	})

	t.Run("already submitted", func(t *testing.T) {
		f := newFixture(t, false)
		f.attempt.Status = model.AttemptStatusSubmitted
		_, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
		assert.ErrorIs(t, err, ErrAlreadySubmitted)
	})

	t.Run("before the window opens", func(t *testing.T) {
		f := newFixture(t, false)
		start := f.now.Add(time.Hour)
		f.exam.ScheduledStart = &start
		_, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
		assert.ErrorIs(t, err, ErrExamNotAvailable)
	})

	t.Run("started attempt outlives the window", func(t *testing.T) {
		f := newFixture(t, false)
		started := f.now.Add(-10 * time.Minute)
		f.attempt.StartedAt = &started
		end := f.now.Add(-time.Minute)
		f.exam.ScheduledEnd = &end
		paper, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
		require.NoError(t, err)
		assert.Equal(t, 1200, *paper.RemainingSeconds)
	})

	t.Run("draft exam", func(t *testing.T) {
		f := newFixture(t, false)
		f.exam.Status = model.ExamStatusDraft
		_, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
		assert.ErrorIs(t, err, ErrExamNotAvailable)
	})

	t.Run("no questions", func(t *testing.T) {
		f := newFixture(t, false)
		f.repo.questions[f.exam.ID] = nil
		_, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
		assert.ErrorIs(t, err, ErrNoQuestions)
	})
}

func TestSubmit_StoresAnswersAndQueuesScoring(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
	require.NoError(t, err)

	req := f.request(map[string]string{
		f.qids[0].String(): "B",
		f.qids[1].String(): "Z", // not an option
		uuid.NewString():   "A", // not on the paper
		f.qids[2].String(): "",  // cleared
	})
	req.TimeSpent = map[string]int{f.qids[0].String(): 30, f.qids[3].String(): 12}
	req.ViolationCount = 1
	req.Reason = model.SubmitReasonTimeout

	f.now = f.now.Add(20 * time.Minute)
	res, err := f.svc.Submit(ctx, f.attempt.ID, studentID, req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, MessageSubmitted, res.Message)

	require.Len(t, f.repo.submissions, 1)
	sub := f.repo.submissions[0]
	assert.Equal(t, model.SubmitReasonTimeout, sub.Reason)
	assert.False(t, sub.Late)
	assert.Equal(t, 1, sub.ViolationCount)
	assert.Equal(t, []model.AttemptAnswer{
		{QuestionID: f.qids[0], OptionID: "B", TimeSpent: 30},
		{QuestionID: f.qids[3], TimeSpent: 12},
	}, sub.Answers)

	queued, err := f.mr.List(config.WorkerKey.ScoreAttemptsQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.JSONEq(t, `{"attempt_id":"`+f.attempt.ID.String()+`"}`, queued[0])
	assert.False(t, f.mr.Exists(config.CacheKey.AttemptPaperKey(f.attempt.ID.String())))
	assert.False(t, f.mr.Exists(config.CacheKey.AttemptSubmitLockKey(f.attempt.ID.String())), "lock released")
}

func TestSubmit_IsIdempotent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, f.attempt.ID, studentID, f.request(map[string]string{f.qids[0].String(): "B"}))
	require.NoError(t, err)
	assert.Equal(t, MessageSubmitted, res.Message)

	res, err = f.svc.Submit(ctx, f.attempt.ID, studentID, f.request(map[string]string{f.qids[0].String(): "C"}))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, MessageAlreadySubmitted, res.Message)

	require.Len(t, f.repo.submissions, 1)
	assert.Equal(t, "B", f.repo.submissions[0].Answers[0].OptionID, "stored answers untouched")
}

func TestSubmit_ConcurrentSubmitsStoreOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Submit(ctx, f.attempt.ID, studentID, f.request(nil))
			if err != nil {
				assert.ErrorIs(t, err, ErrSubmitInProgress)
				return
			}
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()

	assert.Len(t, f.repo.submissions, 1)
}

func TestSubmit_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.mr.Set(config.CacheKey.AttemptSubmitLockKey(f.attempt.ID.String()), "other"))

	_, err := f.svc.Submit(context.Background(), f.attempt.ID, studentID, f.request(nil))
	assert.ErrorIs(t, err, ErrSubmitInProgress)

	v, err := f.mr.Get(config.CacheKey.AttemptSubmitLockKey(f.attempt.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, "other", v, "a lock owned by another request is left alone")
}

func TestSubmit_LateAfterGrace(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
	require.NoError(t, err)

	f.now = f.now.Add(30*time.Minute + 31*time.Second)
	res, err := f.svc.Submit(ctx, f.attempt.ID, studentID, f.request(nil))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, MessageSubmittedLate, res.Message)
	assert.True(t, f.repo.submissions[0].Late)
}

func TestSubmit_WithinGraceIsOnTime(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.svc.GetExamForAttempt(ctx, f.attempt.ID, studentID)
	require.NoError(t, err)

	f.now = f.now.Add(30*time.Minute + 10*time.Second)
	res, err := f.svc.Submit(ctx, f.attempt.ID, studentID, f.request(nil))
	require.NoError(t, err)
	assert.Equal(t, MessageSubmitted, res.Message)
}

func TestSubmit_Mismatch(t *testing.T) {
	f := newFixture(t, false)
	req := f.request(nil)
	req.AttemptID = uuid.NewString()

	_, err := f.svc.Submit(context.Background(), f.attempt.ID, studentID, req)
	assert.ErrorIs(t, err, ErrAttemptMismatch)
	assert.True(t, IsClientError(err))
}

func TestSubmit_UsesHigherStreamedViolationCount(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	n, err := f.svc.RecordViolation(ctx, f.attempt.ID, studentID, model.ViolationHidden, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	req := f.request(nil)
	req.ViolationCount = 1
	_, err = f.svc.Submit(ctx, f.attempt.ID, studentID, req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.repo.submissions[0].ViolationCount)
}

func TestRecordViolation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	n, err := f.svc.RecordViolation(ctx, f.attempt.ID, studentID, model.ViolationBlur, 2, 1700000000000)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A late, lower count never lowers the stored one.
	n, err = f.svc.RecordViolation(ctx, f.attempt.ID, studentID, model.ViolationHidden, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	queued, err := f.mr.List(config.WorkerKey.PersistViolationsQueue)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	var ev model.ViolationEvent
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &ev))
	assert.Equal(t, f.attempt.ID.String(), ev.AttemptID)
	assert.Equal(t, studentID, ev.StudentID)
	assert.Equal(t, model.ViolationBlur, ev.Kind)
	assert.Equal(t, int64(1700000000000), ev.OccurredAt)

	_, err = f.svc.RecordViolation(ctx, f.attempt.ID, studentID, "right_click", 3, 0)
	assert.ErrorIs(t, err, ErrInvalidViolation)
	_, err = f.svc.RecordViolation(ctx, f.attempt.ID, studentID, model.ViolationBlur, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidViolation)
}

func TestVerifyActiveAttempt(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	assert.NoError(t, f.svc.VerifyActiveAttempt(ctx, f.attempt.ID, studentID))
	assert.ErrorIs(t, f.svc.VerifyActiveAttempt(ctx, f.attempt.ID, 7), ErrAttemptNotFound)

	f.attempt.Status = model.AttemptStatusSubmitted
	assert.ErrorIs(t, f.svc.VerifyActiveAttempt(ctx, f.attempt.ID, studentID), ErrAlreadySubmitted)
}
