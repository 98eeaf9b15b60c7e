package submission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-attempt/internal/model"
)

type classifiedErr struct{ transient bool }

func (e classifiedErr) Error() string   { return "classified" }
func (e classifiedErr) Transient() bool { return e.transient }

// scriptedSubmitter returns the scripted errors in order, then succeeds.
type scriptedSubmitter struct {
	mu      sync.Mutex
	calls   int
	script  []error
	reply   *model.SubmitResponse
	release chan struct{}
	got     []*model.SubmitRequest
}

func (s *scriptedSubmitter) Submit(_ context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.got = append(s.got, req)
	if s.calls <= len(s.script) {
		return nil, s.script[s.calls-1]
	}
	if s.reply != nil {
		return s.reply, nil
	}
	return &model.SubmitResponse{Success: true, Message: "submitted"}, nil
}

func (s *scriptedSubmitter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastConfig() Config {
	return Config{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, Multiplier: 2}
}

func request() *model.SubmitRequest {
	return &model.SubmitRequest{
		AttemptID: "attempt-1",
		Answers:   map[string]string{"q1": "A", "q3": "C"},
		TimeSpent: map[string]int{"q1": 4},
		Reason:    model.SubmitReasonManual,
	}
}

func TestCoordinator_ScenarioD_ThreeFailuresThenSuccess(t *testing.T) {
	transientErr := classifiedErr{transient: true}
	api := &scriptedSubmitter{script: []error{transientErr, transientErr, errors.New("connection reset")}}
	c := NewCoordinator(api, fastConfig(), zerolog.Nop())

	var retries []int
	c.OnRetry(func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) })

	res := c.Submit(context.Background(), request())
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 4, api.Calls())
	assert.Equal(t, []int{1, 2, 3}, retries)

	// Every retry carries the complete payload.
	for _, r := range api.got {
		assert.Equal(t, map[string]string{"q1": "A", "q3": "C"}, r.Answers)
	}
}

func TestCoordinator_ExhaustsRetryBudget(t *testing.T) {
	e := classifiedErr{transient: true}
	api := &scriptedSubmitter{script: []error{e, e, e, e, e, e, e}}
	c := NewCoordinator(api, fastConfig(), zerolog.Nop())

	res := c.Submit(context.Background(), request())
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, 5, api.Calls())
	assert.Error(t, res.Err)
}

func TestCoordinator_FatalStopsImmediately(t *testing.T) {
	api := &scriptedSubmitter{script: []error{classifiedErr{transient: false}}}
	c := NewCoordinator(api, fastConfig(), zerolog.Nop())

	res := c.Submit(context.Background(), request())
	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.Equal(t, 1, api.Calls())
	var ce classifiedErr
	assert.True(t, errors.As(res.Err, &ce))
}

func TestCoordinator_UnsuccessfulReplyIsFatal(t *testing.T) {
	api := &scriptedSubmitter{reply: &model.SubmitResponse{Success: false, Message: "exam closed"}}
	c := NewCoordinator(api, fastConfig(), zerolog.Nop())

	res := c.Submit(context.Background(), request())
	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.Equal(t, "exam closed", res.Message)
	assert.ErrorIs(t, res.Err, ErrRejected)
	assert.Equal(t, 1, api.Calls())
}

func TestCoordinator_ConcurrentSubmitsShareOneCall(t *testing.T) {
	api := &scriptedSubmitter{release: make(chan struct{})}
	c := NewCoordinator(api, fastConfig(), zerolog.Nop())

	const n = 10
	var (
		wg     sync.WaitGroup
		shared atomic.Int32
	)
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Submit(context.Background(), request())
			if results[i].Shared {
				shared.Add(1)
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(api.release)
	wg.Wait()

	assert.Equal(t, 1, api.Calls())
	for _, r := range results {
		assert.Equal(t, OutcomeOK, r.Outcome)
	}
	assert.Equal(t, int32(n), shared.Load())
}

func TestCoordinator_CancelledContext(t *testing.T) {
	api := &scriptedSubmitter{script: []error{classifiedErr{transient: true}}}
	c := NewCoordinator(api, Config{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	c.OnRetry(func(int, error, time.Duration) { cancel() })

	res := c.Submit(ctx, request())
	require.Equal(t, 1, api.Calls())
	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeOK, Classify(nil))
	assert.Equal(t, OutcomeRetry, Classify(errors.New("dial tcp: refused")))
	assert.Equal(t, OutcomeRetry, Classify(context.DeadlineExceeded))
	assert.Equal(t, OutcomeFatal, Classify(context.Canceled))
	assert.Equal(t, OutcomeFatal, Classify(classifiedErr{}))
}
