// Package submission performs the single terminal submission of an attempt.
package submission

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stemsi/exstem-attempt/internal/model"
)

// Outcome classifies a submission or fetch result.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeRetry is a transient failure; as a final result it means the
	// retry budget ran out.
	OutcomeRetry
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

var ErrRejected = errors.New("submission rejected by server")

// Submitter is the server side of the submit contract.
type Submitter interface {
	Submit(ctx context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error)
}

// transient is implemented by errors that know whether a retry can help.
type transient interface {
	Transient() bool
}

// Classify maps an error to OutcomeRetry or OutcomeFatal. Errors that carry
// no classification are assumed to be network trouble and retried.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeFatal
	}
	var t transient
	if errors.As(err, &t) {
		if t.Transient() {
			return OutcomeRetry
		}
		return OutcomeFatal
	}
	return OutcomeRetry
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultConfig returns 5 attempts, 500ms initial backoff doubling up to 8s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2,
	}
}

// NewBackOff builds the exponential policy for cfg without jitter so retry
// timing is predictable.
func NewBackOff(ctx context.Context, cfg Config) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	retries := 0
	if cfg.MaxAttempts > 1 {
		retries = cfg.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Result is the final state of one submission.
type Result struct {
	Outcome  Outcome
	Message  string
	Attempts int
	Err      error
	// Shared is set for callers that joined a submission already in flight.
	Shared bool
}

// RetryFunc is told about every scheduled retry.
type RetryFunc func(attempt int, err error, wait time.Duration)

// Coordinator runs at most one submission per attempt id at a time.
type Coordinator struct {
	api     Submitter
	cfg     Config
	log     zerolog.Logger
	group   singleflight.Group
	onRetry RetryFunc
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(api Submitter, cfg Config, log zerolog.Logger) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Coordinator{
		api: api,
		cfg: cfg,
		log: log.With().Str("component", "submission").Logger(),
	}
}

// OnRetry registers fn to be called before each retry wait.
func (c *Coordinator) OnRetry(fn RetryFunc) { c.onRetry = fn }

// Submit sends req, retrying transient failures with exponential backoff.
// Concurrent calls for the same attempt share one network submission.
func (c *Coordinator) Submit(ctx context.Context, req *model.SubmitRequest) Result {
	v, _, shared := c.group.Do(req.AttemptID, func() (any, error) {
		return c.run(ctx, req), nil
	})
	res := v.(Result)
	res.Shared = shared
	return res
}

func (c *Coordinator) run(ctx context.Context, req *model.SubmitRequest) Result {
	log := c.log.With().Str("attempt_id", req.AttemptID).Str("reason", string(req.Reason)).Logger()

	var (
		calls int
		resp  *model.SubmitResponse
	)
	op := func() error {
		calls++
		r, err := c.api.Submit(ctx, req)
		if err != nil {
			if Classify(err) == OutcomeFatal {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", calls).Dur("wait", wait).Msg("Submit failed, retrying")
		if c.onRetry != nil {
			c.onRetry(calls, err, wait)
		}
	}

	log.Info().Int("answers", len(req.Answers)).Int("violations", req.ViolationCount).Msg("Submitting attempt")
	err := backoff.RetryNotify(op, NewBackOff(ctx, c.cfg), notify)
	if err != nil {
		outcome := Classify(err)
		log.Error().Err(err).Int("attempts", calls).Str("outcome", outcome.String()).Msg("Submit gave up")
		return Result{Outcome: outcome, Attempts: calls, Err: err}
	}
	if resp == nil || !resp.Success {
		msg := ""
		if resp != nil {
			msg = resp.Message
		}
		log.Error().Str("message", msg).Int("attempts", calls).Msg("Submit rejected")
		return Result{Outcome: OutcomeFatal, Message: msg, Attempts: calls, Err: ErrRejected}
	}

	log.Info().Int("attempts", calls).Str("message", resp.Message).Msg("Attempt submitted")
	return Result{Outcome: OutcomeOK, Message: resp.Message, Attempts: calls}
}
