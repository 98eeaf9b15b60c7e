// Package controller drives one exam attempt: it loads the paper, runs the
// countdown, routes student input into the attempt store, applies integrity
// decisions and funnels every end-of-attempt trigger into one submission.
//
// All state changes go through a single mutex so a tick, a key press, a focus
// signal and a submit result never interleave. Network calls run outside the
// lock and re-enter through the same entry points.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/cache"
	"github.com/stemsi/exstem-attempt/internal/client"
	"github.com/stemsi/exstem-attempt/internal/clock"
	"github.com/stemsi/exstem-attempt/internal/integrity"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/navigator"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/submission"
)

var (
	ErrNotMounted         = errors.New("no attempt mounted")
	ErrStaleMount         = errors.New("attempt was unmounted while loading")
	ErrLoadFailed         = errors.New("could not load exam")
	ErrInputBlocked       = errors.New("input is blocked")
	ErrSubmissionInFlight = errors.New("submission already in progress or finished")
	ErrNothingToDo        = errors.New("no change")
)

// ExamAPI is the server contract the controller consumes.
type ExamAPI interface {
	FetchExam(ctx context.Context, attemptID string) (*model.ExamPaper, error)
	Submit(ctx context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error)
}

// ViolationReporter receives counted violations for audit.
type ViolationReporter interface {
	Report(ctx context.Context, kind model.ViolationKind, count int) error
}

// Options configures a Controller. Zero values fall back to defaults.
type Options struct {
	Cache         cache.SessionCache
	Reporter      ViolationReporter
	Submit        submission.Config
	FetchAttempts int
	TickInterval  time.Duration
	// Now is the time source of the countdown.
	Now    func() time.Time
	Logger zerolog.Logger
}

// Controller manages the lifecycle of one mounted attempt at a time.
type Controller struct {
	mu    sync.Mutex
	api   ExamAPI
	opts  Options
	log   zerolog.Logger
	coord *submission.Coordinator
	// inflight counts submissions still talking to the server, across mounts.
	inflight sync.WaitGroup

	generation uint64
	mountCtx   context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	doneClosed bool

	attemptID string
	exam      *model.ExamDefinition
	store     *attempt.Store
	clock     *clock.Countdown
	monitor   *integrity.Monitor
	accounted int

	screen    Screen
	warning   *Warning
	recovered bool
	status    string
	message   string
	result    *submission.Result
}

// New creates an idle controller.
func New(api ExamAPI, opts Options) *Controller {
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryCache()
	}
	if opts.Submit.MaxAttempts == 0 {
		opts.Submit = submission.DefaultConfig()
	}
	if opts.FetchAttempts <= 0 {
		opts.FetchAttempts = 3
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller{
		api:    api,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "controller").Logger(),
		screen: ScreenIdle,
		done:   make(chan struct{}),
	}
	c.coord = submission.NewCoordinator(api, opts.Submit, opts.Logger)
	c.coord.OnRetry(c.onSubmitRetry)
	return c
}

// Mount loads attemptID and starts it. A previously mounted attempt is
// unmounted first. Mount blocks for the duration of the exam fetch.
func (c *Controller) Mount(ctx context.Context, attemptID string) error {
	c.mu.Lock()
	c.unmountLocked()
	c.generation++
	gen := c.generation
	c.mountCtx, c.cancel = context.WithCancel(ctx)
	mountCtx := c.mountCtx
	c.done = make(chan struct{})
	c.doneClosed = false
	c.attemptID = attemptID
	c.screen = ScreenLoading
	c.status = "Loading exam..."
	c.mu.Unlock()

	log := c.log.With().Str("attempt_id", attemptID).Logger()
	log.Info().Msg("Mounting attempt")

	paper, fetchErr := c.fetch(mountCtx, gen, attemptID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		log.Warn().Msg("Dropping exam fetched for an unmounted attempt")
		return ErrStaleMount
	}
	if fetchErr != nil {
		return c.failLoadLocked(mountCtx, fetchErr)
	}

	def, err := model.NewExamDefinition(paper)
	if err != nil {
		log.Error().Err(err).Msg("Server returned an unusable exam")
		c.failLocked("This exam could not be opened. Please contact your proctor.")
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	if def.AttemptID != attemptID {
		log.Error().Str("got", def.AttemptID).Msg("Server returned another attempt")
		c.failLocked("This exam could not be opened. Please contact your proctor.")
		return fmt.Errorf("%w: attempt mismatch", ErrLoadFailed)
	}

	c.exam = def
	c.store = attempt.NewStore(def, c.opts.Cache, c.opts.Logger)
	c.monitor = integrity.NewMonitor(integrity.PolicyFor(def), c.opts.Logger)
	c.clock = clock.NewWithSource(c.opts.Now)

	reh, err := c.store.Rehydrate(mountCtx)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable session cache")
	}
	c.recovered = reh.WasAborted
	c.monitor.Restore(c.store.State().ViolationCount)

	remaining := remainingFromPaper(paper, def)
	elapsed := def.Duration() - time.Duration(remaining)*time.Second
	clamped, err := c.clock.StartWithElapsed(def.Duration(), elapsed)
	if err != nil {
		c.failLocked("This exam could not be opened. Please contact your proctor.")
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	if clamped {
		log.Warn().Int("remaining", remaining).Int("duration", def.DurationSeconds).Msg("Server remaining time out of range, clamped")
	}
	c.store.SetRemaining(c.clock.Remaining())
	c.accounted = int(c.clock.Elapsed() / time.Second)

	if err := c.store.Transition(mountCtx, attempt.PhaseActive); err != nil {
		c.failLocked("This exam could not be opened. Please contact your proctor.")
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	c.screen = ScreenExam
	c.status = ""
	if c.recovered {
		c.status = "Your previous submission did not reach the server. Submit again when ready."
	}

	log.Info().
		Str("mode", string(def.Mode)).
		Int("questions", def.QuestionCount()).
		Int("remaining", c.clock.Remaining()).
		Bool("rehydrated", reh.Found).
		Bool("recovered", reh.WasAborted).
		Msg("Attempt active")

	if _, expired := c.clock.Tick(); expired {
		c.expireLocked()
	}
	return nil
}

func (c *Controller) fetch(ctx context.Context, gen uint64, attemptID string) (*model.ExamPaper, error) {
	cfg := c.opts.Submit
	cfg.MaxAttempts = c.opts.FetchAttempts

	var paper *model.ExamPaper
	op := func() error {
		p, err := c.api.FetchExam(ctx, attemptID)
		if err != nil {
			if submission.Classify(err) == submission.OutcomeFatal {
				return backoff.Permanent(err)
			}
			return err
		}
		paper = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Dur("wait", wait).Msg("Exam fetch failed, retrying")
		c.mu.Lock()
		if gen == c.generation {
			c.status = "Connection problem, retrying..."
		}
		c.mu.Unlock()
	}
	if err := backoff.RetryNotify(op, submission.NewBackOff(ctx, cfg), notify); err != nil {
		return nil, err
	}
	return paper, nil
}

// remainingFromPaper derives the authoritative remaining seconds from the
// server's answer, preferring its explicit count, then its deadline.
func remainingFromPaper(p *model.ExamPaper, def *model.ExamDefinition) int {
	switch {
	case p.RemainingSeconds != nil:
		return *p.RemainingSeconds
	case !p.Deadline.IsZero() && !p.ServerTime.IsZero():
		return int(p.Deadline.Sub(p.ServerTime).Seconds())
	case !p.StartedAt.IsZero() && !p.ServerTime.IsZero():
		return def.DurationSeconds - int(p.ServerTime.Sub(p.StartedAt).Seconds())
	}
	return def.DurationSeconds
}

func (c *Controller) failLoadLocked(ctx context.Context, err error) error {
	log := c.log.With().Str("attempt_id", c.attemptID).Logger()

	switch {
	case errors.Is(err, context.Canceled):
		c.failLocked("Loading was cancelled.")
	case client.IsCode(err, response.ErrAttemptAlreadySubmitted):
		if clearErr := c.opts.Cache.Clear(ctx, c.attemptID); clearErr != nil {
			log.Warn().Err(clearErr).Msg("Failed to clear session cache")
		}
		c.failLocked("This exam has already been submitted.")
	case client.IsCode(err, response.ErrAttemptNotFound):
		c.failLocked("This exam is not assigned to you.")
	case client.IsCode(err, response.ErrExamNotAvailable):
		c.failLocked("This exam is not open right now.")
	case submission.Classify(err) == submission.OutcomeRetry:
		c.failLocked("The exam could not be loaded. Check your connection and try again.")
	default:
		c.failLocked("This exam could not be opened. Please contact your proctor.")
	}
	log.Error().Err(err).Str("message", c.message).Msg("Exam load failed")
	return fmt.Errorf("%w: %w", ErrLoadFailed, err)
}

func (c *Controller) failLocked(msg string) {
	c.screen = ScreenError
	c.message = msg
	c.status = ""
	c.closeDoneLocked()
}

// Run ticks the countdown until ctx ends, the attempt is unmounted or it
// reaches a terminal screen.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.mountCtx == nil {
		c.mu.Unlock()
		return ErrNotMounted
	}
	mountCtx, done := c.mountCtx, c.done
	c.mu.Unlock()

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-mountCtx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick samples the countdown, charges elapsed time to the current question
// and fires expiry.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store == nil || c.screen != ScreenExam {
		return
	}
	remaining, expired := c.clock.Tick()
	c.store.SetRemaining(remaining)
	c.accountTimeLocked()

	if expired {
		c.expireLocked()
	}
}

// accountTimeLocked charges whole elapsed seconds since the last call to the
// current question. Seconds spent away, locked or paused are not charged.
func (c *Controller) accountTimeLocked() {
	secs := int(c.clock.Elapsed() / time.Second)
	delta := secs - c.accounted
	c.accounted = secs
	if delta <= 0 || c.blockedLocked() {
		return
	}
	st := c.store.State()
	q, err := c.exam.QuestionAt(st.CurrentIndex)
	if err != nil {
		return
	}
	_ = c.store.Dispatch(c.mountCtx, attempt.Tick{QuestionID: q.ID, DeltaSeconds: delta})
}

func (c *Controller) expireLocked() {
	switch c.store.Phase() {
	case attempt.PhaseActive, attempt.PhaseSuspended:
	default:
		return
	}
	c.log.Info().Str("attempt_id", c.attemptID).Bool("auto_submit", c.exam.AutoSubmit).Msg("Time is up")
	if err := c.store.Transition(c.mountCtx, attempt.PhaseExpired); err != nil {
		return
	}
	c.warning = nil
	if c.exam.AutoSubmit {
		_ = c.beginSubmitLocked(model.SubmitReasonTimeout)
		return
	}
	c.status = "Time is up. Submit your answers to finish."
}

// blockedLocked reports whether answer and navigation input is refused.
func (c *Controller) blockedLocked() bool {
	return c.store.Phase() != attempt.PhaseActive || c.warning != nil || c.monitor.Locked()
}

func (c *Controller) dispatch(a attempt.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store == nil || c.screen != ScreenExam {
		return ErrNotMounted
	}
	if c.warning != nil || c.monitor.Locked() {
		c.log.Warn().Str("action", a.Name()).Msg("Action rejected while a modal is open")
		return ErrInputBlocked
	}
	return c.store.Dispatch(c.mountCtx, a)
}

// Select records optionID as the answer to questionID.
func (c *Controller) Select(questionID, optionID string) error {
	return c.dispatch(attempt.SelectOption{QuestionID: questionID, OptionID: optionID})
}

// ToggleFlag flips the review flag of questionID.
func (c *Controller) ToggleFlag(questionID string) error {
	return c.dispatch(attempt.ToggleFlag{QuestionID: questionID})
}

// Clear removes the answer to questionID.
func (c *Controller) Clear(questionID string) error {
	return c.dispatch(attempt.ClearAnswer{QuestionID: questionID})
}

// GoTo moves to question index. Moving to the current question or out of
// range returns ErrNothingToDo.
func (c *Controller) GoTo(index int) error {
	return c.move(func(cur, n int) (int, bool) { return navigator.GoTo(cur, index, n) })
}

// Next moves forward one question.
func (c *Controller) Next() error { return c.move(navigator.Next) }

// Previous moves back one question.
func (c *Controller) Previous() error { return c.move(navigator.Previous) }

func (c *Controller) move(step func(cur, n int) (int, bool)) error {
	c.mu.Lock()
	if c.store == nil || c.screen != ScreenExam {
		c.mu.Unlock()
		return ErrNotMounted
	}
	cur, n := c.store.State().CurrentIndex, c.exam.QuestionCount()
	c.mu.Unlock()

	to, ok := step(cur, n)
	if !ok {
		return ErrNothingToDo
	}
	return c.dispatch(attempt.SetCurrent{Index: to})
}

// Signal feeds an integrity signal from the host environment.
func (c *Controller) Signal(sig integrity.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store == nil || c.screen != ScreenExam {
		return
	}
	phase := c.store.Phase()
	if phase == attempt.PhaseSubmitting || phase.Terminal() {
		return
	}

	d := c.monitor.Observe(sig)
	if d.Violation {
		c.store.SetViolationCount(c.mountCtx, d.Count)
		c.reportLocked(d.Kind, d.Count)
	}
	if d.Lock {
		c.log.Warn().Msg("Fullscreen left, input locked")
	}
	if d.Unlock {
		c.log.Info().Msg("Fullscreen restored")
	}

	switch {
	case d.ForceSubmit:
		c.warning = nil
		_ = c.beginSubmitLocked(model.SubmitReasonViolation)
		return
	case d.Warn && phase != attempt.PhaseExpired:
		c.warning = &Warning{Kind: d.Kind, Count: d.Count}
	}

	if d.Suspend && phase == attempt.PhaseActive {
		// The countdown keeps running in every mode: the server deadline does.
		_ = c.store.Transition(c.mountCtx, attempt.PhaseSuspended)
	}
	if d.Resume && phase == attempt.PhaseSuspended {
		_ = c.store.Transition(c.mountCtx, attempt.PhaseActive)
	}
}

func (c *Controller) reportLocked(kind model.ViolationKind, count int) {
	if c.opts.Reporter == nil {
		return
	}
	reporter, log := c.opts.Reporter, c.log.With().Str("attempt_id", c.attemptID).Logger()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reporter.Report(ctx, kind, count); err != nil {
			log.Warn().Err(err).Str("kind", string(kind)).Int("count", count).Msg("Violation report not delivered")
		}
	}()
}

// AcknowledgeWarning dismisses the integrity warning dialog.
func (c *Controller) AcknowledgeWarning() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warning == nil {
		return ErrNothingToDo
	}
	c.warning = nil
	return nil
}

// Submit is the student's confirmed submission.
func (c *Controller) Submit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store == nil {
		return ErrNotMounted
	}
	return c.beginSubmitLocked(model.SubmitReasonManual)
}

// beginSubmitLocked moves the attempt into PhaseSubmitting and starts the
// network submission. Any trigger after the first is swallowed.
func (c *Controller) beginSubmitLocked(reason model.SubmitReason) error {
	phase := c.store.Phase()
	if !attempt.CanTransition(phase, attempt.PhaseSubmitting) {
		c.log.Debug().Str("phase", string(phase)).Str("reason", string(reason)).Msg("Submit trigger swallowed")
		return ErrSubmissionInFlight
	}

	c.accountTimeLocked()
	if err := c.store.Transition(c.mountCtx, attempt.PhaseSubmitting); err != nil {
		return err
	}

	st := c.store.State()
	req := &model.SubmitRequest{
		AttemptID:      c.attemptID,
		Answers:        st.Answers,
		TimeSpent:      st.TimeSpent,
		ViolationCount: st.ViolationCount,
		Reason:         reason,
	}
	c.status = "Submitting..."
	c.warning = nil

	gen, store := c.generation, c.store
	c.inflight.Add(1)
	go c.runSubmit(gen, store, req)
	return nil
}

// runSubmit is not tied to the mount: an unmount never cancels a submission
// that may already have been written on the server.
func (c *Controller) runSubmit(gen uint64, store *attempt.Store, req *model.SubmitRequest) {
	defer c.inflight.Done()
	res := c.coord.Submit(context.Background(), req)

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := context.Background()
	if res.Outcome == submission.OutcomeOK {
		_ = store.Transition(ctx, attempt.PhaseSubmitted)
	} else {
		_ = store.Transition(ctx, attempt.PhaseAborted)
	}

	if gen != c.generation {
		c.log.Info().Str("attempt_id", req.AttemptID).Str("outcome", res.Outcome.String()).Msg("Submission finished after unmount")
		return
	}

	c.result = &res
	c.status = ""
	switch res.Outcome {
	case submission.OutcomeOK:
		c.screen = ScreenSubmitted
		c.message = "Your answers were submitted. Results will be available soon."
	case submission.OutcomeRetry:
		c.screen = ScreenAborted
		c.message = "Your answers could not be sent. They are saved on this device; reopen the exam to submit again."
	default:
		c.screen = ScreenAborted
		c.message = "The server did not accept the submission. Your answers are saved on this device; please contact your proctor."
	}
	c.closeDoneLocked()
}

func (c *Controller) onSubmitRetry(attemptNo int, _ error, wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = fmt.Sprintf("Connection problem, retrying submission (%d/%d)...", attemptNo+1, c.opts.Submit.MaxAttempts)
}

// Result returns the submission outcome once the attempt has ended.
func (c *Controller) Result() (submission.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return submission.Result{}, false
	}
	return *c.result, true
}

// Wait blocks until every submission started by this controller has
// finished, including ones that outlived their mount, or until ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the mounted attempt reaches a terminal screen or is
// unmounted. Use Wait to wait for a submission that outlives its mount.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Controller) closeDoneLocked() {
	if !c.doneClosed {
		c.doneClosed = true
		close(c.done)
	}
}

// Unmount stops the countdown and detaches the attempt. A submission already
// in flight keeps running to completion.
func (c *Controller) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmountLocked()
	c.generation++
}

func (c *Controller) unmountLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeDoneLocked()
	if c.attemptID != "" {
		c.log.Info().Str("attempt_id", c.attemptID).Msg("Attempt unmounted")
	}
	c.mountCtx, c.cancel = nil, nil
	c.attemptID = ""
	c.exam, c.store, c.clock, c.monitor = nil, nil, nil, nil
	c.accounted = 0
	c.screen = ScreenIdle
	c.warning = nil
	c.recovered = false
	c.status, c.message = "", ""
	c.result = nil
}

// View returns a snapshot for rendering.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{Screen: c.screen, Status: c.status, Message: c.message}
	if c.store == nil {
		return v
	}

	st := c.store.State()
	v.Phase = st.Phase
	v.Title = c.exam.Title
	v.Mode = c.exam.Mode
	v.Index = st.CurrentIndex
	v.Total = c.exam.QuestionCount()
	if q, err := c.exam.QuestionAt(st.CurrentIndex); err == nil {
		v.Question = &q
		v.Selected = st.Answers[q.ID]
		v.Flagged = st.IsFlagged(q.ID)
	}
	v.Grid = navigator.Grid(c.exam, st)
	v.FlaggedIndexes = navigator.FlaggedIndexes(c.exam, st)
	v.Answered, _ = navigator.Progress(c.exam, st)
	v.RemainingSeconds = st.RemainingSeconds
	v.ViolationCount = st.ViolationCount
	v.CanNext = navigator.CanNext(st.CurrentIndex, v.Total)
	v.CanPrevious = navigator.CanPrevious(st.CurrentIndex, v.Total)
	v.InputLocked = c.blockedLocked()
	if c.warning != nil {
		w := *c.warning
		v.Warning = &w
	}
	v.FullscreenLock = c.monitor.Locked()
	v.Recovered = c.recovered
	return v
}
