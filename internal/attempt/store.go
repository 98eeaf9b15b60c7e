package attempt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/cache"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Store is the only writer of an attempt's state and of its session cache
// entry. Every accepted mutation is mirrored to the cache.
type Store struct {
	mu    sync.Mutex
	exam  *model.ExamDefinition
	cache cache.SessionCache
	log   zerolog.Logger
	state State
}

// Rehydration describes what a Rehydrate call restored.
type Rehydration struct {
	Found      bool
	WasAborted bool
	// Dropped counts cached answers or flags that no longer match the paper.
	Dropped int
}

// NewStore creates a store for exam in PhaseCreated.
func NewStore(exam *model.ExamDefinition, c cache.SessionCache, log zerolog.Logger) *Store {
	return &Store{
		exam:  exam,
		cache: c,
		log:   log.With().Str("component", "attempt_store").Str("attempt_id", exam.AttemptID).Logger(),
		state: NewState(exam.DurationSeconds),
	}
}

// Exam returns the definition the store validates against.
func (s *Store) Exam() *model.ExamDefinition { return s.exam }

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Phase returns the current phase.
func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase
}

// Dispatch reduces a into the state. Rejected actions are logged and leave
// the state untouched.
func (s *Store) Dispatch(ctx context.Context, a Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := Reduce(s.exam, s.state, a)
	if err != nil {
		s.log.Warn().Err(err).Str("action", a.Name()).Msg("Action rejected")
		return err
	}
	s.state = next
	s.persistLocked(ctx)
	return nil
}

// Transition moves the attempt to phase to. Reaching PhaseSubmitted clears
// the session cache; every other phase, PhaseAborted included, is persisted
// so a reload can recover it.
func (s *Store) Transition(ctx context.Context, to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state.Phase
	if !CanTransition(from, to) {
		err := invalidTransition(from, to)
		s.log.Warn().Err(err).Msg("Transition rejected")
		return err
	}
	s.state.Phase = to
	s.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("Phase changed")

	if to == PhaseSubmitted {
		if err := s.cache.Clear(ctx, s.exam.AttemptID); err != nil {
			s.log.Error().Err(err).Msg("Failed to clear session cache")
		}
		return nil
	}
	s.persistLocked(ctx)
	return nil
}

// SetRemaining records the countdown reading, clamped into [0, duration].
// Once the attempt has started the value never increases. It reports whether
// the reading had to be clamped.
func (s *Store) SetRemaining(n int) (clamped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 0 {
		n, clamped = 0, true
	} else if n > s.exam.DurationSeconds {
		n, clamped = s.exam.DurationSeconds, true
	}
	if clamped {
		s.log.Warn().Int("remaining", n).Msg("Remaining time clamped")
	}
	if s.state.Phase != PhaseCreated && n > s.state.RemainingSeconds {
		return clamped
	}
	s.state.RemainingSeconds = n
	return clamped
}

// SetViolationCount records the integrity monitor's count. Counts only grow.
func (s *Store) SetViolationCount(ctx context.Context, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase.Terminal() || n <= s.state.ViolationCount {
		return
	}
	s.state.ViolationCount = n
	s.persistLocked(ctx)
}

// Rehydrate restores answers, flags, time spent, the current index and the
// violation count from the session cache. The cached remaining time is
// ignored. It is only valid before the attempt becomes active.
func (s *Store) Rehydrate(ctx context.Context) (Rehydration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase != PhaseCreated {
		return Rehydration{}, fmt.Errorf("rehydrate: %w", invalidTransition(s.state.Phase, PhaseCreated))
	}

	snap, err := s.cache.Load(ctx, s.exam.AttemptID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return Rehydration{}, nil
	}
	if err != nil {
		return Rehydration{}, fmt.Errorf("load snapshot: %w", err)
	}
	if snap.AttemptID != s.exam.AttemptID {
		return Rehydration{}, ErrSnapshotMismatch
	}

	// A snapshot left in PhaseSubmitting means the process died mid-submit;
	// the server may or may not have the answers, so offer to submit again.
	cached := Phase(snap.Phase)
	res := Rehydration{Found: true, WasAborted: cached == PhaseAborted || cached == PhaseSubmitting}
	next := NewState(s.exam.DurationSeconds)

	for qid, oid := range snap.Answers {
		if !s.exam.HasOption(qid, oid) {
			res.Dropped++
			continue
		}
		next.Answers[qid] = oid
	}
	for _, qid := range snap.Flagged {
		if !s.exam.HasQuestion(qid) {
			res.Dropped++
			continue
		}
		next.Flagged[qid] = struct{}{}
	}
	for qid, secs := range snap.TimeSpent {
		if !s.exam.HasQuestion(qid) || secs < 0 {
			res.Dropped++
			continue
		}
		next.TimeSpent[qid] = secs
	}
	if snap.CurrentIndex >= 0 && snap.CurrentIndex < s.exam.QuestionCount() {
		next.CurrentIndex = snap.CurrentIndex
	}
	if snap.ViolationCount > 0 {
		next.ViolationCount = snap.ViolationCount
	}
	next.RemainingSeconds = s.state.RemainingSeconds
	s.state = next

	s.log.Info().
		Int("answers", len(next.Answers)).
		Int("violations", next.ViolationCount).
		Int("dropped", res.Dropped).
		Bool("was_aborted", res.WasAborted).
		Msg("Attempt rehydrated from session cache")
	return res, nil
}

// Snapshot returns the persisted form of the current state.
func (s *Store) Snapshot() *model.AttemptSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() *model.AttemptSnapshot {
	st := s.state.Clone()
	return &model.AttemptSnapshot{
		AttemptID:        s.exam.AttemptID,
		Phase:            string(st.Phase),
		Answers:          st.Answers,
		Flagged:          st.FlaggedIDs(),
		TimeSpent:        st.TimeSpent,
		CurrentIndex:     st.CurrentIndex,
		ViolationCount:   st.ViolationCount,
		RemainingSeconds: st.RemainingSeconds,
		SavedAt:          time.Now().UTC(),
	}
}

// persistLocked mirrors the state to the cache. A cache failure is logged;
// the in-memory state stays authoritative for this session.
func (s *Store) persistLocked(ctx context.Context) {
	if err := s.cache.Save(ctx, s.snapshotLocked()); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist attempt snapshot")
	}
}
