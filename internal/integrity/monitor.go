// Package integrity classifies signals that a student left the exam context
// and applies the exam mode's escalation policy.
package integrity

import (
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/model"
)

// Signal is an observation from the host environment.
type Signal string

const (
	SignalBlur             Signal = "blur"
	SignalFocus            Signal = "focus"
	SignalHidden           Signal = "hidden"
	SignalVisible          Signal = "visible"
	SignalFullscreenExit   Signal = "fullscreen_exit"
	SignalFullscreenEnter  Signal = "fullscreen_enter"
	SignalNavigateAway     Signal = "navigate_away"
	SignalContextMenu      Signal = "context_menu"
	SignalDevtoolsShortcut Signal = "devtools_shortcut"
)

var kinds = map[Signal]model.ViolationKind{
	SignalBlur:           model.ViolationBlur,
	SignalHidden:         model.ViolationHidden,
	SignalFullscreenExit: model.ViolationFullscreenExit,
	SignalNavigateAway:   model.ViolationNavigateAway,
}

// Policy is the slice of the exam definition the monitor acts on.
type Policy struct {
	Mode              model.ExamMode
	Proctored         bool
	RequireFullscreen bool
}

// PolicyFor extracts the policy of an exam.
func PolicyFor(exam *model.ExamDefinition) Policy {
	return Policy{
		Mode:              exam.Mode,
		Proctored:         exam.ProctoringEnabled,
		RequireFullscreen: exam.RequireFullscreen,
	}
}

// Decision tells the caller what an observed signal requires.
type Decision struct {
	Signal Signal
	Kind   model.ViolationKind
	// Violation is set when the signal was counted.
	Violation bool
	Count     int
	// Warn asks for the resumable warning dialog.
	Warn bool
	// ForceSubmit asks for an immediate submission.
	ForceSubmit bool
	// Suspend and Resume are raised for unproctored exams instead of violations.
	Suspend bool
	Resume  bool
	// Lock and Unlock bracket the blocking fullscreen modal.
	Lock   bool
	Unlock bool
	// Suppressed marks deterrence-only events.
	Suppressed bool
}

// Monitor tracks whether the student is inside the exam context. Leaving is
// latched: any number of leave signals while already outside count once.
// A Monitor is not safe for concurrent use.
type Monitor struct {
	policy Policy
	log    zerolog.Logger

	count          int
	focusAway      bool
	fullscreenAway bool
	locked         bool
}

// NewMonitor creates a monitor in the watching state.
func NewMonitor(p Policy, log zerolog.Logger) *Monitor {
	return &Monitor{
		policy: p,
		log:    log.With().Str("component", "integrity_monitor").Logger(),
	}
}

// Restore seeds the violation count, e.g. from a rehydrated attempt.
func (m *Monitor) Restore(count int) {
	if count > m.count {
		m.count = count
	}
}

func (m *Monitor) Count() int   { return m.count }
func (m *Monitor) Locked() bool { return m.locked }

// Outside reports whether the student is currently away from the exam.
func (m *Monitor) Outside() bool { return m.focusAway || m.fullscreenAway }

// Observe processes one signal.
func (m *Monitor) Observe(sig Signal) Decision {
	d := Decision{Signal: sig, Count: m.count}
	wasOutside := m.Outside()

	switch sig {
	case SignalBlur, SignalHidden, SignalNavigateAway:
		m.focusAway = true
	case SignalFocus, SignalVisible:
		m.focusAway = false
	case SignalFullscreenExit:
		if !m.policy.RequireFullscreen {
			return d
		}
		m.fullscreenAway = true
		if !m.locked {
			m.locked = true
			d.Lock = true
		}
	case SignalFullscreenEnter:
		m.fullscreenAway = false
		if m.locked {
			m.locked = false
			d.Unlock = true
		}
	case SignalContextMenu, SignalDevtoolsShortcut:
		d.Suppressed = true
		m.log.Debug().Str("signal", string(sig)).Msg("Deterrence event suppressed")
		return d
	default:
		m.log.Warn().Str("signal", string(sig)).Msg("Unknown integrity signal ignored")
		return d
	}

	nowOutside := m.Outside()
	switch {
	case !wasOutside && nowOutside:
		m.leave(sig, &d)
	case wasOutside && !nowOutside:
		d.Resume = true
		m.log.Info().Str("signal", string(sig)).Msg("Student returned to exam")
	}
	return d
}

func (m *Monitor) leave(sig Signal, d *Decision) {
	d.Kind = kinds[sig]
	if !m.policy.Proctored {
		d.Suspend = true
		m.log.Info().Str("signal", string(sig)).Msg("Student left exam, suspending")
		return
	}

	m.count++
	d.Violation = true
	d.Count = m.count
	if m.policy.Mode == model.ExamModeLive && m.count >= 2 {
		d.ForceSubmit = true
	} else {
		d.Warn = true
	}
	m.log.Warn().
		Str("signal", string(sig)).
		Str("kind", string(d.Kind)).
		Int("count", m.count).
		Bool("force_submit", d.ForceSubmit).
		Msg("Integrity violation")
}
