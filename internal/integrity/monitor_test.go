package integrity

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/stemsi/exstem-attempt/internal/model"
)

func newMonitor(mode model.ExamMode, proctored, fullscreen bool) *Monitor {
	return NewMonitor(Policy{Mode: mode, Proctored: proctored, RequireFullscreen: fullscreen}, zerolog.Nop())
}

func TestMonitor_ScenarioB_LiveSecondViolationForcesSubmit(t *testing.T) {
	m := newMonitor(model.ExamModeLive, true, false)

	d := m.Observe(SignalBlur)
	assert.True(t, d.Violation)
	assert.True(t, d.Warn)
	assert.False(t, d.ForceSubmit)
	assert.Equal(t, model.ViolationBlur, d.Kind)

	m.Observe(SignalFocus)

	d = m.Observe(SignalBlur)
	assert.True(t, d.Violation)
	assert.Equal(t, 2, d.Count)
	assert.True(t, d.ForceSubmit)
	assert.False(t, d.Warn)
	assert.Equal(t, 2, m.Count())
}

func TestMonitor_DebouncesWhileOutside(t *testing.T) {
	m := newMonitor(model.ExamModeMock, true, false)

	m.Observe(SignalBlur)
	m.Observe(SignalHidden)
	m.Observe(SignalNavigateAway)
	m.Observe(SignalBlur)
	assert.Equal(t, 1, m.Count())

	d := m.Observe(SignalVisible)
	assert.True(t, d.Resume)

	m.Observe(SignalHidden)
	assert.Equal(t, 2, m.Count())
}

func TestMonitor_PracticeAndMockOnlyWarn(t *testing.T) {
	for _, mode := range []model.ExamMode{model.ExamModePractice, model.ExamModeMock} {
		t.Run(string(mode), func(t *testing.T) {
			m := newMonitor(mode, true, false)
			for i := 1; i <= 4; i++ {
				d := m.Observe(SignalBlur)
				assert.True(t, d.Warn)
				assert.False(t, d.ForceSubmit)
				assert.Equal(t, i, d.Count)
				m.Observe(SignalFocus)
			}
		})
	}
}

func TestMonitor_UnproctoredSuspends(t *testing.T) {
	m := newMonitor(model.ExamModeLive, false, false)

	d := m.Observe(SignalHidden)
	assert.True(t, d.Suspend)
	assert.False(t, d.Violation)
	assert.Equal(t, 0, m.Count())

	d = m.Observe(SignalVisible)
	assert.True(t, d.Resume)
}

func TestMonitor_FullscreenLock(t *testing.T) {
	m := newMonitor(model.ExamModeLive, true, true)

	d := m.Observe(SignalFullscreenExit)
	assert.True(t, d.Lock)
	assert.True(t, d.Violation)
	assert.Equal(t, model.ViolationFullscreenExit, d.Kind)
	assert.True(t, m.Locked())

	// Focus alone does not return the student while fullscreen is left.
	d = m.Observe(SignalFocus)
	assert.False(t, d.Resume)
	assert.True(t, m.Outside())

	d = m.Observe(SignalFullscreenEnter)
	assert.True(t, d.Unlock)
	assert.True(t, d.Resume)
	assert.False(t, m.Locked())
	assert.Equal(t, 1, m.Count())
}

func TestMonitor_FullscreenIgnoredWhenNotRequired(t *testing.T) {
	m := newMonitor(model.ExamModeLive, true, false)
	d := m.Observe(SignalFullscreenExit)
	assert.Equal(t, Decision{Signal: SignalFullscreenExit}, d)
	assert.False(t, m.Locked())
}

func TestMonitor_DeterrenceIsNeverAViolation(t *testing.T) {
	m := newMonitor(model.ExamModeLive, true, true)
	for _, s := range []Signal{SignalContextMenu, SignalDevtoolsShortcut} {
		d := m.Observe(s)
		assert.True(t, d.Suppressed)
		assert.False(t, d.Violation)
	}
	assert.Equal(t, 0, m.Count())
}

func TestMonitor_RestoreCarriesCount(t *testing.T) {
	m := newMonitor(model.ExamModeLive, true, false)
	m.Restore(1)

	d := m.Observe(SignalBlur)
	assert.True(t, d.ForceSubmit)
	assert.Equal(t, 2, d.Count)
}
