package autotune

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	control "balancer-core/closed_loop/balance_control"
	"balancer-core/utils"
)

type fakeController struct {
	state       control.State
	gains       control.Gains
	gainHistory []control.Gains
	gateClosed  int
	resets      int
}

func (f *fakeController) State() control.State  { return f.state }
func (f *fakeController) Gains() control.Gains  { return f.gains }
func (f *fakeController) Reset()                { f.state = control.Diagnostic; f.resets++ }
func (f *fakeController) fall()                 { f.state = control.Fallen }
func (f *fakeController) SetGains(g control.Gains) error {
	f.gains = g
	f.gainHistory = append(f.gainHistory, g)
	return nil
}

func (f *fakeController) Activate(time.Time) error {
	if f.state != control.Diagnostic {
		return control.ErrInvalidTransition
	}
	if f.gateClosed > 0 {
		f.gateClosed--
		return control.ErrStartGates
	}
	f.state = control.Balancing
	return nil
}

type rig struct {
	s      *Session
	ctl    *fakeController
	now    time.Time
	events []Status
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	r := &rig{
		ctl: &fakeController{gains: control.Gains{Kp: 10, Ki: 0.5, Kd: 1}},
		now: time.Unix(500, 0),
	}
	r.s = NewSession(cfg, r.ctl, utils.NopLogger(), func(st Status) { r.events = append(r.events, st) })
	return r
}

func (r *rig) advance(d time.Duration) {
	r.now = r.now.Add(d)
	r.s.Update(r.now)
}

// runTrial arms a trial and ends it after d, by a fall unless d reaches the cap.
func (r *rig) runTrial(t *testing.T, d time.Duration) {
	t.Helper()
	r.advance(2 * time.Millisecond)
	require.Equal(t, control.Balancing, r.ctl.state, "trial did not arm")
	if d < r.s.cfg.MaxRun {
		r.now = r.now.Add(d)
		r.ctl.fall()
		r.s.Update(r.now)
	} else {
		r.advance(r.s.cfg.MaxRun)
	}
	require.Equal(t, control.Diagnostic, r.ctl.state)
}

func (r *rig) settle() {
	r.advance(r.s.cfg.Settle)
}

func smallConfig() Config {
	return Config{
		KpValues: []float64{16, 18},
		KdValues: []float64{2.5, 3},
		Trials:   2,
		MaxRun:   15 * time.Second,
		Settle:   2 * time.Second,
	}
}

func TestGridOrder(t *testing.T) {
	grid := DefaultConfig().Grid()
	require.Len(t, grid, 20)
	assert.Equal(t, Candidate{Kp: 16, Kd: 2.5}, grid[0])
	assert.Equal(t, Candidate{Kp: 16, Kd: 2.75}, grid[1])
	assert.Equal(t, Candidate{Kp: 17, Kd: 2.5}, grid[4])
	assert.Equal(t, Candidate{Kp: 19, Kd: 3.25}, grid[19])
}

func TestComboScoreIsWorstTrial(t *testing.T) {
	cfg := smallConfig()
	cfg.KpValues = []float64{17}
	cfg.KdValues = []float64{3}
	r := newRig(t, cfg)
	require.NoError(t, r.s.Start())

	r.runTrial(t, 5000*time.Millisecond)
	r.settle()
	r.runTrial(t, 12000*time.Millisecond)

	assert.Equal(t, []time.Duration{5000 * time.Millisecond}, r.s.Scores())
	assert.False(t, r.s.Active())
	assert.Equal(t, 5000*time.Millisecond, r.s.Status().BestScore)
}

func TestCapTerminatesSearchEarly(t *testing.T) {
	r := newRig(t, smallConfig())
	require.NoError(t, r.s.Start())

	r.runTrial(t, 15*time.Second)
	r.settle()
	r.runTrial(t, 15*time.Second)

	assert.False(t, r.s.Active())
	assert.Equal(t, control.Gains{Kp: 16, Ki: 0.5, Kd: 2.5}, r.ctl.gains)
	assert.Equal(t, "DONE", r.events[len(r.events)-1].Event)
	assert.Equal(t, 2, r.s.Status().RunsDone)

	// nothing else runs
	r.advance(time.Minute)
	assert.Equal(t, control.Diagnostic, r.ctl.state)
}

func TestFullGridPicksBestWorstCase(t *testing.T) {
	r := newRig(t, smallConfig())
	require.NoError(t, r.s.Start())

	trials := [][2]time.Duration{
		{3 * time.Second, 9 * time.Second},  // 3s
		{7 * time.Second, 6 * time.Second},  // 6s
		{14 * time.Second, 1 * time.Second}, // 1s
		{5 * time.Second, 5 * time.Second},  // 5s
	}
	for i, tr := range trials {
		r.runTrial(t, tr[0])
		r.settle()
		r.runTrial(t, tr[1])
		if i < len(trials)-1 {
			r.settle()
		}
	}

	assert.False(t, r.s.Active())
	assert.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second, time.Second, 5 * time.Second}, r.s.Scores())
	assert.Equal(t, Candidate{Kp: 16, Kd: 3}, r.s.Status().Best)
	assert.Equal(t, control.Gains{Kp: 16, Ki: 0.5, Kd: 3}, r.ctl.gains)

	for _, g := range r.ctl.gainHistory {
		assert.Equal(t, 0.5, g.Ki)
	}
}

func TestTrialClockStartsWhenArmed(t *testing.T) {
	r := newRig(t, smallConfig())
	r.ctl.gateClosed = 100
	require.NoError(t, r.s.Start())

	for i := 0; i < 100; i++ {
		r.advance(100 * time.Millisecond)
		require.Equal(t, control.Diagnostic, r.ctl.state)
	}
	// ten seconds waiting for the gates must not count toward the score
	r.advance(2 * time.Millisecond)
	require.Equal(t, control.Balancing, r.ctl.state)
	r.now = r.now.Add(4 * time.Second)
	r.ctl.fall()
	r.s.Update(r.now)

	assert.Equal(t, "4000ms", r.events[len(r.events)-1].Event)
}

func TestAbortRestoresGains(t *testing.T) {
	r := newRig(t, smallConfig())
	require.NoError(t, r.s.Start())
	r.advance(2 * time.Millisecond)
	require.Equal(t, control.Balancing, r.ctl.state)
	require.NotEqual(t, control.Gains{Kp: 10, Ki: 0.5, Kd: 1}, r.ctl.gains)

	r.s.Abort()
	assert.False(t, r.s.Active())
	assert.Equal(t, control.Gains{Kp: 10, Ki: 0.5, Kd: 1}, r.ctl.gains)
	assert.Equal(t, control.Diagnostic, r.ctl.state)
	assert.Equal(t, "STOP", r.events[len(r.events)-1].Event)

	r.advance(time.Second)
	assert.Equal(t, control.Diagnostic, r.ctl.state)
}

func TestStartWhileActive(t *testing.T) {
	r := newRig(t, smallConfig())
	require.NoError(t, r.s.Start())
	assert.ErrorIs(t, r.s.Start(), ErrActive)
}

func TestStartResetsFallenController(t *testing.T) {
	r := newRig(t, smallConfig())
	r.ctl.state = control.Fallen
	require.NoError(t, r.s.Start())
	assert.Equal(t, control.Diagnostic, r.ctl.state)
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.KdValues = nil
	assert.ErrorIs(t, cfg.Validate(), ErrEmptyGrid)

	bad := DefaultConfig()
	bad.KpValues = []float64{16, math.Inf(1)}
	assert.Error(t, bad.Validate())

	r := newRig(t, cfg)
	assert.ErrorIs(t, r.s.Start(), ErrEmptyGrid)
	assert.False(t, r.s.Active())
}
