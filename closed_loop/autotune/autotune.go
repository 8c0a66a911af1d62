// Package autotune searches a fixed Kp/Kd grid for the pair that keeps the
// robot up longest, scoring each pair by the worse of repeated trials.
package autotune

import (
	"errors"
	"fmt"
	"math"
	"time"

	control "balancer-core/closed_loop/balance_control"
	"balancer-core/utils"
)

var (
	ErrActive    = errors.New("autotune: search already running")
	ErrEmptyGrid = errors.New("autotune: empty gain grid")
)

// Controller is the part of the balance controller the search drives.
type Controller interface {
	State() control.State
	Activate(now time.Time) error
	Reset()
	Gains() control.Gains
	SetGains(g control.Gains) error
}

type Config struct {
	KpValues []float64     `yaml:"kp_values"`
	KdValues []float64     `yaml:"kd_values"`
	Trials   int           `yaml:"trials"`
	MaxRun   time.Duration `yaml:"max_run"`
	Settle   time.Duration `yaml:"settle"`
}

func DefaultConfig() Config {
	return Config{
		KpValues: []float64{16, 17, 17.5, 18, 19},
		KdValues: []float64{2.5, 2.75, 3.0, 3.25},
		Trials:   2,
		MaxRun:   15 * time.Second,
		Settle:   2 * time.Second,
	}
}

func (c Config) Validate() error {
	if len(c.KpValues) == 0 || len(c.KdValues) == 0 {
		return ErrEmptyGrid
	}
	for _, v := range append(append([]float64(nil), c.KpValues...), c.KdValues...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("grid value %v is not finite", v)
		}
	}
	if c.Trials < 1 {
		return fmt.Errorf("trials must be at least 1, got %d", c.Trials)
	}
	if c.MaxRun <= 0 || c.Settle < 0 {
		return fmt.Errorf("invalid max_run %s or settle %s", c.MaxRun, c.Settle)
	}
	return nil
}

// Candidate is one grid point.
type Candidate struct {
	Kp, Kd float64
}

// Grid enumerates Kp-major, Kd-minor.
func (c Config) Grid() []Candidate {
	grid := make([]Candidate, 0, len(c.KpValues)*len(c.KdValues))
	for _, kp := range c.KpValues {
		for _, kd := range c.KdValues {
			grid = append(grid, Candidate{Kp: kp, Kd: kd})
		}
	}
	return grid
}

type phase int

const (
	idle phase = iota
	arming
	running
	settling
)

// Status is a progress report. Event names what just happened.
type Status struct {
	Active    bool
	Current   Candidate
	Trial     int
	Trials    int
	Best      Candidate
	BestScore time.Duration
	RunsDone  int
	TotalRuns int
	Event     string
}

// Session is one grid search. It never blocks: Update is polled once per
// control tick.
type Session struct {
	cfg    Config
	ctl    Controller
	log    *utils.Logger
	notify func(Status)

	grid        []Candidate
	phase       phase
	combo       int
	trial       int
	trialScores []time.Duration
	comboScores []time.Duration
	runStart    time.Time
	settleStart time.Time

	saved     control.Gains
	best      int
	bestScore time.Duration
	runsDone  int
	event     string
}

// NewSession prepares a search over cfg's grid. notify, when non-nil, receives
// every progress event.
func NewSession(cfg Config, ctl Controller, log *utils.Logger, notify func(Status)) *Session {
	return &Session{cfg: cfg, ctl: ctl, log: log, notify: notify}
}

func (s *Session) Active() bool { return s.phase != idle }

// Start saves the current gains and arms the first trial.
func (s *Session) Start() error {
	if s.Active() {
		return ErrActive
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.grid = s.cfg.Grid()
	s.saved = s.ctl.Gains()
	s.combo, s.trial = 0, 0
	s.trialScores = make([]time.Duration, s.cfg.Trials)
	s.comboScores = make([]time.Duration, len(s.grid))
	s.best, s.bestScore = 0, 0
	s.runsDone = 0

	if s.ctl.State() != control.Diagnostic {
		s.ctl.Reset()
	}
	s.log.Info("Auto-tune started: %d combinations x %d trials", len(s.grid), s.cfg.Trials)
	s.startTrial()
	return nil
}

// Abort restores the pre-search gains and leaves the controller in Diagnostic.
func (s *Session) Abort() {
	if !s.Active() {
		return
	}
	s.phase = idle
	s.setGains(s.saved)
	s.ctl.Reset()
	s.log.Info("Auto-tune aborted")
	s.emit("STOP")
}

func (s *Session) startTrial() {
	c := s.grid[s.combo]
	s.setGains(control.Gains{Kp: c.Kp, Ki: s.saved.Ki, Kd: c.Kd})
	s.phase = arming
}

// Update advances the search. It must be called after the controller's tick.
func (s *Session) Update(now time.Time) {
	switch s.phase {
	case arming:
		// the trial clock starts only once the robot has actually stood up
		if err := s.ctl.Activate(now); err == nil {
			s.runStart = now
			s.phase = running
			s.emit("RUN")
		}
	case running:
		elapsed := now.Sub(s.runStart)
		switch {
		case !s.ctl.State().Driving():
			s.finishTrial(now, elapsed, fmt.Sprintf("%dms", elapsed.Milliseconds()))
		case elapsed >= s.cfg.MaxRun:
			s.finishTrial(now, s.cfg.MaxRun, "CAP")
		}
	case settling:
		if now.Sub(s.settleStart) < s.cfg.Settle {
			return
		}
		if s.trial+1 < s.cfg.Trials {
			s.trial++
		} else {
			s.combo++
			s.trial = 0
		}
		s.startTrial()
	}
}

func (s *Session) finishTrial(now time.Time, score time.Duration, event string) {
	s.ctl.Reset()
	s.trialScores[s.trial] = score
	s.runsDone++
	s.emit(event)

	if s.trial+1 < s.cfg.Trials {
		s.phase = settling
		s.settleStart = now
		return
	}

	worst := s.trialScores[0]
	for _, v := range s.trialScores[1:] {
		if v < worst {
			worst = v
		}
	}
	s.comboScores[s.combo] = worst
	if worst > s.bestScore {
		s.best, s.bestScore = s.combo, worst
	}
	c := s.grid[s.combo]
	s.emit(fmt.Sprintf("=Kp%.1f/Kd%.2f:%dms", c.Kp, c.Kd, worst.Milliseconds()))

	if worst >= s.cfg.MaxRun || s.combo+1 >= len(s.grid) {
		s.complete()
		return
	}
	s.phase = settling
	s.settleStart = now
}

func (s *Session) complete() {
	s.phase = idle
	b := s.grid[s.best]
	s.setGains(control.Gains{Kp: b.Kp, Ki: s.saved.Ki, Kd: b.Kd})
	s.log.Info("Auto-tune done: Kp=%.2f Kd=%.2f survived %s", b.Kp, b.Kd, s.bestScore)
	s.emit("DONE")
}

func (s *Session) setGains(g control.Gains) {
	if err := s.ctl.SetGains(g); err != nil {
		s.log.Error("Auto-tune gains: %v", err)
	}
}

func (s *Session) emit(event string) {
	s.event = event
	if s.notify != nil {
		s.notify(s.Status())
	}
}

// Scores returns the recorded score of every combination, zero for those not
// yet run.
func (s *Session) Scores() []time.Duration {
	return append([]time.Duration(nil), s.comboScores...)
}

func (s *Session) Status() Status {
	st := Status{
		Active:    s.Active(),
		Trial:     s.trial,
		Trials:    s.cfg.Trials,
		BestScore: s.bestScore,
		RunsDone:  s.runsDone,
		TotalRuns: len(s.grid) * s.cfg.Trials,
		Event:     s.event,
	}
	if len(s.grid) > 0 {
		st.Current = s.grid[s.combo]
		st.Best = s.grid[s.best]
	}
	return st
}
