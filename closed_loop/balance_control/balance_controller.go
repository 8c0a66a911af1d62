// Package control implements the balance loop: the safety state machine, the
// angle PID and the output shaping between them and the motors.
package control

import (
	"errors"
	"fmt"
	"math"
	"time"

	"balancer-core/closed_loop/attitude"
	"balancer-core/closed_loop/motorbus"
	"balancer-core/utils"
)

var (
	// ErrStartGates means activation was refused because the robot is not
	// upright, still, and stable for long enough.
	ErrStartGates = errors.New("control: start gates not satisfied")
	// ErrInvalidTransition rejects a request the current state cannot serve.
	ErrInvalidTransition = errors.New("control: invalid state transition")
	// ErrNotFinite rejects NaN or infinite operator input.
	ErrNotFinite = errors.New("control: value is not finite")
)

// Motors is what the controller needs from the motor bus.
type Motors interface {
	Drive(outR, outL int)
	Stop()
	Feedback(w motorbus.Wheel) motorbus.MotorFeedback
	LinearSpeed() float64
}

type State int

const (
	Diagnostic State = iota
	Recovery
	Balancing
	Fallen
	BenchTest
)

func (s State) String() string {
	switch s {
	case Diagnostic:
		return "DIAG"
	case Recovery:
		return "RECOVERY"
	case Balancing:
		return "BALANCING"
	case Fallen:
		return "FALLEN"
	case BenchTest:
		return "BENCH"
	default:
		return "UNKNOWN"
	}
}

// Driving reports whether the state commands the motors in closed loop.
func (s State) Driving() bool {
	return s == Recovery || s == Balancing
}

// Snapshot is a read-only copy of everything the status lines show.
type Snapshot struct {
	State State
	Gains Gains

	Pitch, Roll, Yaw float64
	PitchRate        float64
	FilteredTarget   float64

	Output      float64
	LinearSpeed float64
	DistanceMM  float64

	Command     [motorbus.NumWheels]int
	ActualRPM   [motorbus.NumWheels]int
	DtMs        float64
	PIDRaw      float64
	PIDClamped  float64
	BaseOutput  int
	Integral    float64
	StableCount int

	BenchCommand  int
	BenchStartCmd int // -1 until motion is seen
}

// Controller owns all balance state. Every method must be called from the
// control loop goroutine.
type Controller struct {
	cfg    Config
	motors Motors
	log    *utils.Logger
	pid    *PIDController

	state State
	gains Gains
	att   attitude.State

	stableCount int
	fallCount   int

	// steering input, already in robot frame
	inputX, inputY   float64
	smoothX, smoothY float64
	target           float64
	filteredTarget   float64

	// position hold
	filteredSpeed float64
	distance      float64
	anchor        float64
	anchored      bool

	softStart   bool
	softStartAt time.Time
	graceAt     time.Time

	lastCmd [motorbus.NumWheels]int

	output     float64
	baseOutput int
	sent       [motorbus.NumWheels]int
	dtMs       float64

	bench benchState
}

func NewController(cfg Config, motors Motors, log *utils.Logger) *Controller {
	c := &Controller{
		cfg:    cfg,
		motors: motors,
		log:    log,
		pid:    NewPIDController(cfg.PID),
		state:  Diagnostic,
		gains:  cfg.Gains,
	}
	c.bench.reset()
	return c
}

func (c *Controller) State() State { return c.state }

func (c *Controller) Gains() Gains { return c.gains }

// SetGains replaces the balance gains and zeroes the integral. Non-finite
// gains are refused and leave the controller untouched.
func (c *Controller) SetGains(g Gains) error {
	if !finite(g.Kp, g.Ki, g.Kd) {
		return fmt.Errorf("%w: gains %+v", ErrNotFinite, g)
	}
	c.gains = g
	c.pid.ResetIntegral()
	return nil
}

// SetSteering takes joystick input. y leans the robot forward or back, x
// turns it. Both joystick axes point opposite to the robot frame.
func (c *Controller) SetSteering(x, y float64) error {
	if !finite(x, y) {
		return fmt.Errorf("%w: steering %v,%v", ErrNotFinite, x, y)
	}
	c.inputX = -x
	c.inputY = -y
	c.target = c.inputY * c.cfg.Steering.MoveAngleGain
	return nil
}

// ClearSteering drops any held input, used when the operator goes away.
func (c *Controller) ClearSteering() {
	c.inputX, c.inputY = 0, 0
	c.target, c.filteredTarget = 0, 0
}

func (c *Controller) clearOutput() {
	c.output = 0
	c.baseOutput = 0
	c.sent = [motorbus.NumWheels]int{}
	c.lastCmd = [motorbus.NumWheels]int{}
}

// Activate requests Diagnostic to Balancing. It succeeds only when the last
// tick passed the angle and rate gates and the stability counter is full.
// A start beyond the recovery angle enters Recovery with no soft start.
func (c *Controller) Activate(now time.Time) error {
	if c.state != Diagnostic {
		return fmt.Errorf("%w: activate from %s", ErrInvalidTransition, c.state)
	}
	g := c.cfg.Gates
	pitch := math.Abs(c.att.Pitch)
	if pitch >= g.StandupMaxAngle || math.Abs(c.att.RawPitchRate) >= g.StartRateThreshold || c.stableCount < g.StableHoldCount {
		return fmt.Errorf("%w: pitch %.1f rate %.1f stable %d/%d", ErrStartGates,
			c.att.Pitch, c.att.RawPitchRate, c.stableCount, g.StableHoldCount)
	}

	c.pid.Reset()
	c.ClearSteering()
	c.smoothX, c.smoothY = 0, 0
	c.filteredSpeed = 0
	c.distance = 0
	c.anchor = 0
	c.anchored = false
	c.fallCount = 0
	c.stableCount = 0
	c.clearOutput()

	if pitch >= g.RecoveryEnterAngle {
		c.state = Recovery
		c.graceAt = now
		c.softStart = false
	} else {
		c.state = Balancing
		c.softStart = true
		c.softStartAt = now
	}
	c.log.Info("Balance activated in %s at pitch %.2f", c.state, c.att.Pitch)
	return nil
}

// ResetStability zeroes the start-gate counter. Call it after a tick whose
// attitude did not come from a new IMU sample.
func (c *Controller) ResetStability() {
	c.stableCount = 0
}

// Reset returns to Diagnostic from any state and stops the motors.
func (c *Controller) Reset() {
	prev := c.state
	c.enterIdle(Diagnostic)
	if prev != Diagnostic {
		c.log.Info("Controller reset from %s", prev)
	}
}

// EmergencyStop latches Fallen from any state.
func (c *Controller) EmergencyStop() {
	c.enterIdle(Fallen)
	c.log.Warn("Emergency stop")
}

func (c *Controller) enterIdle(s State) {
	c.state = s
	c.bench.cmd = 0
	c.pid.ResetIntegral()
	c.fallCount = 0
	c.stableCount = 0
	c.softStart = false
	c.anchored = false
	c.smoothX, c.smoothY = 0, 0
	c.clearOutput()
	c.motors.Stop()
}

// Tick runs one control period. dt is the measured time since the last tick
// in seconds.
func (c *Controller) Tick(now time.Time, att attitude.State, dt float64) {
	c.att = att
	c.dtMs = dt * 1000

	switch c.state {
	case BenchTest:
		c.benchTick(now)
	case Diagnostic:
		c.clearOutput()
		g := c.cfg.Gates
		if math.Abs(att.Pitch) < g.StandupMaxAngle && math.Abs(att.RawPitchRate) < g.StartRateThreshold {
			c.stableCount++
		} else {
			c.stableCount = 0
		}
		c.motors.Drive(0, 0)
	case Fallen:
		c.clearOutput()
		c.motors.Drive(0, 0)
	case Recovery, Balancing:
		c.balanceTick(now, att, dt)
	}
}

func (c *Controller) balanceTick(now time.Time, att attitude.State, dt float64) {
	g := c.cfg.Gates
	pitch := att.Pitch

	if c.state == Recovery {
		if math.Abs(pitch) < g.RecoveryExitAngle || now.Sub(c.graceAt) >= g.RecoveryGrace {
			c.state = Balancing
			c.pid.ResetIntegral()
			c.log.Debug("Recovery finished at pitch %.2f", pitch)
		}
	}

	if c.state != Recovery && math.Abs(pitch) > g.FallAngle {
		c.fallCount++
		if c.fallCount >= g.FallConfirmCount {
			c.enterIdle(Fallen)
			c.ClearSteering()
			c.log.Warn("Fall detected at pitch %.2f", pitch)
			return
		}
	} else {
		c.fallCount = 0
	}

	st := c.cfg.Steering
	c.filteredTarget = lowPass(c.filteredTarget, c.target, st.TargetLPFAlpha)

	adjusted := c.filteredTarget + c.driftCorrection()

	gains := c.gains
	if c.state == Recovery {
		gains.Kp = c.cfg.RecoveryGains.Kp
		gains.Kd = c.cfg.RecoveryGains.Kd
	}
	out := c.pid.Update(pitch-adjusted, att.PitchRate, dt, gains)

	if c.softStart {
		k := float64(now.Sub(c.softStartAt)) / float64(c.cfg.Output.SoftStart)
		if k >= 1 || c.cfg.Output.SoftStart <= 0 {
			k = 1
			c.softStart = false
		}
		out *= k
	}

	right := c.motors.Feedback(motorbus.Right)
	left := c.motors.Feedback(motorbus.Left)

	oc := c.cfg.Output
	out *= thermalScale(math.Max(right.TemperatureC, left.TemperatureC), oc.ThermalStartC, oc.ThermalSpanC, oc.ThermalFloor)
	c.output = out

	// Both wheels turn the same raw direction only when the robot spins.
	yaw := (right.SpeedRPM + left.SpeedRPM) * 0.5 * st.YawGain

	c.smoothY = lowPass(c.smoothY, c.inputY, st.MoveInputLPF)
	c.smoothX = lowPass(c.smoothX, c.inputX, st.SteerInputLPF)
	steer := c.smoothX * st.SteerGain

	limit := int(c.cfg.PID.OutputLimit)
	c.baseOutput = clampInt(int(out), limit)
	targets := [motorbus.NumWheels]int{
		clampInt(int(out+steer-yaw), limit),
		clampInt(int(out-steer+yaw), limit),
	}
	for i, t := range targets {
		c.lastCmd[i] = slewLimit(t, c.lastCmd[i], oc.SlewPerTick)
		c.sent[i] = shapeOutput(c.lastCmd[i], oc.Deadband, oc.MinEffective)
	}
	c.motors.Drive(c.sent[motorbus.Right], c.sent[motorbus.Left])

	c.distance += c.motors.LinearSpeed() * dt
}

// driftCorrection returns the lean offset that pulls the robot back to its
// anchor. It is disabled while recovering.
func (c *Controller) driftCorrection() float64 {
	if c.state == Recovery {
		c.filteredSpeed = 0
		c.anchored = false
		return 0
	}
	d := c.cfg.Drift
	c.filteredSpeed = lowPass(c.filteredSpeed, c.motors.LinearSpeed(), d.VelocityLPFAlpha)
	if !c.anchored || math.Abs(c.inputY) > d.AnchorInputThreshold {
		c.anchor = c.distance
		c.anchored = true
	}
	corr := (c.distance-c.anchor)*d.PositionGain + c.filteredSpeed*d.VelocityGain
	return ClampFloat(corr, -d.CorrectionLimit, d.CorrectionLimit)
}

func (c *Controller) Snapshot() Snapshot {
	right := c.motors.Feedback(motorbus.Right)
	left := c.motors.Feedback(motorbus.Left)
	diag := c.pid.GetDiagnostics()
	return Snapshot{
		State:          c.state,
		Gains:          c.gains,
		Pitch:          c.att.Pitch,
		Roll:           c.att.Roll,
		Yaw:            c.att.Yaw,
		PitchRate:      c.att.RawPitchRate,
		FilteredTarget: c.filteredTarget,
		Output:         c.output,
		LinearSpeed:    c.motors.LinearSpeed(),
		DistanceMM:     c.distance,
		Command:        c.sent,
		ActualRPM:      [motorbus.NumWheels]int{int(right.SpeedRPM), int(left.SpeedRPM)},
		DtMs:           c.dtMs,
		PIDRaw:         diag.Raw,
		PIDClamped:     diag.Clamped,
		BaseOutput:     c.baseOutput,
		Integral:       diag.Integral,
		StableCount:    c.stableCount,
		BenchCommand:   c.bench.cmd,
		BenchStartCmd:  c.bench.startCmd,
	}
}
