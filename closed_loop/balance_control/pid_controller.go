package control

import "math"

// PIDController is the angle loop. The derivative acts on the measured pitch
// rate rather than the error, so target changes never kick the output.
type PIDController struct {
	cfg PIDConfig

	// State
	integral  float64
	prevError float64

	// Last output before and after the magnitude clamp
	raw     float64
	clamped float64
}

func NewPIDController(cfg PIDConfig) *PIDController {
	return &PIDController{cfg: cfg}
}

// Reset clears the PID state
func (pid *PIDController) Reset() {
	pid.integral = 0
	pid.prevError = 0
	pid.raw = 0
	pid.clamped = 0
}

// ResetIntegral zeroes only the accumulator.
func (pid *PIDController) ResetIntegral() {
	pid.integral = 0
}

// Update computes the clamped output for error (deg) and rate (deg/s).
//
// Small errors accumulate into the integral; large ones decay it so P and D
// dominate the excursion instead of a saturated integral.
func (pid *PIDController) Update(errDeg, rate, dt float64, g Gains) float64 {
	if math.Abs(errDeg) < pid.cfg.DecayThreshold {
		pid.integral += errDeg * dt
	} else {
		pid.integral *= pid.cfg.DecayRate
	}
	pid.integral = ClampFloat(pid.integral, -pid.cfg.IntegralLimit, pid.cfg.IntegralLimit)

	p := g.Kp * errDeg
	i := g.Ki * pid.integral
	d := ClampFloat(g.Kd*rate, -pid.cfg.DerivativeLimit, pid.cfg.DerivativeLimit)

	pid.raw = (p + i + d) * pid.cfg.Direction
	pid.clamped = ClampFloat(pid.raw, -pid.cfg.OutputLimit, pid.cfg.OutputLimit)
	pid.prevError = errDeg
	return pid.clamped
}

// PIDDiagnostics contains PID internal state for monitoring
type PIDDiagnostics struct {
	Error    float64
	Integral float64
	Raw      float64
	Clamped  float64
}

// GetDiagnostics returns current PID state for logging/debugging
func (pid *PIDController) GetDiagnostics() PIDDiagnostics {
	return PIDDiagnostics{
		Error:    pid.prevError,
		Integral: pid.integral,
		Raw:      pid.raw,
		Clamped:  pid.clamped,
	}
}

// GetIntegral returns the current integral term value
func (pid *PIDController) GetIntegral() float64 {
	return pid.integral
}
