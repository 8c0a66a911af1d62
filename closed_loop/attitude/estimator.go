// Package attitude fuses accelerometer and gyroscope samples into pitch, roll
// and yaw with a complementary filter.
package attitude

import (
	"fmt"
	"math"
)

const radToDeg = 180 / math.Pi

// Sample is one IMU reading: acceleration in g, angular rate in deg/s.
type Sample struct {
	Accel [3]float64
	Gyro  [3]float64
}

// Axis selects one sensor channel with a sign.
type Axis struct {
	Index int     `yaml:"index"`
	Sign  float64 `yaml:"sign"`
}

func (a Axis) of(v [3]float64) float64 {
	return v[a.Index] * a.Sign
}

// Orientation maps sensor axes onto the robot frame. Pitch is
// atan2(PitchNum, PitchDen) and roll is atan2(RollNum, RollDen), both on
// accelerometer channels.
type Orientation struct {
	PitchNum  Axis `yaml:"pitch_num"`
	PitchDen  Axis `yaml:"pitch_den"`
	PitchRate Axis `yaml:"pitch_rate"`
	RollNum   Axis `yaml:"roll_num"`
	RollDen   Axis `yaml:"roll_den"`
	RollRate  Axis `yaml:"roll_rate"`
	YawRate   Axis `yaml:"yaw_rate"`
}

// UprightMount is a controller board standing upright, gravity on +Y and the
// screen facing forward.
var UprightMount = Orientation{
	PitchNum:  Axis{Index: 2, Sign: 1},
	PitchDen:  Axis{Index: 1, Sign: 1},
	PitchRate: Axis{Index: 0, Sign: -1},
	RollNum:   Axis{Index: 0, Sign: 1},
	RollDen:   Axis{Index: 2, Sign: 1},
	RollRate:  Axis{Index: 1, Sign: 1},
	YawRate:   Axis{Index: 2, Sign: 1},
}

func (o Orientation) Validate() error {
	for _, a := range []Axis{o.PitchNum, o.PitchDen, o.PitchRate, o.RollNum, o.RollDen, o.RollRate, o.YawRate} {
		if a.Index < 0 || a.Index > 2 {
			return fmt.Errorf("axis index %d out of range", a.Index)
		}
		if a.Sign != 1 && a.Sign != -1 {
			return fmt.Errorf("axis sign must be 1 or -1, got %v", a.Sign)
		}
	}
	return nil
}

type Config struct {
	// Alpha weights the gyro-integrated angle against the accelerometer angle.
	Alpha float64 `yaml:"alpha"`
	// RateLPFAlpha smooths the pitch rate used by the derivative term.
	RateLPFAlpha   float64     `yaml:"rate_lpf_alpha"`
	MountOffsetDeg float64     `yaml:"mount_offset_deg"`
	Orientation    Orientation `yaml:"orientation"`
}

func DefaultConfig() Config {
	return Config{
		Alpha:        0.98,
		RateLPFAlpha: 0.5,
		Orientation:  UprightMount,
	}
}

func (c Config) Validate() error {
	if c.Alpha <= 0 || c.Alpha >= 1 {
		return fmt.Errorf("alpha must be in (0, 1), got %v", c.Alpha)
	}
	if c.RateLPFAlpha < 0 || c.RateLPFAlpha >= 1 {
		return fmt.Errorf("rate_lpf_alpha must be in [0, 1), got %v", c.RateLPFAlpha)
	}
	return c.Orientation.Validate()
}

// State is the attitude estimate after the latest update. Angles in degrees,
// rates in deg/s.
type State struct {
	Pitch float64 // includes the mount offset
	Roll  float64
	Yaw   float64 // pure gyro integration, drifts

	PitchRate    float64 // low-pass filtered, for the derivative term
	RawPitchRate float64
	AccelPitch   float64
}

type Estimator struct {
	cfg Config

	pitch, roll, yaw float64
	filteredRate     float64
	rawRate          float64
	accelPitch       float64
}

func New(cfg Config) *Estimator {
	return &Estimator{cfg: cfg}
}

// Update advances the filter by one sample taken dt seconds after the previous one.
func (e *Estimator) Update(s Sample, dt float64) State {
	o := e.cfg.Orientation
	a := e.cfg.Alpha

	e.accelPitch = math.Atan2(o.PitchNum.of(s.Accel), o.PitchDen.of(s.Accel)) * radToDeg
	accelRoll := math.Atan2(o.RollNum.of(s.Accel), o.RollDen.of(s.Accel)) * radToDeg

	pitchRate := o.PitchRate.of(s.Gyro)
	rollRate := o.RollRate.of(s.Gyro)

	e.pitch = a*(e.pitch+pitchRate*dt) + (1-a)*e.accelPitch
	e.roll = a*(e.roll+rollRate*dt) + (1-a)*accelRoll
	e.yaw += o.YawRate.of(s.Gyro) * dt

	r := e.cfg.RateLPFAlpha
	e.filteredRate = r*e.filteredRate + (1-r)*pitchRate
	e.rawRate = pitchRate

	return e.State()
}

func (e *Estimator) State() State {
	return State{
		Pitch:        e.pitch + e.cfg.MountOffsetDeg,
		Roll:         e.roll,
		Yaw:          e.yaw,
		PitchRate:    e.filteredRate,
		RawPitchRate: e.rawRate,
		AccelPitch:   e.accelPitch,
	}
}

// Reset zeroes every filter state.
func (e *Estimator) Reset() {
	*e = Estimator{cfg: e.cfg}
}
