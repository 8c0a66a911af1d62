package control

import (
	"fmt"
	"time"
)

// Gains are the balance PID gains. Output units are wheel RPM.
type Gains struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
}

// RecoveryGains replace Kp and Kd while recovering from a steep start. The
// integral keeps the balance Ki.
type RecoveryGains struct {
	Kp float64 `yaml:"kp"`
	Kd float64 `yaml:"kd"`
}

// PIDConfig holds the limits applied inside the PID.
type PIDConfig struct {
	OutputLimit     float64 `yaml:"output_limit"`
	IntegralLimit   float64 `yaml:"integral_limit"`
	DerivativeLimit float64 `yaml:"derivative_limit"`
	// Below DecayThreshold degrees of error the integral accumulates; above
	// it the integral is multiplied by DecayRate every tick.
	DecayThreshold float64 `yaml:"integral_decay_threshold"`
	DecayRate      float64 `yaml:"integral_decay_rate"`
	// Direction flips the output sign for the mounting orientation.
	Direction float64 `yaml:"direction"`
}

// GateConfig holds the start, recovery and fall thresholds. Angles in degrees.
type GateConfig struct {
	StandupMaxAngle    float64       `yaml:"standup_max_angle"`
	StartRateThreshold float64       `yaml:"start_rate_threshold"`
	StableHoldCount    int           `yaml:"stable_hold_count"`
	RecoveryEnterAngle float64       `yaml:"recovery_enter_angle"`
	RecoveryExitAngle  float64       `yaml:"recovery_exit_angle"`
	RecoveryGrace      time.Duration `yaml:"recovery_grace"`
	FallAngle          float64       `yaml:"fall_angle"`
	FallConfirmCount   int           `yaml:"fall_confirm_count"`
}

// DriftConfig nudges the lean target to hold position.
type DriftConfig struct {
	PositionGain     float64 `yaml:"position_gain"` // deg per mm
	VelocityGain     float64 `yaml:"velocity_gain"` // deg per mm/s
	VelocityLPFAlpha float64 `yaml:"velocity_lpf_alpha"`
	CorrectionLimit  float64 `yaml:"correction_limit"`
	// Forward input above this re-anchors the hold position.
	AnchorInputThreshold float64 `yaml:"anchor_input_threshold"`
}

// SteeringConfig maps joystick input onto lean target and wheel differential.
type SteeringConfig struct {
	TargetLPFAlpha float64 `yaml:"target_lpf_alpha"`
	MoveAngleGain  float64 `yaml:"move_angle_gain"`
	MoveInputLPF   float64 `yaml:"move_input_lpf"`
	SteerInputLPF  float64 `yaml:"steer_input_lpf"`
	SteerGain      float64 `yaml:"steer_gain"`
	YawGain        float64 `yaml:"yaw_gain"`
}

// OutputConfig shapes the per-wheel commands. Zero disables a stage.
type OutputConfig struct {
	SoftStart     time.Duration `yaml:"soft_start"`
	SlewPerTick   int           `yaml:"slew_per_tick"`
	Deadband      int           `yaml:"deadband"`
	MinEffective  int           `yaml:"min_effective"`
	ThermalStartC float64       `yaml:"thermal_start_c"`
	ThermalSpanC  float64       `yaml:"thermal_span_c"`
	ThermalFloor  float64       `yaml:"thermal_floor"`
}

// BenchConfig drives the open-loop step ramp.
type BenchConfig struct {
	StepInterval time.Duration `yaml:"step_interval"`
	Ceiling      int           `yaml:"ceiling"`
	MotionRPM    float64       `yaml:"motion_rpm"`
}

type Config struct {
	Gains         Gains          `yaml:"gains"`
	RecoveryGains RecoveryGains  `yaml:"recovery_gains"`
	PID           PIDConfig      `yaml:"pid"`
	Gates         GateConfig     `yaml:"gates"`
	Drift         DriftConfig    `yaml:"drift"`
	Steering      SteeringConfig `yaml:"steering"`
	Output        OutputConfig   `yaml:"output"`
	Bench         BenchConfig    `yaml:"bench"`
}

func DefaultConfig() Config {
	return Config{
		Gains:         Gains{Kp: 17.5, Ki: 0.5, Kd: 3.0},
		RecoveryGains: RecoveryGains{Kp: 26, Kd: 4},
		PID: PIDConfig{
			OutputLimit:     300,
			IntegralLimit:   80,
			DerivativeLimit: 120,
			DecayThreshold:  5,
			DecayRate:       0.9,
			Direction:       1,
		},
		Gates: GateConfig{
			StandupMaxAngle:    12,
			StartRateThreshold: 8,
			StableHoldCount:    30,
			RecoveryEnterAngle: 8,
			RecoveryExitAngle:  3,
			RecoveryGrace:      time.Second,
			FallAngle:          14,
			FallConfirmCount:   8,
		},
		Drift: DriftConfig{
			PositionGain:         0.002,
			VelocityGain:         0,
			VelocityLPFAlpha:     0.9,
			CorrectionLimit:      2,
			AnchorInputThreshold: 1,
		},
		Steering: SteeringConfig{
			TargetLPFAlpha: 0.85,
			MoveAngleGain:  0.05,
			MoveInputLPF:   0.8,
			SteerInputLPF:  0.8,
			SteerGain:      0.15,
			YawGain:        0.05,
		},
		Output: OutputConfig{
			SoftStart:     80 * time.Millisecond,
			SlewPerTick:   3,
			Deadband:      4,
			MinEffective:  6,
			ThermalStartC: 55,
			ThermalSpanC:  20,
			ThermalFloor:  0.3,
		},
		Bench: BenchConfig{
			StepInterval: 700 * time.Millisecond,
			Ceiling:      30,
			MotionRPM:    3,
		},
	}
}

func (c Config) Validate() error {
	if c.PID.OutputLimit <= 0 || c.PID.IntegralLimit < 0 || c.PID.DerivativeLimit < 0 {
		return fmt.Errorf("pid limits must be positive")
	}
	if c.PID.Direction != 1 && c.PID.Direction != -1 {
		return fmt.Errorf("pid direction must be 1 or -1, got %v", c.PID.Direction)
	}
	if c.PID.DecayRate < 0 || c.PID.DecayRate > 1 {
		return fmt.Errorf("integral_decay_rate must be in [0, 1], got %v", c.PID.DecayRate)
	}
	if c.Gates.FallConfirmCount < 1 {
		return fmt.Errorf("fall_confirm_count must be at least 1")
	}
	if c.Gates.StableHoldCount < 0 {
		return fmt.Errorf("stable_hold_count must not be negative")
	}
	if c.Gates.RecoveryExitAngle > c.Gates.RecoveryEnterAngle {
		return fmt.Errorf("recovery_exit_angle %v above recovery_enter_angle %v",
			c.Gates.RecoveryExitAngle, c.Gates.RecoveryEnterAngle)
	}
	if c.Gates.StandupMaxAngle >= c.Gates.FallAngle {
		return fmt.Errorf("standup_max_angle %v must be below fall_angle %v",
			c.Gates.StandupMaxAngle, c.Gates.FallAngle)
	}
	if c.Output.ThermalSpanC <= 0 || c.Output.ThermalFloor < 0 || c.Output.ThermalFloor > 1 {
		return fmt.Errorf("invalid thermal derate settings")
	}
	if c.Bench.StepInterval <= 0 || c.Bench.Ceiling <= 0 {
		return fmt.Errorf("invalid bench settings")
	}
	limit := int(c.PID.OutputLimit)
	if c.Output.Deadband < 0 {
		return fmt.Errorf("deadband must not be negative, got %d", c.Output.Deadband)
	}
	if c.Output.MinEffective < 0 || c.Output.MinEffective > limit {
		return fmt.Errorf("min_effective %d must be within [0, output_limit %d]", c.Output.MinEffective, limit)
	}
	if c.Bench.Ceiling > limit {
		return fmt.Errorf("bench ceiling %d above output_limit %d", c.Bench.Ceiling, limit)
	}
	return nil
}
