package control

import (
	"fmt"
	"math"
	"time"

	"balancer-core/closed_loop/motorbus"
)

// benchState is the open-loop step ramp used with the wheels off the ground.
type benchState struct {
	cmd      int
	startCmd int
	lastStep time.Time
}

func (b *benchState) reset() {
	b.cmd = 0
	b.startCmd = -1
	b.lastStep = time.Time{}
}

// SetBenchTest starts or stops the step ramp. It can only start from
// Diagnostic or Balancing; stopping always lands in Diagnostic.
func (c *Controller) SetBenchTest(now time.Time, on bool) error {
	if !on {
		if c.state == BenchTest {
			c.enterIdle(Diagnostic)
			c.log.Info("Bench test stopped")
		}
		return nil
	}
	if c.state != Diagnostic && c.state != Balancing {
		return fmt.Errorf("%w: bench test from %s", ErrInvalidTransition, c.state)
	}
	c.state = BenchTest
	c.pid.ResetIntegral()
	c.ClearSteering()
	c.clearOutput()
	c.bench.reset()
	c.bench.lastStep = now
	c.motors.Drive(0, 0)
	c.log.Info("Bench test started")
	return nil
}

func (c *Controller) benchTick(now time.Time) {
	cfg := c.cfg.Bench
	if now.Sub(c.bench.lastStep) >= cfg.StepInterval {
		c.bench.lastStep = now
		c.bench.cmd++
		if c.bench.cmd > cfg.Ceiling {
			start := c.bench.startCmd
			c.enterIdle(Diagnostic)
			c.log.Info("Bench test finished, motion started at command %d", start)
			return
		}
	}

	cmd := c.bench.cmd
	c.output = float64(cmd)
	c.baseOutput = cmd
	c.sent = [motorbus.NumWheels]int{cmd, cmd}
	c.motors.Drive(cmd, cmd)

	rpm := (math.Abs(c.motors.Feedback(motorbus.Right).SpeedRPM) + math.Abs(c.motors.Feedback(motorbus.Left).SpeedRPM)) * 0.5
	if c.bench.startCmd < 0 && cmd > 0 && rpm > cfg.MotionRPM {
		c.bench.startCmd = cmd
	}
}
