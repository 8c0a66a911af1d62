package motorbus

import (
	"math"
	"time"

	"go.einride.tech/can"
)

// MotorFeedback is the latest known state of one wheel.
type MotorFeedback struct {
	SpeedRPM     float64
	PositionDeg  float64
	CurrentMA    float64
	VoltageV     float64
	TemperatureC float64
	EncoderCount int32
	Updated      time.Time

	// Mirrored is set on a returned copy when SpeedRPM was taken from the
	// opposite wheel because this wheel's feedback went stale.
	Mirrored bool
}

// decodeFeedback applies a feedback frame to the cache. Frames with
// implausible speed or voltage are dropped without touching any state.
func (b *Bus) decodeFeedback(f can.Frame) bool {
	if !f.IsExtended || f.Length < feedbackFrame.DLC || frameCommand(f.ID) != CmdFeedback {
		return false
	}
	w, ok := wheelByAddress(responderAddress(f.ID))
	if !ok {
		return false
	}
	if err := feedbackFrame.DecodeInto(f, b.scratch); err != nil {
		return false
	}

	speed := b.scratch[fbSpeed]
	voltage := b.scratch[fbVoltage]
	if math.Abs(speed) > b.cfg.MaxSpeedRPM || voltage < 0 || voltage > b.cfg.MaxVoltageRaw {
		b.stats.RejectedFrames++
		return false
	}

	fb := &b.fb[w]
	fb.SpeedRPM = speed
	fb.PositionDeg = b.scratch[fbPosition]
	fb.CurrentMA = b.scratch[fbCurrent]
	fb.VoltageV = voltage / 100
	fb.Updated = b.now()
	b.mirrored[w] = false
	return true
}

func (b *Bus) stale(w Wheel, now time.Time) bool {
	last := b.fb[w].Updated
	return !last.IsZero() && now.Sub(last) > b.cfg.StaleWindow
}

// refreshMirrors marks a wheel as mirrored while its own feedback is stale
// and its sibling's is fresh.
func (b *Bus) refreshMirrors() {
	now := b.now()
	mirroring := false
	for _, w := range Wheels {
		b.mirrored[w] = b.stale(w, now) && !b.stale(w.Other(), now)
		mirroring = mirroring || b.mirrored[w]
	}
	if mirroring {
		b.stats.MirroredTicks++
	}
}

// Feedback returns the wheel's feedback, with speed mirrored from the other
// wheel when this one is stale.
func (b *Bus) Feedback(w Wheel) MotorFeedback {
	fb := b.fb[w]
	if b.mirrored[w] {
		fb.SpeedRPM = b.fb[w.Other()].SpeedRPM
		fb.Mirrored = true
	}
	return fb
}

func (b *Bus) updateLinearSpeed() {
	r := b.Feedback(Right).SpeedRPM * float64(b.cfg.RightDirection)
	l := b.Feedback(Left).SpeedRPM * float64(b.cfg.LeftDirection)
	b.linearSpeed = (r + l) * 0.5 * b.cfg.WheelCircumferenceMM / 60
}

// LinearSpeed is the wheel-average forward speed in mm/s.
func (b *Bus) LinearSpeed() float64 {
	return b.linearSpeed
}
