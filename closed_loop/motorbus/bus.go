package motorbus

import (
	"errors"
	"fmt"
	"time"

	"go.einride.tech/can"

	"balancer-core/utils"
)

var (
	// ErrNoData is returned when a parameter read gets no matching reply in time.
	ErrNoData = errors.New("motorbus: no data")
	// ErrInvalidMode rejects a motor mode outside speed/position/current.
	ErrInvalidMode = errors.New("motorbus: invalid motor mode")
)

// Transport moves raw frames. A zero send timeout must never block.
type Transport interface {
	Send(f can.Frame, timeout time.Duration) error
	Receive(timeout time.Duration) (can.Frame, bool)
}

// Config holds protocol timing, plausibility bounds and drivetrain geometry.
type Config struct {
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	ReliableTimeout  time.Duration `yaml:"reliable_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	OutputAckTimeout time.Duration `yaml:"output_ack_timeout"`
	WriteSettle      time.Duration `yaml:"write_settle"`
	StaleWindow      time.Duration `yaml:"stale_window"`

	MaxSpeedRPM   float64 `yaml:"max_speed_rpm"`
	MaxVoltageRaw float64 `yaml:"max_voltage_raw"`

	WheelCircumferenceMM float64 `yaml:"wheel_circumference_mm"`
	RightDirection       int     `yaml:"right_direction"`
	LeftDirection        int     `yaml:"left_direction"`

	CurrentGainMAPerRPM float64 `yaml:"current_gain_ma_per_rpm"`
	CurrentLimitMA      float64 `yaml:"current_limit_ma"`
	StopRepeats         int     `yaml:"stop_repeats"`
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:          15 * time.Millisecond,
		ReliableTimeout:      10 * time.Millisecond,
		AckTimeout:           20 * time.Millisecond,
		OutputAckTimeout:     100 * time.Millisecond,
		WriteSettle:          20 * time.Millisecond,
		StaleWindow:          20 * time.Millisecond,
		MaxSpeedRPM:          6000,
		MaxVoltageRaw:        3000,
		WheelCircumferenceMM: 267,
		RightDirection:       1,
		LeftDirection:        -1,
		CurrentGainMAPerRPM:  35,
		CurrentLimitMA:       1800,
		StopRepeats:          3,
	}
}

func (c Config) Validate() error {
	if c.ReadTimeout <= 0 || c.ReliableTimeout <= 0 {
		return fmt.Errorf("read_timeout and reliable_timeout must be positive")
	}
	if c.StaleWindow <= 0 {
		return fmt.Errorf("invalid stale_window %s", c.StaleWindow)
	}
	if c.MaxSpeedRPM <= 0 || c.MaxVoltageRaw <= 0 {
		return fmt.Errorf("plausibility bounds must be positive")
	}
	for _, d := range []int{c.RightDirection, c.LeftDirection} {
		if d != 1 && d != -1 {
			return fmt.Errorf("wheel direction must be 1 or -1, got %d", d)
		}
	}
	if c.WheelCircumferenceMM <= 0 {
		return fmt.Errorf("invalid wheel_circumference_mm %f", c.WheelCircumferenceMM)
	}
	return nil
}

// Stats are the visible counters for transient bus faults.
type Stats struct {
	TxFailures     uint64
	ReadTimeouts   uint64
	RejectedFrames uint64
	MirroredTicks  uint64
}

// Bus owns the feedback cache and every frame sent to the two motors. It is
// not safe for concurrent use; the control loop is its only caller.
type Bus struct {
	t   Transport
	cfg Config
	log *utils.Logger

	now   func() time.Time
	sleep func(time.Duration)

	fb       [NumWheels]MotorFeedback
	mirrored [NumWheels]bool
	scratch  []float64

	mode        Mode
	linearSpeed float64
	stats       Stats
	pollIdx     int
}

func New(t Transport, cfg Config, log *utils.Logger) *Bus {
	return &Bus{
		t:     t,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		sleep: time.Sleep,
		mode:  ModeSpeed,

		scratch: make([]float64, len(feedbackFrame.Signals)),
	}
}

// Mode returns the last mode requested with SetModeAll.
func (b *Bus) Mode() Mode { return b.mode }

func (b *Bus) Stats() Stats { return b.stats }

func (b *Bus) send(f can.Frame, timeout time.Duration) error {
	if err := b.t.Send(f, timeout); err != nil {
		b.stats.TxFailures++
		return err
	}
	return nil
}

// routeFeedback hands feedback frames to the decoder and reports whether it consumed f.
func (b *Bus) routeFeedback(f can.Frame) bool {
	if f.IsExtended && frameCommand(f.ID) == CmdFeedback {
		b.decodeFeedback(f)
		return true
	}
	return false
}

// ReadParameter requests reg and waits up to ReadTimeout for the matching
// reply. Feedback frames seen while waiting still update the cache.
func (b *Bus) ReadParameter(w Wheel, reg Register) (int32, error) {
	if err := b.send(EncodeRead(w, reg), b.cfg.ReliableTimeout); err != nil {
		return 0, fmt.Errorf("read %s 0x%04X: %w", w, uint16(reg), err)
	}

	deadline := b.now().Add(b.cfg.ReadTimeout)
	for {
		remain := deadline.Sub(b.now())
		if remain <= 0 {
			break
		}
		f, ok := b.t.Receive(remain)
		if !ok {
			break
		}
		if !f.IsExtended || f.Length < paramFrame.DLC {
			continue
		}
		if b.routeFeedback(f) {
			continue
		}
		got, value, _ := DecodeParameter(f)
		if responderAddress(f.ID) != w.Address() || got != reg {
			continue
		}
		return value, nil
	}

	b.stats.ReadTimeouts++
	return 0, fmt.Errorf("%w: %s register 0x%04X", ErrNoData, w, uint16(reg))
}

// WriteParameter sends a WRITE and drains one acknowledgement. Success only
// means the frame was queued; it does not confirm the value took effect.
func (b *Bus) WriteParameter(w Wheel, reg Register, value int32) error {
	if err := b.send(EncodeWrite(w, reg, value), b.cfg.ReliableTimeout); err != nil {
		return fmt.Errorf("write %s 0x%04X: %w", w, uint16(reg), err)
	}
	if f, ok := b.t.Receive(b.cfg.AckTimeout); ok {
		b.routeFeedback(f)
	}
	return nil
}

// SetSpeed commands rpm without waiting. A full transmit queue drops the frame.
func (b *Bus) SetSpeed(w Wheel, rpm int32) error {
	return b.send(EncodeWrite(w, RegSpeed, rpm*100), 0)
}

// SetCurrent commands mA without waiting. A full transmit queue drops the frame.
func (b *Bus) SetCurrent(w Wheel, mA int32) error {
	return b.send(EncodeWrite(w, RegCurrent, mA*100), 0)
}

// SetPosition commands an absolute position in hundredths of a degree.
func (b *Bus) SetPosition(w Wheel, degX100 int32) error {
	return b.send(EncodeWrite(w, RegPosition, degX100), 0)
}

func (b *Bus) setSpeedReliable(w Wheel, rpm int32) error {
	return b.send(EncodeWrite(w, RegSpeed, rpm*100), b.cfg.ReliableTimeout)
}

func (b *Bus) setCurrentReliable(w Wheel, mA int32) error {
	return b.send(EncodeWrite(w, RegCurrent, mA*100), b.cfg.ReliableTimeout)
}

// SetOutputEnabled switches the motor's power stage on or off.
func (b *Bus) SetOutputEnabled(w Wheel, on bool) error {
	if err := b.send(EncodeOutput(w, on), b.cfg.ReliableTimeout); err != nil {
		return fmt.Errorf("output %s on=%v: %w", w, on, err)
	}
	if f, ok := b.t.Receive(b.cfg.OutputAckTimeout); ok {
		b.routeFeedback(f)
	}
	return nil
}

// SetModeAll switches both motors to m. Invalid modes are rejected with no frames sent.
func (b *Bus) SetModeAll(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int32(m))
	}
	var errs []error
	for _, w := range Wheels {
		if err := b.WriteParameter(w, RegMode, int32(m)); err != nil {
			errs = append(errs, err)
		}
		b.sleep(b.cfg.WriteSettle)
	}
	b.mode = m
	b.log.Info("Motor mode set to %s", m)
	return errors.Join(errs...)
}

// SetSpeedLoopGains writes the driver's internal speed loop gains, already in
// register scale (Kp x100000, Ki x10000000, Kd x100000).
func (b *Bus) SetSpeedLoopGains(kp, ki, kd int32) error {
	var errs []error
	for _, w := range Wheels {
		for _, p := range []struct {
			reg Register
			v   int32
		}{{RegSpeedKp, kp}, {RegSpeedKi, ki}, {RegSpeedKd, kd}} {
			if err := b.WriteParameter(w, p.reg, p.v); err != nil {
				errs = append(errs, err)
			}
			b.sleep(b.cfg.WriteSettle)
		}
	}
	return errors.Join(errs...)
}

// SetSpeedCurrentLimit caps the speed-mode current, clamped to [200, 3000] mA.
func (b *Bus) SetSpeedCurrentLimit(mA int32) error {
	mA = int32(utils.ClampInt(int(mA), 200, 3000))
	var errs []error
	for _, w := range Wheels {
		if err := b.WriteParameter(w, RegSpeedMaxCur, mA*100); err != nil {
			errs = append(errs, err)
		}
		b.sleep(b.cfg.WriteSettle)
	}
	return errors.Join(errs...)
}

func (b *Bus) direction(w Wheel) int {
	if w == Left {
		return b.cfg.LeftDirection
	}
	return b.cfg.RightDirection
}

// Drive issues one control-loop command per wheel, in RPM units, and then
// drains pending feedback. It never blocks.
func (b *Bus) Drive(outR, outL int) {
	out := [NumWheels]int{outR, outL}
	for _, w := range Wheels {
		dir := b.direction(w)
		if b.mode == ModeCurrent {
			mA := utils.Clamp(float64(out[w])*b.cfg.CurrentGainMAPerRPM, -b.cfg.CurrentLimitMA, b.cfg.CurrentLimitMA)
			_ = b.SetCurrent(w, int32(mA)*int32(dir))
		} else {
			_ = b.SetSpeed(w, int32(out[w]*dir))
		}
	}
	b.ProcessFeedback()
}

// maxDrain bounds how many queued frames one call will consume.
const maxDrain = 64

// ProcessFeedback consumes every queued frame without waiting, then refreshes
// staleness mirroring and the linear speed estimate.
func (b *Bus) ProcessFeedback() {
	for i := 0; i < maxDrain; i++ {
		f, ok := b.t.Receive(0)
		if !ok {
			break
		}
		b.routeFeedback(f)
	}
	b.refreshMirrors()
	b.updateLinearSpeed()
}

// Stop zeroes both motors with reliable sends and flushes the receive queue.
func (b *Bus) Stop() {
	for i := 0; i < b.cfg.StopRepeats; i++ {
		for _, w := range Wheels {
			if b.mode == ModeCurrent {
				_ = b.setCurrentReliable(w, 0)
			} else {
				_ = b.setSpeedReliable(w, 0)
			}
		}
		b.sleep(2 * time.Millisecond)
	}
	b.linearSpeed = 0
	for i := 0; i < maxDrain; i++ {
		f, ok := b.t.Receive(time.Millisecond)
		if !ok {
			break
		}
		b.routeFeedback(f)
	}
}

// Init brings both motors up in current mode. Outputs are disabled and every
// setpoint zeroed before outputs are enabled, so a stale setpoint cannot spin
// a wheel at power-on. A wheel reports ok when its input voltage could be read
// and is positive.
func (b *Bus) Init() [NumWheels]bool {
	var ok [NumWheels]bool
	for _, w := range Wheels {
		v, err := b.ReadParameter(w, RegInputVoltage)
		if err != nil {
			b.log.Warn("Motor %s (0x%02X) did not answer: %v", w, w.Address(), err)
			continue
		}
		if v > 0 {
			ok[w] = true
			b.fb[w].VoltageV = float64(v) / 100
		}
	}

	for _, w := range Wheels {
		if err := b.SetOutputEnabled(w, false); err != nil {
			b.log.Warn("Disable %s: %v", w, err)
		}
		b.sleep(b.cfg.WriteSettle)
		if err := b.setSpeedReliable(w, 0); err != nil {
			b.log.Warn("Zero speed %s: %v", w, err)
		}
		b.sleep(b.cfg.WriteSettle)
	}

	if err := b.SetModeAll(ModeCurrent); err != nil {
		b.log.Warn("Switch to current mode: %v", err)
	}

	for _, w := range Wheels {
		if err := b.setCurrentReliable(w, 0); err != nil {
			b.log.Warn("Zero current %s: %v", w, err)
		}
		b.sleep(b.cfg.WriteSettle / 2)
		if err := b.SetOutputEnabled(w, true); err != nil {
			b.log.Warn("Enable %s: %v", w, err)
		}
		b.sleep(b.cfg.WriteSettle)
	}
	b.Stop()

	b.log.Info("Motors init: right=%v (%.2fV) left=%v (%.2fV)",
		ok[Right], b.fb[Right].VoltageV, ok[Left], b.fb[Left].VoltageV)
	return ok
}

var pollOrder = [...]struct {
	wheel Wheel
	reg   Register
}{
	{Right, RegInputVoltage},
	{Left, RegInputVoltage},
	{Right, RegTemperature},
	{Left, RegTemperature},
	{Right, RegEncoder},
	{Left, RegEncoder},
}

// PollParameters performs one blocking parameter read, cycling through
// voltage, temperature and encoder count for both wheels. It must not be
// called while the robot is balancing. A failed read keeps the last value.
func (b *Bus) PollParameters() {
	p := pollOrder[b.pollIdx]
	b.pollIdx = (b.pollIdx + 1) % len(pollOrder)

	v, err := b.ReadParameter(p.wheel, p.reg)
	if err != nil {
		b.log.Trace("Poll %s: %v", p.wheel, err)
		return
	}
	fb := &b.fb[p.wheel]
	switch p.reg {
	case RegInputVoltage:
		fb.VoltageV = float64(v) / 100
	case RegTemperature:
		fb.TemperatureC = float64(v)
	case RegEncoder:
		fb.EncoderCount = v
	}
}
