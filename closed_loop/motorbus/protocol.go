// Package motorbus speaks the RollerCAN motor protocol: fixed 8-byte extended
// frames addressed to one of the two wheel drivers.
package motorbus

import (
	"go.einride.tech/can"

	"balancer-core/utils"
)

// Wheel names a drive motor. The zero value is Right.
type Wheel int

const (
	Right Wheel = iota
	Left
)

const NumWheels = 2

// Wheels lists every wheel in bus order.
var Wheels = [NumWheels]Wheel{Right, Left}

func (w Wheel) String() string {
	switch w {
	case Right:
		return "right"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// Address is the device address the wheel's driver answers to.
func (w Wheel) Address() uint8 {
	if w == Left {
		return 0xA9
	}
	return 0xA8
}

// Other returns the opposite wheel.
func (w Wheel) Other() Wheel {
	if w == Left {
		return Right
	}
	return Left
}

func wheelByAddress(addr uint8) (Wheel, bool) {
	switch addr {
	case Right.Address():
		return Right, true
	case Left.Address():
		return Left, true
	}
	return 0, false
}

// Command is the 5-bit command field of the frame identifier.
type Command uint8

const (
	CmdFeedback Command = 0x02
	CmdOn       Command = 0x03
	CmdOff      Command = 0x04
	CmdRead     Command = 0x11
	CmdWrite    Command = 0x12
)

// Register is a 16-bit parameter address. Every register holds a 32-bit value.
type Register uint16

const (
	RegMode          Register = 0x7005
	RegCurrent       Register = 0x7006 // mA x100
	RegSpeed         Register = 0x700A // RPM x100
	RegPosition      Register = 0x7016 // deg x100
	RegPosMaxCurrent Register = 0x7017 // mA x100
	RegSpeedMaxCur   Register = 0x7018 // mA x100
	RegSpeedKp       Register = 0x7020 // x100000
	RegSpeedKi       Register = 0x7021 // x10000000
	RegSpeedKd       Register = 0x7022 // x100000
	RegSpeedReadback Register = 0x7030 // RPM x100
	RegPosReadback   Register = 0x7031 // deg x100
	RegCurReadback   Register = 0x7032 // mA x100
	RegEncoder       Register = 0x7033 // 36000 counts per revolution
	RegInputVoltage  Register = 0x7034 // V x100
	RegTemperature   Register = 0x7035 // degC
)

// Mode is the motor driver's control mode.
type Mode int32

const (
	ModeSpeed    Mode = 1
	ModePosition Mode = 2
	ModeCurrent  Mode = 3
)

func (m Mode) Valid() bool {
	return m == ModeSpeed || m == ModePosition || m == ModeCurrent
}

func (m Mode) String() string {
	switch m {
	case ModeSpeed:
		return "speed"
	case ModePosition:
		return "position"
	case ModeCurrent:
		return "current"
	default:
		return "invalid"
	}
}

// FrameID builds an extended identifier: command<<24 | option<<16 | address.
func FrameID(cmd Command, option uint16, addr uint8) uint32 {
	return uint32(cmd)<<24 | uint32(option)<<16 | uint32(addr)
}

// frameCommand extracts the command field of a received identifier.
func frameCommand(id uint32) Command {
	return Command((id >> 24) & 0x1F)
}

// responderAddress extracts the replying device address. Replies carry it in
// bits 8-15, not in the low byte used for requests.
func responderAddress(id uint32) uint8 {
	return uint8((id >> 8) & 0xFF)
}

// Parameter payload: register in bytes 0-1, value in bytes 4-7, both little-endian.
var paramFrame = utils.FrameDef{
	Name: "PARAM",
	DLC:  8,
	Signals: []utils.SignalDef{
		{Name: "register", StartBit: 0, BitLength: 16},
		{Name: "reserved", StartBit: 16, BitLength: 16},
		{Name: "value", StartBit: 32, BitLength: 32, Signed: true},
	},
}

// Feedback payload: four signed 16-bit little-endian fields.
var feedbackFrame = utils.FrameDef{
	Name: "FEEDBACK",
	DLC:  8,
	Signals: []utils.SignalDef{
		{Name: "speed", StartBit: 0, BitLength: 16, Signed: true, Factor: 1, Unit: "rpm"},
		{Name: "position", StartBit: 16, BitLength: 16, Signed: true, Factor: 1, Unit: "deg"},
		{Name: "current", StartBit: 32, BitLength: 16, Signed: true, Factor: 1, Unit: "mA"},
		{Name: "voltage", StartBit: 48, BitLength: 16, Signed: true, Factor: 1, Unit: "V x100"},
	},
}

var (
	fbSpeed    = mustIndex(&feedbackFrame, "speed")
	fbPosition = mustIndex(&feedbackFrame, "position")
	fbCurrent  = mustIndex(&feedbackFrame, "current")
	fbVoltage  = mustIndex(&feedbackFrame, "voltage")
)

func mustIndex(fd *utils.FrameDef, name string) int {
	i := fd.Index(name)
	if i < 0 {
		panic("motorbus: " + fd.Name + " has no signal " + name)
	}
	return i
}

func newFrame(w Wheel, cmd Command, data can.Data) can.Frame {
	return can.Frame{
		ID:         FrameID(cmd, 0, w.Address()),
		Length:     8,
		Data:       data,
		IsExtended: true,
	}
}

// EncodeWrite builds a WRITE request for reg.
func EncodeWrite(w Wheel, reg Register, value int32) can.Frame {
	data, _ := paramFrame.Encode(int64(reg), 0, int64(value))
	return newFrame(w, CmdWrite, data)
}

// EncodeRead builds a READ request for reg.
func EncodeRead(w Wheel, reg Register) can.Frame {
	data, _ := paramFrame.Encode(int64(reg), 0, 0)
	return newFrame(w, CmdRead, data)
}

// EncodeOutput builds an ON or OFF request.
func EncodeOutput(w Wheel, on bool) can.Frame {
	cmd := CmdOff
	if on {
		cmd = CmdOn
	}
	return newFrame(w, cmd, can.Data{})
}

// DecodeParameter extracts register and value from a parameter payload.
func DecodeParameter(f can.Frame) (Register, int32, bool) {
	if f.Length < 8 {
		return 0, 0, false
	}
	payload := utils.PayloadFromData(f.Data, paramFrame.DLC)
	reg := Register(paramFrame.Signals[0].Raw(payload))
	value := int32(paramFrame.Signals[2].Raw(payload))
	return reg, value, true
}
