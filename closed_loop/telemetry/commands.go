// Package telemetry is the operator channel: text commands in, status lines
// out, over WebSocket and MQTT.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	control "balancer-core/closed_loop/balance_control"
	"balancer-core/closed_loop/motorbus"
)

var ErrUnknownCommand = errors.New("telemetry: unknown command")

// Command is a decoded operator request. The set is closed: only the types in
// this file implement it.
type Command interface {
	command()
}

// Steer carries raw joystick axes.
type Steer struct{ X, Y float64 }

// SetPID replaces the balance gains.
type SetPID struct{ Gains control.Gains }

// SetMotorGains writes the drivers' internal speed loop, in register scale.
type SetMotorGains struct{ Kp, Ki, Kd int32 }

// SetCurrentLimit caps speed-mode current in mA.
type SetCurrentLimit struct{ MilliAmps int32 }

type SetMotorMode struct{ Mode motorbus.Mode }

type Activate struct{}

type EmergencyStop struct{}

type Reset struct{}

type Bench struct{ On bool }

// AutoTune starts (On) or aborts the gain search.
type AutoTune struct{ On bool }

// Disconnect is raised by the transport when the last operator leaves.
type Disconnect struct{}

func (Steer) command()           {}
func (SetPID) command()          {}
func (SetMotorGains) command()   {}
func (SetCurrentLimit) command() {}
func (SetMotorMode) command()    {}
func (Activate) command()        {}
func (EmergencyStop) command()   {}
func (Reset) command()           {}
func (Bench) command()           {}
func (AutoTune) command()        {}
func (Disconnect) command()      {}

// ParseCommand decodes one text command such as "J,10,-40" or "P,17.5,0.5,3".
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	name, rest, _ := strings.Cut(line, ",")

	switch name {
	case "AT":
		return AutoTune{On: true}, nil
	case "AX":
		return AutoTune{On: false}, nil
	case "S":
		return Activate{}, nil
	case "E":
		return EmergencyStop{}, nil
	case "R":
		return Reset{}, nil
	case "MS":
		return SetMotorMode{Mode: motorbus.ModeSpeed}, nil
	case "MC":
		return SetMotorMode{Mode: motorbus.ModeCurrent}, nil
	case "MP":
		return SetMotorMode{Mode: motorbus.ModePosition}, nil
	case "B":
		switch rest {
		case "1":
			return Bench{On: true}, nil
		case "0":
			return Bench{On: false}, nil
		}
	case "J":
		v, err := parseFloats(rest, 2)
		if err != nil {
			return nil, fmt.Errorf("steer %q: %w", line, err)
		}
		return Steer{X: v[0], Y: v[1]}, nil
	case "P":
		v, err := parseFloats(rest, 3)
		if err != nil {
			return nil, fmt.Errorf("pid %q: %w", line, err)
		}
		return SetPID{Gains: control.Gains{Kp: v[0], Ki: v[1], Kd: v[2]}}, nil
	case "G":
		v, err := parseInts(rest, 3)
		if err != nil {
			return nil, fmt.Errorf("motor gains %q: %w", line, err)
		}
		return SetMotorGains{Kp: v[0], Ki: v[1], Kd: v[2]}, nil
	case "IL":
		v, err := parseInts(rest, 1)
		if err != nil {
			return nil, fmt.Errorf("current limit %q: %w", line, err)
		}
		return SetCurrentLimit{MilliAmps: v[0]}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
}

func splitArgs(s string, n int) ([]string, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d values, got %d", n, len(parts))
	}
	return parts, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	parts, err := splitArgs(s, n)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, p := range parts {
		if out[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64); err != nil {
			return nil, err
		}
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			return nil, fmt.Errorf("value %d is not finite", i+1)
		}
	}
	return out, nil
}

func parseInts(s string, n int) ([]int32, error) {
	parts, err := splitArgs(s, n)
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		out[i] = int32(v)
	}
	return out, nil
}
