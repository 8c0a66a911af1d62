package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	control "balancer-core/closed_loop/balance_control"
	"balancer-core/closed_loop/motorbus"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"J,10,-40", Steer{X: 10, Y: -40}},
		{"J,0,0\n", Steer{}},
		{"P,17.5,0.5,3", SetPID{Gains: control.Gains{Kp: 17.5, Ki: 0.5, Kd: 3}}},
		{"G,250000,500000,5000", SetMotorGains{Kp: 250000, Ki: 500000, Kd: 5000}},
		{"IL,800", SetCurrentLimit{MilliAmps: 800}},
		{"MS", SetMotorMode{Mode: motorbus.ModeSpeed}},
		{"MC", SetMotorMode{Mode: motorbus.ModeCurrent}},
		{"MP", SetMotorMode{Mode: motorbus.ModePosition}},
		{"S", Activate{}},
		{"E", EmergencyStop{}},
		{"R", Reset{}},
		{"B,1", Bench{On: true}},
		{"B,0", Bench{On: false}},
		{"AT", AutoTune{On: true}},
		{"AX", AutoTune{On: false}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCommand(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandRejects(t *testing.T) {
	for _, in := range []string{"", "X", "B,2", "J,1", "J,a,b", "P,1,2", "IL,", "G,1.5,2,3", "IL,99999999999",
		"J,nan,0", "J,0,+Inf", "P,inf,0,0", "P,17.5,NaN,3", "P,1,2,-inf"} {
		_, err := ParseCommand(in)
		assert.Error(t, err, "input %q", in)
	}
	_, err := ParseCommand("HELLO")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}
