package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "balancer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigExampleFile(t *testing.T) {
	cfg, err := LoadConfig("balancer.yaml")
	require.NoError(t, err)

	assert.Equal(t, 2*time.Millisecond, cfg.Loop.Period)
	assert.Equal(t, "socketcan", cfg.Bus.Transport)
	assert.InDelta(t, 17.5, cfg.Controller.Gains.Kp, 1e-9)
	assert.InDelta(t, 14.0, cfg.Controller.Gates.FallAngle, 1e-9)
	assert.Len(t, cfg.AutoTune.KpValues, 5)
	assert.Equal(t, 15*time.Second, cfg.AutoTune.MaxRun)
	assert.Equal(t, 830, cfg.Telemetry.RobotWeightG)
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
loop:
  period: 5ms
bus:
  transport: slcan
controller:
  gains: {kp: 20}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, 5*time.Millisecond, cfg.Loop.Period)
	assert.Equal(t, def.Loop.MaxDt, cfg.Loop.MaxDt)
	assert.Equal(t, "slcan", cfg.Bus.Transport)
	assert.Equal(t, def.Bus.Serial, cfg.Bus.Serial)
	assert.InDelta(t, 20.0, cfg.Controller.Gains.Kp, 1e-9)
	assert.InDelta(t, def.Controller.Gains.Kd, cfg.Controller.Gains.Kd, 1e-9)
	assert.Equal(t, def.Bus.Protocol, cfg.Bus.Protocol)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero period", "loop:\n  period: 0s\n"},
		{"unknown transport", "bus:\n  transport: usb\n"},
		{"unknown imu", "imu:\n  source: spi\n"},
		{"mqtt without broker", "telemetry:\n  mqtt:\n    enabled: true\n    broker: \"\"\n"},
		{"empty grid", "autotune:\n  kp_values: []\n"},
		{"not yaml", "loop: [unclosed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
