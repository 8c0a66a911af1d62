package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigValidateOutputBounds(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"min effective above limit": func(c *Config) { c.Output.MinEffective = int(c.PID.OutputLimit) + 1 },
		"negative min effective":    func(c *Config) { c.Output.MinEffective = -1 },
		"negative deadband":         func(c *Config) { c.Output.Deadband = -1 },
		"bench ceiling above limit": func(c *Config) { c.Bench.Ceiling = int(c.PID.OutputLimit) + 10 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Output.MinEffective = int(cfg.PID.OutputLimit)
	cfg.Bench.Ceiling = int(cfg.PID.OutputLimit)
	assert.NoError(t, cfg.Validate(), "limits are inclusive")
}

func TestRecoveryGainsDecode(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte("recovery_gains: {kp: 30, kd: 5}\n"), &cfg))
	assert.Equal(t, RecoveryGains{Kp: 30, Kd: 5}, cfg.RecoveryGains)
	assert.Equal(t, DefaultConfig().Gains, cfg.Gains)
}
