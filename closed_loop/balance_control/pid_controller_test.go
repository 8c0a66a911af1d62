package control

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDOutputAndIntegralStayClamped(t *testing.T) {
	cfg := DefaultConfig().PID
	rng := rand.New(rand.NewSource(42))

	for _, dir := range []float64{1, -1} {
		cfg.Direction = dir
		pid := NewPIDController(cfg)
		for i := 0; i < 20000; i++ {
			g := Gains{Kp: rng.Float64() * 100, Ki: rng.Float64() * 50, Kd: rng.Float64() * 20}
			errDeg := (rng.Float64()*2 - 1) * 90
			if i%3 == 0 {
				// keep some errors inside the accumulation band
				errDeg /= 30
			}
			rate := (rng.Float64()*2 - 1) * 500
			dt := rng.Float64() * 0.5

			out := pid.Update(errDeg, rate, dt, g)
			require.LessOrEqual(t, math.Abs(out), cfg.OutputLimit)
			require.LessOrEqual(t, math.Abs(pid.GetIntegral()), cfg.IntegralLimit)
		}
	}
}

func TestPIDIntegralDecaysOnLargeError(t *testing.T) {
	pid := NewPIDController(DefaultConfig().PID)
	g := Gains{Kp: 1, Ki: 1}

	pid.Update(2, 0, 1, g)
	pid.Update(2, 0, 1, g)
	assert.InDelta(t, 4.0, pid.GetIntegral(), 1e-9)

	pid.Update(30, 0, 1, g)
	assert.InDelta(t, 3.6, pid.GetIntegral(), 1e-9)
	pid.Update(-30, 0, 1, g)
	assert.InDelta(t, 3.24, pid.GetIntegral(), 1e-9)
}

func TestPIDDerivativeLimit(t *testing.T) {
	pid := NewPIDController(DefaultConfig().PID)
	out := pid.Update(0, 1000, 0.002, Gains{Kd: 3})
	assert.InDelta(t, 120.0, out, 1e-9)

	d := pid.GetDiagnostics()
	assert.InDelta(t, 120.0, d.Raw, 1e-9)
	assert.InDelta(t, 120.0, d.Clamped, 1e-9)
}

func TestPIDRawKeptBeforeClamp(t *testing.T) {
	pid := NewPIDController(DefaultConfig().PID)
	out := pid.Update(4, 0, 0, Gains{Kp: 100})
	assert.Equal(t, 300.0, out)
	assert.InDelta(t, 400.0, pid.GetDiagnostics().Raw, 1e-9)
}

func TestShapingHelpers(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 0}, {3, 0}, {4, 0}, {-4, 0}, {5, 6}, {-5, -6}, {6, 6}, {40, 40}, {-40, -40},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shapeOutput(tt.in, 4, 6), "shape(%d)", tt.in)
	}
	assert.Equal(t, 5, shapeOutput(5, 0, 0))

	assert.Equal(t, 3, slewLimit(40, 0, 3))
	assert.Equal(t, -3, slewLimit(-40, 0, 3))
	assert.Equal(t, 11, slewLimit(11, 10, 3))
	assert.Equal(t, 40, slewLimit(40, 0, 0))

	assert.Equal(t, 1.0, thermalScale(55, 55, 20, 0.3))
	assert.InDelta(t, 0.5, thermalScale(65, 55, 20, 0.3), 1e-9)
	assert.InDelta(t, 0.3, thermalScale(90, 55, 20, 0.3), 1e-9)
}
