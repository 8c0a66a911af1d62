package attitude

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tilted(deg float64) Sample {
	r := deg / radToDeg
	return Sample{Accel: [3]float64{0, math.Cos(r), math.Sin(r)}}
}

func TestConvergesToAccelerometerAngle(t *testing.T) {
	e := New(DefaultConfig())
	var st State
	for i := 0; i < 1000; i++ {
		st = e.Update(tilted(10), 0.002)
	}
	assert.InDelta(t, 10.0, st.Pitch, 0.01)
	assert.InDelta(t, 10.0, st.AccelPitch, 1e-9)
	assert.InDelta(t, 0.0, st.Roll, 1e-9)
}

func TestGyroDominatesShortTerm(t *testing.T) {
	e := New(DefaultConfig())
	s := tilted(0)
	s.Gyro = [3]float64{-10, 0, 0} // sensor X is inverted relative to pitch

	st := e.Update(s, 0.01)
	assert.InDelta(t, 0.98*0.1, st.Pitch, 1e-9)
	assert.Equal(t, 10.0, st.RawPitchRate)
	assert.InDelta(t, 5.0, st.PitchRate, 1e-9)

	st = e.Update(s, 0.01)
	assert.InDelta(t, 7.5, st.PitchRate, 1e-9)
}

func TestYawIntegratesWithoutReference(t *testing.T) {
	e := New(DefaultConfig())
	s := tilted(0)
	s.Gyro[2] = 90
	var st State
	for i := 0; i < 500; i++ {
		st = e.Update(s, 0.002)
	}
	assert.InDelta(t, 90.0, st.Yaw, 1e-6)

	e.Reset()
	assert.Equal(t, State{}, e.State())
}

func TestMountOffsetAppliedToReportedPitch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MountOffsetDeg = -2.5
	e := New(cfg)
	st := e.Update(tilted(0), 0.002)
	assert.InDelta(t, -2.5, st.Pitch, 1e-9)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Alpha = 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Orientation.PitchRate.Index = 3
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Orientation.YawRate.Sign = 0
	assert.Error(t, cfg.Validate())
}
