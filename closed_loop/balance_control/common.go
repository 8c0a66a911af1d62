package control

import "math"

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func clampInt(value, limit int) int {
	if value < -limit {
		return -limit
	}
	if value > limit {
		return limit
	}
	return value
}

// BoolToInt converts bool to int (for status lines)
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// slewLimit bounds the change from previous to step per call.
func slewLimit(target, previous, step int) int {
	if step <= 0 {
		return target
	}
	return previous + clampInt(target-previous, step)
}

// shapeOutput zeroes commands inside the deadband and lifts small ones to the
// minimum magnitude that overcomes static friction.
func shapeOutput(cmd, deadband, minEffective int) int {
	mag := absInt(cmd)
	if deadband > 0 && mag <= deadband {
		return 0
	}
	if minEffective > 0 && mag > 0 && mag < minEffective {
		mag = minEffective
	}
	if cmd > 0 {
		return mag
	}
	return -mag
}

// thermalScale is 1 below startC and falls linearly to floor over spanC.
func thermalScale(tempC, startC, spanC, floor float64) float64 {
	if tempC <= startC {
		return 1
	}
	return ClampFloat(1-(tempC-startC)/spanC, floor, 1)
}

func lowPass(prev, input, alpha float64) float64 {
	return alpha*prev + (1-alpha)*input
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
