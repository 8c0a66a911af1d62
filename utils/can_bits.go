package utils

import "go.einride.tech/can"

// PayloadFromData packs the first dlc bytes of a frame little-endian into a uint64.
func PayloadFromData(data can.Data, dlc uint8) uint64 {
	var payload uint64
	for i := 0; i < int(dlc) && i < can.MaxDataLength; i++ {
		payload |= uint64(data[i]) << (8 * i)
	}
	return payload
}

// DataFromPayload is the inverse of PayloadFromData for a full 8-byte frame.
func DataFromPayload(payload uint64) can.Data {
	var d can.Data
	for i := 0; i < can.MaxDataLength; i++ {
		d[i] = byte((payload >> (8 * i)) & 0xFF)
	}
	return d
}

func getBits(payload uint64, startBit, bitLen int) uint64 {
	if bitLen <= 0 || bitLen > 64 {
		return 0
	}
	if bitLen == 64 {
		return payload >> startBit
	}
	mask := uint64((1 << bitLen) - 1)
	return (payload >> startBit) & mask
}

func setBits(payload uint64, startBit, bitLen int, value uint64) uint64 {
	if bitLen <= 0 || bitLen > 64 {
		return payload
	}
	mask := ^uint64(0)
	if bitLen < 64 {
		mask = uint64((1 << bitLen) - 1)
	}
	payload &^= (mask << startBit)
	payload |= (value & mask) << startBit
	return payload
}

func unsignedToRawInt64(u uint64, bitLen int, signed bool) int64 {
	if !signed || bitLen >= 64 {
		return int64(u)
	}
	signBit := uint64(1) << (bitLen - 1)
	if (u & signBit) == 0 {
		return int64(u)
	}
	fullMask := uint64((1 << bitLen) - 1)
	twos := (^u + 1) & fullMask
	return -int64(twos)
}

func rawToUnsigned(raw int64, bitLen int) uint64 {
	if raw >= 0 || bitLen >= 64 {
		return uint64(raw)
	}
	fullMask := uint64((1 << bitLen) - 1)
	return uint64(raw) & fullMask
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampRaw(raw int64, bitLen int, signed bool) int64 {
	if bitLen <= 0 || bitLen > 63 {
		return raw
	}
	if !signed {
		max := int64((1 << bitLen) - 1)
		if raw < 0 {
			return 0
		}
		if raw > max {
			return max
		}
		return raw
	}
	min := -int64(1 << (bitLen - 1))
	max := int64((1 << (bitLen - 1)) - 1)
	if raw < min {
		return min
	}
	if raw > max {
		return max
	}
	return raw
}
