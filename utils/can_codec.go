package utils

import (
	"fmt"

	"go.einride.tech/can"
)

// Raw extracts the signal's integer value from a packed payload.
func (s SignalDef) Raw(payload uint64) int64 {
	u := getBits(payload, s.StartBit, s.BitLength)
	return unsignedToRawInt64(u, s.BitLength, s.Signed)
}

// Physical applies factor and offset to the raw value.
func (s SignalDef) Physical(payload uint64) float64 {
	factor := s.Factor
	if factor == 0 {
		factor = 1
	}
	return float64(s.Raw(payload))*factor + s.Offset
}

// Put stores raw into payload, saturating at the signal's bit range.
func (s SignalDef) Put(payload uint64, raw int64) uint64 {
	raw = clampRaw(raw, s.BitLength, s.Signed)
	return setBits(payload, s.StartBit, s.BitLength, rawToUnsigned(raw, s.BitLength))
}

// DecodeInto writes the physical value of every signal into out, in signal order.
// It does not allocate so it can run on the control path.
func (fd *FrameDef) DecodeInto(f can.Frame, out []float64) error {
	if f.Length < fd.DLC {
		return fmt.Errorf("frame %s expects DLC %d, got %d", fd.Name, fd.DLC, f.Length)
	}
	if len(out) < len(fd.Signals) {
		return fmt.Errorf("frame %s has %d signals, output holds %d", fd.Name, len(fd.Signals), len(out))
	}
	payload := PayloadFromData(f.Data, fd.DLC)
	for i, s := range fd.Signals {
		out[i] = s.Physical(payload)
	}
	return nil
}

// Encode packs raw values, in signal order, into a payload.
func (fd *FrameDef) Encode(raws ...int64) (can.Data, error) {
	if len(raws) != len(fd.Signals) {
		return can.Data{}, fmt.Errorf("frame %s has %d signals, got %d values", fd.Name, len(fd.Signals), len(raws))
	}
	var payload uint64
	for i, s := range fd.Signals {
		payload = s.Put(payload, raws[i])
	}
	return DataFromPayload(payload), nil
}
