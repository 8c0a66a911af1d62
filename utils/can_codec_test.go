package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
)

var testFrame = FrameDef{
	Name: "TEST",
	DLC:  8,
	Signals: []SignalDef{
		{Name: "speed", StartBit: 0, BitLength: 16, Signed: true, Factor: 0.01},
		{Name: "flag", StartBit: 16, BitLength: 1},
		{Name: "temp", StartBit: 24, BitLength: 8, Offset: -40},
		{Name: "count", StartBit: 32, BitLength: 32, Signed: true},
	},
}

func TestPayloadRoundTrip(t *testing.T) {
	d := can.Data{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	p := PayloadFromData(d, 8)
	assert.Equal(t, uint64(0x0807060504030201), p)
	assert.Equal(t, d, DataFromPayload(p))

	assert.Equal(t, uint64(0x0201), PayloadFromData(d, 2), "bytes past the DLC are ignored")
}

func TestEncodeDecodeSignals(t *testing.T) {
	data, err := testFrame.Encode(-1234, 1, 65, -100000)
	require.NoError(t, err)

	out := make([]float64, len(testFrame.Signals))
	require.NoError(t, testFrame.DecodeInto(can.Frame{Length: 8, Data: data}, out))

	assert.InDelta(t, -12.34, out[0], 1e-9)
	assert.Equal(t, 1.0, out[1])
	assert.Equal(t, 25.0, out[2])
	assert.Equal(t, -100000.0, out[3])
}

func TestEncodeSaturates(t *testing.T) {
	data, err := testFrame.Encode(40000, 3, -5, 0)
	require.NoError(t, err)
	p := PayloadFromData(data, 8)

	assert.Equal(t, int64(32767), testFrame.Signals[0].Raw(p))
	assert.Equal(t, int64(1), testFrame.Signals[1].Raw(p))
	assert.Equal(t, int64(0), testFrame.Signals[2].Raw(p))
}

func TestEncodeDecodeErrors(t *testing.T) {
	_, err := testFrame.Encode(1, 2)
	assert.Error(t, err)

	out := make([]float64, len(testFrame.Signals))
	assert.Error(t, testFrame.DecodeInto(can.Frame{Length: 4}, out), "short frame")
	assert.Error(t, testFrame.DecodeInto(can.Frame{Length: 8}, out[:2]), "short output")
}

func TestFrameDefIndex(t *testing.T) {
	assert.Equal(t, 2, testFrame.Index("temp"))
	assert.Equal(t, -1, testFrame.Index("missing"))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1.0, Clamp(5, -1, 1))
	assert.Equal(t, -1.0, Clamp(-5, -1, 1))
	assert.Equal(t, 0.5, Clamp(0.5, -1, 1))
	assert.Equal(t, 3, ClampInt(9, 0, 3))
	assert.Equal(t, 0, ClampInt(-9, 0, 3))
}
