package stages

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/stage"
)

func testMeta() *packet.SensorMeta {
	return &packet.SensorMeta{
		SensorID:         1,
		MetaRev:          1,
		VRef:             4.5,
		ADCBits:          24,
		Gain:             24,
		SampleRate:       250,
		OffsetCode:       0,
		IsTwosComplement: true,
		ChannelNames:     []string{"ch0", "ch1"},
	}
}

// TestToVoltage_RoundTrip verifies §8's property: raw -> voltage -> raw is
// the identity within the ADC quantum, for all meta.
func TestToVoltage_RoundTrip(t *testing.T) {
	meta := testMeta()
	tv := NewToVoltage("to_voltage")
	require.NoError(t, tv.Init(stage.Params{}))

	rawValues := []packet.RawI32{0, 100, -100, 12345, -12345, 1 << 20, -(1 << 20)}
	hdr := packet.Header{BatchSize: uint32(len(rawValues)) / 2, NumChannels: 2, Meta: meta}
	in := packet.NewPacket(hdr, append([]packet.RawI32(nil), rawValues...), func([]packet.RawI32) {})

	out, err := tv.Step(in)
	require.NoError(t, err)
	require.NotNil(t, out)

	denom := float64((1<<(meta.ADCBits-1))-1) * float64(meta.Gain)
	quantum := float64(meta.VRef) / denom

	for i, raw := range rawValues {
		v := float64(out.Samples[i])
		backToRaw := math.Round(v / quantum)
		assert.InDelta(t, float64(raw), backToRaw, 1.0, "raw=%d voltage=%v", raw, v)
	}
}

func TestToVoltage_CachesScaleFactorByMetaPointerAndRev(t *testing.T) {
	meta := testMeta()
	tv := NewToVoltage("to_voltage")
	require.NoError(t, tv.Init(stage.Params{}))

	hdr := packet.Header{BatchSize: 1, NumChannels: 2, Meta: meta}
	in1 := packet.NewPacket(hdr, []packet.RawI32{10, 20}, func([]packet.RawI32) {})
	out1, err := tv.Step(in1)
	require.NoError(t, err)
	v1 := out1.Samples[0]

	// Same meta pointer+rev: identical scale.
	in2 := packet.NewPacket(hdr, []packet.RawI32{10, 20}, func([]packet.RawI32) {})
	out2, err := tv.Step(in2)
	require.NoError(t, err)
	assert.Equal(t, v1, out2.Samples[0])

	// A bumped MetaRev must invalidate the cached factor even on the same
	// pointer identity's underlying struct value.
	reconfigured := meta.Next()
	reconfigured.Gain = meta.Gain * 2
	hdr2 := packet.Header{BatchSize: 1, NumChannels: 2, Meta: reconfigured}
	in3 := packet.NewPacket(hdr2, []packet.RawI32{10, 20}, func([]packet.RawI32) {})
	out3, err := tv.Step(in3)
	require.NoError(t, err)
	assert.NotEqual(t, v1, out3.Samples[0], "doubled gain must change the scaled voltage")
}

func TestToVoltage_SaturatesRatherThanOverflows(t *testing.T) {
	meta := testMeta()
	meta.Gain = 0.0001 // tiny gain inflates the scaled magnitude
	tv := NewToVoltage("to_voltage")
	require.NoError(t, tv.Init(stage.Params{}))

	hdr := packet.Header{BatchSize: 1, NumChannels: 1, Meta: meta}
	in := packet.NewPacket(hdr, []packet.RawI32{math.MaxInt32}, func([]packet.RawI32) {})

	out, err := tv.Step(in)
	require.NoError(t, err)
	assert.False(t, math.IsInf(float64(out.Samples[0]), 0))
	assert.False(t, math.IsNaN(float64(out.Samples[0])))
}
