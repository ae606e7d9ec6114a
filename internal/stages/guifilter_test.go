package stages

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/stage"
)

func filterMeta(rev uint32, nch int) *packet.SensorMeta {
	names := make([]string, nch)
	for i := range names {
		names[i] = "ch"
	}
	return &packet.SensorMeta{MetaRev: rev, SampleRate: 250, ChannelNames: names}
}

func TestGuiFilter_ReplacesNaNAndIncrementsSaturatedCounter(t *testing.T) {
	f := NewGuiFilter("gui_filter")
	require.NoError(t, f.Init(stage.Params{"high_pass": 1.0, "low_pass": 40.0}))

	meta := filterMeta(1, 1)
	hdr := packet.Header{BatchSize: 1, NumChannels: 1, Meta: meta}
	in := packet.NewPacket(hdr, []packet.Voltage{packet.Voltage(math.NaN())}, func([]packet.Voltage) {})

	out, err := f.Step(in)
	require.NoError(t, err)
	assert.EqualValues(t, 0, out.Samples[0])
	assert.EqualValues(t, 1, f.SaturatedCount())
}

func TestGuiFilter_ResetsStateOnMetaRevChange(t *testing.T) {
	f := NewGuiFilter("gui_filter")
	require.NoError(t, f.Init(stage.Params{"high_pass": 1.0, "low_pass": 40.0}))

	meta1 := filterMeta(1, 2)
	hdr1 := packet.Header{BatchSize: 4, NumChannels: 2, Meta: meta1}
	in1 := packet.NewPacket(hdr1, []packet.Voltage{1, 1, 1, 1, 1, 1, 1, 1}, func([]packet.Voltage) {})
	_, err := f.Step(in1)
	require.NoError(t, err)

	// A channel-count change alongside a new meta_rev must rebuild state
	// without panicking on an out-of-range channel index.
	meta2 := filterMeta(2, 4)
	hdr2 := packet.Header{BatchSize: 1, NumChannels: 4, Meta: meta2}
	in2 := packet.NewPacket(hdr2, []packet.Voltage{1, 1, 1, 1}, func([]packet.Voltage) {})
	out2, err := f.Step(in2)
	require.NoError(t, err)
	assert.Len(t, out2.Samples, 4)
}

func TestGuiFilter_PassThroughWhenCutoffsUnset(t *testing.T) {
	f := NewGuiFilter("gui_filter")
	require.NoError(t, f.Init(stage.Params{}))

	meta := filterMeta(1, 1)
	hdr := packet.Header{BatchSize: 3, NumChannels: 1, Meta: meta}
	in := packet.NewPacket(hdr, []packet.Voltage{1, 2, 3}, func([]packet.Voltage) {})

	out, err := f.Step(in)
	require.NoError(t, err)
	assert.Equal(t, []packet.Voltage{1, 2, 3}, out.Samples)
}
