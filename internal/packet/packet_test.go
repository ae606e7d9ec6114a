package packet

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_Release_ReturnsBufferOnce(t *testing.T) {
	var released int32
	buf := make([]RawI32, 4)
	p := NewPacket(Header{}, buf, func([]RawI32) {
		atomic.AddInt32(&released, 1)
	})

	p.Release()
	p.Release() // idempotent: second call must not invoke release again

	assert.EqualValues(t, 1, released)
	assert.Nil(t, p.Samples)
}

func TestPacket_Release_NilPacketIsNoop(t *testing.T) {
	var p *Packet[RawI32]
	assert.NotPanics(t, func() { p.Release() })
}

func TestFanout_ReturnsOriginalWhenNIsOne(t *testing.T) {
	p := NewPacket(Header{}, make([]RawI32, 2), func([]RawI32) {})
	views := Fanout(p, 1)
	require.Len(t, views, 1)
	assert.Same(t, p, views[0])
}

// TestFanout_ReleasesOriginalOnceAllViewsRelease mirrors §4.2's fan-out
// requirement: a packet consumed by multiple downstream sinks returns its
// buffer to the pool exactly once, regardless of release order.
func TestFanout_ReleasesOriginalOnceAllViewsRelease(t *testing.T) {
	var released int32
	buf := make([]RawI32, 4)
	orig := NewPacket(Header{NumChannels: 2}, buf, func([]RawI32) {
		atomic.AddInt32(&released, 1)
	})

	views := Fanout(orig, 3)
	require.Len(t, views, 3)

	var wg sync.WaitGroup
	for _, v := range views {
		wg.Add(1)
		go func(v *Packet[RawI32]) {
			defer wg.Done()
			v.Release()
		}(v)
	}
	wg.Wait()

	assert.EqualValues(t, 1, released)
}

func TestPacket_Channel_ExtractsInterleavedSamples(t *testing.T) {
	// [ch0_s0, ch1_s0, ch0_s1, ch1_s1]
	buf := []Voltage{1, 2, 3, 4}
	p := NewPacket(Header{NumChannels: 2}, buf, nil)

	assert.Equal(t, []Voltage{1, 3}, p.Channel(0))
	assert.Equal(t, []Voltage{2, 4}, p.Channel(1))
}

func TestSensorMeta_Next_IncrementsRevAndCopiesChannelNames(t *testing.T) {
	m := &SensorMeta{SensorID: 1, MetaRev: 3, ChannelNames: []string{"ch0", "ch1"}}
	n := m.Next()

	assert.EqualValues(t, 4, n.MetaRev)
	assert.EqualValues(t, 3, m.MetaRev, "original must not be mutated")

	n.ChannelNames[0] = "mutated"
	assert.Equal(t, "ch0", m.ChannelNames[0], "Next must deep-copy ChannelNames")
}

func TestSensorMeta_NumChannels(t *testing.T) {
	var nilMeta *SensorMeta
	assert.Equal(t, 0, nilMeta.NumChannels())

	m := &SensorMeta{ChannelNames: []string{"ch0", "ch1", "ch2"}}
	assert.Equal(t, 3, m.NumChannels())
}
