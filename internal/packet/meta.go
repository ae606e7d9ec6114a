// Package packet defines the typed sample buffers that flow between pipeline
// stages and the immutable sensor metadata that describes them.
package packet

// SensorMeta describes a sensor source's acquisition parameters at a given
// revision. A SensorMeta value is never mutated after it is issued: any
// change to its fields is published as a brand new SensorMeta with MetaRev
// incremented. Stages share it by pointer.
type SensorMeta struct {
	SensorID         uint32
	MetaRev          uint32
	SourceType       string
	SchemaVer        uint8
	VRef             float32
	ADCBits          uint8
	Gain             float32
	SampleRate       uint32
	OffsetCode       int32
	IsTwosComplement bool
	ChannelNames     []string
}

// NumChannels returns the channel count implied by ChannelNames.
func (m *SensorMeta) NumChannels() int {
	if m == nil {
		return 0
	}
	return len(m.ChannelNames)
}

// Next returns a copy of m with MetaRev incremented, ready for the caller to
// mutate further before publishing. The receiver is left untouched.
func (m *SensorMeta) Next() *SensorMeta {
	n := *m
	n.MetaRev = m.MetaRev + 1
	n.ChannelNames = append([]string(nil), m.ChannelNames...)
	return &n
}
