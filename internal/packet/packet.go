package packet

import "sync/atomic"

// Sample is the closed set of sample types that travel through the
// pipeline. Packets are generic over Sample so that inter-stage channels
// remain statically typed end to end — no boxed "any" payloads on the hot
// path.
type Sample interface {
	RawI32 | Voltage
}

// RawI32 is a raw ADC code, sign-extended to 32 bits but not yet scaled.
type RawI32 int32

// Voltage is a scaled sample expressed in volts.
type Voltage float32

// Header carries the framing metadata for one Packet, independent of the
// sample type it wraps.
type Header struct {
	TSNanos    uint64
	FrameID    uint64
	BatchSize  uint32
	NumChannels uint32
	Meta       *SensorMeta
}

// Packet is a batch of BatchSize*NumChannels samples of type T, interleaved
// as [ch0_s0, ch1_s0, ..., chN_s0, ch0_s1, ...]. A Packet exclusively owns
// Samples while live; Release returns the backing buffer to the pool it was
// acquired from.
type Packet[T Sample] struct {
	Header  Header
	Samples []T

	release func([]T)
}

// NewPacket wraps buf (typically pool-provided) with header h. release, if
// non-nil, is invoked exactly once by Release with the packet's buffer.
func NewPacket[T Sample](h Header, buf []T, release func([]T)) *Packet[T] {
	return &Packet[T]{Header: h, Samples: buf, release: release}
}

// Release returns the packet's buffer to its originating pool. It is safe to
// call on a packet with no associated pool (release is nil), and idempotent:
// subsequent calls are no-ops once the buffer has been handed back.
func (p *Packet[T]) Release() {
	if p == nil || p.release == nil {
		return
	}
	r := p.release
	p.release = nil
	r(p.Samples)
	p.Samples = nil
}

// Fanout splits p into n independent views sharing the same Samples backing
// array and Header. Each view's Release decrements a shared refcount; only
// the last Release invokes the original release func, so the pool buffer is
// returned exactly once regardless of how many consumers read it.
func Fanout[T Sample](p *Packet[T], n int) []*Packet[T] {
	if n <= 1 {
		return []*Packet[T]{p}
	}
	refcount := new(int32)
	*refcount = int32(n)
	origRelease := p.release
	out := make([]*Packet[T], n)
	for i := 0; i < n; i++ {
		out[i] = &Packet[T]{
			Header:  p.Header,
			Samples: p.Samples,
			release: func([]T) {
				if atomic.AddInt32(refcount, -1) == 0 && origRelease != nil {
					origRelease(p.Samples)
				}
			},
		}
	}
	return out
}

// Channel extracts the samples for channel ch as a newly-allocated slice.
// Used by sinks (CSV, FFT) that need a per-channel view; not on the hot
// forwarding path.
func (p *Packet[T]) Channel(ch int) []T {
	nc := int(p.Header.NumChannels)
	if nc == 0 {
		return nil
	}
	n := len(p.Samples) / nc
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = p.Samples[i*nc+ch]
	}
	return out
}
