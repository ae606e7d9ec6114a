package stages

import (
	"context"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/stage"
)

func init() {
	Register("fft", func(name string) any { return NewFft(name) })
}

// ChannelSpectrum is one channel's magnitude spectrum within [MinFreq,MaxFreq].
type ChannelSpectrum struct {
	Channel int
	PSD     []float32
}

// FftConfig echoes the window parameters a packet was computed with.
type FftConfig struct {
	FFTSize        int
	SampleRate     uint32
	WindowFunction string
}

// FftPacket is the Welch/FFT stage's output (§4.6) — not a Sample type since
// its shape (per-channel spectra) differs from interleaved raw/voltage
// packets; it flows to websocket_sink over its own Edge[*FftPacket].
type FftPacket struct {
	PSDPackets    []ChannelSpectrum
	Config        FftConfig
	TSNanos       uint64
	SourceFrameID uint64
	MetaRev       uint32
	Meta          *packet.SensorMeta
}

type channelWindow struct {
	buf    []float64
	filled int
}

// Fft implements §4.6: a per-channel sliding window of size FFTSize (power
// of two, 256-8192), hopped by Hop samples, windowed (Hann by default) and
// transformed with gonum's real FFT, retaining only bins in [MinFreq,MaxFreq].
type Fft struct {
	name string

	fftSize  int
	hop      int
	windowFn string
	minFreq  float64
	maxFreq  float64

	sampleRate uint32
	lastRev    uint32
	channels   []channelWindow
	sinceHop   int // samples accumulated since the last emitted spectrum
	fft        *fourier.FFT
	win        []float64
}

// NewFft constructs an uninitialized Fft stage.
func NewFft(name string) *Fft { return &Fft{name: name} }

func (f *Fft) Name() string { return f.name }

func (f *Fft) Init(params stage.Params) error { return f.Apply(params) }

// Apply implements §6.1's fft parameter shape:
// {fft_size, hop, window:"hann"|"rect", min_freq, max_freq}.
func (f *Fft) Apply(patch stage.Params) error {
	if v, ok := patch["fft_size"]; ok {
		f.fftSize = int(asFloat(v))
	}
	if v, ok := patch["hop"]; ok {
		f.hop = int(asFloat(v))
	}
	if v, ok := patch["window"].(string); ok {
		f.windowFn = v
	}
	if v, ok := patch["min_freq"]; ok {
		f.minFreq = asFloat(v)
	}
	if v, ok := patch["max_freq"]; ok {
		f.maxFreq = asFloat(v)
	}
	if f.fftSize == 0 {
		f.fftSize = 1024
	}
	if f.hop == 0 {
		f.hop = f.fftSize / 2
	}
	if f.windowFn == "" {
		f.windowFn = "hann"
	}
	f.fft = fourier.NewFFT(f.fftSize)
	f.win = make([]float64, f.fftSize)
	for i := range f.win {
		f.win[i] = 1
	}
	if f.windowFn == "hann" {
		window.Hann(f.win)
	}
	return nil
}

func (f *Fft) Shutdown(ctx context.Context) error { return nil }

func (f *Fft) ensureChannels(meta *packet.SensorMeta) {
	nch := meta.NumChannels()
	if meta.MetaRev != f.lastRev || len(f.channels) != nch {
		f.lastRev = meta.MetaRev
		f.sampleRate = meta.SampleRate
		f.channels = make([]channelWindow, nch)
		for i := range f.channels {
			f.channels[i].buf = make([]float64, f.fftSize)
		}
	}
}

// Step accumulates in's samples into each channel's sliding window and, once
// a window fills, emits the magnitude spectrum. Multiple hops may fire per
// call for large batches; only the last is returned (callers needing every
// hop should size batch_size <= hop).
func (f *Fft) Step(in *packet.Packet[packet.Voltage]) (*FftPacket, error) {
	defer in.Release()
	meta := in.Header.Meta
	f.ensureChannels(meta)
	nch := int(in.Header.NumChannels)
	batch := int(in.Header.BatchSize)

	var out *FftPacket
	for s := 0; s < batch; s++ {
		for ch := 0; ch < nch; ch++ {
			cw := &f.channels[ch]
			v := float64(in.Samples[s*nch+ch])
			if cw.filled < f.fftSize {
				cw.buf[cw.filled] = v
				cw.filled++
			} else {
				copy(cw.buf, cw.buf[1:])
				cw.buf[f.fftSize-1] = v
			}
		}
		full := true
		for ch := range f.channels {
			if f.channels[ch].filled < f.fftSize {
				full = false
				break
			}
		}
		f.sinceHop++
		if full && f.sinceHop >= f.hop {
			out = f.computeSpectrum(meta, in.Header)
			f.sinceHop = 0
		}
	}
	if out == nil {
		return nil, nil
	}
	return out, nil
}

func (f *Fft) computeSpectrum(meta *packet.SensorMeta, hdr packet.Header) *FftPacket {
	specs := make([]ChannelSpectrum, len(f.channels))
	binHz := float64(f.sampleRate) / float64(f.fftSize)
	minBin, maxBin := 0, f.fftSize/2
	if f.minFreq > 0 {
		minBin = int(math.Ceil(f.minFreq / binHz))
	}
	if f.maxFreq > 0 {
		maxBin = int(math.Floor(f.maxFreq / binHz))
		if maxBin > f.fftSize/2 {
			maxBin = f.fftSize / 2
		}
	}
	windowed := make([]float64, f.fftSize)
	for ch := range f.channels {
		copy(windowed, f.channels[ch].buf)
		for i := range windowed {
			windowed[i] *= f.win[i]
		}
		coeffs := f.fft.Coefficients(nil, windowed)
		psd := make([]float32, 0, maxBin-minBin+1)
		for b := minBin; b <= maxBin && b < len(coeffs); b++ {
			mag := cmplxAbs(coeffs[b]) / float64(f.fftSize)
			psd = append(psd, float32(mag))
		}
		specs[ch] = ChannelSpectrum{Channel: ch, PSD: psd}
	}
	return &FftPacket{
		PSDPackets: specs,
		Config: FftConfig{
			FFTSize:        f.fftSize,
			SampleRate:     f.sampleRate,
			WindowFunction: f.windowFn,
		},
		TSNanos:       hdr.TSNanos,
		SourceFrameID: hdr.FrameID,
		MetaRev:       meta.MetaRev,
		Meta:          meta,
	}
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
