package stages

import (
	"context"
	"math"

	"elata.dev/eegd/internal/metrics"
	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/pool"
	"elata.dev/eegd/internal/stage"
)

func init() {
	Register("gui_filter", func(name string) any { return NewGuiFilter(name) })
}

// biquad is one direct-form II transposed section: y[n] = b0*x[n] + w1;
// w1 = b1*x[n] - a1*y[n] + w2; w2 = b2*x[n] - a2*y[n]. A NaN or Inf output
// resets the state and is returned as is, for the caller to count and zero.
type biquad struct {
	b0, b1, b2, a1, a2 float32
	w1, w2             float32
}

func (b *biquad) step(x float32) float32 {
	y := b.b0*x + b.w1
	b.w1 = b.b1*x - b.a1*y + b.w2
	b.w2 = b.b2*x - b.a2*y
	if math.IsNaN(float64(y)) || math.IsInf(float64(y), 0) {
		b.w1, b.w2 = 0, 0
	}
	return y
}

// GuiFilter implements §4.5: a per-channel cascade of high-pass, low-pass,
// and optional notch biquads, recomputed on parameter or sample_rate change
// and reset on meta_rev change.
type GuiFilter struct {
	name      string
	pool      *pool.Pool[packet.Voltage]
	poolCount int

	highPassHz float64
	lowPassHz  float64
	notchHz    float64
	notchQ     float64

	sampleRate uint32
	lastRev    uint32
	dirty      bool // a filter parameter changed since coefficients were last computed

	hp, lp, notch []biquad
	saturated     uint64

	pipelineID string
}

// NewGuiFilter constructs an uninitialized GuiFilter.
func NewGuiFilter(name string) *GuiFilter { return &GuiFilter{name: name, poolCount: 64} }

func (f *GuiFilter) Name() string { return f.name }

// Init applies the initial filter parameters and, if the builder supplied
// "_pool_count" from the stage's declared out_pool, overrides the default
// output pool size.
func (f *GuiFilter) Init(params stage.Params) error {
	if v, ok := params["_pool_count"]; ok {
		if n := int(asFloat(v)); n > 0 {
			f.poolCount = n
		}
	}
	if v, ok := params["_pipeline_id"].(string); ok {
		f.pipelineID = v
	}
	return f.Apply(params)
}

// Apply implements §6.1's gui_filter parameter shape: {channels, high_pass,
// low_pass, notch?:{freq,q}, output}. Any call marks the filter dirty so
// ensureState recomputes coefficients on the next Step even if sample_rate
// and meta_rev haven't changed — a SetParameter{gui_filter.*} must not sit
// silently ignored until the next driver reconfiguration (§4.5).
func (f *GuiFilter) Apply(patch stage.Params) error {
	if v, ok := patch["high_pass"]; ok {
		f.highPassHz = asFloat(v)
	}
	if v, ok := patch["low_pass"]; ok {
		f.lowPassHz = asFloat(v)
	}
	if notch, ok := patch["notch"].(map[string]any); ok {
		f.notchHz = asFloat(notch["freq"])
		f.notchQ = asFloat(notch["q"])
		if f.notchQ == 0 {
			f.notchQ = 30
		}
	}
	f.dirty = true
	return nil
}

func (f *GuiFilter) Shutdown(ctx context.Context) error { return nil }

// SaturatedCount reports how many samples were clamped to zero after a NaN
// or Inf, for metrics (filter_saturated in §4.5).
func (f *GuiFilter) SaturatedCount() uint64 { return f.saturated }

// ensureState recomputes biquad coefficients whenever the sample rate, the
// channel count, or any filter parameter has changed (§4.5). A structural
// change (meta_rev bump or channel-count change) resets per-channel state;
// a coefficient-only change (a SetParameter that left meta_rev alone)
// recomputes coefficients in place and leaves the existing w1/w2 state
// untouched, matching "per-channel state preserved across packets; reset
// on meta_rev change."
func (f *GuiFilter) ensureState(meta *packet.SensorMeta) {
	nch := meta.NumChannels()
	structural := meta.MetaRev != f.lastRev || len(f.hp) != nch || f.sampleRate != meta.SampleRate
	if !structural && !f.dirty {
		return
	}
	f.lastRev = meta.MetaRev
	f.sampleRate = meta.SampleRate

	newHP := makeHighPass(nch, f.highPassHz, float64(meta.SampleRate))
	newLP := makeLowPass(nch, f.lowPassHz, float64(meta.SampleRate))
	var newNotch []biquad
	if f.notchHz > 0 {
		newNotch = makeNotch(nch, f.notchHz, f.notchQ, float64(meta.SampleRate))
	}

	if structural {
		f.hp, f.lp, f.notch = newHP, newLP, newNotch
	} else {
		copyCoeffs(f.hp, newHP)
		copyCoeffs(f.lp, newLP)
		if len(f.notch) == len(newNotch) {
			copyCoeffs(f.notch, newNotch)
		} else {
			f.notch = newNotch
		}
	}
	f.dirty = false
}

// copyCoeffs overwrites dst's coefficients with src's, leaving dst's w1/w2
// state untouched.
func copyCoeffs(dst, src []biquad) {
	for i := range dst {
		if i >= len(src) {
			return
		}
		dst[i].b0, dst[i].b1, dst[i].b2 = src[i].b0, src[i].b1, src[i].b2
		dst[i].a1, dst[i].a2 = src[i].a1, src[i].a2
	}
}

// Step filters in channel-by-channel in place geometry, allocating the
// output packet from this stage's own pool.
func (f *GuiFilter) Step(in *packet.Packet[packet.Voltage]) (*packet.Packet[packet.Voltage], error) {
	defer in.Release()
	meta := in.Header.Meta
	f.ensureState(meta)
	if f.pool == nil || f.pool.BufferLen() < len(in.Samples) {
		f.pool = pool.New[packet.Voltage](len(in.Samples), f.poolCount)
	}

	buf, err := f.pool.TryAcquire()
	if err != nil {
		metrics.PoolExhaustedTotal.WithLabelValues(f.pipelineID, f.name).Inc()
		return nil, stage.Backpressured("FilterPoolExhausted", err)
	}
	buf = buf[:len(in.Samples)]
	metrics.PoolInUse.WithLabelValues(f.pipelineID, f.name).Set(float64(f.pool.InUse()))
	nch := int(in.Header.NumChannels)
	for i, x := range in.Samples {
		ch := i % nch
		y := float32(x)
		y = f.hp[ch].step(y)
		y = f.lp[ch].step(y)
		if f.notch != nil {
			y = f.notch[ch].step(y)
		}
		if math.IsNaN(float64(y)) || math.IsInf(float64(y), 0) {
			f.saturated++
			metrics.FilterSaturatedTotal.WithLabelValues(f.pipelineID, f.name).Inc()
			y = 0
		}
		buf[i] = packet.Voltage(y)
	}
	out := packet.NewPacket(in.Header, buf, f.pool.Release)
	return out, nil
}

func makeHighPass(n int, cutoffHz, sampleRate float64) []biquad {
	out := make([]biquad, n)
	if cutoffHz <= 0 || sampleRate <= 0 {
		for i := range out {
			out[i] = biquad{b0: 1} // pass-through
		}
		return out
	}
	omega := 2 * math.Pi * cutoffHz / sampleRate
	alpha := math.Sin(omega) / math.Sqrt2
	cosw := math.Cos(omega)
	b0 := (1 + cosw) / 2
	b1 := -(1 + cosw)
	b2 := (1 + cosw) / 2
	a0 := 1 + alpha
	a1 := -2 * cosw
	a2 := 1 - alpha
	bq := biquad{
		b0: float32(b0 / a0), b1: float32(b1 / a0), b2: float32(b2 / a0),
		a1: float32(a1 / a0), a2: float32(a2 / a0),
	}
	for i := range out {
		out[i] = bq
	}
	return out
}

func makeLowPass(n int, cutoffHz, sampleRate float64) []biquad {
	out := make([]biquad, n)
	if cutoffHz <= 0 || sampleRate <= 0 {
		for i := range out {
			out[i] = biquad{b0: 1}
		}
		return out
	}
	omega := 2 * math.Pi * cutoffHz / sampleRate
	alpha := math.Sin(omega) / math.Sqrt2
	cosw := math.Cos(omega)
	b0 := (1 - cosw) / 2
	b1 := 1 - cosw
	b2 := (1 - cosw) / 2
	a0 := 1 + alpha
	a1 := -2 * cosw
	a2 := 1 - alpha
	bq := biquad{
		b0: float32(b0 / a0), b1: float32(b1 / a0), b2: float32(b2 / a0),
		a1: float32(a1 / a0), a2: float32(a2 / a0),
	}
	for i := range out {
		out[i] = bq
	}
	return out
}

func makeNotch(n int, freqHz, q, sampleRate float64) []biquad {
	out := make([]biquad, n)
	if freqHz <= 0 || sampleRate <= 0 {
		for i := range out {
			out[i] = biquad{b0: 1}
		}
		return out
	}
	omega := 2 * math.Pi * freqHz / sampleRate
	alpha := math.Sin(omega) / (2 * q)
	cosw := math.Cos(omega)
	b0 := 1.0
	b1 := -2 * cosw
	b2 := 1.0
	a0 := 1 + alpha
	a1 := -2 * cosw
	a2 := 1 - alpha
	bq := biquad{
		b0: float32(b0 / a0), b1: float32(b1 / a0), b2: float32(b2 / a0),
		a1: float32(a1 / a0), a2: float32(a2 / a0),
	}
	for i := range out {
		out[i] = bq
	}
	return out
}
