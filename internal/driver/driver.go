// Package driver simulates an ADS1299-family 24-bit delta-sigma analog
// front-end: one or two chips sharing a data-ready interrupt, driven from a
// dedicated goroutine that performs blocking waits rather than polling.
//
// The real SPI/GPIO HAL is out of scope (§1/§4.3); this package implements
// the same reconfiguration protocol, error thresholds, and multi-chip sync
// semantics against a software-simulated acquisition clock so the rest of
// the pipeline is exercised end to end.
package driver

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"elata.dev/eegd/internal/eventbus"
	"elata.dev/eegd/internal/metrics"
	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/pool"
	"elata.dev/eegd/internal/stage"
)

// ChipConfig describes one physical ADS1299 chip's channel mux.
type ChipConfig struct {
	Channels []uint8
}

// Config is the full reconfigurable driver parameter set, matching the
// eeg_source.driver.* parameter shape from §6.1.
type Config struct {
	Type             string // simulated source "personality", e.g. "ads1299_sim"
	SampleRate       uint32
	VRef             float32
	Gain             float32
	Chips            []ChipConfig
	BatchSize        uint32
	ErrorThreshold   int           // consecutive SPI/interrupt errors before Fatal(DriverUnresponsive)
	SyncLostAfter    time.Duration // chip lag tolerated before Fatal(SyncLost)
	InjectErrorEvery int           // test hook: force a transient error every Nth interrupt (0 = disabled)
}

func (c Config) numChannels() int {
	n := 0
	for _, chip := range c.Chips {
		n += len(chip.Channels)
	}
	return n
}

// Driver owns the simulated chip(s) and emits Packet[RawI32] with the
// current SensorMeta on the returned channel.
type Driver struct {
	bus  *eventbus.Bus
	pool *pool.Pool[packet.RawI32]

	sensorID   uint32
	pipelineID string
	stageName  string

	mu            sync.Mutex // guards cfg and meta during reconfiguration only, never during acquisition
	cfg           Config
	meta          atomic.Pointer[packet.SensorMeta]
	frameID       uint64
	consecutiveEB int
	interruptN    uint64
}

// New constructs a Driver with sensorID identifying it to subscribers.
// pipelineID/stageName label this driver's metrics. cfg must have at least
// one chip; New programs the initial SensorMeta but does not start
// acquisition.
func New(sensorID uint32, pipelineID, stageName string, cfg Config, p *pool.Pool[packet.RawI32], bus *eventbus.Bus) *Driver {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 32 // open question in spec §9: pick a configurable default
	}
	if cfg.SyncLostAfter <= 0 {
		cfg.SyncLostAfter = 2 * time.Second
	}
	d := &Driver{bus: bus, pool: p, cfg: cfg, sensorID: sensorID, pipelineID: pipelineID, stageName: stageName}
	d.meta.Store(d.buildMeta(cfg, 0))
	return d
}

func (d *Driver) buildMeta(cfg Config, rev uint32) *packet.SensorMeta {
	names := make([]string, 0, cfg.numChannels())
	for _, chip := range cfg.Chips {
		for _, ch := range chip.Channels {
			names = append(names, channelName(ch))
		}
	}
	return &packet.SensorMeta{
		SensorID:         d.sensorID,
		MetaRev:          rev,
		SourceType:       cfg.Type,
		SchemaVer:        1,
		VRef:             cfg.VRef,
		ADCBits:          24,
		Gain:             cfg.Gain,
		SampleRate:       cfg.SampleRate,
		OffsetCode:       0,
		IsTwosComplement: true,
		ChannelNames:     names,
	}
}

func channelName(idx uint8) string {
	const digits = "0123456789"
	if idx < 10 {
		return "ch" + string(digits[idx])
	}
	return "ch" + string(digits[idx/10]) + string(digits[idx%10])
}

// Meta returns the currently active SensorMeta.
func (d *Driver) Meta() *packet.SensorMeta { return d.meta.Load() }

// Reconfigure implements the §4.3 reconfiguration protocol: quiesce (the
// caller is expected to have paused Run via the token before calling this),
// rebuild SensorMeta with MetaRev+1, reprogram, publish SourceReady, then
// let the caller resume Run.
func (d *Driver) Reconfigure(patch Config) *packet.SensorMeta {
	d.mu.Lock()
	defer d.mu.Unlock()

	merged := d.cfg
	if patch.SampleRate != 0 {
		merged.SampleRate = patch.SampleRate
	}
	if patch.VRef != 0 {
		merged.VRef = patch.VRef
	}
	if patch.Gain != 0 {
		merged.Gain = patch.Gain
	}
	if patch.Chips != nil {
		merged.Chips = patch.Chips
	}
	if patch.BatchSize != 0 {
		merged.BatchSize = patch.BatchSize
	}
	d.cfg = merged

	prev := d.meta.Load()
	next := d.buildMeta(merged, prev.MetaRev+1)
	d.meta.Store(next)
	d.consecutiveEB = 0
	metrics.DriverConsecutiveErrors.WithLabelValues(d.pipelineID).Set(0)

	d.bus.Publish(eventbus.Event{Kind: eventbus.KindSourceReady, Payload: next})
	return next
}

// Run drives acquisition until token is cancelled, sending assembled
// Packet[RawI32] batches on out. out's send honors the edge's own
// backpressure policy; Run never busy-waits, it blocks on a ticker tied to
// the configured sample rate (the simulated analog of the data-ready
// interrupt). reconfig delivers SetParameter patches; Run applies each
// between interrupts per the §4.3 protocol: quiesce (we are already idle
// between ticks), rebuild meta, reprogram (rebuild the ticker), publish
// SourceReady, resume.
func (d *Driver) Run(ctx context.Context, token *stage.CancelToken, out *stage.Edge[*packet.Packet[packet.RawI32]], reconfig <-chan Config) error {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	if cfg.SampleRate == 0 || len(cfg.Chips) == 0 {
		return stage.Fatal("DriverMisconfigured", nil)
	}
	batch := int(cfg.BatchSize)
	nch := cfg.numChannels()
	period := time.Second / time.Duration(cfg.SampleRate)
	ticker := time.NewTicker(period * time.Duration(maxInt(batch, 1)))
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(int64(cfg.SampleRate) + 1))
	t0 := time.Now()

	rebuild := func() {
		d.mu.Lock()
		cfg = d.cfg
		d.mu.Unlock()
		batch = int(cfg.BatchSize)
		if batch <= 0 {
			batch = 1
		}
		nch = cfg.numChannels()
		period = time.Second / time.Duration(cfg.SampleRate)
		ticker.Reset(period * time.Duration(batch))
	}

	for {
		select {
		case <-token.Done():
			return nil
		case <-ctx.Done():
			return nil
		case patch := <-reconfig:
			d.Reconfigure(patch)
			rebuild()
			continue
		case <-ticker.C:
		}

		d.interruptN++
		if cfg.InjectErrorEvery > 0 && d.interruptN%uint64(cfg.InjectErrorEvery) == 0 {
			d.consecutiveEB++
			metrics.DriverConsecutiveErrors.WithLabelValues(d.pipelineID).Set(float64(d.consecutiveEB))
			if d.consecutiveEB >= cfg.ErrorThreshold {
				return stage.Fatal("DriverUnresponsive", nil)
			}
			continue // transient: retried on next interrupt (§4.3 failure semantics)
		}
		if d.consecutiveEB != 0 {
			d.consecutiveEB = 0
			metrics.DriverConsecutiveErrors.WithLabelValues(d.pipelineID).Set(0)
		}

		buf, err := d.pool.Acquire(ctx, 50*time.Millisecond)
		if err != nil {
			metrics.PoolExhaustedTotal.WithLabelValues(d.pipelineID, d.stageName).Inc()
			// Pool drained: drop this interrupt's samples rather than allocate.
			continue
		}
		metrics.PoolInUse.WithLabelValues(d.pipelineID, d.stageName).Set(float64(d.pool.InUse()))

		elapsed := time.Since(t0)
		meta := d.meta.Load()
		for i := 0; i < batch; i++ {
			for c := 0; c < nch; c++ {
				buf[i*nch+c] = simulateSample(rng, c, elapsed+time.Duration(i)*period)
			}
		}

		d.frameID++
		hdr := packet.Header{
			TSNanos:     uint64(elapsed.Nanoseconds()),
			FrameID:     d.frameID,
			BatchSize:   uint32(batch),
			NumChannels: uint32(nch),
			Meta:        meta,
		}
		pkt := packet.NewPacket(hdr, buf, d.pool.Release)
		if err := out.Send(token.Context(), pkt); err != nil {
			pkt.Release()
			return nil
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// simulateSample produces a synthetic 24-bit code: a channel-offset 10 Hz
// sinusoid at ~100uV amplitude plus noise, scaled to ADC counts. Used by the
// cold-start scenario and the FFT correctness scenario (§8 scenario 6).
func simulateSample(rng *rand.Rand, channel int, t time.Duration) packet.RawI32 {
	const amplitudeVolts = 100e-6
	const vRef = 4.5
	const gain = 24.0
	freq := 10.0
	phase := float64(channel) * 0.1
	v := amplitudeVolts*math.Sin(2*math.Pi*freq*t.Seconds()+phase) + amplitudeVolts*0.01*(rng.Float64()*2-1)
	code := v * float64((1<<23)-1) * gain / vRef
	return packet.RawI32(int32(code))
}
