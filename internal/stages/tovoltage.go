package stages

import (
	"context"
	"fmt"
	"math"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"elata.dev/eegd/internal/metrics"
	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/pool"
	"elata.dev/eegd/internal/stage"
)

func init() {
	Register("to_voltage", func(name string) any { return NewToVoltage(name) })
}

// scaleFactors holds the per-channel multiplier and the meta identity it was
// computed from, so a cache hit only requires a pointer+rev comparison.
type scaleFactors struct {
	metaPtr    *packet.SensorMeta
	metaRev    uint32
	perChannel float32
	offset     int32
	adcBits    uint8
	twosComp   bool
}

// ToVoltage is a pure Transform from Packet[RawI32] to Packet[Voltage]
// (§4.4). It keeps a precomputed scale factor keyed by meta pointer identity
// AND meta_rev in a patrickmn/go-cache TTL cache (grounded on the teacher's
// plugins/parser/sip/sip.go session cache) — reconfigurations are rare, so
// an O(1) cache lookup beats recomputing the factor per packet.
type ToVoltage struct {
	name       string
	pool       *pool.Pool[packet.Voltage]
	poolCount  int
	cache      *gocache.Cache
	pipelineID string
}

// NewToVoltage constructs an uninitialized ToVoltage stage.
func NewToVoltage(name string) *ToVoltage {
	return &ToVoltage{cache: gocache.New(5*time.Minute, 10*time.Minute), name: name, poolCount: 64}
}

func (t *ToVoltage) Name() string { return t.name }

// Init accepts the empty `{}` parameter shape from §6.1. The builder may set
// the internal "_pool_count" key from the stage's declared out_pool; pool
// buffer sizing itself is derived lazily from the first packet it transforms.
func (t *ToVoltage) Init(params stage.Params) error {
	if v, ok := params["_pool_count"]; ok {
		if n := int(asFloat(v)); n > 0 {
			t.poolCount = n
		}
	}
	if v, ok := params["_pipeline_id"].(string); ok {
		t.pipelineID = v
	}
	return nil
}

func (t *ToVoltage) Apply(patch stage.Params) error { return nil }

func (t *ToVoltage) Shutdown(ctx context.Context) error { return nil }

// EnsurePool lazily allocates the output pool once the upstream buffer shape
// is known (batch_size*num_channels), matching the capacity of the source
// pool it mirrors.
func (t *ToVoltage) EnsurePool(bufLen, count int) {
	if t.pool == nil {
		t.pool = pool.New[packet.Voltage](bufLen, count)
	}
}

func (t *ToVoltage) ensurePoolDefault(bufLen int) {
	t.EnsurePool(bufLen, t.poolCount)
}

func (t *ToVoltage) factorsFor(meta *packet.SensorMeta) *scaleFactors {
	key := fmt.Sprintf("%p:%d", meta, meta.MetaRev)
	if v, ok := t.cache.Get(key); ok {
		return v.(*scaleFactors)
	}
	denom := float32(math.Pow(2, float64(meta.ADCBits-1))-1) * meta.Gain
	f := &scaleFactors{
		metaPtr:    meta,
		metaRev:    meta.MetaRev,
		perChannel: meta.VRef / denom,
		offset:     meta.OffsetCode,
		adcBits:    meta.ADCBits,
		twosComp:   meta.IsTwosComplement,
	}
	t.cache.Set(key, f, gocache.DefaultExpiration)
	return f
}

// Step converts in to a freshly acquired Packet[Voltage], sign-extending
// and scaling per §4.4, saturating to the f32 range rather than overflowing.
func (t *ToVoltage) Step(in *packet.Packet[packet.RawI32]) (*packet.Packet[packet.Voltage], error) {
	defer in.Release()
	meta := in.Header.Meta
	t.ensurePoolDefault(len(in.Samples))
	factors := t.factorsFor(meta)

	buf, err := t.pool.TryAcquire()
	if err != nil {
		metrics.PoolExhaustedTotal.WithLabelValues(t.pipelineID, t.name).Inc()
		return nil, stage.Backpressured("ToVoltagePoolExhausted", err)
	}
	metrics.PoolInUse.WithLabelValues(t.pipelineID, t.name).Set(float64(t.pool.InUse()))
	for i, raw := range in.Samples {
		adjusted := int32(raw)
		if factors.twosComp {
			adjusted = signExtend(adjusted, factors.adcBits)
		}
		adjusted -= factors.offset
		v := float64(adjusted) * float64(factors.perChannel)
		buf[i] = packet.Voltage(saturateF32(v))
	}

	out := packet.NewPacket(in.Header, buf, t.pool.Release)
	return out, nil
}

func signExtend(v int32, bits uint8) int32 {
	shift := 32 - bits
	return (v << shift) >> shift
}

func saturateF32(v float64) float32 {
	if v > math.MaxFloat32 {
		return math.MaxFloat32
	}
	if v < -math.MaxFloat32 {
		return -math.MaxFloat32
	}
	return float32(v)
}
