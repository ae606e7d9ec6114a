package stages

import (
	"context"
	"fmt"

	"elata.dev/eegd/internal/driver"
	"elata.dev/eegd/internal/eventbus"
	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/pool"
	"elata.dev/eegd/internal/stage"
)

func init() {
	Register("eeg_source", func(name string) any { return NewEegSource(name) })
}

// EegSource is the wrapper stage around the simulated acquisition driver
// (§4.3): it owns the driver and its packet pool, and exposes them as a
// stage.Runner the pipeline scheduler drives on its own goroutine.
type EegSource struct {
	name string
	bus  *eventbus.Bus

	pool     *pool.Pool[packet.RawI32]
	drv      *driver.Driver
	out      *stage.Edge[*packet.Packet[packet.RawI32]]
	reconfig chan driver.Config
}

// NewEegSource constructs an uninitialized EegSource named name.
func NewEegSource(name string) *EegSource {
	return &EegSource{name: name, reconfig: make(chan driver.Config, 1)}
}

// Name implements stage.Stage.
func (s *EegSource) Name() string { return s.name }

// SetEventBus wires the bus SourceReady events publish to. Called by the
// pipeline builder before Init.
func (s *EegSource) SetEventBus(bus *eventbus.Bus) { s.bus = bus }

// SetOutput wires the downstream edge the builder constructed for this
// stage's sole output port.
func (s *EegSource) SetOutput(out *stage.Edge[*packet.Packet[packet.RawI32]]) { s.out = out }

// Init parses the eeg_source.driver.* parameter shape (§6.1) and
// constructs the driver and its dedicated pool.
func (s *EegSource) Init(params stage.Params) error {
	cfg, poolCap, err := parseSourceParams(params)
	if err != nil {
		return stage.Contract("InvalidParameters", err)
	}
	nch := 0
	for _, chip := range cfg.Chips {
		nch += len(chip.Channels)
	}
	s.pool = pool.New[packet.RawI32](int(cfg.BatchSize)*nch, poolCap)
	pipelineID, _ := params["_pipeline_id"].(string)
	s.drv = driver.New(1, pipelineID, s.name, cfg, s.pool, s.bus)
	return nil
}

// Apply applies a SetParameter patch by forwarding it to the driver's
// reconfiguration protocol; the actual quiesce/rebuild/resume sequence runs
// on the driver's own goroutine between interrupts (see driver.Run).
func (s *EegSource) Apply(patch stage.Params) error {
	parsed, _, err := parseSourceParams(patch)
	if err != nil {
		return stage.Contract("InvalidParameters", err)
	}
	// Forward only the fields the patch sets: Reconfigure keeps the current
	// value of every zero field, so parseSourceParams' defaults are not sent.
	driverParams, _ := patch["driver"].(map[string]any)
	cfg := driver.Config{
		SampleRate: uint32(asFloat(driverParams["sample_rate"])),
		VRef:       float32(asFloat(driverParams["v_ref"])),
		Gain:       float32(asFloat(driverParams["gain"])),
		BatchSize:  uint32(asFloat(patch["batch_size"])),
	}
	if _, ok := driverParams["chips"]; ok {
		cfg.Chips = parsed.Chips
	}
	select {
	case s.reconfig <- cfg:
		return nil
	default:
		return stage.Contract("ReconfigureInFlight", fmt.Errorf("a reconfiguration is already pending"))
	}
}

// Shutdown implements stage.Stage; the driver holds no external resources in
// the simulated implementation.
func (s *EegSource) Shutdown(ctx context.Context) error { return nil }

// Run implements stage.Runner, delegating to the driver's acquisition loop.
func (s *EegSource) Run(ctx context.Context) error {
	token := stage.NewCancelToken(ctx, 0)
	return s.drv.Run(ctx, token, s.out, s.reconfig)
}

// Meta returns the source's current SensorMeta, used by the pipeline when it
// starts a recording.
func (s *EegSource) Meta() *packet.SensorMeta { return s.drv.Meta() }

func parseSourceParams(params stage.Params) (driver.Config, int, error) {
	var cfg driver.Config
	driverParams, _ := params["driver"].(map[string]any)
	cfg.Type, _ = driverParams["type"].(string)
	if cfg.Type == "" {
		cfg.Type = "ads1299_sim"
	}
	cfg.SampleRate = uint32(asFloat(driverParams["sample_rate"]))
	cfg.VRef = float32(asFloat(driverParams["v_ref"]))
	cfg.Gain = float32(asFloat(driverParams["gain"]))
	if cfg.Gain == 0 {
		cfg.Gain = 24
	}
	if cfg.VRef == 0 {
		cfg.VRef = 4.5
	}

	chipsRaw, _ := driverParams["chips"].([]any)
	for _, c := range chipsRaw {
		cm, _ := c.(map[string]any)
		chRaw, _ := cm["channels"].([]any)
		var chip driver.ChipConfig
		for _, ch := range chRaw {
			chip.Channels = append(chip.Channels, uint8(asFloat(ch)))
		}
		cfg.Chips = append(cfg.Chips, chip)
	}
	if len(cfg.Chips) == 0 {
		cfg.Chips = []driver.ChipConfig{{Channels: []uint8{0, 1, 2, 3}}}
	}

	cfg.BatchSize = uint32(asFloat(params["batch_size"]))
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 250
	}

	poolCap := 64
	if v, ok := params["_pool_count"]; ok {
		if n := int(asFloat(v)); n > 0 {
			poolCap = n
		}
	}
	return cfg, poolCap, nil
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
