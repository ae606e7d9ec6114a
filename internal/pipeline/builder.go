package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"elata.dev/eegd/internal/config"
	"elata.dev/eegd/internal/eventbus"
	"elata.dev/eegd/internal/metrics"
	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/reclock"
	"elata.dev/eegd/internal/stage"
	"elata.dev/eegd/internal/stages"
	"elata.dev/eegd/internal/wsbroker"
)

// Build constructs a Pipeline from a validated PipelineConfig: it
// instantiates every stage from the stages registry, wires the shared
// event bus / recording lock / WebSocket broker into the stage types that
// need them, builds the typed edges each connection implies, and assembles
// the per-stage scheduler loops. The returned Pipeline starts in
// StatusStopped.
func Build(cfg *config.PipelineConfig, bus *eventbus.Bus, broker *wsbroker.Broker, drainDeadline time.Duration) (*Pipeline, error) {
	if drainDeadline <= 0 {
		drainDeadline = 2 * time.Second
	}

	p := &Pipeline{
		ID:            cfg.ID,
		Name:          cfg.Name,
		bus:           bus,
		lock:          reclock.New(),
		broker:        broker,
		drainDeadline: drainDeadline,
		stageTypes:    make(map[string]string, len(cfg.Stages)),
		stageObjs:     make(map[string]stage.Stage, len(cfg.Stages)),
		stageMus:      make(map[string]*sync.Mutex, len(cfg.Stages)),
		csvSinks:      make(map[string]*stages.CsvSink),
	}

	instances := make(map[string]any, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		inst, err := stages.Get(sc.Type, sc.Name)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: stage %q: %w", cfg.ID, sc.Name, err)
		}
		switch v := inst.(type) {
		case *stages.EegSource:
			v.SetEventBus(bus)
			p.source = v
		case *stages.WebSocketSink:
			v.SetBroker(broker)
		case *stages.CsvSink:
			v.SetEventBus(bus)
			v.SetRecordingLock(p.lock)
			p.csvSinks[sc.Name] = v
		}

		params := stage.Params{}
		for k, v := range sc.Params {
			params[k] = v
		}
		params["_pipeline_id"] = cfg.ID
		if sc.OutPool != "" {
			if pc, ok := cfg.Pools[sc.OutPool]; ok {
				params["_pool_count"] = pc.Count
			}
		}

		stg, ok := inst.(stage.Stage)
		if !ok {
			return nil, fmt.Errorf("pipeline %q: stage %q (%s) does not implement the stage contract", cfg.ID, sc.Name, sc.Type)
		}
		if err := stg.Init(params); err != nil {
			return nil, fmt.Errorf("pipeline %q: stage %q: init: %w", cfg.ID, sc.Name, err)
		}

		instances[sc.Name] = inst
		p.stageTypes[sc.Name] = sc.Type
		p.stageObjs[sc.Name] = stg
		p.stageMus[sc.Name] = &sync.Mutex{}
	}

	edges, err := buildEdges(cfg, p)
	if err != nil {
		return nil, err
	}

	for _, sc := range cfg.Stages {
		inst := instances[sc.Name]
		mu := p.stageMus[sc.Name]
		run, err := buildRunner(cfg.ID, sc, inst, edges, mu)
		if err != nil {
			return nil, err
		}
		if run != nil {
			p.runners = append(p.runners, run)
		}
	}

	if p.source != nil {
		if _, ok := edges.outRaw[p.source.Name()]; !ok {
			return nil, fmt.Errorf("pipeline %q: eeg_source %q has no outgoing connection", cfg.ID, p.source.Name())
		}
	}

	p.setStatus(StatusStopped)
	return p, nil
}

// typedEdges collects the typed edges implied by a config's connections,
// keyed by the endpoint stage names. Every stage in this vocabulary has at
// most one inbound connection; eeg_source has exactly one outbound
// connection, while to_voltage, gui_filter, and fft may fan out to more.
type typedEdges struct {
	outRaw     map[string]*stage.Edge[*packet.Packet[packet.RawI32]]
	outVoltage map[string][]*stage.Edge[*packet.Packet[packet.Voltage]]
	outFft     map[string][]*stage.Edge[*stages.FftPacket]

	inRaw     map[string]*stage.Edge[*packet.Packet[packet.RawI32]]
	inVoltage map[string]*stage.Edge[*packet.Packet[packet.Voltage]]
	inFft     map[string]*stage.Edge[*stages.FftPacket]
}

func buildEdges(cfg *config.PipelineConfig, p *Pipeline) (*typedEdges, error) {
	e := &typedEdges{
		outRaw:     make(map[string]*stage.Edge[*packet.Packet[packet.RawI32]]),
		outVoltage: make(map[string][]*stage.Edge[*packet.Packet[packet.Voltage]]),
		outFft:     make(map[string][]*stage.Edge[*stages.FftPacket]),
		inRaw:      make(map[string]*stage.Edge[*packet.Packet[packet.RawI32]]),
		inVoltage:  make(map[string]*stage.Edge[*packet.Packet[packet.Voltage]]),
		inFft:      make(map[string]*stage.Edge[*stages.FftPacket]),
	}

	for _, c := range cfg.Connections {
		policy, ok := stage.ParsePolicy(c.Policy)
		if !ok {
			return nil, fmt.Errorf("pipeline %q: connection %s->%s: invalid policy %q", cfg.ID, c.From, c.To, c.Policy)
		}
		fromType := p.stageTypes[c.From]
		onDrop := func() {
			metrics.DropsTotal.WithLabelValues(cfg.ID, c.From, c.To, c.Policy).Inc()
		}

		switch fromType {
		case "eeg_source":
			if _, exists := e.outRaw[c.From]; exists {
				return nil, fmt.Errorf("pipeline %q: eeg_source %q: only one outgoing connection is supported", cfg.ID, c.From)
			}
			edge := stage.NewEdge[*packet.Packet[packet.RawI32]](c.Capacity, policy, onDrop)
			e.outRaw[c.From] = edge
			if _, exists := e.inRaw[c.To]; exists {
				return nil, fmt.Errorf("pipeline %q: stage %q: only one inbound raw connection is supported", cfg.ID, c.To)
			}
			e.inRaw[c.To] = edge

		case "to_voltage", "gui_filter":
			edge := stage.NewEdge[*packet.Packet[packet.Voltage]](c.Capacity, policy, onDrop)
			e.outVoltage[c.From] = append(e.outVoltage[c.From], edge)
			if _, exists := e.inVoltage[c.To]; exists {
				return nil, fmt.Errorf("pipeline %q: stage %q: only one inbound voltage connection is supported", cfg.ID, c.To)
			}
			e.inVoltage[c.To] = edge

		case "fft":
			edge := stage.NewEdge[*stages.FftPacket](c.Capacity, policy, onDrop)
			e.outFft[c.From] = append(e.outFft[c.From], edge)
			if _, exists := e.inFft[c.To]; exists {
				return nil, fmt.Errorf("pipeline %q: stage %q: only one inbound fft connection is supported", cfg.ID, c.To)
			}
			e.inFft[c.To] = edge

		default:
			return nil, fmt.Errorf("pipeline %q: connection %s->%s: stage %q is not a recognized source of an output edge", cfg.ID, c.From, c.To, c.From)
		}
	}

	return e, nil
}

func buildRunner(pipelineID string, sc config.StageConfig, inst any, e *typedEdges, mu *sync.Mutex) (func(ctx context.Context) error, error) {
	switch v := inst.(type) {
	case *stages.EegSource:
		out, ok := e.outRaw[sc.Name]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: eeg_source %q has no outgoing connection", pipelineID, sc.Name)
		}
		v.SetOutput(out)
		return runSource(v), nil

	case *stages.ToVoltage:
		in, ok := e.inRaw[sc.Name]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: to_voltage %q has no inbound connection", pipelineID, sc.Name)
		}
		return runTransform(pipelineID, sc.Name, mu, in, e.outVoltage[sc.Name], v.Step), nil

	case *stages.GuiFilter:
		in, ok := e.inVoltage[sc.Name]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: gui_filter %q has no inbound connection", pipelineID, sc.Name)
		}
		return runTransform(pipelineID, sc.Name, mu, in, e.outVoltage[sc.Name], v.Step), nil

	case *stages.Fft:
		in, ok := e.inVoltage[sc.Name]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: fft %q has no inbound connection", pipelineID, sc.Name)
		}
		return runFftTransform(pipelineID, sc.Name, mu, in, e.outFft[sc.Name], v.Step), nil

	case *stages.WebSocketSink:
		if in, ok := e.inVoltage[sc.Name]; ok {
			return runSink(pipelineID, sc.Name, mu, in, v.StepVoltage), nil
		}
		if in, ok := e.inRaw[sc.Name]; ok {
			return runSink(pipelineID, sc.Name, mu, in, v.StepRaw), nil
		}
		if in, ok := e.inFft[sc.Name]; ok {
			return runFftSink(pipelineID, sc.Name, mu, in, v.StepFft), nil
		}
		return nil, fmt.Errorf("pipeline %q: websocket_sink %q has no inbound connection", pipelineID, sc.Name)

	case *stages.CsvSink:
		in, ok := e.inVoltage[sc.Name]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: csv_sink %q has no inbound connection", pipelineID, sc.Name)
		}
		return runSink(pipelineID, sc.Name, mu, in, v.Step), nil

	default:
		return nil, fmt.Errorf("pipeline %q: stage %q: unrecognized concrete stage type", pipelineID, sc.Name)
	}
}
