package stages

import (
	"context"
	"encoding/json"

	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/stage"
	"elata.dev/eegd/internal/wire"
	"elata.dev/eegd/internal/wsbroker"
)

func init() {
	Register("websocket_sink", func(name string) any { return NewWebSocketSink(name) })
}

// WebSocketSink publishes Packet[Voltage], Packet[RawI32], or *FftPacket
// under a configured topic (§4.7). It holds no transport state of its own —
// a single wsbroker.Broker is shared across every websocket_sink stage in
// the process and mounted once by the control plane.
type WebSocketSink struct {
	name       string
	topic      string
	packetType string
	broker     *wsbroker.Broker
}

// NewWebSocketSink constructs an uninitialized WebSocketSink.
func NewWebSocketSink(name string) *WebSocketSink { return &WebSocketSink{name: name} }

func (s *WebSocketSink) Name() string { return s.name }

// SetBroker wires the shared broker. Called by the pipeline builder.
func (s *WebSocketSink) SetBroker(b *wsbroker.Broker) { s.broker = b }

// Init implements §6.1's websocket_sink parameter shape:
// {topic, packet_type:"Voltage"|"RawI32"}.
func (s *WebSocketSink) Init(params stage.Params) error {
	return s.Apply(params)
}

func (s *WebSocketSink) Apply(patch stage.Params) error {
	if v, ok := patch["topic"].(string); ok {
		s.topic = v
	}
	if v, ok := patch["packet_type"].(string); ok {
		s.packetType = v
	}
	return nil
}

func (s *WebSocketSink) Shutdown(ctx context.Context) error { return nil }

// StepVoltage publishes a Packet[Voltage] to the sink's topic.
func (s *WebSocketSink) StepVoltage(in *packet.Packet[packet.Voltage]) error {
	defer in.Release()
	dataFrame, err := wire.EncodeVoltageFrame(s.topic, in.Header, in.Samples)
	if err != nil {
		return stage.Contract("EncodeFailed", err)
	}
	s.publish(in.Header.Meta, dataFrame)
	return nil
}

// StepRaw publishes a Packet[RawI32] to the sink's topic.
func (s *WebSocketSink) StepRaw(in *packet.Packet[packet.RawI32]) error {
	defer in.Release()
	dataFrame, err := wire.EncodeRawFrame(s.topic, in.Header, in.Samples)
	if err != nil {
		return stage.Contract("EncodeFailed", err)
	}
	s.publish(in.Header.Meta, dataFrame)
	return nil
}

// fftDataHeader mirrors wire.DataHeader's envelope but with an FFT-shaped
// payload in place of raw samples; the spectrum rides as JSON rather than
// interleaved binary since its shape is not fixed width per sample.
type fftDataHeader struct {
	MessageType string            `json:"message_type"`
	Topic       string            `json:"topic"`
	TSNanos     uint64            `json:"ts_ns"`
	SourceFrameID uint64          `json:"source_frame_id"`
	MetaRev     uint32            `json:"meta_rev"`
	FftConfig   FftConfig         `json:"fft_config"`
	PSDPackets  []ChannelSpectrum `json:"psd_packets"`
}

// StepFft publishes an *FftPacket to the sink's topic as a JSON payload; the
// broker delivers it in a binary message, like every data frame.
func (s *WebSocketSink) StepFft(in *FftPacket) error {
	if in == nil {
		return nil
	}
	payload, err := json.Marshal(fftDataHeader{
		MessageType:   "data_packet",
		Topic:         s.topic,
		TSNanos:       in.TSNanos,
		SourceFrameID: in.SourceFrameID,
		MetaRev:       in.MetaRev,
		FftConfig:     in.Config,
		PSDPackets:    in.PSDPackets,
	})
	if err != nil {
		return stage.Contract("EncodeFailed", err)
	}
	s.publish(in.Meta, payload)
	return nil
}

func (s *WebSocketSink) publish(meta *packet.SensorMeta, dataFrame []byte) {
	var metaFrame []byte
	if meta != nil {
		metaFrame, _ = wire.EncodeMetaUpdate(s.topic, meta)
	}
	rev := uint32(0)
	if meta != nil {
		rev = meta.MetaRev
	}
	s.broker.Publish(s.topic, rev, metaFrame, dataFrame)
}
