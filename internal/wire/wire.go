// Package wire implements the hybrid JSON/binary client wire protocol
// (§6.2): a meta_update JSON text frame and a data_packet binary frame
// ([u32 LE json_len][json header][raw sample bytes]).
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"elata.dev/eegd/internal/packet"
)

// MetaUpdate is the JSON text frame sent whenever a subscriber's last-seen
// meta_rev for a topic changes.
type MetaUpdate struct {
	MessageType string              `json:"message_type"`
	Topic       string              `json:"topic"`
	Meta        *packet.SensorMeta  `json:"meta"`
}

// EncodeMetaUpdate marshals a meta_update text frame.
func EncodeMetaUpdate(topic string, meta *packet.SensorMeta) ([]byte, error) {
	return json.Marshal(MetaUpdate{MessageType: "meta_update", Topic: topic, Meta: meta})
}

// DataHeader is the JSON header embedded in every binary data_packet frame.
type DataHeader struct {
	MessageType string `json:"message_type"`
	Topic       string `json:"topic"`
	TSNanos     uint64 `json:"ts_ns"`
	BatchSize   uint32 `json:"batch_size"`
	NumChannels uint32 `json:"num_channels"`
	PacketType  string `json:"packet_type"` // "Voltage" | "RawI32"
	MetaRev     uint32 `json:"meta_rev"`
}

// EncodeVoltageFrame builds a data_packet binary frame carrying Voltage
// samples: [u32 LE json_len][json header][f32 LE samples...].
func EncodeVoltageFrame(topic string, hdr packet.Header, samples []packet.Voltage) ([]byte, error) {
	jsonHdr, err := json.Marshal(DataHeader{
		MessageType: "data_packet",
		Topic:       topic,
		TSNanos:     hdr.TSNanos,
		BatchSize:   hdr.BatchSize,
		NumChannels: hdr.NumChannels,
		PacketType:  "Voltage",
		MetaRev:     hdr.Meta.MetaRev,
	})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(4 + len(jsonHdr) + len(samples)*4)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(jsonHdr))); err != nil {
		return nil, err
	}
	buf.Write(jsonHdr)
	for _, s := range samples {
		if err := binary.Write(&buf, binary.LittleEndian, math.Float32bits(float32(s))); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// EncodeRawFrame builds a data_packet binary frame carrying RawI32 samples.
func EncodeRawFrame(topic string, hdr packet.Header, samples []packet.RawI32) ([]byte, error) {
	jsonHdr, err := json.Marshal(DataHeader{
		MessageType: "data_packet",
		Topic:       topic,
		TSNanos:     hdr.TSNanos,
		BatchSize:   hdr.BatchSize,
		NumChannels: hdr.NumChannels,
		PacketType:  "RawI32",
		MetaRev:     hdr.Meta.MetaRev,
	})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(4 + len(jsonHdr) + len(samples)*4)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(jsonHdr))); err != nil {
		return nil, err
	}
	buf.Write(jsonHdr)
	for _, s := range samples {
		if err := binary.Write(&buf, binary.LittleEndian, int32(s)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeDataFrame splits a raw binary frame back into its JSON header and
// payload bytes — used by tests and any non-browser client implementation.
func DecodeDataFrame(frame []byte) (DataHeader, []byte, error) {
	if len(frame) < 4 {
		return DataHeader{}, nil, fmt.Errorf("wire: frame too short")
	}
	jsonLen := binary.LittleEndian.Uint32(frame[:4])
	if uint32(len(frame)) < 4+jsonLen {
		return DataHeader{}, nil, fmt.Errorf("wire: truncated frame")
	}
	var hdr DataHeader
	if err := json.Unmarshal(frame[4:4+jsonLen], &hdr); err != nil {
		return DataHeader{}, nil, err
	}
	return hdr, frame[4+jsonLen:], nil
}

// Subscribe is the client->server JSON control message that establishes a
// (topic, epoch) subscription.
type Subscribe struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Epoch uint32 `json:"epoch"`
}

// Close codes defined by §4.7/§6.2.
const (
	CloseStaleEpoch   = 4009
	CloseSlowConsumer = 4010
)
