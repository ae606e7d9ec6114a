package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"elata.dev/eegd/internal/eventbus"
	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/reclock"
	"elata.dev/eegd/internal/stage"
)

func init() {
	Register("csv_sink", func(name string) any { return NewCsvSink(name) })
}

// RecordingState is the CsvSink's state machine (§4.8).
type RecordingState int

const (
	StateIdle RecordingState = iota
	StateArming
	StateRecording
	StateStopping
)

// CsvSink writes one file per recording under Directory, named
// <prefix>_<iso8601>_<sensor_id>_<meta_rev>.csv (§6.3), gated by the process
// recording lock (§4.10).
type CsvSink struct {
	name      string
	directory string
	prefix    string

	lock *reclock.Lock
	bus  *eventbus.Bus

	mu           sync.Mutex
	state        RecordingState
	recordingID  string
	file         *os.File
	rowsWritten  int
	currentMeta  *packet.SensorMeta
}

// NewCsvSink constructs an uninitialized CsvSink in state Idle.
func NewCsvSink(name string) *CsvSink { return &CsvSink{name: name} }

func (s *CsvSink) Name() string { return s.name }

// SetRecordingLock and SetEventBus are wired by the pipeline builder.
func (s *CsvSink) SetRecordingLock(l *reclock.Lock) { s.lock = l }
func (s *CsvSink) SetEventBus(b *eventbus.Bus)       { s.bus = b }

// Init implements §6.1's csv_sink parameter shape: {directory, file_prefix}.
func (s *CsvSink) Init(params stage.Params) error {
	return s.Apply(params)
}

func (s *CsvSink) Apply(patch stage.Params) error {
	if v, ok := patch["directory"].(string); ok {
		s.directory = v
	}
	if v, ok := patch["file_prefix"].(string); ok {
		s.prefix = v
	}
	return nil
}

func (s *CsvSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

// StartRecording transitions Idle -> Arming -> Recording: acquires the
// recording lock, creates the file, writes the header, and begins accepting
// samples. Returns reclock.ErrLocked if another recording is in progress.
func (s *CsvSink) StartRecording(recordingID string, meta *packet.SensorMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return stage.Contract("AlreadyRecording", fmt.Errorf("csv_sink %s is already recording", s.name))
	}
	s.state = StateArming
	if err := s.lock.TryLock(recordingID); err != nil {
		s.state = StateIdle
		return stage.Contract("ConfigurationLocked", err)
	}
	if err := s.openLocked(meta); err != nil {
		s.lock.Unlock()
		s.state = StateIdle
		return stage.Fatal("CsvOpenFailed", err)
	}
	s.recordingID = recordingID
	s.state = StateRecording
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindRecordingState, Payload: map[string]any{
			"event": "started", "path": s.file.Name(),
		}})
	}
	return nil
}

// StopRecording transitions Recording -> Stopping -> Idle: flushes, closes,
// and releases the lock.
func (s *CsvSink) StopRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return stage.Contract("NotRecording", fmt.Errorf("csv_sink %s is not recording", s.name))
	}
	s.state = StateStopping
	path := ""
	if s.file != nil {
		path = s.file.Name()
	}
	err := s.closeLocked()
	s.lock.Unlock()
	s.state = StateIdle
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindRecordingState, Payload: map[string]any{
			"event": "stopped", "path": path,
		}})
	}
	return err
}

func (s *CsvSink) openLocked(meta *packet.SensorMeta) error {
	if err := os.MkdirAll(s.directory, 0o755); err != nil {
		return err
	}
	name := fileName(s.prefix, meta)
	f, err := os.Create(filepath.Join(s.directory, name))
	if err != nil {
		return err
	}
	s.file = f
	s.currentMeta = meta
	s.rowsWritten = 0
	return s.writeHeaderLocked()
}

func (s *CsvSink) writeHeaderLocked() error {
	metaJSON, err := json.Marshal(s.currentMeta)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.file, "# %s\n", metaJSON); err != nil {
		return err
	}
	cols := []string{"timestamp_ns"}
	for _, ch := range s.currentMeta.ChannelNames {
		cols = append(cols, ch+"_v")
	}
	_, err = fmt.Fprintln(s.file, strings.Join(cols, ","))
	return err
}

func (s *CsvSink) closeLocked() error {
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		s.file = nil
		return err
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Step writes in's samples as CSV rows. On a meta_rev change mid-recording,
// it closes the current file and opens a new one whose name includes the
// new revision (§4.8), without dropping out of the Recording state.
func (s *CsvSink) Step(in *packet.Packet[packet.Voltage]) error {
	defer in.Release()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return nil
	}
	meta := in.Header.Meta
	if s.currentMeta == nil || meta.MetaRev != s.currentMeta.MetaRev {
		if err := s.closeLocked(); err != nil {
			return stage.Fatal("CsvRotateFailed", err)
		}
		if err := s.openLocked(meta); err != nil {
			return stage.Fatal("CsvRotateFailed", err)
		}
	}
	nch := int(in.Header.NumChannels)
	var rowStep uint64
	if meta.SampleRate > 0 {
		rowStep = uint64(time.Second / time.Duration(meta.SampleRate))
	}
	for row := 0; row*nch < len(in.Samples); row++ {
		ts := in.Header.TSNanos + uint64(row)*rowStep
		line := strconv.FormatUint(ts, 10)
		for ch := 0; ch < nch; ch++ {
			line += "," + strconv.FormatFloat(float64(in.Samples[row*nch+ch]), 'f', 6, 32)
		}
		if _, err := fmt.Fprintln(s.file, line); err != nil {
			return stage.Fatal("CsvWriteFailed", err)
		}
		s.rowsWritten++
	}
	return nil
}

func fileName(prefix string, meta *packet.SensorMeta) string {
	ts := time.Now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s_%s_%d_%d.csv", prefix, ts, meta.SensorID, meta.MetaRev)
}
