package stages

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elata.dev/eegd/internal/eventbus"
	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/reclock"
	"elata.dev/eegd/internal/stage"
)

func newCsvSink(t *testing.T, dir string) *CsvSink {
	t.Helper()
	s := NewCsvSink("csv_sink")
	s.SetRecordingLock(reclock.New())
	s.SetEventBus(eventbus.New())
	require.NoError(t, s.Init(stage.Params{"directory": dir, "file_prefix": "session"}))
	return s
}

func TestCsvSink_StartRecording_WritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	s := newCsvSink(t, dir)
	meta := &packet.SensorMeta{SensorID: 1, MetaRev: 1, ChannelNames: []string{"ch0", "ch1"}}

	require.NoError(t, s.StartRecording("rec-1", meta))

	in := packet.NewPacket(packet.Header{TSNanos: 0, BatchSize: 2, NumChannels: 2, Meta: meta},
		[]packet.Voltage{0.1, 0.2, 0.3, 0.4}, func([]packet.Voltage) {})
	require.NoError(t, s.Step(in))
	require.NoError(t, s.StopRecording())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "session_"))
	assert.True(t, strings.Contains(entries[0].Name(), "_1_1.csv"))

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	assert.True(t, strings.HasPrefix(scanner.Text(), "# "), "first line must be the SensorMeta JSON comment")
	require.True(t, scanner.Scan())
	assert.Equal(t, "timestamp_ns,ch0_v,ch1_v", scanner.Text())
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "0.100000")
}

func TestCsvSink_StartRecording_FailsWhenLockHeldByAnotherRecording(t *testing.T) {
	dir := t.TempDir()
	s := newCsvSink(t, dir)
	meta := &packet.SensorMeta{SensorID: 1, MetaRev: 1, ChannelNames: []string{"ch0"}}

	require.NoError(t, s.StartRecording("rec-1", meta))

	s2 := NewCsvSink("csv_sink_2")
	s2.SetRecordingLock(reclock.New())
	require.NoError(t, s2.Init(stage.Params{"directory": dir, "file_prefix": "other"}))
	// Share the same lock instance to simulate a second recording attempt.
	lock := reclock.New()
	require.NoError(t, lock.TryLock("rec-1"))
	s2.SetRecordingLock(lock)

	err := s2.StartRecording("rec-2", meta)
	require.Error(t, err)

	require.NoError(t, s.StopRecording())
}

func TestCsvSink_MetaRevChangeRotatesFile(t *testing.T) {
	dir := t.TempDir()
	s := newCsvSink(t, dir)
	meta := &packet.SensorMeta{SensorID: 1, MetaRev: 1, ChannelNames: []string{"ch0"}}
	require.NoError(t, s.StartRecording("rec-1", meta))

	in1 := packet.NewPacket(packet.Header{BatchSize: 1, NumChannels: 1, Meta: meta},
		[]packet.Voltage{1}, func([]packet.Voltage) {})
	require.NoError(t, s.Step(in1))

	meta2 := meta.Next()
	in2 := packet.NewPacket(packet.Header{BatchSize: 1, NumChannels: 1, Meta: meta2},
		[]packet.Voltage{2}, func([]packet.Voltage) {})
	require.NoError(t, s.Step(in2))
	require.NoError(t, s.StopRecording())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "a meta_rev change mid-recording must rotate to a new file")
}

func TestCsvSink_StopRecording_WithoutStartIsRejected(t *testing.T) {
	dir := t.TempDir()
	s := newCsvSink(t, dir)
	err := s.StopRecording()
	assert.Error(t, err)
}
