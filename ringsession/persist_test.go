package ringsession

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/tracefs-go/tracepoint/metacache"
	"github.com/tracefs-go/tracepoint/perffile"
)

// putIdentifierTimeRawSample writes one SAMPLE record carrying
// identifier, time, and raw fields, matching sampleType
// SampleIdentifier|SampleTime|SampleRaw.
func putIdentifierTimeRawSample(ring []byte, off uint64, identifier, timestamp uint64, raw []byte) {
	body := make([]byte, 8+8+4+len(raw))
	leU64(body[0:8], identifier)
	leU64(body[8:16], timestamp)
	binary.LittleEndian.PutUint32(body[16:20], uint32(len(raw)))
	copy(body[20:], raw)
	putRecord(ring, off, recordSample, 0, body)
}

func newPersistTestSession(t *testing.T) *Session {
	t.Helper()
	const sampleType = SampleIdentifier | SampleTime | SampleRaw
	s := newTestSession(2, sampleType, Realtime)
	s.cache = metacache.New()
	s.byStream[1] = 100

	raws := [][]byte{{0xde, 0xad}, {0xbe, 0xef, 0x01}}
	timestamps := []uint64{200, 100}
	for cpu := range s.perCPU {
		b := fakeBuffer(4096, false)
		putIdentifierTimeRawSample(b.ring, 0, 1, timestamps[cpu], raws[cpu])
		b.meta.Data_head = uint64(recordHeaderSize + 8 + 8 + 4 + len(raws[cpu]))
		b.meta.Data_tail = 0
		s.perCPU[cpu].buffer = b
	}
	return s
}

// TestSavePerfDataFile covers spec's save_perf_data_file: a session's
// currently-available events come back out of the written file as
// RecordSamples carrying the same timestamps.
func TestSavePerfDataFile(t *testing.T) {
	s := newPersistTestSession(t)
	path := filepath.Join(t.TempDir(), "snapshot.perf.data")

	if err := s.SavePerfDataFile(path); err != nil {
		t.Fatalf("SavePerfDataFile: %v", err)
	}

	f, err := perffile.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if len(f.Events) != 1 {
		t.Fatalf("got %d attrs, want 1", len(f.Events))
	}

	var times []uint64
	rs := f.Records(perffile.RecordsFileOrder)
	for rs.Next() {
		if sample, ok := rs.Record.(*perffile.RecordSample); ok {
			times = append(times, sample.Time)
		}
	}
	if err := rs.Err(); err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(times) != 2 {
		t.Fatalf("got %d samples, want 2", len(times))
	}
}

// TestFlushToWriter covers flush_to_writer's return value: the
// timestamp range of the events it just wrote.
func TestFlushToWriter(t *testing.T) {
	s := newPersistTestSession(t)
	path := filepath.Join(t.TempDir(), "stream.perf.data")

	w, err := perffile.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w.AddAttr(s.WriterAttr(), []uint64{0})

	lo, hi, err := s.FlushToWriter(w)
	if err != nil {
		t.Fatalf("FlushToWriter: %v", err)
	}
	if lo != 100 || hi != 200 {
		t.Errorf("FlushToWriter range = [%d, %d], want [100, 200]", lo, hi)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	f, err := perffile.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
}

func TestTimestampRangeEmpty(t *testing.T) {
	lo, hi := timestampRange(nil)
	if lo != 0 || hi != 0 {
		t.Errorf("timestampRange(nil) = %d, %d, want 0, 0", lo, hi)
	}
}
