package perffile

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
)

// minimalAttr returns an EventAttr with an empty SampleFormat, so a
// SAMPLE record for it has no optional fields and no sample_id
// trailer (see SampleFormat.sampleIDOffset/recordIDOffset/trailerBytes),
// keeping the on-disk record down to a bare recordHeader.
func minimalAttr() EventAttr {
	return EventAttr{
		Event: EventTracepoint(42),
	}
}

func encodeMinimalSample() []byte {
	hdr := recordHeader{Type: RecordTypeSample, Misc: 0, Size: recordHeaderSize}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	return buf.Bytes()
}

// rawAttr returns an EventAttr whose only sample field is the raw
// tracepoint payload, for exercising the SampleFormatRaw decode path.
func rawAttr() EventAttr {
	return EventAttr{
		Event:        EventTracepoint(43),
		SampleFormat: SampleFormatRaw,
	}
}

func encodeRawSample(raw []byte) []byte {
	hdr := recordHeader{Type: RecordTypeSample, Misc: 0, Size: uint16(recordHeaderSize + 4 + len(raw))}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	binary.Write(&buf, binary.LittleEndian, uint32(len(raw)))
	buf.Write(raw)
	return buf.Bytes()
}

// TestWriterReaderRoundTripRaw is the spec §8 round-trip property for
// SampleFormatRaw: the raw tracepoint payload bytes a writer appends
// must come back unchanged through RecordSample.Raw, since that field
// is what common_type resolution and replay both depend on.
func TestWriterReaderRoundTripRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perf.data")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w.AddAttr(rawAttr(), []uint64{0})
	raw := []byte{0x2a, 0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xef}
	if err := w.WriteEventData(encodeRawSample(raw)); err != nil {
		t.Fatalf("WriteEventData: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	rs := f.Records(RecordsFileOrder)
	var got []byte
	var samples int
	for rs.Next() {
		if s, ok := rs.Record.(*RecordSample); ok {
			samples++
			got = append([]byte(nil), s.Raw...)
		}
	}
	if err := rs.Err(); err != nil {
		t.Fatalf("Records: %v", err)
	}
	if samples != 1 {
		t.Fatalf("got %d samples, want 1", samples)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("RecordSample.Raw = %v, want %v", got, raw)
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perf.data")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w.AddAttr(minimalAttr(), []uint64{0})
	w.SetTracingData(&TracingData{
		HeaderPage:   []byte("header page"),
		LongSizeBits: 64,
		Formats: map[string][]byte{
			"sched:sched_switch": []byte(
				"name: sched_switch\n" +
					"ID: 314\n" +
					"format:\n" +
					"\tfield:unsigned short common_type;\toffset:0;\tsize:2;\tsigned:0;\n" +
					"\tfield:int x;\toffset:8;\tsize:4;\tsigned:1;\n"),
		},
	})
	if err := w.WriteEventData(encodeMinimalSample()); err != nil {
		t.Fatalf("WriteEventData: %v", err)
	}
	if err := w.WriteFinishedRound(0, 0); err != nil {
		t.Fatalf("WriteFinishedRound: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if len(f.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(f.Events))
	}
	if f.Meta.TracingData == nil || len(f.Meta.TracingData.Formats) != 1 {
		t.Fatalf("tracing data not round-tripped: %+v", f.Meta.TracingData)
	}
	if got := f.Cache.FindByName("sched", "sched_switch"); got == nil {
		t.Error("Open did not populate Cache from TracingData.Formats")
	}

	rs := f.Records(RecordsFileOrder)
	var samples int
	for rs.Next() {
		if _, ok := rs.Record.(*RecordSample); ok {
			samples++
		}
	}
	if err := rs.Err(); err != nil {
		t.Fatalf("Records: %v", err)
	}
	if samples != 1 {
		t.Fatalf("got %d samples, want 1", samples)
	}
}

func TestWriterFinishedRoundSkipsEmptyBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perf.data")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w.AddAttr(minimalAttr(), []uint64{0})
	// No WriteEventData call, so the round is not dirty.
	if err := w.WriteFinishedRound(0, 0); err != nil {
		t.Fatalf("WriteFinishedRound: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	rs := f.Records(RecordsFileOrder)
	var markers int
	for rs.Next() {
		if _, ok := rs.Record.(*RecordUnknown); !ok {
			continue
		}
		markers++
	}
	if err := rs.Err(); err != nil {
		t.Fatalf("Records: %v", err)
	}
	if markers != 0 {
		t.Errorf("got %d FINISHED_ROUND markers for an empty batch, want 0", markers)
	}
}
