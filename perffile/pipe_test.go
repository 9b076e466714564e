package perffile

import (
	"bytes"
	"testing"
)

func TestPipeWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	pw, err := CreatePipe(&buf)
	if err != nil {
		t.Fatalf("CreatePipe: %v", err)
	}
	if err := pw.WriteAttr(minimalAttr(), []uint64{0}); err != nil {
		t.Fatalf("WriteAttr: %v", err)
	}
	if err := pw.WriteTracingData(&TracingData{
		Formats: map[string][]byte{
			"sched:sched_switch": []byte("format: field:int x; offset:0; size:4; signed:1;\n"),
		},
	}); err != nil {
		t.Fatalf("WriteTracingData: %v", err)
	}
	if err := pw.WriteFinishedInit(); err != nil {
		t.Fatalf("WriteFinishedInit: %v", err)
	}
	if err := pw.WriteEventData(encodeMinimalSample()); err != nil {
		t.Fatalf("WriteEventData: %v", err)
	}

	f, err := NewPipe(&buf)
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}

	rs := f.Records(RecordsFileOrder)
	var sawAttr, sawTracingData, sawFinishedInit, sawSample bool
	for rs.Next() {
		switch rs.Record.(type) {
		case *RecordHeaderAttr:
			sawAttr = true
		case *RecordTracingData:
			sawTracingData = true
		case *RecordFinishedInit:
			sawFinishedInit = true
		case *RecordSample:
			sawSample = true
		}
	}
	if err := rs.Err(); err != nil {
		t.Fatalf("Records: %v", err)
	}
	if !sawAttr || !sawTracingData || !sawFinishedInit || !sawSample {
		t.Fatalf("missing records: attr=%v tracingData=%v finishedInit=%v sample=%v",
			sawAttr, sawTracingData, sawFinishedInit, sawSample)
	}
	if len(f.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(f.Events))
	}
	if f.Meta.TracingData == nil || len(f.Meta.TracingData.Formats) != 1 {
		t.Fatalf("tracing data not round-tripped: %+v", f.Meta.TracingData)
	}
}

func TestPipeRecordsRejectsOrdering(t *testing.T) {
	var buf bytes.Buffer
	if _, err := CreatePipe(&buf); err != nil {
		t.Fatalf("CreatePipe: %v", err)
	}

	f, err := NewPipe(&buf)
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}

	rs := f.Records(RecordsTimeOrder)
	if rs.Next() {
		t.Fatalf("expected Next to fail for pipe-mode time order")
	}
	if rs.Err() == nil {
		t.Fatalf("expected an error for pipe-mode time order")
	}
}

func TestBadPipeMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("BADMAGIC")
	buf.Write(make([]byte, 8))
	if _, err := NewPipe(&buf); err == nil {
		t.Fatalf("expected error for bad pipe magic")
	}
}
