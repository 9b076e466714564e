package perffile

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

// This file handles the three synthetic record types that only appear
// in pipe-mode streams (see New's magic-prefix detection and
// NewPipe). A seekable file loads its attrs table, tracing data, and
// feature headers up front from fixed-location sections; a pipe-mode
// stream instead interleaves the same information into the record
// stream itself, so Records.Next must update File.Events, idToAttr,
// and Meta as it encounters RecordHeaderAttr, RecordTracingData, and
// RecordHeaderFeature. RecordFinishedInit then marks the point after
// which every record is a normal event.

// parseHeaderAttr decodes a pipe-mode RecordHeaderAttr: an on-disk
// perf_event_attr followed by the stream IDs that belong to it. It
// registers the decoded EventAttr so that samples carrying one of
// these IDs resolve correctly, the same way loading a seekable file's
// attrs table up front lets New build idToAttr.
func (r *Records) parseHeaderAttr(bd *bufDecoder, common *RecordCommon) Record {
	attr, ids, err := decodeEventAttrRecord(bd.buf)
	if err != nil {
		r.err = err
		return nil
	}

	ea := attr
	r.f.Events = append(r.f.Events, &ea)
	for _, id := range ids {
		r.f.idToAttr[id] = &ea
	}
	if len(r.f.Events) == 1 {
		// Establish the file's shared sample/record ID geometry
		// from the first attr seen, just as New does for a
		// seekable file's first entry in its attrs table.
		r.f.sampleIDOffset = ea.SampleFormat.sampleIDOffset()
		r.f.recordIDOffset = ea.SampleFormat.recordIDOffset()
		r.f.sampleIDAll = ea.Flags&EventFlagSampleIDAll != 0
	}

	return &RecordHeaderAttr{*common, &ea, ids}
}

// parseHeaderTracingData decodes a pipe-mode RecordTracingData record
// and installs it on the file's metadata, just as the TRACING_DATA
// feature header does for a seekable file.
func (r *Records) parseHeaderTracingData(bd *bufDecoder, common *RecordCommon) Record {
	if err := r.f.Meta.parseTracingData(*bd); err != nil {
		r.err = err
		return nil
	}
	r.f.populateMetaCache()
	return &RecordTracingData{*common, r.f.Meta.TracingData}
}

// parseHeaderFeature decodes a pipe-mode RecordHeaderFeature record: a
// feature index followed by that feature's payload, using the same
// decoder each feature's seekable-file counterpart uses
// (featureParsers). It updates the file's metadata the same way
// loading a seekable file's feature-headers section does.
func (r *Records) parseHeaderFeature(bd *bufDecoder, common *RecordCommon) Record {
	f := feature(bd.u32())
	raw := bd.buf

	if parser := featureParsers[f]; parser != nil {
		inner := bufDecoder{raw, binary.LittleEndian}
		if err := parser(&r.f.Meta, inner); err != nil {
			r.err = err
			return nil
		}
	}

	return &RecordHeaderFeature{*common, f, raw}
}

// A PipeWriter writes a pipe-mode perf.data stream: a 16-byte header
// followed by a sequence of records with no fixed-location attrs or
// feature-headers sections. Unlike Writer, every record is written in
// its final form as soon as it's produced, so w need not support
// random access (it can be a pipe, a socket, or os.Stdout) and there
// is no Finalize step.
type PipeWriter struct {
	w         io.Writer
	wroteInit bool
}

// CreatePipe writes the pipe-mode header to w and returns a
// PipeWriter ready to accept records.
func CreatePipe(w io.Writer) (*PipeWriter, error) {
	var hdr pipeHeader
	copy(hdr.Magic[:], "PERFILE2")
	hdr.Size = uint64(binary.Size(&hdr))
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return nil, tracerr.Wrap(tracerr.Io, err, "write pipe header")
	}
	return &PipeWriter{w: w}, nil
}

// WriteAttr emits a RecordHeaderAttr for attr and the stream ids that
// identify it in the event stream that follows, the pipe-mode
// equivalent of an entry in a seekable file's attrs table.
func (w *PipeWriter) WriteAttr(attr EventAttr, ids []uint64) error {
	onDisk, err := encodeEventAttr(attr)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &onDisk); err != nil {
		return tracerr.Wrap(tracerr.Invalid, err, "encode attr")
	}
	for _, id := range ids {
		binary.Write(&buf, binary.LittleEndian, attrID(id))
	}
	return w.writeRecord(recordTypeAttr, buf.Bytes())
}

// WriteTracingData emits a RecordTracingData record carrying td, the
// pipe-mode equivalent of the TRACING_DATA feature header.
func (w *PipeWriter) WriteTracingData(td *TracingData) error {
	return w.writeRecord(recordTypeTracingData, encodeTracingData(td))
}

// WriteFeature emits a RecordHeaderFeature record for one feature
// payload, the pipe-mode equivalent of one entry in a seekable file's
// feature-headers section.
func (w *PipeWriter) WriteFeature(f feature, payload []byte) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(f))
	buf.Write(payload)
	return w.writeRecord(recordTypeHeaderFeature, buf.Bytes())
}

// WriteFinishedInit emits the FINISHED_INIT marker that ends the
// metadata preamble: every record written after it is a normal event,
// decodable against the attrs already emitted. It is a no-op after
// the first call.
func (w *PipeWriter) WriteFinishedInit() error {
	if w.wroteInit {
		return nil
	}
	if err := w.writeRecord(recordTypeFinishedInit, nil); err != nil {
		return err
	}
	w.wroteInit = true
	return nil
}

// WriteEventData appends block, a caller-framed sequence of valid
// perf_event records (typically SAMPLE records), directly to the
// stream.
func (w *PipeWriter) WriteEventData(block []byte) error {
	if _, err := w.w.Write(block); err != nil {
		return tracerr.Wrap(tracerr.Io, err, "write event data")
	}
	return nil
}

func (w *PipeWriter) writeRecord(t RecordType, payload []byte) error {
	hdr := recordHeader{Type: t, Misc: 0, Size: uint16(recordHeaderSize + len(payload))}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return tracerr.Wrap(tracerr.Invalid, err, "encode record header")
	}
	buf.Write(payload)
	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return tracerr.Wrap(tracerr.Io, err, "write record")
	}
	return nil
}
