package ringsession

import (
	"bytes"
	"encoding/binary"

	"github.com/tracefs-go/tracepoint/perffile"
)

// persistSampleFormat is the sample_type this package's writer
// integration always emits, independent of whatever sample_type bits
// the session itself requested from the kernel: just enough for a
// replayed record to recover its EventMetadata from the common_type
// field embedded in Raw, and to preserve its capture timestamp.
const persistSampleFormat = perffile.SampleFormatTime | perffile.SampleFormatRaw

// perfEventHeaderSize is the on-disk size of perf_event_header
// (u32 type, u16 misc, u16 size), the same 8-byte framing
// perffile.Writer expects every record to start with.
const perfEventHeaderSize = 8

// WriterAttr returns the perffile.EventAttr every record this session
// persists decodes against. A caller driving FlushToWriter against a
// writer it manages the lifetime of must register this once via
// w.AddAttr(session.WriterAttr(), []uint64{0}) before the first flush;
// SavePerfDataFile does this itself since it owns the writer outright.
func (s *Session) WriterAttr() perffile.EventAttr {
	return perffile.EventAttr{
		Event:        perffile.EventTracepoint(0),
		SampleFormat: persistSampleFormat,
	}
}

// collectAllEvents drains every CPU's currently-available events: in
// session timestamp order when the session's sample_type captured
// SampleTime, or in per-CPU kernel order concatenated by CPU index
// otherwise (iter_ordered's own precondition per spec §4.4).
func (s *Session) collectAllEvents() ([]Event, error) {
	if s.sampleType&SampleTime != 0 {
		return s.IterOrdered()
	}
	var all []Event
	for cpu := range s.perCPU {
		events, err := s.IterUnordered(cpu)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	return all, nil
}

// tracingDataSnapshot re-reads the format file for every tracepoint
// this session knows about and assembles a perffile.TracingData,
// since the metadata cache keeps only the parsed EventMetadata and not
// the raw format body Finalize's TRACING_DATA feature header needs.
func (s *Session) tracingDataSnapshot() *perffile.TracingData {
	td := &perffile.TracingData{
		Formats:       map[string][]byte{},
		PrintkFormats: map[uint64]string{},
		SavedCmdLines: map[int]string{},
	}
	if s.root == nil {
		return td
	}
	td.LongSizeBits = s.root.LongSizeBits()
	for _, tp := range s.Tracepoints() {
		body, err := s.root.ReadFormat(tp.System, tp.Event)
		if err != nil {
			log.Warnf("snapshotting tracing data for %s:%s: %v", tp.System, tp.Event, err)
			continue
		}
		td.Formats[tracepointKey(tp.System, tp.Event)] = body
	}
	return td
}

// encodePersistedSample frames e as an on-disk perf_event SAMPLE
// record with persistSampleFormat's fields, in the ABI order
// perffile's reader decodes samples in: time, then raw.
func encodePersistedSample(e Event) []byte {
	size := perfEventHeaderSize + 8 + 4 + len(e.Raw)
	buf := bytes.NewBuffer(make([]byte, 0, size))
	binary.Write(buf, binary.LittleEndian, uint32(perffile.RecordTypeSample))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // misc
	binary.Write(buf, binary.LittleEndian, uint16(size))
	binary.Write(buf, binary.LittleEndian, e.Time)
	binary.Write(buf, binary.LittleEndian, uint32(len(e.Raw)))
	buf.Write(e.Raw)
	return buf.Bytes()
}

// timestampRange returns the [lo, hi] timestamp range spanned by
// events, or (0, 0) for an empty slice.
func timestampRange(events []Event) (lo, hi uint64) {
	if len(events) == 0 {
		return 0, 0
	}
	lo, hi = events[0].Time, events[0].Time
	for _, e := range events[1:] {
		if e.Time < lo {
			lo = e.Time
		}
		if e.Time > hi {
			hi = e.Time
		}
	}
	return lo, hi
}

// SavePerfDataFile drains every CPU and writes a complete perf.data
// file at path holding every currently-available event, per spec
// §4.4's save_perf_data_file. Unlike FlushToWriter, it owns the
// writer's full lifecycle: it creates the file, registers the
// session's attr and a TRACING_DATA snapshot of its tracepoints, and
// calls Finalize.
func (s *Session) SavePerfDataFile(path string) error {
	events, err := s.collectAllEvents()
	if err != nil {
		return err
	}

	w, err := perffile.Create(path)
	if err != nil {
		return err
	}

	w.AddAttr(s.WriterAttr(), []uint64{0})
	w.SetTracingData(s.tracingDataSnapshot())
	w.SetWriterHeaders(s.Info.ClockID, s.Info.ClockOffset, 0)

	for _, e := range events {
		if err := w.WriteEventData(encodePersistedSample(e)); err != nil {
			return err
		}
	}
	lo, hi := timestampRange(events)
	if err := w.WriteFinishedRound(lo, hi); err != nil {
		return err
	}

	return w.Finalize()
}

// FlushToWriter drains every CPU's currently-available events and
// appends them to w, an already-open perffile.Writer the caller
// created and registered WriterAttr on, per spec §4.4's
// flush_to_writer. It returns the timestamp range of the events it
// wrote, for a long-running collector that interleaves flushes with
// one open file rather than snapshotting to a new one each time.
func (s *Session) FlushToWriter(w *perffile.Writer) (lo, hi uint64, err error) {
	events, err := s.collectAllEvents()
	if err != nil {
		return 0, 0, err
	}
	for _, e := range events {
		if err := w.WriteEventData(encodePersistedSample(e)); err != nil {
			return 0, 0, err
		}
	}
	lo, hi = timestampRange(events)
	if err := w.WriteFinishedRound(lo, hi); err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}
