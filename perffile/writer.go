package perffile

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

// A Writer produces a perf.data file: the placeholder-header,
// append-event-data, rewrite-header-on-close sequence the upstream
// perf tool itself uses, adapted here to also support incrementally
// interleaving metadata rounds with event rounds (write_finished_init,
// write_finished_round) for a live collector.
type Writer struct {
	f      *os.File
	cursor int64 // current write offset; data region starts right after the header

	dataStart int64
	dataEnd   int64

	attrs []writerAttr

	tracingData *TracingData
	eventDescs  []EventDesc

	features map[feature][]byte

	wroteInit  bool
	roundLo    uint64
	roundHi    uint64
	roundDirty bool
}

type writerAttr struct {
	attr EventAttr
	ids  []attrID
}

// Create truncates (or creates) name and opens it for writing a new
// perf.data file. The caller must call Finalize to produce a valid
// file; an os.File left without a Finalize has only a placeholder
// header and is not a valid perf.data file.
func Create(name string) (*Writer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_CLOEXEC, 0644)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.Io, err, "create perf.data file")
	}

	headerSize := int64(binary.Size(&fileHeader{}))
	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		f.Close()
		return nil, tracerr.Wrap(tracerr.Io, err, "write placeholder header")
	}

	return &Writer{
		f:         f,
		cursor:    headerSize,
		dataStart: headerSize,
		features:  map[feature][]byte{},
	}, nil
}

// AddAttr registers an event attribute and the stream ids that
// identify it in the event stream; this populates the attribute
// table's ids section written by Finalize.
func (w *Writer) AddAttr(attr EventAttr, ids []uint64) {
	wa := writerAttr{attr: attr}
	for _, id := range ids {
		wa.ids = append(wa.ids, attrID(id))
	}
	w.attrs = append(w.attrs, wa)
}

// SetTracingData supplies the TRACING_DATA payload Finalize
// synthesizes into the file's feature headers.
func (w *Writer) SetTracingData(td *TracingData) {
	w.tracingData = td
}

// AddEventDesc adds an EVENT_DESC entry for an attribute id that has
// no corresponding TracingData.Formats entry (e.g. a non-tracepoint
// PMU event recorded alongside tracepoints).
func (w *Writer) AddEventDesc(d EventDesc) {
	w.eventDescs = append(w.eventDescs, d)
}

// WriteEventData appends block, a caller-framed sequence of valid
// perf_event records, to the file's event-data region.
func (w *Writer) WriteEventData(block []byte) error {
	n, err := w.f.WriteAt(block, w.cursor)
	if err != nil {
		return tracerr.Wrap(tracerr.Io, err, "write event data")
	}
	w.cursor += int64(n)
	if !w.roundDirty {
		w.roundDirty = true
	}
	return nil
}

// WriteFinishedInit writes the synthetic FINISHED_INIT marker a pipe
// or incremental consumer uses to know that initial metadata records
// (attrs, tracing data) have all been emitted and sample records
// follow. It is a no-op after the first call.
func (w *Writer) WriteFinishedInit() error {
	if w.wroteInit {
		return nil
	}
	hdr := recordHeader{Type: recordTypeFinishedInit, Misc: 0, Size: uint16(recordHeaderSize)}
	if err := w.writeRaw(hdr); err != nil {
		return err
	}
	w.wroteInit = true
	return nil
}

// recordHeaderSize is the on-disk size of perf_event_header.
const recordHeaderSize = 8

// WriteFinishedRound closes out the current batch of event records
// with a FINISHED_ROUND marker. The marker is a bare record header;
// [lo, hi], the timestamp range all samples in the batch fall within,
// is kept on the Writer and is not written to the file. A round with no bytes
// appended since the last WriteFinishedRound (or since Create) emits
// no marker, matching the guarantee that every marker brackets a
// genuinely non-empty batch.
func (w *Writer) WriteFinishedRound(lo, hi uint64) error {
	if !w.roundDirty {
		return nil
	}
	hdr := recordHeader{Type: recordTypeFinishedRound, Misc: 0, Size: uint16(recordHeaderSize)}
	if err := w.writeRaw(hdr); err != nil {
		return err
	}
	w.roundLo, w.roundHi = lo, hi
	w.roundDirty = false
	return nil
}

func (w *Writer) writeRaw(v interface{}) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return tracerr.Wrap(tracerr.Invalid, err, "encode record")
	}
	return w.WriteEventData(buf.Bytes())
}

// Finalize writes the attribute table and feature headers, then
// rewrites the file header with the final section extents, and
// closes the file. After Finalize, w must not be used again.
func (w *Writer) Finalize() error {
	defer w.f.Close()

	w.dataEnd = w.cursor

	if w.tracingData != nil {
		w.features[featureTracingData] = encodeTracingData(w.tracingData)
	}
	if len(w.eventDescs) > 0 {
		w.features[featureEventDesc] = encodeEventDesc(w.eventDescs)
	}

	attrsOffset := w.cursor
	idsBuf := &bytes.Buffer{}
	// ids vectors are written after every (attr, section) pair, per
	// spec: attr table is attr+id-section per attr, then id vectors.
	idOffsets := make([]int64, len(w.attrs))
	idCursor := attrsOffset + int64(len(w.attrs))*int64(binary.Size(&fileAttr{}))
	for i, wa := range w.attrs {
		idOffsets[i] = idCursor
		idCursor += int64(len(wa.ids)) * 8
	}

	attrTable := &bytes.Buffer{}
	for i, wa := range w.attrs {
		onDisk, err := encodeEventAttr(wa.attr)
		if err != nil {
			return err
		}
		if err := binary.Write(attrTable, binary.LittleEndian, &onDisk); err != nil {
			return tracerr.Wrap(tracerr.Invalid, err, "encode attr")
		}
		sec := fileSection{Offset: uint64(idOffsets[i]), Size: uint64(len(wa.ids)) * 8}
		if err := binary.Write(attrTable, binary.LittleEndian, &sec); err != nil {
			return tracerr.Wrap(tracerr.Invalid, err, "encode attr ids section")
		}
	}
	for _, wa := range w.attrs {
		for _, id := range wa.ids {
			binary.Write(idsBuf, binary.LittleEndian, id)
		}
	}

	if _, err := w.f.WriteAt(attrTable.Bytes(), attrsOffset); err != nil {
		return tracerr.Wrap(tracerr.Io, err, "write attr table")
	}
	if _, err := w.f.WriteAt(idsBuf.Bytes(), attrsOffset+int64(attrTable.Len())); err != nil {
		return tracerr.Wrap(tracerr.Io, err, "write attr ids")
	}
	w.cursor = attrsOffset + int64(attrTable.Len()) + int64(idsBuf.Len())

	var bits [numFeatureBits / 64]uint64
	var order []feature
	for f := range w.features {
		order = append(order, f)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	featHeaderOffset := w.cursor
	featHeaderSize := int64(len(order)) * int64(binary.Size(&fileSection{}))
	payloadCursor := featHeaderOffset + featHeaderSize

	sections := &bytes.Buffer{}
	payloads := &bytes.Buffer{}
	for _, f := range order {
		data := w.features[f]
		sec := fileSection{Offset: uint64(payloadCursor), Size: uint64(len(data))}
		binary.Write(sections, binary.LittleEndian, &sec)
		payloads.Write(data)
		payloadCursor += int64(len(data))
		bits[f/64] |= 1 << (uint(f) % 64)
	}

	if _, err := w.f.WriteAt(sections.Bytes(), featHeaderOffset); err != nil {
		return tracerr.Wrap(tracerr.Io, err, "write feature headers")
	}
	if _, err := w.f.WriteAt(payloads.Bytes(), featHeaderOffset+featHeaderSize); err != nil {
		return tracerr.Wrap(tracerr.Io, err, "write feature payloads")
	}

	hdr := fileHeader{
		Size:     uint64(binary.Size(&fileHeader{})),
		AttrSize: uint64(binary.Size(&eventAttrVN{})) + uint64(binary.Size(&fileSection{})),
		Attrs:    fileSection{Offset: uint64(attrsOffset), Size: uint64(attrTable.Len())},
		Data:     fileSection{Offset: uint64(w.dataStart), Size: uint64(w.dataEnd - w.dataStart)},
		Features: bits,
	}
	copy(hdr.Magic[:], "PERFILE2")

	var hdrBuf bytes.Buffer
	if err := binary.Write(&hdrBuf, binary.LittleEndian, &hdr); err != nil {
		return tracerr.Wrap(tracerr.Invalid, err, "encode header")
	}
	if _, err := w.f.WriteAt(hdrBuf.Bytes(), 0); err != nil {
		return tracerr.Wrap(tracerr.Io, err, "rewrite header")
	}

	return nil
}

// encodeEventAttr is the inverse of readFileAttr: it packs an
// EventAttr back into the on-disk eventAttrVN layout.
func encodeEventAttr(a EventAttr) (eventAttrVN, error) {
	var out eventAttrVN
	g := a.Event.Generic()
	out.Type = g.Type
	out.Config = g.ID
	if a.SampleFreq != 0 {
		out.Flags = a.Flags | EventFlagFreq
		out.SamplePeriodOrFreq = a.SampleFreq
	} else {
		out.Flags = a.Flags
		out.SamplePeriodOrFreq = a.SamplePeriod
	}
	out.SampleFormat = a.SampleFormat
	out.ReadFormat = a.ReadFormat
	out.Flags |= EventFlags(a.Precise) << eventFlagPreciseShift
	if a.WakeupWatermark != 0 {
		out.Flags |= EventFlagWakeupWatermark
		out.WakeupEventsOrWatermark = a.WakeupWatermark
	} else {
		out.WakeupEventsOrWatermark = a.WakeupEvents
	}
	if out.Type == EventTypeBreakpoint {
		out.BPType = uint32(g.ID)
		if len(g.Config) == 2 {
			out.BPAddrOrConfig1, out.BPLenOrConfig2 = g.Config[0], g.Config[1]
		}
	}
	out.SampleRegsUser = a.SampleRegsUser
	out.SampleStackUser = a.SampleStackUser
	out.AuxWatermark = a.AuxWatermark
	out.SampleMaxStack = a.SampleMaxStack
	out.Size = uint32(binary.Size(&out))
	return out, nil
}

func encodeTracingData(td *TracingData) []byte {
	buf := &bytes.Buffer{}
	putU32 := func(v int) { binary.Write(buf, binary.LittleEndian, uint32(v)) }
	putStr := func(b []byte) {
		putU32(len(b))
		buf.Write(b)
	}

	putU32(td.LongSizeBits)
	putU32(td.PageSize)
	putStr(td.HeaderPage)
	putStr(td.HeaderEvent)

	keys := make([]string, 0, len(td.Formats))
	for k := range td.Formats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	putU32(len(keys))
	for _, k := range keys {
		system, event := splitSystemEvent(k)
		putStr([]byte(system))
		putStr([]byte(event))
		putStr(td.Formats[k])
	}

	putStr(td.Kallsyms)

	addrs := make([]uint64, 0, len(td.PrintkFormats))
	for a := range td.PrintkFormats {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	putU32(len(addrs))
	for _, a := range addrs {
		binary.Write(buf, binary.LittleEndian, a)
		putStr([]byte(td.PrintkFormats[a]))
	}

	pids := make([]int, 0, len(td.SavedCmdLines))
	for p := range td.SavedCmdLines {
		pids = append(pids, p)
	}
	sort.Ints(pids)
	putU32(len(pids))
	for _, p := range pids {
		putU32(p)
		putStr([]byte(td.SavedCmdLines[p]))
	}

	return buf.Bytes()
}

func splitSystemEvent(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func encodeEventDesc(descs []EventDesc) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, uint32(len(descs)))
	for _, d := range descs {
		binary.Write(buf, binary.LittleEndian, uint32(len(d.IDs)))
		for _, id := range d.IDs {
			binary.Write(buf, binary.LittleEndian, id)
		}
		binary.Write(buf, binary.LittleEndian, uint32(len(d.Name)))
		buf.WriteString(d.Name)
	}
	return buf.Bytes()
}

// SetWriterHeaders stamps the CLOCKID/CLOCK_DATA feature headers with
// the clock a live session recorded against, so a reader can
// translate sample timestamps to wall-clock time.
func (w *Writer) SetWriterHeaders(clockID int32, clockRealtimeNs, clockMonotonicNs int64) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // version
	binary.Write(&buf, binary.LittleEndian, uint32(clockID))
	binary.Write(&buf, binary.LittleEndian, uint64(clockRealtimeNs))
	binary.Write(&buf, binary.LittleEndian, uint64(clockMonotonicNs))
	w.features[featureClockData] = buf.Bytes()

	var idBuf bytes.Buffer
	binary.Write(&idBuf, binary.LittleEndian, uint32(clockID))
	w.features[featureClockID] = idBuf.Bytes()
}
