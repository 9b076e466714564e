package perffile

// TracingData is the decoded TRACING_DATA feature header: everything
// a reader needs to interpret the RAW portion of this file's sample
// records against the tracepoint schemas active when it was
// recorded.
//
// The on-disk layout this package reads and writes here is this
// module's own TLV encoding rather than a byte-for-byte
// reimplementation of the upstream perf tool's trace-event-info
// dump (see DESIGN.md): it carries the same semantic content spec.md
// names — long size, page size, the header_page/header_event
// schemas, per-subsystem format bodies, kallsyms, printk formats, and
// the saved-cmdline list — in a simpler self-describing form that
// this package's own Writer produces and its own Reader consumes.
type TracingData struct {
	LongSizeBits int
	PageSize     int

	// HeaderPage and HeaderEvent are the raw format-file bodies for
	// the two pseudo-events tracing infrastructure always defines,
	// describing the ring page header and the common record header.
	HeaderPage  []byte
	HeaderEvent []byte

	// Formats maps "system:event" to that tracepoint's raw format
	// file body, in the same grammar tracefmt.Parse consumes.
	Formats map[string][]byte

	Kallsyms []byte

	// PrintkFormats maps a kernel address to the printk format string
	// stored there, used to resolve %pf/%ps-style trace_printk
	// arguments.
	PrintkFormats map[uint64]string

	// SavedCmdLines maps a pid to the command name recorded for it.
	SavedCmdLines map[int]string
}

// EventDesc is one entry from the EVENT_DESC feature header: the
// name for a tracepoint id that didn't get its own per-subsystem
// format body in TracingData (e.g. a non-tracepoint PMU event
// present in the same file).
type EventDesc struct {
	IDs  []uint64
	Name string
}

func (m *FileMeta) parseTracingData(bd bufDecoder) error {
	td := &TracingData{
		Formats:       map[string][]byte{},
		PrintkFormats: map[uint64]string{},
		SavedCmdLines: map[int]string{},
	}

	td.LongSizeBits = int(bd.u32())
	td.PageSize = int(bd.u32())
	td.HeaderPage = []byte(bd.lenString())
	td.HeaderEvent = []byte(bd.lenString())

	numFormats := bd.u32()
	for i := uint32(0); i < numFormats; i++ {
		system := bd.lenString()
		event := bd.lenString()
		body := bd.lenString()
		td.Formats[system+":"+event] = []byte(body)
	}

	td.Kallsyms = []byte(bd.lenString())

	numPrintk := bd.u32()
	for i := uint32(0); i < numPrintk; i++ {
		addr := bd.u64()
		td.PrintkFormats[addr] = bd.lenString()
	}

	numCmdlines := bd.u32()
	for i := uint32(0); i < numCmdlines; i++ {
		pid := int(bd.u32())
		td.SavedCmdLines[pid] = bd.lenString()
	}

	m.TracingData = td
	return nil
}

func (m *FileMeta) parseEventDesc(bd bufDecoder) error {
	count := bd.u32()
	m.EventDescs = make([]EventDesc, 0, count)
	for i := uint32(0); i < count; i++ {
		nids := bd.u32()
		ids := make([]uint64, nids)
		bd.u64s(ids)
		name := bd.lenString()
		m.EventDescs = append(m.EventDescs, EventDesc{IDs: ids, Name: name})
	}
	return nil
}

func (m *FileMeta) parseClockID(bd bufDecoder) error {
	m.ClockID = int32(bd.u32())
	return nil
}

func (m *FileMeta) parseClockData(bd bufDecoder) error {
	bd.u32() // version, reserved for future encodings
	m.ClockID = int32(bd.u32())
	m.ClockRealtimeNs = int64(bd.u64())
	m.ClockMonotonicNs = int64(bd.u64())
	return nil
}
