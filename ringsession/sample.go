package ringsession

import "encoding/binary"

// decodedSample holds the subset of perf_event_sample fields this
// session is configured to record, read in the ABI-fixed order:
// identifier, ip, tid, time, addr, id, stream_id, cpu, period,
// callchain, raw.
type decodedSample struct {
	haveIdentifier bool
	identifier     uint64

	haveTID bool
	pid     uint32
	tid     uint32

	haveTime bool
	time     uint64

	haveAddr bool
	addr     uint64

	haveID bool
	id     uint64

	haveStreamID bool
	streamID     uint64

	haveCPU bool
	cpu     uint32

	havePeriod bool
	period     uint64

	haveRaw bool
	raw     []byte

	ok bool
}

// decodeSample walks body (the record payload following the 8-byte
// perf_event_header) pulling out each field present in sampleType, in
// ABI order, bounds-checking at every step. ok is false if body ran
// out before every expected field was read.
func decodeSample(body []byte, sampleType SampleType) decodedSample {
	var d decodedSample
	r := sampleReader{buf: body}

	if sampleType&SampleIdentifier != 0 {
		d.identifier, d.haveIdentifier = r.u64()
	}
	if sampleType&SampleIP != 0 {
		if _, ok := r.u64(); !ok {
			return d
		}
	}
	if sampleType&SampleTID != 0 {
		pid, ok1 := r.u32()
		tid, ok2 := r.u32()
		if !ok1 || !ok2 {
			return d
		}
		d.pid, d.tid, d.haveTID = pid, tid, true
	}
	if sampleType&SampleTime != 0 {
		d.time, d.haveTime = r.u64()
	}
	if sampleType&SampleAddr != 0 {
		d.addr, d.haveAddr = r.u64()
	}
	if sampleType&SampleID != 0 {
		d.id, d.haveID = r.u64()
	}
	if sampleType&SampleStreamID != 0 {
		d.streamID, d.haveStreamID = r.u64()
	}
	if sampleType&SampleCPU != 0 {
		cpu, ok1 := r.u32()
		_, ok2 := r.u32() // reserved
		if !ok1 || !ok2 {
			return d
		}
		d.cpu, d.haveCPU = cpu, true
	}
	if sampleType&SamplePeriod != 0 {
		d.period, d.havePeriod = r.u64()
	}
	if sampleType&SampleCallchain != 0 {
		n, ok := r.u64()
		if !ok || !r.skip(int(n)*8) {
			return d
		}
	}
	if sampleType&SampleRaw != 0 {
		size, ok := r.u32()
		if !ok {
			return d
		}
		raw, ok := r.bytes(int(size))
		if !ok {
			return d
		}
		d.raw, d.haveRaw = raw, true
	}

	d.ok = !r.failed
	return d
}

// streamOrID returns the identifying stream id the spec uses to
// resolve an EventMetadata when no RAW portion is present: "from
// identifier or id".
func (d decodedSample) streamOrID() (uint64, bool) {
	if d.haveIdentifier {
		return d.identifier, true
	}
	if d.haveID {
		return d.id, true
	}
	return 0, false
}

type sampleReader struct {
	buf    []byte
	off    int
	failed bool
}

func (r *sampleReader) u32() (uint32, bool) {
	if r.failed || r.off+4 > len(r.buf) {
		r.failed = true
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, true
}

func (r *sampleReader) u64() (uint64, bool) {
	if r.failed || r.off+8 > len(r.buf) {
		r.failed = true
		return 0, false
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, true
}

func (r *sampleReader) bytes(n int) ([]byte, bool) {
	if r.failed || n < 0 || r.off+n > len(r.buf) {
		r.failed = true
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *sampleReader) skip(n int) bool {
	if r.failed || n < 0 || r.off+n > len(r.buf) {
		r.failed = true
		return false
	}
	r.off += n
	return true
}
