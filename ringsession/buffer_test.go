package ringsession

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

func TestRoundBufferSize(t *testing.T) {
	pageSize := uint64(pageSizeForTest())
	cases := []struct {
		in, want uint64
	}{
		{0, pageSize},
		{1, pageSize},
		{pageSize, pageSize},
		{pageSize + 1, pageSize * 2},
		{pageSize * 3, pageSize * 4},
	}
	for _, c := range cases {
		if got := uint64(roundBufferSize(int(c.in))); got != c.want {
			t.Errorf("roundBufferSize(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func pageSizeForTest() int { return roundBufferSize(1) }

// fakeBuffer builds a Buffer over an in-memory ring of the given power-of-two
// size, with data_head/data_tail in meta set up as the realtime or circular
// drain algorithm expects, without any real mmap or kernel fd.
func fakeBuffer(size int, backward bool) *Buffer {
	return &Buffer{
		fd:         -1,
		ring:       make([]byte, size),
		bufferSize: uint64(size),
		backward:   backward,
		meta:       &unix.PerfEventMmapPage{},
	}
}

// putRecord writes a record header + body at ring offset off (mod len(ring))
// wrapping as needed, mirroring how the kernel lays records into the ring.
func putRecord(ring []byte, off uint64, typ uint32, misc uint16, body []byte) {
	mask := uint64(len(ring)) - 1
	hdr := make([]byte, recordHeaderSize+len(body))
	binary.LittleEndian.PutUint32(hdr[0:4], typ)
	binary.LittleEndian.PutUint16(hdr[4:6], misc)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(recordHeaderSize+len(body)))
	copy(hdr[recordHeaderSize:], body)

	start := int(off & mask)
	n := copy(ring[start:], hdr)
	if n < len(hdr) {
		copy(ring[:len(hdr)-n], hdr[n:])
	}
}

func TestBufferDrainRealtimeBasic(t *testing.T) {
	b := fakeBuffer(4096, false)
	body1 := []byte("hello-event-one-")
	body2 := []byte("hello-event-two-")
	putRecord(b.ring, 0, recordSample, 0, body1)
	putRecord(b.ring, uint64(recordHeaderSize+len(body1)), recordSample, 0, body2)

	head := uint64(2 * (recordHeaderSize + len(body1)))
	b.meta.Data_head = head
	b.meta.Data_tail = 0

	var got [][]byte
	b.drain(func(r RawRecord) {
		got = append(got, append([]byte(nil), r.Body...))
	}, nil)

	if len(got) != 2 {
		t.Fatalf("drained %d records, want 2", len(got))
	}
	if string(got[0]) != string(body1) {
		t.Errorf("record 0 = %q, want %q", got[0], body1)
	}
	if string(got[1]) != string(body2) {
		t.Errorf("record 1 = %q, want %q", got[1], body2)
	}

	// Invariant from spec §8: after a successful realtime drain,
	// data_tail must equal the data_head observed at the drain's start.
	if b.meta.Data_tail != head {
		t.Errorf("Data_tail = %d, want %d (== data_head)", b.meta.Data_tail, head)
	}
}

// TestBufferDrainWrapStraddlingRecord is scenario 4 from spec §8: a record
// whose body spans the ring's wrap boundary must be reassembled into a
// contiguous slice equal to the concatenation of its two ring segments.
func TestBufferDrainWrapStraddlingRecord(t *testing.T) {
	const ringSize = 64
	b := fakeBuffer(ringSize, false)

	// Build a 40-byte record (8-byte header + 32-byte body) positioned so
	// its body straddles the wrap point at ringSize.
	body := make([]byte, 32)
	for i := range body {
		body[i] = byte(i + 1)
	}
	const recOff = ringSize - 16 // header occupies [48,56), body [56,88) wraps at 64
	putRecord(b.ring, recOff, recordSample, 0, body)

	b.meta.Data_head = recOff + recordHeaderSize + uint64(len(body))
	b.meta.Data_tail = recOff

	var got []byte
	b.drain(func(r RawRecord) {
		got = append([]byte(nil), r.Body...)
	}, nil)

	if string(got) != string(body) {
		t.Errorf("wrap-straddling payload = %v, want %v", got, body)
	}
}

// TestBufferDrainCorruptRecordSize checks the record_size%8==0 invariant
// from spec §8: a misaligned size marks the buffer corrupt exactly once and
// stops the drain instead of reading past the bad record.
func TestBufferDrainCorruptRecordSize(t *testing.T) {
	b := fakeBuffer(4096, false)
	binary.LittleEndian.PutUint32(b.ring[0:4], recordSample)
	binary.LittleEndian.PutUint16(b.ring[4:6], 0)
	binary.LittleEndian.PutUint16(b.ring[6:8], 9) // not a multiple of 8

	b.meta.Data_head = 32
	b.meta.Data_tail = 0

	var n int
	b.drain(func(RawRecord) { n++ }, nil)

	if n != 0 {
		t.Errorf("drained %d records from a corrupt header, want 0", n)
	}
	if b.Corrupt != 1 {
		t.Errorf("Corrupt = %d, want 1", b.Corrupt)
	}
}

func TestBufferDrainCircularDoesNotMutateDataTail(t *testing.T) {
	b := fakeBuffer(4096, true)
	body := []byte("circular-body-bytes")
	putRecord(b.ring, 0, recordSample, 0, body)

	b.meta.Data_head = uint64(recordHeaderSize + len(body))
	b.meta.Data_tail = 0xdeadbeef // sentinel: must survive untouched

	// Circular drain pauses output via ioctl, which fails against our
	// fake fd (-1) and aborts the drain with Corrupt++; what this test
	// asserts is the invariant that matters regardless: Data_tail is
	// never written by a backward-mode drain.
	b.drain(func(RawRecord) {}, nil)

	if b.meta.Data_tail != 0xdeadbeef {
		t.Errorf("circular drain mutated Data_tail to %d", b.meta.Data_tail)
	}
}

func TestBufferDrainFinishedRound(t *testing.T) {
	b := fakeBuffer(4096, false)
	putRecord(b.ring, 0, recordFinishedRound, 0, nil)
	b.meta.Data_head = recordHeaderSize
	b.meta.Data_tail = 0

	var rounds int
	b.drain(func(RawRecord) {}, func() { rounds++ })
	if rounds != 1 {
		t.Errorf("FINISHED_ROUND callbacks = %d, want 1", rounds)
	}
}

func TestBufferDrainLostRecord(t *testing.T) {
	b := fakeBuffer(4096, false)
	lostBody := make([]byte, 16)
	binary.LittleEndian.PutUint64(lostBody[0:8], 123) // id
	binary.LittleEndian.PutUint64(lostBody[8:16], 5)  // lost count
	putRecord(b.ring, 0, recordLost, 0, lostBody)
	b.meta.Data_head = uint64(recordHeaderSize + len(lostBody))
	b.meta.Data_tail = 0

	b.drain(func(RawRecord) {}, nil)
	if b.Lost != 5 {
		t.Errorf("Lost = %d, want 5", b.Lost)
	}
}
