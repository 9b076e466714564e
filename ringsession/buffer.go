package ringsession

import (
	"encoding/binary"
	"math"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

var nativeEndian = binary.LittleEndian

// recordHeader mirrors struct perf_event_header.
type recordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const recordHeaderSize = 8

// Record types this package dispatches on during drain; the rest are
// skipped, per spec.
const (
	recordSample       = 9
	recordLost         = 2
	recordFinishedRound = 68
)

// Buffer owns one CPU's mmap'd perf_event ring and the scratch space
// needed to present wrap-straddling records as a contiguous slice.
type Buffer struct {
	fd         int
	cpu        int
	mmap       []byte
	meta       *unix.PerfEventMmapPage
	ring       []byte
	bufferSize uint64 // power of two

	backward bool

	// scratch is grown on demand and never shrunk, reused across
	// Drain calls, per spec §5's "grown monotonically and reused".
	scratch []byte

	// Monotonically increasing counters, surfaced to the session.
	Lost    uint64
	Corrupt uint64
}

// roundBufferSize rounds n up to the smallest power of two that is at
// least one page.
func roundBufferSize(n int) int {
	pageSize := os.Getpagesize()
	if n < pageSize {
		n = pageSize
	}
	nPages := (n + pageSize - 1) / pageSize
	nPages = int(math.Pow(2, math.Ceil(math.Log2(float64(nPages)))))
	return nPages * pageSize
}

// openBuffer opens a perf_event for tracepointID on cpu and mmaps its
// ring. If leaderFD is non-negative, the new fd is redirected into
// the leader's existing mmap via SET_OUTPUT instead of being mmap'd
// itself (spec §4.4 step 5).
func openBuffer(cpu int, tracepointID uint32, sampleType SampleType, backward bool, bufferSize int, leaderFD int) (*Buffer, error) {
	attr, err := newAttr(tracepointID, sampleType, backward)
	if err != nil {
		return nil, err
	}

	fd, err := perfEventOpen(attr, -1, cpu, -1, 0)
	if err != nil {
		return nil, err
	}

	if leaderFD >= 0 {
		if err := ioctlSetOutput(fd, leaderFD); err != nil {
			unix.Close(fd)
			return nil, err
		}
		return &Buffer{fd: fd, cpu: cpu, backward: backward}, nil
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, tracerr.Wrap(tracerr.Io, err, "setting perf_event fd nonblocking")
	}

	// One metadata page precedes the power-of-two data area.
	mmapSize := os.Getpagesize() + roundBufferSize(bufferSize)
	prot := unix.PROT_READ
	if !backward {
		prot |= unix.PROT_WRITE
	}
	mmap, err := unix.Mmap(fd, 0, mmapSize, prot, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, tracerr.Wrap(tracerr.Io, err, "mmap perf_event ring for cpu %d", cpu)
	}

	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mmap[0]))
	b := &Buffer{
		fd:         fd,
		cpu:        cpu,
		mmap:       mmap,
		meta:       meta,
		ring:       mmap[meta.Data_offset : meta.Data_offset+meta.Data_size],
		bufferSize: meta.Data_size,
		backward:   backward,
	}
	runtime.SetFinalizer(b, (*Buffer).Close)
	return b, nil
}

// Close unmaps and closes the buffer's fd. Safe to call more than
// once.
func (b *Buffer) Close() {
	runtime.SetFinalizer(b, nil)
	if b.mmap != nil {
		unix.Munmap(b.mmap)
		b.mmap = nil
	}
	if b.fd >= 0 {
		unix.Close(b.fd)
		b.fd = -1
	}
}

func (b *Buffer) enable() error  { return ioctlEnable(b.fd) }
func (b *Buffer) disable() error { return ioctlDisable(b.fd) }

func (b *Buffer) streamID() (uint64, error) { return ioctlStreamID(b.fd) }

// RawRecord is one decoded ring-buffer entry handed to the session's
// sample/lost dispatch.
type RawRecord struct {
	Type uint32
	Misc uint16
	Time uint64 // only valid if the sample_type included SampleTime
	Body []byte
}

// drain runs the algorithm from spec §4.4 over this buffer's
// currently-available records, calling onRecord for each SAMPLE
// record (already bounds-checked to its declared size) and updating
// Lost/Corrupt as it goes. onFinishedRound is called once per
// FINISHED_ROUND record seen.
func (b *Buffer) drain(onRecord func(RawRecord), onFinishedRound func()) {
	if b.backward {
		if err := ioctlPauseOutput(b.fd, true); err != nil {
			b.Corrupt++
			return
		}
		defer ioctlPauseOutput(b.fd, false)
	}

	size := b.bufferSize
	mask := size - 1

	var dataTail, dataPos uint64
	if b.backward {
		head := atomic.LoadUint64(&b.meta.Data_head)
		dataTail = head - size
		dataPos = dataTail
	} else {
		dataTail = atomic.LoadUint64(&b.meta.Data_tail)
		dataPos = dataTail
	}

	dataHead := atomic.LoadUint64(&b.meta.Data_head)
	if dataHead < dataPos {
		b.Corrupt++
		return
	}

	for dataPos < dataHead {
		remaining := dataHead - dataPos
		if remaining < recordHeaderSize {
			b.Corrupt++
			break
		}

		off := dataPos & mask
		hdr := readRecordHeader(b.ring, off, mask)

		if hdr.Size == 0 || uint64(hdr.Size) > remaining || hdr.Size&7 != 0 {
			b.Corrupt++
			break
		}

		body := b.contiguous(off, hdr.Size, mask)

		switch hdr.Type {
		case recordSample:
			onRecord(RawRecord{Type: hdr.Type, Misc: hdr.Misc, Body: body[recordHeaderSize:]})
		case recordLost:
			if len(body) >= recordHeaderSize+16 {
				lost := nativeEndian.Uint64(body[recordHeaderSize+8:])
				b.Lost += lost
			}
		case recordFinishedRound:
			if onFinishedRound != nil {
				onFinishedRound()
			}
		default:
			// Skipped per spec.
		}

		dataPos += uint64(hdr.Size)
	}

	if b.backward {
		return
	}
	atomic.StoreUint64(&b.meta.Data_tail, dataPos)
}

// readRecordHeader reads the 8-byte record header at ring offset off
// (mod mask+1), handling the case where the header itself straddles
// the wrap point.
func readRecordHeader(ring []byte, off, mask uint64) recordHeader {
	var buf [recordHeaderSize]byte
	copyRing(ring, buf[:], off, mask)
	return recordHeader{
		Type: nativeEndian.Uint32(buf[0:4]),
		Misc: nativeEndian.Uint16(buf[4:6]),
		Size: nativeEndian.Uint16(buf[6:8]),
	}
}

// contiguous returns the size bytes starting at ring offset off as a
// contiguous slice, copying into the buffer's reusable scratch space
// when the record wraps the ring.
func (b *Buffer) contiguous(off uint64, size uint16, mask uint64) []byte {
	start := int(off)
	n := int(size)
	if start+n <= len(b.ring) {
		return b.ring[start : start+n]
	}
	if cap(b.scratch) < n {
		newCap := cap(b.scratch)
		if newCap == 0 {
			newCap = 4096
		}
		for newCap < n {
			newCap *= 2
		}
		b.scratch = make([]byte, newCap)
	}
	b.scratch = b.scratch[:n]
	copyRing(b.ring, b.scratch, off, mask)
	return b.scratch
}

// copyRing copies len(dst) bytes from ring starting at the ring
// position off (mod mask+1) into dst, wrapping as needed.
func copyRing(ring, dst []byte, off, mask uint64) {
	start := int(off & mask)
	n := copy(dst, ring[start:])
	if n < len(dst) {
		copy(dst[n:], ring[:len(dst)-n])
	}
}
