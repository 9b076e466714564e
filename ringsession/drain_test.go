package ringsession

import (
	"testing"
)

// newTestSession builds a Session with n synthetic per-CPU buffers, bypassing
// Enable/New (which need a real kernel), for exercising drain/iteration logic
// directly.
func newTestSession(n int, sampleType SampleType, mode Mode) *Session {
	s := &Session{
		mode:       mode,
		sampleType: sampleType,
		perCPU:     make([]*perCPUState, n),
		byStream:   make(map[uint64]uint32),
		byName:     make(map[string]uint32),
		enabled:    make(map[uint32]bool),
	}
	for i := range s.perCPU {
		s.perCPU[i] = &perCPUState{fdsByTracepoint: make(map[string]*Buffer)}
	}
	return s
}

// putIdentifierTimeSample writes one SAMPLE record carrying only the
// identifier and time fields (matching sampleType SampleIdentifier|SampleTime),
// as decodeSample expects them.
func putIdentifierTimeSample(ring []byte, off uint64, identifier, timestamp uint64) {
	body := make([]byte, 16)
	leU64(body[0:8], identifier)
	leU64(body[8:16], timestamp)
	putRecord(ring, off, recordSample, 0, body)
}

func leU64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * uint(i)))
	}
}

// TestIterOrderedAcrossCPUs is scenario 5 from spec §8: four CPUs each carry
// one record with a distinct timestamp; IterOrdered must yield them sorted.
func TestIterOrderedAcrossCPUs(t *testing.T) {
	const sampleType = SampleIdentifier | SampleTime
	s := newTestSession(4, sampleType, Realtime)
	s.byStream[1] = 100 // tracepoint id 100 resolves via identifier 1

	timestamps := []uint64{100, 90, 110, 80}
	for cpu, ts := range timestamps {
		b := fakeBuffer(4096, false)
		putIdentifierTimeSample(b.ring, 0, 1, ts)
		b.meta.Data_head = uint64(recordHeaderSize + 16)
		b.meta.Data_tail = 0
		s.perCPU[cpu].buffer = b
	}

	events, err := s.IterOrdered()
	if err != nil {
		t.Fatalf("IterOrdered: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}

	want := []uint64{80, 90, 100, 110}
	for i, e := range events {
		if e.Time != want[i] {
			t.Errorf("events[%d].Time = %d, want %d", i, e.Time, want[i])
		}
		if e.TracepointID != 100 {
			t.Errorf("events[%d].TracepointID = %d, want 100", i, e.TracepointID)
		}
	}
}

func TestIterOrderedRequiresSampleTime(t *testing.T) {
	s := newTestSession(1, SampleIdentifier, Realtime)
	if _, err := s.IterOrdered(); err == nil {
		t.Fatal("IterOrdered without SampleTime: want error, got nil")
	}
}

func TestIterOrderedMonotonicNonDecreasing(t *testing.T) {
	const sampleType = SampleIdentifier | SampleTime
	s := newTestSession(3, sampleType, Realtime)
	s.byStream[1] = 7

	timestamps := [][]uint64{{5, 50}, {10, 20}, {1}}
	for cpu, tss := range timestamps {
		b := fakeBuffer(4096, false)
		var off uint64
		for _, ts := range tss {
			putIdentifierTimeSample(b.ring, off, 1, ts)
			off += uint64(recordHeaderSize + 16)
		}
		b.meta.Data_head = off
		b.meta.Data_tail = 0
		s.perCPU[cpu].buffer = b
	}

	events, err := s.IterOrdered()
	if err != nil {
		t.Fatalf("IterOrdered: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Time < events[i-1].Time {
			t.Errorf("events not monotonically non-decreasing at %d: %d < %d", i, events[i].Time, events[i-1].Time)
		}
	}
}

// TestDrainDropsUnresolvableSample checks that a sample whose identifier has
// no corresponding entry in byStream is dropped and counted as corrupt,
// rather than aborting the whole drain.
func TestDrainDropsUnresolvableSample(t *testing.T) {
	s := newTestSession(1, SampleIdentifier, Realtime)
	b := fakeBuffer(4096, false)
	body := make([]byte, 8)
	leU64(body, 999) // unknown identifier
	putRecord(b.ring, 0, recordSample, 0, body)
	b.meta.Data_head = uint64(recordHeaderSize + 8)
	b.meta.Data_tail = 0
	s.perCPU[0].buffer = b

	events, err := s.IterUnordered(0)
	if err != nil {
		t.Fatalf("IterUnordered: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events for an unresolvable sample, want 0", len(events))
	}
	if b.Corrupt != 1 {
		t.Errorf("Corrupt = %d, want 1", b.Corrupt)
	}
}

func TestIterUnorderedRangeCheck(t *testing.T) {
	s := newTestSession(2, SampleIdentifier, Realtime)
	if _, err := s.IterUnordered(2); err == nil {
		t.Fatal("IterUnordered(2) on a 2-CPU session: want error, got nil")
	}
	if _, err := s.IterUnordered(-1); err == nil {
		t.Fatal("IterUnordered(-1): want error, got nil")
	}
}
