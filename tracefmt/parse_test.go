package tracefmt

import (
	"testing"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

const sampleFormat = `name: sched_switch
ID: 314
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:char prev_comm[16];	offset:8;	size:16;	signed:0;
	field:pid_t prev_pid;	offset:24;	size:4;	signed:1;
	field:long prev_state;	offset:32;	size:8;	signed:1;
	field:char next_comm[16];	offset:40;	size:16;	signed:0;
	field:pid_t next_pid;	offset:56;	size:4;	signed:1;
	field:__data_loc char[] msg;	offset:60;	size:4;	signed:0;

print fmt: "prev_comm=%s prev_pid=%d ==> next_comm=%s next_pid=%d", REC->prev_comm, REC->prev_pid, REC->next_comm, REC->next_pid
`

func TestParseSampleFormat(t *testing.T) {
	m, err := Parse("sched", []byte(sampleFormat), 64)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Name != "sched_switch" {
		t.Errorf("Name = %q, want sched_switch", m.Name)
	}
	if m.ID != 314 {
		t.Errorf("ID = %d, want 314", m.ID)
	}
	if m.CommonFieldCount != 4 {
		t.Errorf("CommonFieldCount = %d, want 4", m.CommonFieldCount)
	}
	if got := len(m.Fields); got != 10 {
		t.Fatalf("len(Fields) = %d, want 10", got)
	}

	ct := m.CommonTypeField()
	if ct == nil {
		t.Fatal("CommonTypeField() = nil")
	}
	if ct.Offset != 0 || ct.Size != 2 {
		t.Errorf("common_type offset/size = %d/%d, want 0/2", ct.Offset, ct.Size)
	}

	prevComm := m.Field("prev_comm")
	if prevComm == nil {
		t.Fatal("Field(prev_comm) = nil")
	}
	if prevComm.Array != ArrayFixed || prevComm.Kind != KindString || prevComm.ElementSize != 1 {
		t.Errorf("prev_comm = %+v, want fixed string array of 1-byte elements", prevComm)
	}

	prevState := m.Field("prev_state")
	if prevState == nil {
		t.Fatal("Field(prev_state) = nil")
	}
	if prevState.Array != ArrayNone || prevState.ElementSize != 8 || prevState.Kind != KindInteger {
		t.Errorf("prev_state = %+v, want scalar 8-byte integer (64-bit long)", prevState)
	}

	msg := m.Field("msg")
	if msg == nil {
		t.Fatal("Field(msg) = nil")
	}
	if msg.Array != ArrayDynamic || msg.Kind != KindString {
		t.Errorf("msg = %+v, want dynamic string array", msg)
	}
}

func TestParseLongArrayElementSize(t *testing.T) {
	decl := `name: longs
ID: 7
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;
	field:long vals[4];	offset:8;	size:32;	signed:1;
print fmt: "vals"
`
	// A 64-bit long emitter: 4 * 8 == 32 matches the declared size, so
	// this classifies as a fixed array of 8-byte elements.
	m64, err := Parse("sched", []byte(decl), 64)
	if err != nil {
		t.Fatalf("Parse(64): %v", err)
	}
	vals64 := m64.Field("vals")
	if vals64.Array != ArrayFixed || vals64.ElementSize != 8 {
		t.Errorf("vals (64-bit long) = %+v, want fixed array of 8-byte elements", vals64)
	}

	// A 32-bit long emitter: 4 * 4 == 16 != 32, so the same bytes fall
	// back to an opaque blob instead of misclassifying the element size.
	m32, err := Parse("sched", []byte(decl), 32)
	if err != nil {
		t.Fatalf("Parse(32): %v", err)
	}
	vals32 := m32.Field("vals")
	if vals32.Kind != KindStruct {
		t.Errorf("vals (32-bit long) = %+v, want struct fallback on size mismatch", vals32)
	}
}

func TestParseMissingCommonType(t *testing.T) {
	bad := `name: bogus
ID: 1
format:
	field:int x;	offset:0;	size:4;	signed:1;
print fmt: "x=%d", REC->x
`
	_, err := Parse("sched", []byte(bad), 64)
	if err == nil {
		t.Fatal("Parse succeeded, want error for missing common_type")
	}
	if kind, ok := tracerr.Of(err); !ok || kind != tracerr.Invalid {
		t.Errorf("tracerr.Of(err) = %v,%v, want Invalid,true", kind, ok)
	}
}

func TestParseBadLongSizeBits(t *testing.T) {
	_, err := Parse("sched", []byte(sampleFormat), 48)
	if err == nil {
		t.Fatal("Parse succeeded, want error for invalid long_size_bits")
	}
}

func TestClassifyArrayMismatch(t *testing.T) {
	// A field of an unrecognized struct type whose declared size (7)
	// isn't a multiple of its length (3) falls back to an opaque blob
	// rather than panicking.
	bad := `name: weird
ID: 2
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;
	field:struct foo blob[3];	offset:8;	size:7;	signed:0;
print fmt: "blob"
`
	m, err := Parse("sched", []byte(bad), 64)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	blob := m.Field("blob")
	if blob == nil {
		t.Fatal("Field(blob) = nil")
	}
	if blob.Array != ArrayFixed || blob.Kind != KindStruct {
		t.Errorf("blob = %+v, want fixed struct fallback", blob)
	}
}
