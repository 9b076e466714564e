package metacache

import (
	"testing"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
	"github.com/tracefs-go/tracepoint/tracefmt"
)

func metaWithCommonType(id uint32, system, name string, offset, size int) *tracefmt.EventMetadata {
	return &tracefmt.EventMetadata{
		ID:               id,
		System:           system,
		Name:             name,
		CommonFieldCount: 1,
		Fields: []tracefmt.FieldMetadata{
			{Name: "common_type", Offset: offset, Size: size, ElementSize: size, Kind: tracefmt.KindInteger},
		},
		LongSizeBits: 64,
	}
}

func TestInsertIndexesByIDAndName(t *testing.T) {
	c := New()
	m := metaWithCommonType(1, "sched", "sched_switch", 0, 2)
	if _, err := c.insert(m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if got := c.FindByID(1); got != m {
		t.Errorf("FindByID(1) = %v, want %v", got, m)
	}
	if got := c.FindByName("sched", "sched_switch"); got != m {
		t.Errorf("FindByName = %v, want %v", got, m)
	}
}

func TestInsertRejectsNoCommonType(t *testing.T) {
	c := New()
	m := &tracefmt.EventMetadata{ID: 1, System: "sched", Name: "sched_switch"}
	if _, err := c.insert(m); err == nil {
		t.Fatal("insert with no common_type field: want error, got nil")
	} else if kind, ok := tracerr.Of(err); !ok || kind != tracerr.Invalid {
		t.Errorf("insert with no common_type field: kind = %v, want Invalid", kind)
	}
}

func TestInsertDuplicateIDIsAlreadyExists(t *testing.T) {
	c := New()
	if _, err := c.insert(metaWithCommonType(1, "sched", "sched_switch", 0, 2)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := c.insert(metaWithCommonType(1, "sched", "sched_wakeup", 0, 2))
	if err == nil {
		t.Fatal("duplicate id: want error, got nil")
	}
	if kind, ok := tracerr.Of(err); !ok || kind != tracerr.AlreadyExists {
		t.Errorf("duplicate id: kind = %v, want AlreadyExists", kind)
	}
}

func TestInsertDuplicateNameIsAlreadyExists(t *testing.T) {
	c := New()
	if _, err := c.insert(metaWithCommonType(1, "sched", "sched_switch", 0, 2)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := c.insert(metaWithCommonType(2, "sched", "sched_switch", 0, 2))
	if err == nil {
		t.Fatal("duplicate name: want error, got nil")
	}
	if kind, ok := tracerr.Of(err); !ok || kind != tracerr.AlreadyExists {
		t.Errorf("duplicate name: kind = %v, want AlreadyExists", kind)
	}
}

// TestSchemaConflict is scenario 3 from spec §8: a second entry whose
// common_type geometry disagrees with the cache's fixed geometry is
// rejected, regardless of id/name novelty.
func TestSchemaConflict(t *testing.T) {
	c := New()
	if _, err := c.insert(metaWithCommonType(1, "sched", "sched_switch", 0, 2)); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	_, err := c.insert(metaWithCommonType(2, "sched", "sched_wakeup", 4, 2))
	if err == nil {
		t.Fatal("conflicting common_type geometry: want error, got nil")
	}
	kind, ok := tracerr.Of(err)
	if !ok || kind != tracerr.SchemaConflict {
		t.Errorf("conflicting common_type geometry: kind = %v, want SchemaConflict", kind)
	}

	// The cache must still be usable for the entry it already has, and
	// must not have half-applied the rejected entry.
	if got := c.FindByID(1); got == nil {
		t.Error("existing entry was lost after a rejected insert")
	}
	if got := c.FindByID(2); got != nil {
		t.Error("rejected entry was inserted anyway")
	}
}

// TestInsertRejectsBadCommonTypeGeometry covers spec.md's common_type
// invariant: the field must sit within the first 128 bytes of a
// record and be 1, 2, or 4 bytes wide. A format that violates either
// constraint must never become the cache's baseline geometry.
func TestInsertRejectsBadCommonTypeGeometry(t *testing.T) {
	cases := []struct {
		name   string
		offset int
		size   int
	}{
		{"offset out of range", 200, 2},
		{"size not 1/2/4", 0, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New()
			_, err := c.insert(metaWithCommonType(1, "sched", "sched_switch", tc.offset, tc.size))
			if err == nil {
				t.Fatal("want error, got nil")
			}
			if kind, ok := tracerr.Of(err); !ok || kind != tracerr.Invalid {
				t.Errorf("kind = %v, want Invalid", kind)
			}
			if c.haveCommonGeom {
				t.Error("cache adopted geometry from a rejected insert")
			}
		})
	}
}

func TestFindByRawData(t *testing.T) {
	c := New()
	m := metaWithCommonType(7, "sched", "sched_switch", 0, 2)
	if _, err := c.insert(m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	raw := []byte{7, 0, 0xAA, 0xBB}
	if got := c.FindByRawData(raw); got != m {
		t.Errorf("FindByRawData = %v, want %v", got, m)
	}

	// Too short to hold the common_type field at all.
	if got := c.FindByRawData([]byte{1}); got != nil {
		t.Errorf("FindByRawData on short input = %v, want nil", got)
	}

	// A well-formed but unknown id resolves to nil, not a crash.
	if got := c.FindByRawData([]byte{9, 0}); got != nil {
		t.Errorf("FindByRawData for unknown id = %v, want nil", got)
	}
}

func TestFindByRawDataEmptyCache(t *testing.T) {
	c := New()
	if got := c.FindByRawData([]byte{1, 0, 2, 3}); got != nil {
		t.Errorf("FindByRawData on empty cache = %v, want nil", got)
	}
}
