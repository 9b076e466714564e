// Package tracefmt parses kernel tracefs "format" files into typed
// field descriptions.
//
// A format file describes the wire layout of one tracepoint's raw
// record: the common fields every tracepoint shares (including
// common_type, the id used to dispatch a raw record back to its
// schema) followed by the event-specific fields. See
// Documentation/trace/events.rst in the kernel tree for the on-disk
// grammar this package parses.
package tracefmt

import "fmt"

// TracepointName identifies a tracepoint by its tracefs
// "<system>/<event>" path components.
type TracepointName struct {
	System string
	Event  string
}

func (n TracepointName) String() string {
	return fmt.Sprintf("%s:%s", n.System, n.Event)
}

// DefaultSystem is the system name assumed when user input omits one,
// per spec: user_events is the only system that can define new
// tracepoints at runtime.
const DefaultSystem = "user_events"

// ArrayKind classifies how a field's declared array shape relates to
// its on-the-wire size.
type ArrayKind int

const (
	// ArrayNone means the field is a plain scalar.
	ArrayNone ArrayKind = iota
	// ArrayFixed means the field is a fixed-length array ([N] with
	// declared size == N * element size).
	ArrayFixed
	// ArrayDynamic means the field's on-the-wire value is a 32-bit
	// descriptor encoding an offset and length into the record
	// ("__data_loc"/"__rel_loc" fields, or a bare "[]" declaration).
	ArrayDynamic
)

func (k ArrayKind) String() string {
	switch k {
	case ArrayFixed:
		return "fixed"
	case ArrayDynamic:
		return "dynamic"
	default:
		return "none"
	}
}

// ScalarKind is the canonical interpretation of a field's base type,
// independent of its array shape.
type ScalarKind int

const (
	KindInteger ScalarKind = iota
	KindFloat
	KindPointer
	KindString
	KindStruct
)

func (k ScalarKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindPointer:
		return "pointer"
	case KindString:
		return "string"
	case KindStruct:
		return "struct"
	default:
		return "integer"
	}
}

// FieldMetadata describes one field of a tracepoint record. It is
// immutable once parsed.
type FieldMetadata struct {
	Name string

	// Offset and Size are the byte offset and total byte size of this
	// field within the raw record, as reported by the kernel's
	// "offset:"/"size:" attributes.
	Offset int
	Size   int

	// ElementSize is the size of one array element (equal to Size for
	// ArrayNone fields).
	ElementSize int

	Signed bool
	Array  ArrayKind
	Kind   ScalarKind

	// Decl is the original C-like declaration text, kept for
	// diagnostics and for tools that want to re-derive the type.
	Decl string
}

// IsCommon reports whether this is one of the fields that precede the
// event-specific fields in every tracepoint (by kernel convention,
// common fields are named with a "common_" prefix).
func (f FieldMetadata) IsCommon() bool {
	return len(f.Name) >= len("common_") && f.Name[:len("common_")] == "common_"
}

// EventMetadata is the parsed metadata for one tracepoint, as found in
// a tracefs "format" file.
type EventMetadata struct {
	ID     uint32
	System string
	Name   string

	CommonFieldCount int
	Fields           []FieldMetadata

	PrintFmt string

	// LongSizeBits is 32 or 64: the width the emitting kernel uses for
	// the C "long" type in this format file.
	LongSizeBits int
}

// FieldCount returns the total number of fields, common and
// event-specific.
func (m *EventMetadata) FieldCount() int { return len(m.Fields) }

// Field looks up a field by name, or returns nil if absent.
func (m *EventMetadata) Field(name string) *FieldMetadata {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i]
		}
	}
	return nil
}

// CommonTypeField returns the field used to dispatch a raw record to
// its schema, or nil if this format file has no such field (which
// tracefmt.Parse treats as a parse failure, since every tracepoint's
// common block always starts with it).
func (m *EventMetadata) CommonTypeField() *FieldMetadata {
	return m.Field("common_type")
}
