package tracefmt

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

// Parse parses a complete tracefs "format" file body into an
// EventMetadata. system names the tracefs subsystem the file came
// from (not encoded in the file itself); longSizeBits is 32 or 64,
// the width the emitting kernel uses for C "long" in this file.
//
// The grammar is permissive on purpose: lines are matched by leading
// keyword regardless of surrounding whitespace, and unrecognized lines
// inside a format: block are skipped rather than rejected, since real
// kernels have shipped filler/comment-like lines here over the years.
func Parse(system string, format []byte, longSizeBits int) (*EventMetadata, error) {
	if longSizeBits != 32 && longSizeBits != 64 {
		return nil, tracerr.New(tracerr.Invalid, "long_size_bits must be 32 or 64, got %d", longSizeBits)
	}

	m := &EventMetadata{System: system, LongSizeBits: longSizeBits}

	sc := bufio.NewScanner(bytes.NewReader(format))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	inFormatBlock := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "name:"):
			m.Name = strings.TrimSpace(strings.TrimPrefix(line, "name:"))
			inFormatBlock = false

		case strings.HasPrefix(line, "ID:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "ID:"))
			id, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return nil, tracerr.Wrap(tracerr.Invalid, err, "parsing ID line %q", line)
			}
			m.ID = uint32(id)
			inFormatBlock = false

		case strings.HasPrefix(line, "format:"):
			inFormatBlock = true

		case strings.HasPrefix(line, "print fmt:"):
			m.PrintFmt = strings.TrimSpace(strings.TrimPrefix(line, "print fmt:"))
			inFormatBlock = false

		case inFormatBlock && strings.HasPrefix(line, "field:"):
			f, err := parseFieldLine(line, longSizeBits)
			if err != nil {
				return nil, tracerr.Wrap(tracerr.Invalid, err, "parsing field line %q", line)
			}
			m.Fields = append(m.Fields, f)

		default:
			// Filler: blank separators between common and
			// event-specific fields, or a line this grammar doesn't
			// recognize. Tolerated per spec.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, tracerr.Wrap(tracerr.Io, err, "reading format body")
	}

	if m.Name == "" {
		return nil, tracerr.New(tracerr.Invalid, "format file has no name: line")
	}
	if len(m.Fields) == 0 {
		return nil, tracerr.New(tracerr.Invalid, "format file %s has no fields", m.Name)
	}
	if m.CommonTypeField() == nil {
		return nil, tracerr.New(tracerr.Invalid, "format file %s has no common_type field", m.Name)
	}

	count := 0
	for _, f := range m.Fields {
		if !f.IsCommon() {
			break
		}
		count++
	}
	m.CommonFieldCount = count

	return m, nil
}

// parseFieldLine parses one semicolon-separated "field:...;
// offset:...; size:...; signed:...;" line into a FieldMetadata.
func parseFieldLine(line string, longSizeBits int) (FieldMetadata, error) {
	var f FieldMetadata

	attrs, err := splitFieldAttrs(line)
	if err != nil {
		return f, err
	}

	decl, ok := attrs["field"]
	if !ok {
		return f, tracerr.New(tracerr.Invalid, "missing field: clause")
	}
	f.Decl = decl

	offsetStr, ok := attrs["offset"]
	if !ok {
		return f, tracerr.New(tracerr.Invalid, "missing offset: clause")
	}
	offset, err := strconv.Atoi(offsetStr)
	if err != nil {
		return f, tracerr.Wrap(tracerr.Invalid, err, "parsing offset")
	}
	f.Offset = offset

	sizeStr, ok := attrs["size"]
	if !ok {
		return f, tracerr.New(tracerr.Invalid, "missing size: clause")
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		return f, tracerr.Wrap(tracerr.Invalid, err, "parsing size")
	}
	f.Size = size

	if signedStr, ok := attrs["signed"]; ok {
		sv, err := strconv.Atoi(strings.TrimSuffix(signedStr, ";"))
		if err != nil {
			return f, tracerr.Wrap(tracerr.Invalid, err, "parsing signed")
		}
		f.Signed = sv != 0
	}

	d, err := parseDecl(decl)
	if err != nil {
		return f, tracerr.Wrap(tracerr.Invalid, err, "parsing field declaration %q", decl)
	}
	f.Name = d.fieldName

	classifyArray(&f, d, longSizeBits)

	return f, nil
}

// classifyArray resolves a field's ArrayKind, Kind, and ElementSize
// from its declaration shape and the kernel-reported total Size, per
// the comparison rule: declared size equal to element size is a plain
// scalar; "[N]" with declared size equal to N times element size is a
// fixed array; "[]" or a __data_loc/__rel_loc declaration is a
// variable-length dynamic array whose wire value is a 32-bit
// offset/length descriptor.
func classifyArray(f *FieldMetadata, d declInfo, longSizeBits int) {
	elemSize, kind, known := elementTypeSize(d, longSizeBits)

	if d.isDataLoc() {
		f.Array = ArrayDynamic
		f.Kind = dataLocElementKind(d)
		f.ElementSize = dataLocElementSize(d, longSizeBits)
		return
	}

	if !d.hasArray {
		f.Array = ArrayNone
		f.ElementSize = f.Size
		f.Kind = kind
		if !known {
			f.Kind = KindStruct
		}
		return
	}

	// "[]" with no declared length: treat as dynamic, since the only
	// other way the kernel emits a bare "[]" field is __data_loc without
	// the marker tokens (older kernels). A declared length that doesn't
	// match the declared size is handled by the fallback below.
	if !d.arrayLenKnown {
		f.Array = ArrayDynamic
		if known {
			f.ElementSize = elemSize
		} else {
			f.ElementSize = 1
		}
		if known && elemSize == 1 {
			f.Kind = KindString
		} else {
			f.Kind = kind
		}
		return
	}

	if known && elemSize > 0 && f.Size == d.arrayLen*elemSize {
		f.Array = ArrayFixed
		f.ElementSize = elemSize
		if elemSize == 1 && kind == KindInteger {
			// char[N] is conventionally a fixed-size string (e.g.
			// comm[16]), not an array of small integers.
			f.Kind = KindString
		} else {
			f.Kind = kind
		}
		return
	}

	// Declared length disagrees with the kernel size, or the base type
	// wasn't recognized: fall back to treating the whole thing as an
	// opaque fixed-size blob, still a fixed array of bytes.
	f.Array = ArrayFixed
	f.ElementSize = 1
	f.Kind = KindStruct
	if d.arrayLen > 0 && f.Size == d.arrayLen {
		f.Kind = KindString
	}
}

func dataLocElementKind(d declInfo) ScalarKind {
	if len(d.baseType) >= 2 && d.baseType[1] == "char" {
		return KindString
	}
	return KindInteger
}

func dataLocElementSize(d declInfo, longSizeBits int) int {
	if len(d.baseType) < 2 {
		return 1
	}
	inner := declInfo{baseType: d.baseType[1:]}
	size, _, ok := elementTypeSize(inner, longSizeBits)
	if !ok || size == 0 {
		return 1
	}
	return size
}

// splitFieldAttrs splits a "field:T x; offset:N; size:N; signed:0;"
// line into a map keyed by clause name. It's deliberately tolerant of
// extra whitespace and a missing trailing semicolon on the last
// clause, both of which appear across real kernel versions.
func splitFieldAttrs(line string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range splitClauses(line) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.Index(part, ":")
		if i < 0 {
			return nil, tracerr.New(tracerr.Invalid, "malformed clause %q", part)
		}
		key := strings.TrimSpace(part[:i])
		val := strings.TrimSpace(part[i+1:])
		attrs[key] = val
	}
	return attrs, nil
}

// splitClauses splits on top-level ';' only, so a "field:" clause's
// own array-length semicolons (there are none in practice, but
// "char x[16]" style decls never contain ';') never confuse the
// split. Kept simple: tracepoint field decls never contain ';'.
func splitClauses(line string) []string {
	return strings.Split(line, ";")
}
