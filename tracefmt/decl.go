package tracefmt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tracefs-go/tracepoint/internal/cparse"
)

// declInfo is the result of tokenizing one "field:<decl>" value: the
// field name, its base type spelling, and its array shape as written
// in the declaration (which the caller reconciles against the
// kernel-reported "size:" attribute — see classifyArray).
type declInfo struct {
	fieldName string
	baseType  []string // e.g. ["unsigned","long"], ["__data_loc","char"]
	pointer   bool
	hasArray  bool
	arrayLen  int  // valid only if arrayLenKnown
	arrayLenKnown bool
}

// parseDecl tokenizes a restricted C declaration using the same
// lexer the teacher's code generator used to tokenize C headers
// (internal/cparse), repurposed here to walk a single field
// declaration instead of a whole translation unit.
func parseDecl(decl string) (declInfo, error) {
	var info declInfo

	toks, err := cparse.Tokenize([]byte(decl))
	if err != nil {
		return info, err
	}
	// Drop a trailing ';' if the caller included one.
	for len(toks) > 0 && toks[len(toks)-1].Kind == cparse.TokOp && toks[len(toks)-1].Text == ";" {
		toks = toks[:len(toks)-1]
	}
	if len(toks) == 0 {
		return info, errParse("empty field declaration")
	}

	// Consume array suffix from the end: "[" [number] "]".
	if len(toks) >= 2 && toks[len(toks)-1].Kind == cparse.TokOp && toks[len(toks)-1].Text == "]" {
		// Find matching "[".
		depth := 0
		i := len(toks) - 1
		for ; i >= 0; i-- {
			if toks[i].Kind == cparse.TokOp && toks[i].Text == "]" {
				depth++
			} else if toks[i].Kind == cparse.TokOp && toks[i].Text == "[" {
				depth--
				if depth == 0 {
					break
				}
			}
		}
		if i < 0 {
			return info, errParse("unbalanced array brackets in %q", decl)
		}
		inner := toks[i+1 : len(toks)-1]
		info.hasArray = true
		if len(inner) == 1 && inner[0].Kind == cparse.TokNumber {
			n, err := strconv.Atoi(inner[0].Text)
			if err != nil {
				return info, errParse("bad array length in %q: %v", decl, err)
			}
			info.arrayLen = n
			info.arrayLenKnown = true
		} else if len(inner) != 0 {
			return info, errParse("unsupported array length expression in %q", decl)
		}
		toks = toks[:i]
	}

	if len(toks) == 0 {
		return info, errParse("missing field name in %q", decl)
	}

	// The field name is the last identifier; everything before it
	// (base type keywords/identifiers and '*') describes the type.
	last := toks[len(toks)-1]
	if last.Kind != cparse.TokIdent {
		return info, errParse("expected field name in %q, got %q", decl, last.Text)
	}
	info.fieldName = last.Text
	toks = toks[:len(toks)-1]

	for _, t := range toks {
		switch {
		case t.Kind == cparse.TokOp && t.Text == "*":
			info.pointer = true
		case t.Kind == cparse.TokKeyword || t.Kind == cparse.TokIdent:
			info.baseType = append(info.baseType, t.Text)
		case t.Kind == cparse.TokOp && (t.Text == "[" || t.Text == "]"):
			// "__data_loc char[] name": the kernel writes the empty
			// brackets between the base type and the field name.
			info.hasArray = true
		case t.Kind == cparse.TokOp && (t.Text == "(" || t.Text == ")"):
			// Tolerate function-pointer-shaped noise some drivers emit;
			// the base type token list still carries the useful parts.
		default:
			return info, errParse("unexpected token %q in %q", t.Text, decl)
		}
	}
	if len(info.baseType) == 0 {
		return info, errParse("missing base type in %q", decl)
	}
	return info, nil
}

// baseTypeName folds the type-qualifier tokens produced by parseDecl
// into a single lookup key, e.g. ["unsigned","long"] -> "unsigned long".
func (d declInfo) baseTypeName() string {
	return strings.Join(d.baseType, " ")
}

// isDataLoc reports whether the declaration uses the kernel's
// variable-length field markers.
func (d declInfo) isDataLoc() bool {
	if len(d.baseType) == 0 {
		return false
	}
	switch d.baseType[0] {
	case "__data_loc", "__rel_loc":
		return true
	}
	return false
}

// elementTypeSize returns the size in bytes of one element of the
// declared base type, and the ScalarKind it implies. ok is false for
// identifiers this table doesn't recognize (typedef'd structs, enums,
// or genuinely struct-valued fields), in which case the caller falls
// back to treating the field as an opaque struct blob sized by the
// kernel's "size:" attribute.
func elementTypeSize(d declInfo, longSizeBits int) (size int, kind ScalarKind, ok bool) {
	if d.pointer {
		return 8, KindPointer, true
	}

	longBytes := 4
	if longSizeBits == 64 {
		longBytes = 8
	}

	name := d.baseTypeName()
	// Strip data_loc/rel_loc markers; the element type is whatever
	// follows (almost always "char").
	if d.isDataLoc() && len(d.baseType) > 1 {
		name = strings.Join(d.baseType[1:], " ")
	}
	// Drop "signed" and "unsigned" wherever they appear, since
	// FieldMetadata.Signed already carries signedness; the size lookup
	// below uses only the remaining type words.
	fields := strings.Fields(name)
	filtered := fields[:0]
	unsigned := false
	for _, f := range fields {
		switch f {
		case "signed":
			continue
		case "unsigned":
			unsigned = true
			continue
		}
		filtered = append(filtered, f)
	}
	name = strings.Join(filtered, " ")

	switch name {
	case "char", "s8", "u8", "int8_t", "uint8_t", "bool", "_Bool":
		return 1, KindInteger, true
	case "short", "s16", "u16", "int16_t", "uint16_t":
		return 2, KindInteger, true
	case "int", "unsigned int", "s32", "u32", "int32_t", "uint32_t", "pid_t":
		return 4, KindInteger, true
	case "long", "long int":
		return longBytes, KindInteger, true
	case "long long", "long long int", "s64", "u64", "int64_t", "uint64_t", "size_t", "loff_t", "ssize_t":
		return 8, KindInteger, true
	case "float":
		return 4, KindFloat, true
	case "double":
		return 8, KindFloat, true
	case "void":
		return 0, KindPointer, false
	}
	_ = unsigned
	return 0, KindStruct, false
}

func errParse(format string, args ...interface{}) error {
	return &declError{msg: fmt.Sprintf(format, args...)}
}

type declError struct{ msg string }

func (e *declError) Error() string { return e.msg }
