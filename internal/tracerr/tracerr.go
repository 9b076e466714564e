// Package tracerr defines the error-kind vocabulary shared by every
// package in this module. All public APIs that can fail return an
// *Error (or an error that wraps one), so callers can classify a
// failure with errors.As without depending on string matching.
package tracerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure the way the collection and decoding
// subsystems need to distinguish it at the public boundary.
type Kind int

const (
	// NotFound indicates a tracepoint, format file, or id is unknown.
	NotFound Kind = iota
	// AlreadyExists indicates a duplicate metadata entry (by id or by
	// name); idempotent callers may treat this as success.
	AlreadyExists
	// Invalid indicates a parse failure, an unusable common_type
	// field, a malformed spec, or a corrupt header.
	Invalid
	// SchemaConflict indicates a new entry's common_type geometry
	// disagrees with the cache's fixed geometry.
	SchemaConflict
	// PermissionDenied indicates the kernel refused perf_event_open or
	// user_events_data access.
	PermissionDenied
	// Unsupported indicates a kernel feature is absent, or an
	// operation doesn't apply to the current mode (e.g. pipe-mode
	// method called on a seekable file).
	Unsupported
	// Interrupted indicates a signal was delivered during ppoll.
	Interrupted
	// Io indicates a file read/write failure; the underlying OS error
	// is available via errors.Unwrap.
	Io
	// OutOfMemory indicates an allocation failure along a public path.
	// State along that path is rolled back before the error returns.
	OutOfMemory
)

// Error lets a bare Kind stand in for a target in errors.Is(err,
// tracerr.NotFound), since errors.Is requires its target to satisfy
// the error interface.
func (k Kind) Error() string { return k.String() }

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case Invalid:
		return "invalid"
	case SchemaConflict:
		return "schema conflict"
	case PermissionDenied:
		return "permission denied"
	case Unsupported:
		return "unsupported"
	case Interrupted:
		return "interrupted"
	case Io:
		return "I/O error"
	case OutOfMemory:
		return "out of memory"
	default:
		return "unknown error"
	}
}

// Error is the tagged-variant failure type returned at the public
// boundary of every package in this module.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, tracerr.NotFound) work directly against a
// Kind value, as well as errors.Is(err, otherTracerrErr) by comparing
// Kinds.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error with no underlying cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error around an underlying cause, preserving it
// for errors.Unwrap/errors.As. The message is produced with
// github.com/pkg/errors-style context so the originating syscall or
// file operation stays visible in %+v output.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{
		Kind: kind,
		Msg:  fmt.Sprintf(format, args...),
		Err:  errors.WithStack(err),
	}
}

// Of reports the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}
