package tracerr

import (
	"errors"
	"testing"
)

func TestIsAgainstKind(t *testing.T) {
	err := New(NotFound, "format file for sched:sched_switch")
	if !errors.Is(err, NotFound) {
		t.Error("errors.Is(err, NotFound) = false, want true")
	}
	if errors.Is(err, Invalid) {
		t.Error("errors.Is(err, Invalid) = true, want false")
	}
}

func TestIsAgainstError(t *testing.T) {
	err := New(SchemaConflict, "geometry mismatch")
	other := New(SchemaConflict, "a different message")
	if !errors.Is(err, other) {
		t.Error("errors.Is(err, other) = false, want true for matching Kind")
	}
	if errors.Is(err, New(Invalid, "x")) {
		t.Error("errors.Is(err, New(Invalid, ...)) = true, want false for differing Kind")
	}
}

func TestWrapPreservesUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Io, cause, "reading header")
	if got, ok := Of(err); !ok || got != Io {
		t.Errorf("Of(err) = %v, %v, want Io, true", got, ok)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}
