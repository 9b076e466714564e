package tracefs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

func TestReadFormatAndID(t *testing.T) {
	dir := t.TempDir()
	eventDir := filepath.Join(dir, "events", "user_events", "myevent")
	if err := os.MkdirAll(eventDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(eventDir, "format"), []byte("name: myevent\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(eventDir, "id"), []byte("42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := &Root{path: dir, longSizeBits: 64}

	b, err := r.ReadFormat("user_events", "myevent")
	if err != nil {
		t.Fatalf("ReadFormat: %v", err)
	}
	if string(b) != "name: myevent\n" {
		t.Errorf("ReadFormat = %q", b)
	}

	id, err := r.ReadID("user_events", "myevent")
	if err != nil {
		t.Fatalf("ReadID: %v", err)
	}
	if id != 42 {
		t.Errorf("ReadID = %d, want 42", id)
	}
}

func TestReadFormatNotFound(t *testing.T) {
	r := &Root{path: t.TempDir(), longSizeBits: 64}
	_, err := r.ReadFormat("user_events", "nosuch")
	if err == nil {
		t.Fatal("ReadFormat succeeded, want error")
	}
	if kind, ok := tracerr.Of(err); !ok || kind != tracerr.NotFound {
		t.Errorf("tracerr.Of(err) = %v,%v, want NotFound,true", kind, ok)
	}
	var notFound TracepointNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatal("errors.As(err, *TracepointNotFoundError) = false, want true")
	}
	if notFound.System != "user_events" || notFound.Event != "nosuch" {
		t.Errorf("notFound = %+v, want System=user_events Event=nosuch", notFound)
	}
}

func TestEvents(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b"} {
		if err := os.MkdirAll(filepath.Join(dir, "events", "user_events", name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	r := &Root{path: dir, longSizeBits: 64}
	names, err := r.Events("user_events")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("Events = %v, want 2 entries", names)
	}
}

func TestLocatePathFallback(t *testing.T) {
	// locatePath falls back to a conventional mount point when
	// /proc/mounts can't usefully be consulted; here we only check
	// that Locate doesn't panic and returns a plausible structure
	// when no tracing mount exists, since this test environment may
	// not have one.
	_, err := Locate()
	if err != nil {
		if _, ok := tracerr.Of(err); !ok {
			t.Errorf("Locate() error %v is not a tracerr.Error", err)
		}
	}
}
