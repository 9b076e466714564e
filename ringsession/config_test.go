package ringsession

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "tracepoints:\n  - sched:sched_switch\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Mode != Realtime {
		t.Errorf("Mode = %v, want Realtime", cfg.Mode)
	}
	if cfg.BufferSize != defaultBufferSizeBytes {
		t.Errorf("BufferSize = %d, want %d", cfg.BufferSize, defaultBufferSizeBytes)
	}
	if cfg.SampleType != SampleTime|SampleRaw {
		t.Errorf("SampleType = %v, want SampleTime|SampleRaw", cfg.SampleType)
	}
	if len(cfg.Tracepoints) != 1 || cfg.Tracepoints[0] != "sched:sched_switch" {
		t.Errorf("Tracepoints = %v", cfg.Tracepoints)
	}
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, ""+
		"mode: circular\n"+
		"buffer_size_bytes: 8192\n"+
		"sample_fields: [time, raw, cpu]\n"+
		"wakeup_watermark_bytes: 4096\n"+
		"tracepoints:\n"+
		"  - sched:sched_switch\n"+
		"  - user_events:myevent\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Mode != Circular {
		t.Errorf("Mode = %v, want Circular", cfg.Mode)
	}
	if cfg.BufferSize != 8192 {
		t.Errorf("BufferSize = %d, want 8192", cfg.BufferSize)
	}
	want := SampleTime | SampleRaw | SampleCPU
	if cfg.SampleType != want {
		t.Errorf("SampleType = %v, want %v", cfg.SampleType, want)
	}
	if cfg.WakeupPolicy.WatermarkBytes != 4096 {
		t.Errorf("WatermarkBytes = %d, want 4096", cfg.WakeupPolicy.WatermarkBytes)
	}
	if len(cfg.Tracepoints) != 2 {
		t.Errorf("Tracepoints = %v, want 2 entries", cfg.Tracepoints)
	}
}

func TestLoadConfigRejectsBadMode(t *testing.T) {
	path := writeConfig(t, "mode: sideways\ntracepoints: [sched:sched_switch]\n")
	_, err := LoadConfig(path)
	if kind, ok := tracerr.Of(err); !ok || kind != tracerr.Invalid {
		t.Errorf("LoadConfig kind = %v, %v, want Invalid", kind, ok)
	}
}

func TestLoadConfigRejectsUnknownSampleField(t *testing.T) {
	path := writeConfig(t, "sample_fields: [bogus]\ntracepoints: [sched:sched_switch]\n")
	_, err := LoadConfig(path)
	if kind, ok := tracerr.Of(err); !ok || kind != tracerr.Invalid {
		t.Errorf("LoadConfig kind = %v, %v, want Invalid", kind, ok)
	}
}

func TestLoadConfigRejectsEmptyTracepoints(t *testing.T) {
	path := writeConfig(t, "mode: realtime\n")
	_, err := LoadConfig(path)
	if kind, ok := tracerr.Of(err); !ok || kind != tracerr.Invalid {
		t.Errorf("LoadConfig kind = %v, %v, want Invalid", kind, ok)
	}
}

func TestLoadConfigRejectsMalformedTracepoint(t *testing.T) {
	path := writeConfig(t, "tracepoints: [sched_switch]\n")
	_, err := LoadConfig(path)
	if kind, ok := tracerr.Of(err); !ok || kind != tracerr.Invalid {
		t.Errorf("LoadConfig kind = %v, %v, want Invalid", kind, ok)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nosuch.yaml"))
	if kind, ok := tracerr.Of(err); !ok || kind != tracerr.Io {
		t.Errorf("LoadConfig kind = %v, %v, want Io", kind, ok)
	}
}
