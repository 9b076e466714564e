package ringsession

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

// rawConfig is the literal YAML document shape LoadConfig parses,
// before translating sample_fields into a SampleType bitmask and
// wakeup_watermark_bytes into a WakeupPolicy, the same "load, apply
// defaults, validate, wrap errors with path" shape as the rest of the
// pack's config loaders.
type rawConfig struct {
	Mode                 string   `yaml:"mode"`
	BufferSizeBytes      int      `yaml:"buffer_size_bytes"`
	SampleFields         []string `yaml:"sample_fields"`
	WakeupWatermarkBytes int      `yaml:"wakeup_watermark_bytes"`
	Tracepoints          []string `yaml:"tracepoints"`
}

// sampleFieldNames maps a YAML sample_fields entry to the SampleType
// bit it selects; the names mirror spec.md's sample_type field names.
var sampleFieldNames = map[string]SampleType{
	"identifier": SampleIdentifier,
	"ip":         SampleIP,
	"tid":        SampleTID,
	"time":       SampleTime,
	"addr":       SampleAddr,
	"id":         SampleID,
	"stream_id":  SampleStreamID,
	"cpu":        SampleCPU,
	"period":     SamplePeriod,
	"callchain":  SampleCallchain,
	"raw":        SampleRaw,
}

const defaultBufferSizeBytes = 512 * 1024

// LoadConfig reads the YAML document at path, unmarshals it into a
// Config, applies defaults, and validates it, wrapping any failure
// with path the way tripwire/agent's config.LoadConfig does.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, tracerr.Wrap(tracerr.Io, err, "reading config %q", path)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, tracerr.Wrap(tracerr.Invalid, err, "parsing config %q", path)
	}

	applyConfigDefaults(&raw)

	cfg, err := raw.resolve()
	if err != nil {
		return Config{}, tracerr.Wrap(tracerr.Invalid, err, "validating config %q", path)
	}
	return cfg, nil
}

// applyConfigDefaults fills in zero-value optional fields before
// validation, the same split LoadConfig's grounding example uses.
func applyConfigDefaults(raw *rawConfig) {
	if raw.Mode == "" {
		raw.Mode = "realtime"
	}
	if raw.BufferSizeBytes == 0 {
		raw.BufferSizeBytes = defaultBufferSizeBytes
	}
	if len(raw.SampleFields) == 0 {
		raw.SampleFields = []string{"time", "raw"}
	}
}

// resolve validates raw and translates it into a Config, or returns
// the first validation failure it finds.
func (raw rawConfig) resolve() (Config, error) {
	var mode Mode
	switch raw.Mode {
	case "realtime":
		mode = Realtime
	case "circular":
		mode = Circular
	default:
		return Config{}, tracerr.New(tracerr.Invalid, "mode %q must be one of: realtime, circular", raw.Mode)
	}

	if raw.BufferSizeBytes < 0 {
		return Config{}, tracerr.New(tracerr.Invalid, "buffer_size_bytes must not be negative")
	}

	var sampleType SampleType
	for _, name := range raw.SampleFields {
		bit, ok := sampleFieldNames[name]
		if !ok {
			return Config{}, tracerr.New(tracerr.Invalid, "sample_fields: unknown field %q", name)
		}
		sampleType |= bit
	}

	if len(raw.Tracepoints) == 0 {
		return Config{}, tracerr.New(tracerr.Invalid, "tracepoints must list at least one system:event entry")
	}
	for _, tp := range raw.Tracepoints {
		if _, _, ok := cutTracepoint(tp); !ok {
			return Config{}, tracerr.New(tracerr.Invalid, "tracepoints: %q must be \"system:event\"", tp)
		}
	}

	return Config{
		Mode:       mode,
		BufferSize: raw.BufferSizeBytes,
		SampleType: sampleType,
		WakeupPolicy: WakeupPolicy{
			WatermarkBytes: raw.WakeupWatermarkBytes,
		},
		Tracepoints: raw.Tracepoints,
	}, nil
}

// cutTracepoint splits a "system:event" config entry, reporting
// whether it had exactly the shape a tracepoint name requires.
func cutTracepoint(s string) (system, event string, ok bool) {
	i := -1
	for j := 0; j < len(s); j++ {
		if s[j] == ':' {
			i = j
			break
		}
	}
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
