// Package ringsession implements the live collection side of a
// tracepoint session: opening per-CPU perf_event ring buffers against
// tracepoints, enabling/disabling them, and draining their records in
// kernel order or in a globally timestamp-sorted order.
package ringsession

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
	"github.com/tracefs-go/tracepoint/metacache"
	"github.com/tracefs-go/tracepoint/tracefs"
)

var log = logrus.WithField("component", "ringsession")

// Mode selects how the kernel writes into a tracepoint's ring buffer.
type Mode int

const (
	// Realtime: the kernel writes forward and the reader publishes
	// data_tail so the kernel can reclaim space. Supports
	// WaitForWakeup.
	Realtime Mode = iota
	// Circular: the kernel writes backward and overwrites old
	// records; there are no wakeups, and Drain pauses output around
	// each read via ioctl.
	Circular
)

// Config configures a new Session. LoadConfig builds one of these from
// a YAML document; New also accepts one built directly by a caller
// that wants to describe a session programmatically rather than load
// it from a file.
type Config struct {
	Mode         Mode
	BufferSize   int
	SampleType   SampleType
	WakeupPolicy WakeupPolicy
	Tracepoints  []string
}

// WakeupPolicy names a per-CPU wakeup watermark in bytes. New does not
// apply it: every perf_event attr a Session opens leaves wakeup_events
// and the watermark flag at zero, so WatermarkBytes has no effect on
// when WaitForWakeup returns.
type WakeupPolicy struct {
	WatermarkBytes int
}

// TracepointInfo describes one tracepoint this session has enabled, by
// its "system:event" name. The per-CPU stream ids the kernel assigns
// to it are not included.
type TracepointInfo struct {
	System  string
	Event   string
	Enabled bool
}

type perCPUState struct {
	buffer *Buffer

	// fdsByTracepoint holds every tracepoint's fd on this CPU; the
	// first one opened owns the mmap (buffer), later ones are
	// SET_OUTPUT-redirected into it.
	fdsByTracepoint map[string]*Buffer
}

// Event is one decoded sample handed back from an iteration or flush
// call.
type Event struct {
	TracepointID uint32
	CPU          int
	Time         uint64
	Raw          []byte
}

// Session is a live tracepoint collection session across every online
// CPU.
type Session struct {
	mode       Mode
	bufferSize int
	sampleType SampleType
	cache      *metacache.Cache
	root       *tracefs.Root

	mu       sync.Mutex
	perCPU   []*perCPUState
	byStream map[uint64]uint32 // stream id -> tracepoint id
	byName   map[string]uint32 // "system:event" -> tracepoint id
	enabled  map[uint32]bool

	Info SessionInfo
}

// New constructs a Session over the given metadata cache and tracefs
// root. onlineCPUs is discovered once at construction; a CPU that
// comes online later is not picked up by an existing Session.
func New(cfg Config, cache *metacache.Cache, root *tracefs.Root) (*Session, error) {
	n, err := onlineCPUCount()
	if err != nil {
		return nil, err
	}

	bufSize := roundBufferSize(cfg.BufferSize)

	info, err := captureSessionInfo()
	if err != nil {
		log.Warnf("clock calibration failed, SessionInfo will be zero: %v", err)
	}

	s := &Session{
		mode:       cfg.Mode,
		bufferSize: bufSize,
		sampleType: cfg.SampleType,
		cache:      cache,
		root:       root,
		perCPU:     make([]*perCPUState, n),
		byStream:   make(map[uint64]uint32),
		byName:     make(map[string]uint32),
		enabled:    make(map[uint32]bool),
		Info:       info,
	}
	for i := range s.perCPU {
		s.perCPU[i] = &perCPUState{fdsByTracepoint: make(map[string]*Buffer)}
	}
	return s, nil
}

func onlineCPUCount() (int, error) {
	b, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return 0, tracerr.Wrap(tracerr.Io, err, "reading online CPU list")
	}
	n, err := parseCPURangeCount(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, err
	}
	return n, nil
}

// parseCPURangeCount parses a kernel CPU list like "0-3,6,8-9" and
// returns one more than the highest CPU number in it (10 for that
// example), so a slice of that length can be indexed by CPU number.
// Gaps in the list are not subtracted.
func parseCPURangeCount(s string) (int, error) {
	if s == "" {
		return 0, tracerr.New(tracerr.Invalid, "empty CPU range")
	}
	max := -1
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.Index(part, "-"); i >= 0 {
			hi, err := strconv.Atoi(part[i+1:])
			if err != nil {
				return 0, tracerr.Wrap(tracerr.Invalid, err, "parsing CPU range %q", part)
			}
			if hi > max {
				max = hi
			}
		} else {
			v, err := strconv.Atoi(part)
			if err != nil {
				return 0, tracerr.Wrap(tracerr.Invalid, err, "parsing CPU id %q", part)
			}
			if v > max {
				max = v
			}
		}
	}
	return max + 1, nil
}

func tracepointKey(system, event string) string { return system + ":" + event }

// Enable looks up or parses metadata for system:event and opens it on
// every online CPU, per the enable algorithm in spec §4.4.
func (s *Session) Enable(system, event string) error {
	m, err := s.cache.FindOrAddFromSystem(s.root, system, event)
	if err != nil {
		return err
	}

	key := tracepointKey(system, event)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled[m.ID] {
		return s.enableExistingLocked(key)
	}
	return s.enableNewLocked(key, system, event, m.ID)
}

func (s *Session) enableExistingLocked(key string) error {
	var firstErr error
	for _, cpu := range s.perCPU {
		buf, ok := cpu.fdsByTracepoint[key]
		if !ok {
			continue
		}
		if err := buf.enable(); err != nil && firstErr == nil {
			if kind, ok := tracerr.Of(err); ok && kind == tracerr.NotFound {
				// No readers: recoverable, tracepoint stays
				// registered but not enabled, per spec §4.4.
				continue
			}
			firstErr = err
		}
	}
	return firstErr
}

func (s *Session) enableNewLocked(key, system, event string, tracepointID uint32) (err error) {
	opened := make([]*Buffer, 0, len(s.perCPU))
	defer func() {
		if err != nil {
			for _, b := range opened {
				b.Close()
			}
		}
	}()

	backward := s.mode == Circular
	anyLeader := s.anyLeaderOpenLocked()

	for cpu := range s.perCPU {
		leaderFD := -1
		isFirstEventOverall := !anyLeader
		if !isFirstEventOverall && s.perCPU[cpu].buffer != nil {
			leaderFD = s.perCPU[cpu].buffer.fd
		}

		buf, openErr := openBuffer(cpu, tracepointID, s.sampleType, backward, s.bufferSize, leaderFD)
		if openErr != nil {
			err = tracerr.Wrap(tracerr.Io, openErr, "enabling %s on cpu %d", key, cpu)
			return err
		}
		opened = append(opened, buf)

		if s.perCPU[cpu].buffer == nil {
			s.perCPU[cpu].buffer = buf
		}
		s.perCPU[cpu].fdsByTracepoint[key] = buf

		id, idErr := buf.streamID()
		if idErr != nil {
			err = idErr
			return err
		}
		s.byStream[id] = tracepointID

		if enErr := buf.enable(); enErr != nil {
			if kind, ok := tracerr.Of(enErr); !ok || kind != tracerr.NotFound {
				err = enErr
				return err
			}
		}
	}

	s.byName[key] = tracepointID
	s.enabled[tracepointID] = true
	_ = system
	_ = event
	return nil
}

func (s *Session) anyLeaderOpenLocked() bool {
	for _, cpu := range s.perCPU {
		if cpu.buffer != nil {
			return true
		}
	}
	return false
}

// Disable disables system:event on every CPU it was enabled on.
func (s *Session) Disable(system, event string) error {
	key := tracepointKey(system, event)
	s.mu.Lock()
	defer s.mu.Unlock()

	tracepointID, ok := s.byName[key]
	if !ok {
		return tracerr.New(tracerr.NotFound, "tracepoint %s not enabled", key)
	}

	var firstErr error
	for _, cpu := range s.perCPU {
		buf, ok := cpu.fdsByTracepoint[key]
		if !ok {
			continue
		}
		if err := buf.disable(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.enabled[tracepointID] = false
	return firstErr
}

// Tracepoints returns every tracepoint Enable has opened on this
// session, whether or not it has since been disabled.
func (s *Session) Tracepoints() []TracepointInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TracepointInfo, 0, len(s.byName))
	for key, id := range s.byName {
		i := strings.IndexByte(key, ':')
		out = append(out, TracepointInfo{
			System:  key[:i],
			Event:   key[i+1:],
			Enabled: s.enabled[id],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].System != out[j].System {
			return out[i].System < out[j].System
		}
		return out[i].Event < out[j].Event
	})
	return out
}
