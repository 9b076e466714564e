package ringsession

import (
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

// drainCPU runs the buffer's drain algorithm for cpu and returns the
// decoded sample events it produced, in kernel order (forward
// chronological order for Realtime, reverse chronological for
// Circular — callers that need global order reverse a Circular CPU's
// slice before merging, per spec).
func (s *Session) drainCPU(cpu int) ([]Event, error) {
	s.mu.Lock()
	state := s.perCPU[cpu]
	buf := state.buffer
	s.mu.Unlock()

	if buf == nil || buf.ring == nil {
		return nil, nil
	}

	var events []Event
	buf.drain(func(rec RawRecord) {
		d := decodeSample(rec.Body, s.sampleType)
		if !d.ok {
			buf.Corrupt++
			return
		}

		tracepointID, resolved := s.resolveSample(d)
		if !resolved {
			buf.Corrupt++
			return
		}

		var raw []byte
		if d.haveRaw {
			raw = append([]byte(nil), d.raw...)
		}
		events = append(events, Event{
			TracepointID: tracepointID,
			CPU:          cpu,
			Time:         d.time,
			Raw:          raw,
		})
	}, nil)

	return events, nil
}

func (s *Session) resolveSample(d decodedSample) (uint32, bool) {
	if d.haveRaw {
		if m := s.cache.FindByRawData(d.raw); m != nil {
			return m.ID, true
		}
	}
	if id, ok := d.streamOrID(); ok {
		s.mu.Lock()
		tracepointID, found := s.byStream[id]
		s.mu.Unlock()
		if found {
			return tracepointID, true
		}
	}
	return 0, false
}

// IterUnordered drains cpu's buffer and returns its events in the
// order the kernel produced them, without cross-CPU merging.
func (s *Session) IterUnordered(cpu int) ([]Event, error) {
	if cpu < 0 || cpu >= len(s.perCPU) {
		return nil, tracerr.New(tracerr.Invalid, "cpu %d out of range", cpu)
	}
	return s.drainCPU(cpu)
}

// IterOrdered drains every CPU and returns all events in a single,
// stably timestamp-sorted sequence. Requires the session's
// sample_type to include SampleTime; callers that didn't request
// SampleTime get Invalid.
func (s *Session) IterOrdered() ([]Event, error) {
	if s.sampleType&SampleTime == 0 {
		return nil, tracerr.New(tracerr.Invalid, "iter_ordered requires SampleTime in the session's sample_type")
	}

	var all []Event
	for cpu := range s.perCPU {
		events, err := s.drainCPU(cpu)
		if err != nil {
			return nil, err
		}
		if s.mode == Circular {
			reverseEvents(events)
		}
		all = append(all, events...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Time < all[j].Time })
	return all, nil
}

func reverseEvents(e []Event) {
	for i, j := 0, len(e)-1; i < j; i, j = i+1, j-1 {
		e[i], e[j] = e[j], e[i]
	}
}

// WaitForWakeup blocks until any Realtime-mode per-CPU buffer has
// data, or timeout elapses (a non-positive timeout blocks
// indefinitely). It returns Unsupported in Circular mode, which never
// wakes a waiter.
func (s *Session) WaitForWakeup(timeout time.Duration, sigmask *unix.Sigset_t) error {
	if s.mode != Realtime {
		return tracerr.New(tracerr.Unsupported, "wait_for_wakeup requires Realtime mode")
	}

	s.mu.Lock()
	fds := make([]unix.PollFd, 0, len(s.perCPU))
	for _, cpu := range s.perCPU {
		if cpu.buffer != nil {
			fds = append(fds, unix.PollFd{Fd: int32(cpu.buffer.fd), Events: unix.POLLIN})
		}
	}
	s.mu.Unlock()

	if len(fds) == 0 {
		return tracerr.New(tracerr.Invalid, "no tracepoints enabled")
	}

	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	_, err := unix.Ppoll(fds, ts, sigmask)
	if err == unix.EINTR {
		return tracerr.Wrap(tracerr.Interrupted, err, "wait_for_wakeup interrupted")
	}
	if err != nil {
		return tracerr.Wrap(tracerr.Io, err, "ppoll")
	}
	return nil
}
