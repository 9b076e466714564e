package ringsession

import (
	"errors"
	"runtime"
	"syscall"
	"unsafe"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

// Kernel perf_event ABI constants this package needs. Defined locally
// rather than pulled from golang.org/x/sys/unix (which covers ioctl
// requests and the ring header layout, but not every perf_event_attr
// bit) so the attr encoding is self-contained and auditable in one
// place, following the same pattern nathanjsweet/ebpf's syscalls.go
// uses for its own perf_event_attr constants.
const (
	perfTypeTracepoint = 2

	perfSampleIP         = 1 << 0
	perfSampleTID        = 1 << 1
	perfSampleTime       = 1 << 2
	perfSampleAddr       = 1 << 3
	perfSampleCallchain  = 1 << 5
	perfSampleID         = 1 << 6
	perfSampleCPU        = 1 << 7
	perfSamplePeriod     = 1 << 8
	perfSampleStreamID   = 1 << 9
	perfSampleRawBit     = 1 << 10
	perfSampleIdentifier = 1 << 16
)

const (
	attrFlagDisabled      = 1 << 0
	attrFlagInherit       = 1 << 1
	attrFlagExcludeKernel = 1 << 5
	attrFlagExcludeHV     = 1 << 6
	attrFlagMmap          = 1 << 8
	attrFlagSampleIDAll   = 1 << 18
	attrFlagUseClockID    = 1 << 25
	attrFlagWriteBackward = 1 << 27
)

const clockMonotonicRaw = 4 // CLOCK_MONOTONIC_RAW

// SampleType is a bitmask of perf_event sample fields a Session
// records with every sample. Only the subset the kernel ABI fixes an
// order for is supported; constructing an attr with any other bit set
// is rejected.
type SampleType uint64

const (
	SampleIdentifier SampleType = perfSampleIdentifier
	SampleIP         SampleType = perfSampleIP
	SampleTID        SampleType = perfSampleTID
	SampleTime       SampleType = perfSampleTime
	SampleAddr       SampleType = perfSampleAddr
	SampleID         SampleType = perfSampleID
	SampleStreamID   SampleType = perfSampleStreamID
	SampleCPU        SampleType = perfSampleCPU
	SamplePeriod     SampleType = perfSamplePeriod
	SampleCallchain  SampleType = perfSampleCallchain
	SampleRaw        SampleType = perfSampleRawBit
)

// supportedSampleTypes is the fixed set spec.md names; any other bit
// in a caller-supplied SampleType mask is rejected by newAttr.
const supportedSampleTypes = SampleIdentifier | SampleIP | SampleTID | SampleTime |
	SampleAddr | SampleID | SampleStreamID | SampleCPU | SamplePeriod | SampleCallchain | SampleRaw

// perfEventAttr mirrors struct perf_event_attr from linux/perf_event.h
// closely enough for perf_event_open: every field up to and including
// clockID is laid out in ABI order so the raw byte image the kernel
// reads matches what it expects. Fields this package never sets
// (branch sampling, BPF cookie, etc.) are zero, which is valid ABI
// default.
type perfEventAttr struct {
	perfType     uint32
	size         uint32
	config       uint64
	samplePeriod uint64
	sampleType   uint64
	readFormat   uint64
	flags        uint64

	wakeupEvents uint32
	bpType       uint32
	bpAddr       uint64
	bpLen        uint64

	branchSampleType uint64

	sampleRegsUser  uint64
	sampleStackUser uint32
	clockID         int32

	sampleRegsIntr uint64

	auxWatermark   uint32
	sampleMaxStack uint16
	_              uint16
}

// newAttr builds a perf_event_attr for one tracepoint id, per the
// mode and sample-type parameters a Session was constructed with.
func newAttr(tracepointID uint32, sampleType SampleType, backward bool) (*perfEventAttr, error) {
	if sampleType&^supportedSampleTypes != 0 {
		return nil, tracerr.New(tracerr.Invalid, "unsupported sample_type bits: %#x", uint64(sampleType&^supportedSampleTypes))
	}

	flags := uint64(attrFlagDisabled | attrFlagUseClockID)
	if backward {
		flags |= attrFlagWriteBackward
	}

	a := &perfEventAttr{
		perfType:   perfTypeTracepoint,
		config:     uint64(tracepointID),
		sampleType: uint64(sampleType),
		flags:      flags,
		clockID:    clockMonotonicRaw,
	}
	a.size = uint32(unsafe.Sizeof(*a))
	return a, nil
}

// perfEventOpen issues the perf_event_open syscall directly via
// unix.Syscall6, the way every ring-buffer-facing example in the
// retrieval pack does it (there is no portable wrapper in
// golang.org/x/sys/unix for an arbitrary perf_event_attr).
func perfEventOpen(attr *perfEventAttr, pid, cpu, groupFD int, flags uintptr) (int, error) {
	const closeOnExec = 1 << 3
	flags |= closeOnExec

	fd, _, errno := unix.Syscall6(unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(attr)), uintptr(pid), uintptr(cpu), uintptr(groupFD), flags, 0)
	runtime.KeepAlive(attr)

	if errno == 0 {
		return int(fd), nil
	}
	return -1, classifyPerfEventOpenErrno(errno)
}

// classifyPerfEventOpenErrno turns a raw errno from perf_event_open
// into a tracerr.Error with the same per-errno explanations
// nathanjsweet/ebpf's perfEventOpen wrapper attaches, mapped onto this
// module's error-kind vocabulary instead of a bespoke error type.
func classifyPerfEventOpenErrno(errno syscall.Errno) error {
	wrap := func(kind tracerr.Kind, msg string) error {
		return tracerr.Wrap(kind, errno, "perf_event_open: %s", msg)
	}
	switch errno {
	case syscall.EACCES, syscall.EPERM:
		return wrap(tracerr.PermissionDenied, "insufficient privilege to open this event")
	case syscall.EBUSY:
		return wrap(tracerr.Unsupported, "another event has exclusive access to the PMU")
	case syscall.EINVAL:
		return wrap(tracerr.Invalid, "invalid perf_event_attr configuration")
	case syscall.EMFILE, syscall.ENFILE:
		return wrap(tracerr.Io, "too many open files")
	case syscall.ENODEV, syscall.ENOSYS, syscall.EOPNOTSUPP:
		return wrap(tracerr.Unsupported, "event type not supported on this kernel/architecture")
	case syscall.ENOENT:
		return wrap(tracerr.NotFound, "tracepoint id no longer exists")
	case syscall.ESRCH:
		return wrap(tracerr.Invalid, "target pid does not exist")
	default:
		return tracerr.Wrap(tracerr.Io, pkgerrors.WithStack(errno), "perf_event_open failed")
	}
}

func ioctlNoArg(fd int, req uint) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), 0); errno != 0 {
		return tracerr.Wrap(tracerr.Io, errno, "ioctl %#x", req)
	}
	return nil
}

func ioctlInt(fd int, req uint, arg int) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg)); errno != 0 {
		return tracerr.Wrap(tracerr.Io, errno, "ioctl %#x arg %d", req, arg)
	}
	return nil
}

func ioctlSetOutput(fd, targetFD int) error {
	return ioctlInt(fd, unix.PERF_EVENT_IOC_SET_OUTPUT, targetFD)
}

func ioctlEnable(fd int) error {
	err := ioctlNoArg(fd, unix.PERF_EVENT_IOC_ENABLE)
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno == syscall.EBADF {
		return tracerr.Wrap(tracerr.NotFound, errno, "enable: no readers for this event")
	}
	return err
}

func ioctlDisable(fd int) error {
	return ioctlNoArg(fd, unix.PERF_EVENT_IOC_DISABLE)
}

func ioctlPauseOutput(fd int, pause bool) error {
	v := 0
	if pause {
		v = 1
	}
	return ioctlInt(fd, unix.PERF_EVENT_IOC_PAUSE_OUTPUT, v)
}

func ioctlStreamID(fd int) (uint64, error) {
	var id uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.PERF_EVENT_IOC_ID), uintptr(unsafe.Pointer(&id))); errno != 0 {
		return 0, tracerr.Wrap(tracerr.Io, errno, "ioctl PERF_EVENT_IOC_ID")
	}
	return id, nil
}
