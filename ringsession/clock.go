package ringsession

import (
	"golang.org/x/sys/unix"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

// SessionInfo carries the clock identity and offset needed to
// translate a sample's MONOTONIC_RAW timestamp into wall-clock time,
// the same pair of fields a perf.data CLOCKID/CLOCK_DATA feature
// header encodes for a recorded file.
type SessionInfo struct {
	ClockID     int32
	ClockOffset int64 // realtime_ns - monotonic_raw_ns, at capture time
}

const clockCalibrationAttempts = 8

// captureSessionInfo measures the offset between CLOCK_MONOTONIC_RAW
// (the clock every sample timestamp uses) and CLOCK_REALTIME by
// taking several back-to-back reads of both and keeping the pair with
// the smallest measured gap between the two reads, on the theory that
// the pair read closest together in wall-clock time has the least
// scheduling jitter between them.
func captureSessionInfo() (SessionInfo, error) {
	var best SessionInfo
	bestGap := int64(-1)

	for i := 0; i < clockCalibrationAttempts; i++ {
		var mono, real unix.Timespec
		if err := unix.ClockGettime(clockMonotonicRaw, &mono); err != nil {
			return SessionInfo{}, tracerr.Wrap(tracerr.Io, err, "reading CLOCK_MONOTONIC_RAW")
		}
		if err := unix.ClockGettime(unix.CLOCK_REALTIME, &real); err != nil {
			return SessionInfo{}, tracerr.Wrap(tracerr.Io, err, "reading CLOCK_REALTIME")
		}
		var mono2 unix.Timespec
		if err := unix.ClockGettime(clockMonotonicRaw, &mono2); err != nil {
			return SessionInfo{}, tracerr.Wrap(tracerr.Io, err, "reading CLOCK_MONOTONIC_RAW")
		}

		monoNs := timespecNs(mono)
		mono2Ns := timespecNs(mono2)
		gap := mono2Ns - monoNs
		if bestGap < 0 || gap < bestGap {
			bestGap = gap
			best = SessionInfo{
				ClockID:     clockMonotonicRaw,
				ClockOffset: timespecNs(real) - monoNs,
			}
		}
	}
	return best, nil
}

func timespecNs(ts unix.Timespec) int64 {
	return int64(ts.Sec)*1e9 + int64(ts.Nsec)
}
