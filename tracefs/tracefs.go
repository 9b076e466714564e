// Package tracefs locates the kernel's tracefs mount and reads the
// tracepoint description files it exposes: per-event "format" and
// "id" files, and the user_events registration device.
package tracefs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
)

// detectLongSizeBits returns the width the running kernel uses for a
// C "long": 64 on every architecture this module targets
// (linux/amd64, linux/arm64), where long is always pointer-width.
// strconv.IntSize tracks Go's native int width, which matches C long
// width on all LP64 platforms this module supports.
func detectLongSizeBits() int {
	return strconv.IntSize
}

var log = logrus.WithField("component", "tracefs")

// Known mount points, tried in order when /proc/mounts can't be read
// or doesn't mention either filesystem. tracefs is preferred whenever
// both are available: debugfs is the older path kept around for
// kernels that don't mount tracefs standalone.
const (
	conventionalTracefs = "/sys/kernel/tracing"
	conventionalDebugfs = "/sys/kernel/debug/tracing"
)

// Root is a located tracefs (or debugfs-hosted tracefs) tree.
type Root struct {
	path         string
	longSizeBits int
}

// Locate finds the tracefs root by parsing /proc/mounts, preferring a
// tracefs entry over a debugfs one. If /proc/mounts can't be read, it
// falls back to the conventional mount points kernels have used for
// tracefs since it was split out of debugfs.
func Locate() (*Root, error) {
	path, err := locatePath()
	if err != nil {
		return nil, err
	}
	log.Debugf("using tracefs root %s", path)
	return &Root{path: path, longSizeBits: detectLongSizeBits()}, nil
}

func locatePath() (string, error) {
	mounts, err := os.Open("/proc/mounts")
	if err != nil {
		return fallbackPath()
	}
	defer mounts.Close()

	var tracefsPath, debugfsPath string
	sc := bufio.NewScanner(mounts)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		switch fsType {
		case "tracefs":
			tracefsPath = mountPoint
		case "debugfs":
			debugfsPath = filepath.Join(mountPoint, "tracing")
		}
	}
	if err := sc.Err(); err != nil {
		return fallbackPath()
	}

	if tracefsPath != "" {
		return tracefsPath, nil
	}
	if debugfsPath != "" {
		return debugfsPath, nil
	}
	return fallbackPath()
}

func fallbackPath() (string, error) {
	if info, err := os.Stat(conventionalTracefs); err == nil && info.IsDir() {
		return conventionalTracefs, nil
	}
	if info, err := os.Stat(conventionalDebugfs); err == nil && info.IsDir() {
		return conventionalDebugfs, nil
	}
	return "", tracerr.New(tracerr.NotFound, "no tracefs or debugfs tracing mount found")
}

// UserEventsDataPath returns the path to the user_events_data
// registration device, following the probe order spec.md §6 names:
// the absolute well-known path first, then a path relative to
// whichever tracefs/debugfs mount was located.
func UserEventsDataPath() (string, error) {
	const absolute = "/sys/kernel/tracing/user_events_data"
	if _, err := os.Stat(absolute); err == nil {
		return absolute, nil
	}

	root, err := Locate()
	if err != nil {
		return "", err
	}
	candidate := filepath.Join(root.path, "user_events_data")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", tracerr.New(tracerr.NotFound, "no user_events_data device found under %s", root.path)
}

// Path returns the filesystem path this Root resolved to.
func (r *Root) Path() string { return r.path }

// LongSizeBits is 32 or 64: the width this kernel uses for the C
// "long" type, used by tracefmt.Parse to size long-typed fields.
func (r *Root) LongSizeBits() int { return r.longSizeBits }

// ReadFormat reads the "format" file for system:event.
func (r *Root) ReadFormat(system, event string) ([]byte, error) {
	path := filepath.Join(r.path, "events", system, event, "format")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tracerr.Wrap(tracerr.NotFound, TracepointNotFoundError{System: system, Event: event}, "format file for %s:%s", system, event)
		}
		return nil, tracerr.Wrap(tracerr.Io, err, "reading format file for %s:%s", system, event)
	}
	return b, nil
}

// ReadID reads the "id" file for system:event, the kernel-assigned
// numeric tracepoint id that also appears as common_type in the
// event's own format file.
func (r *Root) ReadID(system, event string) (uint32, error) {
	path := filepath.Join(r.path, "events", system, event, "id")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, tracerr.Wrap(tracerr.NotFound, TracepointNotFoundError{System: system, Event: event}, "id file for %s:%s", system, event)
		}
		return 0, tracerr.Wrap(tracerr.Io, err, "reading id file for %s:%s", system, event)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, tracerr.Wrap(tracerr.Invalid, err, "parsing id file for %s:%s", system, event)
	}
	return uint32(v), nil
}

// Events lists the event names registered under system.
func (r *Root) Events(system string) ([]string, error) {
	dir := filepath.Join(r.path, "events", system)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tracerr.Wrap(tracerr.NotFound, err, "system %s", system)
		}
		return nil, tracerr.Wrap(tracerr.Io, err, "listing system %s", system)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// TracepointNotFoundError is the cause wrapped into ReadFormat's and
// ReadID's NotFound errors, giving callers that need the system/event
// back (rather than just the Kind) something to errors.As against.
type TracepointNotFoundError struct {
	System, Event string
}

func (n TracepointNotFoundError) Error() string {
	return fmt.Sprintf("tracepoint %s:%s not found under tracefs", n.System, n.Event)
}
