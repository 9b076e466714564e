// Package metacache maintains the set of tracepoint schemas a session
// has learned about, indexed both by the kernel-assigned numeric id
// (the dispatch key found in every raw record's common_type field)
// and by "system:event" name.
package metacache

import (
	"sync"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
	"github.com/tracefs-go/tracepoint/tracefs"
	"github.com/tracefs-go/tracepoint/tracefmt"
)

// Cache is a concurrency-safe registry of parsed EventMetadata,
// consulted on every sample decode so it's built around a RWMutex
// rather than a plain lock: reads (find_by_*) vastly outnumber writes
// (add_from_*) once a session's tracepoints have stabilized.
type Cache struct {
	mu sync.RWMutex

	byID   map[uint32]*tracefmt.EventMetadata
	byName map[tracefmt.TracepointName]*tracefmt.EventMetadata

	// commonTypeOffset/commonTypeSize are fixed by the first entry
	// added to the cache; every subsequent entry's common_type field
	// must agree, since a single session decodes every record's
	// dispatch key at the same fixed offset regardless of which
	// tracepoint it turns out to be.
	haveCommonGeom  bool
	commonTypeOffset int
	commonTypeSize   int
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		byID:   make(map[uint32]*tracefmt.EventMetadata),
		byName: make(map[tracefmt.TracepointName]*tracefmt.EventMetadata),
	}
}

// FindByID returns the cached metadata for id, or nil if unknown.
func (c *Cache) FindByID(id uint32) *tracefmt.EventMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// FindByName returns the cached metadata for system:event, or nil if
// unknown.
func (c *Cache) FindByName(system, event string) *tracefmt.EventMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[tracefmt.TracepointName{System: system, Event: event}]
}

// FindByRawData reads the common_type field out of raw at the cache's
// fixed common_type geometry and looks up the resulting id. It
// returns nil if the cache has no fixed geometry yet (nothing has
// been added) or raw is too short to hold the field.
func (c *Cache) FindByRawData(raw []byte) *tracefmt.EventMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.haveCommonGeom {
		return nil
	}
	id, ok := readCommonType(raw, c.commonTypeOffset, c.commonTypeSize)
	if !ok {
		return nil
	}
	return c.byID[id]
}

// isValidCommonTypeGeometry reports whether offset/size are a legal
// common_type field placement, per spec.md §3: the kernel-assigned id
// is always 1, 2, or 4 bytes, and always within the first 128 bytes of
// a record.
func isValidCommonTypeGeometry(offset, size int) bool {
	if offset < 0 || offset >= 128 {
		return false
	}
	switch size {
	case 1, 2, 4:
		return true
	default:
		return false
	}
}

func readCommonType(raw []byte, offset, size int) (uint32, bool) {
	if offset < 0 || size <= 0 || size > 4 || offset+size > len(raw) {
		return 0, false
	}
	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(raw[offset+i]) << (8 * uint(i))
	}
	return v, true
}

// AddFromFormat parses formatBytes and inserts the result.
func (c *Cache) AddFromFormat(system string, formatBytes []byte, longSizeBits int) (*tracefmt.EventMetadata, error) {
	m, err := tracefmt.Parse(system, formatBytes, longSizeBits)
	if err != nil {
		return nil, err
	}
	return c.insert(m)
}

// AddFromSystem locates and reads event's format file from the
// tracefs tree rooted at root, then inserts the parsed result.
func (c *Cache) AddFromSystem(root *tracefs.Root, system, event string) (*tracefmt.EventMetadata, error) {
	formatBytes, err := root.ReadFormat(system, event)
	if err != nil {
		return nil, err
	}
	return c.AddFromFormat(system, formatBytes, root.LongSizeBits())
}

// FindOrAddFromSystem is the idempotent combination of FindByName and
// AddFromSystem: a cache hit short-circuits the tracefs read entirely.
func (c *Cache) FindOrAddFromSystem(root *tracefs.Root, system, event string) (*tracefmt.EventMetadata, error) {
	if m := c.FindByName(system, event); m != nil {
		return m, nil
	}
	m, err := c.AddFromSystem(root, system, event)
	if err == nil {
		return m, nil
	}
	if kind, ok := tracerr.Of(err); ok && kind == tracerr.AlreadyExists {
		// Lost a race with a concurrent AddFromSystem for the same
		// name; the winner's entry is already what we want.
		if m := c.FindByName(system, event); m != nil {
			return m, nil
		}
	}
	return nil, err
}

func (c *Cache) insert(m *tracefmt.EventMetadata) (*tracefmt.EventMetadata, error) {
	ct := m.CommonTypeField()
	if ct == nil {
		return nil, tracerr.New(tracerr.Invalid, "%s has no common_type field", m.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	name := tracefmt.TracepointName{System: m.System, Event: m.Name}
	if _, exists := c.byID[m.ID]; exists {
		return nil, tracerr.New(tracerr.AlreadyExists, "tracepoint id %d already registered", m.ID)
	}
	if _, exists := c.byName[name]; exists {
		return nil, tracerr.New(tracerr.AlreadyExists, "tracepoint %s already registered", name)
	}

	if !isValidCommonTypeGeometry(ct.Offset, ct.Size) {
		return nil, tracerr.New(tracerr.Invalid,
			"%s has an unusable common_type field (offset %d, size %d): offset must be < 128 and size must be 1, 2, or 4",
			name, ct.Offset, ct.Size)
	}

	if c.haveCommonGeom {
		if ct.Offset != c.commonTypeOffset || ct.Size != c.commonTypeSize {
			return nil, tracerr.New(tracerr.SchemaConflict,
				"common_type geometry for %s (offset %d, size %d) disagrees with cache geometry (offset %d, size %d)",
				name, ct.Offset, ct.Size, c.commonTypeOffset, c.commonTypeSize)
		}
	} else {
		c.commonTypeOffset = ct.Offset
		c.commonTypeSize = ct.Size
		c.haveCommonGeom = true
	}

	c.byID[m.ID] = m
	c.byName[name] = m
	return m, nil
}
