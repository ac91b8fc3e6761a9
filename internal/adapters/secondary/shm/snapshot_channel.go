package shm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// SnapshotMagic marks a fully written snapshot record ("OVSS")
const SnapshotMagic uint32 = 0x5353564F

// SnapshotHeaderSize is the fixed header preceding the payload
const SnapshotHeaderSize = 24

// Header layout:
//
//	0  magic          u32
//	4  schema_version u32
//	8  payload_size   u32
//	12 generation     u32 (bumped on every write)
//	16 updated_at_ms  u64
const (
	snapOffMagic      = 0
	snapOffVersion    = 4
	snapOffSize       = 8
	snapOffGeneration = 12
	snapOffUpdated    = 16
)

// ErrPayloadTooLarge is returned when a payload exceeds the region capacity
var ErrPayloadTooLarge = errors.New("snapshot payload too large")

// SnapshotChannel is a latest-wins record in a named shared region.
// One process writes; any number of processes read.
type SnapshotChannel struct {
	dir      string
	name     string
	capacity int
	logger   *slog.Logger

	mu     sync.Mutex
	region *Region

	// afterCopy runs between the payload copy and the header re-check
	afterCopy func()
}

var (
	_ ports.SnapshotWriter = (*SnapshotChannel)(nil)
	_ ports.SnapshotReader = (*SnapshotChannel)(nil)
)

// NewSnapshotChannel creates a channel for the named region. The region is
// not opened until Ensure.
func NewSnapshotChannel(dir, name string, capacity int, logger *slog.Logger) *SnapshotChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotChannel{
		dir:      dir,
		name:     name,
		capacity: capacity,
		logger:   logger.With("channel", "snapshot", "region", name),
	}
}

// Capacity returns the region size including the header
func (c *SnapshotChannel) Capacity() int {
	return c.capacity
}

// MaxPayload returns the largest payload that fits
func (c *SnapshotChannel) MaxPayload() int {
	return c.capacity - SnapshotHeaderSize
}

// Ensure creates or opens the region
func (c *SnapshotChannel) Ensure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked()
}

func (c *SnapshotChannel) ensureLocked() bool {
	if c.region != nil {
		return true
	}
	region, err := OpenRegion(c.dir, c.name, c.capacity)
	if err != nil {
		c.logger.Debug("snapshot region unavailable", slog.String("error", err.Error()))
		return false
	}
	c.region = region
	return true
}

// Write replaces the record. The magic is cleared first and restored last so a
// concurrent reader either sees a complete record or rejects what it copied.
func (c *SnapshotChannel) Write(payload []byte, schemaVersion uint32, updatedAtMs int64) error {
	if len(payload) > c.MaxPayload() {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), c.MaxPayload())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ensureLocked() {
		return ErrRegionUnavailable
	}

	b := c.region.Bytes()
	storeU32(b, snapOffMagic, 0)
	storeU32(b, snapOffGeneration, loadU32(b, snapOffGeneration)+1)
	copy(b[SnapshotHeaderSize:], payload)
	storeU32(b, snapOffSize, uint32(len(payload))) // #nosec G115 - bounded by capacity
	storeU32(b, snapOffVersion, schemaVersion)
	storeU64(b, snapOffUpdated, uint64(updatedAtMs)) // #nosec G115
	storeU32(b, snapOffMagic, SnapshotMagic)
	return nil
}

// Read copies the current record out of the region. It returns false when the
// region is empty, mid-write, or changed while being copied.
func (c *SnapshotChannel) Read() (ports.SnapshotRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ensureLocked() {
		return ports.SnapshotRecord{}, false
	}

	b := c.region.Bytes()
	if loadU32(b, snapOffMagic) != SnapshotMagic {
		return ports.SnapshotRecord{}, false
	}

	generation := loadU32(b, snapOffGeneration)
	size := loadU32(b, snapOffSize)
	if size == 0 || int(size) > c.MaxPayload() {
		return ports.SnapshotRecord{}, false
	}
	version := loadU32(b, snapOffVersion)
	updated := loadU64(b, snapOffUpdated)

	payload := make([]byte, size)
	copy(payload, b[SnapshotHeaderSize:SnapshotHeaderSize+int(size)])

	if c.afterCopy != nil {
		c.afterCopy()
	}

	if loadU32(b, snapOffMagic) != SnapshotMagic ||
		loadU32(b, snapOffGeneration) != generation ||
		loadU32(b, snapOffSize) != size ||
		loadU64(b, snapOffUpdated) != updated {
		c.logger.Debug("discarding torn snapshot read")
		return ports.SnapshotRecord{}, false
	}

	return ports.SnapshotRecord{
		SchemaVersion: version,
		UpdatedAtMs:   int64(updated), // #nosec G115
		Payload:       payload,
	}, true
}

// Close unmaps the region
func (c *SnapshotChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.region == nil {
		return nil
	}
	err := c.region.Close()
	c.region = nil
	return err
}
