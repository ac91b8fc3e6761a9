package shm

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// EventRingMagic marks an initialized event ring ("OVSE")
const EventRingMagic uint32 = 0x4553564F

// ringMagicInitializing is held in the magic word while one process writes
// the header of a blank region ("INIT")
const ringMagicInitializing uint32 = 0x54494E49

// ringInitWait bounds how long Ensure waits for another process to finish
// initializing the header
const ringInitWait = 250 * time.Millisecond

// EventRingVersion is the ring layout version
const EventRingVersion uint32 = 1

// RingHeaderSize is the header size, padded to a cache line
const RingHeaderSize = 64

// SlotHeaderSize precedes each slot payload: type u16, flags u16,
// payload_size u32, timestamp_ms u64
const SlotHeaderSize = 16

// Header layout. Indices are monotonic; the slot for index i is i % slot_count.
const (
	ringOffMagic      = 0
	ringOffVersion    = 4
	ringOffSlotCount  = 8
	ringOffPayloadCap = 12
	ringOffWrite      = 16
	ringOffRead       = 24
	ringOffDropped    = 32
)

// SlotStride returns the aligned size of one slot
func SlotStride(payloadCap uint32) int {
	return (SlotHeaderSize + int(payloadCap) + 7) &^ 7
}

// RingSize returns the total region size for a ring layout
func RingSize(slotCount, payloadCap uint32) int {
	return RingHeaderSize + int(slotCount)*SlotStride(payloadCap)
}

// EventRingChannel is a bounded single-producer single-consumer ring in a named
// shared region. When full, the producer evicts the oldest event and counts it.
type EventRingChannel struct {
	dir        string
	name       string
	slotCount  uint32
	payloadCap uint32
	stride     int
	logger     *slog.Logger

	mu     sync.Mutex
	region *Region

	// consumer-side baseline for reporting drops per drain
	lastDropped uint64
}

var (
	_ ports.EventSink   = (*EventRingChannel)(nil)
	_ ports.EventSource = (*EventRingChannel)(nil)
)

// NewEventRingChannel creates a ring for the named region. The region is not
// opened until Ensure.
func NewEventRingChannel(dir, name string, slotCount, payloadCap uint32, logger *slog.Logger) *EventRingChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRingChannel{
		dir:        dir,
		name:       name,
		slotCount:  slotCount,
		payloadCap: payloadCap,
		stride:     SlotStride(payloadCap),
		logger:     logger.With("channel", "events", "region", name),
	}
}

// Ensure creates or opens the region and initializes the header when it is
// blank. A region with a different layout is rejected.
func (r *EventRingChannel) Ensure() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked()
}

func (r *EventRingChannel) ensureLocked() bool {
	if r.region != nil {
		return true
	}
	if r.slotCount == 0 || r.payloadCap == 0 {
		return false
	}

	region, err := OpenRegion(r.dir, r.name, RingSize(r.slotCount, r.payloadCap))
	if err != nil {
		r.logger.Debug("event region unavailable", slog.String("error", err.Error()))
		return false
	}

	b := region.Bytes()
	switch r.initHeader(b) {
	case EventRingMagic:
		if loadU32(b, ringOffVersion) != EventRingVersion ||
			loadU32(b, ringOffSlotCount) != r.slotCount ||
			loadU32(b, ringOffPayloadCap) != r.payloadCap {
			r.logger.Warn("event ring layout mismatch",
				slog.Uint64("version", uint64(loadU32(b, ringOffVersion))),
				slog.Uint64("slot_count", uint64(loadU32(b, ringOffSlotCount))),
				slog.Uint64("slot_payload_cap", uint64(loadU32(b, ringOffPayloadCap))))
			_ = region.Close()
			return false
		}
	case ringMagicInitializing:
		r.logger.Warn("event ring header initialization did not complete")
		_ = region.Close()
		return false
	default:
		r.logger.Warn("event ring has foreign magic")
		_ = region.Close()
		return false
	}

	r.region = region
	r.lastDropped = loadU64(b, ringOffDropped)
	return true
}

// initHeader writes the header of a blank region. The magic word is claimed
// with a CAS, so exactly one process initializes; the others wait for the
// final magic. It returns the magic observed afterwards.
func (r *EventRingChannel) initHeader(b []byte) uint32 {
	if casU32(b, ringOffMagic, 0, ringMagicInitializing) {
		storeU32(b, ringOffVersion, EventRingVersion)
		storeU32(b, ringOffSlotCount, r.slotCount)
		storeU32(b, ringOffPayloadCap, r.payloadCap)
		storeU64(b, ringOffWrite, 0)
		storeU64(b, ringOffRead, 0)
		storeU64(b, ringOffDropped, 0)
		storeU32(b, ringOffMagic, EventRingMagic)
		return EventRingMagic
	}

	deadline := time.Now().Add(ringInitWait)
	for {
		magic := loadU32(b, ringOffMagic)
		if magic != ringMagicInitializing || time.Now().After(deadline) {
			return magic
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *EventRingChannel) slot(b []byte, index uint64) []byte {
	start := RingHeaderSize + int(index%uint64(r.slotCount))*r.stride
	return b[start : start+r.stride]
}

// Publish appends an event, evicting the oldest when the ring is full.
// Payloads larger than the slot are truncated and flagged.
func (r *EventRingChannel) Publish(event entities.Event) bool {
	if !event.Type.Valid() {
		r.logger.Debug("refusing to publish unknown event type", slog.String("type", event.Type.String()))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ensureLocked() {
		return false
	}

	payload := event.Payload
	flags := event.Flags
	if len(payload) > int(r.payloadCap) {
		payload = payload[:r.payloadCap]
		flags |= entities.EventFlagTruncated
	}

	b := r.region.Bytes()
	capacity := uint64(r.slotCount)
	for {
		w := loadU64(b, ringOffWrite)
		rd := loadU64(b, ringOffRead)
		if w-rd >= capacity {
			if casU64(b, ringOffRead, rd, rd+1) {
				addU64(b, ringOffDropped, 1)
			}
			continue
		}

		s := r.slot(b, w)
		binary.LittleEndian.PutUint16(s[0:], uint16(event.Type))
		binary.LittleEndian.PutUint16(s[2:], flags)
		binary.LittleEndian.PutUint32(s[4:], uint32(len(payload))) // #nosec G115 - bounded by payloadCap
		binary.LittleEndian.PutUint64(s[8:], uint64(event.TimestampMs)) // #nosec G115
		copy(s[SlotHeaderSize:], payload)

		storeU64(b, ringOffWrite, w+1)
		return true
	}
}

// PollOnce consumes the oldest event. A slot evicted by the producer while
// being copied is discarded and the next one tried.
func (r *EventRingChannel) PollOnce() (entities.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ensureLocked() {
		return entities.Event{}, false
	}
	return r.pollLocked()
}

func (r *EventRingChannel) pollLocked() (entities.Event, bool) {
	b := r.region.Bytes()
	for {
		rd := loadU64(b, ringOffRead)
		w := loadU64(b, ringOffWrite)
		if rd == w {
			return entities.Event{}, false
		}

		s := r.slot(b, rd)
		size := binary.LittleEndian.Uint32(s[4:])
		if size > r.payloadCap {
			size = r.payloadCap
		}
		event := entities.Event{
			Type:        entities.EventType(binary.LittleEndian.Uint16(s[0:])),
			Flags:       binary.LittleEndian.Uint16(s[2:]),
			TimestampMs: int64(binary.LittleEndian.Uint64(s[8:])), // #nosec G115
		}
		if size > 0 {
			event.Payload = make([]byte, size)
			copy(event.Payload, s[SlotHeaderSize:SlotHeaderSize+int(size)])
		}

		if casU64(b, ringOffRead, rd, rd+1) {
			return event, true
		}
	}
}

// Drain consumes every pending event and reports drops since the last drain
func (r *EventRingChannel) Drain() ports.DrainResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ensureLocked() {
		return ports.DrainResult{}
	}

	var result ports.DrainResult
	for i := uint32(0); i < 2*r.slotCount; i++ {
		event, ok := r.pollLocked()
		if !ok {
			break
		}
		result.Events = append(result.Events, event)
	}

	dropped := loadU64(r.region.Bytes(), ringOffDropped)
	result.Dropped = dropped - r.lastDropped
	r.lastDropped = dropped
	return result
}

// Stats returns the ring counters without consuming anything
func (r *EventRingChannel) Stats() (ports.RingStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ensureLocked() {
		return ports.RingStats{}, false
	}

	b := r.region.Bytes()
	w := loadU64(b, ringOffWrite)
	rd := loadU64(b, ringOffRead)
	return ports.RingStats{
		SlotCount:      loadU32(b, ringOffSlotCount),
		SlotPayloadCap: loadU32(b, ringOffPayloadCap),
		WriteIndex:     w,
		ReadIndex:      rd,
		DroppedCount:   loadU64(b, ringOffDropped),
		Pending:        w - rd,
	}, true
}

// Close unmaps the region
func (r *EventRingChannel) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.region == nil {
		return nil
	}
	err := r.region.Close()
	r.region = nil
	return err
}
