// Package shm implements the shared-memory transports used between the helper
// service and renderer processes: a latest-wins snapshot channel and a bounded
// event ring. Neither uses a cross-process lock; readers validate what they see.
package shm

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// ErrRegionUnavailable is returned when the backing region cannot be opened
var ErrRegionUnavailable = errors.New("shared region unavailable")

// Region is a named, fixed-size memory region mapped into this process.
// The same name maps the same bytes in every cooperating process.
type Region struct {
	name    string
	data    []byte
	created bool
	release func() error
}

// Name returns the region name
func (r *Region) Name() string {
	return r.name
}

// Bytes returns the mapped memory
func (r *Region) Bytes() []byte {
	return r.data
}

// Created reports whether this process created the region (it was empty)
func (r *Region) Created() bool {
	return r.created
}

// Size returns the mapped length
func (r *Region) Size() int {
	return len(r.data)
}

// Close unmaps the region. The backing object outlives this process.
func (r *Region) Close() error {
	if r.release == nil {
		return nil
	}
	err := r.release()
	r.release = nil
	r.data = nil
	return err
}

// Header fields are accessed in place with native byte order (little endian on
// every supported platform). Offsets must be naturally aligned.

func loadU32(b []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off])))
}

func storeU32(b []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off])), v)
}

func casU32(b []byte, off int, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&b[off])), old, new)
}

func loadU64(b []byte, off int) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[off])))
}

func storeU64(b []byte, off int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[off])), v)
}

func addU64(b []byte, off int, delta uint64) uint64 {
	return atomic.AddUint64((*uint64)(unsafe.Pointer(&b[off])), delta)
}

func casU64(b []byte, off int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&b[off])), old, new)
}
