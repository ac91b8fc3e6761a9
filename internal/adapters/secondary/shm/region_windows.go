//go:build windows

package shm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// OpenRegion creates or opens a pagefile-backed named file mapping in the
// session-local namespace. dir is ignored on Windows.
func OpenRegion(dir, name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region %s: invalid size %d", name, size)
	}

	namePtr, err := windows.UTF16PtrFromString(`Local\` + name)
	if err != nil {
		return nil, fmt.Errorf("region name %s: %w", name, err)
	}

	handle, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, uint32(size), namePtr)
	created := true
	if err != nil {
		if handle == 0 || !errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
			return nil, fmt.Errorf("creating mapping %s: %w", name, err)
		}
		created = false
	}

	addr, err := windows.MapViewOfFile(handle, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		_ = windows.CloseHandle(handle)
		return nil, fmt.Errorf("mapping view %s: %w", name, err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	return &Region{
		name:    name,
		data:    data,
		created: created,
		release: func() error {
			unmapErr := windows.UnmapViewOfFile(addr)
			closeErr := windows.CloseHandle(handle)
			return errors.Join(unmapErr, closeErr)
		},
	}, nil
}

// RemoveRegion is a no-op on Windows: mappings disappear with their last handle
func RemoveRegion(dir, name string) error {
	return nil
}
