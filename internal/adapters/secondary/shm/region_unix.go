//go:build unix

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// OpenRegion creates or opens the named region as a file under dir and maps
// it shared. The file is grown to size when shorter; a zero-length file
// counts as newly created.
func OpenRegion(dir, name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region %s: invalid size %d", name, size)
	}

	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304 - name validated by config
	if err != nil {
		return nil, fmt.Errorf("opening region %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat region %s: %w", path, err)
	}

	created := info.Size() == 0
	if info.Size() < int64(size) {
		if err := file.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("sizing region %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping region %s: %w", path, err)
	}

	return &Region{
		name:    name,
		data:    data,
		created: created,
		release: func() error { return unix.Munmap(data) },
	}, nil
}

// RemoveRegion deletes the backing object of a named region
func RemoveRegion(dir, name string) error {
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing region %s: %w", name, err)
	}
	return nil
}
