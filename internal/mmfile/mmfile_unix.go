//go:build unix

// Package mmfile provides platform-specific helpers for mapping device and
// host-mirror memory.
package mmfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Anon maps size bytes of zeroed, private anonymous memory.
func Anon(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return []byte{}, func() error { return nil }, nil
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmfile: anonymous map of %d bytes: %w", size, err)
	}
	return data, unmapper(data), nil
}

// MapFile maps size bytes of the file at path starting at off, read-write and
// shared, growing the file when it is shorter than off+size.
func MapFile(path string, off int64, size int) ([]byte, func() error, error) {
	if size <= 0 {
		return []byte{}, func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close() // safe before return; mapping keeps pages alive

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if info.Size() < off+int64(size) {
		if truncErr := f.Truncate(off + int64(size)); truncErr != nil {
			return nil, nil, fmt.Errorf("mmfile: extend %s: %w", path, truncErr)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), off, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmfile: map %s: %w", path, err)
	}
	return data, unmapper(data), nil
}

// Sync flushes a shared file mapping to disk.
func Sync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}

func unmapper(data []byte) func() error {
	return func() error {
		if data == nil {
			return nil
		}
		err := unix.Munmap(data)
		data = nil
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
}
