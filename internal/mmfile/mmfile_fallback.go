//go:build !unix

// Package mmfile provides platform-specific helpers for mapping device and
// host-mirror memory.
package mmfile

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Anon allocates size bytes of zeroed heap memory when mmap is not available.
func Anon(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return []byte{}, func() error { return nil }, nil
	}
	return make([]byte, size), func() error { return nil }, nil
}

// MapFile reads the requested window of the file into memory. The window is
// written back when the returned cleanup function runs.
func MapFile(path string, off int64, size int) ([]byte, func() error, error) {
	if size <= 0 {
		return []byte{}, func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, size)
	if _, err := f.ReadAt(data, off); err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, nil, fmt.Errorf("mmfile: read %s: %w", path, err)
	}
	cleanup := func() error {
		defer f.Close()
		_, err := f.WriteAt(data, off)
		return err
	}
	return data, cleanup, nil
}

// Sync is a no-op without mmap; data is written back on cleanup.
func Sync(data []byte) error { return nil }
