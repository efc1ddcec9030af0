//go:build unix

package mmfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAnonUnix(t *testing.T) {
	data, cleanup, err := Anon(2 * 4096)
	if err != nil {
		t.Fatalf("Anon: %v", err)
	}
	if len(data) != 2*4096 {
		t.Fatalf("len mismatch: got %d", len(data))
	}
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: 0x%x", i, b)
		}
	}
	data[0], data[len(data)-1] = 0xde, 0xad
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func TestAnonZeroLength(t *testing.T) {
	data, cleanup, err := Anon(0)
	if err != nil {
		t.Fatalf("Anon: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected zero-length mapping, got %d", len(data))
	}
	if cleanup == nil {
		t.Fatalf("expected cleanup function")
	}
	if cleanupErr := cleanup(); cleanupErr != nil {
		t.Fatalf("cleanup: %v", cleanupErr)
	}
}

func TestMapFilePersists(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mmap test in short mode")
	}
	path := filepath.Join(t.TempDir(), "device.img")
	data, cleanup, err := MapFile(path, 4096, 4096)
	if err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	want := []byte{0xde, 0xad, 0xbe, 0xef, 0x42}
	copy(data, want)
	if err := Sync(data); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(raw) != 2*4096 {
		t.Fatalf("file size: got %d want %d", len(raw), 2*4096)
	}
	for i, b := range want {
		if raw[4096+i] != b {
			t.Fatalf("byte %d mismatch: got 0x%x want 0x%x", i, raw[4096+i], b)
		}
	}
}
