package frame

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestShmProviderAllocatesRequestedSize(t *testing.T) {
	p := ShmProvider{}
	fd, size, path, err := p.Allocate(4096, "")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer unix.Close(fd)
	defer os.Remove(path)

	if size != 4096 {
		t.Fatalf("size = %d, want 4096", size)
	}
	if path == "" {
		t.Fatalf("expected a non-empty backing path")
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		t.Fatalf("fstat: %v", err)
	}
	if st.Size != 4096 {
		t.Fatalf("fstat size = %d, want 4096", st.Size)
	}
}

func TestShmProviderGeneratesUniqueNamesWhenPathEmpty(t *testing.T) {
	p := ShmProvider{}
	fd1, _, path1, err := p.Allocate(64, "")
	if err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	defer unix.Close(fd1)
	defer os.Remove(path1)

	fd2, _, path2, err := p.Allocate(64, "")
	if err != nil {
		t.Fatalf("allocate 2: %v", err)
	}
	defer unix.Close(fd2)
	defer os.Remove(path2)

	if path1 == path2 {
		t.Fatalf("expected distinct generated paths, got %q twice", path1)
	}
}

func TestDefaultProviderFallsBackToShm(t *testing.T) {
	// On a machine with no /dev/dma_heap (true of most non-embedded Linux
	// hosts and any container this test runs in), DefaultProvider must
	// still succeed via its shm fallback.
	p := DefaultProvider{}
	fd, size, path, err := p.Allocate(128, "")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer unix.Close(fd)
	if path != "" {
		defer os.Remove(path)
	}
	if size < 128 {
		t.Fatalf("size = %d, want >= 128", size)
	}
}
