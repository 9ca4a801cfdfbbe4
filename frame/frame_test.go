package frame

import (
	"sync"
	"testing"
)

func newAllocated(t *testing.T, w, h uint32) *Frame {
	t.Helper()
	f, err := Init(Options{Width: w, Height: h, Stride: w, FourCC: FourCCFromString("RGB3")})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := f.Alloc(ShmProvider{}, ""); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	return f
}

func TestInitRejectsBadDimensions(t *testing.T) {
	if _, err := Init(Options{Width: 0, Height: 4, Stride: 4}); err == nil {
		t.Fatalf("expected error for zero width")
	}
	if _, err := Init(Options{Width: 8, Height: 4, Stride: 4}); err == nil {
		t.Fatalf("expected error for stride < width")
	}
}

func TestAllocThenMmapRoundTrip(t *testing.T) {
	f := newAllocated(t, 8, 8)
	defer f.Release()

	var size uint64
	data, err := f.Mmap(&size)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if size != f.Size() {
		t.Fatalf("mmap size = %d, want %d", size, f.Size())
	}
	if len(data) == 0 {
		t.Fatalf("mapped region is empty")
	}

	data[0] = 0x42
	if f.Data()[0] != 0x42 {
		t.Fatalf("Data() does not see write through mapped region")
	}

	if _, err := f.Mmap(&size); err == nil {
		t.Fatalf("expected error mapping an already-mapped frame")
	}

	if err := f.Munmap(); err != nil {
		t.Fatalf("munmap: %v", err)
	}
}

func TestReleaseIsIdempotentAndRunsCleanupOnce(t *testing.T) {
	var calls int
	var mu sync.Mutex
	f, err := Init(Options{
		Width: 4, Height: 4, Stride: 4, FourCC: FourCCFromString("RGB3"),
		Cleanup: func() {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := f.Alloc(ShmProvider{}, ""); err != nil {
		t.Fatalf("alloc: %v", err)
	}

	if err := f.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := f.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("cleanup called %d times, want 1", calls)
	}
}

func TestTryLockFailsOnceExpired(t *testing.T) {
	f := newAllocated(t, 4, 4)
	defer f.Release()

	if err := f.TryLock(); err != nil {
		t.Fatalf("trylock: %v", err)
	}
	if n, err := f.Unlock(); err != nil || n != 0 {
		t.Fatalf("unlock: n=%d err=%v", n, err)
	}

	f.MarkExpired()
	if err := f.TryLock(); err == nil {
		t.Fatalf("expected trylock on expired frame to fail")
	}
}

func TestHostOwnedFrameLockIsNoOp(t *testing.T) {
	f := newAllocated(t, 4, 4)
	defer f.Release()
	f.MarkHostOwned(true)
	f.MarkExpired()

	if err := f.TryLock(); err != nil {
		t.Fatalf("host-owned trylock should succeed even when expired: %v", err)
	}
	if n, err := f.Unlock(); err != nil || n != 0 {
		t.Fatalf("host-owned unlock: n=%d err=%v", n, err)
	}
}

func TestCopyHonorsCropAndStride(t *testing.T) {
	src := newAllocated(t, 4, 4)
	defer src.Release()
	dst := newAllocated(t, 2, 2)
	defer dst.Release()

	if _, err := src.Mmap(nil); err != nil {
		t.Fatalf("mmap src: %v", err)
	}
	if _, err := dst.Mmap(nil); err != nil {
		t.Fatalf("mmap dst: %v", err)
	}

	for i := range src.Data() {
		src.Data()[i] = byte(i + 1)
	}

	n, err := Copy(dst, src, &Rect{X: 1, Y: 1, W: 2, H: 2})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != 4 {
		t.Fatalf("copied %d bytes, want 4", n)
	}

	wantRow0 := src.Data()[1*4+1 : 1*4+1+2]
	gotRow0 := dst.Data()[0:2]
	for i := range wantRow0 {
		if wantRow0[i] != gotRow0[i] {
			t.Fatalf("row 0 mismatch at %d: got %v want %v", i, gotRow0, wantRow0)
		}
	}
}

func TestCopyConcurrentBothDirectionsDoesNotDeadlock(t *testing.T) {
	a := newAllocated(t, 4, 4)
	defer a.Release()
	b := newAllocated(t, 4, 4)
	defer b.Release()
	a.Mmap(nil)
	b.Mmap(nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		Copy(a, b, nil)
	}()
	go func() {
		defer wg.Done()
		Copy(b, a, nil)
	}()
	wg.Wait()
}

func TestFourCCStringRoundTrip(t *testing.T) {
	fc := FourCCFromString("NV12")
	if got := fc.String(); got != "NV12" {
		t.Fatalf("String() = %q, want %q", got, "NV12")
	}
}

func TestSetPostMetaStampsAccessors(t *testing.T) {
	f := newAllocated(t, 4, 4)
	defer f.Release()
	f.SetPostMeta(7, 100, 200, 33, 9, 10)
	if f.Serial() != 7 || f.Timestamp() != 100 || f.Expires() != 200 {
		t.Fatalf("unexpected post meta: serial=%d ts=%d exp=%d", f.Serial(), f.Timestamp(), f.Expires())
	}
	if f.Duration() != 33 || f.PTS() != 9 || f.DTS() != 10 {
		t.Fatalf("unexpected timing fields: dur=%d pts=%d dts=%d", f.Duration(), f.PTS(), f.DTS())
	}
}
