// Package frame defines the Frame value type — one picture's metadata plus
// a handle to the buffer backing it — along with the buffer providers that
// allocate that backing memory. A Frame is created free-standing, then
// either posted to a host for broadcast, received by a client from a host,
// or used purely locally.
package frame

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Options configures a Frame at Init time. Width, Height and Stride are
// required (Stride must be at least Width); FourCC, UserPtr and Cleanup
// are optional.
type Options struct {
	Width, Height uint32
	Stride        uint32
	FourCC        FourCC
	UserPtr       any
	Cleanup       func()
}

// Frame is an immutable metadata record plus a handle to a mutable buffer.
// Frame is safe for concurrent accessor reads; Mmap/Munmap/TryLock/Unlock/
// Release are serialized internally by mu.
type Frame struct {
	mu sync.Mutex

	serial  uint64
	width   uint32
	height  uint32
	stride  uint32
	fourcc  FourCC
	size    uint64
	offset  uint64
	handle  int
	path    string
	paddr   uintptr
	mapped  []byte

	timestamp int64
	expires   int64
	duration  int64
	pts       int64
	dts       int64

	userPtr any
	cleanup func()

	lockCount int32
	hostOwned bool
	expired   atomic.Bool
	released  atomic.Bool
}

// Init creates a free-standing frame with no backing buffer (handle -1,
// size 0). The caller must subsequently call Alloc or Attach before Mmap.
func Init(opts Options) (*Frame, error) {
	if opts.Width == 0 || opts.Height == 0 {
		return nil, fmt.Errorf("frame: init: %w", ErrInvalidArgument)
	}
	if opts.Stride < opts.Width {
		return nil, fmt.Errorf("frame: init: stride smaller than width: %w", ErrInvalidArgument)
	}
	return &Frame{
		width:   opts.Width,
		height:  opts.Height,
		stride:  opts.Stride,
		fourcc:  opts.FourCC,
		handle:  -1,
		userPtr: opts.UserPtr,
		cleanup: opts.Cleanup,
		pts:     -1,
		dts:     -1,
	}, nil
}

// Alloc invokes provider (or DefaultProvider if nil) to allocate a buffer
// of at least stride*height bytes and attaches it to the frame. Alloc
// requires the frame currently have no handle (handle == -1).
func (f *Frame) Alloc(provider Provider, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handle != -1 {
		return fmt.Errorf("frame: alloc: %w", ErrInvalidArgument)
	}
	if provider == nil {
		provider = DefaultProvider{}
	}

	need := uint64(f.stride) * uint64(f.height)
	fd, size, actualPath, err := provider.Allocate(need, path)
	if err != nil {
		return fmt.Errorf("frame: alloc: %w", err)
	}
	if size < need {
		unix.Close(fd)
		return fmt.Errorf("frame: alloc: provider returned undersized buffer: %w", ErrNoMemory)
	}

	f.handle = fd
	f.size = size
	f.path = actualPath
	f.paddr = 0 // computed lazily by the OS on first mmap; kept pure thereafter
	return nil
}

// Attach adopts an externally-owned file descriptor (for example one
// received over SCM_RIGHTS), taking over its lifetime: Unalloc/Release
// close fd exactly once, same as a handle obtained from Alloc. offset is
// the byte offset within fd of the start of pixel data.
func (f *Frame) Attach(fd int, size uint64, offset uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handle != -1 {
		return fmt.Errorf("frame: attach: %w", ErrInvalidArgument)
	}
	if size < offset+uint64(f.stride)*uint64(f.height) {
		return fmt.Errorf("frame: attach: %w", ErrInvalidArgument)
	}
	f.handle = fd
	f.size = size
	f.offset = offset
	return nil
}

// Unalloc releases memory allocated by Alloc, closing the handle. It is a
// no-op if the frame has no handle.
func (f *Frame) Unalloc() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unallocLocked()
}

func (f *Frame) unallocLocked() error {
	if f.handle == -1 {
		return nil
	}
	if len(f.mapped) != 0 {
		if err := unix.Munmap(f.mapped); err != nil {
			return fmt.Errorf("frame: unalloc: munmap: %w", err)
		}
		f.mapped = nil
	}
	if err := unix.Close(f.handle); err != nil {
		return fmt.Errorf("frame: unalloc: close: %w", err)
	}
	f.handle = -1
	return nil
}

// Mmap maps the frame's buffer region into the caller's address space and
// returns the mapped bytes. sizeOut, if non-nil, receives the mapped
// length. A cache-coherency "begin" sync is issued on DmaBuf-backed
// handles; see Sync.
func (f *Frame) Mmap(sizeOut *uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handle < 0 {
		return nil, fmt.Errorf("frame: mmap: %w", ErrInvalidArgument)
	}
	if f.mapped != nil {
		return nil, fmt.Errorf("frame: mmap: %w", ErrAlreadyMapped)
	}

	data, err := unix.Mmap(f.handle, 0, int(f.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("frame: mmap: %w", classifyErrno(err.(unix.Errno)))
	}
	f.mapped = data
	f.paddr = uintptr(0)
	if len(data) > 0 {
		f.paddr = firstByteAddr(data)
	}

	if err := f.syncLocked(true, SyncReadWrite); err != nil {
		unix.Munmap(data)
		f.mapped = nil
		return nil, err
	}

	if sizeOut != nil {
		*sizeOut = f.size
	}
	return data, nil
}

// Munmap unmaps a previously mapped region. A cache-coherency "end" sync
// is issued before the unmap.
func (f *Frame) Munmap() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mapped == nil {
		return nil
	}
	_ = f.syncLocked(false, SyncReadWrite)
	err := unix.Munmap(f.mapped)
	f.mapped = nil
	if err != nil {
		return fmt.Errorf("frame: munmap: %w", err)
	}
	return nil
}

// SyncMode selects which direction of cache synchronization Sync performs.
type SyncMode int

const (
	// SyncRead flushes caches for CPU reads of device-written data.
	SyncRead SyncMode = iota
	// SyncWrite flushes caches for device reads of CPU-written data.
	SyncWrite
	// SyncReadWrite covers both directions.
	SyncReadWrite
)

// Sync performs (enable=true) or ends (enable=false) a manual
// cache-coherency pair for the given mode, via the DMA_BUF_IOCTL_SYNC
// ioctl. It is a no-op on shm-backed frames, which are always coherent.
func (f *Frame) Sync(enable bool, mode SyncMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncLocked(enable, mode)
}

// dmaBufSyncData mirrors struct dma_buf_sync from <linux/dma-buf.h>.
type dmaBufSyncData struct {
	Flags uint64
}

const (
	dmaBufSyncRead  = 1 << 0
	dmaBufSyncWrite = 1 << 1
	dmaBufSyncStart = 0 << 2
	dmaBufSyncEnd   = 1 << 2
	// dmaBufIoctlSync is DMA_BUF_IOCTL_SYNC, _IOW('b', 0, struct dma_buf_sync).
	dmaBufIoctlSync = 0x40086200
)

func (f *Frame) syncLocked(enable bool, mode SyncMode) error {
	if f.handle < 0 {
		return nil
	}
	var flags uint64
	switch mode {
	case SyncRead:
		flags = dmaBufSyncRead
	case SyncWrite:
		flags = dmaBufSyncWrite
	default:
		flags = dmaBufSyncRead | dmaBufSyncWrite
	}
	if enable {
		flags |= dmaBufSyncStart
	} else {
		flags |= dmaBufSyncEnd
	}
	req := dmaBufSyncData{Flags: flags}
	if errno := ioctl(uintptr(f.handle), dmaBufIoctlSync, uintptrOf(&req)); errno != 0 {
		// Not all backing fds (e.g. shm) support DMA_BUF_IOCTL_SYNC; treat
		// ENOTTY as "nothing to do" rather than a hard failure.
		if errno == unix.ENOTTY {
			return nil
		}
		return fmt.Errorf("frame: sync: %w", classifyErrno(errno))
	}
	return nil
}

// TryLock increments the frame's lock count. It fails if the frame has
// already been expired by its host. Locking a host-owned frame (one still
// held solely by a Host's live queue, not yet delivered to any client) is
// a no-op that always succeeds.
func (f *Frame) TryLock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hostOwned {
		return nil
	}
	if f.expired.Load() {
		return fmt.Errorf("frame: trylock: %w", ErrExpired)
	}
	f.lockCount++
	return nil
}

// Unlock decrements the frame's lock count. The caller that drops the
// count to zero is responsible for notifying the owning host (done by the
// client package, not here, since only it knows the session to notify).
func (f *Frame) Unlock() (remaining int32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hostOwned {
		return 0, nil
	}
	if f.lockCount == 0 {
		return 0, nil
	}
	f.lockCount--
	return f.lockCount, nil
}

// LockCount reports the frame's current lock count.
func (f *Frame) LockCount() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lockCount
}

// MarkHostOwned flags the frame as owned by a Host's live queue, making
// TryLock/Unlock no-ops. Used internally by the host package; exported so
// collaborators constructing frames outside the host package can opt in.
func (f *Frame) MarkHostOwned(owned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostOwned = owned
}

// MarkExpired flags the frame as expired, causing subsequent TryLock calls
// to fail. Used internally by host's expiry walk.
func (f *Frame) MarkExpired() {
	f.expired.Store(true)
}

// Expired reports whether the host has expired this frame.
func (f *Frame) Expired() bool {
	return f.expired.Load()
}

// Release unmaps the frame if mapped, unlocks it if locked, and invokes
// its cleanup callback exactly once. Calling Release twice is safe and has
// the same effect as calling it once.
func (f *Frame) Release() error {
	if !f.released.CompareAndSwap(false, true) {
		return nil
	}

	f.mu.Lock()
	if f.mapped != nil {
		_ = f.syncLocked(false, SyncReadWrite)
		unix.Munmap(f.mapped)
		f.mapped = nil
	}
	if f.lockCount > 0 {
		f.lockCount--
	}
	cleanup := f.cleanup
	f.cleanup = nil
	err := f.unallocLocked()
	f.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
	return err
}

// Copy copies pixel data from src into dst, honoring an optional crop
// rectangle and row stride, returning the number of bytes written. Both
// frames are locked for the duration of the copy, in address order, to
// prevent AB/BA deadlock when two goroutines copy between the same pair
// of frames in opposite directions.
func Copy(dst, src *Frame, crop *Rect) (int, error) {
	if dst == nil || src == nil {
		return 0, fmt.Errorf("frame: copy: %w", ErrInvalidArgument)
	}

	first, second := dst, src
	if addrOf(dst) > addrOf(src) {
		first, second = src, dst
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	if dst.mapped == nil || src.mapped == nil {
		return 0, fmt.Errorf("frame: copy: %w", ErrInvalidArgument)
	}

	x0, y0, w, h := 0, 0, int(src.width), int(src.height)
	if crop != nil {
		x0, y0, w, h = crop.X, crop.Y, crop.W, crop.H
	}
	if w > int(dst.width) {
		w = int(dst.width)
	}
	if h > int(dst.height) {
		h = int(dst.height)
	}

	n := 0
	for row := 0; row < h; row++ {
		srcOff := int(src.offset) + (y0+row)*int(src.stride) + x0
		dstOff := int(dst.offset) + row*int(dst.stride)
		rowLen := w
		if srcOff+rowLen > len(src.mapped) || dstOff+rowLen > len(dst.mapped) {
			break
		}
		copy(dst.mapped[dstOff:dstOff+rowLen], src.mapped[srcOff:srcOff+rowLen])
		n += rowLen
	}
	return n, nil
}

// Rect is an optional crop rectangle for Copy, in pixels.
type Rect struct {
	X, Y, W, H int
}

// Accessors. All are pure reads safe under any concurrent use that does
// not destroy the frame.

func (f *Frame) Serial() uint64     { return atomic.LoadUint64(&f.serial) }
func (f *Frame) Timestamp() int64   { return atomic.LoadInt64(&f.timestamp) }
func (f *Frame) Duration() int64    { return atomic.LoadInt64(&f.duration) }
func (f *Frame) PTS() int64         { return atomic.LoadInt64(&f.pts) }
func (f *Frame) DTS() int64         { return atomic.LoadInt64(&f.dts) }
func (f *Frame) Expires() int64     { return atomic.LoadInt64(&f.expires) }
func (f *Frame) FourCC() FourCC     { return f.fourcc }
func (f *Frame) Width() uint32      { return f.width }
func (f *Frame) Height() uint32     { return f.height }
func (f *Frame) Stride() uint32     { return f.stride }
func (f *Frame) Size() uint64       { return f.size }
func (f *Frame) Offset() uint64     { return f.offset }
func (f *Frame) Handle() int        { return f.handle }
func (f *Frame) Paddr() uintptr     { return f.paddr }
func (f *Frame) Path() string       { return f.path }
func (f *Frame) UserPtr() any       { return f.userPtr }
func (f *Frame) SetUserPtr(p any)   { f.userPtr = p }
func (f *Frame) Data() []byte       { return f.mapped }

// SetPostMeta is called by Host.Post to stamp the fields the host alone
// assigns: serial, timestamp, expiry, and the A/V timing fields supplied
// by the caller of Post.
func (f *Frame) SetPostMeta(serial uint64, timestamp, expires, duration, pts, dts int64) {
	atomic.StoreUint64(&f.serial, serial)
	atomic.StoreInt64(&f.timestamp, timestamp)
	atomic.StoreInt64(&f.expires, expires)
	atomic.StoreInt64(&f.duration, duration)
	atomic.StoreInt64(&f.pts, pts)
	atomic.StoreInt64(&f.dts, dts)
}

// Now returns the current monotonic time (CLOCK_MONOTONIC) in nanoseconds,
// the clock and unit all Frame timing fields use. Host, client and tests
// all read the time through it.
func Now() int64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return ts.Nano()
}
