package frame

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Provider allocates a shareable memory region and yields a file
// descriptor plus the size actually granted by the kernel. Two concrete
// implementations are provided: DmaBufProvider (a DmaBuf heap allocator)
// and ShmProvider (POSIX shared memory). DefaultProvider composes both,
// trying DmaBuf first and falling back to shm.
type Provider interface {
	// Allocate returns a file descriptor usable for mmap and SCM_RIGHTS,
	// the actual size granted (which may exceed size due to page
	// rounding), and the backing path, if any.
	Allocate(size uint64, path string) (fd int, actualSize uint64, actualPath string, err error)
}

// defaultHeaps is the default DmaBuf heap search order used when the
// caller supplies no path and no explicit provider.
var defaultHeaps = []string{"system", "cma", "reserved"}

// dmaHeapAllocationData mirrors struct dma_heap_allocation_data from
// <linux/dma-heap.h>.
type dmaHeapAllocationData struct {
	Len       uint64
	Fd        uint32
	FdFlags   uint32
	HeapFlags uint64
}

// dmaHeapIoctlAlloc is DMA_HEAP_IOCTL_ALLOC, i.e. _IOWR('H', 0x0, struct
// dma_heap_allocation_data).
const dmaHeapIoctlAlloc = 0xC0184800

// DmaBufProvider allocates buffers from a DmaBuf heap character device
// (e.g. /dev/dma_heap/system).
type DmaBufProvider struct {
	// HeapDir is the directory containing heap device nodes. Defaults to
	// /dev/dma_heap when empty.
	HeapDir string
}

func (p DmaBufProvider) heapDir() string {
	if p.HeapDir != "" {
		return p.HeapDir
	}
	return "/dev/dma_heap"
}

// Allocate opens the named heap (or, if path begins with /dev/, treats
// path itself as the heap device node), issues an allocation ioctl for
// size bytes, and returns the resulting fd.
func (p DmaBufProvider) Allocate(size uint64, path string) (int, uint64, string, error) {
	heapPath := path
	if heapPath == "" || !strings.HasPrefix(heapPath, "/dev/") {
		name := path
		if name == "" {
			name = "system"
		}
		heapPath = p.heapDir() + "/" + name
	}

	heapFd, err := unix.Open(heapPath, unix.O_RDWR, 0)
	if err != nil {
		return -1, 0, "", fmt.Errorf("frame: dmabuf open %s: %w", heapPath, classifyErrno(err.(unix.Errno)))
	}
	defer unix.Close(heapFd)

	req := dmaHeapAllocationData{
		Len:     size,
		FdFlags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	if errno := ioctl(uintptr(heapFd), dmaHeapIoctlAlloc, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return -1, 0, "", fmt.Errorf("frame: dmabuf alloc %s: %w", heapPath, classifyErrno(errno))
	}

	return int(req.Fd), size, heapPath, nil
}

// ioctl is a thin retry-on-EINTR wrapper, the same shape as go4vl's
// v4l2.ioctl: loop until the syscall doesn't return EINTR.
func ioctl(fd, req, arg uintptr) unix.Errno {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
		if errno == unix.EINTR {
			continue
		}
		if errno == 0 {
			return 0
		}
		return errno
	}
}

// ShmProvider allocates buffers as POSIX shared-memory objects under
// /dev/shm.
type ShmProvider struct{}

// Allocate creates (or opens) the shm object named by path, truncating it
// to size. If path is empty, a unique name under a process-derived prefix
// is generated.
func (p ShmProvider) Allocate(size uint64, path string) (int, uint64, string, error) {
	name := path
	if name == "" {
		name = fmt.Sprintf("vsl-%d-%d", os.Getpid(), shmCounter.Add(1))
	}
	name = strings.TrimPrefix(name, "/")
	full := "/dev/shm/" + name

	fd, err := unix.Open(full, unix.O_CREAT|unix.O_RDWR, 0600)
	if err != nil {
		return -1, 0, "", fmt.Errorf("frame: shm open %s: %w", full, classifyErrno(err.(unix.Errno)))
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, 0, "", fmt.Errorf("frame: shm truncate %s: %w", full, classifyErrno(err.(unix.Errno)))
	}

	return fd, size, full, nil
}

var shmCounter atomic.Uint64

// DefaultProvider tries each heap in defaultHeaps via DmaBufProvider, and
// on failure falls back to ShmProvider with a generated name. It is the
// provider used when the caller passes no explicit path and no explicit
// Provider to Frame.Alloc.
type DefaultProvider struct{}

// Allocate implements Provider by trying DmaBuf heaps in order, then shm.
func (p DefaultProvider) Allocate(size uint64, path string) (int, uint64, string, error) {
	if path != "" {
		if strings.HasPrefix(path, "/dev/") {
			return DmaBufProvider{}.Allocate(size, path)
		}
		return ShmProvider{}.Allocate(size, path)
	}

	var lastErr error
	for _, heap := range defaultHeaps {
		fd, actual, actualPath, err := (DmaBufProvider{}).Allocate(size, heap)
		if err == nil {
			return fd, actual, actualPath, nil
		}
		lastErr = err
	}

	fd, actual, actualPath, err := (ShmProvider{}).Allocate(size, "")
	if err == nil {
		return fd, actual, actualPath, nil
	}
	if lastErr == nil {
		lastErr = err
	}
	return -1, 0, "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
