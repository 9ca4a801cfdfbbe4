package frame

import "unsafe"

// addrOf returns f's pointer value as a uintptr, used only to impose a
// deterministic lock ordering between two frames in Copy. It is never
// dereferenced.
func addrOf(f *Frame) uintptr {
	return uintptr(unsafe.Pointer(f))
}

// firstByteAddr returns the address of the first byte of a mapped region.
// Paddr is computed once here, at map time, rather than recomputed lazily
// on every accessor call.
func firstByteAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// uintptrOf converts an arbitrary pointer to a uintptr for passing to
// ioctl. Callers must keep the pointee alive until the ioctl returns.
func uintptrOf(p any) uintptr {
	switch v := p.(type) {
	case *dmaHeapAllocationData:
		return uintptr(unsafe.Pointer(v))
	case *dmaBufSyncData:
		return uintptr(unsafe.Pointer(v))
	default:
		return 0
	}
}
