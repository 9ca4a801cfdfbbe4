package frame

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Error values correspond to the canonical error kinds a caller can match
// against with errors.Is. They are returned by frame, provider, host, and
// client operations alike so that callers have one vocabulary across the
// library.
var (
	// ErrInvalidArgument indicates bad dimensions, a nil pointer where one
	// is forbidden, or any other caller-supplied value that fails a
	// precondition before any syscall is attempted.
	ErrInvalidArgument = errors.New("vsl: invalid argument")

	// ErrPermission indicates the heap device or socket path could not be
	// opened or bound due to filesystem permissions.
	ErrPermission = errors.New("vsl: permission denied")

	// ErrPathInUse indicates a host's rendezvous path already exists and is
	// not a stale socket.
	ErrPathInUse = errors.New("vsl: path in use")

	// ErrNoMemory indicates the kernel refused a buffer allocation.
	ErrNoMemory = errors.New("vsl: no memory")

	// ErrPeerClosed indicates a socket read returned EOF during service.
	ErrPeerClosed = errors.New("vsl: peer closed")

	// ErrTimeout indicates a wait exceeded its configured bound.
	ErrTimeout = errors.New("vsl: timeout")

	// ErrCancelled indicates a wait was unblocked by a concurrent
	// disconnect.
	ErrCancelled = errors.New("vsl: cancelled")

	// ErrProtocol indicates a malformed header or unrecognized message
	// kind was received.
	ErrProtocol = errors.New("vsl: protocol error")

	// ErrUnavailable indicates no buffer allocation mechanism succeeded.
	ErrUnavailable = errors.New("vsl: unavailable")

	// ErrExpired indicates an operation was attempted on a frame the host
	// has already expired.
	ErrExpired = errors.New("vsl: frame expired")

	// ErrAlreadyMapped indicates a second Mmap call on a Frame that is
	// already mapped.
	ErrAlreadyMapped = errors.New("vsl: already mapped")
)

// classifyErrno maps a raw unix.Errno from an allocation or socket syscall
// onto one of the package's sentinel errors. Unrecognized errnos are
// returned unwrapped so the caller still sees the underlying errno via
// errors.Is against syscall.Errno.
func classifyErrno(errno unix.Errno) error {
	switch errno {
	case unix.EACCES, unix.EPERM:
		return ErrPermission
	case unix.ENOMEM, unix.ENOSPC:
		return ErrNoMemory
	case unix.EINVAL:
		return ErrInvalidArgument
	case unix.ENODEV, unix.ENOENT, unix.ENOTSUP, unix.EOPNOTSUPP:
		return ErrUnavailable
	default:
		return errno
	}
}
