package wire

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// maxPayload bounds the payload following a Header; only ANNOUNCE carries
// one today (16 bytes), but this leaves room for future message kinds
// without a protocol bump.
const maxPayload = 256

// Send writes hdr and payload to conn. If fd >= 0, it is attached as
// SCM_RIGHTS ancillary data and FlagFDAttached is set on the wire
// regardless of what the caller set on hdr.Flags. A single send attaches
// at most one fd, per the protocol's rule.
func Send(conn *net.UnixConn, hdr Header, payload []byte, fd int) error {
	if fd >= 0 {
		hdr.Flags |= FlagFDAttached
	} else {
		hdr.Flags &^= FlagFDAttached
	}

	buf := append(Encode(hdr), payload...)

	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}

	n, _, err := conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return fmt.Errorf("wire: send %s: %w", hdr.Kind, err)
	}
	if n != len(buf) {
		return fmt.Errorf("wire: send %s: short write (%d of %d bytes)", hdr.Kind, n, len(buf))
	}
	return nil
}

// Recv reads one message from conn, returning its header, any payload
// bytes beyond the fixed header (payloadLen tells Recv how many to
// expect), and an attached fd (-1 if none). If the message carries an fd
// the receiver does not want (unknown serial, wrong version, protocol
// error), the caller must close it — Recv itself never closes the fd it
// returns, to leave that decision to callers that understand the protocol
// state. Any fds beyond the first are closed by Recv.
func Recv(conn *net.UnixConn, payloadLen int) (Header, []byte, int, error) {
	if payloadLen < 0 || payloadLen > maxPayload {
		return Header{}, nil, -1, fmt.Errorf("wire: recv: payload length %d out of range", payloadLen)
	}
	buf := make([]byte, HeaderSize+payloadLen)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Header{}, nil, -1, err
	}
	if n == 0 {
		return Header{}, nil, -1, fmt.Errorf("wire: recv: %w", errPeerClosed)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return Header{}, nil, -1, fmt.Errorf("wire: recv: control message truncated")
	}
	if n < HeaderSize {
		return Header{}, nil, -1, fmt.Errorf("wire: recv: short header (%d bytes)", n)
	}

	hdr, err := Decode(buf[:HeaderSize])
	if err != nil {
		return Header{}, nil, -1, err
	}

	var payload []byte
	if n > HeaderSize {
		payload = buf[HeaderSize:n]
	}

	fd := -1
	if hdr.Flags&FlagFDAttached != 0 && oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return Header{}, nil, -1, fmt.Errorf("wire: recv: parse control message: %w", err)
		}
		for _, scm := range scms {
			fds, err := unix.ParseUnixRights(&scm)
			if err != nil {
				continue
			}
			for i, rfd := range fds {
				if i == 0 && fd == -1 {
					fd = rfd
					continue
				}
				// A sender must never attach more than one fd; close any
				// extras rather than leak them.
				unix.Close(rfd)
			}
		}
	}

	return hdr, payload, fd, nil
}

// errPeerClosed is a local sentinel to avoid an import cycle with the
// frame package; host and client wrap it as frame.ErrPeerClosed at their
// boundary.
var errPeerClosed = errors.New("peer closed")

// ErrBye is returned by callers that observe a KindBye message, signaling
// a graceful shutdown as opposed to an unexpected disconnect.
var ErrBye = errors.New("wire: bye")

// IsPeerClosed reports whether err originated from Recv observing a
// zero-length read (EOF-equivalent on a UnixConn message read).
func IsPeerClosed(err error) bool {
	return errors.Is(err, errPeerClosed)
}
