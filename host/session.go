package host

import (
	"net"
)

// sessionState is a connected client socket's position in its lifecycle:
// new -> ready -> draining -> closed.
type sessionState int

const (
	// sessionNew is a just-accepted connection awaiting handshake.
	sessionNew sessionState = iota
	// sessionReady receives announcements for every post.
	sessionReady
	// sessionDraining had a write error or crossed the watermark; it will
	// be closed on the next Process step.
	sessionDraining
	// sessionClosed has been torn down; its id is no longer valid.
	sessionClosed
)

// maxUnacked bounds how many announced-but-not-unlocked frames a session
// may accumulate before it is evicted, so a stalled consumer cannot grow
// the live queue without bound.
const maxUnacked = 64

// session holds one connected client socket's state. All fields are
// guarded by the owning Host's mutex except conn itself, which is set once
// at creation and used for I/O by the service loop (reads) and by the
// Post, Drop, expiry and Close broadcasts (writes).
type session struct {
	id    int
	conn  *net.UnixConn
	rawFD int
	state sessionState

	// outstanding is the set of serials announced to this session that
	// have not yet been unlocked or dropped/expired.
	outstanding map[uint64]struct{}

	lastSeenServial uint64
}

func newSession(id int, conn *net.UnixConn, rawFD int) *session {
	return &session{
		id:          id,
		conn:        conn,
		rawFD:       rawFD,
		state:       sessionNew,
		outstanding: make(map[uint64]struct{}),
	}
}

func (s *session) markOutstanding(serial uint64) {
	s.outstanding[serial] = struct{}{}
}

func (s *session) clearOutstanding(serial uint64) {
	delete(s.outstanding, serial)
}

// overWatermark reports whether s has accumulated too many unacknowledged
// announcements and should be evicted.
func (s *session) overWatermark() bool {
	return len(s.outstanding) > maxUnacked
}
