// Package host implements the rendezvous actor at the center of this
// module: a listening UNIX socket, a set of connected client sessions,
// and a queue of live frames broadcast to every session and expired in
// time order once no session still references them.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vsl/videostream/frame"
	"github.com/vsl/videostream/internal/envcfg"
	"github.com/vsl/videostream/wire"
)

// protocolVersion is carried in HELLO's Flags high byte.
const protocolVersion = 1

// handshakeTimeout bounds the blocking HELLO/HELLO_ACK exchange performed
// synchronously when a new connection is accepted, so one slow peer can't
// stall Process indefinitely.
const handshakeTimeout = 2 * time.Second

// Option configures a Host at New time.
type Option func(*Host)

// WithLogger overrides the Host's structured logger. The default logs to
// stderr at Info level, or Debug level when VSL_DEBUG is set.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithBacklog is accepted for API symmetry with a caller-requested listen
// backlog; Go's net package sizes the listen(2) backlog from the kernel's
// somaxconn, which already exceeds any reasonable request, so this option
// is a no-op kept only so callers porting C code compile unmodified.
func WithBacklog(int) Option { return func(*Host) {} }

// Host is a rendezvous actor: it owns a listening UNIX socket, a set of
// connected client sessions, and a queue of live frames. See package doc.
type Host struct {
	path      string
	abstract  bool
	ln        *net.UnixListener
	listenFD  int
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[int]*session
	nextID   int
	live     []*liveEntry
	serial   atomic.Uint64
	closed   atomic.Bool

	// stats track cumulative activity for monitoring and debugging, the
	// same counters-plus-snapshot idiom as go4vl's FramePool.Stats.
	posts            atomic.Int64
	drops            atomic.Int64
	expires          atomic.Int64
	sessionsAccepted atomic.Int64
	sessionsEvicted  atomic.Int64
}

// Stats is a point-in-time snapshot of a Host's cumulative activity,
// returned by Stats(). All counters are cumulative since New.
type Stats struct {
	// Posts is the total number of successful Post calls.
	Posts int64
	// Drops is the total number of successful Drop calls.
	Drops int64
	// Expires is the total number of frames the expiry walk has retired.
	Expires int64
	// SessionsAccepted is the total number of connections that completed
	// the HELLO/HELLO_ACK handshake.
	SessionsAccepted int64
	// SessionsEvicted is the total number of sessions torn down for a
	// write error, protocol violation, or watermark breach, or because the
	// peer departed (EOF, read error, or BYE).
	SessionsEvicted int64
	// LiveQueued is the current length of the live-frame queue.
	LiveQueued int
	// Sessions is the current number of connected client sessions.
	Sessions int
}

// Stats returns a snapshot of this Host's cumulative activity.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	live := len(h.live)
	sessions := len(h.sessions)
	h.mu.Unlock()

	return Stats{
		Posts:            h.posts.Load(),
		Drops:            h.drops.Load(),
		Expires:          h.expires.Load(),
		SessionsAccepted: h.sessionsAccepted.Load(),
		SessionsEvicted:  h.sessionsEvicted.Load(),
		LiveQueued:       live,
		Sessions:         sessions,
	}
}

// New binds a UNIX stream socket at path and begins listening. If path
// begins with "/" it is a filesystem-backed socket; otherwise it is
// created in the Linux abstract namespace. A stale socket file (one
// nothing is listening on) is removed and rebinding is retried once; a
// live one yields frame.ErrPathInUse.
func New(path string, opts ...Option) (*Host, error) {
	if path == "" {
		return nil, fmt.Errorf("host: new: %w", frame.ErrInvalidArgument)
	}

	h := &Host{
		path:     path,
		sessions: make(map[int]*session),
		logger:   defaultLogger(),
	}
	for _, o := range opts {
		o(h)
	}

	addr, abstract := socketAddr(path)
	h.abstract = abstract

	ln, err := net.ListenUnix("unix", addr)
	if err != nil && !abstract && isAddrInUse(err) {
		if removeStaleSocket(path) {
			ln, err = net.ListenUnix("unix", addr)
		} else {
			return nil, fmt.Errorf("host: new: %s: %w", path, frame.ErrPathInUse)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("host: new: %s: %w", path, classifyBindErr(err))
	}

	rawFD, err := rawFDOf(ln)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("host: new: %w", err)
	}

	h.ln = ln
	h.listenFD = rawFD
	h.logger.Info("host listening", "path", path, "abstract", abstract)
	return h, nil
}

// socketAddr builds the net.UnixAddr for path: a leading "/" means a
// filesystem socket, anything else an abstract-namespace socket (Go's
// net package maps a leading "@" in Name to the abstract namespace's
// leading NUL byte).
func socketAddr(path string) (*net.UnixAddr, bool) {
	if len(path) > 0 && path[0] == '/' {
		return &net.UnixAddr{Name: path, Net: "unix"}, false
	}
	return &net.UnixAddr{Name: "@" + path, Net: "unix"}, true
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

// removeStaleSocket checks that path is a socket file and attempts to
// connect to it; if that fails with connection-refused (nothing
// listening), it unlinks the stale socket and reports success. A path that
// is not a socket is left in place.
func removeStaleSocket(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return false
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		return false
	}
	if !errors.Is(err, unix.ECONNREFUSED) {
		return false
	}
	return os.Remove(path) == nil
}

func classifyBindErr(err error) error {
	if errors.Is(err, unix.EACCES) {
		return frame.ErrPermission
	}
	return err
}

// Path returns the path the Host was bound to.
func (h *Host) Path() string { return h.path }

// SessionInfo is a snapshot of one managed socket, returned by Sessions.
// The listening socket is always index 0.
type SessionInfo struct {
	FD        int
	SessionID int // -1 for the listening socket
}

// Sessions snapshots the current socket set; the listening fd is always
// first, followed by one entry per connected client session.
func (h *Host) Sessions() []SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]SessionInfo, 0, len(h.sessions)+1)
	out = append(out, SessionInfo{FD: h.listenFD, SessionID: -1})
	for id, s := range h.sessions {
		out = append(out, SessionInfo{FD: s.rawFD, SessionID: id})
	}
	return out
}

// Close closes all connected sockets (writing a BYE message to each
// first), closes the listening socket, unlinks the bound path if it is
// filesystem-backed, and drops all queued frames, invoking their cleanup
// callbacks.
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	live := h.live
	h.live = nil
	h.sessions = make(map[int]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		_ = wire.Send(s.conn, wire.Header{Kind: wire.KindBye}, nil, -1)
		s.conn.Close()
	}

	err := h.ln.Close()

	if !h.abstract {
		os.Remove(h.path)
	}

	for _, e := range live {
		e.frame.MarkExpired()
		e.frame.Release()
	}

	return err
}

// Post assigns the next serial, stamps the frame's timestamp, appends it
// to the live queue, and broadcasts an ANNOUNCE (metadata + fd via
// SCM_RIGHTS) on every ready session. Ownership of f transfers to the
// Host. Sessions that error during the write are marked draining and
// closed on the next Process step; this never fails Post itself.
func (h *Host) Post(f *frame.Frame, expires, duration, pts, dts int64) error {
	if f == nil {
		return fmt.Errorf("host: post: %w", frame.ErrInvalidArgument)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	serial := h.serial.Add(1)
	now := frame.Now()
	f.SetPostMeta(serial, now, expires, duration, pts, dts)
	f.MarkHostOwned(true)

	ids := make([]int, 0, len(h.sessions))
	for id, s := range h.sessions {
		if s.state != sessionReady {
			continue
		}
		if err := h.announce(s, f); err != nil {
			h.logger.Warn("announce failed, draining session", "session", id, "err", err)
			s.state = sessionDraining
			h.sessionsEvicted.Add(1)
			continue
		}
		ids = append(ids, id)
	}

	h.insertLive(f, ids)
	h.posts.Add(1)
	return nil
}

func (h *Host) announce(s *session, f *frame.Frame) error {
	hdr := wire.Header{
		Kind:      wire.KindAnnounce,
		Serial:    f.Serial(),
		Timestamp: f.Timestamp(),
		Expires:   f.Expires(),
		Duration:  f.Duration(),
		PTS:       f.PTS(),
		DTS:       f.DTS(),
		FourCC:    uint32(f.FourCC()),
		Width:     uint16(f.Width()),
		Height:    uint16(f.Height()),
	}
	payload := wire.EncodeAnnouncePayload(wire.AnnouncePayload{
		Stride: f.Stride(),
		Size:   uint32(f.Size()),
		Offset: uint32(f.Offset()),
	})
	if err := wire.Send(s.conn, hdr, payload, f.Handle()); err != nil {
		return err
	}
	s.markOutstanding(f.Serial())
	if s.overWatermark() {
		return fmt.Errorf("session %d over watermark", s.id)
	}
	return nil
}

// Drop removes f from the live queue and broadcasts a DROP message,
// returning ownership of f to the caller.
func (h *Host) Drop(f *frame.Frame) error {
	if f == nil {
		return fmt.Errorf("host: drop: %w", frame.ErrInvalidArgument)
	}

	h.mu.Lock()
	entry := h.removeLive(f.Serial())
	if entry != nil {
		// A dropped frame never gets an UNLOCK from any session (the
		// client answers DROP by skipping, not unlocking), so its serial
		// must be cleared from every session's outstanding set here or it
		// permanently occupies a watermark slot.
		h.clearOutstandingEverywhere(f.Serial())
	}
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.state == sessionReady {
			sessions = append(sessions, s)
		}
	}
	h.mu.Unlock()

	if entry == nil {
		return nil
	}
	f.MarkHostOwned(false)

	hdr := wire.Header{Kind: wire.KindDrop, Serial: f.Serial()}
	for _, s := range sessions {
		_ = wire.Send(s.conn, hdr, nil, -1)
	}
	h.drops.Add(1)
	return nil
}

// Process performs one service-loop step: it expires frames whose
// lifetime has elapsed and which no session still references, services
// the first readable connected session, and accepts a new connection if
// the listening socket is readable.
func (h *Host) Process(ctx context.Context) error {
	h.expireAndBroadcast()

	fds, ids := h.buildPollSet()
	if len(fds) == 0 {
		return nil
	}
	n, err := unix.Poll(fds, 0)
	if err != nil && !errors.Is(err, unix.EINTR) {
		return fmt.Errorf("host: process: poll: %w", err)
	}
	if n <= 0 {
		h.closeDraining()
		return nil
	}

	if fds[0].Revents&unix.POLLIN != 0 {
		h.acceptOne(ctx)
	}
	for i := 1; i < len(fds); i++ {
		if fds[i].Revents&unix.POLLIN != 0 {
			if err := h.Service(ids[i]); err != nil && !errors.Is(err, frame.ErrPeerClosed) {
				h.logger.Warn("service error", "session", ids[i], "err", err)
			}
			break
		}
	}

	h.closeDraining()
	return nil
}

// Poll waits up to waitMS milliseconds for readability on any managed
// socket, returning the number ready, or 0 on timeout.
func (h *Host) Poll(waitMS int) (int, error) {
	fds, _ := h.buildPollSet()
	if len(fds) == 0 {
		return 0, nil
	}
	n, err := unix.Poll(fds, waitMS)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (h *Host) buildPollSet() ([]unix.PollFd, []int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fds := make([]unix.PollFd, 0, len(h.sessions)+1)
	ids := make([]int, 0, len(h.sessions)+1)
	fds = append(fds, unix.PollFd{Fd: int32(h.listenFD), Events: unix.POLLIN})
	ids = append(ids, -1)
	for id, s := range h.sessions {
		if s.state == sessionClosed {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(s.rawFD), Events: unix.POLLIN})
		ids = append(ids, id)
	}
	return fds, ids
}

// Service reads one message from sessionID's socket and processes it.
// It returns frame.ErrPeerClosed on EOF; the caller remains responsible
// for expiring frames (done by Process, or by the caller if driving
// Poll/Service directly).
func (h *Host) Service(sessionID int) error {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("host: service: unknown session %d", sessionID)
	}

	hdr, _, _, err := wire.Recv(s.conn, 0)
	if err != nil {
		h.departSession(sessionID)
		if wire.IsPeerClosed(err) {
			return frame.ErrPeerClosed
		}
		return fmt.Errorf("host: service: %w", err)
	}

	switch hdr.Kind {
	case wire.KindUnlock:
		h.mu.Lock()
		h.unlockFor(sessionID, hdr.Serial)
		s.clearOutstanding(hdr.Serial)
		h.mu.Unlock()
	case wire.KindHelloAck:
		h.mu.Lock()
		s.lastSeenServial = hdr.Serial
		h.mu.Unlock()
	case wire.KindBye:
		h.departSession(sessionID)
	default:
		h.departSession(sessionID)
		return fmt.Errorf("host: service: session %d: %w", sessionID, frame.ErrProtocol)
	}
	return nil
}

func (h *Host) expireAndBroadcast() {
	h.mu.Lock()
	now := frame.Now()
	expired := h.expireDue(now)
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.state == sessionReady {
			sessions = append(sessions, s)
		}
	}
	h.mu.Unlock()

	for _, f := range expired {
		hdr := wire.Header{Kind: wire.KindExpire, Serial: f.Serial()}
		for _, s := range sessions {
			_ = wire.Send(s.conn, hdr, nil, -1)
		}
		f.Release()
		h.expires.Add(1)
	}
}

// acceptOne accepts a single pending connection, performs the HELLO/
// HELLO_ACK handshake synchronously (bounded by handshakeTimeout so one
// slow peer cannot stall the service loop), announces every currently
// live frame so the new session's view is consistent with no join race,
// and adds the session to the managed set.
func (h *Host) acceptOne(ctx context.Context) {
	conn, err := h.ln.Accept()
	if err != nil {
		h.logger.Warn("accept failed", "err", err)
		return
	}
	unixConn := conn.(*net.UnixConn)

	rawFD, err := rawFDOf(unixConn)
	if err != nil {
		h.logger.Warn("accept: raw fd", "err", err)
		unixConn.Close()
		return
	}

	unixConn.SetDeadline(time.Now().Add(handshakeTimeout))
	helloFlags := uint16(protocolVersion) << 8
	if err := wire.Send(unixConn, wire.Header{Kind: wire.KindHello, Flags: helloFlags}, nil, -1); err != nil {
		h.logger.Warn("handshake: send hello", "err", err)
		unixConn.Close()
		return
	}
	ackHdr, _, _, err := wire.Recv(unixConn, 0)
	if err != nil || ackHdr.Kind != wire.KindHelloAck {
		h.logger.Warn("handshake: recv hello-ack", "err", err)
		unixConn.Close()
		return
	}
	unixConn.SetDeadline(time.Time{})

	// The backlog announce below runs under h.mu, the same discipline Post
	// uses across its own broadcast. Sending it unlocked would let a
	// concurrent Post (a) race this session's outstanding map in announce
	// with a plain concurrent map write, and (b) announce its own,
	// later-assigned serial to this session before the backlog below
	// finishes sending the earlier ones, breaking serial order for the
	// joining client. Holding the lock here also lets the backlog register
	// this session in each announced frame's liveEntry.outstanding, so
	// expiry cannot retire a frame this session just locked.
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	s := newSession(id, unixConn, rawFD)
	s.state = sessionReady
	s.lastSeenServial = ackHdr.Serial
	h.sessions[id] = s
	h.sessionsAccepted.Add(1)

	for _, e := range h.live {
		if e.frame.Serial() <= s.lastSeenServial {
			continue
		}
		if err := h.announce(s, e.frame); err != nil {
			h.logger.Warn("announce backlog failed", "session", id, "err", err)
			s.state = sessionDraining
			h.sessionsEvicted.Add(1)
			break
		}
		e.outstanding[id] = struct{}{}
	}
	h.mu.Unlock()

	h.logger.Debug("session ready", "session", id)
}

// closeDraining closes and removes every session in the draining state,
// clearing its outstanding references first so expiry can proceed.
func (h *Host) closeDraining() {
	h.mu.Lock()
	var toClose []*session
	for id, s := range h.sessions {
		if s.state == sessionDraining {
			h.clearSessionOutstanding(id)
			toClose = append(toClose, s)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	for _, s := range toClose {
		s.conn.Close()
	}
}

// departSession marks a session draining immediately (used on protocol
// error or peer EOF, as opposed to closeDraining's end-of-step sweep).
func (h *Host) departSession(id int) {
	h.mu.Lock()
	if s, ok := h.sessions[id]; ok && s.state != sessionDraining {
		s.state = sessionDraining
		h.sessionsEvicted.Add(1)
	}
	h.mu.Unlock()
}

// rawSyscallConner is satisfied by *net.UnixConn and *net.UnixListener.
type rawSyscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// rawFDOf extracts the underlying fd from a *net.UnixConn or
// *net.UnixListener so it can be driven directly with unix.Poll, which is
// how this package implements the poll/service/process contract without
// spinning up a reader goroutine per session.
func rawFDOf(sc rawSyscallConner) (int, error) {
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("host: raw fd: %w", err)
	}
	var fd int
	ctrlErr := rc.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, fmt.Errorf("host: raw fd: %w", ctrlErr)
	}
	return fd, nil
}

func defaultLogger() *slog.Logger {
	return envcfg.Logger("host")
}
