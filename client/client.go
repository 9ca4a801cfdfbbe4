// Package client connects to a host's rendezvous socket, performs the
// HELLO/HELLO_ACK handshake, and delivers posted frames to callers via
// Wait. Reconnection after a lost connection is handled transparently;
// see reconnect.go.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vsl/videostream/frame"
	"github.com/vsl/videostream/internal/envcfg"
	"github.com/vsl/videostream/wire"
)

// protocolVersion is the high byte of HELLO.Flags this client advertises
// in HELLO_ACK; the host ignores it today but a future incompatible wire
// change can use it to refuse old clients.
const protocolVersion = 1

// Option configures a Client at Connect time.
type Option func(*Client)

// WithLogger overrides the Client's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUserPtr attaches an opaque caller value retrievable via UserPtr,
// useful for associating a Client with an application-level consumer
// identity without a side table.
func WithUserPtr(p any) Option {
	return func(c *Client) { c.userPtr = p }
}

// WithReconnect controls what happens when the connection is lost while a
// Wait is in progress or about to start. When enabled (the default is
// disabled), Wait transparently redials with exponential backoff instead
// of returning frame.ErrPeerClosed.
func WithReconnect(enabled bool) Option {
	return func(c *Client) { c.reconnectEnabled = enabled }
}

// Client is a single connection to a Host's rendezvous socket. A Client
// is safe for concurrent use by Disconnect/Close from any goroutine
// while Wait is blocked in another; only one goroutine may call Wait at
// a time.
type Client struct {
	path    string
	userPtr any
	logger  *slog.Logger

	mu               sync.Mutex
	conn             *net.UnixConn
	lastSeen         uint64
	timeout          time.Duration
	closed           bool
	userDisconnected bool
	reconnectEnabled bool
	reconnect        *reconnector

	// locked is the set of frames this session has delivered via Wait and
	// not yet had released back, keyed by serial. It exists for
	// introspection (LockedCount) and is pruned by each frame's Cleanup
	// hook; the frame itself, not this map, is what owns the fd and
	// enforces the actual lock count.
	locked map[uint64]*frame.Frame

	framesReceived atomic.Int64
	reconnects     atomic.Int64
	timeouts       atomic.Int64
}

// Stats is a point-in-time snapshot of a Client's cumulative activity,
// returned by Stats(). All counters are cumulative since Connect, the
// same counters-plus-snapshot idiom as go4vl's FramePool.Stats.
type Stats struct {
	// FramesReceived is the total number of frames Wait has delivered.
	FramesReceived int64
	// Reconnects is the total number of times the reconnect loop
	// successfully redialed after a lost connection.
	Reconnects int64
	// Timeouts is the total number of Wait calls that returned
	// frame.ErrTimeout or a context deadline/cancellation.
	Timeouts int64
	// LastSeen is the highest serial this Client has observed.
	LastSeen uint64
}

// Stats returns a snapshot of this Client's cumulative activity.
func (c *Client) Stats() Stats {
	return Stats{
		FramesReceived: c.framesReceived.Load(),
		Reconnects:     c.reconnects.Load(),
		Timeouts:       c.timeouts.Load(),
		LastSeen:       c.lastSeenSnapshot(),
	}
}

// Connect dials path (a filesystem path beginning with "/" or an
// abstract-namespace name otherwise), performs the HELLO/HELLO_ACK
// handshake, and returns a ready Client.
func Connect(path string, opts ...Option) (*Client, error) {
	if path == "" {
		return nil, fmt.Errorf("client: connect: %w", frame.ErrInvalidArgument)
	}

	c := &Client{
		path:   path,
		logger: defaultLogger(),
		locked: make(map[uint64]*frame.Frame),
	}
	for _, o := range opts {
		o(c)
	}
	c.reconnect = newReconnector(c)

	conn, err := dialAndHandshake(path, 0)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	c.conn = conn
	return c, nil
}

// dialAndHandshake opens path and completes the HELLO/HELLO_ACK exchange,
// advertising lastSeen so the host can skip frames already delivered
// across a reconnect.
func dialAndHandshake(path string, lastSeen uint64) (*net.UnixConn, error) {
	addr := dialAddr(path)
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, classifyDialErr(err)
	}

	hdr, _, _, err := wire.Recv(conn, 0)
	if err != nil || hdr.Kind != wire.KindHello {
		conn.Close()
		return nil, fmt.Errorf("handshake: recv hello: %w", err)
	}
	ackHdr := wire.Header{Kind: wire.KindHelloAck, Serial: lastSeen, Flags: uint16(protocolVersion) << 8}
	if err := wire.Send(conn, ackHdr, nil, -1); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: send hello-ack: %w", err)
	}
	return conn, nil
}

func dialAddr(path string) *net.UnixAddr {
	if len(path) > 0 && path[0] == '/' {
		return &net.UnixAddr{Name: path, Net: "unix"}
	}
	return &net.UnixAddr{Name: "@" + path, Net: "unix"}
}

func classifyDialErr(err error) error {
	return err
}

// classifyCtxErr maps a context.Context error onto this package's error
// vocabulary so callers can use errors.Is uniformly instead of also
// matching context.Canceled/DeadlineExceeded directly.
func classifyCtxErr(err error) error {
	switch err {
	case context.Canceled:
		return frame.ErrCancelled
	case context.DeadlineExceeded:
		return frame.ErrTimeout
	default:
		return err
	}
}

// Path returns the rendezvous path this Client was given to Connect.
func (c *Client) Path() string { return c.path }

// UserPtr returns the opaque value set by WithUserPtr, or nil.
func (c *Client) UserPtr() any { return c.userPtr }

// SetTimeout bounds Wait calls that don't already carry a context
// deadline. A zero duration means "no additional bound" (the default).
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Disconnect cancels any Wait in progress and disables reconnect. It is
// safe to call from any goroutine, including while a Wait is blocked on
// this Client's socket elsewhere: closing the socket unblocks the
// in-flight read, the cooperative-cancellation idiom this package uses in
// place of asynchronous thread cancellation. Close may then be called
// from the original thread.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userDisconnected = true
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close disconnects and permanently retires the Client; subsequent Wait
// calls return frame.ErrCancelled immediately.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.disconnectLocked()
	return nil
}

// Wait blocks until a frame is announced, ctx is done, or the connection
// is lost. Losing the connection either transparently reconnects with
// backoff and retries (WithReconnect(true)) or returns frame.ErrPeerClosed
// immediately (the default). Announcements for frames already seen across
// a reconnect (serial <= the last one acknowledged) are skipped
// automatically.
func (c *Client) Wait(ctx context.Context) (*frame.Frame, error) {
	for {
		c.mu.Lock()
		if c.closed || c.userDisconnected {
			c.mu.Unlock()
			return nil, frame.ErrCancelled
		}
		conn := c.conn
		timeout := c.timeout
		reconnectEnabled := c.reconnectEnabled
		c.mu.Unlock()

		if conn == nil {
			if !reconnectEnabled {
				return nil, frame.ErrPeerClosed
			}
			newConn, err := c.reconnect.next(ctx)
			if err != nil {
				c.timeouts.Add(1)
				return nil, classifyCtxErr(err)
			}
			c.mu.Lock()
			if c.closed || c.userDisconnected {
				c.mu.Unlock()
				newConn.Close()
				return nil, frame.ErrCancelled
			}
			c.conn = newConn
			c.mu.Unlock()
			c.reconnects.Add(1)
			continue
		}

		f, err := c.waitOnce(ctx, conn, timeout)
		if err == nil {
			c.framesReceived.Add(1)
			return f, nil
		}
		if err == errSkip {
			continue
		}
		if err == frame.ErrTimeout || err == frame.ErrCancelled {
			c.timeouts.Add(1)
			return nil, err
		}
		if errors.Is(err, net.ErrClosed) {
			// Our own side closed the socket: either Close/Disconnect was
			// called from another goroutine (cooperative cancellation) or
			// a prior iteration already tore it down.
			return nil, frame.ErrCancelled
		}
		if wire.IsPeerClosed(err) {
			c.mu.Lock()
			if c.conn == conn {
				c.disconnectLocked()
			}
			c.mu.Unlock()
			if !reconnectEnabled {
				return nil, frame.ErrPeerClosed
			}
			continue
		}
		return nil, err
	}
}

var errSkip = fmt.Errorf("client: skip")

// waitOnce reads a single message from conn and turns it into either a
// delivered Frame, a request to retry (EXPIRE/DROP for a frame this
// Client never attached, or a stale ANNOUNCE already seen), or an error.
func (c *Client) waitOnce(ctx context.Context, conn *net.UnixConn, timeout time.Duration) (*frame.Frame, error) {
	deadline, ok := ctx.Deadline()
	if ok {
		conn.SetReadDeadline(deadline)
	} else if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	// Wake the read below when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	hdr, payload, fd, err := wire.Recv(conn, 16)
	if err != nil {
		if ne, ok2 := err.(net.Error); ok2 && ne.Timeout() {
			// The read deadline fired either because ctx has its own
			// deadline/cancellation (honor that) or because SetTimeout
			// configured a bound on this Wait call (report ErrTimeout, as
			// the spec's "Returns None on timeout (if configured)"
			// requires) — never silently retry forever.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, classifyCtxErr(ctxErr)
			}
			if timeout > 0 {
				return nil, frame.ErrTimeout
			}
			return nil, errSkip
		}
		return nil, err
	}

	switch hdr.Kind {
	case wire.KindAnnounce:
		if fd >= 0 {
			if hdr.Serial <= c.lastSeenSnapshot() {
				os.NewFile(uintptr(fd), "").Close()
				return nil, errSkip
			}
		}
		ap, err := wire.DecodeAnnouncePayload(payload)
		if err != nil {
			if fd >= 0 {
				os.NewFile(uintptr(fd), "").Close()
			}
			return nil, fmt.Errorf("client: wait: %w", err)
		}
		f, err := c.attachFrame(hdr, ap, fd, conn)
		if err != nil {
			return nil, err
		}
		c.setLastSeen(hdr.Serial)
		return f, nil
	case wire.KindExpire, wire.KindDrop:
		c.setLastSeen(hdr.Serial)
		return nil, errSkip
	case wire.KindBye:
		return nil, fmt.Errorf("client: wait: %w", wire.ErrBye)
	default:
		return nil, errSkip
	}
}

func (c *Client) lastSeenSnapshot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Client) setLastSeen(serial uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serial > c.lastSeen {
		c.lastSeen = serial
	}
}

// attachFrame builds a Frame around an fd delivered via ANNOUNCE. The Frame
// takes ownership of fd: Release closes it exactly once, forgets it from
// the session's locked set, and its Cleanup sends UNLOCK(serial) back over
// conn so the host's per-session reference count can drop and expiry can
// proceed. Wait implicitly takes a lock on the returned frame, as the
// spec's wait contract requires; the consumer's eventual Release drops
// that lock before the UNLOCK is sent.
func (c *Client) attachFrame(hdr wire.Header, ap wire.AnnouncePayload, fd int, conn *net.UnixConn) (*frame.Frame, error) {
	serial := hdr.Serial
	f, err := frame.Init(frame.Options{
		Width:  uint32(hdr.Width),
		Height: uint32(hdr.Height),
		Stride: ap.Stride,
		FourCC: frame.FourCC(hdr.FourCC),
		Cleanup: func() {
			c.forgetLocked(serial)
			_ = wire.Send(conn, wire.Header{Kind: wire.KindUnlock, Serial: serial}, nil, -1)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := f.Attach(fd, uint64(ap.Size), uint64(ap.Offset)); err != nil {
		return nil, err
	}
	f.SetPostMeta(hdr.Serial, hdr.Timestamp, hdr.Expires, hdr.Duration, hdr.PTS, hdr.DTS)
	if err := f.TryLock(); err != nil {
		f.Release()
		return nil, err
	}
	c.rememberLocked(serial, f)
	return f, nil
}

// rememberLocked records f in the session's locked set.
func (c *Client) rememberLocked(serial uint64, f *frame.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked[serial] = f
}

// forgetLocked removes serial from the session's locked set, called from a
// delivered frame's Cleanup when the consumer releases it.
func (c *Client) forgetLocked(serial uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locked, serial)
}

// LockedCount reports how many delivered frames this session currently
// holds without having been released.
func (c *Client) LockedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locked)
}

func defaultLogger() *slog.Logger {
	return envcfg.Logger("client")
}
