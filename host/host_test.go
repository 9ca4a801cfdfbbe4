package host

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vsl/videostream/frame"
	"github.com/vsl/videostream/wire"
)

func testPath(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("vsl-test-%s-%d", t.Name(), time.Now().UnixNano())
}

func newTestFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f, err := frame.Init(frame.Options{Width: 4, Height: 4, Stride: 4, FourCC: frame.FourCCFromString("RGB3")})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := f.Alloc(frame.ShmProvider{}, ""); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	return f
}

// dialAsync starts the HELLO/HELLO_ACK handshake a real client would
// perform, in a background goroutine, and returns a channel delivering
// the connected *net.UnixConn once the handshake completes. The caller
// must still drive the host side (typically by calling h.Process, which
// performs acceptOne's half of the handshake) concurrently, or this never
// completes.
func dialAsync(t *testing.T, path string) <-chan *net.UnixConn {
	t.Helper()
	out := make(chan *net.UnixConn, 1)
	go func() {
		conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: "@" + path, Net: "unix"})
		if err != nil {
			t.Errorf("dial: %v", err)
			out <- nil
			return
		}
		conn.SetDeadline(time.Now().Add(2 * time.Second))
		hdr, _, _, err := wire.Recv(conn, 0)
		if err != nil || hdr.Kind != wire.KindHello {
			t.Errorf("recv hello: hdr=%+v err=%v", hdr, err)
			conn.Close()
			out <- nil
			return
		}
		if err := wire.Send(conn, wire.Header{Kind: wire.KindHelloAck}, nil, -1); err != nil {
			t.Errorf("send hello-ack: %v", err)
			conn.Close()
			out <- nil
			return
		}
		conn.SetDeadline(time.Time{})
		out <- conn
	}()
	return out
}

// processUntilAccepted drives h.Process (whose poll is non-blocking, by
// design, so callers control their own pacing) until a new session shows
// up in h.Sessions, or fails the test after a short bound.
func processUntilAccepted(t *testing.T, h *Host, ctx context.Context, wantSessions int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := h.Process(ctx); err != nil {
			t.Fatalf("process: %v", err)
		}
		if len(h.Sessions()) >= wantSessions {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sessions", wantSessions)
}

func TestNewBindsAbstractSocket(t *testing.T) {
	path := testPath(t)
	h, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer h.Close()

	if h.Path() != path {
		t.Fatalf("path = %q, want %q", h.Path(), path)
	}
	sessions := h.Sessions()
	if len(sessions) != 1 || sessions[0].SessionID != -1 {
		t.Fatalf("sessions = %+v, want just the listening socket", sessions)
	}
}

func TestAcceptHandshakeAndAnnounce(t *testing.T) {
	path := testPath(t)
	h, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer h.Close()

	connCh := dialAsync(t, path)

	ctx := context.Background()
	processUntilAccepted(t, h, ctx, 2)

	conn := <-connCh
	if conn == nil {
		t.Fatalf("dial/handshake failed")
	}
	defer conn.Close()

	if n := len(h.Sessions()); n != 2 {
		t.Fatalf("sessions after accept = %d, want 2", n)
	}

	f := newTestFrame(t)
	if err := h.Post(f, frame.Now()+int64(time.Second), 0, -1, -1); err != nil {
		t.Fatalf("post: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	hdr, payload, fd, err := wire.Recv(conn, 16)
	if err != nil {
		t.Fatalf("recv announce: %v", err)
	}
	if hdr.Kind != wire.KindAnnounce {
		t.Fatalf("kind = %v, want ANNOUNCE", hdr.Kind)
	}
	if hdr.Serial != f.Serial() {
		t.Fatalf("serial = %d, want %d", hdr.Serial, f.Serial())
	}
	if fd < 0 {
		t.Fatalf("expected an attached fd")
	}
	unix.Close(fd)

	ap, err := wire.DecodeAnnouncePayload(payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ap.Size != uint32(f.Size()) {
		t.Fatalf("payload size = %d, want %d", ap.Size, f.Size())
	}
}

func TestPostSerialsAreMonotonic(t *testing.T) {
	path := testPath(t)
	h, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer h.Close()

	var last uint64
	for i := 0; i < 5; i++ {
		f := newTestFrame(t)
		if err := h.Post(f, frame.Now()+int64(time.Second), 0, -1, -1); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		if f.Serial() <= last {
			t.Fatalf("serial %d not greater than previous %d", f.Serial(), last)
		}
		last = f.Serial()
	}
}

func TestUnlockClearsOutstandingSoExpiryProceeds(t *testing.T) {
	path := testPath(t)
	h, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer h.Close()

	connCh := dialAsync(t, path)
	ctx := context.Background()
	processUntilAccepted(t, h, ctx, 2)
	conn := <-connCh
	if conn == nil {
		t.Fatalf("dial/handshake failed")
	}
	defer conn.Close()

	f := newTestFrame(t)
	now := frame.Now()
	if err := h.Post(f, now+1, 0, -1, -1); err != nil {
		t.Fatalf("post: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, fd, err := wire.Recv(conn, 16)
	if err != nil {
		t.Fatalf("recv announce: %v", err)
	}
	if fd >= 0 {
		unix.Close(fd)
	}

	time.Sleep(5 * time.Millisecond)

	h.mu.Lock()
	expired := h.expireDue(frame.Now())
	h.mu.Unlock()
	if len(expired) != 0 {
		t.Fatalf("frame expired while still referenced by session")
	}

	if err := wire.Send(conn, wire.Header{Kind: wire.KindUnlock, Serial: f.Serial()}, nil, -1); err != nil {
		t.Fatalf("send unlock: %v", err)
	}
	if err := h.Service(0); err != nil {
		t.Fatalf("service: %v", err)
	}

	h.mu.Lock()
	expired = h.expireDue(frame.Now())
	h.mu.Unlock()
	if len(expired) != 1 {
		t.Fatalf("expected frame to expire after unlock, got %d expired", len(expired))
	}
}

func TestDepartedSessionDoesNotBlockExpiry(t *testing.T) {
	path := testPath(t)
	h, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer h.Close()

	connCh := dialAsync(t, path)
	ctx := context.Background()
	processUntilAccepted(t, h, ctx, 2)
	conn := <-connCh
	if conn == nil {
		t.Fatalf("dial/handshake failed")
	}

	f := newTestFrame(t)
	now := frame.Now()
	if err := h.Post(f, now+1, 0, -1, -1); err != nil {
		t.Fatalf("post: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, fd, _ := wire.Recv(conn, 16)
	if fd >= 0 {
		unix.Close(fd)
	}

	conn.Close() // client departs without unlocking

	if err := h.Service(0); err == nil {
		t.Fatalf("expected service to observe peer closed")
	}
	h.closeDraining()

	time.Sleep(5 * time.Millisecond)
	h.mu.Lock()
	expired := h.expireDue(frame.Now())
	h.mu.Unlock()
	if len(expired) != 1 {
		t.Fatalf("expected frame to expire once departed session's reference cleared, got %d", len(expired))
	}
}

func TestStatsCountPostsAndSessions(t *testing.T) {
	path := testPath(t)
	h, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer h.Close()

	connCh := dialAsync(t, path)
	ctx := context.Background()
	processUntilAccepted(t, h, ctx, 2)
	conn := <-connCh
	if conn == nil {
		t.Fatalf("dial/handshake failed")
	}
	defer conn.Close()

	if got := h.Stats().SessionsAccepted; got != 1 {
		t.Fatalf("Stats().SessionsAccepted = %d, want 1", got)
	}

	f := newTestFrame(t)
	if err := h.Post(f, frame.Now()+int64(time.Second), 0, -1, -1); err != nil {
		t.Fatalf("post: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, fd, err := wire.Recv(conn, 16)
	if err != nil {
		t.Fatalf("recv announce: %v", err)
	}
	if fd >= 0 {
		unix.Close(fd)
	}

	stats := h.Stats()
	if stats.Posts != 1 {
		t.Fatalf("Stats().Posts = %d, want 1", stats.Posts)
	}
	if stats.LiveQueued != 1 {
		t.Fatalf("Stats().LiveQueued = %d, want 1", stats.LiveQueued)
	}
	if stats.Sessions != 1 {
		t.Fatalf("Stats().Sessions = %d, want 1", stats.Sessions)
	}

	if err := h.Drop(f); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if got := h.Stats().Drops; got != 1 {
		t.Fatalf("Stats().Drops = %d, want 1", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	path := testPath(t)
	h, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
