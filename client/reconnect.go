package client

import (
	"context"
	"net"
	"time"
)

// reconnectMinBackoff and reconnectMaxBackoff bound the exponential
// backoff between dial attempts after a lost connection.
const (
	reconnectMinBackoff = 10 * time.Millisecond
	reconnectMaxBackoff = time.Second
)

// reconnector drives the backoff loop Wait uses to rejoin a host after
// the connection is lost. Its only state besides a pointer back to the
// owning Client is the current backoff; lastSeen (used to skip frames the
// host already delivered before the drop) lives on the Client.
type reconnector struct {
	c       *Client
	backoff time.Duration
}

func newReconnector(c *Client) *reconnector {
	return &reconnector{c: c, backoff: reconnectMinBackoff}
}

// next blocks, retrying dialAndHandshake with exponential backoff, until
// a connection succeeds or ctx is done. On success the backoff resets to
// its floor so a later disconnect starts retrying quickly again.
func (r *reconnector) next(ctx context.Context) (*net.UnixConn, error) {
	for {
		lastSeen := r.c.lastSeenSnapshot()
		conn, err := dialAndHandshake(r.c.path, lastSeen)
		if err == nil {
			r.backoff = reconnectMinBackoff
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.backoff):
		}

		r.backoff *= 2
		if r.backoff > reconnectMaxBackoff {
			r.backoff = reconnectMaxBackoff
		}
	}
}
