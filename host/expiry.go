package host

import (
	"sort"

	"github.com/vsl/videostream/frame"
)

// liveEntry pairs a posted Frame with the set of sessions that still hold
// an outstanding reference to it (i.e. have been announced it but have
// not unlocked, and have not departed).
type liveEntry struct {
	frame       *frame.Frame
	outstanding map[int]struct{}
}

func (e *liveEntry) referenced() bool {
	return len(e.outstanding) > 0
}

// insertLive inserts f into the host's live queue, kept sorted by
// Frame.Expires ascending so expiry can always examine the head.
func (h *Host) insertLive(f *frame.Frame, sessionIDs []int) {
	entry := &liveEntry{frame: f, outstanding: make(map[int]struct{}, len(sessionIDs))}
	for _, id := range sessionIDs {
		entry.outstanding[id] = struct{}{}
	}

	i := sort.Search(len(h.live), func(i int) bool {
		return h.live[i].frame.Expires() > f.Expires()
	})
	h.live = append(h.live, nil)
	copy(h.live[i+1:], h.live[i:])
	h.live[i] = entry
}

// removeLive drops the live-queue entry for serial, if present, returning
// it. Used by Drop.
func (h *Host) removeLive(serial uint64) *liveEntry {
	for i, e := range h.live {
		if e.frame.Serial() == serial {
			h.live = append(h.live[:i], h.live[i+1:]...)
			return e
		}
	}
	return nil
}

// clearSessionOutstanding drops sessionID from every live entry's
// outstanding set, called when a session departs.
func (h *Host) clearSessionOutstanding(sessionID int) {
	for _, e := range h.live {
		delete(e.outstanding, sessionID)
	}
}

// unlockFor removes sessionID's outstanding reference to serial, called
// when a KindUnlock message arrives.
func (h *Host) unlockFor(sessionID int, serial uint64) {
	for _, e := range h.live {
		if e.frame.Serial() == serial {
			delete(e.outstanding, sessionID)
			return
		}
	}
}

// clearOutstandingEverywhere removes serial from every connected session's
// own outstanding-announcement set (the one overWatermark checks), called
// by Drop: a dropped frame's announcement is never acknowledged by an
// UNLOCK, so without this it would occupy a watermark slot in every
// session forever.
func (h *Host) clearOutstandingEverywhere(serial uint64) {
	for _, s := range h.sessions {
		s.clearOutstanding(serial)
	}
}

// expireDue walks the live queue from the front, expiring every frame
// whose Expires has passed and which no session still references. It
// stops at the first frame that fails either condition: a
// referenced-but-expired frame stays at the head and is retried next step,
// and the frames behind it are not examined until it has gone, even if
// their own expiry has also passed.
func (h *Host) expireDue(now int64) []*frame.Frame {
	var expired []*frame.Frame
	for len(h.live) > 0 {
		head := h.live[0]
		if head.frame.Expires() > now {
			break
		}
		if head.referenced() {
			break
		}
		h.live = h.live[1:]
		head.frame.MarkExpired()
		expired = append(expired, head.frame)
	}
	return expired
}
