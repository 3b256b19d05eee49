package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/protocol"
)

// msgKey identifies one in-flight message within a session.
type msgKey struct {
	streamID string
	msgSeq   uint64
}

// msgBuffer accumulates the fragments of one message.
type msgBuffer struct {
	frags     map[uint32]*protocol.Frame
	bytes     int
	lastFrag  uint32 // frag_seq of the terminal fragment
	hasLast   bool
	arrivedAt time.Time // first fragment arrival
	gapSince  time.Time // zero when no gap is outstanding
	nacked    bool
}

// Message is a fully reassembled inbound message.
type Message struct {
	StreamID string
	MsgSeq   uint64
	Text     string
	// Last carries the terminal fragment's headers (qos, ttl, window, meta).
	Last *protocol.Frame
}

// Gap describes a missing fragment range whose gap timer expired.
type Gap struct {
	StreamID string
	MsgSeq   uint64
	FragFrom uint32
	FragTo   uint32
}

// reassembler rebuilds messages from DATA fragments, per session.
type reassembler struct {
	buffers      map[msgKey]*msgBuffer
	gapTimer     time.Duration
	maxFragments int
	maxBytes     int
}

func newReassembler(gapTimer time.Duration, maxFragments, maxBytes int) *reassembler {
	if gapTimer <= 0 {
		gapTimer = 200 * time.Millisecond
	}
	if maxFragments <= 0 {
		maxFragments = 1024
	}
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &reassembler{
		buffers:      make(map[msgKey]*msgBuffer),
		gapTimer:     gapTimer,
		maxFragments: maxFragments,
		maxBytes:     maxBytes,
	}
}

// Ingest adds one fragment. Returns the completed message once every fragment
// from 0 through the terminal one is present. Duplicates are dropped and
// reported via the second return.
func (r *reassembler) Ingest(f *protocol.Frame, now time.Time) (*Message, bool, error) {
	key := msgKey{streamID: f.StreamID, msgSeq: f.MsgSeq}
	buf, ok := r.buffers[key]
	if !ok {
		buf = &msgBuffer{frags: make(map[uint32]*protocol.Frame), arrivedAt: now}
		r.buffers[key] = buf
	}

	if _, dup := buf.frags[f.FragSeq]; dup {
		return nil, true, nil
	}
	if len(buf.frags) >= r.maxFragments {
		delete(r.buffers, key)
		return nil, false, atperr.New(atperr.CodeFrameTooBig,
			fmt.Sprintf("message %s/%d exceeds %d fragments", f.StreamID, f.MsgSeq, r.maxFragments))
	}
	if buf.bytes+len(f.Payload.Content) > r.maxBytes {
		delete(r.buffers, key)
		return nil, false, atperr.New(atperr.CodeFrameTooBig,
			fmt.Sprintf("message %s/%d exceeds %d reassembly bytes", f.StreamID, f.MsgSeq, r.maxBytes))
	}

	buf.frags[f.FragSeq] = f
	buf.bytes += len(f.Payload.Content)
	if f.Terminal() {
		buf.lastFrag = f.FragSeq
		buf.hasLast = true
	}

	if !buf.complete() {
		if gap, _, _ := buf.firstGap(); gap && buf.gapSince.IsZero() {
			buf.gapSince = now
		} else if !gap {
			buf.gapSince = time.Time{}
			buf.nacked = false
		}
		return nil, false, nil
	}

	frames := make([]*protocol.Frame, 0, len(buf.frags))
	for i := uint32(0); i <= buf.lastFrag; i++ {
		frames = append(frames, buf.frags[i])
	}
	text, ok := protocol.ReassembleText(frames)
	delete(r.buffers, key)
	if !ok {
		return nil, false, atperr.New(atperr.CodeParse,
			fmt.Sprintf("message %s/%d has inconsistent fragment flags", f.StreamID, f.MsgSeq))
	}
	return &Message{
		StreamID: f.StreamID,
		MsgSeq:   f.MsgSeq,
		Text:     text,
		Last:     frames[len(frames)-1],
	}, false, nil
}

func (b *msgBuffer) complete() bool {
	if !b.hasLast {
		return false
	}
	for i := uint32(0); i <= b.lastFrag; i++ {
		if _, ok := b.frags[i]; !ok {
			return false
		}
	}
	return true
}

// firstGap returns the first missing contiguous fragment range.
func (b *msgBuffer) firstGap() (bool, uint32, uint32) {
	var limit uint32
	if b.hasLast {
		limit = b.lastFrag
	} else {
		for seq := range b.frags {
			if seq > limit {
				limit = seq
			}
		}
	}
	from := uint32(0)
	inGap := false
	for i := uint32(0); i <= limit; i++ {
		if _, ok := b.frags[i]; !ok {
			if !inGap {
				from = i
				inGap = true
			}
			continue
		}
		if inGap {
			return true, from, i - 1
		}
	}
	if inGap {
		return true, from, limit
	}
	return false, 0, 0
}

// ExpiredGaps returns the gaps whose timer elapsed, once each. The caller
// turns them into NACK frames.
func (r *reassembler) ExpiredGaps(now time.Time) []Gap {
	var out []Gap
	for key, buf := range r.buffers {
		if buf.nacked || buf.gapSince.IsZero() {
			continue
		}
		if now.Sub(buf.gapSince) < r.gapTimer {
			continue
		}
		if gap, from, to := buf.firstGap(); gap {
			out = append(out, Gap{StreamID: key.streamID, MsgSeq: key.msgSeq, FragFrom: from, FragTo: to})
			buf.nacked = true
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StreamID != out[j].StreamID {
			return out[i].StreamID < out[j].StreamID
		}
		return out[i].MsgSeq < out[j].MsgSeq
	})
	return out
}

// DropStream discards reassembly state for a finished stream.
func (r *reassembler) DropStream(streamID string) {
	for key := range r.buffers {
		if key.streamID == streamID {
			delete(r.buffers, key)
		}
	}
}

// Pending reports the number of in-flight message buffers.
func (r *reassembler) Pending() int { return len(r.buffers) }
