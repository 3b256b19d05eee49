package session

import (
	"sort"
	"time"

	"github.com/atlasframe/atpd/internal/protocol"
)

// acker tracks cumulative acknowledgement state per inbound stream. An ACK is
// due after ackThreshold completed messages or ackDelay since the first
// unacknowledged one, whichever comes first.
type acker struct {
	streams      map[string]*ackStream
	ackThreshold int
	ackDelay     time.Duration
}

type ackStream struct {
	highContig  uint64 // highest contiguous completed msg_seq
	seeded      bool
	outOfOrder  map[uint64]struct{}
	unacked     int
	firstUnack  time.Time
}

func newAcker(threshold int, delay time.Duration) *acker {
	if threshold <= 0 {
		threshold = 32
	}
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}
	return &acker{
		streams:      make(map[string]*ackStream),
		ackThreshold: threshold,
		ackDelay:     delay,
	}
}

// NoteComplete records a fully reassembled message and advances the
// contiguous high-water mark through any buffered out-of-order completions.
func (a *acker) NoteComplete(streamID string, msgSeq uint64, now time.Time) {
	s, ok := a.streams[streamID]
	if !ok {
		s = &ackStream{outOfOrder: make(map[uint64]struct{})}
		a.streams[streamID] = s
	}

	switch {
	case !s.seeded && msgSeq == 0, s.seeded && msgSeq == s.highContig+1:
		s.highContig = msgSeq
		s.seeded = true
		for {
			if _, ok := s.outOfOrder[s.highContig+1]; !ok {
				break
			}
			delete(s.outOfOrder, s.highContig+1)
			s.highContig++
		}
	default:
		s.outOfOrder[msgSeq] = struct{}{}
	}

	if s.unacked == 0 {
		s.firstUnack = now
	}
	s.unacked++
}

// Due returns the streams whose ACK policy fired, resetting their counters.
func (a *acker) Due(now time.Time) []protocol.AckPayload {
	var out []protocol.AckPayload
	for id, s := range a.streams {
		if s.unacked == 0 || !s.seeded {
			continue
		}
		if s.unacked < a.ackThreshold && now.Sub(s.firstUnack) < a.ackDelay {
			continue
		}
		out = append(out, protocol.AckPayload{StreamID: id, MsgSeq: s.highContig})
		s.unacked = 0
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// retransmitBuffer keeps sent DATA frames until the peer acknowledges them,
// bounded to a fixed number of frames across all streams (oldest evicted).
type retransmitBuffer struct {
	frames  map[string]map[uint64][]*protocol.Frame // stream -> msg_seq -> fragments
	order   []retxKey
	maxSize int
}

type retxKey struct {
	streamID string
	msgSeq   uint64
}

func newRetransmitBuffer(size int) *retransmitBuffer {
	if size <= 0 {
		size = 256
	}
	return &retransmitBuffer{
		frames:  make(map[string]map[uint64][]*protocol.Frame),
		maxSize: size,
	}
}

// Store buffers the fragments of one sent message.
func (b *retransmitBuffer) Store(streamID string, msgSeq uint64, frags []*protocol.Frame) {
	byStream, ok := b.frames[streamID]
	if !ok {
		byStream = make(map[uint64][]*protocol.Frame)
		b.frames[streamID] = byStream
	}
	if _, exists := byStream[msgSeq]; !exists {
		b.order = append(b.order, retxKey{streamID: streamID, msgSeq: msgSeq})
	}
	byStream[msgSeq] = frags

	for len(b.order) > b.maxSize {
		old := b.order[0]
		b.order = b.order[1:]
		if byStream, ok := b.frames[old.streamID]; ok {
			delete(byStream, old.msgSeq)
			if len(byStream) == 0 {
				delete(b.frames, old.streamID)
			}
		}
	}
}

// Release drops every buffered message on the stream with msg_seq <= upTo.
func (b *retransmitBuffer) Release(streamID string, upTo uint64) {
	byStream, ok := b.frames[streamID]
	if !ok {
		return
	}
	for seq := range byStream {
		if seq <= upTo {
			delete(byStream, seq)
		}
	}
	if len(byStream) == 0 {
		delete(b.frames, streamID)
	}
	kept := b.order[:0]
	for _, k := range b.order {
		if k.streamID == streamID && k.msgSeq <= upTo {
			continue
		}
		kept = append(kept, k)
	}
	b.order = kept
}

// Fetch returns the buffered fragments of one message inside the requested
// frag_seq range.
func (b *retransmitBuffer) Fetch(streamID string, msgSeq uint64, fragFrom, fragTo uint32) []*protocol.Frame {
	byStream, ok := b.frames[streamID]
	if !ok {
		return nil
	}
	frags, ok := byStream[msgSeq]
	if !ok {
		return nil
	}
	var out []*protocol.Frame
	for _, f := range frags {
		if f.FragSeq >= fragFrom && f.FragSeq <= fragTo {
			out = append(out, f)
		}
	}
	return out
}

// Len reports the number of buffered messages.
func (b *retransmitBuffer) Len() int { return len(b.order) }
