// Package session implements the ATP session layer: handshake and encoding
// negotiation, per-lane sequencing, fragment reassembly with gap recovery,
// cumulative acknowledgement, retransmission, heartbeats and anti-replay.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/protocol"
)

// Sender delivers one encoded frame to the peer. The transport owns encoding;
// the session layer hands it sealed frames.
type Sender interface {
	Send(f *protocol.Frame) error
}

// State is the session lifecycle state.
type State int32

const (
	StateHandshaking State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hooks are the upward callbacks out of the session layer. All fields are
// optional. Hooks run outside the session lock and may call back into the
// session.
type Hooks struct {
	OnMessage    func(s *Session, msg Message)
	OnCapability func(s *Session, p protocol.CapabilityPayload)
	OnHealth     func(s *Session, p protocol.HealthPayload)
	OnStatus     func(s *Session, status string)
	OnFin        func(s *Session, streamID string)
	OnClose      func(s *Session, reason *atperr.Error)
	// OnCongestion fires once per inbound ECN-marked frame.
	OnCongestion func(s *Session)
	// Congested, when set, gates ECN marking of outgoing frames.
	Congested func() bool
}

// Session is one authenticated ATP session.
type Session struct {
	id        string
	principal ports.Principal
	encoding  string
	signKey   []byte

	sender Sender
	clock  ports.Clock
	ids    ports.RandomID
	cfg    config.SessionConfig
	proto  config.ProtocolConfig
	m      *metrics.Metrics
	guard  *ReplayGuard
	hooks  Hooks

	mu           sync.Mutex
	state        State
	createdAt    time.Time
	lastSeen     time.Time
	lastBeatSent time.Time
	missedBeats  int
	lanes        map[string]uint64
	reasm        *reassembler
	acks         *acker
	retx         *retransmitBuffer
	window       protocol.Window
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Principal returns the authenticated identity.
func (s *Session) Principal() ports.Principal { return s.principal }

// Encoding returns the negotiated encoding name.
func (s *Session) Encoding() string { return s.encoding }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Window returns the last advertised triplet window.
func (s *Session) Window() protocol.Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

func (s *Session) qos() string {
	if protocol.ValidQoS(s.principal.QoS) {
		return s.principal.QoS
	}
	return protocol.QoSBronze
}

// newFrame builds an outbound frame skeleton carrying the session's QoS and
// current window advisory.
func (s *Session) newFrame(ftype, streamID string) *protocol.Frame {
	s.mu.Lock()
	w := s.window
	s.mu.Unlock()
	return &protocol.Frame{
		V:         protocol.MajorVersion,
		Type:      ftype,
		SessionID: s.id,
		StreamID:  streamID,
		QoS:       s.qos(),
		Window:    w,
		Nonce:     s.ids.NewID(),
	}
}

// send seals, signs when a key is present, and delivers one frame.
func (s *Session) send(f *protocol.Frame) error {
	if err := protocol.Seal(f); err != nil {
		return err
	}
	if len(s.signKey) > 0 {
		if err := protocol.Sign(f, s.signKey); err != nil {
			return err
		}
	}
	if err := s.sender.Send(f); err != nil {
		return err
	}
	s.m.FramesTotal.WithLabelValues(f.Type).Inc()
	return nil
}

// SendMessage fragments and sends text on a lane, allocating the next
// msg_seq, and buffers the fragments for retransmission.
func (s *Session) SendMessage(streamID, text string, meta protocol.Meta) (uint64, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return 0, atperr.ErrIdle
	}
	seq := s.lanes[streamID]
	s.lanes[streamID] = seq + 1
	s.mu.Unlock()

	base := s.newFrame(protocol.TypeData, streamID)
	base.MsgSeq = seq
	base.Meta = meta
	if s.hooks.Congested != nil && s.hooks.Congested() {
		base.AddFlag(protocol.FlagECN)
	}
	frags, err := protocol.FragmentText(base, text, s.proto.MaxFragmentBytes)
	if err != nil {
		return 0, err
	}
	for _, f := range frags {
		if len(s.signKey) > 0 {
			if err := protocol.Sign(f, s.signKey); err != nil {
				return 0, err
			}
		}
		if err := s.sender.Send(f); err != nil {
			return 0, err
		}
		s.m.FramesTotal.WithLabelValues(f.Type).Inc()
	}

	s.mu.Lock()
	s.retx.Store(streamID, seq, frags)
	s.mu.Unlock()
	return seq, nil
}

// SendError emits an ERROR frame carrying a taxonomy error.
func (s *Session) SendError(streamID string, e *atperr.Error) error {
	f := s.newFrame(protocol.TypeError, streamID)
	f.AddFlag(protocol.FlagError)
	f.Payload = protocol.MustPayload(protocol.PayloadError, protocol.ErrorPayload{
		Code:          string(e.Code),
		Retryable:     e.Retryable,
		Message:       e.Message,
		CorrelationID: e.CorrelationID,
		RetryAfterMS:  e.RetryAfter.Milliseconds(),
	})
	s.m.FrameErrorsTotal.WithLabelValues(string(e.Code)).Inc()
	return s.send(f)
}

// SendStatus emits a CONTROL_STATUS frame.
func (s *Session) SendStatus(status string) error {
	f := s.newFrame(protocol.TypeControlStatus, "")
	f.AddFlag(protocol.FlagControl)
	f.Payload = protocol.MustPayload(protocol.PayloadStatus, protocol.StatusPayload{Status: status})
	return s.send(f)
}

// SendWindowUpdate advertises a new effective triplet window.
func (s *Session) SendWindowUpdate(w protocol.Window) error {
	s.mu.Lock()
	s.window = w
	s.mu.Unlock()

	f := s.newFrame(protocol.TypeWindowUpdate, "")
	f.AddFlag(protocol.FlagWindowUpdate)
	f.Window = w
	f.Payload = protocol.MustPayload(protocol.PayloadWindow, protocol.WindowUpdatePayload{Window: w})
	s.m.WindowUpdatesTotal.Inc()
	return s.send(f)
}

// HandleFrame processes one decoded inbound frame.
func (s *Session) HandleFrame(f *protocol.Frame) error {
	if s.State() == StateClosed {
		return atperr.ErrIdle
	}

	if len(s.signKey) > 0 && s.proto.RequireSignature {
		if err := protocol.VerifySignature(f, s.signKey); err != nil {
			s.m.FrameErrorsTotal.WithLabelValues(string(atperr.CodeSignature)).Inc()
			return err
		}
	}
	if f.Nonce != "" {
		if err := s.guard.Check(s.id, f.Nonce); err != nil {
			s.m.ReplayRejectTotal.Inc()
			return err
		}
	} else if s.proto.RequireSignature {
		return atperr.New(atperr.CodeReplay, "signed session requires a nonce")
	}

	s.mu.Lock()
	s.lastSeen = s.clock.Now()
	s.missedBeats = 0
	s.mu.Unlock()
	s.m.FramesTotal.WithLabelValues(f.Type).Inc()

	if f.HasFlag(protocol.FlagECN) && s.hooks.OnCongestion != nil {
		s.hooks.OnCongestion(s)
	}

	switch f.Type {
	case protocol.TypeData:
		return s.handleData(f)
	case protocol.TypeAck:
		return s.handleAck(f)
	case protocol.TypeNack:
		return s.handleNack(f)
	case protocol.TypeHeartbeat:
		return nil // lastSeen already refreshed
	case protocol.TypeControlStatus:
		var p protocol.StatusPayload
		if err := f.Payload.DecodeBody(&p); err != nil {
			return atperr.Wrap(err, atperr.CodeParse, "status payload")
		}
		if s.hooks.OnStatus != nil {
			s.hooks.OnStatus(s, p.Status)
		}
		return nil
	case protocol.TypeWindowUpdate:
		// Peer acknowledgement of our advisory; nothing to apply.
		return nil
	case protocol.TypeCapability:
		var p protocol.CapabilityPayload
		if err := f.Payload.DecodeBody(&p); err != nil {
			return atperr.Wrap(err, atperr.CodeParse, "capability payload")
		}
		if s.hooks.OnCapability != nil {
			s.hooks.OnCapability(s, p)
		}
		return nil
	case protocol.TypeHealth:
		var p protocol.HealthPayload
		if err := f.Payload.DecodeBody(&p); err != nil {
			return atperr.Wrap(err, atperr.CodeParse, "health payload")
		}
		if s.hooks.OnHealth != nil {
			s.hooks.OnHealth(s, p)
		}
		return nil
	case protocol.TypeFin:
		return s.handleFin(f)
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := f.Payload.DecodeBody(&p); err == nil {
			logging.Warn("peer error frame",
				zap.String("session", s.id),
				zap.String("code", p.Code),
				zap.String("message", p.Message),
			)
		}
		return nil
	case protocol.TypeHandshake, protocol.TypeHandshakeAck:
		return atperr.New(atperr.CodeHandshake, "handshake frame on established session")
	default:
		return atperr.New(atperr.CodeParse, "unknown frame type "+f.Type)
	}
}

func (s *Session) handleData(f *protocol.Frame) error {
	if f.Payload.Type != protocol.PayloadText {
		return atperr.New(atperr.CodeParse, "DATA frame with payload type "+f.Payload.Type)
	}

	s.mu.Lock()
	now := s.clock.Now()
	msg, dup, err := s.reasm.Ingest(f, now)
	if msg != nil {
		s.acks.NoteComplete(msg.StreamID, msg.MsgSeq, now)
	}
	s.mu.Unlock()

	if dup {
		s.m.DuplicateFragTotal.Inc()
		return nil
	}
	if err != nil {
		ae := atperr.FromError(err)
		_ = s.SendError(f.StreamID, ae)
		return err
	}
	if msg != nil && s.hooks.OnMessage != nil {
		s.hooks.OnMessage(s, *msg)
	}
	return nil
}

func (s *Session) handleAck(f *protocol.Frame) error {
	var p protocol.AckPayload
	if err := f.Payload.DecodeBody(&p); err != nil {
		return atperr.Wrap(err, atperr.CodeParse, "ack payload")
	}
	s.mu.Lock()
	s.retx.Release(p.StreamID, p.MsgSeq)
	s.mu.Unlock()
	return nil
}

func (s *Session) handleNack(f *protocol.Frame) error {
	var p protocol.NackPayload
	if err := f.Payload.DecodeBody(&p); err != nil {
		return atperr.Wrap(err, atperr.CodeParse, "nack payload")
	}
	s.mu.Lock()
	frames := s.retx.Fetch(p.StreamID, p.MsgSeq, p.FragFrom, p.FragTo)
	s.mu.Unlock()

	for _, rf := range frames {
		if err := s.sender.Send(rf); err != nil {
			return err
		}
		s.m.RetransmitsTotal.Inc()
	}
	return nil
}

func (s *Session) handleFin(f *protocol.Frame) error {
	if f.StreamID != "" {
		s.mu.Lock()
		s.reasm.DropStream(f.StreamID)
		delete(s.lanes, f.StreamID)
		s.mu.Unlock()
		if s.hooks.OnFin != nil {
			s.hooks.OnFin(s, f.StreamID)
		}
		return nil
	}

	// Session-level FIN: acknowledge and close.
	fin := s.newFrame(protocol.TypeFin, "")
	fin.AddFlag(protocol.FlagFin)
	fin.Payload = protocol.MustPayload(protocol.PayloadFin, protocol.FinPayload{})
	_ = s.send(fin)
	s.Close(nil)
	return nil
}

// Tick runs the session's timers: pending ACKs, gap NACKs, outbound
// heartbeats and idle detection. The manager calls it from its sweep loop.
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateHandshaking {
		s.mu.Unlock()
		return
	}
	acks := s.acks.Due(now)
	gaps := s.reasm.ExpiredGaps(now)

	interval := s.proto.HeartbeatInterval
	sendBeat := interval > 0 && now.Sub(s.lastBeatSent) >= interval
	if sendBeat {
		s.lastBeatSent = now
	}

	var idle bool
	if interval > 0 {
		missed := int(now.Sub(s.lastSeen) / interval)
		if missed > s.missedBeats {
			s.m.HeartbeatsMissed.Add(float64(missed - s.missedBeats))
			s.missedBeats = missed
		}
		idle = missed >= s.cfg.IdleMissedHeartbeats
	}
	s.mu.Unlock()

	if idle {
		s.Close(atperr.ErrIdle)
		return
	}

	for _, ack := range acks {
		f := s.newFrame(protocol.TypeAck, ack.StreamID)
		f.AddFlag(protocol.FlagAck)
		f.Payload = protocol.MustPayload(protocol.PayloadAck, ack)
		if err := s.send(f); err == nil {
			s.m.AcksSentTotal.Inc()
		}
	}
	for _, gap := range gaps {
		f := s.newFrame(protocol.TypeNack, gap.StreamID)
		f.Payload = protocol.MustPayload(protocol.PayloadNack, protocol.NackPayload{
			StreamID: gap.StreamID,
			MsgSeq:   gap.MsgSeq,
			FragFrom: gap.FragFrom,
			FragTo:   gap.FragTo,
			Code:     string(atperr.CodeSeqRetry),
		})
		if err := s.send(f); err == nil {
			s.m.ReassemblyGapTotal.Inc()
		}
	}
	if sendBeat {
		f := s.newFrame(protocol.TypeHeartbeat, "")
		f.AddFlag(protocol.FlagHeartbeat)
		f.Payload = protocol.MustPayload(protocol.PayloadHeartbeat, struct{}{})
		_ = s.send(f)
	}
}

// BeginDrain moves the session to DRAINING and tells the peer.
func (s *Session) BeginDrain() {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	s.mu.Unlock()
	_ = s.SendStatus(protocol.StatusDraining)
}

// Close terminates the session. A non-nil reason is sent to the peer as an
// ERROR frame followed by a FIN carrying the code. Close is idempotent.
func (s *Session) Close(reason *atperr.Error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	if reason != nil {
		_ = s.SendError("", reason)
		fin := s.newFrame(protocol.TypeFin, "")
		fin.AddFlag(protocol.FlagFin)
		fin.Payload = protocol.MustPayload(protocol.PayloadFin, protocol.FinPayload{Code: string(reason.Code)})
		_ = s.send(fin)
	}
	logging.Info("session closed",
		zap.String("session", s.id),
		zap.String("tenant", s.principal.TenantID),
	)
	if s.hooks.OnClose != nil {
		s.hooks.OnClose(s, reason)
	}
}
