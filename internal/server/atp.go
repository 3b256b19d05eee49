package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/protocol"
	"github.com/atlasframe/atpd/internal/registry"
	"github.com/atlasframe/atpd/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsSender delivers sealed frames over one WebSocket connection. The codec
// starts transport-matched and is swapped once the handshake settles the
// negotiated encoding.
type wsSender struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	codec  protocol.Codec
	binary bool
}

func (ws *wsSender) Send(f *protocol.Frame) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	data, err := ws.codec.Encode(f)
	if err != nil {
		return err
	}
	mt := websocket.TextMessage
	if ws.binary {
		mt = websocket.BinaryMessage
	}
	return ws.conn.WriteMessage(mt, data)
}

func (ws *wsSender) setCodec(codec protocol.Codec, binary bool) {
	ws.mu.Lock()
	ws.codec = codec
	ws.binary = binary
	ws.mu.Unlock()
}

// handleATP upgrades the connection and runs one ATP session to completion.
func (s *Server) handleATP(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.serveConn(conn)
}

func (s *Server) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	maxFrame := s.cfg.Protocol.MaxFrameBytes
	conn.SetReadLimit(int64(maxFrame))

	hsTimeout := s.cfg.Protocol.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = 2 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(hsTimeout))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return
	}

	// The first frame's transport framing picks the handshake codec; the
	// negotiated encoding takes over after the ACK.
	enc := protocol.EncodingJSON
	if mt == websocket.BinaryMessage {
		enc = protocol.EncodingBinary
	}
	codec, err := protocol.ForEncoding(enc, maxFrame)
	if err != nil {
		return
	}
	sender := &wsSender{conn: conn, codec: codec, binary: enc == protocol.EncodingBinary}

	frame, err := codec.Decode(data)
	if err != nil {
		sendConnError(sender, err)
		return
	}
	sess, err := s.sessions.Handshake(s.context(), frame, sender)
	if err != nil {
		sendConnError(sender, err)
		return
	}
	if sess.Encoding() != enc {
		negotiated, cerr := protocol.ForEncoding(sess.Encoding(), maxFrame)
		if cerr != nil {
			sess.Close(atperr.FromError(cerr))
			return
		}
		codec = negotiated
		sender.setCodec(negotiated, sess.Encoding() == protocol.EncodingBinary)
	}

	win := s.flow.Attach(s.context(), sess.ID())
	if err := sess.SendWindowUpdate(win); err != nil {
		sess.Close(atperr.FromError(err))
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Transport loss keeps the session resumable.
			sess.Close(nil)
			return
		}
		f, err := codec.Decode(data)
		if err != nil {
			e := atperr.FromError(err)
			_ = sess.SendError("", e)
			if e.Fatal {
				sess.Close(e)
				return
			}
			continue
		}
		if err := sess.HandleFrame(f); err != nil {
			logging.Debug("frame rejected",
				zap.String("session", sess.ID()), zap.Error(err))
		}
		if sess.State() == session.StateClosed {
			return
		}
	}
}

// sendConnError reports a pre-session failure on the raw connection.
func sendConnError(sender *wsSender, err error) {
	e := atperr.FromError(err)
	f := &protocol.Frame{
		V:         protocol.MajorVersion,
		Type:      protocol.TypeError,
		SessionID: "handshake",
		QoS:       protocol.QoSBronze,
		Flags:     []string{protocol.FlagError},
		Payload: protocol.MustPayload(protocol.PayloadError, protocol.ErrorPayload{
			Code:          string(e.Code),
			Retryable:     e.Retryable,
			Message:       e.Message,
			CorrelationID: e.CorrelationID,
			RetryAfterMS:  e.RetryAfter.Milliseconds(),
		}),
	}
	if err := protocol.Seal(f); err != nil {
		return
	}
	_ = sender.Send(f)
}

func (s *Server) sessionHooks() session.Hooks {
	return session.Hooks{
		OnMessage:    s.onSessionMessage,
		OnCapability: s.onCapability,
		OnHealth:     s.onHealth,
		OnStatus:     s.onStatus,
		OnFin:        s.onFin,
		OnClose:      s.onSessionClose,
		OnCongestion: s.onCongestion,
		Congested:    s.sched.Congested,
	}
}

func streamKey(sessionID, streamID string) string {
	return sessionID + "/" + streamID
}

// onSessionMessage receives every reassembled inbound message. Replies on a
// stream opened toward an ATP adapter complete the pending dispatch; anything
// else is a client request.
func (s *Server) onSessionMessage(sess *session.Session, msg session.Message) {
	if ch, ok := s.adapterStreams.LoadAndDelete(streamKey(sess.ID(), msg.StreamID)); ok {
		frag := ports.Fragment{Text: msg.Text, Done: true}
		if msg.Last != nil && msg.Last.Payload.Type == protocol.PayloadText {
			var tp protocol.TextPayload
			if err := msg.Last.Payload.DecodeBody(&tp); err == nil {
				frag.TokensIn = tp.TokensIn
				frag.TokensOut = tp.TokensOut
				frag.CostDeltaMicros = tp.CostMicros
			}
		}
		ch.(chan ports.Fragment) <- frag
		return
	}
	go s.serveMessage(sess, msg)
}

// serveMessage runs one client request end to end: admission, scheduling,
// dispatch, reply.
func (s *Server) serveMessage(sess *session.Session, msg session.Message) {
	s.inflight.Add(1)
	defer s.inflight.Done()

	var body AskRequest
	if err := json.Unmarshal([]byte(msg.Text), &body); err != nil || body.Prompt == "" {
		// Bare text messages are prompts with all hints on the frame.
		body = AskRequest{Prompt: msg.Text}
	}
	req := body.toRequest(sess.Principal(), s.ids.NewID())
	req.SessionID = sess.ID()
	req.StreamID = msg.StreamID
	if last := msg.Last; last != nil {
		if req.TaskType == "" {
			req.TaskType = last.Meta.TaskType
		}
		if len(req.Languages) == 0 {
			req.Languages = last.Meta.Languages
		}
		if len(req.DataScope) == 0 {
			req.DataScope = last.Meta.DataScope
		}
		if protocol.ValidQoS(last.QoS) {
			req.QoS = last.QoS
		}
		if last.TTL > 0 {
			req.TTL = last.TTL
		}
		if req.MaxTokens == 0 && last.Window.MaxTokens > 0 {
			req.MaxTokens = last.Window.MaxTokens
		}
		if req.MaxUSDMicros == 0 && last.Window.MaxUSDMicros > 0 {
			req.MaxUSDMicros = last.Window.MaxUSDMicros
		}
	}

	dec, err := s.policy.Evaluate(s.context(), req, sess.Principal())
	if err != nil {
		_ = sess.SendError(msg.StreamID, atperr.FromError(err).WithCorrelationID(req.RequestID))
		return
	}
	if !dec.Allowed {
		_ = sess.SendError(msg.StreamID, atperr.New(atperr.CodeAuthz, "denied by policy").WithCorrelationID(req.RequestID))
		return
	}

	grant, err := s.sched.Acquire(s.context(), req)
	if err != nil {
		_ = sess.SendError(msg.StreamID, atperr.FromError(err).WithCorrelationID(req.RequestID))
		return
	}
	defer grant.Release()

	res, err := s.dispatcher.Dispatch(grant.Ctx, req, s.cfg.TenantByID(req.TenantID), dec.StrategyOverride, nil)
	if err != nil {
		_ = sess.SendError(msg.StreamID, atperr.FromError(err).WithCorrelationID(req.RequestID))
		return
	}
	if _, err := sess.SendMessage(msg.StreamID, res.Text, protocol.Meta{
		TaskType: req.TaskType,
		TraceID:  req.RequestID,
	}); err != nil {
		logging.Debug("reply send failed",
			zap.String("session", sess.ID()), zap.Error(err))
	}
}

// onCapability registers the announcing session as an adapter.
func (s *Server) onCapability(sess *session.Session, p protocol.CapabilityPayload) {
	caps, err := registry.ValidateCapability(p)
	if err != nil {
		_ = sess.SendError("", atperr.FromError(err))
		return
	}
	if err := s.reg.Register(caps, &atpAdapter{srv: s, sess: sess, caps: caps}); err != nil {
		_ = sess.SendError("", atperr.FromError(err))
		return
	}
	s.adapterMu.Lock()
	s.adaptersBySession[sess.ID()] = append(s.adaptersBySession[sess.ID()], caps.ID)
	s.adapterMu.Unlock()
	logging.Info("adapter registered",
		zap.String("adapter", caps.ID),
		zap.String("session", sess.ID()),
		zap.Strings("models", caps.Models),
	)
}

func (s *Server) onHealth(sess *session.Session, p protocol.HealthPayload) {
	ok := s.reg.UpdateHealth(p.AdapterID, ports.HealthReport{
		P50LatencyMS: p.P50LatencyMS,
		P95LatencyMS: p.P95LatencyMS,
		P99LatencyMS: p.P99LatencyMS,
		ErrorRate:    p.ErrorRate,
		RPS:          p.RPS,
		QueueDepth:   p.QueueDepth,
		ReportedAt:   s.clock.Now(),
	})
	if !ok {
		logging.Debug("health report for unknown adapter",
			zap.String("adapter", p.AdapterID), zap.String("session", sess.ID()))
	}
}

func (s *Server) onStatus(sess *session.Session, status string) {
	if status == protocol.StatusBusy {
		s.flow.OnBusy(sess.ID())
	}
}

// onCongestion folds an inbound ECN mark into the session's window control.
func (s *Server) onCongestion(sess *session.Session) {
	s.flow.OnCongestion(sess.ID())
}

// onFin aborts any dispatch still waiting on the finished stream.
func (s *Server) onFin(sess *session.Session, streamID string) {
	if ch, ok := s.adapterStreams.LoadAndDelete(streamKey(sess.ID(), streamID)); ok {
		ch.(chan ports.Fragment) <- ports.Fragment{
			Err: atperr.New(atperr.CodeAdapter, "adapter closed stream before replying"),
		}
	}
}

// onSessionClose releases flow state and deregisters the session's adapters.
func (s *Server) onSessionClose(sess *session.Session, reason *atperr.Error) {
	s.flow.Detach(context.Background(), sess.ID())

	s.adapterMu.Lock()
	ids := s.adaptersBySession[sess.ID()]
	delete(s.adaptersBySession, sess.ID())
	s.adapterMu.Unlock()
	for _, id := range ids {
		s.reg.Remove(id)
		s.breakers.Remove(id)
		logging.Info("adapter removed with session",
			zap.String("adapter", id), zap.String("session", sess.ID()))
	}
}

// adapterRequest is the JSON body sent to ATP-registered adapters.
type adapterRequest struct {
	RequestID string `json:"request_id"`
	TaskType  string `json:"task_type,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int64  `json:"max_tokens,omitempty"`
	Quality   string `json:"quality,omitempty"`
}

// atpAdapter exposes a capability-registered session as an adapter port.
// Requests go out as messages on a fresh stream; the adapter's reply on the
// same stream completes the dispatch.
type atpAdapter struct {
	srv  *Server
	sess *session.Session
	caps registry.Capabilities
}

func (a *atpAdapter) ID() string { return a.caps.ID }

// Estimate prices the request from the advertised per-token rates. Input
// tokens are approximated at four characters each.
func (a *atpAdapter) Estimate(_ context.Context, req ports.Request) (ports.Estimate, error) {
	tokensIn := int64(len(req.Prompt)+3) / 4
	tokensOut := req.MaxTokens
	if a.caps.MaxTokens > 0 && (tokensOut <= 0 || tokensOut > a.caps.MaxTokens) {
		tokensOut = a.caps.MaxTokens
	}
	if tokensOut <= 0 {
		tokensOut = 1024
	}
	cost := a.caps.CostPerRequestMicros +
		tokensIn*a.caps.CostInPerTokenMicros +
		tokensOut*a.caps.CostOutPerTokenMicros
	return ports.Estimate{TokensIn: tokensIn, TokensOut: tokensOut, USDMicros: cost}, nil
}

func (a *atpAdapter) Stream(ctx context.Context, req ports.Request) (<-chan ports.Fragment, error) {
	if a.sess.State() != session.StateOpen {
		return nil, atperr.New(atperr.CodeAdapter, "adapter session not open")
	}
	body, err := json.Marshal(adapterRequest{
		RequestID: req.RequestID,
		TaskType:  req.TaskType,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
		Quality:   req.Quality,
	})
	if err != nil {
		return nil, atperr.Wrap(err, atperr.CodeEncode, "adapter request")
	}

	streamID := a.srv.ids.NewID()
	key := streamKey(a.sess.ID(), streamID)
	reply := make(chan ports.Fragment, 1)
	a.srv.adapterStreams.Store(key, reply)

	meta := protocol.Meta{
		TaskType:  req.TaskType,
		Languages: req.Languages,
		DataScope: req.DataScope,
		TraceID:   req.RequestID,
	}
	if _, err := a.sess.SendMessage(streamID, string(body), meta); err != nil {
		a.srv.adapterStreams.Delete(key)
		return nil, atperr.Wrap(err, atperr.CodeAdapter, "send to adapter")
	}

	out := make(chan ports.Fragment, 1)
	go func() {
		defer close(out)
		select {
		case frag := <-reply:
			out <- frag
		case <-ctx.Done():
			a.srv.adapterStreams.Delete(key)
			out <- ports.Fragment{Err: ctx.Err()}
		}
	}()
	return out, nil
}

func (a *atpAdapter) Health(context.Context) (ports.HealthReport, error) {
	h, ok := a.srv.reg.Health(a.caps.ID)
	if !ok {
		return ports.HealthReport{}, atperr.New(atperr.CodeAdapter, "no health recorded")
	}
	return ports.HealthReport{
		P50LatencyMS: h.P50LatencyMS,
		P95LatencyMS: h.P95LatencyMS,
		P99LatencyMS: h.P99LatencyMS,
		ErrorRate:    h.ErrorRate,
		RPS:          h.RPS,
		QueueDepth:   h.QueueDepth,
		ReportedAt:   h.LastSeen,
	}, nil
}
