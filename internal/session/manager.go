package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/protocol"
)

// supportedFeatures is the server's feature set offered during handshake.
var supportedFeatures = []string{"reassembly", "retransmit", "heartbeat", "flow_control"}

// resumeState preserves lane counters of a disconnected session so a client
// holding a valid resumption token can continue its sequences.
type resumeState struct {
	principal ports.Principal
	encoding  string
	lanes     map[string]uint64
	expiresAt time.Time
}

// Manager owns the session table, the handshake and the shared timers.
type Manager struct {
	cfg    config.SessionConfig
	proto  config.ProtocolConfig
	server config.ServerConfig

	auth    ports.Auth
	secrets ports.Secrets
	clock   ports.Clock
	ids     ports.RandomID
	m       *metrics.Metrics
	guard   *ReplayGuard
	limiter *rate.Limiter
	hooks   Hooks

	mu        sync.RWMutex
	sessions  map[string]*Session
	resumable map[string]*resumeState
	draining  bool
}

// NewManager wires a session manager. hooks are shared by every session.
func NewManager(cfg config.SessionConfig, proto config.ProtocolConfig, server config.ServerConfig,
	auth ports.Auth, secrets ports.Secrets, clock ports.Clock, ids ports.RandomID,
	m *metrics.Metrics, hooks Hooks) *Manager {

	if clock == nil {
		clock = ports.SystemClock{}
	}
	rateLimit := rate.Limit(server.HandshakeRate)
	if server.HandshakeRate <= 0 {
		rateLimit = rate.Inf
	}
	burst := server.HandshakeBurst
	if burst <= 0 {
		burst = 1
	}
	return &Manager{
		cfg:       cfg,
		proto:     proto,
		server:    server,
		auth:      auth,
		secrets:   secrets,
		clock:     clock,
		ids:       ids,
		m:         m,
		guard:     NewReplayGuard(cfg.AntiReplayCacheSize, cfg.AntiReplayWindow),
		limiter:   rate.NewLimiter(rateLimit, burst),
		hooks:     hooks,
		sessions:  make(map[string]*Session),
		resumable: make(map[string]*resumeState),
	}
}

// Handshake processes a HANDSHAKE frame from a new connection and, on
// success, sends the HANDSHAKE_ACK and returns the established session.
func (mg *Manager) Handshake(ctx context.Context, f *protocol.Frame, sender Sender) (*Session, error) {
	mg.mu.RLock()
	draining := mg.draining
	count := len(mg.sessions)
	mg.mu.RUnlock()

	if draining {
		return nil, atperr.New(atperr.CodeBusy, "server draining")
	}
	if !mg.limiter.Allow() {
		return nil, atperr.ErrBusy.WithRetryAfter(time.Second)
	}
	if mg.server.MaxSessions > 0 && count >= mg.server.MaxSessions {
		return nil, atperr.ErrBusy.WithRetryAfter(5 * time.Second)
	}
	if f.Type != protocol.TypeHandshake {
		return nil, atperr.New(atperr.CodeHandshake, "first frame must be HANDSHAKE")
	}

	var p protocol.HandshakePayload
	if err := f.Payload.DecodeBody(&p); err != nil {
		return nil, atperr.Wrap(err, atperr.CodeHandshake, "handshake payload")
	}

	encoding, err := protocol.NegotiateEncoding(p.Encodings)
	if err != nil {
		return nil, err
	}
	features := intersectFeatures(p.Features)
	if len(p.Features) > 0 && len(features) == 0 {
		return nil, atperr.ErrHandshake
	}

	principal, err := mg.auth.Authenticate(ctx, []byte(p.IdentityMaterial))
	if err != nil {
		return nil, atperr.Wrap(err, atperr.CodeAuth, "handshake identity")
	}

	sid := ""
	var lanes map[string]uint64
	if p.ResumptionToken != "" {
		if prev, ok := mg.resume(p.ResumptionToken, principal); ok {
			sid = prev.sessionID
			lanes = prev.lanes
			encoding = prev.encoding
		}
	}
	if sid == "" {
		sid = mg.ids.NewID()
		lanes = make(map[string]uint64)
	}

	key, err := mg.secrets.SessionKey(sid)
	if err != nil {
		return nil, atperr.Wrap(err, atperr.CodeInternal, "derive session key")
	}

	s := &Session{
		id:           sid,
		principal:    principal,
		encoding:     encoding,
		signKey:      key,
		sender:       sender,
		clock:        mg.clock,
		ids:          mg.ids,
		cfg:          mg.cfg,
		proto:        mg.proto,
		m:            mg.m,
		guard:        mg.guard,
		state:        StateOpen,
		createdAt:    mg.clock.Now(),
		lastSeen:     mg.clock.Now(),
		lastBeatSent: mg.clock.Now(),
		lanes:        lanes,
		reasm:        newReassembler(mg.cfg.GapTimer, mg.cfg.MaxFragments, mg.cfg.MaxReassemblyBytes),
		acks:         newAcker(mg.cfg.AckFrameThreshold, mg.cfg.AckDelay),
		retx:         newRetransmitBuffer(mg.cfg.RetransmitQueueSize),
	}
	s.hooks = mg.sessionHooks()

	mg.mu.Lock()
	mg.sessions[sid] = s
	mg.mu.Unlock()
	mg.m.SessionsActive.Inc()

	ackPayload := protocol.HandshakePayload{
		Encodings:       []string{encoding},
		Encoding:        encoding,
		Features:        features,
		MaxFrameBytes:   effectiveMaxFrame(mg.proto.MaxFrameBytes, p.MaxFrameBytes),
		HeartbeatMS:     mg.proto.HeartbeatInterval.Milliseconds(),
		AntiReplayMS:    mg.cfg.AntiReplayWindow.Milliseconds(),
		ResumptionToken: mg.resumptionToken(sid, key),
		TenantID:        principal.TenantID,
	}
	ack := s.newFrame(protocol.TypeHandshakeAck, "")
	ack.Payload = protocol.MustPayload(protocol.PayloadHandshake, ackPayload)
	if err := s.send(ack); err != nil {
		mg.removeSession(s)
		return nil, err
	}

	logging.Info("session established",
		zap.String("session", sid),
		zap.String("tenant", principal.TenantID),
		zap.String("encoding", encoding),
		zap.Bool("resumed", len(lanes) > 0),
	)
	return s, nil
}

func intersectFeatures(offered []string) []string {
	if len(offered) == 0 {
		return supportedFeatures
	}
	var out []string
	for _, f := range supportedFeatures {
		for _, o := range offered {
			if strings.EqualFold(f, o) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func effectiveMaxFrame(server, client int) int {
	if client > 0 && client < server {
		return client
	}
	return server
}

// resumptionToken binds the session id under the session key so only the
// original client can resume.
func (mg *Manager) resumptionToken(sid string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("resume:" + sid))
	return sid + "." + hex.EncodeToString(mac.Sum(nil))
}

type resumed struct {
	sessionID string
	lanes     map[string]uint64
	encoding  string
}

func (mg *Manager) resume(token string, principal ports.Principal) (resumed, bool) {
	sid, macHex, ok := strings.Cut(token, ".")
	if !ok {
		return resumed{}, false
	}
	key, err := mg.secrets.SessionKey(sid)
	if err != nil {
		return resumed{}, false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("resume:" + sid))
	if !hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(macHex)) {
		return resumed{}, false
	}

	mg.mu.Lock()
	defer mg.mu.Unlock()
	st, ok := mg.resumable[sid]
	if !ok || mg.clock.Now().After(st.expiresAt) || st.principal.TenantID != principal.TenantID {
		return resumed{}, false
	}
	delete(mg.resumable, sid)
	return resumed{sessionID: sid, lanes: st.lanes, encoding: st.encoding}, true
}

// sessionHooks wraps the shared hooks so session close also maintains the
// table and resume state.
func (mg *Manager) sessionHooks() Hooks {
	h := mg.hooks
	userClose := h.OnClose
	h.OnClose = func(s *Session, reason *atperr.Error) {
		mg.removeSession(s)
		// Graceful closes are resumable; fatal protocol errors are not.
		if reason == nil || !reason.Fatal {
			mg.mu.Lock()
			mg.resumable[s.id] = &resumeState{
				principal: s.principal,
				encoding:  s.encoding,
				lanes:     s.lanes,
				expiresAt: mg.clock.Now().Add(mg.cfg.ResumeWindow),
			}
			mg.mu.Unlock()
		}
		if userClose != nil {
			userClose(s, reason)
		}
	}
	return h
}

func (mg *Manager) removeSession(s *Session) {
	mg.mu.Lock()
	_, present := mg.sessions[s.id]
	delete(mg.sessions, s.id)
	mg.mu.Unlock()
	if present {
		mg.m.SessionsActive.Dec()
	}
}

// Get returns the session for id.
func (mg *Manager) Get(id string) (*Session, bool) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	s, ok := mg.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (mg *Manager) Count() int {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	return len(mg.sessions)
}

// Each calls fn on every live session.
func (mg *Manager) Each(fn func(*Session)) {
	mg.mu.RLock()
	list := make([]*Session, 0, len(mg.sessions))
	for _, s := range mg.sessions {
		list = append(list, s)
	}
	mg.mu.RUnlock()
	for _, s := range list {
		fn(s)
	}
}

// Run drives session timers until ctx is cancelled. The sweep granularity
// follows the ACK delay, the finest of the session timers.
func (mg *Manager) Run(ctx context.Context) {
	tick := mg.cfg.AckDelay
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := mg.clock.Now()
			mg.Each(func(s *Session) { s.Tick(now) })
			mg.expireResumable(now)
		}
	}
}

func (mg *Manager) expireResumable(now time.Time) {
	mg.mu.Lock()
	for sid, st := range mg.resumable {
		if now.After(st.expiresAt) {
			delete(mg.resumable, sid)
		}
	}
	mg.mu.Unlock()
}

// BeginDrain refuses new handshakes and moves every session to DRAINING.
func (mg *Manager) BeginDrain() {
	mg.mu.Lock()
	mg.draining = true
	mg.mu.Unlock()
	mg.Each(func(s *Session) { s.BeginDrain() })
	logging.Info("session manager draining", zap.Int("sessions", mg.Count()))
}

// CloseAll force-closes every remaining session.
func (mg *Manager) CloseAll(reason *atperr.Error) {
	mg.Each(func(s *Session) { s.Close(reason) })
}
