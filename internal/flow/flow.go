// Package flow implements the per-session AIMD triplet window controller.
// Each session carries a (max_parallel, max_tokens, max_usd_micros) window
// that grows additively while the session behaves and halves on congestion
// signals (BUSY, ECN, repeated retryable errors).
package flow

import (
	"context"
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

// Backend persists per-session windows so a resumed or rebalanced session
// continues from its learned window instead of the initial one.
type Backend interface {
	Load(ctx context.Context, sessionID string) (protocol.Window, bool, error)
	Store(ctx context.Context, sessionID string, w protocol.Window) error
	Delete(ctx context.Context, sessionID string) error
}

// EmitFunc delivers a WINDOW_UPDATE advisory for a session.
type EmitFunc func(sessionID string, w protocol.Window)

// sessionState is one session's controller state.
type sessionState struct {
	window protocol.Window

	inFlight      int
	tokensUsed    int64 // within the current interval
	usdUsed       int64
	congested     bool // ECN or error signal this interval
	busyUntil     time.Time
	lastEmitted   protocol.Window
	lastEmitAt    time.Time
	lastActivity  time.Time
}

// Controller owns every session window.
type Controller struct {
	cfg     config.FlowConfig
	clock   ports.Clock
	m       *metrics.Metrics
	backend Backend
	emit    EmitFunc

	mu       sync.Mutex
	sessions map[string]*sessionState

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a controller. backend may be nil for purely in-memory windows;
// emit may be nil when no transport is attached (tests).
func New(cfg config.FlowConfig, clock ports.Clock, m *metrics.Metrics, backend Backend, emit EmitFunc) *Controller {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Controller{
		cfg:      cfg,
		clock:    clock,
		m:        m,
		backend:  backend,
		emit:     emit,
		sessions: make(map[string]*sessionState),
	}
}

// Attach registers a session, restoring its window from the backend when one
// is stored. Returns the effective initial window.
func (c *Controller) Attach(ctx context.Context, sessionID string) protocol.Window {
	w := protocol.Window{
		MaxParallel:  c.cfg.InitialWindow.MaxParallel,
		MaxTokens:    c.cfg.InitialWindow.MaxTokens,
		MaxUSDMicros: c.cfg.InitialWindow.MaxUSDMicros,
	}
	if c.backend != nil {
		if stored, ok, err := c.backend.Load(ctx, sessionID); err == nil && ok {
			w = c.clamp(stored)
		} else if err != nil {
			logging.Warn("flow backend load failed", zap.String("session", sessionID), zap.Error(err))
		}
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.sessions[sessionID] = &sessionState{
		window:       w,
		lastEmitted:  w,
		lastEmitAt:   now,
		lastActivity: now,
	}
	c.mu.Unlock()
	c.m.WindowParallel.WithLabelValues(sessionID).Set(float64(w.MaxParallel))
	return w
}

// Detach removes a session, persisting its learned window.
func (c *Controller) Detach(ctx context.Context, sessionID string) {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.m.WindowParallel.DeleteLabelValues(sessionID)
	if c.backend != nil {
		if err := c.backend.Store(ctx, sessionID, st.window); err != nil {
			logging.Warn("flow backend store failed", zap.String("session", sessionID), zap.Error(err))
		}
	}
}

// Window returns the current window for a session.
func (c *Controller) Window(sessionID string) (protocol.Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	if !ok {
		return protocol.Window{}, false
	}
	return st.window, true
}

// Reserve is the preflight gate: it charges the estimate against the
// session's window and returns EWINDOW when any triplet dimension would be
// exceeded. The returned release function returns the parallel slot; token
// and cost charges stay consumed for the interval.
func (c *Controller) Reserve(sessionID string, est ports.Estimate) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	if !ok {
		return nil, atperr.New(atperr.CodeInternal, "unknown flow session "+sessionID)
	}
	st.lastActivity = c.clock.Now()

	tokens := est.TokensIn + est.TokensOut
	switch {
	case st.inFlight+1 > st.window.MaxParallel:
		return nil, atperr.ErrWindow.WithRetryAfter(c.cfg.ObservationInterval)
	case st.tokensUsed+tokens > st.window.MaxTokens:
		return nil, atperr.ErrWindow.WithRetryAfter(c.cfg.ObservationInterval)
	case st.usdUsed+est.USDMicros > st.window.MaxUSDMicros:
		return nil, atperr.ErrWindow.WithRetryAfter(c.cfg.ObservationInterval)
	}

	st.inFlight++
	st.tokensUsed += tokens
	st.usdUsed += est.USDMicros

	released := false
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if released {
			return
		}
		released = true
		if cur, ok := c.sessions[sessionID]; ok && cur.inFlight > 0 {
			cur.inFlight--
		}
	}, nil
}

// OnBusy applies the multiplicative decrease for a downstream BUSY signal.
// Repeated BUSYs inside the grace period collapse into one decrease.
func (c *Controller) OnBusy(sessionID string) {
	now := c.clock.Now()
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if now.Before(st.busyUntil) {
		c.mu.Unlock()
		return
	}
	st.busyUntil = now.Add(c.cfg.BusyGrace)
	st.window = c.clamp(scale(st.window, c.cfg.AIMDBeta))
	emit := c.maybeEmitLocked(sessionID, st, now)
	c.mu.Unlock()
	if emit != nil {
		emit()
	}
}

// OnCongestion marks the session congested for this interval (ECN echo or a
// retryable downstream error). The decrease applies at the next adjustment.
func (c *Controller) OnCongestion(sessionID string) {
	c.mu.Lock()
	if st, ok := c.sessions[sessionID]; ok {
		st.congested = true
	}
	c.mu.Unlock()
	c.m.ECNMarksTotal.Inc()
}

// Run starts the adjustment loop. Stop cancels it.
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.ObservationInterval
	if interval <= 0 {
		interval = time.Second
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.Adjust()
			}
		}
	}()
}

// Stop terminates the adjustment loop.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Adjust runs one AIMD step for every session and prunes idle ones.
func (c *Controller) Adjust() {
	now := c.clock.Now()
	var emits []func()
	var idle []string

	c.mu.Lock()
	for sid, st := range c.sessions {
		if c.cfg.IdleTTL > 0 && now.Sub(st.lastActivity) > c.cfg.IdleTTL {
			idle = append(idle, sid)
			continue
		}

		switch {
		case st.congested:
			st.window = c.clamp(scale(st.window, c.cfg.AIMDBeta))
			st.congested = false
		case now.Before(st.busyUntil):
			// Inside the BUSY grace: hold, no growth.
		default:
			st.window = c.clamp(c.increase(st))
		}

		// Interval usage resets; parallel reservations persist.
		st.tokensUsed = 0
		st.usdUsed = 0

		if e := c.maybeEmitLocked(sid, st, now); e != nil {
			emits = append(emits, e)
		}
	}
	c.mu.Unlock()

	for _, e := range emits {
		e()
	}
	for _, sid := range idle {
		c.Detach(context.Background(), sid)
		logging.Debug("pruned idle flow session", zap.String("session", sid))
	}
}

// increase applies the additive step, with an optional proportional overlay
// that slows growth as the parallel dimension approaches full utilization.
func (c *Controller) increase(st *sessionState) protocol.Window {
	w := st.window
	stepParallel := c.cfg.AIMDAlphaParallel
	if c.cfg.PIDEnabled && w.MaxParallel > 0 {
		utilization := float64(st.inFlight) / float64(w.MaxParallel)
		p := c.cfg.PIDGain * (0.8 - utilization) * float64(w.MaxParallel)
		stepParallel += int(p)
		if stepParallel < 0 {
			stepParallel = 0
		}
	}
	w.MaxParallel += stepParallel
	w.MaxTokens += c.cfg.AIMDAlphaTokens
	w.MaxUSDMicros += c.cfg.AIMDAlphaUSDMicros
	return w
}

// maybeEmitLocked decides whether the current window warrants a
// WINDOW_UPDATE: a change of at least the configured delta, or any change
// once the minimum interval elapsed.
func (c *Controller) maybeEmitLocked(sessionID string, st *sessionState, now time.Time) func() {
	if st.window == st.lastEmitted {
		return nil
	}
	delta := relativeDelta(st.lastEmitted, st.window)
	if delta < c.cfg.UpdateMinDelta && now.Sub(st.lastEmitAt) < c.cfg.UpdateMinInterval {
		return nil
	}
	st.lastEmitted = st.window
	st.lastEmitAt = now
	w := st.window
	c.m.WindowParallel.WithLabelValues(sessionID).Set(float64(w.MaxParallel))
	if c.emit == nil {
		return func() {}
	}
	return func() { c.emit(sessionID, w) }
}

// relativeDelta returns the largest relative change across the triplet.
func relativeDelta(old, cur protocol.Window) float64 {
	d := relDim(float64(old.MaxParallel), float64(cur.MaxParallel))
	if t := relDim(float64(old.MaxTokens), float64(cur.MaxTokens)); t > d {
		d = t
	}
	if u := relDim(float64(old.MaxUSDMicros), float64(cur.MaxUSDMicros)); u > d {
		d = u
	}
	return d
}

func relDim(old, cur float64) float64 {
	if old == 0 {
		if cur == 0 {
			return 0
		}
		return 1
	}
	d := (cur - old) / old
	if d < 0 {
		d = -d
	}
	return d
}

func scale(w protocol.Window, beta float64) protocol.Window {
	return protocol.Window{
		MaxParallel:  int(float64(w.MaxParallel) * beta),
		MaxTokens:    int64(float64(w.MaxTokens) * beta),
		MaxUSDMicros: int64(float64(w.MaxUSDMicros) * beta),
	}
}

func (c *Controller) clamp(w protocol.Window) protocol.Window {
	minW, maxW := c.cfg.MinWindow, c.cfg.MaxWindow
	if w.MaxParallel < minW.MaxParallel {
		w.MaxParallel = minW.MaxParallel
	}
	if maxW.MaxParallel > 0 && w.MaxParallel > maxW.MaxParallel {
		w.MaxParallel = maxW.MaxParallel
	}
	if w.MaxTokens < minW.MaxTokens {
		w.MaxTokens = minW.MaxTokens
	}
	if maxW.MaxTokens > 0 && w.MaxTokens > maxW.MaxTokens {
		w.MaxTokens = maxW.MaxTokens
	}
	if w.MaxUSDMicros < minW.MaxUSDMicros {
		w.MaxUSDMicros = minW.MaxUSDMicros
	}
	if maxW.MaxUSDMicros > 0 && w.MaxUSDMicros > maxW.MaxUSDMicros {
		w.MaxUSDMicros = maxW.MaxUSDMicros
	}
	return w
}
