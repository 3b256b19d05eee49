// Package server exposes the router's two surfaces: the ATP WebSocket
// endpoint and the HTTP admin/API plane (probes, metrics, ask/plan/observe,
// introspection).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/breaker"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/dispatch"
	"github.com/atlasframe/atpd/internal/flow"
	"github.com/atlasframe/atpd/internal/lifecycle"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/observe"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/registry"
	"github.com/atlasframe/atpd/internal/routing"
	"github.com/atlasframe/atpd/internal/scheduler"
	"github.com/atlasframe/atpd/internal/session"
)

// Deps are the server's collaborators.
type Deps struct {
	Cfg        *config.Config
	Metrics    *metrics.Metrics
	Probes     *lifecycle.Probes
	Registry   *registry.Registry
	Breakers   *breaker.Table
	Flow       *flow.Controller
	Engine     *routing.Engine
	Policy     ports.Policy
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Buffer     *observe.Buffer
	Auth       ports.Auth
	Secrets    ports.Secrets
	Clock      ports.Clock
	IDs        ports.RandomID
}

// Server is the HTTP + WebSocket front end.
type Server struct {
	cfg        *config.Config
	m          *metrics.Metrics
	probes     *lifecycle.Probes
	reg        *registry.Registry
	breakers   *breaker.Table
	flow       *flow.Controller
	engine     *routing.Engine
	policy     ports.Policy
	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Scheduler
	buffer     *observe.Buffer
	auth       ports.Auth
	clock      ports.Clock
	ids        ports.RandomID

	sessions *session.Manager
	http     *http.Server

	mu      sync.Mutex
	baseCtx context.Context

	inflight sync.WaitGroup
	// adapterStreams routes reply messages of ATP-registered adapters back to
	// their waiting dispatch calls. Key: sessionID + "/" + streamID.
	adapterStreams sync.Map
	// adapterMu guards the session-to-adapter index used to deregister
	// adapters when their session closes.
	adapterMu         sync.Mutex
	adaptersBySession map[string][]string
}

// New wires the server, including the session manager whose hooks feed the
// routing core.
func New(d Deps) *Server {
	s := &Server{
		cfg:        d.Cfg,
		m:          d.Metrics,
		probes:     d.Probes,
		reg:        d.Registry,
		breakers:   d.Breakers,
		flow:       d.Flow,
		engine:     d.Engine,
		policy:     d.Policy,
		dispatcher: d.Dispatcher,
		sched:      d.Scheduler,
		buffer:     d.Buffer,
		auth:       d.Auth,
		clock:      d.Clock,
		ids:        d.IDs,
		baseCtx:    context.Background(),

		adaptersBySession: make(map[string][]string),
	}
	s.sessions = session.NewManager(
		d.Cfg.Session, d.Cfg.Protocol, d.Cfg.Server,
		d.Auth, d.Secrets, d.Clock, d.IDs, d.Metrics,
		s.sessionHooks(),
	)

	router := httprouter.New()
	router.GET("/livez", s.handleLivez)
	router.GET("/readyz", s.handleReadyz)
	router.GET("/startupz", s.handleStartupz)
	router.GET("/healthz", s.handleHealthz)
	router.Handler(http.MethodGet, "/metrics", d.Metrics.Handler())
	router.GET("/atp", s.handleATP)
	router.POST("/v1/ask", s.handleAsk)
	router.POST("/v1/plan", s.handlePlan)
	router.POST("/v1/observe", s.handleObserve)
	router.GET("/v1/adapters", s.handleAdapters)
	router.GET("/v1/scheduler", s.handleScheduler)

	s.http = &http.Server{
		Addr:         d.Cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  d.Cfg.Server.ReadTimeout,
		WriteTimeout: d.Cfg.Server.WriteTimeout,
		IdleTimeout:  d.Cfg.Server.IdleTimeout,
	}
	return s
}

// Sessions exposes the session manager for lifecycle wiring.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Run serves until ctx is cancelled, then closes the listener.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	logging.Info("listening", zap.String("address", s.http.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(sctx)
	}
}

// BeginDrain refuses new sessions and announces DRAINING to open ones.
func (s *Server) BeginDrain() {
	s.probes.BeginDrain()
	s.sessions.BeginDrain()
}

// WaitInflight blocks until in-flight session requests finish.
func (s *Server) WaitInflight() {
	s.inflight.Wait()
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Server) handleLivez(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	probeReply(w, s.probes.Live())
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	probeReply(w, s.probes.Ready())
}

func (s *Server) handleStartupz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	probeReply(w, s.probes.Started())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":    s.probes.Ready(),
		"draining": s.probes.Draining(),
		"sessions": s.sessions.Count(),
		"inflight": s.sched.InFlight(),
	})
}

func probeReply(w http.ResponseWriter, ok bool) {
	if !ok {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type adapterView struct {
	ID           string   `json:"id"`
	Type         string   `json:"type,omitempty"`
	Models       []string `json:"models"`
	Ready        bool     `json:"ready"`
	Staleness    float64  `json:"staleness"`
	P95LatencyMS float64  `json:"p95_latency_ms"`
	ErrorRate    float64  `json:"error_rate"`
	BreakerState string   `json:"breaker_state,omitempty"`
}

func (s *Server) handleAdapters(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snaps := s.breakers.Snapshots()
	var out []adapterView
	for _, a := range s.reg.All() {
		caps := a.Caps()
		view := adapterView{
			ID:        caps.ID,
			Type:      caps.Type,
			Models:    caps.Models,
			Ready:     s.reg.Ready(caps.ID),
			Staleness: s.reg.StalenessFactor(caps.ID),
		}
		if h, ok := s.reg.Health(caps.ID); ok {
			view.P95LatencyMS = h.P95LatencyMS
			view.ErrorRate = h.ErrorRate
		}
		if snap, ok := snaps[caps.ID]; ok {
			view.BreakerState = snap.State
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScheduler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":    s.sched.Queued(),
		"inflight":  s.sched.InFlight(),
		"fairness":  s.sched.Fairness(),
		"champions": s.engine.Champion().Champions(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("response encode failed", zap.Error(err))
	}
}
