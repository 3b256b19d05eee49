// Package registry tracks adapters: their advertised capabilities, live
// health telemetry and readiness. Registration happens via CAPABILITY frames
// or static config; there is no dynamic discovery.
package registry

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/protocol"
)

// Capabilities is the validated capability advertisement of an adapter.
type Capabilities struct {
	ID                    string
	Type                  string
	Version               int
	Capabilities          []string
	Models                []string
	MaxTokens             int64
	Languages             []string
	CostInPerTokenMicros  int64
	CostOutPerTokenMicros int64
	CostPerRequestMicros  int64
	CarbonIntensity       float64
}

// Adapter is one registered upstream adapter.
type Adapter struct {
	mu     sync.Mutex
	caps   Capabilities
	port   ports.Adapter
	health HealthRecord
	hasHealth bool
}

// Caps returns a copy of the adapter's advertised capabilities.
func (a *Adapter) Caps() Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

// Port returns the adapter port handle.
func (a *Adapter) Port() ports.Adapter { return a.port }

// ID returns the adapter identifier.
func (a *Adapter) ID() string { return a.caps.ID }

// Config tunes health smoothing and readiness gating.
type Config struct {
	EWMAAlpha          float64       // default 0.2
	StalenessThreshold time.Duration // default 30s
	StalenessTau       time.Duration // default 30s
	P95SLOMS           float64       // readiness gate, default 5000
	ErrorRateSLO       float64       // readiness gate, default 0.25
}

func (c Config) withDefaults() Config {
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		c.EWMAAlpha = 0.2
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = 30 * time.Second
	}
	if c.StalenessTau <= 0 {
		c.StalenessTau = 30 * time.Second
	}
	if c.P95SLOMS <= 0 {
		c.P95SLOMS = 5000
	}
	if c.ErrorRateSLO <= 0 {
		c.ErrorRateSLO = 0.25
	}
	return c
}

// BreakerGate lets the readiness gate consult circuit breakers without a
// package cycle.
type BreakerGate interface {
	Allows(adapterID string) bool
}

// Registry is the adapter table. Read-mostly; guarded by an RWMutex, with
// per-adapter EWMA updates serialized by the adapter's own mutex.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter

	cfg   Config
	clock ports.Clock
	gate  BreakerGate
}

// New creates an empty registry.
func New(cfg Config, clock ports.Clock) *Registry {
	return &Registry{
		adapters: make(map[string]*Adapter),
		cfg:      cfg.withDefaults(),
		clock:    clock,
	}
}

// SetBreakerGate wires the circuit breaker table into the readiness gate.
func (r *Registry) SetBreakerGate(g BreakerGate) {
	r.mu.Lock()
	r.gate = g
	r.mu.Unlock()
}

// ValidateCapability checks a CAPABILITY payload against the advertisement
// schema. Adapters failing validation are rejected at registration.
func ValidateCapability(p protocol.CapabilityPayload) (Capabilities, error) {
	if p.AdapterID == "" {
		return Capabilities{}, atperr.New(atperr.CodeParse, "capability missing adapter_id")
	}
	if len(p.Models) == 0 {
		return Capabilities{}, atperr.New(atperr.CodeParse, fmt.Sprintf("adapter %s advertises no models", p.AdapterID))
	}
	if p.MaxTokens < 0 || p.CostInPerTokenMicros < 0 || p.CostOutPerTokenMicros < 0 || p.CostPerRequestMicros < 0 {
		return Capabilities{}, atperr.New(atperr.CodeParse, fmt.Sprintf("adapter %s advertises negative limits", p.AdapterID))
	}
	return Capabilities{
		ID:                    p.AdapterID,
		Type:                  p.AdapterType,
		Version:               p.AdapterVersion,
		Capabilities:          p.Capabilities,
		Models:                p.Models,
		MaxTokens:             p.MaxTokens,
		Languages:             p.SupportedLanguages,
		CostInPerTokenMicros:  p.CostInPerTokenMicros,
		CostOutPerTokenMicros: p.CostOutPerTokenMicros,
		CostPerRequestMicros:  p.CostPerRequestMicros,
		CarbonIntensity:       p.CarbonIntensity,
	}, nil
}

// Register stores or re-advertises an adapter. Re-advertisement with
// identical capabilities is idempotent; material changes bump the version.
func (r *Registry) Register(caps Capabilities, port ports.Adapter) error {
	if caps.ID == "" {
		return atperr.New(atperr.CodeParse, "adapter id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.adapters[caps.ID]
	if !ok {
		r.adapters[caps.ID] = &Adapter{caps: caps, port: port}
		logging.Info("adapter registered",
			zap.String("adapter", caps.ID),
			zap.Strings("models", caps.Models),
		)
		return nil
	}

	existing.mu.Lock()
	defer existing.mu.Unlock()
	if !capsEqual(existing.caps, caps) {
		caps.Version = existing.caps.Version + 1
		existing.caps = caps
		logging.Info("adapter re-advertised",
			zap.String("adapter", caps.ID),
			zap.Int("version", caps.Version),
		)
	}
	if port != nil {
		existing.port = port
	}
	return nil
}

func capsEqual(a, b Capabilities) bool {
	return a.ID == b.ID &&
		a.Type == b.Type &&
		a.MaxTokens == b.MaxTokens &&
		a.CostInPerTokenMicros == b.CostInPerTokenMicros &&
		a.CostOutPerTokenMicros == b.CostOutPerTokenMicros &&
		a.CostPerRequestMicros == b.CostPerRequestMicros &&
		a.CarbonIntensity == b.CarbonIntensity &&
		slices.Equal(a.Models, b.Models) &&
		slices.Equal(a.Capabilities, b.Capabilities) &&
		slices.Equal(a.Languages, b.Languages)
}

// Remove deletes an adapter.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.adapters, id)
	r.mu.Unlock()
	logging.Info("adapter removed", zap.String("adapter", id))
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (*Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// All returns all registered adapters.
func (r *Registry) All() []*Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// ListCompatible returns adapters whose advertised capabilities satisfy the
// request. No ordering is applied; ranking is the routing engine's job.
func (r *Registry) ListCompatible(req ports.Request) []*Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Adapter
	for _, a := range r.adapters {
		a.mu.Lock()
		caps := a.caps
		a.mu.Unlock()
		if compatible(caps, req) {
			out = append(out, a)
		}
	}
	return out
}

func compatible(caps Capabilities, req ports.Request) bool {
	if req.TaskType != "" && len(caps.Capabilities) > 0 &&
		!slices.Contains(caps.Capabilities, req.TaskType) {
		return false
	}
	if req.MaxTokens > 0 && caps.MaxTokens > 0 && req.MaxTokens > caps.MaxTokens {
		return false
	}
	if len(caps.Languages) > 0 {
		for _, lang := range req.Languages {
			if !slices.Contains(caps.Languages, lang) {
				return false
			}
		}
	}
	for _, feat := range req.Features {
		if !slices.Contains(caps.Capabilities, feat) {
			return false
		}
	}
	return true
}

// Ready reports whether an adapter passes the readiness gate: fresh health,
// p95 and error rate inside SLO, and a breaker that admits traffic.
func (r *Registry) Ready(id string) bool {
	r.mu.RLock()
	a, ok := r.adapters[id]
	gate := r.gate
	r.mu.RUnlock()
	if !ok {
		return false
	}

	a.mu.Lock()
	hasHealth := a.hasHealth
	rec := a.health
	a.mu.Unlock()

	if !hasHealth {
		return false
	}
	if r.clock.Now().Sub(rec.LastSeen) > r.cfg.StalenessThreshold {
		return false
	}
	if rec.P95LatencyMS > r.cfg.P95SLOMS {
		return false
	}
	if rec.ErrorRate > r.cfg.ErrorRateSLO {
		return false
	}
	if gate != nil && !gate.Allows(id) {
		return false
	}
	return true
}
