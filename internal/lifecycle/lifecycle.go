// Package lifecycle owns process startup and the phased drain. Components
// run as supervised goroutines; shutdown walks three phases whose budgets
// split the configured drain timeout.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/logging"
)

// Probes is the state behind /livez, /readyz and /startupz.
type Probes struct {
	mu       sync.Mutex
	started  bool
	ready    bool
	draining bool
}

// SetStarted marks startup complete.
func (p *Probes) SetStarted() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
}

// SetReady marks the router ready for traffic.
func (p *Probes) SetReady() {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
}

// BeginDrain flips readiness off; the process stays live while draining.
func (p *Probes) BeginDrain() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
}

// Started reports whether startup finished.
func (p *Probes) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Ready reports whether the router should receive traffic.
func (p *Probes) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready && !p.draining
}

// Live reports process liveness.
func (p *Probes) Live() bool { return true }

// Draining reports whether shutdown has begun.
func (p *Probes) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// DrainHooks are the three shutdown phases, executed in order. Each hook
// receives a context bounded by its phase budget and must return promptly
// when it expires; a hook that overruns is abandoned, not waited for.
type DrainHooks struct {
	// RefuseAndDrain stops accepting new sessions and lets in-flight streams
	// finish.
	RefuseAndDrain func(ctx context.Context)
	// CancelTasks cancels whatever is still running.
	CancelTasks func(ctx context.Context)
	// FlushAndClose flushes observations and closes transports.
	FlushAndClose func(ctx context.Context)
}

// App supervises component goroutines and executes the drain plan once.
type App struct {
	cfg    config.ShutdownConfig
	probes Probes
	hooks  DrainHooks

	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
}

// New creates an app rooted at ctx.
func New(ctx context.Context, cfg config.ShutdownConfig, hooks DrainHooks) *App {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.PhasePercents[0]+cfg.PhasePercents[1]+cfg.PhasePercents[2] != 100 {
		cfg.PhasePercents = [3]int{40, 30, 30}
	}
	a := &App{cfg: cfg, hooks: hooks}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.g, a.ctx = errgroup.WithContext(a.ctx)
	return a
}

// Probes returns the probe state.
func (a *App) Probes() *Probes { return &a.probes }

// Context returns the app context; it cancels when shutdown completes or any
// component fails.
func (a *App) Context() context.Context { return a.ctx }

// Go supervises one component goroutine. A component returning an error
// cancels the app context and surfaces from Wait.
func (a *App) Go(name string, fn func(ctx context.Context) error) {
	a.g.Go(func() error {
		logging.Debug("component started", zap.String("component", name))
		err := fn(a.ctx)
		if err != nil && a.ctx.Err() == nil {
			logging.Error("component failed", zap.String("component", name), zap.Error(err))
			return err
		}
		logging.Debug("component stopped", zap.String("component", name))
		return nil
	})
}

// Wait blocks until every component returns.
func (a *App) Wait() error { return a.g.Wait() }

// Shutdown runs the drain plan once: readiness off, then the three phases on
// their split budgets, then component cancellation.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.probes.BeginDrain()
		total := a.cfg.DrainTimeout
		logging.Info("drain started", zap.Duration("budget", total))

		a.runPhase("refuse_and_drain", a.phaseBudget(0), a.hooks.RefuseAndDrain)
		a.runPhase("cancel_tasks", a.phaseBudget(1), a.hooks.CancelTasks)
		a.runPhase("flush_and_close", a.phaseBudget(2), a.hooks.FlushAndClose)

		a.cancel()
		logging.Info("drain finished")
	})
}

func (a *App) phaseBudget(i int) time.Duration {
	return a.cfg.DrainTimeout * time.Duration(a.cfg.PhasePercents[i]) / 100
}

// runPhase executes one hook under its budget. The phase ends when the hook
// returns or the budget expires, whichever comes first.
func (a *App) runPhase(name string, budget time.Duration, hook func(ctx context.Context)) {
	if hook == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		hook(ctx)
	}()
	select {
	case <-done:
		logging.Info("drain phase complete",
			zap.String("phase", name), zap.Duration("took", time.Since(start)))
	case <-ctx.Done():
		logging.Warn("drain phase overran its budget",
			zap.String("phase", name), zap.Duration("budget", budget))
	}
}
