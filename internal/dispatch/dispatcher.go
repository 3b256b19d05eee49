// Package dispatch executes routing decisions against adapters: window
// reservation, circuit breaker accounting, deadline enforcement, a single
// failover over the decision's alternates, challenger shadow runs and exactly
// one observation per request.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/breaker"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/flow"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/registry"
	"github.com/atlasframe/atpd/internal/routing"
	"github.com/atlasframe/atpd/internal/tracing"
)

// defaultDeadline bounds adapter calls for requests without a latency SLO.
const defaultDeadline = 60 * time.Second

// qualityTimeout bounds the out-of-band quality scoring call.
const qualityTimeout = 5 * time.Second

// Observer receives the per-request outcome records.
type Observer interface {
	Emit(obs ports.Observation)
}

// Result is the aggregated outcome of one dispatched request.
type Result struct {
	AdapterID  string
	ModelID    string
	Strategy   string
	Text       string
	TokensIn   int64
	TokensOut  int64
	CostMicros int64
	LatencyMS  float64
	Failovers  int
}

// Deps are the dispatcher's collaborators, injected at construction.
type Deps struct {
	Registry *registry.Registry
	Breakers *breaker.Table
	Flow     *flow.Controller
	Engine   *routing.Engine
	Tracer   *tracing.Tracer
	Metrics  *metrics.Metrics
	Clock    ports.Clock
	Sink     Observer
	Quality  ports.Quality // optional
}

// Dispatcher turns a request into a routed, executed, observed call.
type Dispatcher struct {
	reg      *registry.Registry
	breakers *breaker.Table
	flow     *flow.Controller
	engine   *routing.Engine
	tracer   *tracing.Tracer
	m        *metrics.Metrics
	clock    ports.Clock
	sink     Observer
	quality  ports.Quality

	background sync.WaitGroup
}

// New creates a dispatcher.
func New(d Deps) *Dispatcher {
	return &Dispatcher{
		reg:      d.Registry,
		breakers: d.Breakers,
		flow:     d.Flow,
		engine:   d.Engine,
		tracer:   d.Tracer,
		m:        d.Metrics,
		clock:    d.Clock,
		sink:     d.Sink,
		quality:  d.Quality,
	}
}

// Dispatch routes and executes one request. Fragments stream through
// onFragment as they arrive; the final Result aggregates them. Exactly one
// observation is emitted per request, success or failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req ports.Request, tenant *config.TenantConfig, strategyOverride string, onFragment func(ports.Fragment)) (Result, error) {
	if req.TTL <= 0 {
		return Result{}, atperr.New(atperr.CodeTimeout, "request ttl exhausted").WithCorrelationID(req.CorrelationID)
	}
	req.TTL--

	cands := d.candidates(ctx, req)
	dec, err := d.engine.Select(req, tenant, strategyOverride, cands)
	if err != nil {
		return Result{}, err
	}

	byID := make(map[string]routing.Candidate, len(cands))
	for _, c := range cands {
		byID[c.Caps.ID] = c
	}

	// Primary plus at most one failover.
	attempts := []string{dec.AdapterID}
	for _, alt := range dec.Alternates {
		if d.breakers.Allows(alt) {
			attempts = append(attempts, alt)
			break
		}
	}

	var lastErr error
	lastID := dec.AdapterID
	for i, id := range attempts {
		if i > 0 {
			d.m.FailoversTotal.Inc()
			logging.Warn("dispatch failover",
				zap.String("request", req.RequestID),
				zap.String("from", lastID),
				zap.String("to", id),
			)
		}
		cand := byID[id]
		res, err := d.attempt(ctx, req, cand, onFragment)
		res.Strategy = dec.Strategy
		res.Failovers = i
		if err == nil {
			if i == 0 {
				d.runShadow(ctx, req, dec, byID)
			}
			d.emitObservation(req, dec, cand, res, nil, "")
			return res, nil
		}
		lastErr = err
		lastID = id
		if !atperr.IsRetryable(err) {
			break
		}
	}
	d.emitObservation(req, dec, byID[lastID], Result{AdapterID: lastID, Strategy: dec.Strategy}, lastErr, "")
	return Result{}, lastErr
}

// Plan routes a request without executing it. The admin API uses it to
// preview decisions; the decision still trains nothing until an observation
// arrives.
func (d *Dispatcher) Plan(ctx context.Context, req ports.Request, tenant *config.TenantConfig, strategyOverride string) (routing.Decision, error) {
	return d.engine.Select(req, tenant, strategyOverride, d.candidates(ctx, req))
}

// candidates builds the routable set: compatible, breaker-admitted adapters
// with a live estimate. Adapters that have never reported health start at
// full staleness credit so cold registrations can take traffic.
func (d *Dispatcher) candidates(ctx context.Context, req ports.Request) []routing.Candidate {
	adapters := d.reg.ListCompatible(req)
	out := make([]routing.Candidate, 0, len(adapters))
	for _, a := range adapters {
		id := a.ID()
		port := a.Port()
		if port == nil {
			continue
		}
		if !d.breakers.Allows(id) {
			continue
		}
		est, err := port.Estimate(ctx, req)
		if err != nil {
			logging.Debug("adapter estimate failed",
				zap.String("adapter", id), zap.Error(err))
			continue
		}
		staleness := 1.0
		health, ok := d.reg.Health(id)
		if ok {
			staleness = d.reg.StalenessFactor(id)
		}
		out = append(out, routing.Candidate{
			Caps:      a.Caps(),
			Health:    health,
			Staleness: staleness,
			Estimate:  est,
		})
	}
	return out
}

// attempt executes one adapter call end to end: breaker admission, window
// reservation, deadline, stream consumption, breaker and health accounting.
func (d *Dispatcher) attempt(ctx context.Context, req ports.Request, cand routing.Candidate, onFragment func(ports.Fragment)) (Result, error) {
	id := cand.Caps.ID
	adapter, ok := d.reg.Get(id)
	if !ok || adapter.Port() == nil {
		return Result{}, atperr.New(atperr.CodeAdapter, "adapter "+id+" not registered")
	}

	br := d.breakers.Get(id)
	if err := br.Allow(); err != nil {
		return Result{}, err
	}

	// Requests arriving outside an ATP session carry no window to charge.
	if req.SessionID != "" {
		release, err := d.flow.Reserve(req.SessionID, cand.Estimate)
		if err != nil {
			return Result{}, err
		}
		defer release()
	}

	deadline := defaultDeadline
	if req.LatencySLO > 0 {
		deadline = 2 * req.LatencySLO
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "atp.dispatch",
		trace.WithAttributes(
			attribute.String("atp.adapter_id", id),
			attribute.String("atp.request_id", req.RequestID),
			attribute.String("atp.tenant_id", req.TenantID),
			attribute.String("atp.qos", req.QoS),
		))
	defer span.End()

	start := d.clock.Now()
	res := Result{AdapterID: id}
	if len(cand.Caps.Models) > 0 {
		res.ModelID = cand.Caps.Models[0]
	}

	ch, err := adapter.Port().Stream(ctx, req)
	if err == nil {
		var text strings.Builder
		done := false
		for frag := range ch {
			if frag.Err != nil {
				err = frag.Err
				break
			}
			text.WriteString(frag.Text)
			res.TokensIn += frag.TokensIn
			res.TokensOut += frag.TokensOut
			res.CostMicros += frag.CostDeltaMicros
			if onFragment != nil {
				onFragment(frag)
			}
			if frag.Done {
				done = true
				break
			}
		}
		res.Text = text.String()
		if err == nil && !done {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			} else {
				err = atperr.New(atperr.CodeAdapter, "adapter stream ended without completion")
			}
		}
	}

	elapsed := d.clock.Now().Sub(start)
	res.LatencyMS = float64(elapsed.Microseconds()) / 1000
	d.m.DispatchSeconds.WithLabelValues(id).Observe(elapsed.Seconds())

	if err != nil {
		err = classify(ctx, err)
		span.SetStatus(otelcodes.Error, err.Error())
		// A caller cancellation is not the adapter's failure.
		if atperr.CodeOf(err) != atperr.CodePreempt {
			br.RecordFailure()
			d.reg.ObserveOutcome(id, res.LatencyMS, false)
			d.m.AdapterErrors.WithLabelValues(id).Inc()
		}
		return res, err
	}

	span.SetStatus(otelcodes.Ok, "")
	br.RecordSuccess()
	d.reg.ObserveOutcome(id, res.LatencyMS, true)
	return res, nil
}

// classify maps stream errors onto the taxonomy. Deadline expiry becomes
// ETIMEOUT, cancellation by a preempting scheduler surfaces its cause, and
// untyped adapter errors become EADAPTER.
func classify(ctx context.Context, err error) error {
	if ae := atperr.FromError(err); ae.Code != atperr.CodeInternal {
		return ae
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return atperr.Wrap(err, atperr.CodeTimeout, "adapter deadline exceeded")
	case context.Canceled:
		if cause := context.Cause(ctx); cause != nil {
			if ae := atperr.FromError(cause); ae.Code == atperr.CodePreempt {
				return ae
			}
		}
		return atperr.Wrap(err, atperr.CodeTimeout, "request cancelled")
	}
	return atperr.Wrap(err, atperr.CodeAdapter, "adapter stream failed")
}

// runShadow launches the challenger shadow call in the background. The
// shadow's output is discarded; only its observation matters. Shadows skip
// the window reservation so exploration never charges the tenant's budget.
func (d *Dispatcher) runShadow(ctx context.Context, req ports.Request, dec routing.Decision, byID map[string]routing.Candidate) {
	if dec.ShadowAdapterID == "" {
		return
	}
	cand, ok := byID[dec.ShadowAdapterID]
	if !ok {
		return
	}
	shadowReq := req
	shadowReq.SessionID = ""

	d.background.Add(1)
	go func() {
		defer d.background.Done()
		sctx := context.WithoutCancel(ctx)
		res, err := d.attempt(sctx, shadowReq, cand, nil)
		res.Strategy = dec.Strategy
		d.emitObservation(shadowReq, dec, cand, res, err, dec.AdapterID)
	}()
}

// emitObservation builds and emits the outcome record. When a quality port is
// configured and there is output to score, scoring runs out of band and the
// record is emitted once scoring finishes.
func (d *Dispatcher) emitObservation(req ports.Request, dec routing.Decision, cand routing.Candidate, res Result, dispatchErr error, shadowOf string) {
	obs := ports.Observation{
		RequestID:           req.RequestID,
		TenantID:            req.TenantID,
		TaskType:            req.TaskType,
		AdapterID:           res.AdapterID,
		ModelID:             res.ModelID,
		Strategy:            res.Strategy,
		EstimatedCostMicros: cand.Estimate.USDMicros,
		ActualCostMicros:    res.CostMicros,
		EstimatedLatencyMS:  cand.Health.P95LatencyMS,
		ActualLatencyMS:     res.LatencyMS,
		LatencySLOMS:        float64(req.LatencySLO.Milliseconds()),
		TokensIn:            res.TokensIn,
		TokensOut:           res.TokensOut,
		Success:             dispatchErr == nil,
		ShadowOf:            shadowOf,
		RedactedPromptHash:  promptHash(req.Prompt),
		SchemaVersion:       ports.ObservationSchemaVersion,
	}
	if shadowOf == "" {
		obs.RegretCostMicros = dec.RegretCost
	}
	if dispatchErr != nil {
		obs.ErrorCode = string(atperr.CodeOf(dispatchErr))
	}

	if d.quality == nil || dispatchErr != nil || res.Text == "" {
		d.sink.Emit(obs)
		return
	}
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		qctx, cancel := context.WithTimeout(context.Background(), qualityTimeout)
		defer cancel()
		score, err := d.quality.Score(qctx, req, res.Text)
		if err == nil {
			obs.QualityScore = score
			obs.HasQualityScore = true
		}
		d.sink.Emit(obs)
	}()
}

// Wait blocks until in-flight shadow runs and quality scorings finish. The
// drain sequence calls this before closing the observation buffer.
func (d *Dispatcher) Wait() {
	d.background.Wait()
}

func promptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
