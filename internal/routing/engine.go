// Package routing picks an adapter for each request: hard constraint
// filtering, weighted scoring, a bandit layer for the explore/exploit
// tradeoff, and a champion/challenger experiment for safe rollout of better
// adapters.
package routing

import (
	"math/rand/v2"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/ports"
)

// Decision is the routing outcome for one request.
type Decision struct {
	RequestID          string
	AdapterID          string
	ModelID            string
	Strategy           string
	EstimatedCost      int64 // micros
	EstimatedLatencyMS float64
	// Alternates are the remaining feasible adapters in score order, used for
	// failover.
	Alternates []string
	// ShadowAdapterID is set when this request also runs a challenger shadow.
	ShadowAdapterID string
	// RegretCost is the estimated cost gap to the cheapest feasible
	// alternative at decision time.
	RegretCost int64
}

// maxPending bounds the decision-context table against observation loss.
const maxPending = 100_000

// Engine is the routing engine.
type Engine struct {
	cfg   config.RoutingConfig
	m     *metrics.Metrics
	champ *ChampionController

	bandits map[string]Bandit

	mu      sync.Mutex
	pending map[string][]float64 // request id -> context vector
	rng     *rand.Rand
}

// New creates an engine with all three strategies initialized; the effective
// strategy is chosen per request from config and tenant overrides.
func New(cfg config.RoutingConfig, m *metrics.Metrics, seed uint64) *Engine {
	e := &Engine{
		cfg: cfg,
		m:   m,
		bandits: map[string]Bandit{
			StrategyThompson: NewThompsonSampler(seed),
			StrategyUCB:      NewLinUCB(ContextDim, cfg.UCBExploration),
			StrategyGreedy:   NewEpsilonGreedy(cfg.Epsilon, seed),
		},
		pending: make(map[string][]float64),
		rng:     rand.New(rand.NewPCG(seed, seed^0x3c6ef372fe94f82b)),
	}
	e.champ = NewChampionController(cfg, m, e.Reward, seed)
	return e
}

// Champion exposes the champion/challenger controller.
func (e *Engine) Champion() *ChampionController { return e.champ }

// strategyFor resolves the bandit for a request.
func (e *Engine) strategyFor(tenant *config.TenantConfig, override string) Bandit {
	name := e.cfg.Strategy
	if tenant != nil && tenant.Strategy != "" {
		name = tenant.Strategy
	}
	if override != "" {
		name = override
	}
	if b, ok := e.bandits[name]; ok {
		return b
	}
	return e.bandits[StrategyThompson]
}

// Select routes a request over the candidate set. strategyOverride comes from
// the policy engine and wins over tenant and global config.
func (e *Engine) Select(req ports.Request, tenant *config.TenantConfig, strategyOverride string, cands []Candidate) (Decision, error) {
	feasible := filter(req, tenant, cands, stalenessFloor)
	if len(feasible) == 0 {
		return Decision{}, atperr.ErrAdapter.WithCorrelationID(req.CorrelationID)
	}

	weights := e.cfg.Weights
	if tenant != nil {
		weights = config.MergeWeights(weights, tenant.Weights)
	}
	bandit := e.strategyFor(tenant, strategyOverride)
	ctxVec := contextVector(req)

	// Rank by composite score with the bandit's quality estimate.
	worst := worstOf(feasible)
	type ranked struct {
		cand  Candidate
		score float64
	}
	order := make([]ranked, len(feasible))
	for i, c := range feasible {
		order[i] = ranked{cand: c, score: score(c, weights, bandit.Mean(c.Caps.ID), worst)}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].score > order[j].score })

	ids := make([]string, len(order))
	byID := make(map[string]Candidate, len(order))
	for i, r := range order {
		ids[i] = r.cand.Caps.ID
		byID[r.cand.Caps.ID] = r.cand
	}

	// The champion serves unless an exploration roll hands the request to the
	// bandit; an unset or infeasible champion always falls through.
	taskType := req.TaskType
	chosen := ""
	champion := e.champ.Champion(taskType, "")
	if champion != "" {
		if _, ok := byID[champion]; ok && e.rng.Float64() >= e.cfg.ExploreProbability {
			chosen = champion
		}
	}
	if chosen == "" {
		chosen = bandit.Pick(ids, ctxVec)
		if champion == "" {
			e.champ.Champion(taskType, chosen)
		}
	}

	sel := byID[chosen]
	var alternates []string
	for _, id := range ids {
		if id != chosen {
			alternates = append(alternates, id)
		}
	}

	// Cost regret against the cheapest feasible candidate.
	minCost := sel.Estimate.USDMicros
	for _, c := range feasible {
		if c.Estimate.USDMicros < minCost {
			minCost = c.Estimate.USDMicros
		}
	}
	regret := sel.Estimate.USDMicros - minCost
	e.m.RegretCostMicros.Observe(float64(regret))

	d := Decision{
		RequestID:          req.RequestID,
		AdapterID:          chosen,
		Strategy:           bandit.Name(),
		EstimatedCost:      sel.Estimate.USDMicros,
		EstimatedLatencyMS: sel.Health.P95LatencyMS,
		Alternates:         alternates,
		RegretCost:         regret,
	}
	if len(sel.Caps.Models) > 0 {
		d.ModelID = sel.Caps.Models[0]
	}
	if shadow, ok := e.champ.MaybeShadow(taskType, chosen, ids); ok {
		d.ShadowAdapterID = shadow
		e.m.ShadowRunsTotal.Inc()
	}

	e.rememberContext(req.RequestID, ctxVec)
	e.m.RouteDecisionsTotal.WithLabelValues(d.Strategy, chosen).Inc()
	logging.Debug("route decision",
		zap.String("request", req.RequestID),
		zap.String("adapter", chosen),
		zap.String("strategy", d.Strategy),
		zap.Int("feasible", len(feasible)),
	)
	return d, nil
}

// stalenessFloor drops candidates whose health decayed below ~1/e^2.
const stalenessFloor = 0.12

func (e *Engine) rememberContext(requestID string, ctxVec []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) >= maxPending {
		// Observation loss upstream; start over rather than grow unbounded.
		e.pending = make(map[string][]float64)
	}
	e.pending[requestID] = ctxVec
}

func (e *Engine) takeContext(requestID string) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	return v
}

// Observe folds one outcome back into every strategy so switching strategies
// does not discard history.
func (e *Engine) Observe(obs ports.Observation) {
	reward := e.Reward(obs)
	ctxVec := e.takeContext(obs.RequestID)
	for _, b := range e.bandits {
		b.Update(obs.AdapterID, ctxVec, reward)
	}
}

// Reward maps an observation to [0,1]: quality, latency against the request
// SLO and cost against the estimate, with a flat penalty on failure.
func (e *Engine) Reward(obs ports.Observation) float64 {
	w := e.cfg.Reward

	quality := 0.5
	if obs.HasQualityScore {
		quality = clip01(obs.QualityScore)
	} else if obs.Success {
		quality = 0.6
	} else {
		quality = 0
	}

	r := w.Quality*quality +
		w.Latency*latencyReward(obs.ActualLatencyMS, obs.LatencySLOMS, obs.EstimatedLatencyMS) +
		w.Cost*ratioReward(float64(obs.ActualCostMicros), float64(obs.EstimatedCostMicros))
	if !obs.Success {
		r -= w.ErrorPenalty
	}
	return clip01(r)
}

// latencyReward scores actual latency against the request SLO: 1 at or below
// the SLO, 0 at twice the SLO or beyond, linear between. Requests that carried
// no SLO fall back to the estimate ratio.
func latencyReward(actual, sloMS, estimated float64) float64 {
	if sloMS <= 0 {
		return ratioReward(actual, estimated)
	}
	switch {
	case actual <= sloMS:
		return 1
	case actual >= 2*sloMS:
		return 0
	default:
		return 2 - actual/sloMS
	}
}

// ratioReward scores actual against estimated: 1 at or below half the
// estimate, 0 at twice the estimate or beyond, linear between.
func ratioReward(actual, estimated float64) float64 {
	if estimated <= 0 {
		return 0.5
	}
	ratio := actual / estimated
	switch {
	case ratio <= 0.5:
		return 1
	case ratio >= 2:
		return 0
	default:
		return 1 - (ratio-0.5)/1.5
	}
}
