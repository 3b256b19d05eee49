package routing

import (
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/ports"
)

// pairStats accumulates paired champion/challenger trials for one challenger
// on one task type.
type pairStats struct {
	trials         int
	challengerWins int
	championCost   int64
	challengerCost int64
	championErrs   int
	challengerErrs int
}

// ChampionController runs the champion/challenger experiment per task type:
// a small share of requests shadow a challenger, and a challenger that beats
// the champion on win rate and cost without a safety regression is promoted.
type ChampionController struct {
	cfg    config.RoutingConfig
	m      *metrics.Metrics
	reward func(ports.Observation) float64

	mu        sync.Mutex
	champions map[string]string
	stats     map[string]map[string]*pairStats
	rng       *rand.Rand
}

// NewChampionController creates a controller. reward scores one observation
// for win comparison.
func NewChampionController(cfg config.RoutingConfig, m *metrics.Metrics, reward func(ports.Observation) float64, seed uint64) *ChampionController {
	return &ChampionController{
		cfg:       cfg,
		m:         m,
		reward:    reward,
		champions: make(map[string]string),
		stats:     make(map[string]map[string]*pairStats),
		rng:       rand.New(rand.NewPCG(seed, seed^0xbb67ae8584caa73b)),
	}
}

// Champion returns the current champion for a task type, seeding it with
// fallback when none is set yet.
func (c *ChampionController) Champion(taskType, fallback string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if champ, ok := c.champions[taskType]; ok {
		return champ
	}
	if fallback != "" {
		c.champions[taskType] = fallback
	}
	return fallback
}

// MaybeShadow rolls the shadow probability and picks a challenger from the
// feasible set, excluding the champion.
func (c *ChampionController) MaybeShadow(taskType, champion string, feasible []string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rng.Float64() >= c.cfg.ShadowProbability {
		return "", false
	}
	var others []string
	for _, id := range feasible {
		if id != champion {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return "", false
	}
	return others[c.rng.IntN(len(others))], true
}

// RecordPair feeds one paired trial: the champion's observation and the
// challenger's shadow observation for the same request. Promotion is
// evaluated once the minimum trial count is reached.
func (c *ChampionController) RecordPair(taskType string, champObs, challObs ports.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byChallenger, ok := c.stats[taskType]
	if !ok {
		byChallenger = make(map[string]*pairStats)
		c.stats[taskType] = byChallenger
	}
	st, ok := byChallenger[challObs.AdapterID]
	if !ok {
		st = &pairStats{}
		byChallenger[challObs.AdapterID] = st
	}

	st.trials++
	if c.reward(challObs) > c.reward(champObs) {
		st.challengerWins++
	}
	st.championCost += champObs.ActualCostMicros
	st.challengerCost += challObs.ActualCostMicros
	if !champObs.Success {
		st.championErrs++
	}
	if !challObs.Success {
		st.challengerErrs++
	}

	c.evaluateLocked(taskType, challObs.AdapterID, st)
}

// evaluateLocked applies the promotion rule: win rate at or above the
// threshold over at least the minimum trials, cost savings at or above the
// floor, and no higher error rate than the champion.
func (c *ChampionController) evaluateLocked(taskType, challenger string, st *pairStats) {
	if st.trials < c.cfg.MinTrials {
		return
	}
	winRate := float64(st.challengerWins) / float64(st.trials)
	if winRate < c.cfg.PromotionThreshold {
		return
	}
	if st.championCost > 0 {
		savings := 1 - float64(st.challengerCost)/float64(st.championCost)
		if savings < c.cfg.MinCostSavings {
			return
		}
	}
	if st.challengerErrs > st.championErrs {
		return
	}

	old := c.champions[taskType]
	c.champions[taskType] = challenger
	delete(c.stats, taskType)
	c.m.PromotionsTotal.Inc()
	if old != "" {
		c.m.DemotionsTotal.Inc()
	}
	logging.Info("challenger promoted",
		zap.String("task_type", taskType),
		zap.String("champion", challenger),
		zap.String("demoted", old),
		zap.Float64("win_rate", winRate),
		zap.Int("trials", st.trials),
	)
}

// Champions returns a copy of the champion table.
func (c *ChampionController) Champions() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.champions))
	for k, v := range c.champions {
		out[k] = v
	}
	return out
}
