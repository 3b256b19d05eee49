package routing

import (
	"math"
	"testing"
	"time"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/registry"
)

func cand(id string, costMicros int64, p95 float64, carbon float64) Candidate {
	return Candidate{
		Caps: registry.Capabilities{
			ID:              id,
			Models:          []string{id + "-model"},
			CarbonIntensity: carbon,
		},
		Health:    registry.HealthRecord{P95LatencyMS: p95, ErrorRate: 0.01},
		Staleness: 1.0,
		Estimate:  ports.Estimate{USDMicros: costMicros, TokensIn: 100, TokensOut: 200},
	}
}

func testEngine(mutate func(*config.RoutingConfig)) *Engine {
	cfg := config.DefaultConfig().Routing
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, metrics.New(), 42)
}

func TestFilterAppliesHardConstraints(t *testing.T) {
	cands := []Candidate{
		cand("cheap", 100, 200, 0),
		cand("pricy", 10_000, 200, 0),
		cand("slow", 100, 9_000, 0),
	}
	stale := cand("stale", 100, 200, 0)
	stale.Staleness = 0.01
	cands = append(cands, stale)

	req := ports.Request{MaxUSDMicros: 5_000, LatencySLO: 5 * time.Second}
	got := filter(req, nil, cands, stalenessFloor)
	if len(got) != 1 || got[0].Caps.ID != "cheap" {
		ids := make([]string, len(got))
		for i, c := range got {
			ids[i] = c.Caps.ID
		}
		t.Errorf("feasible = %v, want [cheap]", ids)
	}
}

func TestFilterHonorsTenantAllowlist(t *testing.T) {
	cands := []Candidate{cand("a", 100, 100, 0), cand("b", 100, 100, 0)}
	tenant := &config.TenantConfig{ID: "t", AllowedAdapters: []string{"b"}}
	got := filter(ports.Request{}, tenant, cands, stalenessFloor)
	if len(got) != 1 || got[0].Caps.ID != "b" {
		t.Errorf("allowlist not applied: %d candidates", len(got))
	}
}

func TestScorePrefersCheapWhenCostWeighted(t *testing.T) {
	w := config.ScoreWeights{Cost: 1}
	cands := []Candidate{cand("cheap", 100, 500, 0), cand("pricy", 10_000, 500, 0)}
	worst := worstOf(cands)
	if score(cands[0], w, 0.5, worst) <= score(cands[1], w, 0.5, worst) {
		t.Error("cost weight did not prefer the cheap adapter")
	}
}

func TestScorePrefersLowCarbon(t *testing.T) {
	w := config.ScoreWeights{Carbon: 1}
	green := cand("green", 100, 500, 50)
	coal := cand("coal", 100, 500, 800)
	worst := worstOf([]Candidate{green, coal})
	if score(green, w, 0.5, worst) <= score(coal, w, 0.5, worst) {
		t.Error("carbon weight did not prefer the low-carbon adapter")
	}
}

func TestScoreDecaysWithStaleness(t *testing.T) {
	w := config.ScoreWeights{Quality: 1}
	fresh := cand("a", 100, 500, 0)
	stale := cand("a", 100, 500, 0)
	stale.Staleness = 0.3
	worst := worstOf([]Candidate{fresh})
	if score(stale, w, 0.9, worst) >= score(fresh, w, 0.9, worst) {
		t.Error("staleness did not decay the score")
	}
}

func TestThompsonConvergesToBetterArm(t *testing.T) {
	ts := NewThompsonSampler(7)
	arms := []string{"good", "bad"}
	rewards := map[string]float64{"good": 0.9, "bad": 0.1}

	for i := 0; i < 400; i++ {
		pick := ts.Pick(arms, nil)
		ts.Update(pick, nil, rewards[pick])
	}
	goodPicks := 0
	for i := 0; i < 100; i++ {
		if ts.Pick(arms, nil) == "good" {
			goodPicks++
		}
	}
	if goodPicks < 85 {
		t.Errorf("good arm picked %d/100 after training", goodPicks)
	}
	if ts.Mean("good") <= ts.Mean("bad") {
		t.Error("posterior means not ordered")
	}
}

func TestGammaSamplerMatchesMean(t *testing.T) {
	ts := NewThompsonSampler(11)
	const shape = 3.5
	var sum float64
	const n = 20_000
	for i := 0; i < n; i++ {
		sum += sampleGamma(ts.rng, shape)
	}
	mean := sum / n
	if math.Abs(mean-shape) > 0.15 {
		t.Errorf("gamma sample mean = %v, want ~%v", mean, shape)
	}
}

func TestLinUCBLearnsContextualPreference(t *testing.T) {
	l := NewLinUCB(ContextDim, 0.5)
	arms := []string{"fast", "thorough"}

	// "fast" wins for fast-quality contexts, "thorough" for best-quality.
	fastCtx := contextVector(ports.Request{Quality: "fast"})
	bestCtx := contextVector(ports.Request{Quality: "best"})
	for i := 0; i < 200; i++ {
		l.Update("fast", fastCtx, 0.9)
		l.Update("fast", bestCtx, 0.2)
		l.Update("thorough", fastCtx, 0.2)
		l.Update("thorough", bestCtx, 0.9)
	}
	if got := l.Pick(arms, fastCtx); got != "fast" {
		t.Errorf("fast context picked %q", got)
	}
	if got := l.Pick(arms, bestCtx); got != "thorough" {
		t.Errorf("best context picked %q", got)
	}
}

func TestShermanMorrisonMatchesDirectInverse(t *testing.T) {
	// A = I + x xT for x = (1, 2). Direct inverse:
	// A = [[2, 2], [2, 5]], det = 6, A^-1 = [[5/6, -1/3], [-1/3, 1/3]].
	aInv := identity(2)
	shermanMorrison(aInv, []float64{1, 2})
	want := [][]float64{{5.0 / 6, -1.0 / 3}, {-1.0 / 3, 1.0 / 3}}
	for i := range want {
		for j := range want[i] {
			if math.Abs(aInv[i][j]-want[i][j]) > 1e-12 {
				t.Fatalf("aInv[%d][%d] = %v, want %v", i, j, aInv[i][j], want[i][j])
			}
		}
	}
}

func TestEpsilonGreedyExploits(t *testing.T) {
	g := NewEpsilonGreedy(0.1, 3)
	g.Update("best", nil, 1)
	g.Update("best", nil, 1)
	g.Update("worst", nil, 0)
	g.Update("worst", nil, 0)

	bestPicks := 0
	for i := 0; i < 1000; i++ {
		if g.Pick([]string{"best", "worst"}, nil) == "best" {
			bestPicks++
		}
	}
	// ~95% best: 90% exploit + half of the 10% exploration.
	if bestPicks < 900 {
		t.Errorf("best picked %d/1000", bestPicks)
	}
}

func TestRewardShape(t *testing.T) {
	e := testEngine(nil)

	good := ports.Observation{
		Success: true, HasQualityScore: true, QualityScore: 0.9,
		EstimatedLatencyMS: 1000, ActualLatencyMS: 400,
		EstimatedCostMicros: 1000, ActualCostMicros: 400,
	}
	bad := ports.Observation{
		Success:             false,
		EstimatedLatencyMS:  1000, ActualLatencyMS: 3000,
		EstimatedCostMicros: 1000, ActualCostMicros: 3000,
	}
	if r := e.Reward(good); r < 0.9 {
		t.Errorf("good reward = %v", r)
	}
	if r := e.Reward(bad); r != 0 {
		t.Errorf("failed reward = %v, want 0", r)
	}

	slow := good
	slow.ActualLatencyMS = 1900
	if e.Reward(slow) >= e.Reward(good) {
		t.Error("slower run not penalized")
	}
}

func TestRatioRewardPiecewise(t *testing.T) {
	if r := ratioReward(100, 1000); r != 1 {
		t.Errorf("under half estimate: %v", r)
	}
	if r := ratioReward(5000, 1000); r != 0 {
		t.Errorf("beyond double estimate: %v", r)
	}
	if r := ratioReward(1000, 1000); math.Abs(r-2.0/3) > 1e-9 {
		t.Errorf("on estimate: %v, want 2/3", r)
	}
	if r := ratioReward(100, 0); r != 0.5 {
		t.Errorf("no estimate: %v, want neutral", r)
	}
}

func TestLatencyRewardAgainstSLO(t *testing.T) {
	if r := latencyReward(800, 1000, 0); r != 1 {
		t.Errorf("within SLO: %v, want 1", r)
	}
	if r := latencyReward(1000, 1000, 0); r != 1 {
		t.Errorf("at SLO: %v, want 1", r)
	}
	if r := latencyReward(2000, 1000, 0); r != 0 {
		t.Errorf("at double SLO: %v, want 0", r)
	}
	if r := latencyReward(1500, 1000, 0); math.Abs(r-0.5) > 1e-9 {
		t.Errorf("midway: %v, want 0.5", r)
	}
	// No SLO on the request: fall back to the estimate ratio.
	if r := latencyReward(100, 0, 1000); r != 1 {
		t.Errorf("fallback: %v, want 1", r)
	}
}

func TestRewardIgnoresPaddedEstimateUnderSLO(t *testing.T) {
	e := testEngine(nil)

	accurate := ports.Observation{
		Success: true, HasQualityScore: true, QualityScore: 0.8,
		LatencySLOMS: 1000, ActualLatencyMS: 1800, EstimatedLatencyMS: 1800,
		EstimatedCostMicros: 1000, ActualCostMicros: 1000,
	}
	padded := accurate
	padded.EstimatedLatencyMS = 20000

	// With an SLO the estimate plays no part: an adapter cannot buy reward by
	// inflating its latency estimate.
	if e.Reward(padded) != e.Reward(accurate) {
		t.Errorf("padded estimate changed reward: %v vs %v",
			e.Reward(padded), e.Reward(accurate))
	}
}

func TestSelectEmptyFeasibleIsEAdapter(t *testing.T) {
	e := testEngine(nil)
	_, err := e.Select(ports.Request{RequestID: "r1", MaxUSDMicros: 1}, nil, "", []Candidate{
		cand("pricy", 10_000, 100, 0),
	})
	ae := atperr.FromError(err)
	if ae.Code != atperr.CodeAdapter {
		t.Errorf("err = %v, want EADAPTER", err)
	}
}

func TestSelectChampionServes(t *testing.T) {
	e := testEngine(func(c *config.RoutingConfig) {
		c.ExploreProbability = 0 // champion always serves
		c.ShadowProbability = 0
	})
	cands := []Candidate{cand("a", 100, 100, 0), cand("b", 100, 100, 0)}

	first, err := e.Select(ports.Request{RequestID: "r1", TaskType: "qa"}, nil, "", cands)
	if err != nil {
		t.Fatal(err)
	}
	// First pick seeds the champion; later requests stick to it.
	for i := 0; i < 20; i++ {
		d, err := e.Select(ports.Request{RequestID: "rn", TaskType: "qa"}, nil, "", cands)
		if err != nil {
			t.Fatal(err)
		}
		if d.AdapterID != first.AdapterID {
			t.Fatalf("champion switched from %q to %q", first.AdapterID, d.AdapterID)
		}
	}
}

func TestSelectComputesRegret(t *testing.T) {
	e := testEngine(func(c *config.RoutingConfig) {
		c.ExploreProbability = 0
		c.ShadowProbability = 0
	})
	cands := []Candidate{cand("cheap", 100, 100, 0), cand("pricy", 600, 100, 0)}
	d, err := e.Select(ports.Request{RequestID: "r1", TaskType: "qa"}, nil, "", cands)
	if err != nil {
		t.Fatal(err)
	}
	wantRegret := d.EstimatedCost - 100
	if d.RegretCost != wantRegret {
		t.Errorf("regret = %d, want %d", d.RegretCost, wantRegret)
	}
}

func TestSelectAlternatesExcludeChosen(t *testing.T) {
	e := testEngine(func(c *config.RoutingConfig) { c.ShadowProbability = 0 })
	cands := []Candidate{cand("a", 100, 100, 0), cand("b", 200, 100, 0), cand("c", 300, 100, 0)}
	d, err := e.Select(ports.Request{RequestID: "r1", TaskType: "qa"}, nil, "", cands)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Alternates) != 2 {
		t.Fatalf("alternates = %v", d.Alternates)
	}
	for _, alt := range d.Alternates {
		if alt == d.AdapterID {
			t.Error("chosen adapter listed as alternate")
		}
	}
}

func TestShadowProbabilityBounds(t *testing.T) {
	never := testEngine(func(c *config.RoutingConfig) { c.ShadowProbability = 0 })
	always := testEngine(func(c *config.RoutingConfig) { c.ShadowProbability = 1 })
	cands := []Candidate{cand("a", 100, 100, 0), cand("b", 100, 100, 0)}

	for i := 0; i < 50; i++ {
		d, _ := never.Select(ports.Request{RequestID: "r", TaskType: "qa"}, nil, "", cands)
		if d.ShadowAdapterID != "" {
			t.Fatal("shadow at probability 0")
		}
	}
	sawShadow := false
	for i := 0; i < 50; i++ {
		d, _ := always.Select(ports.Request{RequestID: "r", TaskType: "qa"}, nil, "", cands)
		if d.ShadowAdapterID == d.AdapterID {
			t.Fatal("shadow equals primary")
		}
		if d.ShadowAdapterID != "" {
			sawShadow = true
		}
	}
	if !sawShadow {
		t.Error("no shadow at probability 1")
	}
}

func TestChallengerPromotion(t *testing.T) {
	e := testEngine(nil)
	cc := e.Champion()
	if got := cc.Champion("qa", "old"); got != "old" {
		t.Fatalf("seed champion = %q", got)
	}

	for i := 0; i < 50; i++ {
		champ := ports.Observation{
			AdapterID: "old", Success: true,
			HasQualityScore: true, QualityScore: 0.5,
			ActualCostMicros: 1000, EstimatedCostMicros: 1000,
			EstimatedLatencyMS: 1000, ActualLatencyMS: 1000,
		}
		chall := ports.Observation{
			AdapterID: "new", Success: true,
			HasQualityScore: true, QualityScore: 0.9,
			ActualCostMicros: 800, EstimatedCostMicros: 800,
			EstimatedLatencyMS: 1000, ActualLatencyMS: 1000,
		}
		cc.RecordPair("qa", champ, chall)
	}
	if got := cc.Champion("qa", ""); got != "new" {
		t.Errorf("champion after winning trials = %q, want new", got)
	}
}

func TestPromotionBlockedWithoutCostSavings(t *testing.T) {
	e := testEngine(nil)
	cc := e.Champion()
	cc.Champion("qa", "old")

	for i := 0; i < 60; i++ {
		champ := ports.Observation{
			AdapterID: "old", Success: true,
			HasQualityScore: true, QualityScore: 0.5,
			ActualCostMicros: 1000, EstimatedCostMicros: 1000,
		}
		chall := ports.Observation{
			AdapterID: "new", Success: true,
			HasQualityScore: true, QualityScore: 0.9,
			ActualCostMicros: 990, EstimatedCostMicros: 990, // only 1% savings
		}
		cc.RecordPair("qa", champ, chall)
	}
	if got := cc.Champion("qa", ""); got != "old" {
		t.Errorf("champion = %q, promotion should require 5%% savings", got)
	}
}

func TestPromotionBlockedOnSafetyRegression(t *testing.T) {
	e := testEngine(nil)
	cc := e.Champion()
	cc.Champion("qa", "old")

	for i := 0; i < 60; i++ {
		champ := ports.Observation{
			AdapterID: "old", Success: true,
			HasQualityScore: true, QualityScore: 0.5,
			ActualCostMicros: 1000, EstimatedCostMicros: 1000,
		}
		challOK := i%5 != 0 // 20% failures for the challenger
		chall := ports.Observation{
			AdapterID: "new", Success: challOK,
			HasQualityScore: true, QualityScore: 0.9,
			ActualCostMicros: 500, EstimatedCostMicros: 500,
		}
		cc.RecordPair("qa", champ, chall)
	}
	if got := cc.Champion("qa", ""); got != "old" {
		t.Errorf("champion = %q, promotion must not pass a safety regression", got)
	}
}

func TestObserveUpdatesAllStrategies(t *testing.T) {
	e := testEngine(nil)
	obs := ports.Observation{
		RequestID: "r1", AdapterID: "a", Success: true,
		HasQualityScore: true, QualityScore: 1,
		EstimatedLatencyMS: 1000, ActualLatencyMS: 100,
		EstimatedCostMicros: 1000, ActualCostMicros: 100,
	}
	e.Observe(obs)
	for name, b := range e.bandits {
		if b.Trials("a") != 1 {
			t.Errorf("strategy %s trials = %d, want 1", name, b.Trials("a"))
		}
	}
}
