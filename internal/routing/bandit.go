package routing

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Strategy names accepted in config and reported in observations.
const (
	StrategyThompson = "thompson"
	StrategyUCB      = "ucb"
	StrategyGreedy   = "greedy"
)

// Bandit ranks candidate arms and learns from rewards.
type Bandit interface {
	Name() string
	// Pick returns the chosen arm id from candidates, given a context vector.
	Pick(candidates []string, ctxVec []float64) string
	// Update feeds back a reward in [0,1] for an arm.
	Update(arm string, ctxVec []float64, reward float64)
	// Mean returns the current reward estimate for an arm.
	Mean(arm string) float64
	// Trials returns how many rewards the arm has absorbed.
	Trials(arm string) int
}

// betaArm is one arm's Beta posterior.
type betaArm struct {
	alpha  float64
	beta   float64
	trials int
}

// ThompsonSampler keeps a Beta(α, β) posterior per arm and picks the arm
// with the highest posterior sample. Fractional rewards update both shape
// parameters, so a 0.7 reward counts as 0.7 of a success.
type ThompsonSampler struct {
	mu   sync.Mutex
	arms map[string]*betaArm
	rng  *rand.Rand
}

// NewThompsonSampler creates a sampler with Beta(1,1) priors.
func NewThompsonSampler(seed uint64) *ThompsonSampler {
	return &ThompsonSampler{
		arms: make(map[string]*betaArm),
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (t *ThompsonSampler) Name() string { return StrategyThompson }

func (t *ThompsonSampler) arm(id string) *betaArm {
	a, ok := t.arms[id]
	if !ok {
		a = &betaArm{alpha: 1, beta: 1}
		t.arms[id] = a
	}
	return a
}

func (t *ThompsonSampler) Pick(candidates []string, _ []float64) string {
	if len(candidates) == 0 {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	best := candidates[0]
	bestSample := -1.0
	for _, id := range candidates {
		a := t.arm(id)
		s := sampleBeta(t.rng, a.alpha, a.beta)
		if s > bestSample {
			bestSample = s
			best = id
		}
	}
	return best
}

func (t *ThompsonSampler) Update(arm string, _ []float64, reward float64) {
	reward = clip01(reward)
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.arm(arm)
	a.alpha += reward
	a.beta += 1 - reward
	a.trials++
}

func (t *ThompsonSampler) Mean(arm string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.arm(arm)
	return a.alpha / (a.alpha + a.beta)
}

func (t *ThompsonSampler) Trials(arm string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.arm(arm).trials
}

// sampleBeta draws Beta(a, b) as Ga/(Ga+Gb) from two gamma draws.
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws Gamma(shape, 1) with the Marsaglia-Tsang squeeze; shapes
// below 1 are boosted and corrected by the standard power transform.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// ucbArm holds a LinUCB ridge-regression state: the inverse design matrix
// maintained by Sherman-Morrison updates, and the reward vector b.
type ucbArm struct {
	aInv   [][]float64
	b      []float64
	trials int
	sum    float64
}

// LinUCB is a contextual UCB policy: score = θᵀx + c·sqrt(xᵀA⁻¹x) with
// θ = A⁻¹b per arm.
type LinUCB struct {
	mu    sync.Mutex
	arms  map[string]*ucbArm
	dim   int
	c     float64
}

// NewLinUCB creates a policy for the given context dimension and exploration
// coefficient.
func NewLinUCB(dim int, exploration float64) *LinUCB {
	if dim <= 0 {
		dim = ContextDim
	}
	if exploration <= 0 {
		exploration = 2.0
	}
	return &LinUCB{arms: make(map[string]*ucbArm), dim: dim, c: exploration}
}

func (l *LinUCB) Name() string { return StrategyUCB }

func (l *LinUCB) arm(id string) *ucbArm {
	a, ok := l.arms[id]
	if !ok {
		a = &ucbArm{aInv: identity(l.dim), b: make([]float64, l.dim)}
		l.arms[id] = a
	}
	return a
}

func (l *LinUCB) Pick(candidates []string, ctxVec []float64) string {
	if len(candidates) == 0 {
		return ""
	}
	x := l.fit(ctxVec)
	l.mu.Lock()
	defer l.mu.Unlock()
	best := candidates[0]
	bestScore := math.Inf(-1)
	for _, id := range candidates {
		a := l.arm(id)
		theta := matVec(a.aInv, a.b)
		exploit := dot(theta, x)
		explore := l.c * math.Sqrt(quadForm(a.aInv, x))
		if s := exploit + explore; s > bestScore {
			bestScore = s
			best = id
		}
	}
	return best
}

func (l *LinUCB) Update(arm string, ctxVec []float64, reward float64) {
	reward = clip01(reward)
	x := l.fit(ctxVec)
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.arm(arm)
	shermanMorrison(a.aInv, x)
	for i := range a.b {
		a.b[i] += reward * x[i]
	}
	a.trials++
	a.sum += reward
}

func (l *LinUCB) Mean(arm string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.arm(arm)
	if a.trials == 0 {
		return 0.5
	}
	return a.sum / float64(a.trials)
}

func (l *LinUCB) Trials(arm string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.arm(arm).trials
}

// fit pads or truncates the context vector to the policy dimension, with a
// leading bias term when the input is empty.
func (l *LinUCB) fit(x []float64) []float64 {
	out := make([]float64, l.dim)
	out[0] = 1
	for i := 0; i < len(x) && i+1 < l.dim; i++ {
		out[i+1] = x[i]
	}
	return out
}

// EpsilonGreedy exploits the best observed mean with probability 1-ε and
// explores uniformly otherwise.
type EpsilonGreedy struct {
	mu      sync.Mutex
	epsilon float64
	rng     *rand.Rand
	means   map[string]*meanArm
}

type meanArm struct {
	sum    float64
	trials int
}

// NewEpsilonGreedy creates a greedy policy.
func NewEpsilonGreedy(epsilon float64, seed uint64) *EpsilonGreedy {
	if epsilon <= 0 || epsilon >= 1 {
		epsilon = 0.05
	}
	return &EpsilonGreedy{
		epsilon: epsilon,
		rng:     rand.New(rand.NewPCG(seed, seed^0x6a09e667f3bcc908)),
		means:   make(map[string]*meanArm),
	}
}

func (g *EpsilonGreedy) Name() string { return StrategyGreedy }

func (g *EpsilonGreedy) arm(id string) *meanArm {
	a, ok := g.means[id]
	if !ok {
		a = &meanArm{}
		g.means[id] = a
	}
	return a
}

func (g *EpsilonGreedy) Pick(candidates []string, _ []float64) string {
	if len(candidates) == 0 {
		return ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rng.Float64() < g.epsilon {
		return candidates[g.rng.IntN(len(candidates))]
	}
	best := candidates[0]
	bestMean := -1.0
	for _, id := range candidates {
		a := g.arm(id)
		mean := 0.5 // optimistic prior for untried arms
		if a.trials > 0 {
			mean = a.sum / float64(a.trials)
		}
		if mean > bestMean {
			bestMean = mean
			best = id
		}
	}
	return best
}

func (g *EpsilonGreedy) Update(arm string, _ []float64, reward float64) {
	reward = clip01(reward)
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.arm(arm)
	a.sum += reward
	a.trials++
}

func (g *EpsilonGreedy) Mean(arm string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.arm(arm)
	if a.trials == 0 {
		return 0.5
	}
	return a.sum / float64(a.trials)
}

func (g *EpsilonGreedy) Trials(arm string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.arm(arm).trials
}

// Linear algebra helpers for LinUCB.

func identity(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m))
	for i := range m {
		for j := range v {
			out[i] += m[i][j] * v[j]
		}
	}
	return out
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func quadForm(m [][]float64, x []float64) float64 {
	s := dot(x, matVec(m, x))
	if s < 0 {
		return 0
	}
	return s
}

// shermanMorrison updates aInv in place for A' = A + x xᵀ:
// A'⁻¹ = A⁻¹ - (A⁻¹x xᵀA⁻¹) / (1 + xᵀA⁻¹x).
func shermanMorrison(aInv [][]float64, x []float64) {
	ax := matVec(aInv, x)
	denom := 1 + dot(x, ax)
	for i := range aInv {
		for j := range aInv[i] {
			aInv[i][j] -= ax[i] * ax[j] / denom
		}
	}
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
