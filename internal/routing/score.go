package routing

import (
	"slices"

	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/registry"
)

// ContextDim is the LinUCB context vector dimension: bias, normalized token
// demand, gold, silver, quality preference.
const ContextDim = 5

// Candidate is one routable adapter with its live telemetry.
type Candidate struct {
	Caps      registry.Capabilities
	Health    registry.HealthRecord
	Staleness float64 // F in (0,1], 1 = fresh
	Estimate  ports.Estimate
}

// filter applies the hard constraints: tenant allowlist, cost budget,
// latency SLO and data scope have already removed adapters upstream or are
// checked here against the candidate's telemetry.
func filter(req ports.Request, tenant *config.TenantConfig, cands []Candidate, stalenessFloor float64) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if tenant != nil && len(tenant.AllowedAdapters) > 0 &&
			!slices.Contains(tenant.AllowedAdapters, c.Caps.ID) {
			continue
		}
		if req.MaxUSDMicros > 0 && c.Estimate.USDMicros > req.MaxUSDMicros {
			continue
		}
		if req.LatencySLO > 0 && c.Health.P95LatencyMS > float64(req.LatencySLO.Milliseconds()) {
			continue
		}
		if c.Staleness < stalenessFloor {
			continue
		}
		out = append(out, c)
	}
	return out
}

// score computes the weighted candidate score. Latency, cost and carbon are
// normalized against the worst candidate in the feasible set so the weights
// express relative preference, then the whole score decays with staleness.
func score(c Candidate, w config.ScoreWeights, quality float64, worst normalizers) float64 {
	latency := 1 - norm(c.Health.P95LatencyMS, worst.latencyMS)
	cost := 1 - norm(float64(c.Estimate.USDMicros), worst.costMicros)
	carbon := 1.0
	if worst.carbon > 0 {
		carbon = 1 - norm(c.Caps.CarbonIntensity, worst.carbon)
	}
	s := w.Quality*quality + w.Latency*latency + w.Cost*cost + w.Carbon*carbon
	return s * c.Staleness
}

type normalizers struct {
	latencyMS  float64
	costMicros float64
	carbon     float64
}

func worstOf(cands []Candidate) normalizers {
	var n normalizers
	for _, c := range cands {
		if c.Health.P95LatencyMS > n.latencyMS {
			n.latencyMS = c.Health.P95LatencyMS
		}
		if f := float64(c.Estimate.USDMicros); f > n.costMicros {
			n.costMicros = f
		}
		if c.Caps.CarbonIntensity > n.carbon {
			n.carbon = c.Caps.CarbonIntensity
		}
	}
	return n
}

func norm(v, worst float64) float64 {
	if worst <= 0 {
		return 0
	}
	n := v / worst
	if n > 1 {
		return 1
	}
	if n < 0 {
		return 0
	}
	return n
}

// contextVector builds the LinUCB context from the request.
func contextVector(req ports.Request) []float64 {
	tokens := float64(req.MaxTokens) / 32768
	if tokens > 1 {
		tokens = 1
	}
	gold, silver := 0.0, 0.0
	switch req.QoS {
	case "gold":
		gold = 1
	case "silver":
		silver = 1
	}
	quality := 0.5
	switch req.Quality {
	case "fast":
		quality = 0
	case "best":
		quality = 1
	}
	return []float64{tokens, gold, silver, quality}
}
