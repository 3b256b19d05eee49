package registry

import (
	"math"
	"time"

	"github.com/atlasframe/atpd/internal/ports"
)

// HealthRecord is the EWMA-smoothed health of one adapter.
type HealthRecord struct {
	P50LatencyMS float64
	P95LatencyMS float64
	P99LatencyMS float64
	ErrorRate    float64
	RPS          float64
	QueueDepth   int
	LastSeen     time.Time
}

// UpdateHealth folds a HEALTH report into the adapter's record using EWMA
// with the configured alpha. The first report seeds the record directly.
func (r *Registry) UpdateHealth(id string, report ports.HealthReport) bool {
	r.mu.RLock()
	a, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	now := report.ReportedAt
	if now.IsZero() {
		now = r.clock.Now()
	}
	alpha := r.cfg.EWMAAlpha

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.hasHealth {
		a.health = HealthRecord{
			P50LatencyMS: report.P50LatencyMS,
			P95LatencyMS: report.P95LatencyMS,
			P99LatencyMS: report.P99LatencyMS,
			ErrorRate:    report.ErrorRate,
			RPS:          report.RPS,
			QueueDepth:   report.QueueDepth,
			LastSeen:     now,
		}
		a.hasHealth = true
		return true
	}

	h := &a.health
	h.P50LatencyMS = ewma(h.P50LatencyMS, report.P50LatencyMS, alpha)
	h.P95LatencyMS = ewma(h.P95LatencyMS, report.P95LatencyMS, alpha)
	h.P99LatencyMS = ewma(h.P99LatencyMS, report.P99LatencyMS, alpha)
	h.ErrorRate = ewma(h.ErrorRate, report.ErrorRate, alpha)
	h.RPS = ewma(h.RPS, report.RPS, alpha)
	h.QueueDepth = report.QueueDepth
	h.LastSeen = now
	return true
}

// ObserveOutcome folds one dispatch outcome into the health record. The
// dispatcher publishes these between adapter HEALTH frames so routing sees
// failures quickly.
func (r *Registry) ObserveOutcome(id string, latencyMS float64, success bool) {
	errVal := 0.0
	if !success {
		errVal = 1.0
	}
	r.mu.RLock()
	a, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	now := r.clock.Now()
	alpha := r.cfg.EWMAAlpha

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasHealth {
		a.health = HealthRecord{
			P50LatencyMS: latencyMS,
			P95LatencyMS: latencyMS,
			P99LatencyMS: latencyMS,
			ErrorRate:    errVal,
			LastSeen:     now,
		}
		a.hasHealth = true
		return
	}
	h := &a.health
	h.P50LatencyMS = ewma(h.P50LatencyMS, latencyMS, alpha)
	// A single observation moves the tail estimates less than a percentile
	// report would.
	h.P95LatencyMS = ewma(h.P95LatencyMS, latencyMS, alpha/2)
	h.P99LatencyMS = ewma(h.P99LatencyMS, latencyMS, alpha/4)
	h.ErrorRate = ewma(h.ErrorRate, errVal, alpha)
	h.LastSeen = now
}

// Health returns the current health record for id.
func (r *Registry) Health(id string) (HealthRecord, bool) {
	r.mu.RLock()
	a, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return HealthRecord{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasHealth {
		return HealthRecord{}, false
	}
	return a.health, true
}

// StalenessFactor returns F = exp(-Δt/τ) for the adapter's last health
// update. Routing scores are multiplied by F so stale advertisements decay.
func (r *Registry) StalenessFactor(id string) float64 {
	rec, ok := r.Health(id)
	if !ok {
		return 0
	}
	dt := r.clock.Now().Sub(rec.LastSeen)
	if dt <= 0 {
		return 1
	}
	return math.Exp(-dt.Seconds() / r.cfg.StalenessTau.Seconds())
}

func ewma(old, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*old
}
