package scheduler

import (
	"sort"
	"time"
)

// waitTracker keeps recent queue waits per tier inside a rolling window, for
// the starvation boost and the admission wait estimate.
type waitTracker struct {
	window  time.Duration
	samples map[string][]waitSample
}

type waitSample struct {
	wait time.Duration
	at   time.Time
}

func newWaitTracker(window time.Duration) *waitTracker {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &waitTracker{
		window:  window,
		samples: make(map[string][]waitSample),
	}
}

func (t *waitTracker) record(tier string, wait time.Duration, now time.Time) {
	t.prune(tier, now)
	t.samples[tier] = append(t.samples[tier], waitSample{wait: wait, at: now})
}

func (t *waitTracker) prune(tier string, now time.Time) {
	s := t.samples[tier]
	cut := 0
	for cut < len(s) && now.Sub(s[cut].at) > t.window {
		cut++
	}
	if cut > 0 {
		t.samples[tier] = append(s[:0], s[cut:]...)
	}
}

// p95 returns the 95th percentile wait over the window.
func (t *waitTracker) p95(tier string) time.Duration {
	s := t.samples[tier]
	if len(s) == 0 {
		return 0
	}
	waits := make([]time.Duration, len(s))
	for i, smp := range s {
		waits[i] = smp.wait
	}
	sort.Slice(waits, func(i, j int) bool { return waits[i] < waits[j] })
	idx := (len(waits)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return waits[idx]
}

// estimate predicts the admission wait for a new arrival as the recent p95.
func (t *waitTracker) estimate(tier string) time.Duration {
	return t.p95(tier)
}

// fairnessWindow tracks served requests per tenant over a rolling window and
// computes Jain's fairness index across tenants.
type fairnessWindow struct {
	window time.Duration
	events []fairnessEvent
}

type fairnessEvent struct {
	tenant string
	at     time.Time
}

func newFairnessWindow(window time.Duration) *fairnessWindow {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &fairnessWindow{window: window}
}

func (f *fairnessWindow) record(tenant string, now time.Time) {
	f.pruneBefore(now)
	f.events = append(f.events, fairnessEvent{tenant: tenant, at: now})
}

func (f *fairnessWindow) pruneBefore(now time.Time) {
	cut := 0
	for cut < len(f.events) && now.Sub(f.events[cut].at) > f.window {
		cut++
	}
	if cut > 0 {
		f.events = append(f.events[:0], f.events[cut:]...)
	}
}

// jain returns (sum x)^2 / (n * sum x^2) over per-tenant served counts. 1.0
// means perfectly even service; 1/n means one tenant gets everything.
func (f *fairnessWindow) jain(now time.Time) float64 {
	f.pruneBefore(now)
	counts := make(map[string]int)
	for _, e := range f.events {
		counts[e.tenant]++
	}
	if len(counts) == 0 {
		return 1
	}
	var sum, sumSq float64
	for _, c := range counts {
		x := float64(c)
		sum += x
		sumSq += x * x
	}
	return (sum * sum) / (float64(len(counts)) * sumSq)
}
