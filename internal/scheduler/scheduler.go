// Package scheduler admits requests under QoS fairness: per-tenant FIFO
// queues keyed by tier, drained by weighted deficit round robin across
// tenants, concurrency gates, preemption of lower tiers and a starvation
// boost for lanes whose wait quantile degrades.
package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/protocol"
)

// tiers in strict priority order for preemption decisions.
var tiers = []string{protocol.QoSGold, protocol.QoSSilver, protocol.QoSBronze}

// Grant is an admitted slot. Ctx is cancelled with an EPREEMPT cause if a
// higher tier preempts the holder; Release must be called exactly once.
type Grant struct {
	Ctx     context.Context
	Release func()

	WaitTime time.Duration
}

type waiter struct {
	req        ports.Request
	tier       string
	enqueuedAt time.Time
	done       chan grantOrErr
}

// laneKey identifies one tenant's FIFO queue within a tier. Each lane is a
// DRR flow weighted by its tier, so tenants sharing a tier split the tier's
// service instead of queueing behind each other.
type laneKey struct {
	tenant string
	tier   string
}

func (k laneKey) String() string { return k.tenant + "|" + k.tier }

type grantOrErr struct {
	grant *Grant
	err   error
}

type running struct {
	tenant    string
	tier      string
	startedAt time.Time
	cancel    context.CancelCauseFunc
	elem      *list.Element
	finished  bool
}

// Scheduler is the QoS admission controller.
type Scheduler struct {
	cfg   config.SchedulerConfig
	clock ports.Clock
	m     *metrics.Metrics

	mu       sync.Mutex
	queues   map[laneKey]*list.List // lane -> *waiter FIFO
	ring     []laneKey              // active lanes in arrival order
	deficit  map[laneKey]int
	cursor   int        // DRR position in ring
	inFlight *list.List // *running, FIFO by start time
	byTenant map[string]int
	total    int

	waits    *waitTracker
	fairness *fairnessWindow

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New creates a scheduler. Run must be started before Acquire is used.
func New(cfg config.SchedulerConfig, clock ports.Clock, m *metrics.Metrics) *Scheduler {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Scheduler{
		cfg:      cfg,
		clock:    clock,
		m:        m,
		queues:   make(map[laneKey]*list.List),
		deficit:  make(map[laneKey]int),
		inFlight: list.New(),
		byTenant: make(map[string]int),
		waits:    newWaitTracker(cfg.FairnessWindow),
		fairness: newFairnessWindow(cfg.FairnessWindow),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Acquire queues the request and blocks until a slot is granted, the queue
// rejects it, or ctx ends.
func (s *Scheduler) Acquire(ctx context.Context, req ports.Request) (*Grant, error) {
	tier := req.QoS
	if !protocol.ValidQoS(tier) {
		tier = protocol.QoSBronze
	}

	s.mu.Lock()
	if err := s.admitLocked(tier); err != nil {
		s.mu.Unlock()
		s.m.AdmissionRejects.WithLabelValues(string(atperr.CodeOf(err))).Inc()
		return nil, err
	}
	w := &waiter{
		req:        req,
		tier:       tier,
		enqueuedAt: s.clock.Now(),
		done:       make(chan grantOrErr, 1),
	}
	k := laneKey{tenant: req.TenantID, tier: tier}
	q := s.queues[k]
	if q == nil {
		q = list.New()
		s.queues[k] = q
		s.ring = append(s.ring, k)
	}
	elem := q.PushBack(w)
	s.m.QueueDepth.WithLabelValues(tier).Inc()
	s.mu.Unlock()
	s.kick()

	select {
	case out := <-w.done:
		return out.grant, out.err
	case <-ctx.Done():
		s.mu.Lock()
		// The grant may have raced the cancellation.
		select {
		case out := <-w.done:
			s.mu.Unlock()
			return out.grant, out.err
		default:
		}
		if q := s.queues[k]; q != nil {
			q.Remove(elem)
		}
		s.m.QueueDepth.WithLabelValues(tier).Dec()
		s.mu.Unlock()
		return nil, atperr.Wrap(ctx.Err(), atperr.CodeTimeout, "admission wait cancelled")
	}
}

// admitLocked applies the queue gates before enqueueing.
func (s *Scheduler) admitLocked(tier string) error {
	if s.cfg.QueueDepth > 0 && s.tierQueuedLocked(tier) >= s.cfg.QueueDepth {
		return atperr.ErrBusy.WithRetryAfter(s.cfg.QueueHighWatermark)
	}
	if s.cfg.QueueHighWatermark > 0 {
		if est := s.waits.estimate(tier); est > s.cfg.QueueHighWatermark {
			return atperr.ErrBusy.WithRetryAfter(est - s.cfg.QueueHighWatermark)
		}
	}
	return nil
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	quantum := s.cfg.Quantum
	if quantum <= 0 {
		quantum = 10 * time.Millisecond
	}
	ticker := time.NewTicker(quantum)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.failAll(atperr.New(atperr.CodeBusy, "scheduler stopped"))
			return
		case <-s.stop:
			s.failAll(atperr.New(atperr.CodeBusy, "scheduler stopped"))
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.dispatch()
	}
}

// Stop terminates the run loop and fails queued waiters.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// dispatch performs DRR rounds while slots and waiters are available.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.queuedLocked() == 0 {
			return
		}
		if !s.slotAvailableLocked() && !s.tryPreemptLocked() {
			return
		}
		if !s.drrPassLocked() {
			return
		}
	}
}

func (s *Scheduler) queuedLocked() int {
	n := 0
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}

func (s *Scheduler) tierQueuedLocked(tier string) int {
	n := 0
	for k, q := range s.queues {
		if k.tier == tier {
			n += q.Len()
		}
	}
	return n
}

func (s *Scheduler) slotAvailableLocked() bool {
	return s.cfg.GlobalConcurrency <= 0 || s.total < s.cfg.GlobalConcurrency
}

// weightLocked resolves a lane's DRR weight from its tier and applies the
// starvation boost when the lane's recent p95 wait crosses the threshold.
func (s *Scheduler) weightLocked(k laneKey) int {
	w := 1
	switch k.tier {
	case protocol.QoSGold:
		w = s.cfg.TenantWeights.Gold
	case protocol.QoSSilver:
		w = s.cfg.TenantWeights.Silver
	case protocol.QoSBronze:
		w = s.cfg.TenantWeights.Bronze
	}
	if w <= 0 {
		w = 1
	}
	if s.cfg.StarvationP95Threshold > 0 {
		if s.waits.p95(k.String()) > s.cfg.StarvationP95Threshold {
			boost := s.cfg.StarvationBoostFactor
			if boost <= 1 {
				boost = 2
			}
			w *= boost
			s.m.StarvationBoostsTotal.Inc()
		}
	}
	return w
}

// drrPassLocked grants at most one waiter using deficit round robin over the
// lanes: each lane is served up to its weight before the cursor moves on, so
// tiers get their configured service ratio and tenants within a tier share it
// evenly. Returns false when no lane could be served.
func (s *Scheduler) drrPassLocked() bool {
	for attempts := len(s.ring); attempts > 0; attempts-- {
		if len(s.ring) == 0 {
			return false
		}
		s.cursor %= len(s.ring)
		k := s.ring[s.cursor]
		q := s.queues[k]
		if q.Len() == 0 {
			s.dropLaneLocked(s.cursor)
			continue
		}
		if s.deficit[k] <= 0 {
			s.deficit[k] = s.weightLocked(k)
		}
		w := s.nextServableLocked(q)
		if w == nil {
			// Every waiter in this lane is blocked on its tenant cap.
			s.cursor = (s.cursor + 1) % len(s.ring)
			continue
		}
		s.deficit[k]--
		if s.deficit[k] <= 0 {
			s.cursor = (s.cursor + 1) % len(s.ring)
		}
		s.grantLocked(k, w)
		return true
	}
	return false
}

// dropLaneLocked retires an empty lane at ring index i without advancing the
// cursor past the lane that slides into its place.
func (s *Scheduler) dropLaneLocked(i int) {
	k := s.ring[i]
	delete(s.queues, k)
	delete(s.deficit, k)
	s.ring = append(s.ring[:i], s.ring[i+1:]...)
}

// nextServableLocked removes and returns the first queued waiter whose tenant
// is under its concurrency cap.
func (s *Scheduler) nextServableLocked(q *list.List) *waiter {
	for e := q.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		if s.cfg.TenantConcurrency > 0 && s.byTenant[w.req.TenantID] >= s.cfg.TenantConcurrency {
			continue
		}
		q.Remove(e)
		return w
	}
	return nil
}

func (s *Scheduler) grantLocked(k laneKey, w *waiter) {
	now := s.clock.Now()
	wait := now.Sub(w.enqueuedAt)
	s.m.QueueDepth.WithLabelValues(k.tier).Dec()
	s.m.QueueWaitSeconds.WithLabelValues(k.tier).Observe(wait.Seconds())
	s.waits.record(k.tier, wait, now)
	s.waits.record(k.String(), wait, now)

	ctx, cancel := context.WithCancelCause(context.Background())
	r := &running{
		tenant:    w.req.TenantID,
		tier:      k.tier,
		startedAt: now,
		cancel:    cancel,
	}
	r.elem = s.inFlight.PushBack(r)
	s.byTenant[w.req.TenantID]++
	s.total++
	s.fairness.record(w.req.TenantID, now)
	s.m.JainIndex.Set(s.fairness.jain(now))

	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.finished {
			// Already evicted by preemption; nothing left to return.
			return
		}
		s.finishLocked(r)
		cancel(nil)
		s.kickLockedSafe()
	}

	w.done <- grantOrErr{grant: &Grant{Ctx: ctx, Release: release, WaitTime: wait}}
}

// kickLockedSafe wakes the loop; safe to call with s.mu held.
func (s *Scheduler) kickLockedSafe() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finishLocked removes an in-flight entry and returns its slot.
func (s *Scheduler) finishLocked(r *running) {
	r.finished = true
	s.inFlight.Remove(r.elem)
	s.byTenant[r.tenant]--
	if s.byTenant[r.tenant] == 0 {
		delete(s.byTenant, r.tenant)
	}
	s.total--
}

// tryPreemptLocked frees a slot for a newly arrived higher tier by cancelling
// the oldest lower-tier in-flight request. Gold preempts immediately; silver
// preempts bronze only after waiting past the configured threshold; bronze
// never preempts. Only work that was already running when the claimant
// arrived is eligible, so DRR losers cannot evict the round's winner.
func (s *Scheduler) tryPreemptLocked() bool {
	now := s.clock.Now()

	var head *waiter
	var claimant string
	if w := s.oldestQueuedLocked(protocol.QoSGold); w != nil {
		head = w
		claimant = protocol.QoSGold
	} else if w := s.oldestQueuedLocked(protocol.QoSSilver); w != nil {
		if s.cfg.SilverPreemptWait > 0 && now.Sub(w.enqueuedAt) >= s.cfg.SilverPreemptWait {
			head = w
			claimant = protocol.QoSSilver
		}
	}
	if head == nil {
		return false
	}

	victim := s.oldestRunningLocked(protocol.QoSBronze, head.enqueuedAt)
	if victim == nil && claimant == protocol.QoSGold {
		victim = s.oldestRunningLocked(protocol.QoSSilver, head.enqueuedAt)
	}
	if victim == nil {
		return false
	}

	victim.cancel(atperr.ErrPreempt)
	s.finishLocked(victim)
	s.m.PreemptionTotal.Inc()
	logging.Debug("preempted in-flight request",
		zap.String("victim_tier", victim.tier),
		zap.String("claimant_tier", claimant),
	)
	return true
}

// oldestQueuedLocked returns the longest-waiting queued waiter in a tier
// across all of its tenant lanes.
func (s *Scheduler) oldestQueuedLocked(tier string) *waiter {
	var oldest *waiter
	for k, q := range s.queues {
		if k.tier != tier || q.Len() == 0 {
			continue
		}
		w := q.Front().Value.(*waiter)
		if oldest == nil || w.enqueuedAt.Before(oldest.enqueuedAt) {
			oldest = w
		}
	}
	return oldest
}

func (s *Scheduler) oldestRunningLocked(tier string, claimantArrived time.Time) *running {
	for e := s.inFlight.Front(); e != nil; e = e.Next() {
		r := e.Value.(*running)
		if r.tier == tier && r.startedAt.Before(claimantArrived) {
			return r
		}
	}
	return nil
}

// TenantInFlight returns the running count for a tenant.
func (s *Scheduler) TenantInFlight(tenant string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTenant[tenant]
}

// InFlight returns the total running count.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Queued returns the queued count per tier.
func (s *Scheduler) Queued() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(tiers))
	for _, tier := range tiers {
		out[tier] = 0
	}
	for k, q := range s.queues {
		out[k.tier] += q.Len()
	}
	return out
}

// Congested reports whether any tier's recent p95 queue wait has crossed the
// high watermark. Outgoing frames are ECN-marked while this holds so peers
// shrink their windows before the queue overflows.
func (s *Scheduler) Congested() bool {
	if s.cfg.QueueHighWatermark <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tier := range tiers {
		if s.waits.p95(tier) > s.cfg.QueueHighWatermark {
			return true
		}
	}
	return false
}

// Fairness returns the current Jain index over the fairness window.
func (s *Scheduler) Fairness() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fairness.jain(s.clock.Now())
}

func (s *Scheduler) failAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, q := range s.queues {
		for q.Len() > 0 {
			w := q.Remove(q.Front()).(*waiter)
			s.m.QueueDepth.WithLabelValues(k.tier).Dec()
			w.done <- grantOrErr{err: err}
		}
	}
	s.queues = make(map[laneKey]*list.List)
	s.deficit = make(map[laneKey]int)
	s.ring = nil
	s.cursor = 0
}
