// Package breaker implements the per-adapter circuit breaker: Closed, Open
// with exponentially growing cooldown, and HalfOpen probing.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/ports"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const ratioBuckets = 10

type bucket struct {
	requests int64
	failures int64
}

// Breaker is one adapter's circuit breaker.
type Breaker struct {
	mu               sync.Mutex
	state            State
	consecFailures   int
	successCount     int
	halfOpenInFlight int

	failureThreshold int
	failureRatio     float64
	minRequests      int
	successThreshold int

	cooldown      *backoff.ExponentialBackOff
	cooldownUntil time.Time

	// Ratio window: ring of buckets advanced by wall time.
	buckets      [ratioBuckets]bucket
	bucketWidth  time.Duration
	bucketStart  time.Time
	bucketCursor int

	clock ports.Clock

	totalRequests atomic.Int64
	totalRejected atomic.Int64
	openedTotal   atomic.Int64
}

// New creates a breaker from config.
func New(cfg config.BreakerConfig, clock ports.Clock) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	minRequests := cfg.MinRequests
	if minRequests <= 0 {
		minRequests = 10
	}
	successThreshold := cfg.SuccessThreshold
	if successThreshold <= 0 {
		successThreshold = 3
	}
	window := cfg.RatioWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	initial := cfg.CooldownInitial
	if initial <= 0 {
		initial = 2 * time.Second
	}
	maxCooldown := cfg.CooldownMax
	if maxCooldown <= 0 {
		maxCooldown = 60 * time.Second
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxCooldown
	bo.Multiplier = 2
	bo.RandomizationFactor = 0 // deterministic cooldown schedule
	bo.MaxElapsedTime = 0      // never give up probing
	bo.Reset()

	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		failureRatio:     ratio,
		minRequests:      minRequests,
		successThreshold: successThreshold,
		cooldown:         bo,
		bucketWidth:      window / ratioBuckets,
		bucketStart:      clock.Now(),
		clock:            clock,
	}
}

// Allow checks whether a request may pass. In HalfOpen, one probe is admitted
// at a time. Rejections return ECIRCUIT with a retry hint.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)
	now := b.clock.Now()
	b.advance(now)

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Before(b.cooldownUntil) {
			b.totalRejected.Add(1)
			return atperr.ErrCircuit.WithRetryAfter(b.cooldownUntil.Sub(now))
		}
		// Cooldown elapsed: this request is the half-open probe.
		b.state = StateHalfOpen
		b.halfOpenInFlight = 1
		b.successCount = 0
		b.consecFailures = 0
		return nil

	case StateHalfOpen:
		if b.halfOpenInFlight == 0 {
			b.halfOpenInFlight = 1
			return nil
		}
		b.totalRejected.Add(1)
		return atperr.ErrCircuit.WithRetryAfter(b.cooldown.InitialInterval)
	}

	return atperr.New(atperr.CodeInternal, "unknown breaker state")
}

// Allows reports whether the breaker would admit traffic, without consuming a
// half-open probe slot. Used by the registry readiness gate.
func (b *Breaker) Allows() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		return !b.clock.Now().Before(b.cooldownUntil)
	}
	return false
}

// RecordSuccess records a successful request. Each request lands in the ratio
// window exactly once, through the outcome that ends it.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.advance(b.clock.Now())
		b.bucketRecord(false)
		b.consecFailures = 0

	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = StateClosed
			b.consecFailures = 0
			b.successCount = 0
			b.cooldown.Reset()
			b.resetBuckets()
		}
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.advance(now)

	switch b.state {
	case StateClosed:
		b.consecFailures++
		b.bucketRecord(true)
		if b.consecFailures >= b.failureThreshold || b.ratioTripped() {
			b.trip(now)
		}

	case StateHalfOpen:
		// Any failure during probing re-opens with a longer cooldown.
		b.halfOpenInFlight = 0
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.cooldownUntil = now.Add(b.cooldown.NextBackOff())
	b.successCount = 0
	b.openedTotal.Add(1)
}

func (b *Breaker) ratioTripped() bool {
	var reqs, fails int64
	for _, bk := range b.buckets {
		reqs += bk.requests
		fails += bk.failures
	}
	if reqs < int64(b.minRequests) {
		return false
	}
	return float64(fails)/float64(reqs) >= b.failureRatio
}

func (b *Breaker) bucketRecord(failed bool) {
	b.buckets[b.bucketCursor].requests++
	if failed {
		b.buckets[b.bucketCursor].failures++
	}
}

func (b *Breaker) advance(now time.Time) {
	for now.Sub(b.bucketStart) >= b.bucketWidth {
		b.bucketCursor = (b.bucketCursor + 1) % ratioBuckets
		b.buckets[b.bucketCursor] = bucket{}
		b.bucketStart = b.bucketStart.Add(b.bucketWidth)
	}
}

func (b *Breaker) resetBuckets() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State          string    `json:"state"`
	ConsecFailures int       `json:"consecutive_failures"`
	SuccessCount   int       `json:"success_count"`
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
	TotalRequests  int64     `json:"total_requests"`
	TotalRejected  int64     `json:"total_rejected"`
	OpenedTotal    int64     `json:"opened_total"`
}

// Snapshot returns a point-in-time view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:          b.state.String(),
		ConsecFailures: b.consecFailures,
		SuccessCount:   b.successCount,
		CooldownUntil:  b.cooldownUntil,
		TotalRequests:  b.totalRequests.Load(),
		TotalRejected:  b.totalRejected.Load(),
		OpenedTotal:    b.openedTotal.Load(),
	}
}
