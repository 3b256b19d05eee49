// Package observe buffers per-request outcome records, feeds them back into
// the routing engine on a fixed cadence and exports them to the external
// sink. The sink export runs behind its own circuit breaker so a failing
// analytics backend never stalls the router.
package observe

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/routing"
)

// pairWindow bounds how long a primary or shadow record waits for its
// counterpart before the pairing state is pruned.
const pairWindow = 30 * time.Second

type pendingObs struct {
	obs ports.Observation
	at  time.Time
}

// Buffer is the bounded observation queue. Overflow drops the oldest record;
// routing feedback is never allowed to apply backpressure on dispatch.
type Buffer struct {
	cfg    config.ObservationConfig
	m      *metrics.Metrics
	engine *routing.Engine
	champ  *routing.ChampionController
	sink   ports.ObservationSink
	clock  ports.Clock

	mu      sync.Mutex
	queue   []ports.Observation
	primary map[string]pendingObs // request id -> primary awaiting its shadow
	shadow  map[string]pendingObs // request id -> shadow awaiting its primary

	export *gobreaker.CircuitBreaker[any]

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a buffer. sink may be nil when no external export is
// configured.
func New(cfg config.ObservationConfig, m *metrics.Metrics, engine *routing.Engine, sink ports.ObservationSink, clock ports.Clock) *Buffer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = 2 * time.Second
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Buffer{
		cfg:     cfg,
		m:       m,
		engine:  engine,
		champ:   engine.Champion(),
		sink:    sink,
		clock:   clock,
		primary: make(map[string]pendingObs),
		shadow:  make(map[string]pendingObs),
		export: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:    "observation-sink",
			Timeout: 30 * time.Second,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn("observation sink breaker state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
		done: make(chan struct{}),
	}
}

// Emit enqueues one observation. Never blocks; on overflow the oldest queued
// record is dropped and counted.
func (b *Buffer) Emit(obs ports.Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.cfg.BufferSize {
		copy(b.queue, b.queue[1:])
		b.queue = b.queue[:len(b.queue)-1]
		b.m.ObservationsDroppedTotal.Inc()
	}
	b.queue = append(b.queue, obs)
}

// Len returns the queued record count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Run flushes on the configured cadence until ctx is cancelled, then performs
// one final flush.
func (b *Buffer) Run(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Stop cancels the flush loop and waits for the final flush.
func (b *Buffer) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

// Flush drains the queue: every record updates the bandit state, primary and
// shadow records of the same request are paired into a champion/challenger
// trial, and the batch is exported to the sink.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		b.prunePairs()
		return
	}

	now := b.clock.Now()
	for _, obs := range batch {
		b.engine.Observe(obs)
		if champ, chall, ok := b.pair(obs, now); ok {
			b.champ.RecordPair(champ.TaskType, champ, chall)
		}
	}
	b.m.ObservationsFlushedTotal.Add(float64(len(batch)))
	b.prunePairs()

	if b.sink == nil {
		return
	}
	if _, err := b.export.Execute(func() (any, error) {
		ectx, cancel := context.WithTimeout(ctx, b.cfg.ExportTimeout)
		defer cancel()
		return nil, b.sink.Append(ectx, batch)
	}); err != nil {
		logging.Warn("observation export failed",
			zap.Int("batch", len(batch)), zap.Error(err))
	}
}

// pair matches a record against its stored counterpart and returns the
// completed champion/challenger trial. Arrival order is not guaranteed:
// quality scoring can delay either side past the other.
func (b *Buffer) pair(obs ports.Observation, now time.Time) (champ, chall ports.Observation, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if obs.ShadowOf != "" {
		if p, found := b.primary[obs.RequestID]; found {
			delete(b.primary, obs.RequestID)
			return p.obs, obs, true
		}
		b.shadow[obs.RequestID] = pendingObs{obs: obs, at: now}
		return ports.Observation{}, ports.Observation{}, false
	}
	if s, found := b.shadow[obs.RequestID]; found {
		delete(b.shadow, obs.RequestID)
		return obs, s.obs, true
	}
	b.primary[obs.RequestID] = pendingObs{obs: obs, at: now}
	return ports.Observation{}, ports.Observation{}, false
}

func (b *Buffer) prunePairs() {
	cutoff := b.clock.Now().Add(-pairWindow)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.primary {
		if p.at.Before(cutoff) {
			delete(b.primary, id)
		}
	}
	for id, s := range b.shadow {
		if s.at.Before(cutoff) {
			delete(b.shadow, id)
		}
	}
}
