package breaker

import (
	"sync"

	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/ports"
)

// Table holds one breaker per adapter, created lazily on first use. It
// implements the registry's BreakerGate.
type Table struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      config.BreakerConfig
	clock    ports.Clock
}

// NewTable creates an empty breaker table.
func NewTable(cfg config.BreakerConfig, clock ports.Clock) *Table {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Table{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		clock:    clock,
	}
}

// Get returns the breaker for an adapter, creating it if needed.
func (t *Table) Get(adapterID string) *Breaker {
	t.mu.RLock()
	b, ok := t.breakers[adapterID]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[adapterID]; ok {
		return b
	}
	b = New(t.cfg, t.clock)
	t.breakers[adapterID] = b
	return b
}

// Allows reports whether the adapter's breaker would admit traffic. An
// adapter with no breaker yet has never failed and is admitted.
func (t *Table) Allows(adapterID string) bool {
	t.mu.RLock()
	b, ok := t.breakers[adapterID]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	return b.Allows()
}

// Remove drops the breaker for a deregistered adapter.
func (t *Table) Remove(adapterID string) {
	t.mu.Lock()
	delete(t.breakers, adapterID)
	t.mu.Unlock()
}

// Snapshots returns a point-in-time view of every breaker, keyed by adapter.
func (t *Table) Snapshots() map[string]Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Snapshot, len(t.breakers))
	for id, b := range t.breakers {
		out[id] = b.Snapshot()
	}
	return out
}
