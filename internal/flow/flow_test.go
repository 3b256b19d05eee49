package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type emitRecorder struct {
	mu      sync.Mutex
	windows []protocol.Window
}

func (r *emitRecorder) emit(_ string, w protocol.Window) {
	r.mu.Lock()
	r.windows = append(r.windows, w)
	r.mu.Unlock()
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

func (r *emitRecorder) last() protocol.Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windows[len(r.windows)-1]
}

func testController(clock *fakeClock, rec *emitRecorder) *Controller {
	cfg := config.DefaultConfig().Flow
	var emit EmitFunc
	if rec != nil {
		emit = rec.emit
	}
	return New(cfg, clock, metrics.New(), nil, emit)
}

func TestAttachUsesInitialWindow(t *testing.T) {
	c := testController(newFakeClock(), nil)
	w := c.Attach(context.Background(), "s1")
	if w.MaxParallel != 4 || w.MaxTokens != 8192 || w.MaxUSDMicros != 100_000 {
		t.Errorf("initial window = %+v", w)
	}
}

func TestReserveEnforcesTriplet(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock, nil)
	c.Attach(context.Background(), "s1")

	// Parallel dimension: initial window allows 4 concurrent.
	var releases []func()
	for i := 0; i < 4; i++ {
		rel, err := c.Reserve("s1", ports.Estimate{TokensIn: 10, TokensOut: 10})
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		releases = append(releases, rel)
	}
	_, err := c.Reserve("s1", ports.Estimate{})
	var ae *atperr.Error
	if !errors.As(err, &ae) || ae.Code != atperr.CodeWindow {
		t.Fatalf("err = %v, want EWINDOW", err)
	}
	if !ae.Retryable {
		t.Error("EWINDOW must be retryable")
	}

	// A release frees a parallel slot.
	releases[0]()
	if _, err := c.Reserve("s1", ports.Estimate{}); err != nil {
		t.Errorf("reserve after release: %v", err)
	}
}

func TestReserveEnforcesTokenBudget(t *testing.T) {
	c := testController(newFakeClock(), nil)
	c.Attach(context.Background(), "s1")

	if _, err := c.Reserve("s1", ports.Estimate{TokensIn: 4000, TokensOut: 4000}); err != nil {
		t.Fatal(err)
	}
	// Second request would cross the 8192 token interval budget.
	_, err := c.Reserve("s1", ports.Estimate{TokensIn: 200, TokensOut: 0})
	var ae *atperr.Error
	if !errors.As(err, &ae) || ae.Code != atperr.CodeWindow {
		t.Errorf("err = %v, want EWINDOW", err)
	}
}

func TestReserveEnforcesCostBudget(t *testing.T) {
	c := testController(newFakeClock(), nil)
	c.Attach(context.Background(), "s1")
	_, err := c.Reserve("s1", ports.Estimate{USDMicros: 100_001})
	var ae *atperr.Error
	if !errors.As(err, &ae) || ae.Code != atperr.CodeWindow {
		t.Errorf("err = %v, want EWINDOW", err)
	}
}

func TestAdditiveIncreasePerInterval(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock, nil)
	c.Attach(context.Background(), "s1")

	clock.Advance(time.Second)
	c.Adjust()
	w, _ := c.Window("s1")
	if w.MaxParallel != 5 {
		t.Errorf("parallel = %d, want 5", w.MaxParallel)
	}
	if w.MaxTokens != 8192+512 {
		t.Errorf("tokens = %d", w.MaxTokens)
	}
	if w.MaxUSDMicros != 100_000+1000 {
		t.Errorf("usd = %d", w.MaxUSDMicros)
	}
}

func TestIncreaseClampsAtMax(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock, nil)
	c.Attach(context.Background(), "s1")
	for i := 0; i < 200; i++ {
		clock.Advance(time.Second)
		c.Adjust()
	}
	w, _ := c.Window("s1")
	if w.MaxParallel != 64 {
		t.Errorf("parallel = %d, want max 64", w.MaxParallel)
	}
}

func TestBusyHalvesWindow(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock, nil)
	c.Attach(context.Background(), "s1")

	c.OnBusy("s1")
	w, _ := c.Window("s1")
	if w.MaxParallel != 2 || w.MaxTokens != 4096 || w.MaxUSDMicros != 50_000 {
		t.Errorf("window after BUSY = %+v", w)
	}
}

func TestBusyGraceCollapsesRepeats(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock, nil)
	c.Attach(context.Background(), "s1")

	c.OnBusy("s1")
	c.OnBusy("s1") // inside 200ms grace: ignored
	w, _ := c.Window("s1")
	if w.MaxParallel != 2 {
		t.Errorf("parallel = %d, want 2 (single decrease)", w.MaxParallel)
	}

	clock.Advance(250 * time.Millisecond)
	c.OnBusy("s1")
	w, _ = c.Window("s1")
	if w.MaxParallel != 1 {
		t.Errorf("parallel = %d, want 1 after grace expired", w.MaxParallel)
	}
}

func TestCongestionDecreasesAtNextAdjust(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock, nil)
	c.Attach(context.Background(), "s1")

	c.OnCongestion("s1")
	w, _ := c.Window("s1")
	if w.MaxParallel != 4 {
		t.Error("congestion applied before adjustment interval")
	}
	clock.Advance(time.Second)
	c.Adjust()
	w, _ = c.Window("s1")
	if w.MaxParallel != 2 {
		t.Errorf("parallel = %d, want 2", w.MaxParallel)
	}

	// Signal is consumed; the next interval grows again.
	clock.Advance(time.Second)
	c.Adjust()
	w, _ = c.Window("s1")
	if w.MaxParallel != 3 {
		t.Errorf("parallel = %d, want 3", w.MaxParallel)
	}
}

func TestRepeatedCongestionMarksHalveOncePerInterval(t *testing.T) {
	clock := newFakeClock()
	rec := &emitRecorder{}
	c := testController(clock, rec)
	c.Attach(context.Background(), "s1")

	// A burst of marks within one interval collapses to a single halving.
	for i := 0; i < 5; i++ {
		c.OnCongestion("s1")
	}
	clock.Advance(time.Second)
	c.Adjust()
	w, _ := c.Window("s1")
	if w.MaxParallel != 2 || w.MaxTokens != 4096 {
		t.Fatalf("window after marked burst = %+v, want one halving", w)
	}
	if rec.count() == 0 {
		t.Error("halving not advertised to the peer")
	}

	// Sustained congestion walks the window down to the floor and no further.
	for i := 0; i < 6; i++ {
		c.OnCongestion("s1")
		clock.Advance(time.Second)
		c.Adjust()
	}
	min := config.DefaultConfig().Flow.MinWindow
	w, _ = c.Window("s1")
	if w.MaxParallel != min.MaxParallel || w.MaxTokens != min.MaxTokens || w.MaxUSDMicros != min.MaxUSDMicros {
		t.Errorf("window = %+v, want floor %+v", w, min)
	}
}

func TestDecreaseClampsAtMin(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock, nil)
	c.Attach(context.Background(), "s1")
	for i := 0; i < 10; i++ {
		clock.Advance(300 * time.Millisecond)
		c.OnBusy("s1")
	}
	w, _ := c.Window("s1")
	if w.MaxParallel != 1 || w.MaxTokens != 256 || w.MaxUSDMicros != 1000 {
		t.Errorf("window = %+v, want min clamp", w)
	}
}

func TestEmitOnLargeDelta(t *testing.T) {
	clock := newFakeClock()
	rec := &emitRecorder{}
	c := testController(clock, rec)
	c.Attach(context.Background(), "s1")

	// Halving is a 50% delta: emitted immediately regardless of interval.
	c.OnBusy("s1")
	if rec.count() != 1 {
		t.Fatalf("emits = %d, want 1", rec.count())
	}
	if rec.last().MaxParallel != 2 {
		t.Errorf("emitted window = %+v", rec.last())
	}
}

func TestSmallDeltaThrottledByInterval(t *testing.T) {
	clock := newFakeClock()
	cfg := config.DefaultConfig().Flow
	cfg.InitialWindow = config.WindowConfig{MaxParallel: 40, MaxTokens: 100_000, MaxUSDMicros: 10_000_000}
	rec := &emitRecorder{}
	c := New(cfg, clock, metrics.New(), nil, rec.emit)
	c.Attach(context.Background(), "s1")

	// +1 parallel on 40 is 2.5%, under the 10% delta gate, and the clock has
	// not moved past the 250ms minimum interval.
	c.Adjust()
	if rec.count() != 0 {
		t.Fatalf("small delta emitted %d updates", rec.count())
	}

	// After the minimum interval the accumulated change goes out.
	clock.Advance(300 * time.Millisecond)
	c.Adjust()
	if rec.count() != 1 {
		t.Errorf("emits = %d, want 1 after min interval", rec.count())
	}
}

func TestIdlePruning(t *testing.T) {
	clock := newFakeClock()
	cfg := config.DefaultConfig().Flow
	cfg.IdleTTL = time.Minute
	c := New(cfg, clock, metrics.New(), nil, nil)
	c.Attach(context.Background(), "s1")

	clock.Advance(2 * time.Minute)
	c.Adjust()
	if _, ok := c.Window("s1"); ok {
		t.Error("idle session not pruned")
	}
}

type memBackend struct {
	mu sync.Mutex
	m  map[string]protocol.Window
}

func (b *memBackend) Load(_ context.Context, sid string) (protocol.Window, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.m[sid]
	return w, ok, nil
}

func (b *memBackend) Store(_ context.Context, sid string, w protocol.Window) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[sid] = w
	return nil
}

func (b *memBackend) Delete(_ context.Context, sid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, sid)
	return nil
}

func TestBackendRoundTrip(t *testing.T) {
	clock := newFakeClock()
	cfg := config.DefaultConfig().Flow
	backend := &memBackend{m: make(map[string]protocol.Window)}
	c := New(cfg, clock, metrics.New(), backend, nil)

	c.Attach(context.Background(), "s1")
	clock.Advance(time.Second)
	c.Adjust() // grow to 5 parallel
	c.Detach(context.Background(), "s1")

	// A new controller instance restores the learned window.
	c2 := New(cfg, clock, metrics.New(), backend, nil)
	w := c2.Attach(context.Background(), "s1")
	if w.MaxParallel != 5 {
		t.Errorf("restored parallel = %d, want 5", w.MaxParallel)
	}
}
