package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/stagectl"
)

// IdleFunc is called when the last in-flight run finishes.
type IdleFunc func(ctx context.Context) error

// Tracker counts in-flight runs and signals when processing drains to zero.
type Tracker struct {
	inFlight atomic.Int64
	logger   stagectl.Logger

	mu     sync.RWMutex
	onIdle IdleFunc
}

// NewTracker creates a processing tracker.
func NewTracker(logger stagectl.Logger) *Tracker {
	return &Tracker{logger: stagectl.LoggerOrNop(logger)}
}

// OnIdle sets the function called when processing drains.
func (t *Tracker) OnIdle(fn IdleFunc) {
	t.mu.Lock()
	t.onIdle = fn
	t.mu.Unlock()
}

// Begin records the start of a run.
func (t *Tracker) Begin() {
	t.inFlight.Add(1)
}

// End records the end of a run. The run that brings the count to zero
// delivers the idle signal.
func (t *Tracker) End(ctx context.Context) {
	if t.inFlight.Add(-1) != 0 {
		return
	}
	t.mu.RLock()
	fn := t.onIdle
	t.mu.RUnlock()
	if fn == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		t.logger.Error("Processing finished handler failed", "error", err)
	}
}

// Active reports whether any run is in flight.
func (t *Tracker) Active() bool { return t.inFlight.Load() > 0 }

// InFlight returns the number of runs in flight.
func (t *Tracker) InFlight() int64 { return t.inFlight.Load() }

// Idle reports whether no run is in flight. It matches the idle probe
// signature accepted by the configuration service.
func (t *Tracker) Idle() bool { return !t.Active() }
