// Package health probes bound module handles on a cron schedule and feeds
// the results into the module registry's availability flags.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/registry"
)

// Static errors for the health package
var (
	ErrProberAlreadyStarted = errors.New("prober already started")
	ErrProberNotStarted     = errors.New("prober not started")
	ErrInvalidSchedule      = errors.New("invalid probe schedule")
)

const (
	DefaultSchedule    = "@every 30s"
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 4
)

// ProbeSource lists the health checkers of bound modules keyed by module id.
type ProbeSource interface {
	Probes() map[string]registry.HealthChecker
}

// HealthTarget records probe outcomes. Implementations may ignore a result,
// for example when an operator has pinned the module's availability.
type HealthTarget interface {
	ReportHealth(ctx context.Context, id string, healthy bool) error
}

// Result is the outcome of one probe.
type Result struct {
	ModuleID  string        `json:"moduleId"`
	Available bool          `json:"available"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// Prober runs module health checks.
type Prober struct {
	source ProbeSource
	target HealthTarget

	schedule    string
	timeout     time.Duration
	concurrency int
	logger      stagectl.Logger
	now         func() time.Time

	mu     sync.RWMutex
	cron   *cron.Cron
	cancel context.CancelFunc
	last   map[string]Result
}

// Option configures a Prober.
type Option func(*Prober)

// WithSchedule sets the cron spec. Standard five-field specs and
// descriptors such as "@every 1m" are accepted.
func WithSchedule(spec string) Option {
	return func(p *Prober) {
		if spec != "" {
			p.schedule = spec
		}
	}
}

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithConcurrency limits how many probes run at once.
func WithConcurrency(n int) Option {
	return func(p *Prober) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger sets the prober logger.
func WithLogger(l stagectl.Logger) Option {
	return func(p *Prober) { p.logger = stagectl.LoggerOrNop(l) }
}

// NewProber creates a prober reading checkers from source and writing
// availability to target.
func NewProber(source ProbeSource, target HealthTarget, opts ...Option) *Prober {
	p := &Prober{
		source:      source,
		target:      target,
		schedule:    DefaultSchedule,
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		logger:      stagectl.NopLogger(),
		now:         time.Now,
		last:        make(map[string]Result),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ValidateSchedule reports whether spec parses as a cron schedule.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w '%s': %w", ErrInvalidSchedule, spec, err)
	}
	return nil
}

// Start schedules probing. The first round runs on the first tick.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return ErrProberAlreadyStarted
	}
	if err := ValidateSchedule(p.schedule); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New()
	_, err := c.AddFunc(p.schedule, func() {
		if _, err := p.RunOnce(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("Health probe round failed", "error", err)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("%w '%s': %w", ErrInvalidSchedule, p.schedule, err)
	}
	c.Start()

	p.cron = c
	p.cancel = cancel
	p.logger.Info("Health prober started", "schedule", p.schedule, "timeout", p.timeout, "concurrency", p.concurrency)
	return nil
}

// Stop cancels scheduling and waits for a running round to finish, bounded by ctx.
func (p *Prober) Stop(ctx context.Context) error {
	p.mu.Lock()
	c, cancel := p.cron, p.cancel
	p.cron, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return ErrProberNotStarted
	}

	cancel()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return fmt.Errorf("waiting for health probes: %w", ctx.Err())
	}
	p.logger.Info("Health prober stopped")
	return nil
}

// RunOnce probes every bound module that can report its health and records
// the availability of each. A module whose probe fails or times out is
// marked unavailable. Errors from the availability target are joined.
func (p *Prober) RunOnce(ctx context.Context) ([]Result, error) {
	probes := p.source.Probes()
	ids := make([]string, 0, len(probes))
	for id := range probes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = p.probe(gctx, id, probes[id])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var errs []error
	p.mu.Lock()
	for _, r := range results {
		p.last[r.ModuleID] = r
	}
	p.mu.Unlock()
	for _, r := range results {
		if err := p.target.ReportHealth(ctx, r.ModuleID, r.Available); err != nil {
			errs = append(errs, fmt.Errorf("module %s: %w", r.ModuleID, err))
		}
	}
	return results, errors.Join(errs...)
}

func (p *Prober) probe(ctx context.Context, id string, hc registry.HealthChecker) (r Result) {
	start := p.now()
	r = Result{ModuleID: id, CheckedAt: start}
	defer func() { r.Duration = p.now().Sub(start) }()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("probe panicked: %v", rec)
			}
		}()
		done <- hc.HealthCheck(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		r.Error = err.Error()
		p.logger.Debug("Health probe failed", "module", id, "error", err)
		return r
	}
	r.Available = true
	return r
}

// Last returns the most recent result per module, ordered by module id.
func (p *Prober) Last() []Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Result, 0, len(p.last))
	for _, r := range p.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}
