// Package pipeline executes document runs against the Active configuration.
// Each run captures one immutable snapshot at start, resolves every stage
// through the fallback evaluator and isolates failures to the stage they
// occur in.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/configuration"
	"github.com/GoCodeAlone/stagectl/contract"
	"github.com/GoCodeAlone/stagectl/fallback"
	"github.com/GoCodeAlone/stagectl/registry"
	"github.com/GoCodeAlone/stagectl/stage"
)

const eventSource = "stagectl.pipeline"

// ErrNoActiveConfiguration is returned when a run starts before any
// configuration has been activated.
var ErrNoActiveConfiguration = fmt.Errorf("no active configuration: %w", stagectl.ErrInvalidState)

// ErrModulePanic wraps a recovered module panic.
var ErrModulePanic = errors.New("module panicked")

// SnapshotSource returns the current Active snapshot.
type SnapshotSource interface {
	Snapshot() *configuration.Configuration
}

// StageSource lists stages in pipeline order.
type StageSource interface {
	List() []stage.Stage
}

// InvokerSource returns module invocation handles.
type InvokerSource interface {
	Invoker(id string) (registry.Invoker, error)
}

// SchemaChecker validates values against contract schemas.
type SchemaChecker interface {
	Validate(contractID string, part contract.Part, v any) error
}

// StageResult is the outcome of one stage in a run.
type StageResult struct {
	StageID            string        `json:"stageId"`
	ConfiguredModuleID string        `json:"configuredModuleId,omitempty"`
	ModuleID           string        `json:"moduleId,omitempty"`
	FallbackUsed       bool          `json:"fallbackUsed"`
	Skipped            bool          `json:"skipped,omitempty"`
	Output             any           `json:"output,omitempty"`
	Error              string        `json:"error,omitempty"`
	Duration           time.Duration `json:"duration"`

	Err error `json:"-"`
}

// Failed reports whether the stage produced no output.
func (r StageResult) Failed() bool { return r.Err != nil }

// RunResult collects per-stage results. A failed stage never aborts the run.
type RunResult struct {
	RunID                string        `json:"runId"`
	ConfigurationVersion int64         `json:"configurationVersion"`
	StartedAt            time.Time     `json:"startedAt"`
	FinishedAt           time.Time     `json:"finishedAt"`
	Stages               []StageResult `json:"stages"`
	// Output is the output of the last stage that succeeded.
	Output any `json:"output,omitempty"`
}

// Failures returns the failed stages.
func (r RunResult) Failures() []StageResult {
	var out []StageResult
	for _, s := range r.Stages {
		if s.Failed() {
			out = append(out, s)
		}
	}
	return out
}

// Err joins the stage failures, or returns nil.
func (r RunResult) Err() error {
	var errs []error
	for _, s := range r.Stages {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

// Stage returns the result for a stage.
func (r RunResult) Stage(id string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.StageID == id {
			return s, true
		}
	}
	return StageResult{}, false
}

// Runner executes runs.
type Runner struct {
	active    SnapshotSource
	stages    StageSource
	modules   InvokerSource
	evaluator *fallback.Evaluator
	schemas   SchemaChecker
	tracker   *Tracker

	stageTimeout time.Duration
	logger       stagectl.Logger
	emitter      stagectl.Emitter
	now          func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithSchemas enables contract input and output checks.
func WithSchemas(s SchemaChecker) Option {
	return func(r *Runner) { r.schemas = s }
}

// WithTracker counts runs so queued activations apply when processing drains.
func WithTracker(t *Tracker) Option {
	return func(r *Runner) { r.tracker = t }
}

// WithStageTimeout bounds each module invocation. Zero means no bound.
func WithStageTimeout(d time.Duration) Option {
	return func(r *Runner) { r.stageTimeout = d }
}

// WithLogger sets the runner logger.
func WithLogger(l stagectl.Logger) Option {
	return func(r *Runner) { r.logger = stagectl.LoggerOrNop(l) }
}

// WithEmitter sets the observability emitter.
func WithEmitter(e stagectl.Emitter) Option {
	return func(r *Runner) { r.emitter = stagectl.EmitterOrNop(e) }
}

// NewRunner creates a runner.
func NewRunner(active SnapshotSource, stages StageSource, modules InvokerSource, evaluator *fallback.Evaluator, opts ...Option) *Runner {
	r := &Runner{
		active:    active,
		stages:    stages,
		modules:   modules,
		evaluator: evaluator,
		logger:    stagectl.NopLogger(),
		emitter:   stagectl.NopEmitter(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes input through every selected stage of the Active
// configuration captured at start. Each stage receives the output of the
// last stage that succeeded, or input for the first stage. Stage failures
// are reported in the result; the returned error is reserved for runs that
// could not start.
func (r *Runner) Run(ctx context.Context, input any) (RunResult, error) {
	if r.tracker != nil {
		r.tracker.Begin()
		defer r.tracker.End(ctx)
	}

	snap := r.active.Snapshot()
	if snap == nil {
		return RunResult{}, ErrNoActiveConfiguration
	}

	res := RunResult{
		RunID:                stagectl.NewID(),
		ConfigurationVersion: snap.Version,
		StartedAt:            r.now(),
	}
	current := input
	for _, st := range r.stages.List() {
		sr := r.runStage(ctx, res.RunID, snap, st, current)
		if !sr.Failed() && !sr.Skipped {
			current = sr.Output
			res.Output = sr.Output
		}
		res.Stages = append(res.Stages, sr)
	}
	res.FinishedAt = r.now()

	if failures := res.Failures(); len(failures) > 0 {
		r.logger.Warn("Run finished with stage failures", "run", res.RunID, "version", snap.Version, "failed", len(failures))
	} else {
		r.logger.Debug("Run finished", "run", res.RunID, "version", snap.Version)
	}
	return res, nil
}

func (r *Runner) runStage(ctx context.Context, runID string, snap *configuration.Configuration, st stage.Stage, input any) (sr StageResult) {
	start := r.now()
	sr = StageResult{StageID: st.ID}
	defer func() { sr.Duration = r.now().Sub(start) }()

	sel, ok := snap.Selection(st.ID)
	if !ok {
		sr.Skipped = true
		return sr
	}
	sr.ConfiguredModuleID = sel.ModuleID

	if err := ctx.Err(); err != nil {
		return r.fail(ctx, sr, sel.ModuleID, err)
	}

	resolved, err := r.evaluator.ResolveAtStartup(ctx, st.ID, sel.ModuleID)
	if err != nil {
		sr.Err = err
		sr.Error = err.Error()
		return sr
	}
	sr.ModuleID = resolved.ModuleID
	sr.FallbackUsed = resolved.Substituted
	stagectl.SafeEmit(ctx, r.emitter, r.logger, stagectl.Event{
		Kind:                 stagectl.EventKindSelection,
		Level:                stagectl.LevelDebug,
		Source:               eventSource,
		Message:              "Module selected",
		StageID:              st.ID,
		ModuleID:             resolved.ModuleID,
		ConfigurationVersion: snap.Version,
		Data:                 map[string]any{"runId": runID, "configuredModuleId": sel.ModuleID, "substituted": resolved.Substituted},
	})

	if r.schemas != nil {
		if err := r.schemas.Validate(st.ContractID, contract.PartInput, input); err != nil {
			// No substitute can fix a malformed input.
			return r.fail(ctx, sr, resolved.ModuleID, fmt.Errorf("stage input: %w", err))
		}
	}

	out := r.evaluator.Invoke(ctx, st.ID, resolved.ModuleID, r.invokeFunc(st, sel, input))
	sr.ModuleID = out.ModuleID
	sr.FallbackUsed = sr.FallbackUsed || out.FallbackUsed
	if out.Failed() {
		sr.Err = out.Err
		sr.Error = out.Err.Error()
		return sr
	}
	sr.Output = out.Output
	return sr
}

// invokeFunc calls one module for a stage with timeout, panic recovery and
// an output contract check. A malformed output counts as a module failure.
func (r *Runner) invokeFunc(st stage.Stage, sel configuration.Selection, input any) fallback.InvokeFunc {
	type result struct {
		output any
		err    error
	}
	return func(ctx context.Context, moduleID string) (any, error) {
		inv, err := r.modules.Invoker(moduleID)
		if err != nil {
			return nil, err
		}
		if r.stageTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.stageTimeout)
			defer cancel()
		}
		ctx = WithSettings(ctx, sel.Settings)

		done := make(chan result, 1)
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Module panicked", "stage", st.ID, "module", moduleID, "panic", rec)
					done <- result{err: fmt.Errorf("%w: %v", ErrModulePanic, rec)}
				}
			}()
			out, err := inv.Invoke(ctx, input)
			done <- result{output: out, err: err}
		}()

		var res result
		select {
		case res = <-done:
		case <-ctx.Done():
			return nil, fmt.Errorf("module %s: %w", moduleID, ctx.Err())
		}
		if res.err != nil {
			return nil, res.err
		}
		if r.schemas != nil {
			if err := r.schemas.Validate(st.ContractID, contract.PartOutput, res.output); err != nil {
				return nil, fmt.Errorf("module %s output: %w", moduleID, err)
			}
		}
		return res.output, nil
	}
}

func (r *Runner) fail(ctx context.Context, sr StageResult, moduleID string, err error) StageResult {
	sf := &stagectl.StageFailure{StageID: sr.StageID, ModuleID: moduleID, Cause: err}
	sr.ModuleID = moduleID
	sr.Err = sf
	sr.Error = sf.Error()
	r.logger.Error("Stage failed", "stage", sr.StageID, "module", moduleID, "error", err)
	stagectl.SafeEmit(ctx, r.emitter, r.logger, stagectl.Event{
		Kind:     stagectl.EventKindFailure,
		Level:    stagectl.LevelError,
		Source:   eventSource,
		Message:  "Stage failed",
		StageID:  sr.StageID,
		ModuleID: moduleID,
		Error:    err.Error(),
	})
	return sr
}

type settingsKey struct{}

// WithSettings attaches the stage selection's settings to ctx.
func WithSettings(ctx context.Context, settings map[string]any) context.Context {
	return context.WithValue(ctx, settingsKey{}, settings)
}

// SettingsFrom returns the selection settings a module was invoked with.
func SettingsFrom(ctx context.Context) map[string]any {
	s, _ := ctx.Value(settingsKey{}).(map[string]any)
	return s
}
