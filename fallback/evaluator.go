// Package fallback resolves a usable module for a stage when the configured
// one is unavailable at selection time or fails during invocation. A failure
// is always scoped to the single stage invocation it happened in.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/registry"
	"github.com/GoCodeAlone/stagectl/stage"
)

const eventSource = "stagectl.fallback"

// Trigger is a condition under which a policy substitutes a module.
type Trigger string

const (
	TriggerUnavailableAtStartup Trigger = "unavailable_at_startup"
	TriggerInvocationFailure    Trigger = "invocation_failure"
)

// Action is what a policy does when triggered.
type Action string

const (
	ActionSubstituteAndWarn Action = "substitute_and_warn"
	ActionFailStage         Action = "fail_stage"
)

// Outcomes reported on fallback events.
const (
	OutcomeSubstituted = "substituted"
	OutcomeRecovered   = "recovered"
	OutcomeFailed      = "failed"
)

// Policy is the fallback rule set of one stage.
type Policy struct {
	StageID string `json:"stageId"`
	// FallbackModuleID names the substitute. Empty means the module flagged
	// as fallback for the stage's contract.
	FallbackModuleID string `json:"fallbackModuleId,omitempty"`
	// Triggers lists the conditions that apply. Empty means all of them.
	Triggers []Trigger `json:"triggers,omitempty"`
	Action   Action    `json:"action"`
}

// Triggered reports whether the policy reacts to t.
func (p Policy) Triggered(t Trigger) bool {
	if len(p.Triggers) == 0 {
		return true
	}
	for _, x := range p.Triggers {
		if x == t {
			return true
		}
	}
	return false
}

// DefaultPolicy is used for stages without an explicit policy.
func DefaultPolicy(stageID string) Policy {
	return Policy{StageID: stageID, Action: ActionSubstituteAndWarn}
}

// ModuleSource is the part of the module registry the evaluator reads.
type ModuleSource interface {
	Get(id string) (registry.Module, error)
	FallbackForStage(stageID string) (registry.Module, bool, error)
}

// StageSource resolves stages.
type StageSource interface {
	Get(id string) (stage.Stage, error)
}

// Resolved is the module chosen for a stage.
type Resolved struct {
	StageID            string `json:"stageId"`
	ModuleID           string `json:"moduleId"`
	ConfiguredModuleID string `json:"configuredModuleId"`
	Substituted        bool   `json:"substituted"`
}

// InvokeFunc runs the stage logic with the given module.
type InvokeFunc func(ctx context.Context, moduleID string) (any, error)

// Outcome is the result of one stage invocation.
type Outcome struct {
	StageID      string `json:"stageId"`
	ModuleID     string `json:"moduleId"`
	Output       any    `json:"output,omitempty"`
	FallbackUsed bool   `json:"fallbackUsed"`
	// Err is a *stagectl.StageFailure when the stage failed.
	Err error `json:"-"`
}

// Failed reports whether the invocation produced no usable output.
func (o Outcome) Failed() bool { return o.Err != nil }

// Evaluator applies fallback policies.
type Evaluator struct {
	modules  ModuleSource
	stages   StageSource
	breakers *Breakers

	mu       sync.RWMutex
	policies map[string]Policy

	logger  stagectl.Logger
	emitter stagectl.Emitter
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithPolicies sets explicit per-stage policies.
func WithPolicies(ps ...Policy) Option {
	return func(e *Evaluator) {
		for _, p := range ps {
			e.policies[p.StageID] = p
		}
	}
}

// WithBreakers enables per-module circuit breaking.
func WithBreakers(b *Breakers) Option {
	return func(e *Evaluator) { e.breakers = b }
}

// WithLogger sets the evaluator logger.
func WithLogger(l stagectl.Logger) Option {
	return func(e *Evaluator) { e.logger = stagectl.LoggerOrNop(l) }
}

// WithEmitter sets the observability emitter.
func WithEmitter(em stagectl.Emitter) Option {
	return func(e *Evaluator) { e.emitter = stagectl.EmitterOrNop(em) }
}

// NewEvaluator creates a fallback evaluator.
func NewEvaluator(modules ModuleSource, stages StageSource, opts ...Option) *Evaluator {
	e := &Evaluator{
		modules:  modules,
		stages:   stages,
		policies: make(map[string]Policy),
		logger:   stagectl.NopLogger(),
		emitter:  stagectl.NopEmitter(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPolicy installs or replaces the policy of a stage.
func (e *Evaluator) SetPolicy(p Policy) error {
	if _, err := e.stages.Get(p.StageID); err != nil {
		return fmt.Errorf("fallback policy: %w", err)
	}
	switch p.Action {
	case ActionSubstituteAndWarn, ActionFailStage:
	case "":
		p.Action = ActionSubstituteAndWarn
	default:
		return fmt.Errorf("fallback policy for stage %s: unknown action %q", p.StageID, p.Action)
	}
	e.mu.Lock()
	e.policies[p.StageID] = p
	e.mu.Unlock()
	return nil
}

// Policy returns the effective policy of a stage.
func (e *Evaluator) Policy(stageID string) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.policies[stageID]; ok {
		return p
	}
	return DefaultPolicy(stageID)
}

// Usable reports whether a module is available and its circuit is not open.
func (e *Evaluator) Usable(moduleID string) bool {
	m, err := e.modules.Get(moduleID)
	if err != nil || !m.Available {
		return false
	}
	if e.breakers != nil && e.breakers.For(moduleID).IsOpen() {
		return false
	}
	return true
}

// ResolveAtStartup returns the configured module when usable, otherwise the
// stage's fallback with a warning event. Without an applicable fallback it
// returns a *stagectl.NoModuleAvailableError scoped to this stage.
func (e *Evaluator) ResolveAtStartup(ctx context.Context, stageID, configuredModuleID string) (Resolved, error) {
	res := Resolved{StageID: stageID, ModuleID: configuredModuleID, ConfiguredModuleID: configuredModuleID}
	if e.Usable(configuredModuleID) {
		return res, nil
	}

	p := e.Policy(stageID)
	noModule := &stagectl.NoModuleAvailableError{StageID: stageID, ModuleID: configuredModuleID}
	if p.Action == ActionFailStage || !p.Triggered(TriggerUnavailableAtStartup) {
		e.emitFailure(ctx, stageID, configuredModuleID, noModule)
		return res, noModule
	}

	fb, ok := e.fallbackFor(stageID, p, configuredModuleID)
	if !ok {
		e.emitFailure(ctx, stageID, configuredModuleID, noModule)
		return res, noModule
	}

	res.ModuleID = fb
	res.Substituted = true
	e.logger.Warn("Module unavailable, substituting fallback", "stage", stageID, "module", configuredModuleID, "fallback", fb)
	stagectl.SafeEmit(ctx, e.emitter, e.logger, stagectl.Event{
		Kind:               stagectl.EventKindFallback,
		Level:              stagectl.LevelWarn,
		Source:             eventSource,
		Message:            "Module unavailable, substituting fallback",
		StageID:            stageID,
		ModuleID:           configuredModuleID,
		SubstituteModuleID: fb,
		Outcome:            OutcomeSubstituted,
		Data:               map[string]any{"trigger": string(TriggerUnavailableAtStartup)},
	})
	return res, nil
}

// Invoke runs the stage with moduleID and, if it fails, offers the failure
// to ResolveOnFailure. Breakers record every attempt.
func (e *Evaluator) Invoke(ctx context.Context, stageID, moduleID string, invoke InvokeFunc) Outcome {
	out, err := invoke(ctx, moduleID)
	e.record(moduleID, err)
	if err == nil {
		return Outcome{StageID: stageID, ModuleID: moduleID, Output: out}
	}
	return e.ResolveOnFailure(ctx, stageID, moduleID, err, invoke)
}

// ResolveOnFailure handles a failed invocation. When the policy reacts to
// invocation failures and a usable fallback exists, the stage is invoked
// again with it. Otherwise the outcome is a StageFailure for this stage only.
func (e *Evaluator) ResolveOnFailure(ctx context.Context, stageID, moduleID string, failure error, invoke InvokeFunc) Outcome {
	fail := func(err error, fallbackUsed bool, by string) Outcome {
		sf := &stagectl.StageFailure{StageID: stageID, ModuleID: by, Cause: err}
		e.emitFailure(ctx, stageID, by, sf)
		return Outcome{StageID: stageID, ModuleID: by, FallbackUsed: fallbackUsed, Err: sf}
	}

	// A cancelled run is not a module failure.
	if ctx.Err() != nil || errors.Is(failure, context.Canceled) {
		return fail(failure, false, moduleID)
	}

	p := e.Policy(stageID)
	if p.Action == ActionFailStage || !p.Triggered(TriggerInvocationFailure) || invoke == nil {
		return fail(failure, false, moduleID)
	}
	fb, ok := e.fallbackFor(stageID, p, moduleID)
	if !ok {
		return fail(failure, false, moduleID)
	}

	e.logger.Warn("Module failed, retrying with fallback", "stage", stageID, "module", moduleID, "fallback", fb, "error", failure)
	out, err := invoke(ctx, fb)
	e.record(fb, err)
	if err != nil {
		stagectl.SafeEmit(ctx, e.emitter, e.logger, stagectl.Event{
			Kind:               stagectl.EventKindFallback,
			Level:              stagectl.LevelError,
			Source:             eventSource,
			Message:            "Module failed, fallback failed",
			StageID:            stageID,
			ModuleID:           moduleID,
			SubstituteModuleID: fb,
			Outcome:            OutcomeFailed,
			Error:              err.Error(),
			Data:               map[string]any{"trigger": string(TriggerInvocationFailure), "cause": failure.Error()},
		})
		return fail(fmt.Errorf("fallback %s after %v: %w", fb, failure, err), true, fb)
	}

	stagectl.SafeEmit(ctx, e.emitter, e.logger, stagectl.Event{
		Kind:               stagectl.EventKindFallback,
		Level:              stagectl.LevelWarn,
		Source:             eventSource,
		Message:            "Module failed, fallback succeeded",
		StageID:            stageID,
		ModuleID:           moduleID,
		SubstituteModuleID: fb,
		Outcome:            OutcomeRecovered,
		Error:              failure.Error(),
		Data:               map[string]any{"trigger": string(TriggerInvocationFailure)},
	})
	return Outcome{StageID: stageID, ModuleID: fb, Output: out, FallbackUsed: true}
}

// fallbackFor picks the substitute for a stage, skipping the failed module
// itself and anything unusable.
func (e *Evaluator) fallbackFor(stageID string, p Policy, exclude string) (string, bool) {
	id := p.FallbackModuleID
	if id == "" {
		m, ok, err := e.modules.FallbackForStage(stageID)
		if err != nil || !ok {
			return "", false
		}
		id = m.ID
	} else if !e.satisfiesStage(stageID, id) {
		e.logger.Error("Fallback module does not satisfy stage contract", "stage", stageID, "fallback", id)
		return "", false
	}
	if id == exclude || !e.Usable(id) {
		return "", false
	}
	return id, true
}

func (e *Evaluator) satisfiesStage(stageID, moduleID string) bool {
	st, err := e.stages.Get(stageID)
	if err != nil {
		return false
	}
	m, err := e.modules.Get(moduleID)
	if err != nil {
		return false
	}
	return m.ContractID == st.ContractID
}

func (e *Evaluator) record(moduleID string, err error) {
	if e.breakers == nil {
		return
	}
	cb := e.breakers.For(moduleID)
	if err == nil {
		if cb.RecordSuccess() {
			e.logger.Info("Module circuit closed", "module", moduleID)
		}
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	if cb.RecordFailure() {
		e.logger.Warn("Module circuit opened", "module", moduleID)
	}
}

func (e *Evaluator) emitFailure(ctx context.Context, stageID, moduleID string, err error) {
	e.logger.Error("Stage failed", "stage", stageID, "module", moduleID, "error", err)
	stagectl.SafeEmit(ctx, e.emitter, e.logger, stagectl.Event{
		Kind:     stagectl.EventKindFailure,
		Level:    stagectl.LevelError,
		Source:   eventSource,
		Message:  "Stage failed",
		StageID:  stageID,
		ModuleID: moduleID,
		Error:    err.Error(),
	})
}
