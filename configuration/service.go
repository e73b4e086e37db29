package configuration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/stagectl"
)

const eventSource = "stagectl.configuration"

// Service owns configuration history and the single Active pointer.
//
// Every mutation runs under one writer lock, so at most one activation is
// ever applied at a time. Reads of the Active configuration go through an
// atomically swapped immutable snapshot and never wait for writers.
type Service struct {
	writeMu sync.Mutex

	mu      sync.RWMutex
	configs []Configuration // index is version-1
	events  []ChangeEvent

	active atomic.Pointer[Configuration]
	queue  activationQueue

	validator *Validator
	persister Persister
	idle      func() bool
	logger    stagectl.Logger
	emitter   stagectl.Emitter
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l stagectl.Logger) Option {
	return func(s *Service) { s.logger = stagectl.LoggerOrNop(l) }
}

// WithEmitter sets the observability emitter.
func WithEmitter(e stagectl.Emitter) Option {
	return func(s *Service) { s.emitter = stagectl.EmitterOrNop(e) }
}

// WithPersister makes every mutation durable before it becomes visible.
func WithPersister(p Persister) Option {
	return func(s *Service) { s.persister = p }
}

// WithIdleProbe lets the service apply a freshly queued activation at once
// when probe reports that no processing is running; the result then reports
// the activation as applied.
func WithIdleProbe(probe func() bool) Option {
	return func(s *Service) { s.idle = probe }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a configuration service with empty history.
func NewService(v *Validator, opts ...Option) *Service {
	s := &Service{
		validator: v,
		logger:    stagectl.NopLogger(),
		emitter:   stagectl.NopEmitter(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore replaces in-memory history with the persisted state. It refuses
// state in which more than one configuration is Active.
func (s *Service) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	st, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration history: %w", err)
	}
	if err := CheckState(st); err != nil {
		return err
	}

	configs := make([]Configuration, len(st.Configurations))
	for _, c := range st.Configurations {
		configs[c.Version-1] = c.Clone()
	}

	s.mu.Lock()
	s.configs = configs
	s.events = append([]ChangeEvent(nil), st.Events...)
	if st.ActiveVersion > 0 {
		snap := configs[st.ActiveVersion-1].Clone()
		s.active.Store(&snap)
	} else {
		s.active.Store(nil)
	}
	s.mu.Unlock()

	s.logger.Info("Configuration history restored", "versions", len(configs), "events", len(st.Events), "active", st.ActiveVersion)
	return nil
}

// CreateDraft stores selections as a new Draft version.
func (s *Service) CreateDraft(ctx context.Context, selections []Selection, creator, summary string) (Configuration, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	c := Configuration{
		Version:    int64(len(s.configs)) + 1,
		Status:     StatusDraft,
		CreatedBy:  creator,
		CreatedAt:  s.now(),
		Summary:    summary,
		Selections: cloneSelections(selections),
	}
	if c.Selections == nil {
		c.Selections = []Selection{}
	}
	if err := s.commit(ctx, []Configuration{c}, nil, nil); err != nil {
		return Configuration{}, err
	}
	s.logger.Info("Configuration draft created", "version", c.Version, "creator", creator, "selections", len(c.Selections))
	return c.Clone(), nil
}

// ValidateDraft validates a Draft. On success it becomes Validated; on
// failure it becomes Rejected and the returned error is a
// *stagectl.ValidationError naming every violation.
func (s *Service) ValidateDraft(ctx context.Context, version int64, actor string) (Configuration, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	c, err := s.lookupLocked(version)
	if err != nil {
		return Configuration{}, err
	}
	if c.Status != StatusDraft {
		return c.Clone(), fmt.Errorf("validate configuration %d: status is %s: %w", version, c.Status, stagectl.ErrInvalidState)
	}
	return s.validateLocked(ctx, c, actor, ActionValidate, "")
}

func (s *Service) validateLocked(ctx context.Context, c Configuration, actor string, acceptAction Action, acceptMsg string) (Configuration, error) {
	res := s.validator.Validate(c.Selections)
	now := s.now()
	next := c.Clone()

	if res.OK() {
		next.Status = StatusValidated
		next.ValidatedAt = now
		ev := ChangeEvent{ConfigurationVersion: c.Version, Action: acceptAction, Actor: actor, Outcome: OutcomeAccepted, Message: acceptMsg}
		if err := s.commit(ctx, []Configuration{next}, []ChangeEvent{ev}, nil); err != nil {
			return c.Clone(), err
		}
		s.logger.Info("Configuration validated", "version", c.Version, "actor", actor)
		s.emit(ctx, stagectl.Event{
			Kind:                 stagectl.EventKindValidation,
			Level:                stagectl.LevelInfo,
			Message:              "Configuration validated",
			ConfigurationVersion: c.Version,
			Outcome:              string(OutcomeAccepted),
		})
		return next.Clone(), nil
	}

	next.Status = StatusRejected
	next.Violations = res.Violations
	msg := describeViolations(res.Violations)
	if acceptAction == ActionRollback {
		msg = fmt.Sprintf("rollback to version %d: %s", c.RollbackOf, msg)
	}
	ev := ChangeEvent{
		ConfigurationVersion: c.Version,
		Action:               ActionReject,
		Actor:                actor,
		Outcome:              OutcomeRejected,
		Message:              msg,
		Violations:           res.Violations,
	}
	if err := s.commit(ctx, []Configuration{next}, []ChangeEvent{ev}, nil); err != nil {
		return c.Clone(), err
	}
	s.logger.Warn("Configuration rejected", "version", c.Version, "actor", actor, "violations", len(res.Violations))
	s.emit(ctx, stagectl.Event{
		Kind:                 stagectl.EventKindValidation,
		Level:                stagectl.LevelWarn,
		Message:              "Configuration rejected",
		ConfigurationVersion: c.Version,
		Outcome:              string(OutcomeRejected),
		Error:                msg,
	})
	return next.Clone(), res.Err()
}

// Activate promotes a Validated configuration. When processingActive is
// false it is applied at once; otherwise it waits in the activation queue,
// replacing any earlier queued request, until ProcessingFinished.
func (s *Service) Activate(ctx context.Context, version int64, processingActive bool, actor string) (ActivationResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.activateLocked(ctx, version, processingActive, actor)
	if err == nil && !res.AppliedImmediately {
		res = s.settleLocked(ctx, res)
	}
	return res, err
}

func (s *Service) activateLocked(ctx context.Context, version int64, processingActive bool, actor string) (ActivationResult, error) {
	c, err := s.lookupLocked(version)
	if err != nil {
		return ActivationResult{}, err
	}
	if c.Status != StatusValidated {
		return ActivationResult{}, fmt.Errorf("activate configuration %d: status is %s: %w", version, c.Status, stagectl.ErrInvalidState)
	}

	pending, hasPending := s.queue.peek()

	if !processingActive {
		overtaken := hasPending && pending.version != version
		var pre []ChangeEvent
		if overtaken {
			pre = append(pre, ChangeEvent{
				ConfigurationVersion: pending.version,
				Action:               ActionActivateQueued,
				Actor:                actor,
				Outcome:              OutcomeSuperseded,
				Message:              fmt.Sprintf("overtaken by immediate activation of version %d", version),
			})
		}
		prev, err := s.applyLocked(ctx, c, ActionActivate, actor, pre)
		if err != nil {
			return ActivationResult{}, err
		}
		if hasPending {
			s.queue.take()
		}
		if overtaken {
			s.emitQueuedSuperseded(ctx, pending.version, version)
		}
		return ActivationResult{Version: version, AppliedImmediately: true, Previous: prev}, nil
	}

	var evs []ChangeEvent
	if hasPending && pending.version != version {
		evs = append(evs, ChangeEvent{
			ConfigurationVersion: pending.version,
			Action:               ActionActivateQueued,
			Actor:                actor,
			Outcome:              OutcomeSuperseded,
			Message:              fmt.Sprintf("replaced by queued activation of version %d", version),
		})
	}
	evs = append(evs, ChangeEvent{
		ConfigurationVersion: version,
		Action:               ActionActivateQueued,
		Actor:                actor,
		Outcome:              OutcomeQueued,
		Message:              "waiting for processing to finish",
	})
	if err := s.commit(ctx, nil, evs, nil); err != nil {
		return ActivationResult{}, err
	}
	s.queue.offer(pendingActivation{version: version, actor: actor, requestedAt: s.now()})

	if hasPending && pending.version != version {
		s.emitQueuedSuperseded(ctx, pending.version, version)
	}
	s.logger.Info("Configuration activation queued", "version", version, "actor", actor)
	s.emit(ctx, stagectl.Event{
		Kind:                 stagectl.EventKindActivation,
		Level:                stagectl.LevelInfo,
		Message:              "Configuration activation queued",
		ConfigurationVersion: version,
		Outcome:              string(OutcomeQueued),
	})
	return ActivationResult{Version: version, AppliedImmediately: false}, nil
}

// applyLocked makes c the Active configuration and supersedes the previous
// one in a single commit. It returns the previous Active version, or 0.
func (s *Service) applyLocked(ctx context.Context, c Configuration, action Action, actor string, pre []ChangeEvent) (int64, error) {
	now := s.now()
	next := c.Clone()
	next.Status = StatusActive
	next.ActivatedAt = now

	changed := []Configuration{next}
	var prev *Configuration
	if cur := s.active.Load(); cur != nil {
		p := s.configs[cur.Version-1].Clone()
		p.Status = StatusSuperseded
		p.SupersededAt = now
		changed = append(changed, p)
		prev = cur
	}

	msg := "activated"
	var prevVersion int64
	if prev != nil {
		prevVersion = prev.Version
		msg = fmt.Sprintf("activated, superseding version %d", prevVersion)
	}
	evs := append(append([]ChangeEvent(nil), pre...), ChangeEvent{
		ConfigurationVersion: c.Version,
		Action:               action,
		Actor:                actor,
		Outcome:              OutcomeApplied,
		Message:              msg,
	})

	if err := s.commit(ctx, changed, evs, &next); err != nil {
		return 0, err
	}

	s.logger.Info("Configuration activated", "version", c.Version, "previous", prevVersion, "action", string(action), "actor", actor)
	s.emit(ctx, stagectl.Event{
		Kind:                 stagectl.EventKindActivation,
		Level:                stagectl.LevelInfo,
		Message:              "Configuration activated",
		ConfigurationVersion: c.Version,
		Outcome:              string(OutcomeApplied),
		Data:                 map[string]any{"previous": prevVersion, "action": string(action)},
	})
	s.emitSwitches(ctx, prev, next)
	return prevVersion, nil
}

// ProcessingFinished signals that no processing is running. A queued
// activation, if any, is applied. It reports whether one was applied.
func (s *Service) ProcessingFinished(ctx context.Context) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	applied, _, err := s.applyQueuedLocked(ctx)
	return applied, err
}

// applyQueuedLocked applies the queued activation, if any, and returns the
// previously Active version.
func (s *Service) applyQueuedLocked(ctx context.Context) (bool, int64, error) {
	pending, ok := s.queue.peek()
	if !ok {
		return false, 0, nil
	}

	c, err := s.lookupLocked(pending.version)
	if err == nil && c.Status != StatusValidated {
		err = fmt.Errorf("apply queued configuration %d: status is %s: %w", pending.version, c.Status, stagectl.ErrInvalidState)
	}
	if err != nil {
		ev := ChangeEvent{
			ConfigurationVersion: pending.version,
			Action:               ActionApplyQueued,
			Actor:                pending.actor,
			Outcome:              OutcomeFailed,
			Message:              err.Error(),
		}
		if cerr := s.commit(ctx, nil, []ChangeEvent{ev}, nil); cerr != nil {
			return false, 0, cerr
		}
		s.queue.take()
		s.logger.Warn("Queued activation dropped", "version", pending.version, "error", err)
		return false, 0, err
	}

	prev, err := s.applyLocked(ctx, c, ActionApplyQueued, pending.actor, nil)
	if err != nil {
		return false, 0, err
	}
	s.queue.take()
	s.logger.Debug("Queued activation applied", "version", pending.version, "waited", s.now().Sub(pending.requestedAt))
	return true, prev, nil
}

// Rollback creates a new version with the selections of target and routes it
// through validation and activation. Target itself is never reactivated.
func (s *Service) Rollback(ctx context.Context, target int64, processingActive bool, actor string) (Configuration, ActivationResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	c, res, err := s.rollbackLocked(ctx, target, processingActive, actor)
	if err == nil && !res.AppliedImmediately {
		res = s.settleLocked(ctx, res)
		if latest, lerr := s.lookupLocked(c.Version); lerr == nil {
			c = latest.Clone()
		}
	}
	return c, res, err
}

func (s *Service) rollbackLocked(ctx context.Context, target int64, processingActive bool, actor string) (Configuration, ActivationResult, error) {
	src, err := s.lookupLocked(target)
	if err != nil {
		return Configuration{}, ActivationResult{}, err
	}
	switch src.Status {
	case StatusValidated, StatusActive, StatusSuperseded:
	default:
		return Configuration{}, ActivationResult{}, fmt.Errorf("rollback to configuration %d: status is %s: %w", target, src.Status, stagectl.ErrInvalidState)
	}

	draft := Configuration{
		Version:    int64(len(s.configs)) + 1,
		Status:     StatusDraft,
		CreatedBy:  actor,
		CreatedAt:  s.now(),
		Summary:    fmt.Sprintf("rollback to version %d", target),
		RollbackOf: target,
		Selections: cloneSelections(src.Selections),
	}
	if err := s.commit(ctx, []Configuration{draft}, nil, nil); err != nil {
		return Configuration{}, ActivationResult{}, err
	}

	validated, err := s.validateLocked(ctx, draft, actor, ActionRollback, fmt.Sprintf("created from version %d", target))
	if err != nil {
		return validated, ActivationResult{}, err
	}

	res, err := s.activateLocked(ctx, validated.Version, processingActive, actor)
	if err != nil {
		return validated, ActivationResult{}, err
	}
	latest, _ := s.lookupLocked(validated.Version)
	s.logger.Info("Configuration rolled back", "target", target, "version", validated.Version, "applied", res.AppliedImmediately)
	return latest.Clone(), res, nil
}

// settleLocked applies a just-queued activation when the idle probe reports
// no processing, so the result reflects the Active pointer on return.
func (s *Service) settleLocked(ctx context.Context, res ActivationResult) ActivationResult {
	if s.idle == nil || !s.idle() {
		return res
	}
	applied, prev, err := s.applyQueuedLocked(ctx)
	if err != nil {
		s.logger.Error("Failed to apply queued activation", "version", res.Version, "error", err)
		return res
	}
	if applied {
		res.AppliedImmediately = true
		res.Previous = prev
	}
	return res
}

// GetActive returns the Active configuration. It never blocks on writers and
// reports false only before the first activation.
func (s *Service) GetActive() (Configuration, bool) {
	p := s.active.Load()
	if p == nil {
		return Configuration{}, false
	}
	return p.Clone(), true
}

// Snapshot returns the shared immutable Active snapshot, or nil. Callers must
// not modify it; use GetActive for a private copy.
func (s *Service) Snapshot() *Configuration {
	return s.active.Load()
}

// GetConfiguration returns one version.
func (s *Service) GetConfiguration(version int64) (Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.lookupLocked(version)
	if err != nil {
		return Configuration{}, err
	}
	return c.Clone(), nil
}

// ListHistory returns every version in order.
func (s *Service) ListHistory() []Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Configuration, len(s.configs))
	for i, c := range s.configs {
		out[i] = c.Clone()
	}
	return out
}

// GetEvents returns the change events of one version in order.
func (s *Service) GetEvents(version int64) ([]ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.lookupLocked(version); err != nil {
		return nil, err
	}
	var out []ChangeEvent
	for _, e := range s.events {
		if e.ConfigurationVersion == version {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

// ListEvents returns the whole change log in order.
func (s *Service) ListEvents() []ChangeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChangeEvent, len(s.events))
	for i, e := range s.events {
		out[i] = cloneEvent(e)
	}
	return out
}

// Pending returns the version waiting in the activation queue.
func (s *Service) Pending() (int64, bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	p, ok := s.queue.peek()
	return p.version, ok
}

func (s *Service) lookupLocked(version int64) (Configuration, error) {
	if version < 1 || version > int64(len(s.configs)) {
		return Configuration{}, fmt.Errorf("configuration %d: %w", version, stagectl.ErrNotFound)
	}
	return s.configs[version-1], nil
}

// commit persists the change set and then publishes it in memory. Nothing
// becomes visible when persistence fails. Callers hold writeMu.
func (s *Service) commit(ctx context.Context, configs []Configuration, events []ChangeEvent, active *Configuration) error {
	var last int64
	if n := len(s.events); n > 0 {
		last = s.events[n-1].Sequence
	}
	now := s.now()
	for i := range events {
		events[i].Sequence = last + int64(i) + 1
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}

	if s.persister != nil {
		cm := Commit{Configurations: configs, Events: events}
		if active != nil {
			v := active.Version
			cm.ActiveVersion = &v
		}
		if err := s.persister.Commit(ctx, cm); err != nil {
			return fmt.Errorf("persist configuration change: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range configs {
		c = c.Clone()
		if idx := c.Version - 1; idx < int64(len(s.configs)) {
			s.configs[idx] = c
		} else {
			s.configs = append(s.configs, c)
		}
	}
	s.events = append(s.events, events...)
	if active != nil {
		snap := active.Clone()
		s.active.Store(&snap)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, e stagectl.Event) {
	e.Source = eventSource
	stagectl.SafeEmit(ctx, s.emitter, s.logger, e)
}

func (s *Service) emitQueuedSuperseded(ctx context.Context, replaced, by int64) {
	s.logger.Warn("Queued activation superseded", "version", replaced, "by", by)
	s.emit(ctx, stagectl.Event{
		Kind:                 stagectl.EventKindActivation,
		Level:                stagectl.LevelWarn,
		Message:              "Queued activation superseded",
		ConfigurationVersion: replaced,
		Outcome:              string(OutcomeSuperseded),
		Data:                 map[string]any{"by": by},
	})
}

// emitSwitches reports every stage whose module changed between prev and next.
func (s *Service) emitSwitches(ctx context.Context, prev *Configuration, next Configuration) {
	for _, sel := range next.Selections {
		var from string
		if prev != nil {
			if old, ok := prev.Selection(sel.StageID); ok {
				if old.ModuleID == sel.ModuleID {
					continue
				}
				from = old.ModuleID
			}
		}
		s.emit(ctx, stagectl.Event{
			Kind:                 stagectl.EventKindSwitch,
			Level:                stagectl.LevelInfo,
			Message:              "Stage module switched",
			StageID:              sel.StageID,
			ModuleID:             sel.ModuleID,
			ConfigurationVersion: next.Version,
			Data:                 map[string]any{"from": from},
		})
	}
}

func cloneEvent(e ChangeEvent) ChangeEvent {
	e.Violations = append([]stagectl.Violation(nil), e.Violations...)
	return e
}

func describeViolations(vs []stagectl.Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}
