// Package registry provides the module registry: known modules, the contract
// each satisfies, their live availability, the designated fallback per
// contract, and the invokable handle behind each module id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/stage"
)

// Static errors for registry package
var (
	ErrNotBound       = errors.New("module has no invocation handle bound")
	ErrStagesNotWired = errors.New("module registry has no stage lookup")
)

// Invoker is the entry point of a module. It receives the stage's declared
// input and returns the declared output or a failure.
type Invoker interface {
	Invoke(ctx context.Context, input any) (any, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, input any) (any, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, input any) (any, error) { return f(ctx, input) }

// HealthChecker is implemented by handles that can report their own liveness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Module describes a pluggable unit.
type Module struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	ContractID   string         `json:"contractId"`
	IsFallback   bool           `json:"isFallback"`
	Available    bool           `json:"available"`
	Bound        bool           `json:"bound"`
	// Pinned is set when an operator fixed the availability; probes leave
	// a pinned module alone until Unpin.
	Pinned       bool           `json:"pinned"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RegisteredAt time.Time      `json:"registeredAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ContractLookup reports whether a contract id is registered.
type ContractLookup interface {
	Exists(id string) bool
}

// StageLookup resolves a stage by id.
type StageLookup interface {
	Get(id string) (stage.Stage, error)
}

type entry struct {
	module  Module
	invoker Invoker
}

// Registry tracks modules by id. It is read-heavy; writes are rare
// administrative actions.
type Registry struct {
	mu        sync.RWMutex
	modules   map[string]*entry
	fallbacks map[string]string // contract id -> module id

	contracts ContractLookup
	stages    StageLookup
	logger    stagectl.Logger
	emitter   stagectl.Emitter
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l stagectl.Logger) Option {
	return func(r *Registry) { r.logger = stagectl.LoggerOrNop(l) }
}

// WithEmitter sets where availability transitions are reported.
func WithEmitter(e stagectl.Emitter) Option {
	return func(r *Registry) { r.emitter = stagectl.EmitterOrNop(e) }
}

// WithStages enables stage-based fallback lookup.
func WithStages(s StageLookup) Option {
	return func(r *Registry) { r.stages = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a module registry validating contract ids against contracts.
func NewRegistry(contracts ContractLookup, opts ...Option) *Registry {
	r := &Registry{
		modules:   make(map[string]*entry),
		fallbacks: make(map[string]string),
		contracts: contracts,
		logger:    stagectl.NopLogger(),
		emitter:   stagectl.NopEmitter(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a module. inv may be nil and bound later with Bind.
func (r *Registry) Register(m Module, inv Invoker) error {
	if m.ID == "" {
		return fmt.Errorf("module: id is required")
	}
	if r.contracts == nil || !r.contracts.Exists(m.ContractID) {
		return fmt.Errorf("module %s: contract %q is not registered: %w", m.ID, m.ContractID, stagectl.ErrContractMismatch)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[m.ID]; exists {
		return fmt.Errorf("module %s: %w", m.ID, stagectl.ErrDuplicateModule)
	}
	if m.IsFallback {
		if other, ok := r.fallbacks[m.ContractID]; ok {
			return fmt.Errorf("module %s: contract %s already has fallback %s: %w",
				m.ID, m.ContractID, other, stagectl.ErrFallbackConflict)
		}
		r.fallbacks[m.ContractID] = m.ID
	}

	now := r.now()
	m.RegisteredAt = now
	m.UpdatedAt = now
	m.Bound = inv != nil
	m.Metadata = cloneMap(m.Metadata)
	r.modules[m.ID] = &entry{module: m, invoker: inv}

	r.logger.Info("Module registered", "module", m.ID, "contract", m.ContractID, "fallback", m.IsFallback, "available", m.Available)
	return nil
}

// Bind attaches or replaces the invocation handle of a registered module.
func (r *Registry) Bind(id string, inv Invoker) error {
	if inv == nil {
		return fmt.Errorf("module %s: nil invoker", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.modules[id]
	if !ok {
		return fmt.Errorf("module %s: %w", id, stagectl.ErrNotFound)
	}
	e.invoker = inv
	e.module.Bound = true
	e.module.UpdatedAt = r.now()
	return nil
}

// SetAvailability records a liveness change. A transition emits an
// availability event; setting the current value again is a no-op.
func (r *Registry) SetAvailability(ctx context.Context, id string, available bool) error {
	r.mu.Lock()
	e, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("module %s: %w", id, stagectl.ErrNotFound)
	}
	changed := e.module.Available != available
	if changed {
		e.module.Available = available
		e.module.UpdatedAt = r.now()
	}
	contractID := e.module.ContractID
	r.mu.Unlock()

	if !changed {
		return nil
	}

	level, msg := stagectl.LevelInfo, "Module available"
	if !available {
		level, msg = stagectl.LevelWarn, "Module unavailable"
		r.logger.Warn(msg, "module", id, "contract", contractID)
	} else {
		r.logger.Info(msg, "module", id, "contract", contractID)
	}
	stagectl.SafeEmit(ctx, r.emitter, r.logger, stagectl.Event{
		Kind:     stagectl.EventKindAvailability,
		Level:    level,
		Source:   "stagectl.registry",
		Message:  msg,
		ModuleID: id,
		Data:     map[string]any{"available": available, "contract": contractID},
	})
	return nil
}

// Pin sets the module's availability and keeps health probes from changing
// it until Unpin.
func (r *Registry) Pin(ctx context.Context, id string, available bool) error {
	r.mu.Lock()
	e, ok := r.modules[id]
	if ok {
		e.module.Pinned = true
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("module %s: %w", id, stagectl.ErrNotFound)
	}
	return r.SetAvailability(ctx, id, available)
}

// Unpin hands the module's availability back to health probes.
func (r *Registry) Unpin(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.modules[id]
	if !ok {
		return fmt.Errorf("module %s: %w", id, stagectl.ErrNotFound)
	}
	e.module.Pinned = false
	return nil
}

// ReportHealth records a probe outcome. Pinned modules are left unchanged.
func (r *Registry) ReportHealth(ctx context.Context, id string, healthy bool) error {
	r.mu.RLock()
	e, ok := r.modules[id]
	pinned := ok && e.module.Pinned
	r.mu.RUnlock()
	if pinned {
		r.logger.Debug("Probe result ignored for pinned module", "module", id, "healthy", healthy)
		return nil
	}
	return r.SetAvailability(ctx, id, healthy)
}

// IsAvailable reports whether the module is registered and available.
func (r *Registry) IsAvailable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.modules[id]
	return ok && e.module.Available
}

// Get returns the module with the given id.
func (r *Registry) Get(id string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.modules[id]
	if !ok {
		return Module{}, fmt.Errorf("module %s: %w", id, stagectl.ErrNotFound)
	}
	return copyModule(e.module), nil
}

// ContractOf returns the contract id a module claims to satisfy.
func (r *Registry) ContractOf(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.modules[id]
	if !ok {
		return "", fmt.Errorf("module %s: %w", id, stagectl.ErrNotFound)
	}
	return e.module.ContractID, nil
}

// Invoker returns the invocation handle of a module.
func (r *Registry) Invoker(id string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("module %s: %w", id, stagectl.ErrNotFound)
	}
	if e.invoker == nil {
		return nil, fmt.Errorf("module %s: %w", id, ErrNotBound)
	}
	return e.invoker, nil
}

// List returns every module sorted by id.
func (r *Registry) List() []Module {
	r.mu.RLock()
	out := make([]Module, 0, len(r.modules))
	for _, e := range r.modules {
		out = append(out, copyModule(e.module))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByContract returns the modules satisfying a contract, sorted by id.
func (r *Registry) ByContract(contractID string) []Module {
	var out []Module
	for _, m := range r.List() {
		if m.ContractID == contractID {
			out = append(out, m)
		}
	}
	return out
}

// FallbackForContract returns the module flagged as fallback for a contract.
func (r *Registry) FallbackForContract(contractID string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.fallbacks[contractID]
	if !ok {
		return Module{}, false
	}
	return copyModule(r.modules[id].module), true
}

// FallbackForStage returns the fallback module for the stage's contract.
func (r *Registry) FallbackForStage(stageID string) (Module, bool, error) {
	if r.stages == nil {
		return Module{}, false, ErrStagesNotWired
	}
	s, err := r.stages.Get(stageID)
	if err != nil {
		return Module{}, false, err
	}
	m, ok := r.FallbackForContract(s.ContractID)
	return m, ok, nil
}

// Probes returns the health checkers of bound, unpinned modules keyed by
// module id.
func (r *Registry) Probes() map[string]HealthChecker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthChecker)
	for id, e := range r.modules {
		if e.module.Pinned {
			continue
		}
		if hc, ok := e.invoker.(HealthChecker); ok {
			out[id] = hc
		}
	}
	return out
}

func copyModule(m Module) Module {
	m.Metadata = cloneMap(m.Metadata)
	return m
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
