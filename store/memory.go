package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/configuration"
	"github.com/GoCodeAlone/stagectl/contract"
	"github.com/GoCodeAlone/stagectl/registry"
	"github.com/GoCodeAlone/stagectl/stage"
)

// Memory is a process-local Store.
type Memory struct {
	mu        sync.RWMutex
	contracts map[string]contract.Contract
	stages    map[string]stage.Stage
	modules   map[string]registry.Module
	configs   map[int64]configuration.Configuration
	events    []configuration.ChangeEvent
	active    int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		contracts: make(map[string]contract.Contract),
		stages:    make(map[string]stage.Stage),
		modules:   make(map[string]registry.Module),
		configs:   make(map[int64]configuration.Configuration),
	}
}

// Commit applies c atomically.
func (m *Memory) Commit(ctx context.Context, c configuration.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.events); n > 0 && len(c.Events) > 0 && c.Events[0].Sequence <= m.events[n-1].Sequence {
		return fmt.Errorf("append event %d: sequence not after %d", c.Events[0].Sequence, m.events[n-1].Sequence)
	}
	for _, cfg := range c.Configurations {
		m.configs[cfg.Version] = cfg.Clone()
	}
	for _, e := range c.Events {
		e.Violations = append([]stagectl.Violation(nil), e.Violations...)
		m.events = append(m.events, e)
	}
	if c.ActiveVersion != nil {
		m.active = *c.ActiveVersion
	}
	return nil
}

// Load returns the stored history.
func (m *Memory) Load(ctx context.Context) (configuration.State, error) {
	if err := ctx.Err(); err != nil {
		return configuration.State{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := configuration.State{ActiveVersion: m.active}
	for _, c := range m.configs {
		st.Configurations = append(st.Configurations, c.Clone())
	}
	sort.Slice(st.Configurations, func(i, j int) bool {
		return st.Configurations[i].Version < st.Configurations[j].Version
	})
	st.Events = append([]configuration.ChangeEvent(nil), m.events...)
	return st, nil
}

func (m *Memory) SaveCatalogue(ctx context.Context, c Catalogue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ct := range c.Contracts {
		m.contracts[ct.ID] = ct
	}
	for _, s := range c.Stages {
		m.stages[s.ID] = s
	}
	for _, mod := range c.Modules {
		m.modules[mod.ID] = mod
	}
	return nil
}

func (m *Memory) LoadCatalogue(ctx context.Context) (Catalogue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c Catalogue
	for _, ct := range m.contracts {
		c.Contracts = append(c.Contracts, ct)
	}
	for _, s := range m.stages {
		c.Stages = append(c.Stages, s)
	}
	for _, mod := range m.modules {
		c.Modules = append(c.Modules, mod)
	}
	sortCatalogue(&c)
	return c, nil
}

func (m *Memory) SetModuleAvailability(ctx context.Context, moduleID string, available bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.modules[moduleID]
	if !ok {
		return fmt.Errorf("module %s: %w", moduleID, stagectl.ErrNotFound)
	}
	mod.Available = available
	mod.UpdatedAt = at
	m.modules[moduleID] = mod
	return nil
}

func (m *Memory) Close() error { return nil }

func sortCatalogue(c *Catalogue) {
	sort.Slice(c.Contracts, func(i, j int) bool { return c.Contracts[i].ID < c.Contracts[j].ID })
	sort.Slice(c.Stages, func(i, j int) bool { return c.Stages[i].Position < c.Stages[j].Position })
	sort.Slice(c.Modules, func(i, j int) bool { return c.Modules[i].ID < c.Modules[j].ID })
}

var _ Store = (*Memory)(nil)
