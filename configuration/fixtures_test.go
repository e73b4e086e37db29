package configuration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/contract"
	"github.com/GoCodeAlone/stagectl/registry"
	"github.com/GoCodeAlone/stagectl/stage"
)

// catalogue is the three-stage pipeline used across tests.
type catalogue struct {
	contracts *contract.Registry
	stages    *stage.Registry
	modules   *registry.Registry
	validator *Validator
}

func newCatalogue(t testing.TB) *catalogue {
	t.Helper()
	contracts := contract.NewRegistry(nil)
	for _, c := range []contract.Contract{
		{ID: "ocr.v1"},
		{ID: "extract.v1", Settings: json.RawMessage(`{"type":"object","properties":{"model":{"type":"string"}},"additionalProperties":false}`)},
		{ID: "validate.v1"},
		{ID: "chat.v1"},
	} {
		_, err := contracts.Register(c)
		require.NoError(t, err)
	}

	stages, err := stage.NewRegistry(contracts,
		stage.Stage{ID: "ocr", ContractID: "ocr.v1", Required: true},
		stage.Stage{ID: "extract", ContractID: "extract.v1", Required: true},
		stage.Stage{ID: "validate", ContractID: "validate.v1", Required: true},
		stage.Stage{ID: "chat", ContractID: "chat.v1"},
	)
	require.NoError(t, err)

	modules := registry.NewRegistry(contracts, registry.WithStages(stages))
	for _, m := range []registry.Module{
		{ID: "tesseract", ContractID: "ocr.v1", Available: true},
		{ID: "paddle", ContractID: "ocr.v1", Available: true},
		{ID: "llm-extract", ContractID: "extract.v1", Available: true},
		{ID: "regex-extract", ContractID: "extract.v1", Available: true},
		{ID: "rules", ContractID: "validate.v1", Available: true},
		{ID: "rag-chat", ContractID: "chat.v1", Available: true},
	} {
		require.NoError(t, modules.Register(m, nil))
	}

	return &catalogue{
		contracts: contracts,
		stages:    stages,
		modules:   modules,
		validator: NewValidator(stages, modules, contracts),
	}
}

func baseline() []Selection {
	return []Selection{
		{StageID: "ocr", ModuleID: "tesseract"},
		{StageID: "extract", ModuleID: "llm-extract"},
		{StageID: "validate", ModuleID: "rules"},
	}
}

func withModule(sel []Selection, stageID, moduleID string) []Selection {
	out := cloneSelections(sel)
	for i := range out {
		if out[i].StageID == stageID {
			out[i].ModuleID = moduleID
		}
	}
	return out
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []stagectl.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e stagectl.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) byKind(kind stagectl.EventKind) []stagectl.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stagectl.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// memPersister is a minimal in-package Persister with failure injection.
type memPersister struct {
	mu    sync.Mutex
	state State
	fail  error
}

func (m *memPersister) Commit(_ context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	for _, cfg := range c.Configurations {
		replaced := false
		for i := range m.state.Configurations {
			if m.state.Configurations[i].Version == cfg.Version {
				m.state.Configurations[i] = cfg.Clone()
				replaced = true
			}
		}
		if !replaced {
			m.state.Configurations = append(m.state.Configurations, cfg.Clone())
		}
	}
	m.state.Events = append(m.state.Events, c.Events...)
	if c.ActiveVersion != nil {
		m.state.ActiveVersion = *c.ActiveVersion
	}
	return nil
}

func (m *memPersister) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

var errDiskFull = errors.New("disk full")

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func activeCount(s *Service) int {
	n := 0
	for _, c := range s.ListHistory() {
		if c.Status == StatusActive {
			n++
		}
	}
	return n
}
