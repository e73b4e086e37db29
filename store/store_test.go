package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/configuration"
	"github.com/GoCodeAlone/stagectl/contract"
	"github.com/GoCodeAlone/stagectl/registry"
	"github.com/GoCodeAlone/stagectl/stage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "stagectl.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func v(n int64) *int64 { return &n }

func TestStoreCommitAndLoad(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			st, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, st.Configurations)
			assert.Zero(t, st.ActiveVersion)

			draft := configuration.Configuration{
				Version:   1,
				Status:    configuration.StatusDraft,
				CreatedBy: "alice",
				CreatedAt: t0,
				Summary:   "first",
				Selections: []configuration.Selection{
					{StageID: "ocr", ModuleID: "tesseract"},
					{StageID: "extract", ModuleID: "llm-extract", Settings: map[string]any{"temperature": 0.2}},
				},
			}
			require.NoError(t, s.Commit(ctx, configuration.Commit{Configurations: []configuration.Configuration{draft}}))

			active := draft.Clone()
			active.Status = configuration.StatusActive
			active.ValidatedAt = t0.Add(time.Second)
			active.ActivatedAt = t0.Add(2 * time.Second)
			require.NoError(t, s.Commit(ctx, configuration.Commit{
				Configurations: []configuration.Configuration{active},
				Events: []configuration.ChangeEvent{
					{Sequence: 1, ConfigurationVersion: 1, Action: configuration.ActionValidate, Actor: "alice", Outcome: configuration.OutcomeAccepted, Timestamp: t0.Add(time.Second)},
					{Sequence: 2, ConfigurationVersion: 1, Action: configuration.ActionActivate, Actor: "alice", Outcome: configuration.OutcomeApplied, Timestamp: t0.Add(2 * time.Second)},
				},
				ActiveVersion: v(1),
			}))

			rejected := configuration.Configuration{
				Version:    2,
				Status:     configuration.StatusRejected,
				CreatedBy:  "bob",
				CreatedAt:  t0.Add(3 * time.Second),
				Selections: []configuration.Selection{{StageID: "ocr", ModuleID: "chat"}},
				Violations: []stagectl.Violation{{Kind: stagectl.ErrContractMismatch, StageID: "ocr", ModuleID: "chat", Message: "wrong contract"}},
			}
			require.NoError(t, s.Commit(ctx, configuration.Commit{
				Configurations: []configuration.Configuration{rejected},
				Events: []configuration.ChangeEvent{{
					Sequence: 3, ConfigurationVersion: 2, Action: configuration.ActionReject, Actor: "bob",
					Outcome: configuration.OutcomeRejected, Violations: rejected.Violations, Timestamp: t0.Add(4 * time.Second),
				}},
			}))

			st, err = s.Load(ctx)
			require.NoError(t, err)
			require.NoError(t, configuration.CheckState(st))
			assert.Equal(t, int64(1), st.ActiveVersion)
			require.Len(t, st.Configurations, 2)

			got := st.Configurations[0]
			assert.Equal(t, configuration.StatusActive, got.Status)
			assert.Equal(t, "first", got.Summary)
			assert.True(t, got.ActivatedAt.Equal(active.ActivatedAt))
			require.Len(t, got.Selections, 2)
			assert.Equal(t, "ocr", got.Selections[0].StageID)
			assert.Equal(t, "llm-extract", got.Selections[1].ModuleID)
			assert.InDelta(t, 0.2, got.Selections[1].Settings["temperature"], 1e-9)
			assert.Nil(t, got.Violations)

			rej := st.Configurations[1]
			require.Len(t, rej.Violations, 1)
			assert.ErrorIs(t, rej.Violations[0].Kind, stagectl.ErrContractMismatch)

			require.Len(t, st.Events, 3)
			assert.Equal(t, configuration.ActionActivate, st.Events[1].Action)
			assert.True(t, st.Events[2].Timestamp.Equal(t0.Add(4*time.Second)))
			require.Len(t, st.Events[2].Violations, 1)
			assert.Equal(t, "ocr", st.Events[2].Violations[0].StageID)
		})
	}
}

func TestStoreCommitIsAtomic(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			first := configuration.ChangeEvent{Sequence: 1, ConfigurationVersion: 1, Action: configuration.ActionValidate, Outcome: configuration.OutcomeAccepted, Timestamp: t0}
			require.NoError(t, s.Commit(ctx, configuration.Commit{
				Configurations: []configuration.Configuration{{Version: 1, Status: configuration.StatusValidated, CreatedAt: t0}},
				Events:         []configuration.ChangeEvent{first},
			}))

			// A duplicate sequence must roll back the configuration change too.
			err := s.Commit(ctx, configuration.Commit{
				Configurations: []configuration.Configuration{{Version: 1, Status: configuration.StatusActive, CreatedAt: t0}},
				Events:         []configuration.ChangeEvent{first},
				ActiveVersion:  v(1),
			})
			require.Error(t, err)

			st, err := s.Load(ctx)
			require.NoError(t, err)
			require.Len(t, st.Configurations, 1)
			assert.Equal(t, configuration.StatusValidated, st.Configurations[0].Status)
			assert.Zero(t, st.ActiveVersion)
			assert.Len(t, st.Events, 1)
		})
	}
}

func TestStoreCatalogue(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			cat := Catalogue{
				Contracts: []contract.Contract{
					{ID: "ocr.v1", Description: "page image to text", Input: json.RawMessage(`{"type":"object"}`), Guarantees: []string{"utf8"}},
					{ID: "extract.v1"},
				},
				Stages: []stage.Stage{
					{ID: "ocr", ContractID: "ocr.v1", Required: true, Position: 0},
					{ID: "extract", Name: "Extraction", ContractID: "extract.v1", Position: 1},
				},
				Modules: []registry.Module{
					{ID: "tesseract", ContractID: "ocr.v1", Available: true, RegisteredAt: t0, UpdatedAt: t0},
					{ID: "paddle", ContractID: "ocr.v1", IsFallback: true, Metadata: map[string]any{"gpu": true}, RegisteredAt: t0, UpdatedAt: t0},
				},
			}
			require.NoError(t, s.SaveCatalogue(ctx, cat))
			require.NoError(t, s.SaveCatalogue(ctx, cat), "saving twice is an upsert")

			got, err := s.LoadCatalogue(ctx)
			require.NoError(t, err)
			require.Len(t, got.Contracts, 2)
			assert.Equal(t, "extract.v1", got.Contracts[0].ID)
			assert.Equal(t, []string{"utf8"}, got.Contracts[1].Guarantees)
			assert.JSONEq(t, `{"type":"object"}`, string(got.Contracts[1].Input))

			require.Len(t, got.Stages, 2)
			assert.Equal(t, "ocr", got.Stages[0].ID)
			assert.True(t, got.Stages[0].Required)
			assert.Equal(t, "Extraction", got.Stages[1].Name)

			require.Len(t, got.Modules, 2)
			assert.Equal(t, "paddle", got.Modules[0].ID)
			assert.True(t, got.Modules[0].IsFallback)
			assert.False(t, got.Modules[0].Available)
			assert.Equal(t, true, got.Modules[0].Metadata["gpu"])

			later := t0.Add(time.Minute)
			require.NoError(t, s.SetModuleAvailability(ctx, "paddle", true, later))
			got, err = s.LoadCatalogue(ctx)
			require.NoError(t, err)
			assert.True(t, got.Modules[0].Available)
			assert.True(t, got.Modules[0].UpdatedAt.Equal(later))

			err = s.SetModuleAvailability(ctx, "ghost", true, later)
			assert.ErrorIs(t, err, stagectl.ErrNotFound)
		})
	}
}

func TestSQLiteReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stagectl.db")

	s, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, configuration.Commit{
		Configurations: []configuration.Configuration{{Version: 1, Status: configuration.StatusActive, CreatedAt: t0}},
		ActiveVersion:  v(1),
	}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	defer s.Close()
	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ActiveVersion)
	require.Len(t, st.Configurations, 1)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory_is_default", func(t *testing.T) {
		s, err := Open(ctx, "", "")
		require.NoError(t, err)
		assert.IsType(t, &Memory{}, s)
	})

	t.Run("unknown_driver", func(t *testing.T) {
		_, err := Open(ctx, "mongo", "x")
		assert.ErrorIs(t, err, ErrUnknownDriver)
	})

	t.Run("sql_requires_dsn", func(t *testing.T) {
		_, err := Open(ctx, DriverPostgres, "")
		assert.ErrorIs(t, err, ErrMissingDSN)
	})
}

func TestDialectBind(t *testing.T) {
	q := "UPDATE modules SET available = ?, updated_at = ? WHERE id = ?"
	assert.Equal(t, q, sqliteDialect.bind(q))
	assert.Equal(t, "UPDATE modules SET available = $1, updated_at = $2 WHERE id = $3", postgresDialect.bind(q))
}
