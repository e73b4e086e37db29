package cmd_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/stagectl/cmd/stagectl/cmd"
	"github.com/GoCodeAlone/stagectl/configuration"
	"github.com/GoCodeAlone/stagectl/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := cmd.NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "module configuration control plane")
	for _, sub := range []string{"serve", "check", "history", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "stagectl v")
}

func TestCheckCommand(t *testing.T) {
	t.Run("valid_catalogue", func(t *testing.T) {
		out, err := run(t, "check", "--bootstrap", filepath.Join("testdata", "bootstrap.yaml"))
		require.NoError(t, err)
		assert.Contains(t, out, "ocr")
		assert.Contains(t, out, "fail_stage")
		assert.Contains(t, out, "regex-extract")
		assert.Contains(t, out, "2 contracts, 2 stages, 3 modules OK")
	})

	t.Run("stage_with_unknown_contract", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bootstrap.yaml")
		require.NoError(t, os.WriteFile(path, []byte("stages:\n  - id: ocr\n    contract: ocr.v9\n"), 0o600))
		_, err := run(t, "check", "--bootstrap", path)
		assert.Error(t, err)
	})

	t.Run("flag_required", func(t *testing.T) {
		_, err := run(t, "check")
		assert.Error(t, err)
	})
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "stagectl.db")
	ctx := context.Background()

	st, err := store.Open(ctx, store.DriverSQLite, dsn)
	require.NoError(t, err)
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	active := int64(1)
	require.NoError(t, st.Commit(ctx, configuration.Commit{
		Configurations: []configuration.Configuration{{
			Version: 1, Status: configuration.StatusActive, CreatedBy: "alice", CreatedAt: at, Summary: "initial",
			Selections: []configuration.Selection{{StageID: "ocr", ModuleID: "tesseract"}},
		}},
		Events: []configuration.ChangeEvent{
			{Sequence: 1, ConfigurationVersion: 1, Action: configuration.ActionActivate, Actor: "alice", Outcome: configuration.OutcomeApplied, Timestamp: at},
		},
		ActiveVersion: &active,
	}))
	require.NoError(t, st.Close())

	cfgPath := filepath.Join(dir, "stagectl.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("bootstrap:\n  path: bootstrap.yaml\nstore:\n  driver: sqlite\n  dsn: "+dsn+"\n"), 0o600))

	out, err := run(t, "history", "--config", cfgPath, "--events")
	require.NoError(t, err)
	assert.Contains(t, out, "1 *")
	assert.Contains(t, out, "initial")
	assert.Contains(t, out, "activate")
	assert.Contains(t, out, "active version: 1")
}
