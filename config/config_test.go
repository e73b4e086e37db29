package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/stagectl/fallback"
	"github.com/GoCodeAlone/stagectl/store"
)

func noEnv(string) (string, bool) { return "", false }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("yaml_with_defaults", func(t *testing.T) {
		path := writeFile(t, "stagectl.yaml", `
bootstrap:
  path: bootstrap.yaml
health:
  timeout: 2s
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.HTTP.Addr)
		assert.Equal(t, 15*time.Second, cfg.HTTP.ReadTimeout)
		assert.Equal(t, store.DriverMemory, cfg.Store.Driver)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "@every 30s", cfg.Health.Schedule)
		assert.Equal(t, 2*time.Second, cfg.Health.Timeout)
		assert.Equal(t, 4, cfg.Health.Concurrency)
		assert.Equal(t, 5, cfg.Fallback.FailureThreshold)
		assert.Equal(t, 256, cfg.EventLog.BufferSize)
		assert.False(t, cfg.Auth.AllowHeaderRoles)
	})

	t.Run("toml", func(t *testing.T) {
		cfg, err := Load(filepath.Join("testdata", "stagectl.toml"))
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.HTTP.Addr)
		assert.Equal(t, 5*time.Second, cfg.HTTP.ReadTimeout)
		assert.Equal(t, store.DriverSQLite, cfg.Store.Driver)
		assert.True(t, cfg.Bootstrap.Watch)
		require.Len(t, cfg.EventLog.Outputs, 1)
		assert.Equal(t, "text", cfg.EventLog.Outputs[0].Format)
		assert.Equal(t, "INFO", cfg.EventLog.Outputs[0].Level, "defaults reach slice elements")
		assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	})

	t.Run("env_overrides_file", func(t *testing.T) {
		path := writeFile(t, "stagectl.yaml", "bootstrap:\n  path: a.yaml\nhttp:\n  addr: \":1\"\n")
		t.Setenv("STAGECTL_HTTP_ADDR", ":7070")
		t.Setenv("STAGECTL_HTTP_READ_TIMEOUT", "3s")
		t.Setenv("STAGECTL_HEALTH_CONCURRENCY", "9")
		t.Setenv("STAGECTL_AUTH_ALLOW_HEADER_ROLES", "true")
		t.Setenv("STAGECTL_EVENTLOG_BUFFER_SIZE", "16")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":7070", cfg.HTTP.Addr)
		assert.Equal(t, 3*time.Second, cfg.HTTP.ReadTimeout)
		assert.Equal(t, 9, cfg.Health.Concurrency)
		assert.True(t, cfg.Auth.AllowHeaderRoles)
		assert.Equal(t, 16, cfg.EventLog.BufferSize)
	})

	t.Run("bad_env_value", func(t *testing.T) {
		cfg := &Config{}
		err := ApplyEnv(cfg, EnvPrefix, func(k string) (string, bool) {
			if k == "STAGECTL_HEALTH_CONCURRENCY" {
				return "lots", true
			}
			return "", false
		})
		assert.ErrorContains(t, err, "STAGECTL_HEALTH_CONCURRENCY")
	})

	t.Run("required_missing", func(t *testing.T) {
		path := writeFile(t, "stagectl.yaml", "log:\n  level: warn\n")
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrConfigRequiredFieldMissing)
		assert.ErrorContains(t, err, "bootstrap.path")
	})

	t.Run("unknown_key", func(t *testing.T) {
		path := writeFile(t, "stagectl.yaml", "bootstrap:\n  path: a.yaml\nhttp:\n  port: 80\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("unsupported_extension", func(t *testing.T) {
		path := writeFile(t, "stagectl.ini", "x=1")
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Bootstrap: BootstrapConfig{Path: "b.yaml"}}
		require.NoError(t, ApplyEnv(cfg, EnvPrefix, noEnv))
		require.NoError(t, ProcessDefaults(cfg))
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown_driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"sqlite_without_dsn", func(c *Config) { c.Store.Driver = store.DriverSQLite }, "store.dsn"},
		{"bad_log_level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad_log_format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad_schedule", func(c *Config) { c.Health.Schedule = "sometimes" }, "health.schedule"},
		{"zero_concurrency", func(c *Config) { c.Health.Concurrency = 0 }, "health.concurrency"},
		{"bad_output", func(c *Config) { c.EventLog.BufferSize = -1 }, "eventlog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "READ_TIMEOUT", envName("readTimeout"))
	assert.Equal(t, "ADDR", envName("addr"))
	assert.Equal(t, "JWT_SECRET", envName("jwtSecret"))
}

func TestLoadBootstrap(t *testing.T) {
	b, err := LoadBootstrap(filepath.Join("testdata", "bootstrap.yaml"))
	require.NoError(t, err)

	contracts, err := b.ContractList()
	require.NoError(t, err)
	require.Len(t, contracts, 2)
	assert.JSONEq(t, `{"type":"object","required":["image"]}`, string(contracts[0].Input))
	assert.NotEmpty(t, contracts[0].Settings)
	assert.Nil(t, contracts[1].Output)

	stages := b.StageList()
	require.Len(t, stages, 2)
	assert.Equal(t, "ocr", stages[0].ID)
	assert.True(t, stages[0].Required)
	assert.Equal(t, 1, stages[1].Position)
	assert.Equal(t, "extract.v1", stages[1].ContractID)

	modules := b.ModuleList()
	require.Len(t, modules, 3)
	assert.True(t, modules[1].IsFallback)
	assert.False(t, modules[2].Available)
	assert.Equal(t, false, modules[1].Metadata["gpu"])

	policies := b.PolicyList()
	require.Len(t, policies, 2)
	assert.Equal(t, []fallback.Trigger{fallback.TriggerInvocationFailure}, policies[0].Triggers)
	assert.Equal(t, fallback.ActionFailStage, policies[1].Action)
}

func TestBootstrapValidate(t *testing.T) {
	tests := []struct {
		name string
		b    Bootstrap
		want string
	}{
		{"duplicate_stage", Bootstrap{Stages: []StageSpec{{ID: "a"}, {ID: "a"}}}, "stage a: duplicate id"},
		{"missing_module_id", Bootstrap{Modules: []ModuleSpec{{Contract: "x"}}}, "module 0: id is required"},
		{"unknown_action", Bootstrap{Policies: []PolicySpec{{Stage: "a", Action: "retry"}}}, "unknown action"},
		{"unknown_trigger", Bootstrap{Policies: []PolicySpec{{Stage: "a", Triggers: []string{"always"}}}}, "unknown trigger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.b.Validate()
			assert.ErrorIs(t, err, ErrInvalidBootstrap)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
