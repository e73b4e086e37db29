package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type availabilityRecorder struct {
	mu  sync.Mutex
	set map[string]bool
}

func (r *availabilityRecorder) SetAvailability(_ context.Context, id string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set == nil {
		r.set = make(map[string]bool)
	}
	r.set[id] = available
	return nil
}

func (r *availabilityRecorder) snapshot() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.set))
	for k, v := range r.set {
		out[k] = v
	}
	return out
}

func copyBootstrap(t *testing.T) (string, string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "bootstrap.yaml"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, string(data)
}

func TestWatcherReload(t *testing.T) {
	t.Run("applies_availability", func(t *testing.T) {
		path, content := copyBootstrap(t)
		base, err := LoadBootstrap(path)
		require.NoError(t, err)
		rec := &availabilityRecorder{}
		w := NewWatcher(path, base, rec)

		edited := strings.Replace(content, "    contract: extract.v1\n    available: false", "    contract: extract.v1\n    available: true", 1)
		require.NotEqual(t, content, edited)
		require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

		applied, err := w.Reload(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"regex-extract"}, applied)
		assert.Equal(t, map[string]bool{"regex-extract": true}, rec.snapshot())

		applied, err = w.Reload(context.Background())
		require.NoError(t, err)
		assert.Empty(t, applied, "the baseline follows applied changes")
		assert.False(t, base.Modules[2].Available, "the caller's catalogue is not modified")
	})

	t.Run("rejects_static_change", func(t *testing.T) {
		path, content := copyBootstrap(t)
		base, err := LoadBootstrap(path)
		require.NoError(t, err)
		rec := &availabilityRecorder{}
		w := NewWatcher(path, base, rec)

		edited := strings.Replace(content, "action: fail_stage", "action: substitute_and_warn", 1)
		edited = strings.Replace(edited, "    contract: extract.v1\n    available: false", "    contract: extract.v1\n    available: true", 1)
		require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

		_, err = w.Reload(context.Background())
		assert.ErrorIs(t, err, ErrStaticChange)
		assert.Empty(t, rec.snapshot())
	})

	t.Run("invalid_file_is_rejected", func(t *testing.T) {
		path, _ := copyBootstrap(t)
		base, err := LoadBootstrap(path)
		require.NoError(t, err)
		w := NewWatcher(path, base, &availabilityRecorder{})
		require.NoError(t, os.WriteFile(path, []byte("stages: ["), 0o600))
		_, err = w.Reload(context.Background())
		assert.Error(t, err)
	})
}

func TestWatcherFollowsFile(t *testing.T) {
	path, content := copyBootstrap(t)
	base, err := LoadBootstrap(path)
	require.NoError(t, err)
	rec := &availabilityRecorder{}
	w := NewWatcher(path, base, rec, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { assert.NoError(t, w.Stop()) }()

	edited := strings.Replace(content, "  - id: tesseract\n    contract: ocr.v1\n    available: true", "  - id: tesseract\n    contract: ocr.v1\n    available: false", 1)
	require.NotEqual(t, content, edited)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

	assert.Eventually(t, func() bool {
		v, ok := rec.snapshot()["tesseract"]
		return ok && !v
	}, 3*time.Second, 20*time.Millisecond)
}
