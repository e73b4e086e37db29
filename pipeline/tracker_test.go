package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker(t *testing.T) {
	t.Run("idle_signal_only_at_zero", func(t *testing.T) {
		tr := NewTracker(nil)
		var calls atomic.Int32
		tr.OnIdle(func(context.Context) error {
			calls.Add(1)
			return nil
		})

		tr.Begin()
		tr.Begin()
		assert.True(t, tr.Active())
		assert.Equal(t, int64(2), tr.InFlight())

		tr.End(context.Background())
		assert.Zero(t, calls.Load())
		tr.End(context.Background())
		assert.Equal(t, int32(1), calls.Load())
		assert.True(t, tr.Idle())
	})

	t.Run("handler_errors_are_logged", func(t *testing.T) {
		tr := NewTracker(nil)
		tr.OnIdle(func(context.Context) error { return errors.New("store offline") })
		tr.Begin()
		assert.NotPanics(t, func() { tr.End(context.Background()) })
	})

	t.Run("handler_gets_live_context", func(t *testing.T) {
		tr := NewTracker(nil)
		var sawErr error
		tr.OnIdle(func(ctx context.Context) error {
			sawErr = ctx.Err()
			return nil
		})
		ctx, cancel := context.WithCancel(context.Background())
		tr.Begin()
		cancel()
		tr.End(ctx)
		assert.NoError(t, sawErr)
	})

	t.Run("concurrent_runs", func(t *testing.T) {
		tr := NewTracker(nil)
		var calls atomic.Int32
		tr.OnIdle(func(context.Context) error {
			calls.Add(1)
			return nil
		})
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr.Begin()
				tr.End(context.Background())
			}()
		}
		wg.Wait()
		assert.False(t, tr.Active())
		assert.GreaterOrEqual(t, calls.Load(), int32(1))
	})
}
