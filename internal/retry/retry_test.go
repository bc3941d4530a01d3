package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

func fastPolicy(retries int) Policy {
	return Policy{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), "fetch", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", pipeline.Transient("fetch", errors.New("503"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), "propose", func(context.Context) (int, error) {
		calls++
		return 0, pipeline.ErrUnfixable
	})
	assert.ErrorIs(t, err, pipeline.ErrUnfixable)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustionIsBounded(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(2), "validate", func(context.Context) error {
		calls++
		return pipeline.Transient("validate", context.DeadlineExceeded)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, pipeline.IsTransient(err))
	assert.Contains(t, err.Error(), "validate failed after 3 attempts")
}

func TestDo_ZeroRetriesRunsOnce(t *testing.T) {
	calls := 0
	_ = Run(context.Background(), fastPolicy(0), "once", func(context.Context) error {
		calls++
		return pipeline.Transient("once", errors.New("timeout"))
	})
	assert.Equal(t, 1, calls)
}

func TestDo_CustomClassifierAndDelay(t *testing.T) {
	rateLimited := errors.New("rate limited")
	p := fastPolicy(2)
	p.Retryable = func(err error) bool { return errors.Is(err, rateLimited) }
	p.Delay = func(err error) (time.Duration, bool) { return time.Millisecond, errors.Is(err, rateLimited) }

	calls := 0
	_, err := Do(context.Background(), p, "github", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, rateLimited
		}
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(5)
	p.InitialBackoff = time.Second
	p.MaxBackoff = time.Second

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, p, "slow", func(context.Context) error {
			calls++
			return pipeline.Transient("slow", errors.New("unavailable"))
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
	assert.Equal(t, 1, calls)
}
