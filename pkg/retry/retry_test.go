package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

func fastPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		Budget:      time.Second,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return pipeline.Retryable("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "test", func(context.Context) error {
		calls++
		return pipeline.Permanent("malformed input")
	})
	require.Error(t, err)
	assert.True(t, pipeline.IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "test", func(context.Context) error {
		calls++
		return pipeline.Retryable("still down")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls, "MaxRetries=3 means 4 attempts")
}

func TestDo_RespectsBudget(t *testing.T) {
	p := Policy{MaxRetries: 100, BackoffBase: 5 * time.Millisecond, BackoffCap: 5 * time.Millisecond, Budget: 20 * time.Millisecond}
	start := time.Now()
	err := p.Do(context.Background(), "test", func(context.Context) error {
		return pipeline.Retryable("still down")
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fastPolicy().Do(ctx, "test", func(context.Context) error {
		return pipeline.Retryable("still down")
	})
	require.Error(t, err)
	assert.True(t, pipeline.IsRetryable(err))
}

func TestDo_UnclassifiedErrorsRetry(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("raw failure")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestBackoff_BoundedByCap(t *testing.T) {
	p := Policy{BackoffBase: 100 * time.Millisecond, BackoffCap: 300 * time.Millisecond}
	for attempt := 1; attempt <= 10; attempt++ {
		for range 20 {
			wait := p.backoff(attempt)
			assert.GreaterOrEqual(t, wait, time.Duration(0))
			assert.Less(t, wait, 300*time.Millisecond+time.Nanosecond)
		}
	}
}
