package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/orchestrator-core/internal/pipelineerr"
)

func TestDoSucceedsAfterTransientRetries(t *testing.T) {
	calls := 0
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return pipelineerr.New(pipelineerr.KindTransient, errors.New("timeout"), "retry me")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Default, func(ctx context.Context) error {
		calls++
		return pipelineerr.New(pipelineerr.KindConfig, nil, "bad config")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second}, func(ctx context.Context) error {
		calls++
		return pipelineerr.New(pipelineerr.KindTransient, nil, "retry me")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
