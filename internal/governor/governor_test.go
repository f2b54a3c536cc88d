package governor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicc6/weather-flick-batch/internal/keyregistry"
)

func TestAcquireRespectsMaxInFlight(t *testing.T) {
	g := New(10, 0)
	g.Configure(keyregistry.ProviderKTO, Limits{MaxInFlight: 1})

	ctx := context.Background()
	slot1, err := g.Acquire(ctx, keyregistry.ProviderKTO)
	require.NoError(t, err)

	var acquired int32
	done := make(chan struct{})
	go func() {
		slot2, err := g.Acquire(ctx, keyregistry.ProviderKTO)
		require.NoError(t, err)
		atomic.StoreInt32(&acquired, 1)
		slot2.Release(true)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&acquired), "second acquire must block while first holds the only slot")

	slot1.Release(true)
	<-done
	assert.EqualValues(t, 1, atomic.LoadInt32(&acquired))
}

func TestAcquireHonorsCancellation(t *testing.T) {
	g := New(10, 0)
	g.Configure(keyregistry.ProviderKTO, Limits{MaxInFlight: 1})

	ctx := context.Background()
	slot, err := g.Acquire(ctx, keyregistry.ProviderKTO)
	require.NoError(t, err)
	defer slot.Release(true)

	cancelCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(cancelCtx, keyregistry.ProviderKTO)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGlobalRateLimiterPacesAcrossProviders(t *testing.T) {
	g := New(10, 5) // 5 req/s, burst 10
	g.Configure(keyregistry.ProviderKTO, Limits{MaxInFlight: 10})
	g.Configure(keyregistry.ProviderKMA, Limits{MaxInFlight: 10})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		slot, err := g.Acquire(ctx, keyregistry.ProviderKTO)
		require.NoError(t, err)
		slot.Release(true)
	}

	start := time.Now()
	slot, err := g.Acquire(ctx, keyregistry.ProviderKMA)
	require.NoError(t, err)
	slot.Release(true)
	assert.Greater(t, time.Since(start), time.Duration(0),
		"the 11th acquire across both providers must wait for the global token bucket to refill")
}

func TestAdaptiveDelayGrowsOnFailureAndDecaysOnSuccess(t *testing.T) {
	g := New(10, 0)
	g.Configure(keyregistry.ProviderKTO, Limits{MaxInFlight: 5})
	ctx := context.Background()

	slot, err := g.Acquire(ctx, keyregistry.ProviderKTO)
	require.NoError(t, err)
	slot.Release(false)
	afterFail := g.Snapshot(keyregistry.ProviderKTO).AdaptiveDelay
	assert.Greater(t, afterFail, time.Duration(0))

	slot, err = g.Acquire(ctx, keyregistry.ProviderKTO)
	require.NoError(t, err)
	slot.Release(true)
	afterSuccess := g.Snapshot(keyregistry.ProviderKTO).AdaptiveDelay
	assert.Less(t, afterSuccess, afterFail)
}

func TestAbortDoesNotPerturbAdaptiveDelay(t *testing.T) {
	g := New(10, 0)
	g.Configure(keyregistry.ProviderKTO, Limits{MaxInFlight: 1})
	ctx := context.Background()

	slot, err := g.Acquire(ctx, keyregistry.ProviderKTO)
	require.NoError(t, err)
	before := g.Snapshot(keyregistry.ProviderKTO).AdaptiveDelay
	slot.Abort()
	after := g.Snapshot(keyregistry.ProviderKTO).AdaptiveDelay
	assert.Equal(t, before, after)
}
