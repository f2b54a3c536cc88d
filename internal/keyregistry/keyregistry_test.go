package keyregistry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRoundRobin(t *testing.T) {
	ctx := context.Background()
	r := New(NewInMemoryQuotaStore(), time.UTC)
	require.NoError(t, r.LoadKeys(ctx, ProviderKTO, []string{"k1", "k2", "k3"}, 10))

	seen := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		k, remaining, err := r.Acquire(ProviderKTO)
		require.NoError(t, err)
		assert.Equal(t, 10, remaining)
		seen = append(seen, k.Secret)
	}
	assert.ElementsMatch(t, []string{"k1", "k2", "k3"}, seen)
}

func TestRecordRateLimitedTakesKeyOutOfRotation(t *testing.T) {
	ctx := context.Background()
	r := New(NewInMemoryQuotaStore(), time.UTC)
	require.NoError(t, r.LoadKeys(ctx, ProviderKTO, []string{"k1", "k2"}, 10))

	k1, _, err := r.Acquire(ProviderKTO)
	require.NoError(t, err)
	require.NoError(t, r.Record(ctx, k1, OutcomeRateLimited))

	for i := 0; i < 3; i++ {
		k, _, err := r.Acquire(ProviderKTO)
		require.NoError(t, err)
		assert.Equal(t, "k2", k.Secret)
	}
}

func TestRateLimitedKeyRecoversAfterCooldown(t *testing.T) {
	ctx := context.Background()
	r := New(NewInMemoryQuotaStore(), time.UTC)
	require.NoError(t, r.LoadKeys(ctx, ProviderKTO, []string{"k1", "k2"}, 10))

	clock := time.Now()
	r.now = func() time.Time { return clock }

	k1, _, err := r.Acquire(ProviderKTO)
	require.NoError(t, err)
	require.NoError(t, r.Record(ctx, k1, OutcomeRateLimited))

	for i := 0; i < 3; i++ {
		k, _, err := r.Acquire(ProviderKTO)
		require.NoError(t, err)
		assert.Equal(t, "k2", k.Secret, "cooling key must stay out of rotation before its cooldown elapses")
	}

	clock = clock.Add(rateLimitCooldown + time.Minute)
	k, _, err := r.Acquire(ProviderKTO)
	require.NoError(t, err)
	assert.Equal(t, "k1", k.Secret, "k1 should rotate back in once its cooldown elapses")
	assert.Equal(t, StateActive, k1.State)
}

func TestOnlyCoolingDownTrueWhenEveryKeyRateLimited(t *testing.T) {
	ctx := context.Background()
	r := New(NewInMemoryQuotaStore(), time.UTC)
	require.NoError(t, r.LoadKeys(ctx, ProviderKTO, []string{"k1", "k2"}, 10))

	for i := 0; i < 2; i++ {
		k, _, err := r.Acquire(ProviderKTO)
		require.NoError(t, err)
		require.NoError(t, r.Record(ctx, k, OutcomeRateLimited))
	}

	assert.True(t, r.AllExhaustedOrUnavailable(ProviderKTO))
	assert.True(t, r.OnlyCoolingDown(ProviderKTO))
}

func TestOnlyCoolingDownFalseWhenQuotaExhausted(t *testing.T) {
	ctx := context.Background()
	r := New(NewInMemoryQuotaStore(), time.UTC)
	require.NoError(t, r.LoadKeys(ctx, ProviderKTO, []string{"only"}, 1))

	k, _, err := r.Acquire(ProviderKTO)
	require.NoError(t, err)
	require.NoError(t, r.Record(ctx, k, OutcomeOk))

	assert.True(t, r.AllExhaustedOrUnavailable(ProviderKTO))
	assert.False(t, r.OnlyCoolingDown(ProviderKTO), "quota exhaustion must not be misreported as rate limiting")
}

func TestRecordTransientErrorDisablesAfterThreshold(t *testing.T) {
	ctx := context.Background()
	r := New(NewInMemoryQuotaStore(), time.UTC)
	require.NoError(t, r.LoadKeys(ctx, ProviderKTO, []string{"only"}, 10))

	k, _, err := r.Acquire(ProviderKTO)
	require.NoError(t, err)
	for i := 0; i < transientErrorThreshold; i++ {
		require.NoError(t, r.Record(ctx, k, OutcomeTransientError))
	}

	_, _, err = r.Acquire(ProviderKTO)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.True(t, r.AllExhaustedOrUnavailable(ProviderKTO))
}

func TestRecordAuthErrorRequiresManualReactivation(t *testing.T) {
	ctx := context.Background()
	r := New(NewInMemoryQuotaStore(), time.UTC)
	require.NoError(t, r.LoadKeys(ctx, ProviderKTO, []string{"only"}, 10))

	k, _, err := r.Acquire(ProviderKTO)
	require.NoError(t, err)
	require.NoError(t, r.Record(ctx, k, OutcomeAuthError))

	reactivated := r.Probe(ctx, ProviderKTO, func(ctx context.Context, provider Provider, key *ApiKey) bool {
		return true
	})
	assert.Equal(t, 0, reactivated, "auth-disabled keys must never be probed automatically")
}

func TestQuotaExhaustionBlocksAcquire(t *testing.T) {
	ctx := context.Background()
	r := New(NewInMemoryQuotaStore(), time.UTC)
	require.NoError(t, r.LoadKeys(ctx, ProviderKTO, []string{"only"}, 1))

	k, _, err := r.Acquire(ProviderKTO)
	require.NoError(t, err)
	require.NoError(t, r.Record(ctx, k, OutcomeOk))

	_, _, err = r.Acquire(ProviderKTO)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestHashNeverReturnsRawSecret(t *testing.T) {
	h := Hash("super-secret-value")
	assert.NotContains(t, h, "super-secret-value")
	assert.Len(t, h, 12)
}
